package datasource

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/bifrost/subsystems"
)

func TestStatusBroadcasterTransitions(t *testing.T) {
	t.Parallel()

	b := NewStatusBroadcaster()
	assert.Equal(t, subsystems.DataSourceStateInitializing, b.Status().State)

	t.Run("interrupted before first valid stays initializing", func(t *testing.T) {
		b.Update(subsystems.DataSourceStateInterrupted, subsystems.DataSourceErrorInfo{
			Kind:       subsystems.DataSourceErrorKindErrorResponse,
			StatusCode: 503,
		})
		status := b.Status()
		assert.Equal(t, subsystems.DataSourceStateInitializing, status.State)
		assert.Equal(t, 503, status.LastError.StatusCode)
		assert.False(t, status.LastError.Time.IsZero())
	})

	t.Run("valid then interrupted", func(t *testing.T) {
		b.Update(subsystems.DataSourceStateValid, subsystems.DataSourceErrorInfo{})
		assert.Equal(t, subsystems.DataSourceStateValid, b.Status().State)

		b.Update(subsystems.DataSourceStateInterrupted, subsystems.DataSourceErrorInfo{
			Kind: subsystems.DataSourceErrorKindNetworkError,
		})
		assert.Equal(t, subsystems.DataSourceStateInterrupted, b.Status().State)
	})
}

func TestStatusBroadcasterStateSinceOnlyMovesOnChange(t *testing.T) {
	t.Parallel()

	b := NewStatusBroadcaster()
	b.Update(subsystems.DataSourceStateValid, subsystems.DataSourceErrorInfo{})
	first := b.Status().StateSince

	time.Sleep(10 * time.Millisecond)
	b.Update(subsystems.DataSourceStateValid, subsystems.DataSourceErrorInfo{})
	assert.Equal(t, first, b.Status().StateSince)
}

func TestStatusBroadcasterListeners(t *testing.T) {
	t.Parallel()

	b := NewStatusBroadcaster()
	ch := b.AddListener()

	b.Update(subsystems.DataSourceStateValid, subsystems.DataSourceErrorInfo{})

	select {
	case status := <-ch:
		assert.Equal(t, subsystems.DataSourceStateValid, status.State)
	case <-time.After(time.Second):
		t.Fatal("no status delivered")
	}

	b.RemoveListener(ch)
	_, open := <-ch
	assert.False(t, open)
}

func TestStatusBroadcasterCloseClosesListeners(t *testing.T) {
	t.Parallel()

	b := NewStatusBroadcaster()
	ch := b.AddListener()
	b.Close()

	_, open := <-ch
	assert.False(t, open)

	// Updates after close are ignored.
	b.Update(subsystems.DataSourceStateValid, subsystems.DataSourceErrorInfo{})
	assert.Equal(t, subsystems.DataSourceStateInitializing, b.Status().State)
}

func TestRetryDelay(t *testing.T) {
	t.Parallel()

	t.Run("jittered delays stay within the halved window", func(t *testing.T) {
		d := newRetryDelay(time.Second, 30*time.Second)
		expected := time.Second
		for i := 0; i < 5; i++ {
			delay := d.next()
			assert.GreaterOrEqual(t, delay, expected/2)
			assert.Less(t, delay, expected)
			expected *= 2
		}
	})

	t.Run("delays cap at the maximum", func(t *testing.T) {
		d := newRetryDelay(time.Second, 4*time.Second)
		var last time.Duration
		for i := 0; i < 10; i++ {
			last = d.next()
		}
		assert.GreaterOrEqual(t, last, 2*time.Second)
		assert.Less(t, last, 4*time.Second)
	})

	t.Run("a sustained healthy connection resets the sequence", func(t *testing.T) {
		d := newRetryDelay(time.Second, 30*time.Second)
		for i := 0; i < 4; i++ {
			d.next()
		}
		d.noteConnectionStarted()
		d.mu.Lock()
		d.connectedAt = time.Now().Add(-2 * healthyResetInterval)
		d.mu.Unlock()

		delay := d.next()
		require.GreaterOrEqual(t, delay, 500*time.Millisecond)
		require.Less(t, delay, time.Second)
	})
}
