package bifrost_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/bifrost"
	"github.com/rafaeljc/bifrost/evalcontext"
	"github.com/rafaeljc/bifrost/evaluation"
	"github.com/rafaeljc/bifrost/subsystems"
	"github.com/rafaeljc/bifrost/testsource"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// capturingSender records every analytics payload instead of shipping it.
type capturingSender struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (s *capturingSender) SendEventData(payload []byte, isDiagnostic bool) subsystems.EventSenderResult {
	if isDiagnostic {
		return subsystems.EventSenderResult{Success: true}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, append([]byte(nil), payload...))
	return subsystems.EventSenderResult{Success: true}
}

// kinds flattens every captured payload into the list of event kinds sent.
func (s *capturingSender) kinds(t *testing.T) []string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, payload := range s.payloads {
		var events []map[string]any
		require.NoError(t, json.Unmarshal(payload, &events))
		for _, e := range events {
			kind, _ := e["kind"].(string)
			out = append(out, kind)
		}
	}
	return out
}

func newTestClient(t *testing.T, td *testsource.TestData, mutate func(*bifrost.Config)) *bifrost.Client {
	t.Helper()
	cfg := bifrost.Config{
		Logger:            discardLogger(),
		DataSourceFactory: td.CreateDataSource,
	}
	cfg.Events.Disabled = true
	if mutate != nil {
		mutate(&cfg)
	}
	client, err := bifrost.MakeClient("sdk-test-key", cfg, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestClientInitializesFromTestData(t *testing.T) {
	t.Parallel()
	td := testsource.New()
	td.Update(td.Flag("enabled-for-everyone"))
	client := newTestClient(t, td, nil)

	assert.True(t, client.Initialized())
	context := evalcontext.NewBuilder("user-key").Build()
	assert.True(t, client.BoolVariation("enabled-for-everyone", context, false))

	value, detail := client.BoolVariationDetail("enabled-for-everyone", context, false)
	assert.True(t, value)
	assert.Equal(t, evaluation.ReasonFallthrough, detail.Reason.Kind())
	assert.Equal(t, 0, detail.VariationIndex)
}

func TestUnknownFlagReturnsDefault(t *testing.T) {
	t.Parallel()
	client := newTestClient(t, testsource.New(), nil)

	context := evalcontext.NewBuilder("user-key").Build()
	value, detail := client.BoolVariationDetail("no-such-flag", context, true)
	assert.True(t, value)
	assert.Equal(t, evaluation.ReasonError, detail.Reason.Kind())
	assert.Equal(t, evaluation.ErrFlagNotFound, detail.Reason.ErrorKind())
}

func TestFlagUpdateIsVisibleImmediately(t *testing.T) {
	t.Parallel()
	td := testsource.New()
	td.Update(td.Flag("rollout").On(false))
	client := newTestClient(t, td, nil)

	context := evalcontext.NewBuilder("user-key").Build()
	assert.False(t, client.BoolVariation("rollout", context, false))

	td.Update(td.Flag("rollout").On(true))
	assert.True(t, client.BoolVariation("rollout", context, false))
}

func TestTargetedVariationForKey(t *testing.T) {
	t.Parallel()
	td := testsource.New()
	td.Update(td.Flag("beta").
		Variations("full", "none").
		FallthroughVariation(1).
		OffVariation(1).
		VariationForKey("beta-tester", 0))
	client := newTestClient(t, td, nil)

	tester := evalcontext.NewBuilder("beta-tester").Build()
	other := evalcontext.NewBuilder("someone-else").Build()
	assert.Equal(t, "full", client.StringVariation("beta", tester, "?"))
	assert.Equal(t, "none", client.StringVariation("beta", other, "?"))

	_, detail := client.StringVariationDetail("beta", tester, "?")
	assert.Equal(t, evaluation.ReasonTargetMatch, detail.Reason.Kind())
}

func TestRuleMatch(t *testing.T) {
	t.Parallel()
	td := testsource.New()
	td.Update(td.Flag("by-country").
		Variations("a", "b").
		FallthroughVariation(1).
		OffVariation(1).
		IfMatch("country", "br").ThenReturn(0))
	client := newTestClient(t, td, nil)

	brazilian := evalcontext.NewBuilder("u1").SetString("country", "br").Build()
	other := evalcontext.NewBuilder("u2").SetString("country", "de").Build()
	assert.Equal(t, "a", client.StringVariation("by-country", brazilian, "?"))
	assert.Equal(t, "b", client.StringVariation("by-country", other, "?"))
}

func TestWrongTypeReturnsDefault(t *testing.T) {
	t.Parallel()
	td := testsource.New()
	td.Update(td.Flag("string-flag").
		Variations("on", "off").
		FallthroughVariation(0).
		OffVariation(1))
	client := newTestClient(t, td, nil)

	context := evalcontext.NewBuilder("user-key").Build()
	value, detail := client.IntVariationDetail("string-flag", context, 42)
	assert.Equal(t, 42, value)
	assert.Equal(t, evaluation.ErrWrongType, detail.Reason.ErrorKind())

	// The untyped detail call still sees the real value.
	assert.Equal(t, "on", client.StringVariation("string-flag", context, "?"))
}

func TestIntVariationAcceptsWholeFloats(t *testing.T) {
	t.Parallel()
	td := testsource.New()
	td.Update(td.Flag("limit").
		Variations(float64(100), float64(10)).
		FallthroughVariation(0).
		OffVariation(1))
	client := newTestClient(t, td, nil)

	context := evalcontext.NewBuilder("user-key").Build()
	assert.Equal(t, 100, client.IntVariation("limit", context, 0))
	assert.Equal(t, float64(100), client.Float64Variation("limit", context, 0))
}

func TestOfflineModeServesDefaults(t *testing.T) {
	t.Parallel()
	cfg := bifrost.Config{Logger: discardLogger(), Offline: true}
	client, err := bifrost.MakeClient("", cfg, time.Second)
	require.NoError(t, err)
	defer client.Close()

	assert.True(t, client.Initialized())
	context := evalcontext.NewBuilder("user-key").Build()
	assert.Equal(t, "fallback", client.StringVariation("anything", context, "fallback"))
	assert.Equal(t, subsystems.DataSourceStateValid, client.DataSourceStatus().State)
}

func TestEvaluationAfterCloseReturnsDefault(t *testing.T) {
	t.Parallel()
	td := testsource.New()
	td.Update(td.Flag("enabled"))
	client := newTestClient(t, td, nil)
	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	context := evalcontext.NewBuilder("user-key").Build()
	value, detail := client.BoolVariationDetail("enabled", context, false)
	assert.False(t, value)
	assert.Equal(t, evaluation.ErrClientNotReady, detail.Reason.ErrorKind())
}

func TestDataSourceStatusReportsValid(t *testing.T) {
	t.Parallel()
	td := testsource.New()
	client := newTestClient(t, td, nil)

	status := client.DataSourceStatus()
	assert.Equal(t, subsystems.DataSourceStateValid, status.State)
	assert.False(t, status.StateSince.IsZero())
}

func TestEventsAreDelivered(t *testing.T) {
	t.Parallel()
	td := testsource.New()
	td.Update(td.Flag("tracked"))
	sender := &capturingSender{}
	client := newTestClient(t, td, func(cfg *bifrost.Config) {
		cfg.Events.Disabled = false
		cfg.Events.DiagnosticOptOut = true
		cfg.EventSender = sender
	})

	context := evalcontext.NewBuilder("user-key").Name("Ada").Build()
	client.BoolVariation("tracked", context, false)
	require.NoError(t, client.Identify(context))
	require.NoError(t, client.TrackEvent("clicked-button", context))
	require.NoError(t, client.Close())

	kinds := sender.kinds(t)
	assert.Contains(t, kinds, "index")
	assert.Contains(t, kinds, "identify")
	assert.Contains(t, kinds, "custom")
	assert.Contains(t, kinds, "summary")
}

func TestInvalidContextIsRejected(t *testing.T) {
	t.Parallel()
	client := newTestClient(t, testsource.New(), nil)

	invalid := evalcontext.NewBuilder("").Build()
	_, detail := client.BoolVariationDetail("anything", invalid, false)
	assert.Equal(t, evaluation.ReasonError, detail.Reason.Kind())

	assert.Error(t, client.Identify(invalid))
	assert.Error(t, client.TrackEvent("event", invalid))
}

func TestAllFlagsState(t *testing.T) {
	t.Parallel()
	td := testsource.New()
	td.Update(td.Flag("flag-a"))
	td.Update(td.Flag("flag-b").On(false))
	client := newTestClient(t, td, nil)

	context := evalcontext.NewBuilder("user-key").Build()
	state := client.AllFlagsState(context, bifrost.WithReasons)
	require.True(t, state.Valid())
	assert.Equal(t, true, state.Value("flag-a"))
	assert.Equal(t, false, state.Value("flag-b"))

	encoded, err := json.Marshal(state)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(encoded, &doc))
	assert.Equal(t, true, doc["$valid"])
	assert.Contains(t, doc, "$flagsState")
	assert.Equal(t, true, doc["flag-a"])

	var restored bifrost.FeatureFlagsState
	require.NoError(t, json.Unmarshal(encoded, &restored))
	assert.True(t, restored.Valid())
	assert.Equal(t, true, restored.Value("flag-a"))
}

func TestAllFlagsStateOfflineIsEmpty(t *testing.T) {
	t.Parallel()
	cfg := bifrost.Config{Logger: discardLogger(), Offline: true}
	client, err := bifrost.MakeClient("", cfg, time.Second)
	require.NoError(t, err)
	defer client.Close()

	// Offline with an empty in-memory store: initialized but no data, so the
	// snapshot is valid and empty.
	context := evalcontext.NewBuilder("user-key").Build()
	state := client.AllFlagsState(context)
	assert.Empty(t, state.Values())
}

func TestMakeClientRejectsEmptyKey(t *testing.T) {
	t.Parallel()
	_, err := bifrost.MakeClient("", bifrost.Config{Logger: discardLogger()}, 0)
	assert.Error(t, err)
}
