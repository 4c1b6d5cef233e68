package datasource

import (
	"math/rand"
	"sync"
	"time"
)

// healthyResetInterval is how long a connection must stay up before the next
// failure restarts the backoff sequence from the initial delay.
const healthyResetInterval = time.Minute

// retryDelay computes reconnect delays: exponential doubling from an initial
// delay up to a cap, jittered so a fleet of clients does not reconnect in
// lockstep. The jittered wait is uniform in [interval/2, interval).
type retryDelay struct {
	mu          sync.Mutex
	initial     time.Duration
	max         time.Duration
	attempt     int
	connectedAt time.Time
	rng         *rand.Rand
}

func newRetryDelay(initial, max time.Duration) *retryDelay {
	if initial <= 0 {
		initial = time.Second
	}
	if max < initial {
		max = 30 * time.Second
	}
	return &retryDelay{
		initial: initial,
		max:     max,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// noteConnectionStarted records the moment a connection was established, so
// the next failure can decide whether the outage ends a healthy streak.
func (r *retryDelay) noteConnectionStarted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectedAt = time.Now()
}

// next returns the delay before the next reconnect attempt.
func (r *retryDelay) next() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) >= healthyResetInterval {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}

	interval := r.initial << r.attempt
	if interval > r.max || interval <= 0 {
		interval = r.max
	} else {
		r.attempt++
	}
	half := interval / 2
	return half + time.Duration(r.rng.Int63n(int64(half)))
}
