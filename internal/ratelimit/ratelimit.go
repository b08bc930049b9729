// Package ratelimit implements the sliding-window rate limiter and image
// lock, both backed by internal/store so admission state survives a
// restart: remaining-budget-over-a-reset-window, persisted per
// (scope, bucket) token rather than held in a process-local map.
package ratelimit

import (
	"github.com/poduptrigger/poduptrigger/internal/metrics"
	"github.com/poduptrigger/poduptrigger/internal/store"
)

// Window is one admission window: at most Max tokens within Seconds.
type Window struct {
	Max     int
	Seconds int64
}

// Limiter enforces a burst window and a sustained window simultaneously:
// 2 tokens/10 minutes burst, 10 tokens/5 hours sustained.
type Limiter struct {
	store   *store.Store
	Burst   Window
	Sustain Window
}

// DefaultBurst and DefaultSustain are the normative admission windows.
var (
	DefaultBurst   = Window{Max: 2, Seconds: 600}
	DefaultSustain = Window{Max: 10, Seconds: 18000}
)

// New builds a Limiter with the default burst/sustained windows.
func New(s *store.Store) *Limiter {
	return &Limiter{store: s, Burst: DefaultBurst, Sustain: DefaultSustain}
}

// Decision is the outcome of an Allow check.
type Decision struct {
	Allowed     bool
	WindowHit   string // "burst" or "sustained", empty if allowed
	RetryAfterS int64
}

// Allow checks both windows for (scope, bucket) as of now and, if
// admitted, records a token. The count-then-insert happens inside the
// single store.AdmitToken transaction, so two concurrent callers for the
// same (scope, bucket) can never both observe an under-threshold count
// before either records its token.
func (l *Limiter) Allow(scope, bucket string, now int64) (Decision, error) {
	res, err := l.store.AdmitToken(scope, bucket, now,
		l.Burst.Max, now-l.Burst.Seconds,
		l.Sustain.Max, now-l.Sustain.Seconds)
	if err != nil {
		return Decision{}, err
	}
	if !res.Allowed {
		metrics.RateLimitRejects.WithLabelValues(scope, res.WindowHit).Inc()
		retryAfter := l.Burst.Seconds
		if res.WindowHit == "sustained" {
			retryAfter = l.Sustain.Seconds
		}
		return Decision{Allowed: false, WindowHit: res.WindowHit, RetryAfterS: retryAfter}, nil
	}
	metrics.RateLimitAdmits.WithLabelValues(scope).Inc()
	return Decision{Allowed: true}, nil
}

// Sweep purges tokens older than both windows for (scope, bucket), keeping
// bucketRateTokens bounded. The POST /api/prune-state handler drives this.
func (l *Limiter) Sweep(scope, bucket string, now int64) error {
	oldest := l.Sustain.Seconds
	if l.Burst.Seconds > oldest {
		oldest = l.Burst.Seconds
	}
	return l.store.PurgeTokensBefore(scope, bucket, now-oldest)
}
