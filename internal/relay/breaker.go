package relay

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrUpstreamOpen is returned by [Breaker.Do] while the breaker is open and
// the reset timeout has not yet elapsed.
var ErrUpstreamOpen = errors.New("relay: upstream circuit open")

// BreakerState is the operating mode of a [Breaker].
type BreakerState int

const (
	// BreakerClosed forwards all dials.
	BreakerClosed BreakerState = iota

	// BreakerOpen rejects dials immediately with [ErrUpstreamOpen] until
	// the reset timeout elapses.
	BreakerOpen

	// BreakerHalfOpen lets a limited number of probe dials through after
	// the reset timeout; success closes the breaker, failure re-opens it.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. Zero-value fields get defaults.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive dial failures before the
	// breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before allowing
	// probe dials. Default: 30s.
	ResetTimeout time.Duration

	// ProbeMax is how many probe dials the half-open state permits.
	// Default: 3.
	ProbeMax int
}

// Breaker protects the relay from hammering a dead upstream: once dials fail
// consistently, further client upgrades are rejected fast instead of each
// burning a full dial timeout. Safe for concurrent use.
type Breaker struct {
	maxFailures  int
	resetTimeout time.Duration
	probeMax     int

	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time
	probes      int
	probeFails  int
}

// NewBreaker creates a [Breaker] with the supplied configuration.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.ProbeMax <= 0 {
		cfg.ProbeMax = 3
	}
	return &Breaker{
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		probeMax:     cfg.ProbeMax,
	}
}

// Do runs dial if the breaker allows it. In the open state it returns
// [ErrUpstreamOpen] without dialing. Context cancellation counts as a
// failure only if the upstream had a full chance to answer, so dial errors
// caused by the caller going away do not trip the breaker.
func (b *Breaker) Do(ctx context.Context, dial func(context.Context) error) error {
	b.mu.Lock()
	switch b.state {
	case BreakerOpen:
		if time.Since(b.lastFailure) < b.resetTimeout {
			b.mu.Unlock()
			return ErrUpstreamOpen
		}
		b.state = BreakerHalfOpen
		b.probes = 0
		b.probeFails = 0

	case BreakerHalfOpen:
		if b.probes >= b.probeMax {
			b.mu.Unlock()
			return ErrUpstreamOpen
		}
	}
	probing := b.state == BreakerHalfOpen
	if probing {
		b.probes++
	}
	b.mu.Unlock()

	err := dial(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case err == nil:
		b.recordSuccess(probing)
	case errors.Is(err, context.Canceled):
		// The client hung up mid-dial; says nothing about the upstream.
	default:
		b.recordFailure(probing)
	}
	return err
}

// recordFailure must be called with b.mu held.
func (b *Breaker) recordFailure(probing bool) {
	b.lastFailure = time.Now()
	if probing {
		b.probeFails++
		b.state = BreakerOpen
		b.failures = b.maxFailures
		return
	}
	b.failures++
	if b.failures >= b.maxFailures {
		b.state = BreakerOpen
	}
}

// recordSuccess must be called with b.mu held.
func (b *Breaker) recordSuccess(probing bool) {
	if probing {
		if b.probes-b.probeFails >= b.probeMax {
			b.state = BreakerClosed
			b.failures = 0
			b.probes = 0
			b.probeFails = 0
		}
		return
	}
	b.failures = 0
}

// State returns the breaker's current state. An open breaker whose reset
// timeout has elapsed reports half-open; the transition itself happens on
// the next [Breaker.Do].
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && time.Since(b.lastFailure) >= b.resetTimeout {
		return BreakerHalfOpen
	}
	return b.state
}
