package recog

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultRestartDelay is how long the [Coordinator] waits before restarting
// an engine run that terminated while it should still be listening.
const DefaultRestartDelay = 100 * time.Millisecond

// CoordinatorOption configures optional behavior of a [Coordinator].
type CoordinatorOption func(*Coordinator)

// WithRestartDelay sets the delay between an engine run ending and the
// automatic restart attempt.
func WithRestartDelay(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d >= 0 {
			c.restartDelay = d
		}
	}
}

// WithOnRestart registers cb to observe each automatic restart. Used for
// metrics; must not block.
func WithOnRestart(cb func()) CoordinatorOption {
	return func(c *Coordinator) { c.onRestart = cb }
}

// WithCoordinatorLogger sets the logger for engine lifecycle events.
func WithCoordinatorLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// Coordinator wraps an [Engine] so it appears continuously active while a
// playback stream is live. Engines routinely terminate on their own — after
// silence, on transient network hiccups — and the coordinator restarts them
// after a short delay, guarded so overlapping starts are never issued.
//
// Only final results are forwarded downstream; interim guesses are dropped.
// All methods are safe for concurrent use.
type Coordinator struct {
	engine       Engine
	log          *slog.Logger
	restartDelay time.Duration

	// playbackActive and streamComplete probe the owning session's playback
	// state; a run ending while playback is live and the stream is not yet
	// complete is treated as spurious and restarted.
	playbackActive func() bool
	streamComplete func() bool

	onFinal   func(Result)
	onRestart func()

	mu             sync.Mutex
	active         bool
	restartPending bool
	closed         bool
}

// NewCoordinator wires an engine to its session probes. playbackActive and
// streamComplete report the owning playback stream's state; onFinal receives
// every final transcription result. Any of the three may be nil.
func NewCoordinator(engine Engine, playbackActive, streamComplete func() bool, onFinal func(Result), opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		engine:         engine,
		log:            slog.Default(),
		restartDelay:   DefaultRestartDelay,
		playbackActive: playbackActive,
		streamComplete: streamComplete,
		onFinal:        onFinal,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Active reports whether an engine run is currently live.
func (c *Coordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Start launches an engine run. It is a no-op while a run is already active,
// so callers may invoke it freely on every audio activity signal. Start
// failures are swallowed: the coordinator resets to inactive and the next
// activity signal or restart timer tries again.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.active || c.closed {
		c.mu.Unlock()
		return
	}
	c.active = true
	c.mu.Unlock()

	events, err := c.engine.Start(ctx)
	if err != nil {
		c.log.Warn("recognition engine failed to start", "error", err)
		c.mu.Lock()
		c.active = false
		c.mu.Unlock()
		return
	}
	c.log.Debug("recognition engine started")
	go c.consume(ctx, events)
}

// Stop terminates the current run. It never returns an error and is a no-op
// when nothing is running.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	c.mu.Unlock()

	if err := c.engine.Stop(); err != nil {
		c.log.Debug("recognition engine stop", "error", err)
	}
}

// Close stops the engine and disables any pending restart. The coordinator
// must not be reused afterwards.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.Stop()
}

// consume drains one engine run's event stream.
func (c *Coordinator) consume(ctx context.Context, events <-chan Event) {
	reason := ReasonUnknown
	sawEnd := false
	for ev := range events {
		switch ev.Kind {
		case KindResult:
			if ev.Result.Final && ev.Result.Text != "" && c.onFinal != nil {
				c.onFinal(ev.Result)
			}
		case KindError:
			c.log.Warn("recognition engine error", "error", ev.Err)
		case KindEnd:
			reason = ev.Reason
			sawEnd = true
		}
	}
	if !sawEnd {
		reason = ReasonUnknown
	}
	c.handleEnded(ctx, reason)
}

// handleEnded decides whether a terminated run was deliberate or spurious,
// and schedules a restart for the latter.
func (c *Coordinator) handleEnded(ctx context.Context, reason EndReason) {
	c.mu.Lock()
	if !c.active {
		// Stop or Close already marked the run inactive; the termination
		// was deliberate.
		c.mu.Unlock()
		return
	}
	c.active = false

	restart := reason == ReasonNoSpeech || c.shouldRestartLocked()
	if reason == ReasonStopped || c.closed || c.restartPending || !restart {
		c.mu.Unlock()
		if !restart && reason != ReasonStopped {
			c.log.Warn("recognition engine ended, leaving inactive", "reason", reason)
		}
		return
	}
	c.restartPending = true
	delay := c.restartDelay
	c.mu.Unlock()

	c.log.Debug("recognition engine ended, restarting", "reason", reason, "delay", delay)
	time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.restartPending = false
		closed := c.closed
		c.mu.Unlock()
		if closed || ctx.Err() != nil {
			return
		}
		if c.onRestart != nil {
			c.onRestart()
		}
		c.Start(ctx)
	})
}

// shouldRestartLocked reports whether the session still expects recognition
// to be listening.
func (c *Coordinator) shouldRestartLocked() bool {
	if c.playbackActive == nil {
		return false
	}
	if !c.playbackActive() {
		return false
	}
	return c.streamComplete == nil || !c.streamComplete()
}
