package audio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State describes the lifecycle of a [Stream].
type State int

const (
	// StateIdle means no audio has been ingested yet.
	StateIdle State = iota

	// StatePlaying means audio is queued or scheduled and more may arrive.
	StatePlaying

	// StateDraining means the sender signalled end-of-stream and the stream
	// is playing out whatever remains.
	StateDraining

	// StateStopped means playback ended, either because a completed stream
	// fully played out or because it was cancelled via [Stream.Stop].
	// Ingesting new audio restarts the stream.
	StateStopped
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StatePlaying:
		return "PLAYING"
	case StateDraining:
		return "DRAINING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Defaults for [Stream] scheduling parameters.
const (
	// DefaultFrameSize is the number of samples per scheduled frame.
	DefaultFrameSize = 7680

	// DefaultLookAhead is how far ahead of the output clock the stream keeps
	// frames scheduled.
	DefaultLookAhead = 200 * time.Millisecond

	// DefaultWarmupDelay is the offset from "now" at which the first frame of
	// a fresh stream starts, giving the device time to spin up.
	DefaultWarmupDelay = 100 * time.Millisecond

	// DefaultRearmMargin is how long before the scheduled audio runs out the
	// scheduler wakes up to top the window back off.
	DefaultRearmMargin = 50 * time.Millisecond

	// DefaultFadeRamp is the gain ramp applied when a stream is stopped
	// mid-playback, avoiding an audible click.
	DefaultFadeRamp = 100 * time.Millisecond
)

// StreamOption configures optional behavior of a [Stream].
type StreamOption func(*Stream)

// WithFrameSize sets the number of samples per scheduled frame.
func WithFrameSize(n int) StreamOption {
	return func(s *Stream) {
		if n > 0 {
			s.frameSize = n
		}
	}
}

// WithLookAhead sets the scheduling window.
func WithLookAhead(d time.Duration) StreamOption {
	return func(s *Stream) {
		if d > 0 {
			s.lookAhead = d
		}
	}
}

// WithWarmupDelay sets the start offset for the first frame of a stream.
func WithWarmupDelay(d time.Duration) StreamOption {
	return func(s *Stream) {
		if d >= 0 {
			s.warmup = d
		}
	}
}

// WithRearmMargin sets the wake-up margin of the scheduling timer.
func WithRearmMargin(d time.Duration) StreamOption {
	return func(s *Stream) {
		if d >= 0 {
			s.rearmMargin = d
		}
	}
}

// WithFadeRamp sets the gain ramp used by [Stream.Stop].
func WithFadeRamp(d time.Duration) StreamOption {
	return func(s *Stream) {
		if d >= 0 {
			s.fadeRamp = d
		}
	}
}

// WithOnComplete registers cb to run exactly once when a completed stream has
// fully played out. cb is invoked on an internal goroutine without locks held.
func WithOnComplete(cb func()) StreamOption {
	return func(s *Stream) { s.onComplete = cb }
}

// WithOnStop registers cb to run whenever playback is cancelled via
// [Stream.Stop]. Stopping never triggers the completion callback.
func WithOnStop(cb func()) StreamOption {
	return func(s *Stream) { s.onStop = cb }
}

// WithOnFrameScheduled registers cb to observe each scheduled frame's lead
// time over the output clock. Used for metrics; must not block.
func WithOnFrameScheduled(cb func(lead time.Duration)) StreamOption {
	return func(s *Stream) { s.onFrame = cb }
}

// WithStreamLogger sets the logger for scheduling events.
func WithStreamLogger(l *slog.Logger) StreamOption {
	return func(s *Stream) {
		if l != nil {
			s.log = l
		}
	}
}

// Stream re-chunks incoming PCM into fixed-size frames and schedules them
// back-to-back on an [Output] so playback is gapless regardless of how the
// audio arrived from the network.
//
// Frames are played strictly in ingest order and are never discarded except
// by [Stream.Stop]. All methods are safe for concurrent use.
type Stream struct {
	out Output
	log *slog.Logger

	frameSize   int
	lookAhead   time.Duration
	warmup      time.Duration
	rearmMargin time.Duration
	fadeRamp    time.Duration

	onComplete func()
	onStop     func()
	onFrame    func(lead time.Duration)

	mu            sync.Mutex
	state         State
	pending       []float32   // partial frame awaiting more samples
	queue         [][]float32 // full frames not yet handed to the output
	active        []Source    // scheduled sources, oldest first
	scheduledTime time.Duration
	complete      bool // sender signalled end-of-stream
	completeFired bool
	tailGen       uint64 // disarms stale tail watchers
	timer         *time.Timer
}

// NewStream creates a scheduler on top of out.
func NewStream(out Output, opts ...StreamOption) *Stream {
	s := &Stream{
		out:         out,
		log:         slog.Default(),
		frameSize:   DefaultFrameSize,
		lookAhead:   DefaultLookAhead,
		warmup:      DefaultWarmupDelay,
		rearmMargin: DefaultRearmMargin,
		fadeRamp:    DefaultFadeRamp,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Completed reports whether the current stream has fully played out and its
// completion callback has fired.
func (s *Stream) Completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completeFired
}

// Buffered returns the playback time of audio ingested but not yet handed to
// the output, including any partial frame.
func (s *Stream) Buffered() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.pending)
	for _, f := range s.queue {
		n += len(f)
	}
	rate := s.out.SampleRate()
	if rate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(rate)
}

// Ingest decodes little-endian PCM16 bytes and appends them to the stream.
// Complete frames are scheduled immediately; a trailing partial frame is held
// until more audio arrives or [Stream.Complete] flushes it. Ingesting after a
// stop or a finished stream starts a new stream.
func (s *Stream) Ingest(pcm []byte) {
	samples := DecodePCM16(pcm)
	if len(samples) == 0 {
		return
	}

	s.mu.Lock()
	if s.state == StateStopped || s.completeFired {
		s.resetLocked()
	}
	if s.state == StateDraining {
		// Sender kept talking after signalling completion; treat it as a
		// continuation of the same stream.
		s.state = StatePlaying
		s.complete = false
		s.tailGen++
	}

	buf := make([]float32, 0, len(s.pending)+len(samples))
	buf = append(buf, s.pending...)
	buf = append(buf, samples...)
	for len(buf) >= s.frameSize {
		s.queue = append(s.queue, buf[:s.frameSize:s.frameSize])
		buf = buf[s.frameSize:]
	}
	s.pending = buf

	if s.state == StateIdle {
		s.state = StatePlaying
		s.scheduledTime = s.out.Now() + s.warmup
		s.log.Debug("playback starting", "warmup", s.warmup, "buffered_frames", len(s.queue))
	}
	s.schedulePassLocked()
	s.mu.Unlock()
}

// Complete marks the stream as finished on the sender side. Any partial frame
// is flushed as a short final frame, the remaining queue plays out, and the
// completion callback fires exactly once when the last sample has left the
// output. If nothing is buffered or playing, the callback fires immediately.
func (s *Stream) Complete() {
	s.mu.Lock()
	if s.complete || s.completeFired {
		s.mu.Unlock()
		return
	}
	s.complete = true

	if len(s.pending) > 0 {
		s.queue = append(s.queue, s.pending)
		s.pending = nil
		if s.state == StateIdle || s.state == StateStopped {
			s.state = StatePlaying
			s.scheduledTime = s.out.Now() + s.warmup
		}
	}

	if s.state == StatePlaying {
		s.state = StateDraining
	}

	if len(s.queue) == 0 {
		if s.state != StateDraining || s.out.Now() >= s.scheduledTime {
			cb := s.fireCompleteLocked()
			s.mu.Unlock()
			if cb != nil {
				cb()
			}
			return
		}
	}
	s.schedulePassLocked()
	s.mu.Unlock()
}

// Stop cancels playback immediately: buffered and scheduled audio is
// discarded, the output gain is faded out to avoid a click, and the stream
// enters [StateStopped]. The completion callback never fires for a stopped
// stream. Stopping an already stopped stream is a no-op.
func (s *Stream) Stop() {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	s.log.Debug("playback stopped", "state", s.state, "dropped_frames", len(s.queue))
	s.state = StateStopped
	s.pending = nil
	s.queue = nil
	s.complete = false
	s.completeFired = false
	s.scheduledTime = 0
	s.tailGen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	active := s.active
	s.active = nil
	ramp := s.fadeRamp
	stopHook := s.onStop
	s.mu.Unlock()

	s.out.FadeOut(ramp)
	time.AfterFunc(ramp, func() {
		for _, src := range active {
			src.Stop()
		}
		s.out.ResetGain()
	})
	if stopHook != nil {
		stopHook()
	}
}

// Resume restarts a suspended output device, restores full gain, and pushes
// the scheduling origin forward so the next frame gets a fresh warm-up lead.
// It blocks until the device reports ready or ctx is cancelled.
func (s *Stream) Resume(ctx context.Context) error {
	if err := s.out.Resume(ctx); err != nil {
		return fmt.Errorf("resume output: %w", err)
	}
	s.out.ResetGain()
	s.mu.Lock()
	s.scheduledTime = s.out.Now() + s.warmup
	s.mu.Unlock()
	return nil
}

// resetLocked prepares the stream for a fresh run after a stop or a finished
// stream.
func (s *Stream) resetLocked() {
	s.state = StateIdle
	s.complete = false
	s.completeFired = false
	s.scheduledTime = 0
	s.active = nil
	s.tailGen++
}

// schedulePassLocked hands queued frames to the output until the look-ahead
// window is full, then either arms the wake-up timer or, when the queue is
// empty on a completed stream, watches the tail source for completion.
func (s *Stream) schedulePassLocked() {
	if s.state != StatePlaying && s.state != StateDraining {
		return
	}
	now := s.out.Now()
	if s.scheduledTime < now {
		s.scheduledTime = now
	}
	s.pruneActiveLocked()

	for len(s.queue) > 0 && s.scheduledTime < now+s.lookAhead {
		frame := Frame{Samples: s.queue[0], SampleRate: s.out.SampleRate()}
		s.queue = s.queue[1:]
		start := s.scheduledTime
		src := s.out.Play(frame, start)
		s.active = append(s.active, src)
		s.scheduledTime = start + frame.Duration()
		if s.onFrame != nil {
			s.onFrame(start - now)
		}
	}

	switch {
	case len(s.queue) > 0:
		s.armTimerLocked(now)
	case s.complete && !s.completeFired:
		s.watchTailLocked()
	}
}

// pruneActiveLocked drops sources that have already finished so the active
// list stays bounded by the look-ahead window.
func (s *Stream) pruneActiveLocked() {
	kept := s.active[:0]
	for _, src := range s.active {
		select {
		case <-src.Done():
		default:
			kept = append(kept, src)
		}
	}
	s.active = kept
}

// armTimerLocked schedules the next top-off pass shortly before the already
// scheduled audio runs out.
func (s *Stream) armTimerLocked(now time.Duration) {
	delay := s.scheduledTime - now - s.rearmMargin
	if delay < 0 {
		delay = 0
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.schedulePassLocked()
		s.mu.Unlock()
	})
}

// watchTailLocked fires the completion callback once the last scheduled
// source finishes. The generation counter disarms the watcher if the stream
// is stopped or restarted before the tail plays out.
func (s *Stream) watchTailLocked() {
	if len(s.active) == 0 {
		cb := s.fireCompleteLocked()
		if cb != nil {
			go cb()
		}
		return
	}
	tail := s.active[len(s.active)-1]
	s.tailGen++
	gen := s.tailGen
	go func() {
		<-tail.Done()
		s.mu.Lock()
		if gen != s.tailGen || s.completeFired || !s.complete || len(s.queue) > 0 {
			s.mu.Unlock()
			return
		}
		cb := s.fireCompleteLocked()
		s.mu.Unlock()
		if cb != nil {
			cb()
		}
	}()
}

// fireCompleteLocked transitions to the finished state and returns the
// completion callback for the caller to invoke outside the lock.
func (s *Stream) fireCompleteLocked() func() {
	if s.completeFired {
		return nil
	}
	s.completeFired = true
	s.state = StateStopped
	s.active = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.log.Debug("playback complete")
	return s.onComplete
}
