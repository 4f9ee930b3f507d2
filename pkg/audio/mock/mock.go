// Package mock provides an in-memory [audio.Output] with a manually advanced
// clock, for deterministic scheduler tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/parleyvoice/parley/pkg/audio"
)

// Output records every scheduled frame and only moves its clock when the test
// calls [Output.Advance].
type Output struct {
	mu       sync.Mutex
	now      time.Duration
	rate     int
	sources  []*Source
	fades    []time.Duration
	resets   int
	resumes  int
	closed   bool
	resumeFn func(context.Context) error
}

var _ audio.Output = (*Output)(nil)

// NewOutput creates a mock output with the given sample rate.
func NewOutput(sampleRate int) *Output {
	return &Output{rate: sampleRate}
}

// Now returns the mock clock position.
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// SampleRate returns the configured sample rate.
func (o *Output) SampleRate() int { return o.rate }

// Play records the frame and returns a [Source] whose Done channel closes
// when the clock advances past the frame's end.
func (o *Output) Play(f audio.Frame, at time.Duration) audio.Source {
	o.mu.Lock()
	defer o.mu.Unlock()
	start := at
	if start < o.now {
		start = o.now
	}
	src := &Source{
		Frame: f,
		Start: start,
		End:   start + f.Duration(),
		done:  make(chan struct{}),
	}
	o.sources = append(o.sources, src)
	if src.End <= o.now {
		src.finish()
	}
	return src
}

// Advance moves the clock forward by d and finishes every source whose end
// time has been reached.
func (o *Output) Advance(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now += d
	for _, src := range o.sources {
		if src.End <= o.now {
			src.finish()
		}
	}
}

// Sources returns a snapshot of every frame scheduled so far, oldest first.
func (o *Output) Sources() []*Source {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Source, len(o.sources))
	copy(out, o.sources)
	return out
}

// FadeOut records the requested ramp.
func (o *Output) FadeOut(ramp time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fades = append(o.fades, ramp)
}

// Fades returns every ramp passed to [Output.FadeOut].
func (o *Output) Fades() []time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]time.Duration, len(o.fades))
	copy(out, o.fades)
	return out
}

// ResetGain counts gain resets.
func (o *Output) ResetGain() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resets++
}

// GainResets returns how often [Output.ResetGain] was called.
func (o *Output) GainResets() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.resets
}

// SetResumeFunc overrides the behavior of [Output.Resume], e.g. to simulate a
// device that fails to start.
func (o *Output) SetResumeFunc(fn func(context.Context) error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resumeFn = fn
}

// Resume counts resume calls, delegating to the function set via
// [Output.SetResumeFunc] when present.
func (o *Output) Resume(ctx context.Context) error {
	o.mu.Lock()
	o.resumes++
	fn := o.resumeFn
	o.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return nil
}

// Resumes returns how often [Output.Resume] was called.
func (o *Output) Resumes() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.resumes
}

// Close marks the output closed.
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	return nil
}

// Source is a recorded frame on a mock [Output].
type Source struct {
	Frame audio.Frame
	Start time.Duration
	End   time.Duration

	once    sync.Once
	done    chan struct{}
	mu      sync.Mutex
	stopped bool
}

var _ audio.Source = (*Source)(nil)

// Done is closed when the clock passes the frame's end or the source is
// stopped.
func (s *Source) Done() <-chan struct{} { return s.done }

// Stop cancels the frame.
func (s *Source) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.finish()
}

// Stopped reports whether [Source.Stop] was called.
func (s *Source) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Source) finish() {
	s.once.Do(func() { close(s.done) })
}
