package audio

import (
	"context"
	"time"
)

// Output is a playback sink with its own monotonic clock. Frames are
// scheduled at absolute times on that clock, which lets the [Stream]
// queue audio ahead of the device and achieve gapless playback.
//
// Implementations must be safe for concurrent use.
type Output interface {
	// Now returns the current position of the output clock. The clock starts
	// at zero when the output is created and only ever moves forward.
	Now() time.Duration

	// Play schedules f to start at the absolute clock time at. When at is in
	// the past the frame starts as soon as possible. The returned [Source]
	// tracks the lifetime of this one frame.
	Play(f Frame, at time.Duration) Source

	// FadeOut ramps the output gain to zero over the given duration.
	// Audio already scheduled keeps running underneath the ramp; use
	// [Source.Stop] to actually cancel it.
	FadeOut(ramp time.Duration)

	// ResetGain restores the output gain to unity after a [Output.FadeOut].
	ResetGain()

	// Resume starts (or restarts) the underlying device. It must be called
	// before the first Play and is safe to call on a running output.
	Resume(ctx context.Context) error

	// SampleRate returns the device sample rate in Hz.
	SampleRate() int

	// Close releases the device. No methods may be called after Close.
	Close() error
}

// Source is a single scheduled frame on an [Output].
type Source interface {
	// Done is closed when the frame has finished playing or was stopped.
	Done() <-chan struct{}

	// Stop cancels the frame immediately. Stopping a finished or already
	// stopped source is a no-op.
	Stop()
}
