// Package miniaudio implements [audio.Output] and a microphone capture source
// on top of the miniaudio library via malgo. The output clock is a sample
// counter advanced by the device callback, so scheduling positions map
// exactly onto played samples regardless of wall-clock jitter.
package miniaudio

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/parleyvoice/parley/pkg/audio"
)

const (
	// DefaultSampleRate matches typical synthesized speech output.
	DefaultSampleRate = 24000

	bytesPerSample = 4 // FormatF32, mono
)

// OutputOption configures an [Output].
type OutputOption func(*Output)

// WithSampleRate sets the playback sample rate in Hz.
func WithSampleRate(rate int) OutputOption {
	return func(o *Output) {
		if rate > 0 {
			o.rate = rate
		}
	}
}

// Output is a mono float32 playback device. Frames scheduled with
// [Output.Play] are mixed into the device callback at their sample position.
type Output struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	rate   int

	mu         sync.Mutex
	clock      int64 // samples played since the device was created
	sources    []*source
	gain       float64
	gainTarget float64
	gainStep   float64 // per-sample change toward gainTarget
}

var _ audio.Output = (*Output)(nil)

// NewOutput initialises the playback device and starts it. The device keeps
// running and renders silence while nothing is scheduled; stopping and
// restarting the device would glitch the sample clock.
func NewOutput(opts ...OutputOption) (*Output, error) {
	o := &Output{
		rate:       DefaultSampleRate,
		gain:       1,
		gainTarget: 1,
	}
	for _, opt := range opts {
		opt(o)
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init context: %w", err)
	}

	config := malgo.DefaultDeviceConfig(malgo.Playback)
	config.Playback.Format = malgo.FormatF32
	config.Playback.Channels = 1
	config.SampleRate = uint32(o.rate)

	device, err := malgo.InitDevice(ctx.Context, config, malgo.DeviceCallbacks{
		Data: o.render,
	})
	if err != nil {
		ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("miniaudio: init playback device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("miniaudio: start playback device: %w", err)
	}

	o.ctx = ctx
	o.device = device
	return o, nil
}

// render is the device data callback. It mixes every active source at the
// current clock position, applies the gain ramp, and advances the clock.
func (o *Output) render(pOutput, _ []byte, frameCount uint32) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for i := uint32(0); i < frameCount; i++ {
		var sample float64
		pos := o.clock + int64(i)
		for _, src := range o.sources {
			sample += src.sampleAt(pos)
		}

		if o.gain != o.gainTarget {
			o.gain += o.gainStep
			if (o.gainStep < 0 && o.gain <= o.gainTarget) ||
				(o.gainStep > 0 && o.gain >= o.gainTarget) {
				o.gain = o.gainTarget
			}
		}
		sample *= o.gain

		if sample > 1 {
			sample = 1
		} else if sample < -1 {
			sample = -1
		}
		binary.LittleEndian.PutUint32(pOutput[i*bytesPerSample:], math.Float32bits(float32(sample)))
	}
	o.clock += int64(frameCount)

	// Retire sources that have played out.
	kept := o.sources[:0]
	for _, src := range o.sources {
		if src.endSample() <= o.clock {
			src.finish()
			continue
		}
		kept = append(kept, src)
	}
	o.sources = kept
}

// Now returns the clock position as a duration since the device started.
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.samplesToDuration(o.clock)
}

// SampleRate returns the playback sample rate in Hz.
func (o *Output) SampleRate() int { return o.rate }

// Play schedules f to start at the given clock position. A position in the
// past starts the frame immediately at its corresponding offset.
func (o *Output) Play(f audio.Frame, at time.Duration) audio.Source {
	o.mu.Lock()
	defer o.mu.Unlock()
	src := &source{
		samples: f.Samples,
		start:   o.durationToSamples(at),
		done:    make(chan struct{}),
	}
	if src.start < o.clock {
		src.start = o.clock
	}
	o.sources = append(o.sources, src)
	return src
}

// FadeOut ramps the master gain to zero over the given duration.
func (o *Output) FadeOut(ramp time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.gainTarget = 0
	rampSamples := o.durationToSamples(ramp)
	if rampSamples <= 0 {
		o.gain = 0
		return
	}
	o.gainStep = -o.gain / float64(rampSamples)
}

// ResetGain restores the master gain to unity with no ramp.
func (o *Output) ResetGain() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.gain = 1
	o.gainTarget = 1
	o.gainStep = 0
}

// Resume restarts the device after the platform suspended it. On an already
// running device this is a no-op.
func (o *Output) Resume(_ context.Context) error {
	if o.device.IsStarted() {
		return nil
	}
	if err := o.device.Start(); err != nil {
		return fmt.Errorf("miniaudio: resume playback device: %w", err)
	}
	return nil
}

// Close stops the device and releases the miniaudio context.
func (o *Output) Close() error {
	o.device.Uninit()
	o.ctx.Uninit()
	o.ctx.Free()

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, src := range o.sources {
		src.finish()
	}
	o.sources = nil
	return nil
}

func (o *Output) samplesToDuration(n int64) time.Duration {
	return time.Duration(n) * time.Second / time.Duration(o.rate)
}

func (o *Output) durationToSamples(d time.Duration) int64 {
	return int64(d) * int64(o.rate) / int64(time.Second)
}

// source is one scheduled frame inside the mixer.
type source struct {
	samples []float32
	start   int64

	once   sync.Once
	done   chan struct{}
	halted atomic.Bool
}

var _ audio.Source = (*source)(nil)

// sampleAt returns the source's contribution at the given clock position.
// Called from the render loop with the output lock held.
func (s *source) sampleAt(pos int64) float64 {
	if s.halted.Load() {
		return 0
	}
	idx := pos - s.start
	if idx < 0 || idx >= int64(len(s.samples)) {
		return 0
	}
	return float64(s.samples[idx])
}

func (s *source) endSample() int64 {
	if s.halted.Load() {
		return 0
	}
	return s.start + int64(len(s.samples))
}

// Done is closed once the source has played out or was stopped.
func (s *source) Done() <-chan struct{} { return s.done }

// Stop silences the source; the mixer retires it on the next render pass.
func (s *source) Stop() {
	s.halted.Store(true)
}

func (s *source) finish() {
	s.once.Do(func() { close(s.done) })
}
