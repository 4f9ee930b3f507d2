package miniaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"
)

const (
	// DefaultCaptureRate matches what speech recognition engines expect.
	DefaultCaptureRate = 16000

	// DefaultChunkSamples is the number of S16 samples per emitted chunk:
	// 100ms at the default capture rate.
	DefaultChunkSamples = 1600
)

// CaptureOption configures a [Capture].
type CaptureOption func(*Capture)

// WithCaptureRate sets the capture sample rate in Hz.
func WithCaptureRate(rate int) CaptureOption {
	return func(c *Capture) {
		if rate > 0 {
			c.rate = rate
		}
	}
}

// WithChunkSamples sets how many samples each emitted chunk carries.
func WithChunkSamples(n int) CaptureOption {
	return func(c *Capture) {
		if n > 0 {
			c.chunkSamples = n
		}
	}
}

// WithCaptureLogger sets the logger. Defaults to slog.Default.
func WithCaptureLogger(l *slog.Logger) CaptureOption {
	return func(c *Capture) { c.log = l }
}

// Capture records mono PCM16 from the default microphone and delivers it in
// fixed-size chunks. Chunks that cannot be delivered because the consumer
// lags are dropped; stale microphone audio is worse than a gap.
type Capture struct {
	rate         int
	chunkSamples int
	log          *slog.Logger

	mu      sync.Mutex
	ctx     *malgo.AllocatedContext
	device  *malgo.Device
	chunks  chan []byte
	buf     []byte
	started bool
}

// NewCapture creates an idle capture source. The device is only opened by
// [Capture.Start].
func NewCapture(opts ...CaptureOption) *Capture {
	c := &Capture{
		rate:         DefaultCaptureRate,
		chunkSamples: DefaultChunkSamples,
		log:          slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start opens the default capture device and returns the chunk stream. The
// channel is closed by [Capture.Stop].
func (c *Capture) Start(_ context.Context) (<-chan []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil, errors.New("miniaudio: capture already started")
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init context: %w", err)
	}

	config := malgo.DefaultDeviceConfig(malgo.Capture)
	config.Capture.Format = malgo.FormatS16
	config.Capture.Channels = 1
	config.SampleRate = uint32(c.rate)

	device, err := malgo.InitDevice(mctx.Context, config, malgo.DeviceCallbacks{
		Data: func(_, data []byte, _ uint32) {
			c.ingest(data)
		},
	})
	if err != nil {
		mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("miniaudio: init capture device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("miniaudio: start capture device: %w", err)
	}

	c.ctx = mctx
	c.device = device
	c.chunks = make(chan []byte, 16)
	c.buf = c.buf[:0]
	c.started = true
	return c.chunks, nil
}

// ingest accumulates callback data and emits full chunks.
func (c *Capture) ingest(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return
	}
	c.buf = append(c.buf, data...)
	chunkBytes := c.chunkSamples * 2
	for len(c.buf) >= chunkBytes {
		chunk := make([]byte, chunkBytes)
		copy(chunk, c.buf[:chunkBytes])
		c.buf = c.buf[chunkBytes:]
		select {
		case c.chunks <- chunk:
		default:
			c.log.Warn("dropping capture chunk, consumer lagging")
		}
	}
}

// Stop closes the device and the chunk stream. Safe to call more than once.
// The device teardown happens outside the lock: Uninit waits for in-flight
// data callbacks, which themselves take the lock.
func (c *Capture) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	device, mctx, chunks := c.device, c.ctx, c.chunks
	c.device = nil
	c.ctx = nil
	c.mu.Unlock()

	device.Uninit()
	mctx.Uninit()
	mctx.Free()
	close(chunks)
	return nil
}
