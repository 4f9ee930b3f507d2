package app_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/parleyvoice/parley/internal/app"
	"github.com/parleyvoice/parley/internal/config"
	"github.com/parleyvoice/parley/internal/observe"
	"github.com/parleyvoice/parley/internal/transcript"
	audiomock "github.com/parleyvoice/parley/pkg/audio/mock"
	"github.com/parleyvoice/parley/pkg/recog"
	recogmock "github.com/parleyvoice/parley/pkg/recog/mock"
)

// fakeConn is a scripted speech socket for driving the app without a relay.
type fakeConn struct {
	incoming chan []byte

	mu      sync.Mutex
	written [][]byte

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case msg := <-c.incoming:
		return websocket.MessageText, msg, nil
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case <-c.closed:
		return 0, nil, io.EOF
	}
}

func (c *fakeConn) Write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, data)
	return nil
}

func (c *fakeConn) Close(code websocket.StatusCode, reason string) error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// fakeCapture hands out a test-controlled chunk channel.
type fakeCapture struct {
	chunks chan []byte
}

func newFakeCapture() *fakeCapture {
	return &fakeCapture{chunks: make(chan []byte, 16)}
}

func (f *fakeCapture) Start(ctx context.Context) (<-chan []byte, error) {
	return f.chunks, nil
}

func (f *fakeCapture) Stop() error { return nil }

// memorySink collects entries under a lock.
type memorySink struct {
	mu      sync.Mutex
	entries []transcript.Entry
}

func (s *memorySink) Log(ctx context.Context, e transcript.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *memorySink) all() []transcript.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]transcript.Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

// newTestMetrics builds an isolated metrics instance backed by a manual
// reader so tests can assert on recorded values.
func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

// testApp assembles an app with every external dependency faked out.
func testApp(t *testing.T, cfg *config.Config, opts ...app.Option) (*app.App, *memorySink, *recogmock.Engine) {
	t.Helper()
	sink := &memorySink{}
	local := recogmock.New()

	base := []app.Option{
		app.WithConn(newFakeConn()),
		app.WithOutput(audiomock.NewOutput(24000)),
		app.WithCapture(newFakeCapture()),
		app.WithSink(sink),
		app.WithEngines(local, nil),
	}
	a, err := app.New(context.Background(), cfg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a, sink, local
}

func TestNew_UnknownEngine(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	cfg.Recognition.Local = config.EngineEntry{Name: "holophone"}

	_, err := app.New(context.Background(), cfg,
		app.WithConn(newFakeConn()),
		app.WithOutput(audiomock.NewOutput(24000)),
		app.WithSink(&memorySink{}),
	)
	if err == nil {
		t.Fatal("expected error for unregistered engine")
	}
}

func TestApp_RunsSessionOnInjectedConn(t *testing.T) {
	metrics, reader := newTestMetrics(t)
	a, sink, local := testApp(t, &config.Config{}, app.WithMetrics(metrics))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	// The local recogniser starts with the session and its finals land in
	// the sink, counted by the transcript metric.
	waitFor(t, time.Second, func() bool { return local.Starts() == 1 }, "local engine started")
	local.Emit(recog.Event{Kind: recog.KindResult, Result: recog.Result{Text: "radio check", Final: true}})
	waitFor(t, time.Second, func() bool { return len(sink.all()) == 1 }, "final reached sink")

	if got := counterValue(t, reader, "parley.transcript.entries"); got != 1 {
		t.Errorf("transcript entries metric = %d, want 1", got)
	}
	if got := counterValue(t, reader, "parley.active_sessions"); got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v on cancel, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if got := counterValue(t, reader, "parley.active_sessions"); got != 0 {
		t.Errorf("active sessions after shutdown = %d, want 0", got)
	}
}

func TestApp_ApplyConfigSwapsCorrector(t *testing.T) {
	a, sink, local := testApp(t, &config.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	waitFor(t, time.Second, func() bool { return local.Starts() == 1 }, "local engine started")

	next := &config.Config{}
	next.Transcript.Vocabulary = []string{"Parley"}
	a.ApplyConfig(config.ConfigDiff{VocabularyChanged: true}, next)

	local.Emit(recog.Event{Kind: recog.KindResult, Result: recog.Result{Text: "start the parlay now", Final: true}})
	waitFor(t, time.Second, func() bool { return len(sink.all()) == 1 }, "final reached sink")

	if got := sink.all()[0].Text; got != "start the Parley now" {
		t.Errorf("corrected text = %q, want %q", got, "start the Parley now")
	}

	cancel()
	<-done
}

func TestApp_ShutdownIsIdempotent(t *testing.T) {
	t.Parallel()

	a, _, _ := testApp(t, &config.Config{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Errorf("first Shutdown: %v", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}
