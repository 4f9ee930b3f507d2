// Package app wires all Parley subsystems into the running voice client.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run drives the voice session against the speech socket, and
// Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithOutput, WithConn, WithSink, etc.). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parleyvoice/parley/internal/config"
	"github.com/parleyvoice/parley/internal/health"
	"github.com/parleyvoice/parley/internal/observe"
	"github.com/parleyvoice/parley/internal/session"
	"github.com/parleyvoice/parley/internal/transcript"
	"github.com/parleyvoice/parley/internal/transcript/phonetic"
	"github.com/parleyvoice/parley/internal/transcript/postgres"
	"github.com/parleyvoice/parley/pkg/audio"
	"github.com/parleyvoice/parley/pkg/audio/miniaudio"
	"github.com/parleyvoice/parley/pkg/recog"
)

// App owns all subsystem lifetimes and runs the Parley voice pipeline.
type App struct {
	cfg     *config.Config
	metrics *observe.Metrics
	log     *slog.Logger

	// Subsystems — initialised in New, torn down in Shutdown.
	output   audio.Output
	capture  session.Capture
	conn     session.Conn
	local    recog.Engine
	remote   recog.Engine
	sink     transcript.Sink
	store    *postgres.Store
	registry *config.Registry
	diag     *http.Server

	// sessMu guards sess, which only exists while Run is on the wire.
	sessMu sync.Mutex
	sess   *session.Session

	// closers are called in reverse registration order during Shutdown, so
	// subsystems come down before the ones they depend on.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithOutput injects a playback device instead of opening the default one.
func WithOutput(out audio.Output) Option {
	return func(a *App) { a.output = out }
}

// WithCapture injects a microphone source instead of opening the default one.
func WithCapture(c session.Capture) Option {
	return func(a *App) { a.capture = c }
}

// WithConn injects an established speech socket. When set, Run uses it for a
// single session instead of dialing (and reconnecting) via config.
func WithConn(c session.Conn) Option {
	return func(a *App) { a.conn = c }
}

// WithSink injects a transcript sink instead of building one from config.
func WithSink(s transcript.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithEngines injects the recognition engines instead of creating them
// through the registry. Either may be nil.
func WithEngines(local, remote recog.Engine) Option {
	return func(a *App) {
		a.local = local
		a.remote = remote
	}
}

// WithRegistry overrides the engine registry used to build engines from
// config entries.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithMetrics injects a metrics instance instead of the process-wide default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: transcript store connection,
// engine construction, audio device setup, and the diagnostics HTTP server.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg: cfg,
		log: slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.registry == nil {
		a.registry = config.DefaultRegistry()
	}

	if err := a.initSink(ctx); err != nil {
		return nil, fmt.Errorf("app: init transcript sink: %w", err)
	}
	if err := a.initEngines(); err != nil {
		return nil, fmt.Errorf("app: init recognition engines: %w", err)
	}
	if err := a.initAudio(); err != nil {
		return nil, fmt.Errorf("app: init audio: %w", err)
	}
	a.initDiagnostics()

	return a, nil
}

// initSink builds the transcript sink: structured log always, PostgreSQL
// persistence when a DSN is configured, metrics counting on top of both.
func (a *App) initSink(ctx context.Context) error {
	if a.sink != nil {
		a.sink = newMeteredSink(a.sink, a.metrics)
		return nil
	}

	sinks := []transcript.Sink{transcript.NewSlogSink(a.log)}

	if dsn := a.cfg.Transcript.PostgresDSN; dsn != "" {
		store, err := postgres.NewStore(ctx, dsn)
		if err != nil {
			return err
		}
		a.store = store
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
		sinks = append(sinks, store)
	}

	a.sink = newMeteredSink(transcript.NewMultiSink(sinks...), a.metrics)
	return nil
}

// initEngines constructs recognition engines from the config entries, unless
// they were injected.
func (a *App) initEngines() error {
	if a.local == nil && a.remote == nil {
		local, err := a.registry.CreateEngine(a.cfg.Recognition.Local)
		if err != nil {
			return fmt.Errorf("local engine: %w", err)
		}
		remote, err := a.registry.CreateEngine(a.cfg.Recognition.Remote)
		if err != nil {
			return fmt.Errorf("remote engine: %w", err)
		}
		a.local, a.remote = local, remote
	}
	if a.local == nil && a.remote == nil {
		a.log.Warn("no recognition engines configured, transcripts disabled")
	}
	return nil
}

// initAudio opens the playback and capture devices, unless injected.
func (a *App) initAudio() error {
	if a.output == nil {
		var outOpts []miniaudio.OutputOption
		if a.cfg.Audio.SampleRate > 0 {
			outOpts = append(outOpts, miniaudio.WithSampleRate(a.cfg.Audio.SampleRate))
		}
		out, err := miniaudio.NewOutput(outOpts...)
		if err != nil {
			return fmt.Errorf("open playback device: %w", err)
		}
		a.output = out
		a.closers = append(a.closers, out.Close)
	}
	if a.capture == nil {
		var capOpts []miniaudio.CaptureOption
		if rate := a.cfg.Recognition.Local.SampleRate; rate > 0 {
			capOpts = append(capOpts, miniaudio.WithCaptureRate(rate))
		}
		capOpts = append(capOpts, miniaudio.WithCaptureLogger(a.log))
		a.capture = miniaudio.NewCapture(capOpts...)
	}
	return nil
}

// initDiagnostics builds the metrics/health HTTP server. Disabled when no
// metrics address is configured.
func (a *App) initDiagnostics() {
	addr := a.cfg.Server.MetricsAddr
	if addr == "" {
		return
	}

	var checkers []health.Checker
	if a.store != nil {
		checkers = append(checkers, health.Database("transcripts", a.store))
	}

	mux := http.NewServeMux()
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	a.diag = &http.Server{
		Addr:    addr,
		Handler: observe.Middleware(a.metrics)(mux),
	}
}

// buildCorrector assembles the vocabulary corrector from config. Returns nil
// when no vocabulary is configured.
func buildCorrector(tc config.TranscriptConfig) *transcript.Corrector {
	if len(tc.Vocabulary) == 0 {
		return nil
	}
	var matchOpts []phonetic.Option
	if tc.PhoneticThreshold > 0 {
		matchOpts = append(matchOpts, phonetic.WithPhoneticThreshold(tc.PhoneticThreshold))
	}
	if tc.FuzzyThreshold > 0 {
		matchOpts = append(matchOpts, phonetic.WithFuzzyThreshold(tc.FuzzyThreshold))
	}
	return transcript.NewCorrector(tc.Vocabulary, phonetic.New(matchOpts...))
}

// streamOptions translates the audio config into playback stream options and
// attaches the scheduling metrics hook.
func (a *App) streamOptions() []audio.StreamOption {
	opts := []audio.StreamOption{
		audio.WithOnFrameScheduled(func(lead time.Duration) {
			a.metrics.RecordFrameScheduled(context.Background(), lead.Seconds())
		}),
	}
	ac := a.cfg.Audio
	if ac.FrameSize > 0 {
		opts = append(opts, audio.WithFrameSize(ac.FrameSize))
	}
	if d := ac.LookAhead.Std(); d > 0 {
		opts = append(opts, audio.WithLookAhead(d))
	}
	if d := ac.WarmupDelay.Std(); d > 0 {
		opts = append(opts, audio.WithWarmupDelay(d))
	}
	if d := ac.FadeRamp.Std(); d > 0 {
		opts = append(opts, audio.WithFadeRamp(d))
	}
	return opts
}

// recogOptions builds the coordinator options shared by both sides plus the
// per-side restart metric label.
func (a *App) recogOptions(side string) []recog.CoordinatorOption {
	opts := []recog.CoordinatorOption{
		recog.WithOnRestart(func() {
			a.metrics.RecordRecognitionRestart(context.Background(), side)
		}),
	}
	if d := a.cfg.Recognition.RestartDelay.Std(); d > 0 {
		opts = append(opts, recog.WithRestartDelay(d))
	}
	return opts
}

// Run starts the diagnostics server and drives voice sessions until ctx is
// cancelled. With a dialed connection it reconnects with backoff whenever the
// socket drops; with an injected connection it runs exactly one session.
func (a *App) Run(ctx context.Context) error {
	if a.diag != nil {
		go func() {
			a.log.Info("diagnostics server listening", "addr", a.diag.Addr)
			if err := a.diag.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("diagnostics server failed", "err", err)
			}
		}()
		a.closers = append(a.closers, func() error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return a.diag.Shutdown(shutdownCtx)
		})
	}

	if a.conn != nil {
		return a.runSession(ctx, a.conn)
	}

	dialer := session.NewDialer(session.DialerConfig{
		URL:        a.cfg.Speech.URL,
		Header:     a.speechHeader(),
		MaxRetries: a.cfg.Speech.MaxRetries,
		Backoff:    a.cfg.Speech.Backoff.Std(),
		MaxBackoff: a.cfg.Speech.MaxBackoff.Std(),
		Logger:     a.log,
	})

	for {
		conn, err := dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("app: dial speech socket: %w", err)
		}

		if err := a.runSession(ctx, conn); err != nil {
			a.log.Warn("session ended with error", "err", err)
		}
		if ctx.Err() != nil {
			return nil
		}
		a.log.Info("speech socket closed, reconnecting")
	}
}

// runSession builds and runs one voice session on the given socket.
func (a *App) runSession(ctx context.Context, conn session.Conn) error {
	sess, err := session.New(session.Config{
		Conn:               conn,
		Output:             a.output,
		Capture:            a.capture,
		LocalEngine:        a.local,
		RemoteEngine:       a.remote,
		Sink:               a.sink,
		Corrector:          buildCorrector(a.cfg.Transcript),
		StreamOptions:      a.streamOptions(),
		LocalRecogOptions:  a.recogOptions("local"),
		RemoteRecogOptions: a.recogOptions("remote"),
		OnAudioIngest: func(bytes int) {
			a.metrics.IngestBytes.Add(context.Background(), int64(bytes))
		},
		OnStreamComplete: func() {
			a.metrics.StreamsCompleted.Add(context.Background(), 1)
		},
		OnStreamStop: func() {
			a.metrics.StreamsStopped.Add(context.Background(), 1)
		},
		Logger: a.log,
	})
	if err != nil {
		return err
	}

	a.sessMu.Lock()
	a.sess = sess
	a.sessMu.Unlock()
	defer func() {
		a.sessMu.Lock()
		a.sess = nil
		a.sessMu.Unlock()
	}()

	a.metrics.ActiveSessions.Add(ctx, 1)
	defer a.metrics.ActiveSessions.Add(context.Background(), -1)

	a.log.Info("voice session starting", "session_id", sess.ID())
	return sess.Run(ctx)
}

// ApplyConfig reacts to a configuration change detected by the watcher.
// Vocabulary and threshold changes swap the corrector on the live session;
// everything else requires a restart.
func (a *App) ApplyConfig(diff config.ConfigDiff, cfg *config.Config) {
	if !diff.VocabularyChanged {
		return
	}
	a.sessMu.Lock()
	defer a.sessMu.Unlock()
	if a.sess != nil {
		a.sess.SetCorrector(buildCorrector(cfg.Transcript))
		a.log.Info("vocabulary corrector reloaded", "terms", len(cfg.Transcript.Vocabulary))
	}
}

// speechHeader builds the upgrade request header for the speech socket.
func (a *App) speechHeader() http.Header {
	h := http.Header{}
	if a.cfg.Speech.Token != "" {
		h.Set("Authorization", "Bearer "+a.cfg.Speech.Token)
	}
	return h
}

// Shutdown tears down all subsystems in reverse start order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// meteredSink wraps a transcript sink and counts every entry by source.
type meteredSink struct {
	inner   transcript.Sink
	metrics *observe.Metrics
}

var _ transcript.Sink = (*meteredSink)(nil)

func newMeteredSink(inner transcript.Sink, m *observe.Metrics) *meteredSink {
	return &meteredSink{inner: inner, metrics: m}
}

func (s *meteredSink) Log(ctx context.Context, e transcript.Entry) error {
	s.metrics.RecordTranscriptEntry(ctx, string(e.Source))
	return s.inner.Log(ctx, e)
}
