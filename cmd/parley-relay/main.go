// Command parley-relay is the stateless WebSocket relay between Parley
// clients and the upstream speech service. It terminates TLS, forwards
// frames verbatim in both directions, and exposes health and metrics
// endpoints.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parleyvoice/parley/internal/config"
	"github.com/parleyvoice/parley/internal/health"
	"github.com/parleyvoice/parley/internal/observe"
	"github.com/parleyvoice/parley/internal/relay"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parley-relay: %v\n", err)
		return 1
	}
	if cfg.Relay.ListenAddr == "" {
		fmt.Fprintln(os.Stderr, "parley-relay: relay.listen_addr is required")
		return 1
	}
	if cfg.Relay.RemoteURL == "" {
		fmt.Fprintln(os.Stderr, "parley-relay: relay.remote_url is required")
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "parley-relay",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics := observe.DefaultMetrics()
	breaker := relay.NewBreaker(relay.BreakerConfig{})

	relayOpts := []relay.Option{
		relay.WithLogger(logger),
		relay.WithBreaker(breaker),
		relay.WithOnForward(func(direction string, bytes int) {
			metrics.RecordRelayForward(context.Background(), direction, bytes)
		}),
	}
	if cfg.Relay.QueueSize > 0 {
		relayOpts = append(relayOpts, relay.WithQueueSize(cfg.Relay.QueueSize))
	}
	if d := cfg.Relay.DialTimeout.Std(); d > 0 {
		relayOpts = append(relayOpts, relay.WithDialTimeout(d))
	}

	rl, err := relay.New(cfg.Relay.RemoteURL, relayOpts...)
	if err != nil {
		slog.Error("failed to create relay", "err", err)
		return 1
	}

	mux := http.NewServeMux()
	health.New(health.Checker{
		Name: "speech",
		Check: func(ctx context.Context) error {
			if breaker.State() == relay.BreakerOpen {
				return errors.New("speech socket unreachable")
			}
			return nil
		},
	}).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("/", connCounting(metrics, rl))

	srv := &http.Server{
		Addr:    cfg.Relay.ListenAddr,
		Handler: observe.Middleware(metrics)(mux),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("relay listening",
			"addr", cfg.Relay.ListenAddr,
			"remote", cfg.Relay.RemoteURL,
			"tls", cfg.Relay.TLS != nil,
		)
		if tc := cfg.Relay.TLS; tc != nil {
			errCh <- srv.ListenAndServeTLS(tc.CertFile, tc.KeyFile)
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping…")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("relay server failed", "err", err)
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

// connCounting tracks the active relay connection gauge around each upgrade.
func connCounting(m *observe.Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.ActiveRelayConns.Add(r.Context(), 1)
		defer m.ActiveRelayConns.Add(context.Background(), -1)
		next.ServeHTTP(w, r)
	})
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
