package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// Default dial retry parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// DialerConfig configures a [Dialer].
type DialerConfig struct {
	// URL is the speech endpoint (ws:// or wss://), typically pointing at
	// the relay.
	URL string

	// Header is sent with the upgrade request, e.g. authorization.
	Header http.Header

	// MaxRetries is the number of connection attempts before giving up.
	// Defaults to 10 if zero.
	MaxRetries int

	// Backoff is the initial wait between attempts. Doubles each attempt up
	// to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on the backoff. Defaults to 30s if zero.
	MaxBackoff time.Duration

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Dialer establishes the speech socket with exponential backoff, so a
// briefly unreachable relay does not kill the client at startup or between
// sessions.
type Dialer struct {
	url        string
	header     http.Header
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	log        *slog.Logger
}

// NewDialer creates a [Dialer] with the given configuration.
func NewDialer(cfg DialerConfig) *Dialer {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Dialer{
		url:        cfg.URL,
		header:     cfg.Header,
		maxRetries: maxRetries,
		backoff:    backoff,
		maxBackoff: maxBackoff,
		log:        log,
	}
}

// Dial connects to the speech endpoint, retrying with exponential backoff
// until it succeeds, the retry budget is spent, or ctx is cancelled.
func (d *Dialer) Dial(ctx context.Context) (*websocket.Conn, error) {
	backoff := d.backoff
	var lastErr error

	for attempt := 1; attempt <= d.maxRetries; attempt++ {
		conn, _, err := websocket.Dial(ctx, d.url, &websocket.DialOptions{
			HTTPHeader: d.header,
		})
		if err == nil {
			d.log.Info("speech socket connected", "url", d.url, "attempt", attempt)
			return conn, nil
		}
		lastErr = err
		d.log.Warn("speech socket dial failed",
			"url", d.url,
			"attempt", attempt,
			"max_retries", d.maxRetries,
			"backoff", backoff,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
	}
	return nil, fmt.Errorf("session: dial %s: giving up after %d attempts: %w", d.url, d.maxRetries, lastErr)
}
