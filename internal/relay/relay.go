// Package relay implements the stateless WebSocket forwarder that sits
// between a voice client and the remote speech endpoint. Each inbound
// connection gets exactly one outbound connection to the configured remote,
// addressed by the inbound request's path and query, and frames are relayed
// bidirectionally verbatim. Frames arriving from the client before the
// remote connection is open are queued and flushed in order once it is.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultQueueSize is how many client frames may pile up while the
	// remote connection is still being established. Further frames apply
	// backpressure on the client read loop.
	DefaultQueueSize = 64

	// DefaultDialTimeout bounds the outbound connection attempt.
	DefaultDialTimeout = 10 * time.Second
)

// Option is a functional option for configuring the Relay.
type Option func(*Relay)

// WithLogger sets the logger for connection lifecycle events.
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) {
		if l != nil {
			r.log = l
		}
	}
}

// WithQueueSize sets the pre-connect frame queue capacity.
func WithQueueSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// WithDialTimeout sets the timeout for the outbound connection attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.dialTimeout = d
		}
	}
}

// WithOnForward registers cb to observe each relayed frame. direction is
// "outbound" (client to remote) or "inbound". Used for metrics; must not block.
func WithOnForward(cb func(direction string, bytes int)) Option {
	return func(r *Relay) { r.onForward = cb }
}

// WithBreaker guards the remote dial with b. While the breaker is open,
// upgrade requests are rejected with 503 instead of each waiting out a full
// dial timeout against a dead remote.
func WithBreaker(b *Breaker) Option {
	return func(r *Relay) { r.breaker = b }
}

// message is one WebSocket frame in flight between the two sides.
type message struct {
	typ  websocket.MessageType
	data []byte
}

// Relay is an http.Handler that upgrades inbound requests and forwards
// frames to the remote endpoint. It holds no per-connection state beyond the
// lifetime of ServeHTTP.
type Relay struct {
	remote      *url.URL
	log         *slog.Logger
	queueSize   int
	dialTimeout time.Duration
	onForward   func(direction string, bytes int)
	breaker     *Breaker
}

var _ http.Handler = (*Relay)(nil)

// New creates a Relay forwarding to remoteBase, a ws:// or wss:// URL whose
// path is prefixed to each inbound request's path.
func New(remoteBase string, opts ...Option) (*Relay, error) {
	u, err := url.Parse(remoteBase)
	if err != nil {
		return nil, fmt.Errorf("relay: parse remote URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("relay: remote URL scheme must be ws or wss, got %q", u.Scheme)
	}
	r := &Relay{
		remote:      u,
		log:         slog.Default(),
		queueSize:   DefaultQueueSize,
		dialTimeout: DefaultDialTimeout,
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// targetURL derives the remote address for one inbound request.
func (rl *Relay) targetURL(req *http.Request) string {
	u := rl.remote.JoinPath(req.URL.Path)
	u.RawQuery = req.URL.RawQuery
	return u.String()
}

// ServeHTTP upgrades the inbound connection, dials the remote, and pumps
// frames both ways until either side closes.
func (rl *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if rl.breaker != nil && rl.breaker.State() == BreakerOpen {
		http.Error(w, "remote unavailable", http.StatusServiceUnavailable)
		return
	}
	client, err := websocket.Accept(w, req, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		rl.log.Warn("relay accept failed", "error", err)
		return
	}
	ctx := req.Context()
	target := rl.targetURL(req)
	log := rl.log.With(
		"conn_id", uuid.NewString(),
		"target", target,
		"remote_addr", req.RemoteAddr,
	)
	log.Info("relay connection opened")

	// Read from the client right away so frames sent before the remote
	// connection is up are queued rather than lost.
	outbound := make(chan message, rl.queueSize)
	go func() {
		defer close(outbound)
		for {
			typ, data, err := client.Read(ctx)
			if err != nil {
				return
			}
			select {
			case outbound <- message{typ, data}:
			case <-ctx.Done():
				return
			}
		}
	}()

	dialCtx, cancel := context.WithTimeout(ctx, rl.dialTimeout)
	var remote *websocket.Conn
	dial := func(ctx context.Context) error {
		var err error
		remote, _, err = websocket.Dial(ctx, target, nil)
		return err
	}
	if rl.breaker != nil {
		err = rl.breaker.Do(dialCtx, dial)
	} else {
		err = dial(dialCtx)
	}
	cancel()
	if err != nil {
		log.Error("relay dial failed", "error", err)
		client.Close(websocket.StatusTryAgainLater, "remote unavailable")
		return
	}
	log.Debug("remote connection open", "queued_frames", len(outbound))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Outbound pump: flush the pre-connect queue, then stream.
		for {
			select {
			case msg, ok := <-outbound:
				if !ok {
					// Client side closed; propagate to the remote.
					remote.Close(websocket.StatusNormalClosure, "client closed")
					return nil
				}
				if err := remote.Write(gctx, msg.typ, msg.data); err != nil {
					return err
				}
				if rl.onForward != nil {
					rl.onForward("outbound", len(msg.data))
				}
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})
	g.Go(func() error {
		// Inbound pump: remote frames back to the client, verbatim.
		for {
			typ, data, err := remote.Read(gctx)
			if err != nil {
				client.Close(websocket.StatusNormalClosure, "remote closed")
				return err
			}
			if err := client.Write(gctx, typ, data); err != nil {
				return err
			}
			if rl.onForward != nil {
				rl.onForward("inbound", len(data))
			}
		}
	})

	err = g.Wait()
	client.Close(websocket.StatusNormalClosure, "")
	remote.Close(websocket.StatusNormalClosure, "")
	if err != nil && websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
		log.Warn("relay connection ended", "error", err)
		return
	}
	log.Info("relay connection closed")
}
