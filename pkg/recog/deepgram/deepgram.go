// Package deepgram provides a Deepgram-backed recognition engine using the
// Deepgram streaming WebSocket API. It implements the recog.Engine contract.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/coder/websocket"

	"github.com/parleyvoice/parley/pkg/recog"
)

const (
	defaultEndpoint   = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000
)

// Option is a functional option for configuring the Deepgram Engine.
type Option func(*Engine)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(e *Engine) {
		e.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(e *Engine) {
		e.language = language
	}
}

// WithSampleRate sets the audio sample rate in Hz of the PCM fed via SendAudio.
func WithSampleRate(rate int) Option {
	return func(e *Engine) {
		e.sampleRate = rate
	}
}

// WithEndpoint overrides the streaming endpoint URL. Useful for tests and
// self-hosted Deepgram deployments.
func WithEndpoint(endpoint string) Option {
	return func(e *Engine) {
		e.endpoint = endpoint
	}
}

// Engine implements recog.Engine backed by the Deepgram streaming API.
// One Engine is started and stopped repeatedly; each run opens its own
// WebSocket connection.
type Engine struct {
	apiKey     string
	model      string
	language   string
	sampleRate int
	endpoint   string

	mu  sync.Mutex
	cur *run
}

var _ recog.Engine = (*Engine)(nil)

// New creates a new Deepgram Engine. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Engine, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	e := &Engine{
		apiKey:     apiKey,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
		endpoint:   defaultEndpoint,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Start dials the streaming endpoint and begins a recognition run.
// Returns an error when a run is already open.
func (e *Engine) Start(ctx context.Context) (<-chan recog.Event, error) {
	wsURL, err := e.buildURL()
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	r := &run{
		events: make(chan recog.Event, 64),
		audio:  make(chan []byte, 256),
		done:   make(chan struct{}),
	}

	e.mu.Lock()
	if e.cur != nil {
		e.mu.Unlock()
		return nil, errors.New("deepgram: engine already running")
	}
	e.cur = r
	e.mu.Unlock()

	// Dial without holding the lock so SendAudio and Stop stay responsive
	// for the duration of the handshake.
	headers := http.Header{}
	headers.Set("Authorization", "Token "+e.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		e.clearRun(r)
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	if !r.setConn(conn) {
		// Stop landed while the dial was in flight.
		conn.Close(websocket.StatusNormalClosure, "run closed")
		e.clearRun(r)
		return nil, errors.New("deepgram: stopped during dial")
	}

	r.wg.Add(2)
	go r.readLoop(ctx, e.clearRun)
	go r.writeLoop(ctx)

	return r.events, nil
}

// Stop terminates the current run, flushing pending audio first.
func (e *Engine) Stop() error {
	e.mu.Lock()
	r := e.cur
	e.cur = nil
	e.mu.Unlock()
	if r == nil {
		return nil
	}
	r.close()
	return nil
}

// SendAudio queues a PCM chunk for the current run. Audio arriving while no
// run is open is dropped; the caller keeps capturing across restarts.
func (e *Engine) SendAudio(chunk []byte) error {
	e.mu.Lock()
	r := e.cur
	e.mu.Unlock()
	if r == nil {
		return nil
	}
	select {
	case r.audio <- chunk:
		return nil
	case <-r.done:
		return nil
	default:
		return errors.New("deepgram: audio backlog full")
	}
}

// clearRun detaches r if it is still the current run, so a run that died on
// its own does not block a later Start.
func (e *Engine) clearRun(r *run) {
	e.mu.Lock()
	if e.cur == r {
		e.cur = nil
	}
	e.mu.Unlock()
}

// buildURL constructs the streaming endpoint URL with recognition parameters.
func (e *Engine) buildURL() (string, error) {
	u, err := url.Parse(e.endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", e.model)
	q.Set("language", e.language)
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(e.sampleRate))
	q.Set("channels", "1")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- run ----

// run is one live WebSocket connection to Deepgram.
type run struct {
	events chan recog.Event
	audio  chan []byte

	mu   sync.Mutex
	conn *websocket.Conn

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// setConn installs the dialed connection. It reports false when the run was
// already closed, in which case the caller owns the connection.
func (r *run) setConn(c *websocket.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.done:
		return false
	default:
	}
	r.conn = c
	return true
}

// close terminates the run cleanly: signals the loops, asks Deepgram to
// flush, and closes the socket.
func (r *run) close() {
	r.once.Do(func() {
		close(r.done)
		r.mu.Lock()
		c := r.conn
		r.mu.Unlock()
		if c == nil {
			return
		}
		_ = c.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		c.Close(websocket.StatusNormalClosure, "run closed")
	})
}

// writeLoop reads from the audio channel and sends binary messages to Deepgram.
func (r *run) writeLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case chunk := <-r.audio:
			if err := r.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-r.done:
			return
		}
	}
}

// readLoop receives JSON messages from Deepgram and turns them into events.
// It owns the events channel and always terminates it with a KindEnd event.
func (r *run) readLoop(ctx context.Context, detach func(*run)) {
	defer r.wg.Done()
	for {
		_, msg, err := r.conn.Read(ctx)
		if err != nil {
			reason := recog.ReasonNetwork
			select {
			case <-r.done:
				reason = recog.ReasonStopped
			default:
				// The server closed on us; make sure the writer exits too.
				// A normal closure means Deepgram finished the utterance
				// rather than the link dropping.
				if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
					reason = recog.ReasonNoSpeech
				}
				r.close()
			}
			detach(r)
			r.events <- recog.Event{Kind: recog.KindEnd, Reason: reason}
			close(r.events)
			return
		}

		res, ok := parseResponse(msg)
		if !ok {
			continue
		}
		select {
		case r.events <- recog.Event{Kind: recog.KindResult, Result: res}:
		case <-r.done:
		}
	}
}

// response is the JSON structure returned by Deepgram for a Results message.
type response struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// parseResponse parses a raw Deepgram message into a Result. Returns
// (zero, false) for messages that should be ignored.
func parseResponse(data []byte) (recog.Result, bool) {
	var resp response
	if err := json.Unmarshal(data, &resp); err != nil {
		return recog.Result{}, false
	}
	if resp.Type != "Results" || len(resp.Channel.Alternatives) == 0 {
		return recog.Result{}, false
	}
	alt := resp.Channel.Alternatives[0]
	return recog.Result{
		Text:       alt.Transcript,
		Final:      resp.IsFinal,
		Confidence: alt.Confidence,
	}, true
}
