// Package session ties one voice conversation together: the speech socket,
// the playback stream for synthesized replies, the microphone uplink, and
// the recognition coordinators narrating both directions into the
// transcript log.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/parleyvoice/parley/internal/transcript"
	"github.com/parleyvoice/parley/pkg/audio"
	"github.com/parleyvoice/parley/pkg/recog"
)

// Conn is the subset of [websocket.Conn] the session needs, extracted so
// tests can drive the session with a scripted connection.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Capture is a microphone source delivering fixed-size PCM16 chunks.
// Start failures are fatal to the uplink: without device access there is
// nothing to retry.
type Capture interface {
	// Start begins capturing and returns the chunk stream. The channel is
	// closed when capture stops.
	Start(ctx context.Context) (<-chan []byte, error)

	// Stop ends capturing and releases the device.
	Stop() error
}

// Config assembles the collaborators of a [Session].
type Config struct {
	// Conn is the established speech socket. Required.
	Conn Conn

	// Output is the playback device for synthesized replies. Required.
	Output audio.Output

	// Capture is the microphone uplink. Nil makes the session listen-only.
	Capture Capture

	// LocalEngine narrates the microphone side. May be nil.
	LocalEngine recog.Engine

	// RemoteEngine narrates the synthesized playback side. May be nil.
	RemoteEngine recog.Engine

	// Sink receives finalized transcript entries. Required.
	Sink transcript.Sink

	// Corrector optionally rewrites local transcripts against the
	// configured vocabulary before they reach the sink.
	Corrector *transcript.Corrector

	// StreamOptions are appended to the playback stream's configuration,
	// e.g. to attach metrics hooks.
	StreamOptions []audio.StreamOption

	// RecogOptions are applied to both recognition coordinators.
	RecogOptions []recog.CoordinatorOption

	// LocalRecogOptions and RemoteRecogOptions are appended to RecogOptions
	// for one coordinator only, e.g. to label restart metrics per side.
	LocalRecogOptions  []recog.CoordinatorOption
	RemoteRecogOptions []recog.CoordinatorOption

	// OnAudioIngest observes the size of each inbound audio chunk. Used for
	// metrics; must not block. Optional.
	OnAudioIngest func(bytes int)

	// OnStreamComplete is called after a reply stream plays out. Optional.
	OnStreamComplete func()

	// OnStreamStop is called when playback is cut short. Optional.
	OnStreamStop func()

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Session is one live voice conversation. Create it with [New], drive it
// with [Session.Run].
type Session struct {
	id       uuid.UUID
	conn     Conn
	stream   *audio.Stream
	capture  Capture
	local    *recog.Coordinator
	remote   *recog.Coordinator
	sink     transcript.Sink
	onIngest func(bytes int)
	log      *slog.Logger

	// localAudio and remoteAudio are set when the engines accept pushed
	// PCM; each side receives the audio it narrates.
	localAudio  recog.AudioWriter
	remoteAudio recog.AudioWriter

	corrMu sync.Mutex
	corr   *transcript.Corrector
}

// New validates cfg and assembles a session: the playback stream is wired to
// stop remote narration when playback stops, and each recognition
// coordinator forwards its finals into the transcript sink under the right
// source tag.
func New(cfg Config) (*Session, error) {
	if cfg.Conn == nil {
		return nil, errors.New("session: Conn is required")
	}
	if cfg.Output == nil {
		return nil, errors.New("session: Output is required")
	}
	if cfg.Sink == nil {
		return nil, errors.New("session: Sink is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	s := &Session{
		id:       uuid.New(),
		conn:     cfg.Conn,
		capture:  cfg.Capture,
		sink:     cfg.Sink,
		onIngest: cfg.OnAudioIngest,
		corr:     cfg.Corrector,
	}
	s.log = log.With("session_id", s.id)

	streamOpts := []audio.StreamOption{
		audio.WithStreamLogger(s.log),
		audio.WithOnComplete(func() {
			s.log.Info("reply stream played out")
			if cfg.OnStreamComplete != nil {
				cfg.OnStreamComplete()
			}
		}),
		audio.WithOnStop(func() {
			if s.remote != nil {
				s.remote.Stop()
			}
			if cfg.OnStreamStop != nil {
				cfg.OnStreamStop()
			}
		}),
	}
	streamOpts = append(streamOpts, cfg.StreamOptions...)
	s.stream = audio.NewStream(cfg.Output, streamOpts...)

	playbackActive := func() bool {
		st := s.stream.State()
		return st == audio.StatePlaying || st == audio.StateDraining
	}
	streamComplete := s.stream.Completed

	recogOpts := []recog.CoordinatorOption{recog.WithCoordinatorLogger(s.log)}
	recogOpts = append(recogOpts, cfg.RecogOptions...)
	localOpts := slices.Concat(recogOpts, cfg.LocalRecogOptions)
	remoteOpts := slices.Concat(recogOpts, cfg.RemoteRecogOptions)

	if cfg.LocalEngine != nil {
		if w, ok := cfg.LocalEngine.(recog.AudioWriter); ok {
			s.localAudio = w
		}
		s.local = recog.NewCoordinator(cfg.LocalEngine,
			func() bool { return true }, // the microphone side listens for the whole session
			func() bool { return false },
			func(r recog.Result) { s.logFinal(transcript.SourceLocal, r) },
			localOpts...)
	}
	if cfg.RemoteEngine != nil {
		if w, ok := cfg.RemoteEngine.(recog.AudioWriter); ok {
			s.remoteAudio = w
		}
		s.remote = recog.NewCoordinator(cfg.RemoteEngine,
			playbackActive,
			streamComplete,
			func(r recog.Result) { s.logFinal(transcript.SourceRemote, r) },
			remoteOpts...)
	}
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() uuid.UUID { return s.id }

// Stream exposes the playback stream's control surface (Stop, Resume,
// Complete) to the owning application.
func (s *Session) Stream() *audio.Stream { return s.stream }

// Run drives the session until the socket closes, the context is cancelled,
// or the capture path fails. It always cleans up: playback stopped,
// recognition closed, capture released, socket closed.
func (s *Session) Run(ctx context.Context) error {
	defer s.shutdown()

	var chunks <-chan []byte
	if s.capture != nil {
		var err error
		chunks, err = s.capture.Start(ctx)
		if err != nil {
			return fmt.Errorf("session: start capture: %w", err)
		}
	}
	if s.local != nil {
		s.local.Start(ctx)
	}
	s.log.Info("session started", "uplink", s.capture != nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx) })
	if chunks != nil {
		g.Go(func() error { return s.sendLoop(gctx, chunks) })
	}

	err := g.Wait()
	if err != nil && (websocket.CloseStatus(err) != -1 || errors.Is(err, io.EOF)) {
		// Peer closed the socket; not a failure.
		err = nil
	}
	if ctx.Err() != nil {
		err = nil
	}
	s.log.Info("session ended", "error", err)
	return err
}

// readLoop decodes inbound envelopes and feeds the playback stream. A
// malformed message is logged and skipped; the loop only ends with the
// connection.
func (s *Session) readLoop(ctx context.Context) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return err
		}
		msg, err := Decode(data)
		if err != nil {
			s.log.Warn("dropping malformed message", "error", err)
			continue
		}
		switch msg.Type {
		case TypeAudio:
			s.stream.Ingest(msg.PCM)
			if s.onIngest != nil {
				s.onIngest(len(msg.PCM))
			}
			if s.remote != nil {
				// Audio activity keeps the playback narrator listening.
				s.remote.Start(ctx)
			}
			if s.remoteAudio != nil {
				if err := s.remoteAudio.SendAudio(msg.PCM); err != nil {
					s.log.Warn("remote narrator dropped audio", "error", err)
				}
			}
		case TypeComplete:
			s.stream.Complete()
		}
	}
}

// sendLoop wraps captured microphone chunks in envelopes and writes them to
// the socket.
func (s *Session) sendLoop(ctx context.Context, chunks <-chan []byte) error {
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return nil
			}
			if s.localAudio != nil {
				if err := s.localAudio.SendAudio(chunk); err != nil {
					s.log.Warn("local narrator dropped audio", "error", err)
				}
			}
			data, err := EncodeAudio(chunk)
			if err != nil {
				s.log.Warn("dropping capture chunk", "error", err)
				continue
			}
			if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SetCorrector swaps the vocabulary corrector, e.g. after a config reload.
// A nil corrector disables correction.
func (s *Session) SetCorrector(c *transcript.Corrector) {
	s.corrMu.Lock()
	s.corr = c
	s.corrMu.Unlock()
}

// logFinal corrects (for local speech) and records one finalized result.
func (s *Session) logFinal(source transcript.Source, r recog.Result) {
	s.corrMu.Lock()
	corr := s.corr
	s.corrMu.Unlock()

	text := r.Text
	if source == transcript.SourceLocal && corr != nil {
		corrected, corrections := corr.Correct(text)
		if len(corrections) > 0 {
			s.log.Debug("vocabulary corrections applied", "count", len(corrections))
		}
		text = corrected
	}
	e := transcript.NewEntry(s.id, source, text, r.Confidence)
	// Background context so shutdown does not drop the last lines.
	if err := s.sink.Log(context.Background(), e); err != nil {
		s.log.Warn("transcript sink failed", "error", err)
	}
}

// shutdown tears the session down in reverse construction order.
func (s *Session) shutdown() {
	s.stream.Stop()
	if s.remote != nil {
		s.remote.Close()
	}
	if s.local != nil {
		s.local.Close()
	}
	if s.capture != nil {
		if err := s.capture.Stop(); err != nil {
			s.log.Warn("capture stop failed", "error", err)
		}
	}
	_ = s.conn.Close(websocket.StatusNormalClosure, "session ended")
}
