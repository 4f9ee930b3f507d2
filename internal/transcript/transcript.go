// Package transcript collects the narration log of a voice session: every
// finalized recognition result, from both the local microphone and the
// remote audio, tagged by source.
//
// A [Sink] receives entries as they are produced. Sinks are composable via
// [MultiSink]; the default [SlogSink] writes structured log lines, and the
// Postgres-backed [Store] persists entries for later review.
package transcript

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Source identifies which side of the conversation produced an entry.
type Source string

const (
	// SourceLocal marks speech captured from the local microphone.
	SourceLocal Source = "local"

	// SourceRemote marks synthesized speech received from the remote endpoint.
	SourceRemote Source = "remote"
)

// Entry is one finalized line of the session narration.
type Entry struct {
	// ID uniquely identifies the entry.
	ID uuid.UUID

	// SessionID groups entries belonging to one voice session.
	SessionID uuid.UUID

	// Source tags which side spoke.
	Source Source

	// Text is the finalized transcript text.
	Text string

	// Confidence is the recognition engine's confidence, zero when unknown.
	Confidence float64

	// CreatedAt is when the entry was recorded.
	CreatedAt time.Time
}

// Sink receives finalized transcript entries.
//
// Implementations must be safe for concurrent use.
type Sink interface {
	// Log records one entry. Implementations should be quick; slow sinks
	// (network, database) must buffer or batch internally.
	Log(ctx context.Context, e Entry) error
}

// SlogSink writes entries as structured log lines.
type SlogSink struct {
	log *slog.Logger
}

var _ Sink = (*SlogSink)(nil)

// NewSlogSink creates a sink writing to l, or to the default logger when l
// is nil.
func NewSlogSink(l *slog.Logger) *SlogSink {
	if l == nil {
		l = slog.Default()
	}
	return &SlogSink{log: l}
}

// Log writes the entry at info level.
func (s *SlogSink) Log(ctx context.Context, e Entry) error {
	s.log.InfoContext(ctx, "transcript",
		"session_id", e.SessionID,
		"source", e.Source,
		"text", e.Text,
		"confidence", e.Confidence,
	)
	return nil
}

// MultiSink fans entries out to several sinks. Errors from individual sinks
// are logged and swallowed so a failing sink never blocks the narration.
type MultiSink struct {
	sinks []Sink
	log   *slog.Logger
}

var _ Sink = (*MultiSink)(nil)

// NewMultiSink combines the given sinks. Nil entries are skipped.
func NewMultiSink(sinks ...Sink) *MultiSink {
	m := &MultiSink{log: slog.Default()}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Log forwards the entry to every sink.
func (m *MultiSink) Log(ctx context.Context, e Entry) error {
	for _, s := range m.sinks {
		if err := s.Log(ctx, e); err != nil {
			m.log.Warn("transcript sink failed", "error", err, "source", e.Source)
		}
	}
	return nil
}

// NewEntry builds an entry with a fresh ID and the current time.
func NewEntry(sessionID uuid.UUID, source Source, text string, confidence float64) Entry {
	return Entry{
		ID:         uuid.New(),
		SessionID:  sessionID,
		Source:     source,
		Text:       text,
		Confidence: confidence,
		CreatedAt:  time.Now().UTC(),
	}
}
