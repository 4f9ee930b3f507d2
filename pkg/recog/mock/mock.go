// Package mock provides a scripted [recog.Engine] for coordinator tests.
package mock

import (
	"context"
	"sync"

	"github.com/parleyvoice/parley/pkg/recog"
)

// Engine is a test double whose runs are driven by the test: use
// [Engine.Emit] to push events and [Engine.EndRun] to terminate the current
// run with a reason.
type Engine struct {
	mu       sync.Mutex
	starts   int
	stops    int
	startErr error
	events   chan recog.Event
	audio    [][]byte
}

var (
	_ recog.Engine      = (*Engine)(nil)
	_ recog.AudioWriter = (*Engine)(nil)
)

// New creates an idle mock engine.
func New() *Engine {
	return &Engine{}
}

// SetStartError makes subsequent Start calls fail with err.
func (e *Engine) SetStartError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startErr = err
}

// Start opens a new run with a fresh event channel.
func (e *Engine) Start(ctx context.Context) (<-chan recog.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.starts++
	if e.startErr != nil {
		return nil, e.startErr
	}
	e.events = make(chan recog.Event, 16)
	return e.events, nil
}

// Stop ends the current run with [recog.ReasonStopped].
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stops++
	e.endLocked(recog.ReasonStopped)
	return nil
}

// Emit pushes an event onto the current run's stream. Panics if no run is
// active, which in a test means the coordinator under test misbehaved.
func (e *Engine) Emit(ev recog.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events <- ev
}

// EndRun terminates the current run with the given reason. A run that
// already ended is left alone.
func (e *Engine) EndRun(reason recog.EndReason) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.endLocked(reason)
}

func (e *Engine) endLocked(reason recog.EndReason) {
	if e.events == nil {
		return
	}
	e.events <- recog.Event{Kind: recog.KindEnd, Reason: reason}
	close(e.events)
	e.events = nil
}

// SendAudio records the chunk. It never fails, even with no run open.
func (e *Engine) SendAudio(chunk []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := make([]byte, len(chunk))
	copy(c, chunk)
	e.audio = append(e.audio, c)
	return nil
}

// Audio returns the chunks received via SendAudio.
func (e *Engine) Audio() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([][]byte, len(e.audio))
	copy(out, e.audio)
	return out
}

// Starts returns how many times Start was called.
func (e *Engine) Starts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.starts
}

// Stops returns how many times Stop was called.
func (e *Engine) Stops() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stops
}

// Running reports whether a run is currently open.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.events != nil
}
