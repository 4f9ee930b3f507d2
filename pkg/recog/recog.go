// Package recog defines the contract to an external speech-recognition
// engine and a coordinator that keeps such an engine listening continuously
// despite its own tendency to terminate on silence or transient errors.
//
// Engines are consumed through a narrow start/stop/event contract so that
// test code can drive the coordinator with a scripted implementation.
// Implementations are provided by backend packages (recog/deepgram) and
// recog/mock for tests.
package recog

import "context"

// Result is a single transcription result emitted by an [Engine].
type Result struct {
	// Text is the transcribed speech content.
	Text string

	// Final indicates an authoritative result. Interim results have
	// Final == false and are discarded by the [Coordinator].
	Final bool

	// Confidence is the engine's confidence score (0.0–1.0), zero when the
	// engine does not report one.
	Confidence float64
}

// EndReason classifies why an engine run terminated.
type EndReason int

const (
	// ReasonUnknown covers engine runs that ended without a stated cause.
	ReasonUnknown EndReason = iota

	// ReasonNoSpeech means the engine gave up after a stretch of silence.
	// This is routine behavior, not an error.
	ReasonNoSpeech

	// ReasonStopped means the run ended because Stop was called.
	ReasonStopped

	// ReasonNetwork means the connection to a remote engine was lost.
	ReasonNetwork

	// ReasonAudioCapture means the engine lost its audio input.
	ReasonAudioCapture
)

// String returns the human-readable name of the end reason.
func (r EndReason) String() string {
	switch r {
	case ReasonNoSpeech:
		return "NO_SPEECH"
	case ReasonStopped:
		return "STOPPED"
	case ReasonNetwork:
		return "NETWORK"
	case ReasonAudioCapture:
		return "AUDIO_CAPTURE"
	default:
		return "UNKNOWN"
	}
}

// EventKind discriminates the variants of [Event].
type EventKind int

const (
	// KindResult carries a transcription [Result].
	KindResult EventKind = iota

	// KindError carries a non-fatal engine error. The run keeps going until
	// a KindEnd event arrives.
	KindError

	// KindEnd signals that this engine run terminated. It is the last event
	// of a run; the event channel is closed right after.
	KindEnd
)

// Event is one occurrence on an engine run's event stream.
type Event struct {
	Kind   EventKind
	Result Result    // set for KindResult
	Err    error     // set for KindError
	Reason EndReason // set for KindEnd
}

// Engine is the external speech recognizer. A single Engine value is started
// and stopped repeatedly over the life of a session; each Start opens a fresh
// run with its own event stream.
//
// Implementations must be safe for concurrent use.
type Engine interface {
	// Start begins a recognition run and returns its event stream. The
	// channel delivers [Event] values until the run ends, then closes.
	// A run ends on its own (silence, network loss) or via Stop.
	Start(ctx context.Context) (<-chan Event, error)

	// Stop terminates the current run, if any. Stopping an engine that is
	// not running is a no-op.
	Stop() error
}

// AudioWriter is implemented by engines that consume PCM pushed by the
// caller rather than capturing it themselves. Audio sent while no run is
// open is dropped, so the caller can keep streaming across restarts.
type AudioWriter interface {
	SendAudio(chunk []byte) error
}
