// Package audio implements the playback side of a Parley voice session:
// PCM decoding, frame chunking, and a gapless look-ahead scheduler that
// feeds an [Output] device clock.
//
// The two primary abstractions are:
//
//   - [Output] — a playback sink with its own monotonic clock, against which
//     frames are scheduled at absolute times.
//   - [Stream] — the scheduler. It ingests raw PCM16 from the wire, re-chunks
//     it into fixed-size frames, and schedules each frame back-to-back so the
//     device never underruns mid-stream.
//
// Implementations of [Output] are provided by adapter packages (audio/miniaudio
// for real hardware, audio/mock for tests). The interfaces are intentionally
// narrow to keep the scheduler decoupled from device details.
//
// This package lives under pkg/ because external code (alternative output
// backends) is expected to implement [Output] and [Source].
package audio

import "time"

// Frame is a chunk of mono float32 PCM handed to an [Output] for playback.
// Samples are normalized to [-1, 1].
type Frame struct {
	// Samples holds the PCM data. The slice is owned by the receiver once
	// passed to [Output.Play]; callers must not mutate it afterwards.
	Samples []float32

	// SampleRate in Hz (e.g., 24000 for synthesized speech).
	SampleRate int
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}
