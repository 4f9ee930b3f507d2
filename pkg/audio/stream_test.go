package audio_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/parleyvoice/parley/pkg/audio"
	"github.com/parleyvoice/parley/pkg/audio/mock"
)

const testRate = 24000

// pcmChunk builds a little-endian PCM16 byte chunk of n sequential samples,
// starting at the given value, so ordering is verifiable after decode.
func pcmChunk(n int, start int16) []byte {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = start + int16(i)
	}
	return samplesToBytes(samples)
}

// waitFor polls cond until it returns true or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

func TestIngest_Chunking(t *testing.T) {
	out := mock.NewOutput(testRate)
	s := audio.NewStream(out)

	// Half a frame: buffered, nothing scheduled yet.
	s.Ingest(pcmChunk(3840, 0))
	if got := len(out.Sources()); got != 0 {
		t.Fatalf("after first half-frame chunk: %d sources scheduled, want 0", got)
	}
	wantBuffered := 3840 * time.Second / testRate
	if got := s.Buffered(); got != wantBuffered {
		t.Errorf("buffered: got %v, want %v", got, wantBuffered)
	}
	if got := s.State(); got != audio.StatePlaying {
		t.Errorf("state after first ingest: got %v, want PLAYING", got)
	}

	// Second half completes exactly one frame with an empty remainder.
	s.Ingest(pcmChunk(3840, 0))
	srcs := out.Sources()
	if len(srcs) != 1 {
		t.Fatalf("after second chunk: %d sources scheduled, want 1", len(srcs))
	}
	if got := len(srcs[0].Frame.Samples); got != audio.DefaultFrameSize {
		t.Errorf("frame size: got %d samples, want %d", got, audio.DefaultFrameSize)
	}
	if got := s.Buffered(); got != 0 {
		t.Errorf("remainder after full frame: got %v, want 0", got)
	}
	if got := srcs[0].Start; got != audio.DefaultWarmupDelay {
		t.Errorf("first frame start: got %v, want warm-up delay %v", got, audio.DefaultWarmupDelay)
	}
}

func TestIngest_PreservesOrder(t *testing.T) {
	out := mock.NewOutput(testRate)
	s := audio.NewStream(out, audio.WithFrameSize(4))

	// Irregular chunk sizes across frame boundaries.
	s.Ingest(pcmChunk(3, 0))
	s.Ingest(pcmChunk(5, 3))
	s.Ingest(pcmChunk(2, 8))
	s.Complete() // flushes the 2-sample remainder as a short final frame

	var got []float32
	for _, src := range out.Sources() {
		got = append(got, src.Frame.Samples...)
	}
	want := audio.DecodePCM16(pcmChunk(10, 0))
	if len(got) != len(want) {
		t.Fatalf("reconstructed %d samples, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d out of order: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestComplete_EmptyFiresImmediately(t *testing.T) {
	out := mock.NewOutput(testRate)
	var fired atomic.Int32
	s := audio.NewStream(out, audio.WithOnComplete(func() { fired.Add(1) }))

	s.Complete()
	if got := fired.Load(); got != 1 {
		t.Fatalf("completion with nothing buffered: fired %d times, want 1 immediately", got)
	}
	if !s.Completed() {
		t.Error("Completed() = false after immediate completion")
	}
	if got := s.State(); got != audio.StateStopped {
		t.Errorf("state: got %v, want STOPPED", got)
	}
}

func TestComplete_PartialBufferFlushes(t *testing.T) {
	out := mock.NewOutput(testRate)
	var fired atomic.Int32
	s := audio.NewStream(out, audio.WithOnComplete(func() { fired.Add(1) }))

	s.Ingest(pcmChunk(3000, 0))
	s.Complete()

	srcs := out.Sources()
	if len(srcs) != 1 {
		t.Fatalf("%d sources scheduled, want 1 short final frame", len(srcs))
	}
	if got := len(srcs[0].Frame.Samples); got != 3000 {
		t.Errorf("final frame: got %d samples, want 3000", got)
	}
	if got := fired.Load(); got != 0 {
		t.Fatalf("completion fired before the final frame played")
	}
	if got := s.State(); got != audio.StateDraining {
		t.Errorf("state: got %v, want DRAINING", got)
	}

	// Warm-up (100ms) plus 3000 samples (125ms) have played out.
	out.Advance(300 * time.Millisecond)
	waitFor(t, time.Second, func() bool { return fired.Load() == 1 }, "completion after final frame")
	if got := s.State(); got != audio.StateStopped {
		t.Errorf("state after drain: got %v, want STOPPED", got)
	}
}

func TestComplete_ExactlyOnce(t *testing.T) {
	out := mock.NewOutput(testRate)
	var fired atomic.Int32
	s := audio.NewStream(out, audio.WithOnComplete(func() { fired.Add(1) }))

	s.Ingest(pcmChunk(audio.DefaultFrameSize, 0))
	s.Complete()
	s.Complete() // duplicate end-of-stream signal

	out.Advance(time.Second)
	waitFor(t, time.Second, func() bool { return fired.Load() == 1 }, "completion fires")

	out.Advance(time.Second)
	time.Sleep(50 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Errorf("completion fired %d times, want exactly 1", got)
	}
}

func TestComplete_DisarmedByLateIngest(t *testing.T) {
	out := mock.NewOutput(testRate)
	var fired atomic.Int32
	s := audio.NewStream(out, audio.WithOnComplete(func() { fired.Add(1) }))

	s.Ingest(pcmChunk(audio.DefaultFrameSize, 0))
	s.Complete()
	// More audio after the completion signal continues the stream and must
	// disarm the pending tail watcher.
	s.Ingest(pcmChunk(audio.DefaultFrameSize, 0))

	out.Advance(time.Second)
	time.Sleep(50 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Fatalf("completion fired %d times while stream was reopened, want 0", got)
	}

	s.Complete()
	out.Advance(2 * time.Second)
	waitFor(t, 2*time.Second, func() bool { return fired.Load() == 1 }, "completion after final drain")
}

func TestStop_Idempotent(t *testing.T) {
	out := mock.NewOutput(testRate)
	var fired atomic.Int32
	s := audio.NewStream(out, audio.WithOnComplete(func() { fired.Add(1) }))

	s.Stop()
	if got := s.State(); got != audio.StateStopped {
		t.Fatalf("state: got %v, want STOPPED", got)
	}
	s.Stop()
	s.Stop()
	if got := len(out.Fades()); got != 1 {
		t.Errorf("fade-out applied %d times, want 1", got)
	}
	if got := fired.Load(); got != 0 {
		t.Errorf("stop fired the completion callback %d times, want 0", got)
	}
}

func TestStop_ClearsBuffersAndFades(t *testing.T) {
	out := mock.NewOutput(testRate)
	var stops atomic.Int32
	s := audio.NewStream(out,
		audio.WithFadeRamp(10*time.Millisecond),
		audio.WithOnStop(func() { stops.Add(1) }),
	)

	s.Ingest(pcmChunk(audio.DefaultFrameSize+3000, 0))
	s.Stop()

	if got := s.Buffered(); got != 0 {
		t.Errorf("buffered after stop: got %v, want 0", got)
	}
	if got := len(out.Fades()); got != 1 {
		t.Fatalf("fade-out applied %d times, want 1", got)
	}
	if got := stops.Load(); got != 1 {
		t.Errorf("stop hook invoked %d times, want 1", got)
	}
	srcs := out.Sources()
	if len(srcs) == 0 {
		t.Fatal("expected at least one scheduled source before stop")
	}
	waitFor(t, time.Second, func() bool {
		for _, src := range srcs {
			if !src.Stopped() {
				return false
			}
		}
		return true
	}, "scheduled sources cancelled after fade ramp")
	waitFor(t, time.Second, func() bool { return out.GainResets() == 1 }, "gain restored after fade")
}

func TestStop_SuppressesCompletion(t *testing.T) {
	out := mock.NewOutput(testRate)
	var fired atomic.Int32
	s := audio.NewStream(out, audio.WithOnComplete(func() { fired.Add(1) }))

	s.Ingest(pcmChunk(audio.DefaultFrameSize, 0))
	s.Complete()
	s.Stop()

	out.Advance(5 * time.Second)
	time.Sleep(50 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Errorf("completion fired %d times after stop, want 0", got)
	}
}

func TestIngest_RestartsAfterStop(t *testing.T) {
	out := mock.NewOutput(testRate)
	s := audio.NewStream(out, audio.WithFadeRamp(0))

	s.Ingest(pcmChunk(audio.DefaultFrameSize, 0))
	s.Stop()
	before := len(out.Sources())

	out.Advance(time.Second)
	s.Ingest(pcmChunk(audio.DefaultFrameSize, 0))
	if got := s.State(); got != audio.StatePlaying {
		t.Fatalf("state after re-ingest: got %v, want PLAYING", got)
	}
	srcs := out.Sources()
	if len(srcs) != before+1 {
		t.Fatalf("%d sources scheduled after restart, want %d", len(srcs), before+1)
	}
	tail := srcs[len(srcs)-1]
	wantStart := time.Second + audio.DefaultWarmupDelay
	if tail.Start != wantStart {
		t.Errorf("restarted frame start: got %v, want fresh warm-up at %v", tail.Start, wantStart)
	}
}

func TestScheduler_LookAheadBounded(t *testing.T) {
	out := mock.NewOutput(testRate)
	var mu sync.Mutex
	var leads []time.Duration
	s := audio.NewStream(out,
		audio.WithFrameSize(2400), // 100ms frames
		audio.WithOnFrameScheduled(func(lead time.Duration) {
			mu.Lock()
			leads = append(leads, lead)
			mu.Unlock()
		}),
	)

	s.Ingest(pcmChunk(2400*10, 0)) // one second of audio

	// Only the frames fitting the 200ms look-ahead window are scheduled
	// up front; the rest is held in the queue.
	if got := len(out.Sources()); got >= 10 {
		t.Fatalf("all %d frames scheduled immediately, want look-ahead bounded batch", got)
	}

	// As the clock advances the self-rescheduling timer tops the window off
	// until the whole queue has been handed to the output.
	for i := 0; i < 12; i++ {
		out.Advance(100 * time.Millisecond)
		time.Sleep(60 * time.Millisecond)
	}
	waitFor(t, 2*time.Second, func() bool { return len(out.Sources()) == 10 }, "all frames eventually scheduled")

	mu.Lock()
	defer mu.Unlock()
	for i, lead := range leads {
		if lead > audio.DefaultLookAhead {
			t.Errorf("frame %d scheduled %v ahead, want <= %v", i, lead, audio.DefaultLookAhead)
		}
		if lead < 0 {
			t.Errorf("frame %d scheduled %v in the past", i, lead)
		}
	}
}

func TestScheduler_GaplessTimeline(t *testing.T) {
	out := mock.NewOutput(testRate)
	s := audio.NewStream(out, audio.WithFrameSize(2400), audio.WithLookAhead(10*time.Second))

	s.Ingest(pcmChunk(2400*5, 0))
	srcs := out.Sources()
	if len(srcs) != 5 {
		t.Fatalf("%d sources scheduled, want 5", len(srcs))
	}
	for i := 1; i < len(srcs); i++ {
		if srcs[i].Start != srcs[i-1].End {
			t.Errorf("gap between frame %d and %d: %v ends, %v starts", i-1, i, srcs[i-1].End, srcs[i].Start)
		}
	}
}

func TestResume(t *testing.T) {
	out := mock.NewOutput(testRate)
	s := audio.NewStream(out)

	if err := s.Resume(t.Context()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got := out.Resumes(); got != 1 {
		t.Errorf("output resumed %d times, want 1", got)
	}
	if got := out.GainResets(); got != 1 {
		t.Errorf("gain restored %d times, want 1", got)
	}
}
