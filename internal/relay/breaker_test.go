package relay_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/parleyvoice/parley/internal/relay"
)

var errDial = errors.New("dial failed")

func failDial(ctx context.Context) error { return errDial }
func okDial(ctx context.Context) error   { return nil }

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	b := relay.NewBreaker(relay.BreakerConfig{MaxFailures: 3, ResetTimeout: time.Hour})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Do(ctx, failDial); !errors.Is(err, errDial) {
			t.Fatalf("attempt %d: err = %v, want dial error", i, err)
		}
	}
	if got := b.State(); got != relay.BreakerOpen {
		t.Fatalf("state after failures = %v, want open", got)
	}
	if err := b.Do(ctx, okDial); !errors.Is(err, relay.ErrUpstreamOpen) {
		t.Errorf("open breaker err = %v, want ErrUpstreamOpen", err)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	b := relay.NewBreaker(relay.BreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour})
	ctx := context.Background()

	b.Do(ctx, failDial)
	b.Do(ctx, okDial)
	b.Do(ctx, failDial)

	if got := b.State(); got != relay.BreakerClosed {
		t.Errorf("state = %v, want closed after interleaved success", got)
	}
}

func TestBreaker_ClosesAfterSuccessfulProbes(t *testing.T) {
	t.Parallel()

	b := relay.NewBreaker(relay.BreakerConfig{MaxFailures: 1, ResetTimeout: 10 * time.Millisecond, ProbeMax: 2})
	ctx := context.Background()

	b.Do(ctx, failDial)
	if got := b.State(); got != relay.BreakerOpen {
		t.Fatalf("state = %v, want open", got)
	}

	time.Sleep(20 * time.Millisecond)
	if got := b.State(); got != relay.BreakerHalfOpen {
		t.Fatalf("state after reset timeout = %v, want half-open", got)
	}

	for i := 0; i < 2; i++ {
		if err := b.Do(ctx, okDial); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if got := b.State(); got != relay.BreakerClosed {
		t.Errorf("state after probes = %v, want closed", got)
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	t.Parallel()

	b := relay.NewBreaker(relay.BreakerConfig{MaxFailures: 1, ResetTimeout: 10 * time.Millisecond})
	ctx := context.Background()

	b.Do(ctx, failDial)
	time.Sleep(20 * time.Millisecond)
	b.Do(ctx, failDial)

	if got := b.State(); got != relay.BreakerOpen {
		t.Errorf("state after probe failure = %v, want open", got)
	}
}

func TestBreaker_ClientCancelDoesNotTrip(t *testing.T) {
	t.Parallel()

	b := relay.NewBreaker(relay.BreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour})
	ctx := context.Background()

	cancelled := func(ctx context.Context) error { return context.Canceled }
	if err := b.Do(ctx, cancelled); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if got := b.State(); got != relay.BreakerClosed {
		t.Errorf("state = %v, want closed — client cancellation is not an upstream failure", got)
	}
}

func TestRelay_OpenBreakerRejectsUpgrades(t *testing.T) {
	t.Parallel()

	b := relay.NewBreaker(relay.BreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour})
	b.Do(context.Background(), failDial)

	rl, err := relay.New("ws://127.0.0.1:1", relay.WithBreaker(b))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(rl)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/v1/speech")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}
}
