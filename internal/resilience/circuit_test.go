package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func failing(_ context.Context) error { return errors.New("fail") }
func succeeding(_ context.Context) error { return nil }

func TestBreaker_ClosedPassesThrough(t *testing.T) {
	b := NewBreaker(DefaultBreakerConfig())

	var calls int
	err := b.Execute(context.Background(), func(_ context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if !b.Available() {
		t.Error("closed breaker should be available")
	}
}

func TestBreaker_OpensAfterFiveConsecutiveFailures(t *testing.T) {
	b := NewBreaker(DefaultBreakerConfig())

	for i := 0; i < 5; i++ {
		_ = b.Execute(context.Background(), failing)
	}

	if b.State() != CircuitOpen {
		t.Fatalf("expected open after 5 failures, got %s", b.State())
	}
	if b.Available() {
		t.Error("open breaker must report unavailable during cool-down")
	}

	// Rejected immediately, fn not invoked.
	err := b.Execute(context.Background(), func(_ context.Context) error {
		t.Error("should not be called while open")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(DefaultBreakerConfig())

	for i := 0; i < 4; i++ {
		_ = b.Execute(context.Background(), failing)
	}
	_ = b.Execute(context.Background(), succeeding)

	if got := b.Stats().ConsecutiveFailures; got != 0 {
		t.Errorf("expected failure counter reset, got %d", got)
	}
	if b.State() != CircuitClosed {
		t.Errorf("expected closed, got %s", b.State())
	}
}

func TestBreaker_SingleTrialAfterCoolDown(t *testing.T) {
	now := time.Now()
	b := NewBreaker(BreakerConfig{FailureThreshold: 5, CoolDown: 60 * time.Second, CloseThreshold: 3})
	b.nowFunc = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		_ = b.Execute(context.Background(), failing)
	}
	if b.Available() {
		t.Fatal("expected unavailable before cool-down elapses")
	}

	// Cool-down elapses: exactly one trial call is admitted.
	b.nowFunc = func() time.Time { return now.Add(61 * time.Second) }
	if !b.Available() {
		t.Fatal("expected available after cool-down")
	}

	if err := b.allow(); err != nil {
		t.Fatalf("first trial should be admitted: %v", err)
	}
	if err := b.allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second concurrent trial must be rejected, got %v", err)
	}
	b.record(nil)

	// Two more successes close the breaker and reset the failure counter.
	_ = b.Execute(context.Background(), succeeding)
	_ = b.Execute(context.Background(), succeeding)

	stats := b.Stats()
	if stats.State != CircuitClosed {
		t.Errorf("expected closed after 3 half-open successes, got %s", stats.State)
	}
	if stats.ConsecutiveFailures != 0 {
		t.Errorf("expected failure counter reset, got %d", stats.ConsecutiveFailures)
	}
}

func TestBreaker_HalfOpenFailureReopensAndRestartsCoolDown(t *testing.T) {
	now := time.Now()
	b := NewBreaker(BreakerConfig{FailureThreshold: 2, CoolDown: 60 * time.Second, CloseThreshold: 3})
	b.nowFunc = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		_ = b.Execute(context.Background(), failing)
	}

	b.nowFunc = func() time.Time { return now.Add(61 * time.Second) }
	_ = b.Execute(context.Background(), failing) // trial fails

	stats := b.Stats()
	if stats.State != CircuitOpen {
		t.Fatalf("expected reopened, got %s", stats.State)
	}
	if stats.OpenedAt != now.Add(61*time.Second) {
		t.Error("expected cool-down timer restarted at trial failure")
	}
	if b.Available() {
		t.Error("expected unavailable immediately after trial failure")
	}
}

func TestBreaker_ShouldTripFilter(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		FailureThreshold: 2,
		CoolDown:         time.Minute,
		ShouldTrip:       func(err error) bool { return err.Error() == "tripworthy" },
	})

	for i := 0; i < 5; i++ {
		_ = b.Execute(context.Background(), func(_ context.Context) error {
			return errors.New("benign")
		})
	}
	if b.State() != CircuitClosed {
		t.Errorf("expected closed for non-tripworthy errors, got %s", b.State())
	}

	for i := 0; i < 2; i++ {
		_ = b.Execute(context.Background(), func(_ context.Context) error {
			return errors.New("tripworthy")
		})
	}
	if b.State() != CircuitOpen {
		t.Errorf("expected open, got %s", b.State())
	}
}

func TestBreaker_OnStateChange(t *testing.T) {
	var transitions []struct{ from, to CircuitState }
	b := NewBreaker(BreakerConfig{
		FailureThreshold: 2,
		CoolDown:         time.Minute,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, struct{ from, to CircuitState }{from, to})
		},
	})

	for i := 0; i < 2; i++ {
		_ = b.Execute(context.Background(), failing)
	}

	if len(transitions) != 1 {
		t.Fatalf("expected 1 transition, got %d", len(transitions))
	}
	if transitions[0].from != CircuitClosed || transitions[0].to != CircuitOpen {
		t.Errorf("expected closed→open, got %s→%s", transitions[0].from, transitions[0].to)
	}
}

func TestBreaker_Reset(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, CoolDown: time.Hour})
	_ = b.Execute(context.Background(), failing)
	if b.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", b.State())
	}

	b.Reset()
	if b.State() != CircuitClosed {
		t.Errorf("expected closed after reset, got %s", b.State())
	}
}

func TestBreaker_ConcurrentAccess(t *testing.T) {
	t.Parallel()
	b := NewBreaker(BreakerConfig{FailureThreshold: 100, CoolDown: time.Minute})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Execute(context.Background(), func(_ context.Context) error {
				if i%2 == 0 {
					return errors.New("fail")
				}
				return nil
			})
		}()
	}
	wg.Wait()
	// Just verifying no race/panic.
}

func TestExecuteVal_PreservesValue(t *testing.T) {
	b := NewBreaker(DefaultBreakerConfig())

	val, err := ExecuteVal(context.Background(), b, func(_ context.Context) (int, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != 42 {
		t.Errorf("expected 42, got %d", val)
	}
}

func TestExecuteVal_RejectedWhenOpen(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, CoolDown: time.Hour})
	_ = b.Execute(context.Background(), failing)

	val, err := ExecuteVal(context.Background(), b, func(_ context.Context) (int, error) {
		return 42, nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if val != 0 {
		t.Errorf("expected zero value, got %d", val)
	}
}

func TestSourceBreakers_GetOrCreate(t *testing.T) {
	sb := NewSourceBreakers(DefaultBreakerConfig())

	b1 := sb.Get("ebay")
	b2 := sb.Get("ebay")
	b3 := sb.Get("tcgplayer")

	if b1 != b2 {
		t.Error("expected same breaker for same source")
	}
	if b1 == b3 {
		t.Error("expected different breakers for different sources")
	}
}

func TestSourceBreakers_Stats(t *testing.T) {
	sb := NewSourceBreakers(BreakerConfig{FailureThreshold: 1, CoolDown: time.Hour})

	b := sb.Get("ebay")
	_ = b.Execute(context.Background(), failing)
	_ = sb.Get("tcgplayer")

	stats := sb.Stats()
	if stats["ebay"].State != CircuitOpen {
		t.Errorf("expected ebay=open, got %s", stats["ebay"].State)
	}
	if stats["tcgplayer"].State != CircuitClosed {
		t.Errorf("expected tcgplayer=closed, got %s", stats["tcgplayer"].State)
	}
}

func TestCircuitState_String(t *testing.T) {
	tests := []struct {
		state CircuitState
		want  string
	}{
		{CircuitClosed, "closed"},
		{CircuitOpen, "open"},
		{CircuitHalfOpen, "half-open"},
		{CircuitState(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("CircuitState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
