package circuit

import (
	"testing"
	"time"
)

func testConfig() *Config {
	return &Config{
		Enabled:              true,
		MaxConsecutiveLosses: 3,
		MaxDailyLossPct:      5.0,
		Cooldown:             time.Hour,
	}
}

// ============================================================================
// TRIP CONDITIONS
// ============================================================================

func TestBreakerStartsClosed(t *testing.T) {
	b := NewBreaker(testConfig())

	if b.State() != StateClosed {
		t.Errorf("expected closed state, got %s", b.State())
	}
	if ok, _ := b.Allow(); !ok {
		t.Error("expected new breaker to allow trading")
	}
}

func TestBreakerTripsOnConsecutiveLosses(t *testing.T) {
	b := NewBreaker(testConfig())

	b.RecordClose(-10, -0.5)
	b.RecordClose(-10, -0.5)
	if b.State() != StateClosed {
		t.Fatalf("expected closed after two losses, got %s", b.State())
	}

	b.RecordClose(-10, -0.5)
	if b.State() != StateOpen {
		t.Fatalf("expected open after third loss, got %s", b.State())
	}

	ok, reason := b.Allow()
	if ok {
		t.Error("expected tripped breaker to halt trading")
	}
	if reason == "" {
		t.Error("expected a halt reason")
	}
}

func TestWinningCloseResetsLossStreak(t *testing.T) {
	b := NewBreaker(testConfig())

	b.RecordClose(-10, -0.5)
	b.RecordClose(-10, -0.5)
	b.RecordClose(25, 1.2)
	b.RecordClose(-10, -0.5)
	b.RecordClose(-10, -0.5)

	if b.State() != StateOpen {
		if ok, _ := b.Allow(); !ok {
			t.Error("expected trading allowed, streak was broken by a win")
		}
	} else {
		t.Errorf("expected closed state after broken streak, got %s", b.State())
	}
}

func TestBreakerTripsOnDailyLoss(t *testing.T) {
	b := NewBreaker(testConfig())

	b.RecordClose(-100, -3.0)
	b.RecordClose(50, 1.0) // win resets the streak but not the drawdown
	b.RecordClose(-100, -2.5)

	if b.State() != StateOpen {
		t.Fatalf("expected open after 5.5%% daily loss, got %s", b.State())
	}
}

func TestBreakerIgnoresInvalidPnl(t *testing.T) {
	b := NewBreaker(testConfig())

	nan := 0.0
	b.RecordClose(-1, nan/nan)
	b.RecordClose(-1, -1/nan)

	stats := b.Stats()
	if stats["consecutive_losses"].(int) != 0 {
		t.Errorf("expected NaN/Inf closes to be dropped, got %v", stats["consecutive_losses"])
	}
}

// ============================================================================
// RECOVERY
// ============================================================================

func TestCooldownReopensTrading(t *testing.T) {
	cfg := testConfig()
	cfg.Cooldown = 10 * time.Millisecond
	b := NewBreaker(cfg)

	b.RecordClose(-10, -0.5)
	b.RecordClose(-10, -0.5)
	b.RecordClose(-10, -0.5)
	if ok, _ := b.Allow(); ok {
		t.Fatal("expected halt immediately after trip")
	}

	time.Sleep(20 * time.Millisecond)

	if ok, _ := b.Allow(); !ok {
		t.Error("expected trading allowed after cooldown")
	}
	if b.State() != StateClosed {
		t.Errorf("expected closed state after cooldown, got %s", b.State())
	}
}

func TestManualReset(t *testing.T) {
	b := NewBreaker(testConfig())

	b.RecordClose(-10, -0.5)
	b.RecordClose(-10, -0.5)
	b.RecordClose(-10, -0.5)
	b.Reset()

	if b.State() != StateClosed {
		t.Errorf("expected closed state after reset, got %s", b.State())
	}
	if ok, _ := b.Allow(); !ok {
		t.Error("expected trading allowed after reset")
	}
}

func TestDisabledBreakerAlwaysAllows(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	b := NewBreaker(cfg)

	for i := 0; i < 10; i++ {
		b.RecordClose(-10, -1.0)
	}

	if ok, _ := b.Allow(); !ok {
		t.Error("expected disabled breaker to always allow trading")
	}
}

func TestOnTripCallback(t *testing.T) {
	b := NewBreaker(testConfig())

	tripped := make(chan string, 1)
	b.OnTrip(func(reason string) { tripped <- reason })

	b.RecordClose(-10, -0.5)
	b.RecordClose(-10, -0.5)
	b.RecordClose(-10, -0.5)

	select {
	case reason := <-tripped:
		if reason == "" {
			t.Error("expected non-empty trip reason")
		}
	case <-time.After(time.Second):
		t.Fatal("expected trip callback to fire")
	}
}
