package position

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bitbank-trader/internal/domain"
)

func TestTrackerOpenCloseHasOpenPosition(t *testing.T) {
	tr := NewTracker()
	if tr.HasOpenPosition() {
		t.Fatal("fresh tracker should not have an open position")
	}

	tr.Open(domain.VirtualPosition{Side: domain.ActionBuy, Amount: decimal.NewFromFloat(0.01), EntryPrice: decimal.NewFromInt(5000000)})
	if !tr.HasOpenPosition() {
		t.Fatal("expected open position after Open")
	}
	got := tr.Current()
	if got == nil || got.Side != domain.ActionBuy {
		t.Errorf("Current() = %+v, want buy position", got)
	}

	tr.Close()
	if tr.HasOpenPosition() {
		t.Fatal("expected no open position after Close")
	}
	if tr.Current() != nil {
		t.Error("Current() should be nil after Close")
	}
}

func TestTrackerCurrentReturnsCopy(t *testing.T) {
	tr := NewTracker()
	tr.Open(domain.VirtualPosition{Side: domain.ActionSell, Amount: decimal.NewFromFloat(0.02)})

	got := tr.Current()
	got.Amount = decimal.NewFromFloat(999)

	again := tr.Current()
	if again.Amount.Equal(decimal.NewFromFloat(999)) {
		t.Error("mutating the returned copy should not affect internal state")
	}
}

func TestTrackerUpdateAppliesMutation(t *testing.T) {
	tr := NewTracker()
	tr.Open(domain.VirtualPosition{Side: domain.ActionBuy, TPOrderID: ""})
	tr.Update(func(p *domain.VirtualPosition) { p.TPOrderID = "tp-1" })

	if tr.Current().TPOrderID != "tp-1" {
		t.Errorf("TPOrderID = %q, want tp-1", tr.Current().TPOrderID)
	}
}

func TestTrackerUpdateNoOpWhenFlat(t *testing.T) {
	tr := NewTracker()
	called := false
	tr.Update(func(p *domain.VirtualPosition) { called = true })
	if called {
		t.Error("Update should not invoke fn when there is no open position")
	}
}

func TestTrackerMarkProcessedIdempotency(t *testing.T) {
	tr := NewTracker()
	if tr.MarkProcessed("evt-1") {
		t.Error("first call for a key should report not-already-processed")
	}
	if !tr.MarkProcessed("evt-1") {
		t.Error("second call for the same key should report already-processed")
	}
}

func TestTrackerMarkProcessedExpiresOldEntries(t *testing.T) {
	tr := NewTracker()
	tr.idempotencyTTL = time.Millisecond

	tr.MarkProcessed("evt-1")
	time.Sleep(5 * time.Millisecond)

	if tr.MarkProcessed("evt-1") {
		t.Error("entry older than idempotencyTTL should have expired and be treated as new")
	}
}
