package evaluator

import (
	"context"
	"testing"
	"time"

	"github.com/dhanstream/marketfeed/orderplan"
	"github.com/dhanstream/marketfeed/planstore"
	"github.com/dhanstream/marketfeed/registry"
	"github.com/dhanstream/marketfeed/vendorproto"
)

var fixedNow = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestTransition_BuyEntryThenExit(t *testing.T) {
	plan := orderplan.OrderPlan{
		Symbol: "X", TransactionType: orderplan.Buy,
		EntryPrice: 100.00, ExitPrice: 110.00, Status: orderplan.StatusCreated,
	}

	got := Transition(plan, 99.50, fixedNow)
	if got.Status != orderplan.StatusEntryTriggered {
		t.Fatalf("status = %v, want ENTRY_TRIGGERED", got.Status)
	}
	if got.CurrentPrice != 99.50 {
		t.Errorf("currentPrice = %v, want 99.50", got.CurrentPrice)
	}

	got = Transition(got, 110.00, fixedNow)
	if got.Status != orderplan.StatusExitTriggered {
		t.Fatalf("status = %v, want EXIT_TRIGGERED", got.Status)
	}
}

func TestTransition_BuyEntryDirectToExitInOneTick(t *testing.T) {
	plan := orderplan.OrderPlan{
		TransactionType: orderplan.Buy,
		EntryPrice:      100.00, ExitPrice: 110.00, Status: orderplan.StatusCreated,
	}
	got := Transition(plan, 111.00, fixedNow)
	if got.Status != orderplan.StatusExitTriggered {
		t.Fatalf("status = %v, want EXIT_TRIGGERED (P >= Entry and P >= Exit in one tick)", got.Status)
	}
}

func TestTransition_SellEntryThenExit(t *testing.T) {
	plan := orderplan.OrderPlan{
		TransactionType: orderplan.Sell,
		EntryPrice:      100.00, ExitPrice: 90.00, Status: orderplan.StatusCreated,
	}

	got := Transition(plan, 100.50, fixedNow)
	if got.Status != orderplan.StatusEntryTriggered {
		t.Fatalf("status = %v, want ENTRY_TRIGGERED", got.Status)
	}

	got = Transition(got, 90.00, fixedNow)
	if got.Status != orderplan.StatusExitTriggered {
		t.Fatalf("status = %v, want EXIT_TRIGGERED", got.Status)
	}
}

func TestTransition_TerminalStatusNeverChanges(t *testing.T) {
	for _, terminal := range []orderplan.Status{
		orderplan.StatusExecuted, orderplan.StatusCancelled, orderplan.StatusFailed,
	} {
		plan := orderplan.OrderPlan{
			TransactionType: orderplan.Buy,
			EntryPrice:      100, ExitPrice: 110, Status: terminal,
		}
		got := Transition(plan, 50.00, fixedNow)
		if got.Status != terminal {
			t.Errorf("terminal status %v changed to %v", terminal, got.Status)
		}
		if got.CurrentPrice != 50.00 {
			t.Errorf("CurrentPrice not updated even for terminal plan: %v", got.CurrentPrice)
		}
	}
}

func TestTransition_S1Scenario(t *testing.T) {
	// spec.md §8 S1: plan p1 BUY entry=100.00 exit=110.00 CREATED,
	// tick raw 9950 -> 99.50.
	plan := orderplan.OrderPlan{
		ID: "p1", Symbol: "X", Token: 101, TransactionType: orderplan.Buy,
		EntryPrice: 100.00, ExitPrice: 110.00, Status: orderplan.StatusCreated,
	}
	got := Transition(plan, 99.50, fixedNow)
	if got.Status != orderplan.StatusEntryTriggered {
		t.Fatalf("status = %v, want ENTRY_TRIGGERED", got.Status)
	}
	if got.CurrentPrice != 99.50 {
		t.Fatalf("currentPrice = %v, want 99.50", got.CurrentPrice)
	}
}

type fakePublisher struct {
	published map[string]interface{}
}

func (f *fakePublisher) PublishPlanUpdate(ctx context.Context, planID string, payload interface{}) error {
	if f.published == nil {
		f.published = make(map[string]interface{})
	}
	f.published[planID] = payload
	return nil
}

func TestEvaluate_PlanNotFoundRemovesFromRegistry(t *testing.T) {
	store := planstore.NewMemoryStore()
	reg := registry.New()
	reg.Add("missing", 101, "X", vendorproto.SegmentNSECash)
	pub := &fakePublisher{}

	e := New(store, pub, reg)
	e.Now = func() time.Time { return fixedNow }

	e.Evaluate(context.Background(), "missing", 100)

	if reg.Len() != 0 {
		t.Fatalf("registry still has %d tokens, want 0 after not-found removal", reg.Len())
	}
	if len(pub.published) != 0 {
		t.Errorf("expected no publish for a plan that was never found")
	}
}

func TestEvaluate_UpdatesStoreAndPublishesOnTransition(t *testing.T) {
	store := planstore.NewMemoryStore()
	store.Put(orderplan.OrderPlan{
		ID: "p1", Symbol: "X", Token: 101, TransactionType: orderplan.Buy,
		EntryPrice: 100.00, ExitPrice: 110.00, Status: orderplan.StatusCreated,
	})
	reg := registry.New()
	pub := &fakePublisher{}

	e := New(store, pub, reg)
	e.Now = func() time.Time { return fixedNow }

	e.Evaluate(context.Background(), "p1", 99.50)

	stored, err := store.Get(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != orderplan.StatusEntryTriggered {
		t.Errorf("stored status = %v, want ENTRY_TRIGGERED", stored.Status)
	}

	published, ok := pub.published["p1"].(orderplan.OrderPlan)
	if !ok {
		t.Fatalf("expected a published orderplan.OrderPlan, got %T", pub.published["p1"])
	}
	if published.Status != orderplan.StatusEntryTriggered {
		t.Errorf("published status = %v, want ENTRY_TRIGGERED", published.Status)
	}
}
