// Package evaluator implements the deterministic order-plan status
// transition function (spec.md §4.6) and the thin persistence/publish
// step around it.
package evaluator

import (
	"context"
	"errors"
	"time"

	"github.com/dhanstream/marketfeed/logging"
	"github.com/dhanstream/marketfeed/metrics"
	"github.com/dhanstream/marketfeed/orderplan"
	"github.com/dhanstream/marketfeed/planstore"
	"github.com/dhanstream/marketfeed/registry"
)

// Transition applies the BUY/SELL rule table to plan given the latest
// traded price P, returning the plan with Status, CurrentPrice, and
// LastUpdated updated. Terminal statuses are preserved unconditionally
// (spec.md §4.6, invariant 5):
//
//	BUY:  CREATED, P<=Entry                -> ENTRY_TRIGGERED
//	      {CREATED,ENTRY_TRIGGERED}, P>=Exit -> EXIT_TRIGGERED
//	SELL: CREATED, P>=Entry                -> ENTRY_TRIGGERED
//	      {CREATED,ENTRY_TRIGGERED}, P<=Exit -> EXIT_TRIGGERED
func Transition(plan orderplan.OrderPlan, lastPrice float64, now time.Time) orderplan.OrderPlan {
	plan.CurrentPrice = lastPrice
	plan.LastUpdated = now

	if plan.Status.IsTerminal() {
		return plan
	}

	switch plan.TransactionType {
	case orderplan.Buy:
		if plan.Status == orderplan.StatusCreated && lastPrice <= plan.EntryPrice {
			plan.Status = orderplan.StatusEntryTriggered
		}
		if (plan.Status == orderplan.StatusCreated || plan.Status == orderplan.StatusEntryTriggered) && lastPrice >= plan.ExitPrice {
			plan.Status = orderplan.StatusExitTriggered
		}
	case orderplan.Sell:
		if plan.Status == orderplan.StatusCreated && lastPrice >= plan.EntryPrice {
			plan.Status = orderplan.StatusEntryTriggered
		}
		if (plan.Status == orderplan.StatusCreated || plan.Status == orderplan.StatusEntryTriggered) && lastPrice <= plan.ExitPrice {
			plan.Status = orderplan.StatusExitTriggered
		}
	}

	return plan
}

// Registry is the narrow slice of registry.Registry the Evaluator
// needs: dropping a binding when the external store reports a plan
// missing (spec.md §7 error kind 4).
type Registry interface {
	Remove(planID string) *registry.UnsubscribeDelta
}

// Publisher is the narrow slice of marketcache.Client the Evaluator
// needs, accepted as an interface so tests can substitute a fake
// rather than dial real Redis.
type Publisher interface {
	PublishPlanUpdate(ctx context.Context, planID string, payload interface{}) error
}

// Evaluator wires Transition to the plan store and the publish step.
type Evaluator struct {
	Store     planstore.Store
	Publisher Publisher
	Registry  Registry
	Now       func() time.Time
}

// New constructs an Evaluator with time.Now as its clock.
func New(store planstore.Store, publisher Publisher, reg Registry) *Evaluator {
	return &Evaluator{Store: store, Publisher: publisher, Registry: reg, Now: time.Now}
}

// Evaluate fetches planID's current record, applies Transition, and
// publishes the result on orderplan:update:{id}. A "plan not found"
// triggers Registry.Remove rather than surfacing an error to the
// caller, since the Dispatcher must not stop processing other plans
// bound to the same tick (spec.md §4.5 best-effort semantics, §4.6).
// Registry.Remove only drops the binding: the UnsubscribeDelta it
// returns is discarded, so no unsubscribe frame is sent upstream.
func (e *Evaluator) Evaluate(ctx context.Context, planID string, lastPrice float64) {
	plan, err := e.Store.Get(ctx, planID)
	if err != nil {
		if errors.Is(err, planstore.ErrNotFound) {
			e.Registry.Remove(planID)
			return
		}
		logging.Error("evaluator: fetch plan", err, logging.String("planID", planID))
		return
	}

	before := plan.Status
	updated := Transition(plan, lastPrice, e.Now())

	if updated.Status != before {
		metrics.PlanTransitions.WithLabelValues(string(before) + "->" + string(updated.Status)).Inc()
	}

	if err := e.Store.Update(ctx, updated); err != nil {
		if errors.Is(err, planstore.ErrNotFound) {
			// Plan was removed between Get and Update; drop the binding
			// here too (no unsubscribe frame is sent) rather than logging
			// a spurious write failure.
			e.Registry.Remove(planID)
			return
		}
		logging.Error("evaluator: persist plan", err, logging.String("planID", planID))
	}

	if err := e.Publisher.PublishPlanUpdate(ctx, planID, updated); err != nil {
		logging.Error("evaluator: publish plan update", err, logging.String("planID", planID))
	}
}
