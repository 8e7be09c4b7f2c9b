// Package controlplane is the Control Plane (C7): it listens on the
// external orderplan:new/orderplan:delete pub/sub channels and drives
// the Registry accordingly (spec.md §4.7).
package controlplane

import (
	"context"
	"errors"

	"github.com/dhanstream/marketfeed/logging"
	"github.com/dhanstream/marketfeed/planstore"
	"github.com/dhanstream/marketfeed/vendorproto"
)

// Message is one pub/sub delivery: a channel name and its payload
// (the plan-id string, per spec.md §6).
type Message struct {
	Channel string
	Payload string
}

// Source is anything that can deliver plan-lifecycle pub/sub
// messages, abstracting over *redis.PubSub's channel so tests can
// drive the Control Plane without a live Redis subscription.
type Source interface {
	Messages() <-chan Message
}

// Manager is the subset of feedmanager.Manager the Control Plane
// drives: Registry.Add/Remove by way of AddPlan/RemovePlan.
type Manager interface {
	AddPlan(id string, token int64, symbol string, exchange vendorproto.ExchangeSegment)
	RemovePlan(planID string)
}

const (
	channelNew    = "orderplan:new"
	channelDelete = "orderplan:delete"
)

// ControlPlane drives Manager from the two external lifecycle
// channels. Unknown channels and malformed/missing plan ids are
// no-ops (spec.md §4.7).
type ControlPlane struct {
	source  Source
	store   planstore.Store
	manager Manager
}

// New constructs a ControlPlane.
func New(source Source, store planstore.Store, manager Manager) *ControlPlane {
	return &ControlPlane{source: source, store: store, manager: manager}
}

// Run consumes messages from Source until ctx is cancelled.
func (cp *ControlPlane) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-cp.source.Messages():
			if !ok {
				return
			}
			cp.handle(ctx, msg)
		}
	}
}

func (cp *ControlPlane) handle(ctx context.Context, msg Message) {
	planID := msg.Payload
	if planID == "" {
		return
	}

	switch msg.Channel {
	case channelNew:
		plan, err := cp.store.Get(ctx, planID)
		if err != nil {
			if !errors.Is(err, planstore.ErrNotFound) {
				logging.Error("controlplane: fetch new plan", err, logging.String("planID", planID))
			}
			return
		}
		cp.manager.AddPlan(plan.ID, plan.Token, plan.Symbol, vendorproto.Detect(plan.Exchange))
	case channelDelete:
		cp.manager.RemovePlan(planID)
	default:
		// Unknown channel: no-op, per spec.md §4.7.
	}
}
