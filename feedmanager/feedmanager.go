// Package feedmanager is the Feed Manager (C4): it owns the two
// upstream Connections, translates Registry changes into subscribe/
// unsubscribe frames, and pumps decoded ticks to the Dispatcher
// (spec.md §4.4).
package feedmanager

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dhanstream/marketfeed/decoder"
	"github.com/dhanstream/marketfeed/logging"
	"github.com/dhanstream/marketfeed/planstore"
	"github.com/dhanstream/marketfeed/registry"
	"github.com/dhanstream/marketfeed/streamconn"
	"github.com/dhanstream/marketfeed/vendorproto"
)

// StatusResubscribe is the vendor ack status that triggers a deferred
// full resubscribe (spec.md §4.2, §4.4).
const StatusResubscribe = 307

// ResubscribeDelay is the timer armed on a 307 ack (spec.md §5).
const ResubscribeDelay = 2 * time.Second

// Connection is the slice of streamconn.Connection the Feed Manager
// drives, accepted as an interface so tests can substitute a fake
// rather than dial real sockets.
type Connection interface {
	Send(frame vendorproto.SubscribeFrame)
	OnStateChange(fn func(epoch uint64, s streamconn.State))
	OnTick(fn streamconn.TickHandler)
	OnAck(fn streamconn.AckHandler)
	OnDataRequest(fn func(epoch uint64))
	Run(ctx context.Context) error
}

// Dispatcher is the sink for decoded ticks.
type Dispatcher interface {
	Submit(kind decoder.FrameKind, payload interface{})
}

// Manager owns the two per-mode connections and the subscription
// registry. It runs no control loop of its own: AddPlan, RemovePlan
// and the READY, 307 and data-request callbacks mutate the Registry or
// send frames on whichever goroutine calls them, and the Registry's
// mutex is the only serialisation between them.
type Manager struct {
	ltp  Connection
	snap Connection

	ltpDispatch  Dispatcher
	snapDispatch Dispatcher

	registry *registry.Registry
	store    planstore.Store

	mu            sync.Mutex
	resubscribeAt map[string]*time.Timer // keyed "ltp"/"snap"
}

// New constructs a Manager. ltp streams mode-1 frames, snap streams
// mode-3 frames, matching the dual-connection design (spec.md §2 C4,
// §9 open question 1).
func New(ltp, snap Connection, ltpDispatch, snapDispatch Dispatcher, reg *registry.Registry, store planstore.Store) *Manager {
	m := &Manager{
		ltp: ltp, snap: snap,
		ltpDispatch: ltpDispatch, snapDispatch: snapDispatch,
		registry:      reg,
		store:         store,
		resubscribeAt: make(map[string]*time.Timer),
	}
	m.ltp.OnStateChange(m.onLTPStateChange)
	m.snap.OnStateChange(m.onSnapStateChange)
	m.ltp.OnTick(m.OnTick(ltpDispatch))
	m.snap.OnTick(m.OnTick(snapDispatch))
	m.ltp.OnAck(m.OnAck("ltp", m.ltp, vendorproto.ModeLTP))
	m.snap.OnAck(m.OnAck("snap", m.snap, vendorproto.ModeSnapQuote))
	m.ltp.OnDataRequest(m.OnDataRequest(m.ltp, vendorproto.ModeLTP))
	m.snap.OnDataRequest(m.OnDataRequest(m.snap, vendorproto.ModeSnapQuote))
	return m
}

func (m *Manager) onLTPStateChange(epoch uint64, s streamconn.State) {
	if s == streamconn.StateReady {
		m.fullResubscribe(m.ltp, vendorproto.ModeLTP)
	}
}

func (m *Manager) onSnapStateChange(epoch uint64, s streamconn.State) {
	if s == streamconn.StateReady {
		m.fullResubscribe(m.snap, vendorproto.ModeSnapQuote)
	}
}

// Start runs both Connections until ctx is cancelled, and performs
// the initial fill from the external plan store before either
// Connection is dialed (spec.md §4.4 "Initial fill").
func (m *Manager) Start(ctx context.Context) error {
	if err := m.initialFill(ctx); err != nil {
		logging.Error("feedmanager: initial fill", err)
	}

	errCh := make(chan error, 2)
	go func() { errCh <- m.ltp.Run(ctx) }()
	go func() { errCh <- m.snap.Run(ctx) }()

	err := <-errCh
	if ctx.Err() == nil {
		// One connection surfaced an unrecoverable error while the
		// other is still healthy; the host decides the process
		// lifecycle (spec.md §7 error kind 6), so just propagate.
		return err
	}
	<-errCh
	return ctx.Err()
}

func (m *Manager) initialFill(ctx context.Context) error {
	plans, err := m.store.List(ctx)
	if err != nil {
		return err
	}
	for _, p := range plans {
		m.registry.Add(p.ID, p.Token, p.Symbol, vendorproto.Detect(p.Exchange))
	}
	return nil
}

// AddPlan binds a plan to the registry and, if the binding subscribed
// a new token, sends the subscribe frame on both connections. Only
// snap-quote (mode 3) subscriptions carry best-five depth; every plan
// also needs an LTP subscription for the evaluator's price feed, so
// both connections receive the delta.
func (m *Manager) AddPlan(id string, token int64, symbol string, exchange vendorproto.ExchangeSegment) {
	sub, _ := m.registry.Add(id, token, symbol, exchange)
	if sub == nil {
		return
	}
	m.sendSubscribe(m.ltp, vendorproto.ModeLTP, sub.Exchange, sub.Token)
	m.sendSubscribe(m.snap, vendorproto.ModeSnapQuote, sub.Exchange, sub.Token)
}

// RemovePlan unbinds a plan; if its token had no other holders, both
// connections are sent an unsubscribe.
func (m *Manager) RemovePlan(planID string) {
	unsub := m.registry.Remove(planID)
	if unsub == nil {
		return
	}
	m.sendUnsubscribe(m.ltp, vendorproto.ModeLTP, unsub.Exchange, unsub.Token)
	m.sendUnsubscribe(m.snap, vendorproto.ModeSnapQuote, unsub.Exchange, unsub.Token)
}

func (m *Manager) sendSubscribe(conn Connection, mode vendorproto.Mode, exch vendorproto.ExchangeSegment, token int64) {
	conn.Send(vendorproto.SubscribeFrame{
		CorrelationID: uuid.NewString(),
		Action:        vendorproto.ActionSubscribe,
		Params: vendorproto.SubscribeParams{
			Mode: mode,
			TokenList: []vendorproto.TokenList{
				{ExchangeType: exch, Tokens: []int64{token}},
			},
		},
	})
}

func (m *Manager) sendUnsubscribe(conn Connection, mode vendorproto.Mode, exch vendorproto.ExchangeSegment, token int64) {
	conn.Send(vendorproto.SubscribeFrame{
		CorrelationID: uuid.NewString(),
		Action:        vendorproto.ActionUnsubscribe,
		Params: vendorproto.SubscribeParams{
			Mode: mode,
			TokenList: []vendorproto.TokenList{
				{ExchangeType: exch, Tokens: []int64{token}},
			},
		},
	})
}

// fullResubscribe composes one subscribe frame per exchange segment
// from the current Registry snapshot (spec.md §4.4 "When a new
// connection reaches READY, the Manager synthesises a full
// resubscribe from the Registry snapshot").
func (m *Manager) fullResubscribe(conn Connection, mode vendorproto.Mode) {
	m.sendGrouped(conn, mode, vendorproto.ActionSubscribe)
}

// dataRequest re-sends the grouped market-data request for every
// subscribed token on the given connection. The vendor requires this
// periodic nudge to keep a subscription alive (spec.md §4.2, §4.4); it
// fires every DataRequestInterval via Connection.OnDataRequest.
func (m *Manager) dataRequest(conn Connection, mode vendorproto.Mode) {
	m.sendGrouped(conn, mode, vendorproto.ActionDataRequest)
}

// sendGrouped composes one token list per exchange segment from the
// current Registry snapshot and sends it as a single frame carrying
// action. Both fullResubscribe (action:1) and dataRequest (action:2)
// are the same grouping with a different action code.
func (m *Manager) sendGrouped(conn Connection, mode vendorproto.Mode, action vendorproto.Action) {
	snapshot := m.registry.Snapshot()
	if len(snapshot) == 0 {
		return
	}
	tokenLists := make([]vendorproto.TokenList, 0, len(snapshot))
	for exch, tokens := range snapshot {
		tokenLists = append(tokenLists, vendorproto.TokenList{ExchangeType: exch, Tokens: tokens})
	}
	conn.Send(vendorproto.SubscribeFrame{
		CorrelationID: uuid.NewString(),
		Action:        action,
		Params:        vendorproto.SubscribeParams{Mode: mode, TokenList: tokenLists},
	})
}

// OnDataRequest is the handler wired into each Connection's periodic
// data-request ticker; it rebuilds and resends the grouped action:2
// frame from the current Registry snapshot (spec.md §4.2: "the vendor
// requires periodic nudges").
func (m *Manager) OnDataRequest(conn Connection, mode vendorproto.Mode) func(epoch uint64) {
	return func(epoch uint64) {
		m.dataRequest(conn, mode)
	}
}

// OnAck is the AckHandler wired into each Connection; it arms the
// deferred-resubscribe timer on status 307 (spec.md §4.2, §4.4, §8 S5).
func (m *Manager) OnAck(connKey string, conn Connection, mode vendorproto.Mode) streamconn.AckHandler {
	return func(epoch uint64, ack decoder.Acknowledgement) {
		if ack.StatusCode != StatusResubscribe {
			return
		}
		m.mu.Lock()
		if t, ok := m.resubscribeAt[connKey]; ok {
			t.Stop()
		}
		m.resubscribeAt[connKey] = time.AfterFunc(ResubscribeDelay, func() {
			m.fullResubscribe(conn, mode)
		})
		m.mu.Unlock()
	}
}

// OnTick is the TickHandler wired into each Connection; it forwards
// every decoded frame to the matching Dispatcher, dropping anything
// that is not a tick variant (acks are handled separately via OnAck).
func (m *Manager) OnTick(dispatch Dispatcher) streamconn.TickHandler {
	return func(epoch uint64, kind decoder.FrameKind, payload interface{}) {
		switch kind {
		case decoder.FrameLTP, decoder.FrameQuote, decoder.FrameSnapQuote:
			dispatch.Submit(kind, payload)
		}
	}
}
