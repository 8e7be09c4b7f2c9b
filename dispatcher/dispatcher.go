// Package dispatcher is the Tick Dispatcher (C5): it takes a decoded
// tick and its resolved symbol/token, writes the latest-price/depth
// snapshot, publishes it, and hands bound plan-ids to the Evaluator
// (spec.md §4.5). It runs on a small bounded worker pool reading a
// per-connection buffered channel, generalizing the teacher's
// ws.Hub.Run single-loop-plus-channel style (ws/hub.go) to N workers.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/dhanstream/marketfeed/decoder"
	"github.com/dhanstream/marketfeed/logging"
	"github.com/dhanstream/marketfeed/marketcache"
	"github.com/dhanstream/marketfeed/registry"
)

// DefaultQueueSize is the per-connection buffered channel depth
// (spec.md §5).
const DefaultQueueSize = 1024

// DefaultWorkers is the worker-pool size used when Dispatcher is
// constructed with workers <= 0 (spec.md §5: "small, bounded, e.g. 4").
const DefaultWorkers = 4

// Evaluator is the slice of evaluator.Evaluator the Dispatcher drives.
type Evaluator interface {
	Evaluate(ctx context.Context, planID string, lastPrice float64)
}

// Registry resolves a decoded token back to its symbol/exchange and
// bound plan-ids.
type Registry interface {
	SymbolEntry(token int64) (registry.Entry, bool)
	PlanIDsFor(token int64) []string
}

// Cache is the narrow slice of marketcache.Client the Dispatcher
// writes through, accepted as an interface so tests can substitute a
// fake rather than dial real Redis.
type Cache interface {
	WritePrice(ctx context.Context, snap marketcache.PriceSnapshot) error
	WriteDepth(ctx context.Context, snap marketcache.DepthSnapshot) error
}

// job is one decoded frame queued for dispatch.
type job struct {
	kind    decoder.FrameKind
	payload interface{}
}

// Dispatcher owns one bounded input channel and a fixed worker pool.
// One Dispatcher is created per Connection, per spec.md §5's "bounded
// queue per Connection" model.
type Dispatcher struct {
	cache    Cache
	registry Registry
	eval     Evaluator
	workers  int
	input    chan job
}

// New constructs a Dispatcher. workers <= 0 uses DefaultWorkers.
func New(cache Cache, reg Registry, eval Evaluator, workers int) *Dispatcher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Dispatcher{
		cache:    cache,
		registry: reg,
		eval:     eval,
		workers:  workers,
		input:    make(chan job, DefaultQueueSize),
	}
}

// Run starts the worker pool; it blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.worker(ctx)
		}()
	}
	<-ctx.Done()
	wg.Wait()
}

func (d *Dispatcher) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-d.input:
			d.handle(ctx, j)
		}
	}
}

// Submit enqueues a decoded frame for dispatch. The queue is one
// channel shared by every token of this connection; if it is full, the
// new tick is dropped and logged, and ticks already queued (including
// older ones for the same token) are kept.
func (d *Dispatcher) Submit(kind decoder.FrameKind, payload interface{}) {
	select {
	case d.input <- job{kind: kind, payload: payload}:
	default:
		logging.Warn("dispatcher: queue full, dropping tick")
	}
}

func (d *Dispatcher) handle(ctx context.Context, j job) {
	switch t := j.payload.(type) {
	case decoder.LTPTick:
		d.dispatchLTP(ctx, t.Token, t.LastPrice, nil)
	case decoder.QuoteTick:
		d.dispatchLTP(ctx, t.Token, t.LastPrice, &t)
	case decoder.SnapQuoteTick:
		d.dispatchSnapQuote(ctx, t)
	}
}

func (d *Dispatcher) dispatchLTP(ctx context.Context, token int64, lastPrice float64, quote *decoder.QuoteTick) {
	entry, ok := d.registry.SymbolEntry(token)
	if !ok {
		return
	}

	snap := marketcache.PriceSnapshot{
		Symbol:    entry.Symbol,
		Token:     token,
		LastPrice: lastPrice,
		UpdatedAt: time.Now(),
	}
	if quote != nil {
		snap.Open, snap.High, snap.Low, snap.Close = quote.Open, quote.High, quote.Low, quote.Close
		snap.Volume = quote.Volume
		snap.TotalBuyQty, snap.TotalSellQty = quote.TotalBuyQty, quote.TotalSellQty
	}

	if err := d.cache.WritePrice(ctx, snap); err != nil {
		logging.Error("dispatcher: write price", err, logging.String("symbol", entry.Symbol))
	}

	d.evaluatePlans(ctx, token, lastPrice)
}

func (d *Dispatcher) dispatchSnapQuote(ctx context.Context, t decoder.SnapQuoteTick) {
	entry, ok := d.registry.SymbolEntry(t.Token)
	if !ok {
		return
	}

	buy := marketcache.DepthLevelsFrom(t.Buy)
	sell := marketcache.DepthLevelsFrom(t.Sell)

	snap := marketcache.PriceSnapshot{
		Symbol: entry.Symbol, Token: t.Token, LastPrice: t.LastPrice,
		Open: t.Open, High: t.High, Low: t.Low, Close: t.Close,
		Volume: t.Volume, TotalBuyQty: t.TotalBuyQty, TotalSellQty: t.TotalSellQty,
		Buy: buy, Sell: sell, UpdatedAt: time.Now(),
	}
	if err := d.cache.WritePrice(ctx, snap); err != nil {
		logging.Error("dispatcher: write price", err, logging.String("symbol", entry.Symbol))
	}

	depth := marketcache.DepthSnapshot{
		Symbol: entry.Symbol, Token: t.Token, Buy: buy, Sell: sell, UpdatedAt: time.Now(),
	}
	if err := d.cache.WriteDepth(ctx, depth); err != nil {
		logging.Error("dispatcher: write depth", err, logging.String("symbol", entry.Symbol))
	}

	d.evaluatePlans(ctx, t.Token, t.LastPrice)
}

func (d *Dispatcher) evaluatePlans(ctx context.Context, token int64, lastPrice float64) {
	for _, planID := range d.registry.PlanIDsFor(token) {
		d.eval.Evaluate(ctx, planID, lastPrice)
	}
}
