// Package marketcache is the Redis-backed latest-price/depth store
// and pub/sub wrapper the Tick Dispatcher, Evaluator, and Control
// Plane all depend on (spec.md §4.5-§4.7). It is adapted from the
// teacher's cache.RedisCache (cache/redis.go) — same client
// construction and key-prefixing approach — generalized with a
// Publish/Subscribe surface the teacher's cache package never needed.
package marketcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dhanstream/marketfeed/decoder"
)

// DepthLevel mirrors decoder.DepthLevel for the JSON wire shape
// published to depth consumers.
type DepthLevel struct {
	Quantity   int64   `json:"quantity"`
	Price      float64 `json:"price"`
	OrderCount int16   `json:"orderCount"`
}

// PriceSnapshot is the payload written to latest-price:{symbol} and
// published on price:update:{symbol} (spec.md §4.5, §6).
type PriceSnapshot struct {
	Symbol       string       `json:"symbol"`
	Token        int64        `json:"token"`
	LastPrice    float64      `json:"lastPrice"`
	Open         uint64       `json:"open,omitempty"`
	High         uint64       `json:"high,omitempty"`
	Low          uint64       `json:"low,omitempty"`
	Close        uint64       `json:"close,omitempty"`
	Volume       uint64       `json:"volume,omitempty"`
	TotalBuyQty  float64      `json:"totalBuyQty,omitempty"`
	TotalSellQty float64      `json:"totalSellQty,omitempty"`
	Buy          []DepthLevel `json:"buy,omitempty"`
	Sell         []DepthLevel `json:"sell,omitempty"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// DepthSnapshot is the payload written to marketdepth:{symbol} and
// published on marketdepth:update:{symbol}; it is the best-five half
// of PriceSnapshot, kept separate since not every tick carries depth.
type DepthSnapshot struct {
	Symbol    string       `json:"symbol"`
	Token     int64        `json:"token"`
	Buy       []DepthLevel `json:"buy"`
	Sell      []DepthLevel `json:"sell"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// Config parameterizes the Redis client, mirroring
// cache.RedisConfig's fields relevant to this engine.
type Config struct {
	Address      string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Client wraps a *redis.Client with the key/channel conventions this
// engine uses.
type Client struct {
	rdb *redis.Client
}

// New dials a Redis client per cfg and verifies connectivity with a
// PING, matching cache.NewRedisCache's startup check.
func New(ctx context.Context, cfg Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("marketcache: connect: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

func priceKey(symbol string) string { return "latest-price:" + symbol }
func depthKey(symbol string) string { return "marketdepth:" + symbol }

// WritePrice overwrites latest-price:{symbol} and publishes the same
// payload on price:update:{symbol} (spec.md §4.5 step 1-2). Errors are
// returned rather than swallowed; the Dispatcher is responsible for
// the best-effort log-and-continue policy (spec.md §4.5, §7 error
// kind 5), not this client.
func (c *Client) WritePrice(ctx context.Context, snap PriceSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, priceKey(snap.Symbol), data, 0).Err(); err != nil {
		return fmt.Errorf("marketcache: set latest-price: %w", err)
	}
	if err := c.rdb.Publish(ctx, "price:update:"+snap.Symbol, data).Err(); err != nil {
		return fmt.Errorf("marketcache: publish price update: %w", err)
	}
	return nil
}

// WriteDepth overwrites marketdepth:{symbol} and publishes on
// marketdepth:update:{symbol}, for snap-quote ticks only.
func (c *Client) WriteDepth(ctx context.Context, snap DepthSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, depthKey(snap.Symbol), data, 0).Err(); err != nil {
		return fmt.Errorf("marketcache: set marketdepth: %w", err)
	}
	if err := c.rdb.Publish(ctx, "marketdepth:update:"+snap.Symbol, data).Err(); err != nil {
		return fmt.Errorf("marketcache: publish depth update: %w", err)
	}
	return nil
}

// PublishPlanUpdate publishes a plan transition on
// orderplan:update:{id} (spec.md §4.6).
func (c *Client) PublishPlanUpdate(ctx context.Context, planID string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.rdb.Publish(ctx, "orderplan:update:"+planID, data).Err()
}

// SubscribePlanLifecycle subscribes to orderplan:new and
// orderplan:delete, the two channels Control Plane consumes
// (spec.md §4.7, §6).
func (c *Client) SubscribePlanLifecycle(ctx context.Context) *redis.PubSub {
	return c.rdb.Subscribe(ctx, "orderplan:new", "orderplan:delete")
}

// DepthLevelsFrom converts decoded best-five levels to the wire shape.
func DepthLevelsFrom(levels []decoder.DepthLevel) []DepthLevel {
	out := make([]DepthLevel, len(levels))
	for i, l := range levels {
		out[i] = DepthLevel{Quantity: l.Quantity, Price: l.Price, OrderCount: l.OrderCount}
	}
	return out
}
