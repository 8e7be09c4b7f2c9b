// Command feedengine runs the full market-data fan-in/fan-out daemon:
// it dials the vendor LTP and snap-quote streams, fans decoded ticks
// out to Redis and the order-plan evaluator, and listens for plan
// lifecycle changes on the control plane.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dhanstream/marketfeed/config"
	"github.com/dhanstream/marketfeed/controlplane"
	"github.com/dhanstream/marketfeed/decoder"
	"github.com/dhanstream/marketfeed/dispatcher"
	"github.com/dhanstream/marketfeed/evaluator"
	"github.com/dhanstream/marketfeed/feedmanager"
	"github.com/dhanstream/marketfeed/healthcheck"
	"github.com/dhanstream/marketfeed/logging"
	"github.com/dhanstream/marketfeed/marketcache"
	"github.com/dhanstream/marketfeed/planstore"
	"github.com/dhanstream/marketfeed/registry"
	"github.com/dhanstream/marketfeed/session"
	"github.com/dhanstream/marketfeed/streamconn"
	"github.com/dhanstream/marketfeed/vendorproto"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal("feedengine: load config", err)
	}

	if cfg.Logging.File != "" {
		rotatingWriter, err := logging.NewRotatingFileWriter(logging.RotationConfig{
			Filename:           cfg.Logging.File,
			MaxSizeMB:          cfg.Logging.MaxSizeMB,
			MaxAge:             cfg.Logging.MaxAge,
			MaxBackups:         cfg.Logging.MaxBackups,
			CompressionEnabled: cfg.Logging.CompressionEnabled,
		})
		if err != nil {
			logging.Fatal("feedengine: open log file", err)
		}
		logging.SetOutputs(os.Stdout, rotatingWriter)
	}

	logging.Info("feedengine starting",
		logging.String("environment", cfg.Environment),
		logging.String("feedURL", cfg.Feed.WSURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cache, err := marketcache.New(ctx, marketcache.Config{
		Address:      cfg.Redis.RedisAddr(),
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	if err != nil {
		logging.Fatal("feedengine: connect redis", err)
	}
	defer cache.Close()

	store, err := newPlanStore(ctx, cfg)
	if err != nil {
		logging.Fatal("feedengine: open plan store", err)
	}

	reg := registry.New()
	issuer := session.NewJWTIssuer([]byte(cfg.JWT.Secret), cfg.Feed.APIKey, cfg.Feed.ClientCode, cfg.Feed.TOTPSeed)

	ltpConn := streamconn.New(connectionConfig(cfg, vendorproto.ModeLTP), nil, issuer, &decoder.Stats{}, nil, nil)
	snapConn := streamconn.New(connectionConfig(cfg, vendorproto.ModeSnapQuote), nil, issuer, &decoder.Stats{}, nil, nil)

	planEval := evaluator.New(store, cache, reg)
	ltpDispatch := dispatcher.New(cache, reg, planEval, dispatcher.DefaultWorkers)
	snapDispatch := dispatcher.New(cache, reg, planEval, dispatcher.DefaultWorkers)

	mgr := feedmanager.New(ltpConn, snapConn, ltpDispatch, snapDispatch, reg, store)

	pubsub := cache.SubscribePlanLifecycle(ctx)
	defer pubsub.Close()
	source := marketcache.NewPubSubSource(ctx, pubsub)
	cp := controlplane.New(source, store, mgr)

	go ltpDispatch.Run(ctx)
	go snapDispatch.Run(ctx)
	go cp.Run(ctx)

	health := healthcheck.New()
	health.Critical = []string{"ltp", "snapquote"}
	health.Register("ltp", healthcheck.ConnectionCheck("ltp", func() string { return ltpConn.State().String() },
		func() bool { return ltpConn.State() == streamconn.StateReady }))
	health.Register("snapquote", healthcheck.ConnectionCheck("snapquote", func() string { return snapConn.State().String() },
		func() bool { return snapConn.State() == streamconn.StateReady }))
	health.Register("memory", healthcheck.MemoryCheck(80))

	go serveOps(cfg.Metrics.ListenAddr, health)

	if err := mgr.Start(ctx); err != nil && ctx.Err() == nil {
		logging.Fatal("feedengine: manager stopped", err)
	}

	logging.Info("feedengine shutting down")
}

func connectionConfig(cfg *config.Config, mode vendorproto.Mode) streamconn.Config {
	c := streamconn.Config{
		Mode:                 mode,
		URL:                  cfg.Feed.WSURL,
		ReconnectBase:        time.Duration(cfg.Reconnect.BaseSeconds) * time.Second,
		ReconnectMultiplier:  cfg.Reconnect.Multiplier,
		ReconnectMaxAttempts: cfg.Reconnect.MaxAttempts,
		MaxFrameAge:          cfg.Health.MaxFrameAge,
		MaxPongAge:           cfg.Health.MaxPongAge,
		DataRequestInterval:  cfg.Health.DataRequestInterval,
	}
	c.Validate()
	return c
}

func newPlanStore(ctx context.Context, cfg *config.Config) (planstore.Store, error) {
	if cfg.Postgres.DSN == "" {
		logging.Warn("feedengine: POSTGRES_DSN unset, using in-memory plan store")
		return planstore.NewMemoryStore(), nil
	}
	return planstore.NewPostgresStore(ctx, cfg.Postgres.DSN)
}

func serveOps(addr string, health *healthcheck.Checker) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.HTTPHealthz())
	mux.HandleFunc("/readyz", health.HTTPReadyz())
	logging.Info("feedengine: ops endpoints listening", logging.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logging.Error("feedengine: ops server stopped", err)
	}
}
