package main

import (
	"context"
	"net/http"
	"time"

	"github.com/md-rashed-zaman/eventcore/broker/redisstream"
	"github.com/md-rashed-zaman/eventcore/ledger"
	"github.com/md-rashed-zaman/eventcore/libs/config"
	"github.com/md-rashed-zaman/eventcore/libs/db"
	"github.com/md-rashed-zaman/eventcore/libs/httpx"
	otelx "github.com/md-rashed-zaman/eventcore/libs/otel"
	"github.com/md-rashed-zaman/eventcore/libs/redisx"
	"github.com/md-rashed-zaman/eventcore/libs/runtime"
	"github.com/md-rashed-zaman/eventcore/outbox"
	"github.com/md-rashed-zaman/eventcore/stream"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// relayd forwards pending outbox records from Postgres to a Redis stream. Run
// one per database (or several; the claim lease keeps them from double
// forwarding) next to the services that write the outbox.
func main() {
	service := config.String("SERVICE_NAME", "relayd")
	port, err := config.Port("PORT", "8090")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	redisAddr, err := config.RequiredString("REDIS_ADDR")
	if err != nil {
		panic(err)
	}
	rdb, err := redisx.Open(ctx, redisAddr)
	if err != nil {
		logger.Error("redis connection failed", "err", err)
		panic(err)
	}
	defer rdb.Close()

	broker := redisstream.New(rdb, redisstream.Config{
		Visibility: config.Duration("STREAM_VISIBILITY_TIMEOUT", 30*time.Second),
	})
	led := ledger.NewRedis(rdb, config.Duration("LEDGER_TTL", 24*time.Hour))
	publisher := stream.NewPublisher(broker, led, logger)

	store := outbox.NewStore(pool, config.Duration("OUTBOX_CLAIM_LEASE", 30*time.Second))
	relay := outbox.NewRelay(store, publisher, logger, outbox.RelayConfig{
		Stream:      config.String("OUTBOX_STREAM", "events"),
		PollEvery:   config.Duration("OUTBOX_POLL_EVERY", 500*time.Millisecond),
		BatchSize:   config.Int("OUTBOX_BATCH_SIZE", 100),
		MaxAttempts: config.Int("OUTBOX_MAX_ATTEMPTS", 5),
		OnFailed: func(r outbox.Record, cause error) {
			logger.Error("outbox record parked as failed",
				"event_id", r.Event.ID, "event_type", r.Event.Type, "err", cause)
		},
	})
	go relay.Run(ctx)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "redis", Check: redisx.ReadyCheck(rdb)},
	)
	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	handler = otelhttp.NewHandler(handler, "relayd")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("relay stopped")
}
