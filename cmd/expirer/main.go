// Command expirer runs the Expiration Consumer (C5) as its own process, so
// it can be scaled independently of the HTTP API replica set — each
// instance drains the delay queue cooperatively via prefetchCount=1 (spec
// §4.5).
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/boxofficeoss/reservation-core/internal/config"
	"github.com/boxofficeoss/reservation-core/internal/consumer"
	"github.com/boxofficeoss/reservation-core/internal/coordinator"
	"github.com/boxofficeoss/reservation-core/internal/database"
	"github.com/boxofficeoss/reservation-core/internal/delay"
	"github.com/boxofficeoss/reservation-core/internal/events"
	"github.com/boxofficeoss/reservation-core/internal/metrics"
	"github.com/boxofficeoss/reservation-core/internal/retry"
	"github.com/boxofficeoss/reservation-core/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("info: .env not found; using defaults/env")
	}

	cfg := config.Load()

	zlog, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("zap init: %v", err)
	}
	defer zlog.Sync()
	sugar := zlog.Sugar()

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		log.Fatalf("database open: %v", err)
	}
	defer db.Close()

	rdb := config.NewRedisClient()

	sched, err := delay.NewAMQPScheduler(cfg.AMQPURL, sugar)
	if err != nil {
		log.Fatalf("delay scheduler: %v", err)
	}
	defer sched.Close()

	pub, err := events.NewAMQPPublisher(cfg.AMQPURL, sugar)
	if err != nil {
		log.Fatalf("event publisher: %v", err)
	}
	defer pub.Close()

	reg := prometheus.NewRegistry()
	mx := metrics.New(reg)
	gw := store.NewGateway(db, rdb, 0, sugar)

	metricsAddr := ":" + firstNonEmpty(os.Getenv("METRICS_PORT"), "9091")
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(metricsAddr, metricsMux); err != nil && err != http.ErrServerClosed {
			sugar.Warnw("metrics server stopped", "error", err)
		}
	}()

	retryCfg := retry.Config{
		MaxAttempts:  cfg.Reservation.MaxRetryAttempts,
		InitialDelay: cfg.Reservation.InitialRetryDelay,
		Multiplier:   cfg.Reservation.RetryBackoffMultiplier,
		MaxDelay:     cfg.Reservation.MaxRetryDelay,
	}
	coord := coordinator.New(gw, sched, pub, cfg.Reservation.ReservationTTL, retryCfg, mx, sugar)

	cons := consumer.New(cfg.AMQPURL, consumer.Config{
		BatchSize:     cfg.Reservation.ExpirationBatchSize,
		FlushInterval: cfg.Reservation.ExpirationFlushInterval,
	}, coord, sched, mx, sugar)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Println("expiration consumer starting")
	if err := cons.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("consumer: %v", err)
	}
	log.Println("expiration consumer stopped")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
