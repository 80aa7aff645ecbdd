// Command server runs the HTTP API: it accepts already-validated commands
// and drives the Reservation Coordinator. It does not run the Expiration
// Consumer itself — that is cmd/expirer, run as its own replica set so the
// two workloads scale independently (spec §4.5's "multiple replicas"
// framing).
package main

import (
	"log"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/boxofficeoss/reservation-core/internal/config"
	"github.com/boxofficeoss/reservation-core/internal/coordinator"
	"github.com/boxofficeoss/reservation-core/internal/database"
	"github.com/boxofficeoss/reservation-core/internal/delay"
	"github.com/boxofficeoss/reservation-core/internal/events"
	"github.com/boxofficeoss/reservation-core/internal/httpapi"
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
	if rdb == nil {
		sugar.Warn("redis unavailable at startup; caching and idempotency guard disabled")
	}

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

	gw := store.NewGateway(db, rdb, 5*time.Second, sugar)

	retryCfg := retry.Config{
		MaxAttempts:  cfg.Reservation.MaxRetryAttempts,
		InitialDelay: cfg.Reservation.InitialRetryDelay,
		Multiplier:   cfg.Reservation.RetryBackoffMultiplier,
		MaxDelay:     cfg.Reservation.MaxRetryDelay,
	}
	coord := coordinator.New(gw, sched, pub, cfg.Reservation.ReservationTTL, retryCfg, mx, sugar)

	e := echo.New()
	httpapi.Register(e, coord, cfg.JWTSecret, rdb)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	addr := ":" + cfg.Port
	log.Printf("listening on %s (env=%s)", addr, cfg.Env)
	if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}
