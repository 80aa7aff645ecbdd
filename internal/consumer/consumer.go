// Package consumer implements the Expiration Consumer (C5): it drains the
// delay queue and invokes the coordinator's Expire operation, batching for
// throughput and acking/nacking each message individually keyed to its own
// outcome. Grounded on the teacher's internal/queue/consumer.go reconnect
// loop and Qos pattern, generalized from a fire-and-log handler into a
// bounded-parallel batch processor per spec §4.5.
package consumer

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/boxofficeoss/reservation-core/internal/coordinator"
	"github.com/boxofficeoss/reservation-core/internal/delay"
	"github.com/boxofficeoss/reservation-core/internal/metrics"
)

// Config tunes batching and concurrency, sourced from spec §6.4's
// expirationBatchSize/expirationFlushIntervalMs.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	// Concurrency bounds how many Expire calls run in parallel per batch.
	// Defaults to BatchSize when zero.
	Concurrency int
}

// Consumer drains the ready queue (internal/delay's dead-letter
// destination) with prefetchCount=1, so multiple replicas cooperatively
// share the work instead of one replica hoarding it (spec §4.5).
type Consumer struct {
	url   string
	queue string
	cfg   Config
	coord *coordinator.Coordinator
	sched delay.Scheduler
	log   *zap.SugaredLogger
	mx    *metrics.Metrics
}

// New constructs a Consumer. sched is used to re-publish an early-fired
// message with its residual delay — the backstop decided in spec §9 Open
// Question 1.
func New(url string, cfg Config, coord *coordinator.Coordinator, sched delay.Scheduler, mx *metrics.Metrics, log *zap.SugaredLogger) *Consumer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = cfg.BatchSize
	}
	return &Consumer{url: url, queue: delay.ReadyQueueName(), cfg: cfg, coord: coord, sched: sched, mx: mx, log: log}
}

// Run connects and drains the queue until ctx is cancelled, reconnecting
// with capped exponential backoff on connection loss — the same shape as
// the teacher's StartBookingConsumer reconnect loop.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err := amqp.Dial(c.url)
		if err != nil {
			c.log.Warnw("consumer: dial failed, retrying", "delay", backoff, "error", err)
			if !sleepOrDone(ctx, backoff) {
				return ctx.Err()
			}
			backoff = minDur(backoff*2, 30*time.Second)
			continue
		}
		backoff = time.Second

		if err := c.consumeLoop(ctx, conn); err != nil && ctx.Err() == nil {
			c.log.Warnw("consumer: loop ended, reconnecting", "error", err)
			if !sleepOrDone(ctx, 2*time.Second) {
				return ctx.Err()
			}
		}
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func (c *Consumer) consumeLoop(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(1, 0, false); err != nil {
		return err
	}

	deliveries, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	batch := make([]amqp.Delivery, 0, c.cfg.BatchSize)
	flush := time.NewTicker(c.cfg.FlushInterval)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errClosed
			}
			batch = append(batch, d)
			if len(batch) >= c.cfg.BatchSize {
				c.processBatch(ctx, batch)
				batch = batch[:0]
			}
		case <-flush.C:
			if len(batch) > 0 {
				c.processBatch(ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

var errClosed = deliveryChannelClosed{}

type deliveryChannelClosed struct{}

func (deliveryChannelClosed) Error() string { return "delivery channel closed" }

// processBatch runs Expire for each message in parallel, bounded by
// cfg.Concurrency, and acks/nacks each message individually according to
// its own outcome (spec §4.5's "acknowledgement is per message, keyed to
// outcome").
func (c *Consumer) processBatch(ctx context.Context, batch []amqp.Delivery) {
	if c.mx != nil {
		c.mx.BatchSize.Observe(float64(len(batch)))
	}
	sem := semaphore.NewWeighted(int64(c.cfg.Concurrency))
	done := make(chan struct{}, len(batch))

	for _, d := range batch {
		d := d
		if err := sem.Acquire(ctx, 1); err != nil {
			_ = d.Nack(false, true)
			done <- struct{}{}
			continue
		}
		go func() {
			defer sem.Release(1)
			defer func() { done <- struct{}{} }()
			c.handle(ctx, d)
		}()
	}
	for range batch {
		<-done
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	var payload delay.ExpirePayload
	if err := json.Unmarshal(d.Body, &payload); err != nil {
		c.log.Errorw("consumer: malformed payload, dropping", "error", err)
		_ = d.Nack(false, false) // poison message; do not requeue.
		return
	}

	result, err := c.coord.Expire(ctx, payload.ReservationID)
	if err != nil {
		c.log.Warnw("consumer: expire failed, requeueing", "reservation_id", payload.ReservationID, "error", err)
		_ = d.Nack(false, true)
		return
	}

	if c.mx != nil {
		if result.Released {
			c.mx.ExpireReleased.Inc()
		} else {
			c.mx.ExpireNoop.Inc()
		}
	}

	if result.EarlyFire {
		residual := time.Until(result.ExpiresAt)
		if residual < 0 {
			residual = 0
		}
		if err := c.sched.Schedule(ctx, payload, residual); err != nil {
			c.log.Warnw("consumer: residual reschedule failed", "reservation_id", payload.ReservationID, "error", err)
		}
	}

	_ = d.Ack(false)
}
