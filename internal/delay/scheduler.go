// Package delay implements the Delay Scheduler (spec §4.2): it arranges for
// an Expire command to be delivered to the Expiration Consumer after a hold's
// TTL elapses. Grounded on the teacher's dial/channel/declare/publish pattern
// in internal/queue/consumer.go, but the wiring is TTL + dead-letter-exchange
// rather than an in-process timer, since an in-process timer dies with the
// process (spec §4.2's rationale).
package delay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	// waitExchange is the exchange holds are published to; messages land in
	// waitQueueName and sit there until their per-message TTL expires.
	waitExchange  = "reservation.delay.wait"
	waitQueueName = "reservation.delay.wait.q"

	// readyExchange/readyQueueName receive the dead-lettered message once its
	// TTL elapses — this is the queue the Expiration Consumer (internal/consumer)
	// actually drains.
	readyExchange  = "reservation.delay.ready"
	readyQueueName = "reservation.delay.ready.q"

	routingKey = "expire"
)

// ExpirePayload is the message body scheduled for future delivery. It names
// the reservation to expire and carries the fingerprint under which it was
// created. The consumer passes only ReservationID to Coordinator.Expire,
// which decides from the locked reservation row alone; the fingerprint
// fields are not checked.
type ExpirePayload struct {
	ReservationID uuid.UUID `json:"reservation_id"`
	ScreeningID   uuid.UUID `json:"screening_id"`
	BuyerID       string    `json:"buyer_id"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Scheduler arranges for a payload to become available for consumption after
// delay elapses. The Coordinator depends on this narrow interface, not on
// AMQPScheduler directly, so CreateHold/Expire are testable with a fake.
type Scheduler interface {
	Schedule(ctx context.Context, payload ExpirePayload, delay time.Duration) error
}

// AMQPScheduler is the RabbitMQ-backed Scheduler. It keeps one channel open
// across calls; Schedule is safe for concurrent use (amqp091-go channels
// serialize publishes internally).
type AMQPScheduler struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	log  *zap.SugaredLogger
}

// NewAMQPScheduler dials url, declares the wait/ready exchange-queue pair
// with the dead-letter wiring between them, and returns a ready Scheduler.
func NewAMQPScheduler(url string, log *zap.SugaredLogger) (*AMQPScheduler, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("delay: dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("delay: open channel: %w", err)
	}
	s := &AMQPScheduler{conn: conn, ch: ch, log: log}
	if err := s.declare(); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *AMQPScheduler) declare() error {
	if err := s.ch.ExchangeDeclare(waitExchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("delay: declare wait exchange: %w", err)
	}
	if err := s.ch.ExchangeDeclare(readyExchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("delay: declare ready exchange: %w", err)
	}
	// The ready queue is where the Expiration Consumer actually consumes from.
	if _, err := s.ch.QueueDeclare(readyQueueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("delay: declare ready queue: %w", err)
	}
	if err := s.ch.QueueBind(readyQueueName, routingKey, readyExchange, false, nil); err != nil {
		return fmt.Errorf("delay: bind ready queue: %w", err)
	}
	// The wait queue has no consumer; messages sit until their per-message
	// TTL elapses, then RabbitMQ dead-letters them into readyExchange.
	_, err := s.ch.QueueDeclare(waitQueueName, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    readyExchange,
		"x-dead-letter-routing-key": routingKey,
	})
	if err != nil {
		return fmt.Errorf("delay: declare wait queue: %w", err)
	}
	if err := s.ch.QueueBind(waitQueueName, routingKey, waitExchange, false, nil); err != nil {
		return fmt.Errorf("delay: bind wait queue: %w", err)
	}
	return nil
}

// Schedule publishes payload to the wait exchange with a per-message TTL of
// delay. RabbitMQ only dead-letters a message once it reaches the head of
// the queue, so a later-scheduled shorter-TTL message can be stuck behind an
// earlier longer one and is then delivered late. The Expiration Consumer's
// early-fire backstop (spec §9 Open Question 1) handles deliveries that
// arrive before the deadline, not late ones.
func (s *AMQPScheduler) Schedule(ctx context.Context, payload ExpirePayload, delay time.Duration) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("delay: marshal payload: %w", err)
	}
	if delay < 0 {
		delay = 0
	}
	ttlMs := fmt.Sprintf("%d", delay.Milliseconds())
	return s.ch.PublishWithContext(ctx, waitExchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Expiration:   ttlMs,
	})
}

// Close tears down the channel and connection.
func (s *AMQPScheduler) Close() error {
	if err := s.ch.Close(); err != nil {
		_ = s.conn.Close()
		return err
	}
	return s.conn.Close()
}

// ReadyQueueName returns the queue the Expiration Consumer should declare
// and consume from.
func ReadyQueueName() string { return readyQueueName }
