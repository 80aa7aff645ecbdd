// Package events implements the Event Publisher (spec §4.3): a fanout of
// domain events for downstream consumers (notifications, analytics) that is
// best-effort and always happens after the owning transaction commits,
// never inside it — publishing from within a transaction that later rolls
// back would emit a phantom event for state that never existed (spec §4.3's
// rationale). Grounded on the teacher's internal/service/queue_publisher.go
// publish pattern and internal/queue/event.go payload style.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// exchangeName is the fanout exchange every event publishes to; consumers
// each bind their own queue to it, so adding a new downstream consumer
// never requires a change here (spec §4.3).
const exchangeName = "reservation.events"

const (
	EventReservationCreated = "reservation.created"
	EventPaymentConfirmed   = "payment.confirmed"
	EventReservationExpired = "reservation.expired"
	EventSeatReleased       = "seat.released"
)

// ReservationCreatedPayload accompanies EventReservationCreated.
type ReservationCreatedPayload struct {
	ReservationID uuid.UUID `json:"reservation_id"`
	ScreeningID   uuid.UUID `json:"screening_id"`
	SeatID        uuid.UUID `json:"seat_id"`
	SeatLabel     string    `json:"seat_label"`
	BuyerID       string    `json:"buyer_id"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// PaymentConfirmedPayload accompanies EventPaymentConfirmed.
type PaymentConfirmedPayload struct {
	ReservationID uuid.UUID       `json:"reservation_id"`
	SaleID        uuid.UUID       `json:"sale_id"`
	ScreeningID   uuid.UUID       `json:"screening_id"`
	SeatID        uuid.UUID       `json:"seat_id"`
	SeatLabel     string          `json:"seat_label"`
	BuyerID       string          `json:"buyer_id"`
	Amount        decimal.Decimal `json:"amount"`
	PaidAt        time.Time       `json:"paid_at"`
}

// ReservationExpiredPayload accompanies EventReservationExpired.
type ReservationExpiredPayload struct {
	ReservationID uuid.UUID `json:"reservation_id"`
	ScreeningID   uuid.UUID `json:"screening_id"`
	SeatID        uuid.UUID `json:"seat_id"`
	SeatLabel     string    `json:"seat_label"`
	BuyerID       string    `json:"buyer_id"`
	ExpiredAt     time.Time `json:"expired_at"`
}

// SeatReleasedPayload accompanies EventSeatReleased, published alongside
// ReservationExpired so notification/analytics consumers that only care
// about seat availability don't need to know about reservation internals.
type SeatReleasedPayload struct {
	SeatID      uuid.UUID `json:"seat_id"`
	ScreeningID uuid.UUID `json:"screening_id"`
	SeatLabel   string    `json:"seat_label"`
	ReleasedAt  time.Time `json:"released_at"`
}

// Publisher is the narrow interface the Coordinator depends on, so event
// emission is testable with a fake.
type Publisher interface {
	Publish(ctx context.Context, eventName string, payload any) error
}

// AMQPPublisher is the RabbitMQ-backed Publisher.
type AMQPPublisher struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	log  *zap.SugaredLogger
}

// NewAMQPPublisher dials url and declares the fanout exchange.
func NewAMQPPublisher(url string, log *zap.SugaredLogger) (*AMQPPublisher, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("events: dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("events: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchangeName, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("events: declare exchange: %w", err)
	}
	return &AMQPPublisher{conn: conn, ch: ch, log: log}, nil
}

// Publish marshals payload and fans it out. A fanout exchange ignores the
// routing key, but eventName is still attached as the message type so
// consumers can filter without unmarshalling every message body.
func (p *AMQPPublisher) Publish(ctx context.Context, eventName string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("events: marshal %s: %w", eventName, err)
	}
	err = p.ch.PublishWithContext(ctx, exchangeName, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Type:        eventName,
		Timestamp:   time.Now().UTC(),
		Body:        body,
	})
	if err != nil {
		p.log.Warnw("events: publish failed", "event", eventName, "error", err)
		return fmt.Errorf("events: publish %s: %w", eventName, err)
	}
	return nil
}

// Close tears down the channel and connection.
func (p *AMQPPublisher) Close() error {
	if err := p.ch.Close(); err != nil {
		_ = p.conn.Close()
		return err
	}
	return p.conn.Close()
}
