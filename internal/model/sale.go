package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Sale is an append-only record of a confirmed purchase. Created exactly
// once when a hold is confirmed; never mutated. ReservationID is unique —
// one sale per reservation.
type Sale struct {
	ID            uuid.UUID
	SeatID        uuid.UUID
	BuyerID       string
	ReservationID uuid.UUID
	Amount        decimal.Decimal
	PaidAt        time.Time
	CreatedAt     time.Time
}
