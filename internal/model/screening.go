package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Screening is one scheduled showing of a film in a specific room at a
// specific time; it owns a fixed seat inventory provisioned ahead of time
// by a collaborator outside this core (see spec §1). The coordinator only
// ever reads a Screening to validate it exists and to price a sale.
type Screening struct {
	ID          uuid.UUID
	MovieName   string
	StartTime   time.Time
	RoomNumber  string
	TicketPrice decimal.Decimal
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
