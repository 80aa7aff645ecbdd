package model

import (
	"time"

	"github.com/google/uuid"
)

// SeatStatus is the enumeration of states a Seat can occupy. A seat
// transitions AVAILABLE -> RESERVED -> SOLD, or back to AVAILABLE from
// RESERVED on expiration. SOLD is terminal.
type SeatStatus string

const (
	SeatAvailable SeatStatus = "AVAILABLE"
	SeatReserved  SeatStatus = "RESERVED"
	SeatSold      SeatStatus = "SOLD"
)

// Seat identifies a physical position within a screening. Created once
// when the screening is provisioned; never destroyed. Status transitions
// are driven solely by the Reservation Coordinator.
//
// Fields:
//  ID           – primary key identifier.
//  ScreeningID  – screening this seat belongs to.
//  Label        – human-readable seat label, e.g. "A3".
//  RowLabel     – row portion of the label, e.g. "A".
//  Status       – AVAILABLE, RESERVED or SOLD.
//  CreatedAt    – creation timestamp.
//  UpdatedAt    – last update timestamp.
type Seat struct {
	ID          uuid.UUID
	ScreeningID uuid.UUID
	Label       string
	RowLabel    string
	Status      SeatStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
