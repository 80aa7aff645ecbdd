package model

import (
	"time"

	"github.com/google/uuid"
)

// ReservationStatus is the enumeration of states a Reservation can occupy.
// Transitions are monotonic: PENDING -> {CONFIRMED, EXPIRED, CANCELLED}.
// CANCELLED is reserved for a future user-initiated cancel operation; no
// operation in this core produces it today.
type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "PENDING"
	ReservationConfirmed ReservationStatus = "CONFIRMED"
	ReservationExpired   ReservationStatus = "EXPIRED"
	ReservationCancelled ReservationStatus = "CANCELLED"
)

// Reservation is a time-bounded exclusive hold on exactly one seat by one
// buyer. ScreeningID is denormalized from the seat so that sibling lookups
// (same buyer, same screening, same ExpiresAt) don't require a join back
// through seats on the hot confirm path.
//
// Fields:
//  ID          – primary key identifier.
//  SeatID      – seat held (unique reference: at most one reservation per seat at a time).
//  ScreeningID – screening the seat belongs to; part of the booking-group fingerprint.
//  BuyerID     – opaque buyer identifier.
//  Status      – PENDING, CONFIRMED, EXPIRED or CANCELLED.
//  ExpiresAt   – absolute deadline; shared across every reservation in one Create Hold call.
//  CreatedAt   – creation timestamp.
//  UpdatedAt   – last update timestamp.
type Reservation struct {
	ID          uuid.UUID
	SeatID      uuid.UUID
	ScreeningID uuid.UUID
	BuyerID     string
	Status      ReservationStatus
	ExpiresAt   time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// BookingGroupKey is the fingerprint {buyerId, screeningId, expiresAt} that
// identifies the set of reservations created by a single multi-seat Create
// Hold call. It is never stored; Confirm Payment recomputes it from the
// target reservation before looking up siblings.
type BookingGroupKey struct {
	BuyerID     string
	ScreeningID uuid.UUID
	ExpiresAt   time.Time
}

// GroupKey derives the booking-group fingerprint for this reservation.
func (r Reservation) GroupKey() BookingGroupKey {
	return BookingGroupKey{BuyerID: r.BuyerID, ScreeningID: r.ScreeningID, ExpiresAt: r.ExpiresAt}
}
