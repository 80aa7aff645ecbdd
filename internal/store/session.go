package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/boxofficeoss/reservation-core/internal/coreerr"
	"github.com/boxofficeoss/reservation-core/internal/model"
)

// Session is a single transactional scope. Every fetch-and-lock acquires an
// exclusive row-level lock held until Commit or Rollback ends the session
// (spec §4.1's contract). A Session must not be reused after either call.
type Session struct {
	tx       *sql.Tx
	cache    *redis.Client
	cacheTTL time.Duration
	log      *zap.SugaredLogger
}

// Commit finalizes the session, releasing all locks it acquired.
func (s *Session) Commit() error {
	if err := s.tx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

// Rollback discards the session. Safe to call after a successful Commit
// (it then reports sql.ErrTxDone, which callers ignore via a deferred,
// best-effort rollback — the same pattern as the teacher's handlers).
func (s *Session) Rollback() error {
	return s.tx.Rollback()
}

// GetScreening looks up a screening by ID. It is read-only and never locks
// — Create Hold only needs to know the screening exists and is active, not
// to serialize against it. A short-TTL Redis cache sits in front of this
// read only; Confirm Payment re-reads the live row when it needs the
// ticket price, since that path already holds the reservation lock.
func (s *Session) GetScreening(ctx context.Context, screeningID uuid.UUID) (*model.Screening, error) {
	return scanScreening(s.tx.QueryRowContext(ctx, screeningSelect+` WHERE id = ?`, screeningID.String()))
}

const screeningSelect = `SELECT id, movie_name, starts_at, room_number, ticket_price, is_active, created_at, updated_at FROM screenings`

func scanScreening(row *sql.Row) (*model.Screening, error) {
	var sc model.Screening
	var id string
	var price string
	if err := row.Scan(&id, &sc.MovieName, &sc.StartTime, &sc.RoomNumber, &price, &sc.IsActive, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
		return nil, classify(err)
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.InvalidState, "screening id is not a valid uuid", err)
	}
	sc.ID = parsed
	dec, err := decimal.NewFromString(price)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.InvalidState, "ticket price is not a valid decimal", err)
	}
	sc.TicketPrice = dec
	return &sc, nil
}

// FetchAndLockSeat locks the seat row identified by (screeningID, label)
// for the remainder of the session. Two concurrent Create Hold calls
// contending on the same seat serialize here; the loser observes the
// winner's committed status.
func (s *Session) FetchAndLockSeat(ctx context.Context, screeningID uuid.UUID, label string) (*model.Seat, error) {
	const q = `SELECT id, screening_id, label, row_label, status, created_at, updated_at
	           FROM seats WHERE screening_id = ? AND label = ? FOR UPDATE`
	row := s.tx.QueryRowContext(ctx, q, screeningID.String(), label)
	return scanSeat(row)
}

func scanSeat(row *sql.Row) (*model.Seat, error) {
	var seat model.Seat
	var id, screeningID, status string
	if err := row.Scan(&id, &screeningID, &seat.Label, &seat.RowLabel, &status, &seat.CreatedAt, &seat.UpdatedAt); err != nil {
		return nil, classify(err)
	}
	var err error
	if seat.ID, err = uuid.Parse(id); err != nil {
		return nil, coreerr.Wrap(coreerr.InvalidState, "seat id is not a valid uuid", err)
	}
	if seat.ScreeningID, err = uuid.Parse(screeningID); err != nil {
		return nil, coreerr.Wrap(coreerr.InvalidState, "seat screening id is not a valid uuid", err)
	}
	seat.Status = model.SeatStatus(status)
	return &seat, nil
}

// InsertReservation creates a PENDING reservation row for seat.ID.
func (s *Session) InsertReservation(ctx context.Context, r *model.Reservation) error {
	const q = `INSERT INTO reservations (id, seat_id, screening_id, buyer_id, status, expires_at, created_at, updated_at)
	           VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.tx.ExecContext(ctx, q,
		r.ID.String(), r.SeatID.String(), r.ScreeningID.String(), r.BuyerID,
		string(r.Status), r.ExpiresAt, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return classify(err)
	}
	return nil
}

// UpdateSeatStatus transitions a seat's status. The caller must already
// hold the row lock via FetchAndLockSeat (or an equivalent lock acquired by
// one of the fetch-and-lock-reservation methods below).
func (s *Session) UpdateSeatStatus(ctx context.Context, seatID uuid.UUID, status model.SeatStatus) error {
	const q = `UPDATE seats SET status = ?, updated_at = ? WHERE id = ?`
	_, err := s.tx.ExecContext(ctx, q, string(status), time.Now().UTC(), seatID.String())
	if err != nil {
		return classify(err)
	}
	return nil
}

// UpdateReservationStatus transitions a reservation's status.
func (s *Session) UpdateReservationStatus(ctx context.Context, reservationID uuid.UUID, status model.ReservationStatus) error {
	const q = `UPDATE reservations SET status = ?, updated_at = ? WHERE id = ?`
	_, err := s.tx.ExecContext(ctx, q, string(status), time.Now().UTC(), reservationID.String())
	if err != nil {
		return classify(err)
	}
	return nil
}

// InsertSale creates the append-only sale record for a confirmed
// reservation.
func (s *Session) InsertSale(ctx context.Context, sale *model.Sale) error {
	const q = `INSERT INTO sales (id, seat_id, buyer_id, reservation_id, amount, paid_at, created_at)
	           VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.tx.ExecContext(ctx, q,
		sale.ID.String(), sale.SeatID.String(), sale.BuyerID, sale.ReservationID.String(),
		sale.Amount.String(), sale.PaidAt, sale.CreatedAt)
	if err != nil {
		return classify(err)
	}
	return nil
}

// FindSaleByReservation looks up the sale for a reservation. Used by the
// Confirm Payment idempotency short-circuit (spec §4.4.2 step 3).
func (s *Session) FindSaleByReservation(ctx context.Context, reservationID uuid.UUID) (*model.Sale, error) {
	const q = `SELECT id, seat_id, buyer_id, reservation_id, amount, paid_at, created_at
	           FROM sales WHERE reservation_id = ?`
	row := s.tx.QueryRowContext(ctx, q, reservationID.String())
	return scanSale(row)
}

func scanSale(row *sql.Row) (*model.Sale, error) {
	var sale model.Sale
	var id, seatID, reservationID, amount string
	if err := row.Scan(&id, &seatID, &sale.BuyerID, &reservationID, &amount, &sale.PaidAt, &sale.CreatedAt); err != nil {
		return nil, classify(err)
	}
	var err error
	if sale.ID, err = uuid.Parse(id); err != nil {
		return nil, coreerr.Wrap(coreerr.InvalidState, "sale id is not a valid uuid", err)
	}
	if sale.SeatID, err = uuid.Parse(seatID); err != nil {
		return nil, coreerr.Wrap(coreerr.InvalidState, "sale seat id is not a valid uuid", err)
	}
	if sale.ReservationID, err = uuid.Parse(reservationID); err != nil {
		return nil, coreerr.Wrap(coreerr.InvalidState, "sale reservation id is not a valid uuid", err)
	}
	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.InvalidState, "sale amount is not a valid decimal", err)
	}
	sale.Amount = dec
	return &sale, nil
}

// LockedReservation bundles a locked reservation with the seat and
// screening it belongs to — exactly what Confirm Payment needs to decide
// the next transition without a second round trip. Expire uses the
// narrower FetchAndLockReservationWithSeat instead.
type LockedReservation struct {
	Reservation model.Reservation
	Seat        model.Seat
	Screening   model.Screening
}

// FetchAndLockReservationForBuyer locks the reservation row (joined with
// its seat and screening) identified by reservationID, constrained to
// buyerID. A foreign buyer is indistinguishable from a missing reservation
// (spec §4.4.2's ownership-isolation rule) — both return coreerr.NotFound.
func (s *Session) FetchAndLockReservationForBuyer(ctx context.Context, reservationID uuid.UUID, buyerID string) (*LockedReservation, error) {
	const q = `SELECT r.id, r.seat_id, r.screening_id, r.buyer_id, r.status, r.expires_at, r.created_at, r.updated_at,
	                  se.label, se.row_label, se.status,
	                  sc.movie_name, sc.starts_at, sc.room_number, sc.ticket_price, sc.is_active, sc.created_at, sc.updated_at
	           FROM reservations r
	           JOIN seats se ON se.id = r.seat_id
	           JOIN screenings sc ON sc.id = r.screening_id
	           WHERE r.id = ? AND r.buyer_id = ?
	           FOR UPDATE`
	row := s.tx.QueryRowContext(ctx, q, reservationID.String(), buyerID)
	return scanLockedReservation(row)
}

// FetchAndLockReservationWithSeat locks the reservation row (joined with
// its seat) identified by reservationID, with no ownership constraint —
// used by Expire, which is driven by the delay queue rather than a buyer
// request.
func (s *Session) FetchAndLockReservationWithSeat(ctx context.Context, reservationID uuid.UUID) (*model.Reservation, *model.Seat, error) {
	const q = `SELECT r.id, r.seat_id, r.screening_id, r.buyer_id, r.status, r.expires_at, r.created_at, r.updated_at,
	                  se.label, se.row_label, se.status
	           FROM reservations r
	           JOIN seats se ON se.id = r.seat_id
	           WHERE r.id = ?
	           FOR UPDATE`
	row := s.tx.QueryRowContext(ctx, q, reservationID.String())
	var res model.Reservation
	var seat model.Seat
	var resID, seatID, screeningID, resStatus, seatStatus string
	err := row.Scan(&resID, &seatID, &screeningID, &res.BuyerID, &resStatus, &res.ExpiresAt, &res.CreatedAt, &res.UpdatedAt,
		&seat.Label, &seat.RowLabel, &seatStatus)
	if err != nil {
		return nil, nil, classify(err)
	}
	if err := fillUUIDs(&res.ID, resID, &res.SeatID, seatID, &res.ScreeningID, screeningID); err != nil {
		return nil, nil, err
	}
	res.Status = model.ReservationStatus(resStatus)
	seat.ID = res.SeatID
	seat.ScreeningID = res.ScreeningID
	seat.Status = model.SeatStatus(seatStatus)
	return &res, &seat, nil
}

func scanLockedReservation(row *sql.Row) (*LockedReservation, error) {
	var l LockedReservation
	var resID, seatID, screeningID, resStatus, seatStatus, scID, price string
	err := row.Scan(&resID, &seatID, &screeningID, &l.Reservation.BuyerID, &resStatus, &l.Reservation.ExpiresAt,
		&l.Reservation.CreatedAt, &l.Reservation.UpdatedAt,
		&l.Seat.Label, &l.Seat.RowLabel, &seatStatus,
		&l.Screening.MovieName, &l.Screening.StartTime, &l.Screening.RoomNumber, &price, &l.Screening.IsActive,
		&l.Screening.CreatedAt, &l.Screening.UpdatedAt)
	if err != nil {
		return nil, classify(err)
	}
	if err := fillUUIDs(&l.Reservation.ID, resID, &l.Reservation.SeatID, seatID, &l.Reservation.ScreeningID, screeningID); err != nil {
		return nil, err
	}
	l.Reservation.Status = model.ReservationStatus(resStatus)
	l.Seat.ID = l.Reservation.SeatID
	l.Seat.ScreeningID = l.Reservation.ScreeningID
	l.Seat.Status = model.SeatStatus(seatStatus)
	l.Screening.ID = l.Reservation.ScreeningID
	dec, err := decimal.NewFromString(price)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.InvalidState, "ticket price is not a valid decimal", err)
	}
	l.Screening.TicketPrice = dec
	return &l, nil
}

func fillUUIDs(dst1 *uuid.UUID, s1 string, dst2 *uuid.UUID, s2 string, dst3 *uuid.UUID, s3 string) error {
	var err error
	if *dst1, err = uuid.Parse(s1); err != nil {
		return coreerr.Wrap(coreerr.InvalidState, "id is not a valid uuid", err)
	}
	if *dst2, err = uuid.Parse(s2); err != nil {
		return coreerr.Wrap(coreerr.InvalidState, "id is not a valid uuid", err)
	}
	if *dst3, err = uuid.Parse(s3); err != nil {
		return coreerr.Wrap(coreerr.InvalidState, "id is not a valid uuid", err)
	}
	return nil
}

// PendingSibling is a PENDING reservation returned by
// FetchAndLockPendingSiblings, carrying its seat's label alongside it since
// Confirm Payment needs the label for the payment.confirmed event payload
// (spec §4.3) and the reservation row alone doesn't have it.
type PendingSibling struct {
	Reservation model.Reservation
	SeatLabel   string
}

// FetchAndLockPendingSiblings locks every PENDING reservation sharing key's
// {buyerId, screeningId, expiresAt} fingerprint, in a stable order (by seat
// label) so that two Confirm Payment calls racing on overlapping groups
// never form a lock-wait cycle distinct from the one Create Hold already
// avoids (spec §4.4.2 step 6).
func (s *Session) FetchAndLockPendingSiblings(ctx context.Context, key model.BookingGroupKey) ([]PendingSibling, error) {
	const q = `SELECT r.id, r.seat_id, r.screening_id, r.buyer_id, r.status, r.expires_at, r.created_at, r.updated_at, se.label
	           FROM reservations r
	           JOIN seats se ON se.id = r.seat_id
	           WHERE r.buyer_id = ? AND r.screening_id = ? AND r.expires_at = ? AND r.status = ?
	           ORDER BY se.label
	           FOR UPDATE`
	rows, err := s.tx.QueryContext(ctx, q, key.BuyerID, key.ScreeningID.String(), key.ExpiresAt, string(model.ReservationPending))
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []PendingSibling
	for rows.Next() {
		var r model.Reservation
		var id, seatID, screeningID, status, label string
		if err := rows.Scan(&id, &seatID, &screeningID, &r.BuyerID, &status, &r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt, &label); err != nil {
			return nil, classify(err)
		}
		if err := fillUUIDs(&r.ID, id, &r.SeatID, seatID, &r.ScreeningID, screeningID); err != nil {
			return nil, err
		}
		r.Status = model.ReservationStatus(status)
		out = append(out, PendingSibling{Reservation: r, SeatLabel: label})
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

// ListReservationsByUser is the one supplemental, lock-free read named in
// SPEC_FULL.md §C — grounded on the teacher's ReservationRepo.ListByUser.
// It is intentionally not part of Session (it takes no lock and needs no
// transaction) and lives on Gateway instead.
func (g *Gateway) ListReservationsByUser(ctx context.Context, buyerID string) ([]model.Reservation, error) {
	const q = `SELECT id, seat_id, screening_id, buyer_id, status, expires_at, created_at, updated_at
	           FROM reservations WHERE buyer_id = ? ORDER BY created_at DESC`
	rows, err := g.db.QueryContext(ctx, q, buyerID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []model.Reservation
	for rows.Next() {
		var r model.Reservation
		var id, seatID, screeningID, status string
		if err := rows.Scan(&id, &seatID, &screeningID, &r.BuyerID, &status, &r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, classify(err)
		}
		if err := fillUUIDs(&r.ID, id, &r.SeatID, seatID, &r.ScreeningID, screeningID); err != nil {
			return nil, err
		}
		r.Status = model.ReservationStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

// cachedScreeningKey builds the Redis key for the screening read-through
// cache, following the teacher's middleware/cache.go key-prefix convention.
func cachedScreeningKey(id uuid.UUID) string {
	return fmt.Sprintf("screening:%s", id.String())
}

// GetScreeningCached is GetScreening fronted by a short-TTL Redis read,
// used by the coordinator on the Create Hold path where staleness of a few
// seconds is harmless (the lock on each seat is what actually guarantees
// correctness, not this read). Falls through to MySQL and repopulates the
// cache on a miss or a cache error.
func (g *Gateway) GetScreeningCached(ctx context.Context, s *Session, screeningID uuid.UUID) (*model.Screening, error) {
	if g.cache != nil {
		if raw, err := g.cache.Get(ctx, cachedScreeningKey(screeningID)).Bytes(); err == nil {
			var cached cachedScreening
			if jsonErr := json.Unmarshal(raw, &cached); jsonErr == nil {
				return cached.toModel()
			}
		}
	}
	sc, err := s.GetScreening(ctx, screeningID)
	if err != nil {
		return nil, err
	}
	if g.cache != nil {
		if payload, mErr := json.Marshal(newCachedScreening(sc)); mErr == nil {
			_ = g.cache.Set(ctx, cachedScreeningKey(screeningID), payload, g.cacheTTL).Err()
		}
	}
	return sc, nil
}

// cachedScreening is the JSON-serializable shape stored in Redis; it avoids
// round-tripping decimal.Decimal and uuid.UUID through their default JSON
// encodings so a future encoding change to either type can't silently break
// cache reads.
type cachedScreening struct {
	ID          string `json:"id"`
	MovieName   string `json:"movie_name"`
	StartTime   string `json:"start_time"`
	RoomNumber  string `json:"room_number"`
	TicketPrice string `json:"ticket_price"`
	IsActive    bool   `json:"is_active"`
}

func newCachedScreening(sc *model.Screening) cachedScreening {
	return cachedScreening{
		ID:          sc.ID.String(),
		MovieName:   sc.MovieName,
		StartTime:   sc.StartTime.UTC().Format(time.RFC3339Nano),
		RoomNumber:  sc.RoomNumber,
		TicketPrice: sc.TicketPrice.String(),
		IsActive:    sc.IsActive,
	}
}

func (c cachedScreening) toModel() (*model.Screening, error) {
	id, err := uuid.Parse(c.ID)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.InvalidState, "cached screening id is not a valid uuid", err)
	}
	start, err := time.Parse(time.RFC3339Nano, c.StartTime)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.InvalidState, "cached screening start time is invalid", err)
	}
	price, err := decimal.NewFromString(c.TicketPrice)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.InvalidState, "cached screening price is invalid", err)
	}
	return &model.Screening{ID: id, MovieName: c.MovieName, StartTime: start, RoomNumber: c.RoomNumber, TicketPrice: price, IsActive: c.IsActive}, nil
}
