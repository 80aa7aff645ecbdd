// Package coordinator implements the Reservation Coordinator (spec §4.4):
// Create Hold, Confirm Payment, and Expire — the reservation state machine,
// its locking discipline, the booking-group confirm rule, and the
// idempotency checks that make every operation safe under at-least-once
// redelivery. Grounded on the teacher's internal/handler/customer_reservation.go
// (HoldSeats/ConfirmSeats), with the SQL collapsed behind internal/store and
// retry/scheduling/eventing pulled out into their own composable pieces.
package coordinator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/boxofficeoss/reservation-core/internal/coreerr"
	"github.com/boxofficeoss/reservation-core/internal/delay"
	"github.com/boxofficeoss/reservation-core/internal/events"
	"github.com/boxofficeoss/reservation-core/internal/metrics"
	"github.com/boxofficeoss/reservation-core/internal/model"
	"github.com/boxofficeoss/reservation-core/internal/retry"
	"github.com/boxofficeoss/reservation-core/internal/store"
)

// Coordinator wires the Inventory Store Gateway to the Delay Scheduler and
// Event Publisher behind narrow interfaces so both are fakeable in tests;
// the store dependency stays a concrete *store.Gateway, mirroring the
// teacher's direct-repository-pointer style in its handlers.
type Coordinator struct {
	store     *store.Gateway
	scheduler delay.Scheduler
	publisher events.Publisher
	retry     retry.Config
	ttl       time.Duration
	log       *zap.SugaredLogger
	mx        *metrics.Metrics

	// now is overridable in tests; defaults to time.Now.
	now func() time.Time
}

// New constructs a Coordinator. ttl is the Create Hold default hold
// duration (spec §6.4 reservationTtlSeconds); retryCfg governs the
// STORE_CONFLICT backoff wrapper (spec §4.4.1/§9). mx may be nil, in which
// case retries go unmetered.
func New(gw *store.Gateway, sched delay.Scheduler, pub events.Publisher, ttl time.Duration, retryCfg retry.Config, mx *metrics.Metrics, log *zap.SugaredLogger) *Coordinator {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if mx != nil {
		retryCfg.OnRetry = mx.RetryAttempts.Inc
		retryCfg.OnExhausted = mx.RetryExhausted.Inc
	}
	return &Coordinator{store: gw, scheduler: sched, publisher: pub, retry: retryCfg, ttl: ttl, log: log, mx: mx, now: time.Now}
}

// CreateHoldInput is the Create Hold command (spec §6.1).
type CreateHoldInput struct {
	ScreeningID uuid.UUID
	SeatLabels  []string
	BuyerID     string
}

// CreateHold implements spec §4.4.1. It sorts and deduplicates seat labels,
// locks each seat in that deterministic order (the cross-seat deadlock
// avoidance the spec relies on), and atomically reserves all of them —
// failure on any one seat rolls back the entire request.
func (c *Coordinator) CreateHold(ctx context.Context, in CreateHoldInput) ([]model.Reservation, error) {
	labels, err := sortedDedupedLabels(in.SeatLabels)
	if err != nil {
		return nil, err
	}
	if in.BuyerID == "" {
		return nil, coreerr.New(coreerr.InvalidRequest, "userId is required")
	}
	expiresAt := c.now().UTC().Add(c.ttl)

	var reservations []model.Reservation
	err = retry.Do(ctx, c.retry, func(ctx context.Context) error {
		reservations = nil
		sess, err := c.store.Begin(ctx)
		if err != nil {
			return err
		}
		committed := false
		defer func() {
			if !committed {
				_ = sess.Rollback()
			}
		}()

		screening, err := c.store.GetScreeningCached(ctx, sess, in.ScreeningID)
		if err != nil {
			if coreerr.Is(err, coreerr.NotFound) {
				return coreerr.New(coreerr.NotFound, fmt.Sprintf("screening %s not found", in.ScreeningID))
			}
			return err
		}
		if !screening.IsActive {
			return coreerr.New(coreerr.Conflict, fmt.Sprintf("screening %s is not active", in.ScreeningID))
		}

		for _, label := range labels {
			seat, err := sess.FetchAndLockSeat(ctx, in.ScreeningID, label)
			if err != nil {
				if coreerr.Is(err, coreerr.NotFound) {
					return coreerr.New(coreerr.NotFound, fmt.Sprintf("seat %s not found", label))
				}
				return err
			}
			if seat.Status != model.SeatAvailable {
				return coreerr.New(coreerr.Conflict, fmt.Sprintf("seat %s is not available (current status: %s)", label, seat.Status))
			}
			if err := sess.UpdateSeatStatus(ctx, seat.ID, model.SeatReserved); err != nil {
				return err
			}
			res := model.Reservation{
				ID:          uuid.New(),
				SeatID:      seat.ID,
				ScreeningID: in.ScreeningID,
				BuyerID:     in.BuyerID,
				Status:      model.ReservationPending,
				ExpiresAt:   expiresAt,
				CreatedAt:   c.now().UTC(),
				UpdatedAt:   c.now().UTC(),
			}
			if err := sess.InsertReservation(ctx, &res); err != nil {
				return err
			}
			reservations = append(reservations, res)
		}

		if err := sess.Commit(); err != nil {
			return err
		}
		committed = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.afterCreateHold(ctx, reservations, labels)
	return reservations, nil
}

// afterCreateHold runs the post-commit side effects of spec §4.4.1 step 5.
// BROKER_UNAVAILABLE here is logged, never surfaced — the transaction has
// already committed (spec §7).
func (c *Coordinator) afterCreateHold(ctx context.Context, reservations []model.Reservation, labels []string) {
	for i, res := range reservations {
		label := labels[i]
		payload := events.ReservationCreatedPayload{
			ReservationID: res.ID,
			ScreeningID:   res.ScreeningID,
			SeatID:        res.SeatID,
			SeatLabel:     label,
			BuyerID:       res.BuyerID,
			ExpiresAt:     res.ExpiresAt,
		}
		if err := c.publisher.Publish(ctx, events.EventReservationCreated, payload); err != nil {
			c.log.Warnw("reservation.created publish failed", "reservation_id", res.ID, "error", err)
		}
		expirePayload := delay.ExpirePayload{
			ReservationID: res.ID,
			ScreeningID:   res.ScreeningID,
			BuyerID:       res.BuyerID,
			ExpiresAt:     res.ExpiresAt,
		}
		if err := c.scheduler.Schedule(ctx, expirePayload, c.ttl); err != nil {
			c.log.Warnw("expire schedule failed", "reservation_id", res.ID, "error", err)
		}
	}
}

// sortedDedupedLabels sorts labels lexicographically and rejects duplicates
// or an empty list, per spec §4.4.1 step 1.
func sortedDedupedLabels(labels []string) ([]string, error) {
	if len(labels) == 0 {
		return nil, coreerr.New(coreerr.InvalidRequest, "seatLabels must be non-empty")
	}
	sorted := make([]string, len(labels))
	copy(sorted, labels)
	sort.Strings(sorted)
	for i := 1; i < len(sorted); i++ {
		if sorted[i] == sorted[i-1] {
			return nil, coreerr.New(coreerr.InvalidRequest, fmt.Sprintf("duplicate seat label %q", sorted[i]))
		}
	}
	return sorted, nil
}

// ConfirmPaymentInput is the Confirm Payment command (spec §6.1).
type ConfirmPaymentInput struct {
	ReservationID uuid.UUID
	BuyerID       string
}

// ConfirmPayment implements spec §4.4.2: locate the reservation constrained
// to its buyer, short-circuit if already confirmed, otherwise promote the
// whole booking group to CONFIRMED/SOLD atomically and return the sale
// matching the input reservation.
func (c *Coordinator) ConfirmPayment(ctx context.Context, in ConfirmPaymentInput) (*model.Sale, error) {
	if in.BuyerID == "" {
		return nil, coreerr.New(coreerr.InvalidRequest, "userId is required")
	}

	var targetSale *model.Sale
	var groupSales []confirmedSale
	var newlyConfirmed bool

	err := retry.Do(ctx, c.retry, func(ctx context.Context) error {
		targetSale = nil
		groupSales = nil
		newlyConfirmed = false

		sess, err := c.store.Begin(ctx)
		if err != nil {
			return err
		}
		committed := false
		defer func() {
			if !committed {
				_ = sess.Rollback()
			}
		}()

		locked, err := sess.FetchAndLockReservationForBuyer(ctx, in.ReservationID, in.BuyerID)
		if err != nil {
			if coreerr.Is(err, coreerr.NotFound) {
				return coreerr.New(coreerr.NotFound, fmt.Sprintf("reservation %s not found", in.ReservationID))
			}
			return err
		}

		if locked.Reservation.Status == model.ReservationConfirmed {
			sale, err := sess.FindSaleByReservation(ctx, in.ReservationID)
			if err != nil {
				if coreerr.Is(err, coreerr.NotFound) {
					return coreerr.New(coreerr.InvalidState, fmt.Sprintf("reservation %s is confirmed but has no sale", in.ReservationID))
				}
				return err
			}
			if err := sess.Commit(); err != nil {
				return err
			}
			committed = true
			targetSale = sale
			return nil
		}

		if locked.Reservation.Status != model.ReservationPending {
			return coreerr.New(coreerr.Conflict, fmt.Sprintf("reservation is not pending (status: %s)", locked.Reservation.Status))
		}
		if c.now().UTC().After(locked.Reservation.ExpiresAt) {
			return coreerr.New(coreerr.Conflict, "reservation has expired")
		}

		key := model.BookingGroupKey{BuyerID: in.BuyerID, ScreeningID: locked.Reservation.ScreeningID, ExpiresAt: locked.Reservation.ExpiresAt}
		siblings, err := sess.FetchAndLockPendingSiblings(ctx, key)
		if err != nil {
			return err
		}

		paidAt := c.now().UTC()
		for _, sib := range siblings {
			res := sib.Reservation
			if err := sess.UpdateReservationStatus(ctx, res.ID, model.ReservationConfirmed); err != nil {
				return err
			}
			if err := sess.UpdateSeatStatus(ctx, res.SeatID, model.SeatSold); err != nil {
				return err
			}
			sale := model.Sale{
				ID:            uuid.New(),
				SeatID:        res.SeatID,
				BuyerID:       res.BuyerID,
				ReservationID: res.ID,
				Amount:        locked.Screening.TicketPrice,
				PaidAt:        paidAt,
				CreatedAt:     paidAt,
			}
			if err := sess.InsertSale(ctx, &sale); err != nil {
				return err
			}
			groupSales = append(groupSales, confirmedSale{Sale: sale, ScreeningID: res.ScreeningID, SeatLabel: sib.SeatLabel})
			if res.ID == in.ReservationID {
				sale := sale
				targetSale = &sale
			}
		}

		if err := sess.Commit(); err != nil {
			return err
		}
		committed = true
		newlyConfirmed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if targetSale == nil {
		return nil, coreerr.New(coreerr.InvalidState, "confirm payment produced no sale for the target reservation")
	}

	if newlyConfirmed {
		c.afterConfirmPayment(ctx, groupSales)
	}
	return targetSale, nil
}

// confirmedSale pairs a sale with the denormalized fields its
// payment.confirmed event needs (spec §4.3) but that model.Sale itself
// doesn't carry.
type confirmedSale struct {
	Sale        model.Sale
	ScreeningID uuid.UUID
	SeatLabel   string
}

// afterConfirmPayment emits payment.confirmed for every sale created in the
// group, per spec §4.4.2 step 9.
func (c *Coordinator) afterConfirmPayment(ctx context.Context, sales []confirmedSale) {
	for _, cs := range sales {
		sale := cs.Sale
		payload := events.PaymentConfirmedPayload{
			ReservationID: sale.ReservationID,
			SaleID:        sale.ID,
			ScreeningID:   cs.ScreeningID,
			SeatID:        sale.SeatID,
			SeatLabel:     cs.SeatLabel,
			BuyerID:       sale.BuyerID,
			Amount:        sale.Amount,
			PaidAt:        sale.PaidAt,
		}
		if err := c.publisher.Publish(ctx, events.EventPaymentConfirmed, payload); err != nil {
			c.log.Warnw("payment.confirmed publish failed", "sale_id", sale.ID, "error", err)
		}
	}
}

// ExpireResult reports whether Expire actually released a seat, or noop'd —
// the Expiration Consumer uses this to decide whether to re-publish with
// residual delay (spec §9 Open Question 1; see internal/consumer).
type ExpireResult struct {
	// Released is true only when this call transitioned the reservation
	// PENDING -> EXPIRED. False covers every benign noop: missing
	// reservation, already-terminal status, or early fire.
	Released bool
	// EarlyFire is true when the reservation is still PENDING but its
	// deadline has not yet passed — the scheduler fired before the TTL
	// elapsed (broker jitter). ExpiresAt is populated so the consumer can
	// compute the residual delay.
	EarlyFire bool
	ExpiresAt time.Time
}

// Expire implements spec §4.4.3. It is idempotent: invoking it any number
// of times on the same reservation converges to the same terminal state.
func (c *Coordinator) Expire(ctx context.Context, reservationID uuid.UUID) (ExpireResult, error) {
	var result ExpireResult
	var expiredReservation model.Reservation
	var expiredSeat model.Seat

	err := retry.Do(ctx, c.retry, func(ctx context.Context) error {
		result = ExpireResult{}

		sess, err := c.store.Begin(ctx)
		if err != nil {
			return err
		}
		committed := false
		defer func() {
			if !committed {
				_ = sess.Rollback()
			}
		}()

		res, seat, err := sess.FetchAndLockReservationWithSeat(ctx, reservationID)
		if err != nil {
			if coreerr.Is(err, coreerr.NotFound) {
				return sess.Commit() // benign: reservation purged, nothing to do.
			}
			return err
		}

		if res.Status != model.ReservationPending {
			return sess.Commit() // already terminal.
		}

		if c.now().UTC().Before(res.ExpiresAt) || c.now().UTC().Equal(res.ExpiresAt) {
			result.EarlyFire = true
			result.ExpiresAt = res.ExpiresAt
			return sess.Commit() // timer fired early; leave pending for a later attempt.
		}

		if err := sess.UpdateReservationStatus(ctx, res.ID, model.ReservationExpired); err != nil {
			return err
		}
		if err := sess.UpdateSeatStatus(ctx, seat.ID, model.SeatAvailable); err != nil {
			return err
		}

		if err := sess.Commit(); err != nil {
			return err
		}
		committed = true
		result.Released = true
		result.ExpiresAt = res.ExpiresAt
		expiredReservation = *res
		expiredSeat = *seat
		return nil
	})
	if err != nil {
		return ExpireResult{}, err
	}

	if result.Released {
		c.afterExpire(ctx, expiredReservation, expiredSeat)
	}
	return result, nil
}

// afterExpire emits reservation.expired and seat.released, per spec §4.4.3
// step 7.
func (c *Coordinator) afterExpire(ctx context.Context, res model.Reservation, seat model.Seat) {
	expiredPayload := events.ReservationExpiredPayload{
		ReservationID: res.ID,
		ScreeningID:   res.ScreeningID,
		SeatID:        res.SeatID,
		SeatLabel:     seat.Label,
		BuyerID:       res.BuyerID,
		ExpiredAt:     c.now().UTC(),
	}
	if err := c.publisher.Publish(ctx, events.EventReservationExpired, expiredPayload); err != nil {
		c.log.Warnw("reservation.expired publish failed", "reservation_id", res.ID, "error", err)
	}
	releasedPayload := events.SeatReleasedPayload{
		SeatID:      seat.ID,
		ScreeningID: res.ScreeningID,
		SeatLabel:   seat.Label,
		ReleasedAt:  c.now().UTC(),
	}
	if err := c.publisher.Publish(ctx, events.EventSeatReleased, releasedPayload); err != nil {
		c.log.Warnw("seat.released publish failed", "seat_id", seat.ID, "error", err)
	}
}

// ListReservationsByUser is the read-only query named in the supplemental
// query surface (spec §6.1) — it never locks and bypasses Coordinator
// retry/transaction machinery entirely.
func (c *Coordinator) ListReservationsByUser(ctx context.Context, buyerID string) ([]model.Reservation, error) {
	return c.store.ListReservationsByUser(ctx, buyerID)
}
