package coordinator_test

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boxofficeoss/reservation-core/internal/coordinator"
	"github.com/boxofficeoss/reservation-core/internal/coreerr"
	"github.com/boxofficeoss/reservation-core/internal/delay"
	"github.com/boxofficeoss/reservation-core/internal/retry"
	"github.com/boxofficeoss/reservation-core/internal/store"
)

// fakeScheduler and fakePublisher stand in for the broker-backed
// implementations — the Coordinator depends on their interfaces, not on
// AMQP directly, so these are all a test needs.
type fakeScheduler struct {
	scheduled []delay.ExpirePayload
}

func (f *fakeScheduler) Schedule(ctx context.Context, payload delay.ExpirePayload, d time.Duration) error {
	f.scheduled = append(f.scheduled, payload)
	return nil
}

type fakePublisher struct {
	published []string
}

func (f *fakePublisher) Publish(ctx context.Context, eventName string, payload any) error {
	f.published = append(f.published, eventName)
	return nil
}

func testRetryConfig() retry.Config {
	return retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond}
}

func newCoordinator(t *testing.T) (*coordinator.Coordinator, sqlmock.Sqlmock, *fakeScheduler, *fakePublisher) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	gw := store.NewGateway(db, nil, time.Minute, nil)
	sched := &fakeScheduler{}
	pub := &fakePublisher{}
	coord := coordinator.New(gw, sched, pub, 30*time.Second, testRetryConfig(), nil, nil)
	return coord, mock, sched, pub
}

func TestCreateHold_RejectsEmptyLabels(t *testing.T) {
	coord, _, _, _ := newCoordinator(t)
	_, err := coord.CreateHold(context.Background(), coordinator.CreateHoldInput{
		ScreeningID: uuid.New(),
		SeatLabels:  nil,
		BuyerID:     "u1",
	})
	require.Error(t, err)
	assert.True(t, coreerr.Is(err, coreerr.InvalidRequest))
}

func TestCreateHold_RejectsDuplicateLabels(t *testing.T) {
	coord, _, _, _ := newCoordinator(t)
	_, err := coord.CreateHold(context.Background(), coordinator.CreateHoldInput{
		ScreeningID: uuid.New(),
		SeatLabels:  []string{"A1", "A1"},
		BuyerID:     "u1",
	})
	require.Error(t, err)
	assert.True(t, coreerr.Is(err, coreerr.InvalidRequest))
}

func TestCreateHold_RejectsMissingBuyer(t *testing.T) {
	coord, _, _, _ := newCoordinator(t)
	_, err := coord.CreateHold(context.Background(), coordinator.CreateHoldInput{
		ScreeningID: uuid.New(),
		SeatLabels:  []string{"A1"},
		BuyerID:     "",
	})
	require.Error(t, err)
	assert.True(t, coreerr.Is(err, coreerr.InvalidRequest))
}

func TestCreateHold_HappyPath_LocksSeatsInSortedOrder(t *testing.T) {
	coord, mock, sched, pub := newCoordinator(t)
	screeningID := uuid.New()
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, movie_name, starts_at, room_number, ticket_price, is_active, created_at, updated_at FROM screenings WHERE id = ?")).
		WithArgs(screeningID.String()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "movie_name", "starts_at", "room_number", "ticket_price", "is_active", "created_at", "updated_at"}).
			AddRow(screeningID.String(), "Dune", now, "1", "12.50", true, now, now))

	// CreateHold sorts ["A2","A1"] -> ["A1","A2"]; expect locks in that order.
	for _, label := range []string{"A1", "A2"} {
		seatID := uuid.New()
		mock.ExpectQuery(regexp.QuoteMeta("SELECT id, screening_id, label, row_label, status, created_at, updated_at")).
			WithArgs(screeningID.String(), label).
			WillReturnRows(sqlmock.NewRows([]string{"id", "screening_id", "label", "row_label", "status", "created_at", "updated_at"}).
				AddRow(seatID.String(), screeningID.String(), label, label[:1], "AVAILABLE", now, now))
		mock.ExpectExec(regexp.QuoteMeta("UPDATE seats SET status = ?, updated_at = ? WHERE id = ?")).
			WithArgs("RESERVED", sqlmock.AnyArg(), seatID.String()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO reservations")).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	reservations, err := coord.CreateHold(context.Background(), coordinator.CreateHoldInput{
		ScreeningID: screeningID,
		SeatLabels:  []string{"A2", "A1"},
		BuyerID:     "u1",
	})
	require.NoError(t, err)
	require.Len(t, reservations, 2)
	assert.Equal(t, reservations[0].ExpiresAt, reservations[1].ExpiresAt)
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Len(t, sched.scheduled, 2)
	assert.Len(t, pub.published, 2)
}

func TestCreateHold_SeatNotAvailable_RollsBack(t *testing.T) {
	coord, mock, _, _ := newCoordinator(t)
	screeningID := uuid.New()
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, movie_name")).
		WithArgs(screeningID.String()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "movie_name", "starts_at", "room_number", "ticket_price", "is_active", "created_at", "updated_at"}).
			AddRow(screeningID.String(), "Dune", now, "1", "12.50", true, now, now))
	seatID := uuid.New()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, screening_id, label")).
		WithArgs(screeningID.String(), "A1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "screening_id", "label", "row_label", "status", "created_at", "updated_at"}).
			AddRow(seatID.String(), screeningID.String(), "A1", "A", "SOLD", now, now))
	mock.ExpectRollback()

	_, err := coord.CreateHold(context.Background(), coordinator.CreateHoldInput{
		ScreeningID: screeningID,
		SeatLabels:  []string{"A1"},
		BuyerID:     "u1",
	})
	require.Error(t, err)
	assert.True(t, coreerr.Is(err, coreerr.Conflict))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConfirmPayment_RejectsMissingBuyer(t *testing.T) {
	coord, _, _, _ := newCoordinator(t)
	_, err := coord.ConfirmPayment(context.Background(), coordinator.ConfirmPaymentInput{
		ReservationID: uuid.New(),
		BuyerID:       "",
	})
	require.Error(t, err)
	assert.True(t, coreerr.Is(err, coreerr.InvalidRequest))
}

func TestConfirmPayment_GroupConfirm_PromotesAllSiblingsAtomically(t *testing.T) {
	coord, mock, _, pub := newCoordinator(t)
	screeningID := uuid.New()
	res1, res2 := uuid.New(), uuid.New()
	seat1, seat2 := uuid.New(), uuid.New()
	now := time.Now().UTC()
	expiresAt := now.Add(30 * time.Second)

	mock.ExpectBegin()
	// FetchAndLockReservationForBuyer, locking the target reservation.
	mock.ExpectQuery(regexp.QuoteMeta("JOIN screenings sc")).
		WithArgs(res1.String(), "u1").
		WillReturnRows(sqlmock.NewRows([]string{
			"r.id", "r.seat_id", "r.screening_id", "r.buyer_id", "r.status", "r.expires_at", "r.created_at", "r.updated_at",
			"se.label", "se.row_label", "se.status",
			"sc.movie_name", "sc.starts_at", "sc.room_number", "sc.ticket_price", "sc.is_active", "sc.created_at", "sc.updated_at",
		}).AddRow(
			res1.String(), seat1.String(), screeningID.String(), "u1", "PENDING", expiresAt, now, now,
			"A1", "A", "RESERVED",
			"Dune", now, "1", "10.00", true, now, now,
		))

	// FetchAndLockPendingSiblings, locking both reservations in the group in
	// seat-label order.
	mock.ExpectQuery(regexp.QuoteMeta("FROM reservations r")).
		WithArgs("u1", screeningID.String(), expiresAt, "PENDING").
		WillReturnRows(sqlmock.NewRows([]string{"id", "seat_id", "screening_id", "buyer_id", "status", "expires_at", "created_at", "updated_at", "label"}).
			AddRow(res1.String(), seat1.String(), screeningID.String(), "u1", "PENDING", expiresAt, now, now, "A1").
			AddRow(res2.String(), seat2.String(), screeningID.String(), "u1", "PENDING", expiresAt, now, now, "A2"))

	for _, ids := range []struct{ res, seat uuid.UUID }{{res1, seat1}, {res2, seat2}} {
		mock.ExpectExec(regexp.QuoteMeta("UPDATE reservations SET status = ?, updated_at = ? WHERE id = ?")).
			WithArgs("CONFIRMED", sqlmock.AnyArg(), ids.res.String()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("UPDATE seats SET status = ?, updated_at = ? WHERE id = ?")).
			WithArgs("SOLD", sqlmock.AnyArg(), ids.seat.String()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO sales")).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	sale, err := coord.ConfirmPayment(context.Background(), coordinator.ConfirmPaymentInput{
		ReservationID: res1,
		BuyerID:       "u1",
	})
	require.NoError(t, err)
	require.NotNil(t, sale)
	assert.Equal(t, res1, sale.ReservationID)
	assert.Equal(t, seat1, sale.SeatID)
	assert.True(t, decimal.RequireFromString("10.00").Equal(sale.Amount))
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, []string{"payment.confirmed", "payment.confirmed"}, pub.published)
}

func TestConfirmPayment_AlreadyConfirmed_ReplaysSameSaleWithoutReprocessing(t *testing.T) {
	coord, mock, sched, pub := newCoordinator(t)
	screeningID := uuid.New()
	reservationID := uuid.New()
	seatID := uuid.New()
	saleID := uuid.New()
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("JOIN screenings sc")).
		WithArgs(reservationID.String(), "u1").
		WillReturnRows(sqlmock.NewRows([]string{
			"r.id", "r.seat_id", "r.screening_id", "r.buyer_id", "r.status", "r.expires_at", "r.created_at", "r.updated_at",
			"se.label", "se.row_label", "se.status",
			"sc.movie_name", "sc.starts_at", "sc.room_number", "sc.ticket_price", "sc.is_active", "sc.created_at", "sc.updated_at",
		}).AddRow(
			reservationID.String(), seatID.String(), screeningID.String(), "u1", "CONFIRMED", now.Add(time.Hour), now, now,
			"A1", "A", "SOLD",
			"Dune", now, "1", "10.00", true, now, now,
		))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, seat_id, buyer_id, reservation_id, amount, paid_at, created_at")).
		WithArgs(reservationID.String()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "seat_id", "buyer_id", "reservation_id", "amount", "paid_at", "created_at"}).
			AddRow(saleID.String(), seatID.String(), "u1", reservationID.String(), "10.00", now, now))
	mock.ExpectCommit()

	sale, err := coord.ConfirmPayment(context.Background(), coordinator.ConfirmPaymentInput{
		ReservationID: reservationID,
		BuyerID:       "u1",
	})
	require.NoError(t, err)
	require.NotNil(t, sale)
	assert.Equal(t, saleID, sale.ID)
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Empty(t, pub.published, "a replayed confirm must not re-emit payment.confirmed")
	assert.Empty(t, sched.scheduled)
}

func TestExpire_NoopWhenReservationMissing(t *testing.T) {
	coord, mock, _, pub := newCoordinator(t)
	reservationID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT r.id, r.seat_id, r.screening_id")).
		WithArgs(reservationID.String()).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectCommit()

	result, err := coord.Expire(context.Background(), reservationID)
	require.NoError(t, err)
	assert.False(t, result.Released)
	assert.Empty(t, pub.published)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExpire_ReleasesPastDeadline(t *testing.T) {
	coord, mock, _, pub := newCoordinator(t)
	reservationID := uuid.New()
	seatID := uuid.New()
	screeningID := uuid.New()
	past := time.Now().UTC().Add(-time.Minute)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT r.id, r.seat_id, r.screening_id")).
		WithArgs(reservationID.String()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "seat_id", "screening_id", "buyer_id", "status", "expires_at", "created_at", "updated_at", "label", "row_label", "status"}).
			AddRow(reservationID.String(), seatID.String(), screeningID.String(), "u1", "PENDING", past, past, past, "A1", "A", "RESERVED"))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE reservations SET status = ?, updated_at = ? WHERE id = ?")).
		WithArgs("EXPIRED", sqlmock.AnyArg(), reservationID.String()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE seats SET status = ?, updated_at = ? WHERE id = ?")).
		WithArgs("AVAILABLE", sqlmock.AnyArg(), seatID.String()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := coord.Expire(context.Background(), reservationID)
	require.NoError(t, err)
	assert.True(t, result.Released)
	assert.ElementsMatch(t, []string{"reservation.expired", "seat.released"}, pub.published)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExpire_EarlyFireLeavesReservationPending(t *testing.T) {
	coord, mock, _, pub := newCoordinator(t)
	reservationID := uuid.New()
	seatID := uuid.New()
	screeningID := uuid.New()
	future := time.Now().UTC().Add(time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT r.id, r.seat_id, r.screening_id")).
		WithArgs(reservationID.String()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "seat_id", "screening_id", "buyer_id", "status", "expires_at", "created_at", "updated_at", "label", "row_label", "status"}).
			AddRow(reservationID.String(), seatID.String(), screeningID.String(), "u1", "PENDING", future, future, future, "A1", "A", "RESERVED"))
	mock.ExpectCommit()

	result, err := coord.Expire(context.Background(), reservationID)
	require.NoError(t, err)
	assert.False(t, result.Released)
	assert.True(t, result.EarlyFire)
	assert.Empty(t, pub.published)
	require.NoError(t, mock.ExpectationsWereMet())
}
