package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boxofficeoss/reservation-core/internal/model"
)

func newMockGateway(t *testing.T) (*Gateway, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewGateway(db, nil, time.Minute, nil), mock
}

func TestFetchAndLockPendingSiblings_OrdersBySeatLabel(t *testing.T) {
	gw, mock := newMockGateway(t)
	key := model.BookingGroupKey{BuyerID: "u1", ScreeningID: uuid.New(), ExpiresAt: time.Now().UTC()}

	mock.ExpectBegin()
	res1, res2 := uuid.New(), uuid.New()
	seat1, seat2 := uuid.New(), uuid.New()
	mock.ExpectQuery(regexp.QuoteMeta("FROM reservations r")+".*"+regexp.QuoteMeta("ORDER BY se.label")).
		WithArgs(key.BuyerID, key.ScreeningID.String(), key.ExpiresAt, "PENDING").
		WillReturnRows(sqlmock.NewRows([]string{"id", "seat_id", "screening_id", "buyer_id", "status", "expires_at", "created_at", "updated_at", "label"}).
			AddRow(res1.String(), seat1.String(), key.ScreeningID.String(), "u1", "PENDING", key.ExpiresAt, key.ExpiresAt, key.ExpiresAt, "A1").
			AddRow(res2.String(), seat2.String(), key.ScreeningID.String(), "u1", "PENDING", key.ExpiresAt, key.ExpiresAt, key.ExpiresAt, "A2"))
	mock.ExpectCommit()

	sess, err := gw.Begin(context.Background())
	require.NoError(t, err)
	siblings, err := sess.FetchAndLockPendingSiblings(context.Background(), key)
	require.NoError(t, err)
	require.NoError(t, sess.Commit())
	require.Len(t, siblings, 2)
	assert.Equal(t, res1, siblings[0].Reservation.ID)
	assert.Equal(t, "A1", siblings[0].SeatLabel)
	assert.Equal(t, res2, siblings[1].Reservation.ID)
	assert.Equal(t, "A2", siblings[1].SeatLabel)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertSaleAndFindSaleByReservation(t *testing.T) {
	gw, mock := newMockGateway(t)
	reservationID := uuid.New()
	saleID := uuid.New()
	seatID := uuid.New()
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO sales")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, seat_id, buyer_id, reservation_id, amount, paid_at, created_at")).
		WithArgs(reservationID.String()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "seat_id", "buyer_id", "reservation_id", "amount", "paid_at", "created_at"}).
			AddRow(saleID.String(), seatID.String(), "u1", reservationID.String(), "12.50", now, now))
	mock.ExpectCommit()

	sess, err := gw.Begin(context.Background())
	require.NoError(t, err)

	sale := &model.Sale{
		ID:            saleID,
		SeatID:        seatID,
		BuyerID:       "u1",
		ReservationID: reservationID,
		Amount:        decimal.RequireFromString("12.50"),
		PaidAt:        now,
		CreatedAt:     now,
	}
	require.NoError(t, sess.InsertSale(context.Background(), sale))

	found, err := sess.FindSaleByReservation(context.Background(), reservationID)
	require.NoError(t, err)
	require.NoError(t, sess.Commit())
	assert.Equal(t, saleID, found.ID)
	assert.True(t, decimal.RequireFromString("12.50").Equal(found.Amount))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListReservationsByUser(t *testing.T) {
	gw, mock := newMockGateway(t)
	res1 := uuid.New()
	seat1 := uuid.New()
	screening1 := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("FROM reservations WHERE buyer_id = ?")).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "seat_id", "screening_id", "buyer_id", "status", "expires_at", "created_at", "updated_at"}).
			AddRow(res1.String(), seat1.String(), screening1.String(), "u1", "CONFIRMED", now, now, now))

	out, err := gw.ListReservationsByUser(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, res1, out[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetScreeningCached_FallsThroughWhenCacheNil(t *testing.T) {
	gw, mock := newMockGateway(t)
	screeningID := uuid.New()
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM screenings")).
		WithArgs(screeningID.String()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "movie_name", "starts_at", "room_number", "ticket_price", "is_active", "created_at", "updated_at"}).
			AddRow(screeningID.String(), "Dune", now, "1", "12.50", true, now, now))
	mock.ExpectCommit()

	sess, err := gw.Begin(context.Background())
	require.NoError(t, err)
	sc, err := gw.GetScreeningCached(context.Background(), sess, screeningID)
	require.NoError(t, err)
	require.NoError(t, sess.Commit())
	assert.Equal(t, "Dune", sc.MovieName)
	require.NoError(t, mock.ExpectationsWereMet())
}
