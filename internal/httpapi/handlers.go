package httpapi

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/boxofficeoss/reservation-core/internal/coordinator"
	"github.com/boxofficeoss/reservation-core/internal/coreerr"
)

// Handlers bundles the coordinator behind thin command decoders. Every
// handler does the same three things: parse the request, call exactly one
// coordinator operation, translate the result or error to JSON — no
// business logic lives here (spec §1).
type Handlers struct {
	coord *coordinator.Coordinator
}

func NewHandlers(coord *coordinator.Coordinator) *Handlers {
	return &Handlers{coord: coord}
}

type createHoldRequest struct {
	ScreeningID string   `json:"screeningId"`
	SeatLabels  []string `json:"seatLabels"`
}

type reservationResponse struct {
	ID          string `json:"id"`
	ScreeningID string `json:"screeningId"`
	SeatID      string `json:"seatId"`
	BuyerID     string `json:"buyerId"`
	Status      string `json:"status"`
	ExpiresAt   string `json:"expiresAt"`
}

// CreateHold handles POST /reservations.
func (h *Handlers) CreateHold(c echo.Context) error {
	var req createHoldRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "malformed request body"})
	}
	screeningID, err := uuid.Parse(req.ScreeningID)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "screeningId must be a valid uuid"})
	}

	reservations, err := h.coord.CreateHold(c.Request().Context(), coordinator.CreateHoldInput{
		ScreeningID: screeningID,
		SeatLabels:  req.SeatLabels,
		BuyerID:     buyerID(c),
	})
	if err != nil {
		return writeError(c, err)
	}

	out := make([]reservationResponse, len(reservations))
	for i, r := range reservations {
		out[i] = reservationResponse{
			ID:          r.ID.String(),
			ScreeningID: r.ScreeningID.String(),
			SeatID:      r.SeatID.String(),
			BuyerID:     r.BuyerID,
			Status:      string(r.Status),
			ExpiresAt:   r.ExpiresAt.Format(timeFormat),
		}
	}
	return c.JSON(http.StatusCreated, echo.Map{"reservations": out})
}

type saleResponse struct {
	ID            string `json:"id"`
	SeatID        string `json:"seatId"`
	BuyerID       string `json:"buyerId"`
	ReservationID string `json:"reservationId"`
	Amount        string `json:"amount"`
	PaidAt        string `json:"paidAt"`
}

// ConfirmPayment handles POST /reservations/:id/confirm.
func (h *Handlers) ConfirmPayment(c echo.Context) error {
	reservationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "reservation id must be a valid uuid"})
	}

	sale, err := h.coord.ConfirmPayment(c.Request().Context(), coordinator.ConfirmPaymentInput{
		ReservationID: reservationID,
		BuyerID:       buyerID(c),
	})
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, saleResponse{
		ID:            sale.ID.String(),
		SeatID:        sale.SeatID.String(),
		BuyerID:       sale.BuyerID,
		ReservationID: sale.ReservationID.String(),
		Amount:        sale.Amount.String(),
		PaidAt:        sale.PaidAt.Format(timeFormat),
	})
}

// ListMyReservations handles GET /reservations — the supplemental
// read-only query (spec §6.1's delegated query surface).
func (h *Handlers) ListMyReservations(c echo.Context) error {
	reservations, err := h.coord.ListReservationsByUser(c.Request().Context(), buyerID(c))
	if err != nil {
		return writeError(c, err)
	}
	out := make([]reservationResponse, len(reservations))
	for i, r := range reservations {
		out[i] = reservationResponse{
			ID:          r.ID.String(),
			ScreeningID: r.ScreeningID.String(),
			SeatID:      r.SeatID.String(),
			BuyerID:     r.BuyerID,
			Status:      string(r.Status),
			ExpiresAt:   r.ExpiresAt.Format(timeFormat),
		}
	}
	return c.JSON(http.StatusOK, echo.Map{"reservations": out})
}

func Health(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// writeError maps a coreerr.Kind onto the HTTP status spec §7 names: 4xx
// with a human-readable message for NOT_FOUND/CONFLICT/INVALID_REQUEST,
// opaque 5xx for everything else.
func writeError(c echo.Context, err error) error {
	switch coreerr.KindOf(err) {
	case coreerr.NotFound:
		return c.JSON(http.StatusNotFound, echo.Map{"error": errMessage(err)})
	case coreerr.Conflict:
		return c.JSON(http.StatusConflict, echo.Map{"error": errMessage(err)})
	case coreerr.InvalidRequest:
		return c.JSON(http.StatusBadRequest, echo.Map{"error": errMessage(err)})
	case coreerr.Timeout:
		return c.JSON(http.StatusGatewayTimeout, echo.Map{"error": "request timed out"})
	default:
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}
}

func errMessage(err error) string {
	var e *coreerr.Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
