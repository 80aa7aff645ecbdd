package httpapi

import (
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/boxofficeoss/reservation-core/internal/coordinator"
)

// Register wires the two client-facing core commands (Create Hold, Confirm
// Payment) plus the supplemental read query and health check onto e; Expire
// is driven by the expiration consumer, not HTTP. Grounded on the teacher's
// internal/router/customer_routes.go grouping style.
func Register(e *echo.Echo, coord *coordinator.Coordinator, jwtSecret string, rdb *redis.Client) {
	h := NewHandlers(coord)

	e.GET("/healthz", Health)

	g := e.Group("/reservations", requireBuyer(jwtSecret))
	g.POST("", h.CreateHold, idempotencyGuard(rdb))
	g.POST("/:id/confirm", h.ConfirmPayment, idempotencyGuard(rdb))
	g.GET("", h.ListMyReservations)
}
