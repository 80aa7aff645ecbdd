// Package httpapi is the thin HTTP glue spec §1 puts outside the core: it
// decodes already-authenticated commands and calls into
// internal/coordinator. Deliberately minimal — request validation and
// authentication live here, not in the core, and the core is compiled and
// tested without ever importing Echo. Grounded on the teacher's
// internal/middleware/jwt.go and internal/router/router.go.
package httpapi

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

const buyerContextKey = "buyer_id"

// requireBuyer validates a bearer JWT and stores its subject claim as the
// buyer id for downstream handlers. The core has no notion of roles or
// sessions — it only needs an opaque buyer identifier per spec §1 — so
// this drops the teacher's role claim/RequireRole machinery entirely.
func requireBuyer(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			auth := c.Request().Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing bearer token"})
			}
			raw := strings.TrimPrefix(auth, "Bearer ")

			tok, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, echo.ErrUnauthorized
				}
				return []byte(secret), nil
			})
			if err != nil || !tok.Valid {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid token"})
			}

			claims, ok := tok.Claims.(jwt.MapClaims)
			if !ok {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid claims"})
			}
			sub, _ := claims["sub"].(string)
			if sub == "" {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "token missing subject"})
			}
			c.Set(buyerContextKey, sub)
			return next(c)
		}
	}
}

// buyerID reads the id requireBuyer stored in the context.
func buyerID(c echo.Context) string {
	v, _ := c.Get(buyerContextKey).(string)
	return v
}
