// Package store is the Inventory Store Gateway (spec §4.1): the only path
// by which the Reservation Coordinator touches durable state. It exposes
// transactional Sessions offering row-locked fetch-and-lock reads and the
// handful of writes the coordinator needs, grounded on the teacher's
// repository layer (internal/repository/reservation_repository.go,
// seat_hold_repository.go) but collapsed from CRUD-per-entity into the
// narrow fetch-and-lock/insert/update vocabulary spec §4.1 names.
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/boxofficeoss/reservation-core/internal/coreerr"
)

// mysqlDeadlock and mysqlLockWaitTimeout are the MySQL error numbers the
// gateway classifies as coreerr.StoreConflict, matching spec §4.1's
// contract ("STORE_CONFLICT (deadlock or lock timeout)").
const (
	mysqlDeadlock        = 1213
	mysqlLockWaitTimeout = 1205
)

// Gateway owns the database pool and an optional Redis handle used only as
// a best-effort read-through cache for screening lookups (never for locked
// reads). Callers obtain a Session per logical operation via Begin.
type Gateway struct {
	db       *sql.DB
	cache    *redis.Client
	cacheTTL time.Duration
	log      *zap.SugaredLogger
}

// NewGateway constructs a Gateway. cache may be nil, in which case
// GetScreeningCached always falls through to MySQL.
func NewGateway(db *sql.DB, cache *redis.Client, cacheTTL time.Duration, log *zap.SugaredLogger) *Gateway {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Gateway{db: db, cache: cache, cacheTTL: cacheTTL, log: log}
}

// Begin opens a new transactional Session. The caller must Commit or
// Rollback it on every exit path, including cancellation (spec §9).
func (g *Gateway) Begin(ctx context.Context) (*Session, error) {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}
	return &Session{tx: tx, cache: g.cache, cacheTTL: g.cacheTTL, log: g.log}, nil
}

// classify maps a raw database/sql or driver error onto the coreerr
// taxonomy per spec §4.1/§7.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return coreerr.Wrap(coreerr.NotFound, "row not found", err)
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlDeadlock, mysqlLockWaitTimeout:
			return coreerr.Wrap(coreerr.StoreConflict, "lock contention", err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return coreerr.Wrap(coreerr.Timeout, "deadline exceeded", err)
	}
	if errors.Is(err, mysql.ErrInvalidConn) || errors.Is(err, sql.ErrConnDone) {
		return coreerr.Wrap(coreerr.StoreUnavailable, "connection lost", err)
	}
	return coreerr.Wrap(coreerr.StoreUnavailable, "store operation failed", err)
}
