package store

import (
	"context"
	"database/sql"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"

	"github.com/boxofficeoss/reservation-core/internal/coreerr"
)

func TestClassify_NoRows(t *testing.T) {
	err := classify(sql.ErrNoRows)
	assert.True(t, coreerr.Is(err, coreerr.NotFound))
}

func TestClassify_MySQLDeadlock(t *testing.T) {
	err := classify(&mysql.MySQLError{Number: 1213, Message: "deadlock"})
	assert.True(t, coreerr.Is(err, coreerr.StoreConflict))
}

func TestClassify_MySQLLockWaitTimeout(t *testing.T) {
	err := classify(&mysql.MySQLError{Number: 1205, Message: "lock wait timeout"})
	assert.True(t, coreerr.Is(err, coreerr.StoreConflict))
}

func TestClassify_MySQLOtherError(t *testing.T) {
	err := classify(&mysql.MySQLError{Number: 1062, Message: "duplicate entry"})
	assert.True(t, coreerr.Is(err, coreerr.StoreUnavailable))
}

func TestClassify_ContextDeadlineExceeded(t *testing.T) {
	err := classify(context.DeadlineExceeded)
	assert.True(t, coreerr.Is(err, coreerr.Timeout))
}

func TestClassify_ConnectionLost(t *testing.T) {
	assert.True(t, coreerr.Is(classify(mysql.ErrInvalidConn), coreerr.StoreUnavailable))
	assert.True(t, coreerr.Is(classify(sql.ErrConnDone), coreerr.StoreUnavailable))
}

func TestClassify_Nil(t *testing.T) {
	assert.Nil(t, classify(nil))
}
