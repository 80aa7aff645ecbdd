package coreerr_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/boxofficeoss/reservation-core/internal/coreerr"
)

func TestIsAndKindOf(t *testing.T) {
	err := coreerr.New(coreerr.Conflict, "seat not available")
	assert.True(t, coreerr.Is(err, coreerr.Conflict))
	assert.False(t, coreerr.Is(err, coreerr.NotFound))
	assert.Equal(t, coreerr.Conflict, coreerr.KindOf(err))
}

func TestKindOfUntypedErrorDefaultsToInvalidState(t *testing.T) {
	assert.Equal(t, coreerr.InvalidState, coreerr.KindOf(errors.New("boom")))
}

func TestRetryable(t *testing.T) {
	assert.True(t, coreerr.Retryable(coreerr.New(coreerr.StoreConflict, "x")))
	assert.True(t, coreerr.Retryable(coreerr.New(coreerr.StoreUnavailable, "x")))
	assert.False(t, coreerr.Retryable(coreerr.New(coreerr.Conflict, "x")))
}

func TestWrapUnwraps(t *testing.T) {
	cause := errors.New("driver exploded")
	wrapped := coreerr.Wrap(coreerr.StoreUnavailable, "connection lost", cause)
	assert.ErrorIs(t, wrapped, cause)
	assert.Contains(t, wrapped.Error(), "connection lost")
}
