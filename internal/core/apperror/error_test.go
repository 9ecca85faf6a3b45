package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_WrappedChain(t *testing.T) {
	base := NewInsufficientStock("p1", "l1", "6", "5")
	wrapped := fmt.Errorf("allocate: %w", base)

	appErr, ok := AsAppError(wrapped)
	require.True(t, ok)
	assert.Equal(t, CodeInsufficientStock, appErr.Code)
	assert.Equal(t, http.StatusUnprocessableEntity, GetHTTPStatus(wrapped))
	assert.True(t, IsInsufficientStock(wrapped))
	assert.False(t, IsNotFound(wrapped))
	assert.Equal(t, "6", appErr.Details["requested"])
}

func TestStorageFailure_Unwraps(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewStorageFailure("allocate", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, http.StatusServiceUnavailable, err.HTTPStatus)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestGetHTTPStatus_PlainError(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, GetHTTPStatus(errors.New("boom")))
}

func TestWithDetail(t *testing.T) {
	err := NewAlreadyProcessed("stock count", "42", "approved").WithDetail("attempt", 2)
	assert.True(t, IsAlreadyProcessed(err))
	assert.Equal(t, 2, err.Details["attempt"])
	assert.Equal(t, "approved", err.Details["status"])
}
