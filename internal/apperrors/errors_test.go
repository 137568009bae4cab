package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", Validation(CodeInvalidDestination, "bad"), http.StatusBadRequest},
		{"rate limited", Validation(CodeRateLimited, "slow down"), http.StatusTooManyRequests},
		{"not found", NotFound(CodeNoRoutesFound, "none"), http.StatusNotFound},
		{"conflict", Conflict(CodeRouteConflict, "dup"), http.StatusConflict},
		{"transient", Transient("timeout", nil), http.StatusServiceUnavailable},
		{"unavailable", Unavailable("down", time.Second, nil), http.StatusServiceUnavailable},
		{"raw error", errors.New("boom"), http.StatusInternalServerError},
		{"wrapped app error", fmt.Errorf("ctx: %w", NotFound(CodeRouteNotFound, "x")), http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestNormalize(t *testing.T) {
	assert.Nil(t, Normalize(nil))

	raw := errors.New("driver: bad connection")
	got := Normalize(raw)
	require.NotNil(t, got)
	assert.Equal(t, TypeInternal, got.Type)
	assert.Equal(t, CodeInternal, got.Code)
	assert.ErrorIs(t, got, raw)

	appErr := Conflict(CodeRouteConflict, "duplicate")
	assert.Same(t, appErr, Normalize(fmt.Errorf("wrap: %w", appErr)))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(Transient("store timeout", nil)))
	assert.False(t, Retryable(Unavailable("down", 0, nil)))
	assert.False(t, Retryable(Validation(CodeInvalidDestination, "bad")))
	assert.False(t, Retryable(errors.New("plain")))
}

func TestAppError_Error(t *testing.T) {
	err := Transient("config store read", errors.New("deadline exceeded"))
	assert.Equal(t, "STORE_TIMEOUT: config store read: deadline exceeded", err.Error())
	assert.Equal(t, "NO_ROUTES_FOUND: no route", NotFound(CodeNoRoutesFound, "no route").Error())
}
