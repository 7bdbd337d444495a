package common

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteErrorAppError(t *testing.T) {
	rr := httptest.NewRecorder()
	err := fmt.Errorf("handler: %w", NewAppError("invalid_amount", "amount must be positive", http.StatusUnprocessableEntity, nil))
	WriteError(rr, err)

	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	require.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	var body struct {
		Error ErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "invalid_amount", body.Error.Code)
	require.Equal(t, "amount must be positive", body.Error.Message)
}

func TestWriteErrorOpaque(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteError(rr, errors.New("db exploded"))
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	require.NotContains(t, rr.Body.String(), "exploded")
}

func TestAppErrorUnwrap(t *testing.T) {
	base := errors.New("boom")
	err := NewAppError("x", "y", 0, base)
	require.ErrorIs(t, err, base)
	var target *AppError
	require.True(t, errors.As(fmt.Errorf("wrap: %w", err), &target))
	require.Equal(t, "boom", err.Error())
	require.False(t, errors.As(base, &target))
}

func TestWriteErrorIncludesDetails(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteError(rr, NewAppError("invalid_transfer", "transfer failed validation", http.StatusUnprocessableEntity, nil).
		WithDetails(map[string]string{"to": "alphanum"}))

	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	require.JSONEq(t, `{"error":{"code":"invalid_transfer","message":"transfer failed validation","details":{"to":"alphanum"}}}`, rr.Body.String())
}
