package errors_test

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyarena/gameserver/internal/errors"
)

func TestNew(t *testing.T) {
	t.Parallel()

	cause := fmt.Errorf("socket closed")
	err := errors.New(errors.CodeRoomFull,
		errors.WithMessagef("room is full (%d players)", 8),
		errors.WithCause(cause))

	assert.Equal(t, errors.CodeRoomFull, err.Code)
	assert.Equal(t, "room is full (8 players)", err.Message)
	assert.ErrorIs(t, err, cause)
}

func TestConvert(t *testing.T) {
	t.Parallel()

	t.Run("passes through typed errors", func(t *testing.T) {
		t.Parallel()

		orig := errors.New(errors.CodeNotFound)
		wrapped := fmt.Errorf("lookup: %w", orig)

		assert.Same(t, orig, errors.Convert(wrapped))
	})

	t.Run("wraps unknown errors as internal", func(t *testing.T) {
		t.Parallel()

		e := errors.Convert(fmt.Errorf("boom"))
		require.NotNil(t, e)
		assert.Equal(t, errors.CodeInternal, e.Code)
	})
}

func TestHTTPStatusCode(t *testing.T) {
	t.Parallel()

	tests := map[errors.Code]int{
		errors.CodeNotFound:         http.StatusNotFound,
		errors.CodeUnauthorized:     http.StatusForbidden,
		errors.CodeInvalidPhase:     http.StatusConflict,
		errors.CodeAlreadyAnswered:  http.StatusConflict,
		errors.CodeRoomFull:         http.StatusConflict,
		errors.CodeMalformedMessage: http.StatusBadRequest,
		errors.CodeInternal:         http.StatusInternalServerError,
	}

	for code, want := range tests {
		assert.Equal(t, want, errors.New(code).HTTPStatusCode(), string(code))
	}

	assert.Equal(t, http.StatusInternalServerError, errors.New(errors.Code("MYSTERY")).HTTPStatusCode())
}
