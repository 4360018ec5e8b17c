package apperr_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"datacore/internal/apperr"
)

func TestCodeAndStatus(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		code   string
		status int
	}{
		{"not found", apperr.NotFound("export %s", "x"), apperr.CodeNotFound, http.StatusNotFound},
		{"wrapped not found", fmt.Errorf("load: %w", apperr.ErrNotFound), apperr.CodeNotFound, http.StatusNotFound},
		{"invalid", apperr.Invalid("bad format"), apperr.CodeInvalid, http.StatusBadRequest},
		{"type mismatch", &apperr.TypeMismatchError{Field: "age", Type: "integer", Value: "abc"}, apperr.CodeTypeMismatch, http.StatusBadRequest},
		{"transient", &apperr.TransientSourceError{Op: "export_records", Status: 503, Attempts: 10}, apperr.CodeTransientSource, http.StatusBadGateway},
		{"queue full", apperr.ErrQueueFull, apperr.CodeQueueFull, http.StatusServiceUnavailable},
		{"budget", fmt.Errorf("pull: %w", apperr.ErrTimeBudgetExceeded), apperr.CodeTimeBudgetExceeded, http.StatusGatewayTimeout},
		{"other", errors.New("boom"), apperr.CodeInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.code, apperr.Code(tc.err))
			assert.Equal(t, tc.status, apperr.HTTPStatus(tc.err))
		})
	}
}

func TestNotFoundUnwrapsToSentinel(t *testing.T) {
	err := apperr.NotFound("model %q", "nope")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Equal(t, `model "nope"`, apperr.Message(err))
}

func TestTypeMismatchMessage(t *testing.T) {
	err := &apperr.TypeMismatchError{Field: "cd4nadir", Type: "integer", Value: "n/a"}
	assert.Equal(t, `field cd4nadir: cannot coerce "n/a" to integer`, err.Error())
}

func TestIsTransient(t *testing.T) {
	err := fmt.Errorf("page 2: %w", &apperr.TransientSourceError{Op: "export_records", Status: 502, Attempts: 3})
	assert.True(t, apperr.IsTransient(err))
	assert.False(t, apperr.IsTransient(errors.New("x")))
}
