package sandbox

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		sentinel error
		text     string
	}{
		{
			name:     "NotSupported",
			err:      notSupported("cobol", errors.New("unknown")),
			sentinel: ErrNotSupported,
			text:     `NOT_SUPPORTED: language: language "cobol" is not supported`,
		},
		{
			name:     "Validation",
			err:      validationFailed("code", "must not be empty"),
			sentinel: ErrValidation,
			text:     "VALIDATION_ERROR: code: must not be empty",
		},
		{
			name:     "Overloaded",
			err:      overloaded("all 2 execution slots are busy"),
			sentinel: ErrOverloaded,
			text:     "OVERLOADED: all 2 execution slots are busy",
		},
		{
			name:     "Canceled",
			err:      canceled(context.Canceled),
			sentinel: ErrCanceled,
			text:     "CANCELED: request canceled by caller",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.err, tt.sentinel)
			assert.Equal(t, tt.text, tt.err.Error())
			assert.Equal(t, tt.err.Kind, KindOf(fmt.Errorf("wrapped: %w", tt.err)))
		})
	}
}

func TestErrorUnwrapsCause(t *testing.T) {
	err := canceled(context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrCanceled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKindOfForeignError(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
}
