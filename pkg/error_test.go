package pkg

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelErrors(t *testing.T) {
	// Verify all sentinel errors are distinct
	errs := []error{
		ErrStall,
		ErrNAK,
		ErrProtocol,
		ErrNoDevice,
		ErrNotConnected,
		ErrNotConfigured,
		ErrInvalidEndpoint,
		ErrInvalidState,
		ErrInvalidRequest,
		ErrBufferTooSmall,
		ErrNotSupported,
		ErrBusy,
		ErrNoMemory,
		ErrDescriptorTooShort,
		ErrDescriptorTypeMismatch,
		ErrAlreadyRunning,
		ErrNotRunning,
		ErrInvalidParameter,
		ErrInvalidPort,
		ErrInvalidIRQ,
		ErrInvalidPriority,
	}

	for i, err1 := range errs {
		if !assert.NotNil(t, err1, "error %d", i) {
			continue
		}
		for j, err2 := range errs {
			if i != j {
				assert.False(t, errors.Is(err1, err2), "error %d and %d are equal", i, j)
			}
		}
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err     error
		wantMsg string
	}{
		{ErrStall, "endpoint stalled"},
		{ErrNAK, "NAK received"},
		{ErrBusy, "resource busy"},
		{ErrInvalidIRQ, "invalid interrupt source"},
		{ErrNotConfigured, "device not configured"},
	}

	for _, tt := range tests {
		t.Run(tt.wantMsg, func(t *testing.T) {
			assert.EqualError(t, tt.err, tt.wantMsg)
		})
	}
}

func TestWrappedErrors(t *testing.T) {
	err := fmt.Errorf("cdc init: %w", ErrInvalidPort)
	assert.ErrorIs(t, err, ErrInvalidPort)
	assert.NotErrorIs(t, err, ErrInvalidIRQ)
}
