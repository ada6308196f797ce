package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRecoverable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "stall timeout",
			err:  fmt.Errorf("job 42: %w", ErrStallTimeout),
			want: true,
		},
		{
			name: "vm fatal",
			err:  NewVMFatalError("session terminated", nil),
			want: true,
		},
		{
			name: "wrapped vm fatal",
			err:  fmt.Errorf("run: %w", NewVMFatalError("connection reset", errors.New("eof"))),
			want: true,
		},
		{
			name: "generic error",
			err:  errors.New("unexpected"),
			want: false,
		},
		{
			name: "invalid payload",
			err:  fmt.Errorf("decode: %w", ErrInvalidPayload),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRecoverable(tt.err))
		})
	}
}

func TestVMFatalError_Unwrap(t *testing.T) {
	inner := errors.New("socket closed")
	err := NewVMFatalError("shell died", inner)

	assert.True(t, IsVMFatal(err))
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "shell died")
}

func TestLifecycleState_String(t *testing.T) {
	assert.Equal(t, "created", StateCreated.String())
	assert.Equal(t, "working", StateWorking.String())
	assert.Equal(t, "errored", StateErrored.String())
	assert.Equal(t, "unknown", LifecycleState(99).String())
}
