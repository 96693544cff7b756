package anchorerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Is(t *testing.T) {
	a := New(DiskFull, "no space left")
	b := New(DiskFull, "different message")
	c := New(Transient, "no space left")

	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, c))
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("connection reset by peer")
	wrapped := New(Transient, "put object failed").WithCause(cause)

	require.ErrorIs(t, wrapped, cause)
	assert.Equal(t, cause, wrapped.Unwrap())
}

func TestError_Retryable(t *testing.T) {
	assert.True(t, New(Transient, "").Retryable())
	assert.True(t, New(ProviderError, "").Retryable())
	assert.False(t, New(Cancelled, "").Retryable())
	assert.False(t, New(DiskFull, "").Retryable())
}

func TestError_UserFacing(t *testing.T) {
	assert.True(t, New(DiskFull, "").UserFacing())
	assert.True(t, New(InvalidPassword, "").UserFacing())
	assert.False(t, New(Cancelled, "").UserFacing())
	assert.False(t, New(Transient, "").UserFacing())
}

func TestError_Error_FormatsComponentAndOperation(t *testing.T) {
	err := New(ProviderError, "put failed").WithComponent("vault/s3").WithOperation("save_file")
	assert.Equal(t, "[vault/s3:save_file] PROVIDER_ERROR: put failed", err.Error())
}
