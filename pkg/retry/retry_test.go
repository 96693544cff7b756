package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anchorbackup/anchor-agent/pkg/anchorerr"
)

func TestRetryer_SucceedsAfterTransientErrors(t *testing.T) {
	r := New(Config{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})

	attempts := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return anchorerr.New(anchorerr.Transient, "connection reset")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryer_DoesNotRetryNonTransientErrors(t *testing.T) {
	r := New(DefaultConfig())

	attempts := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return anchorerr.New(anchorerr.InvalidPassword, "bad password")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryer_DoesNotRetryPlainErrors(t *testing.T) {
	r := New(Config{MaxAttempts: 3, InitialDelay: time.Millisecond})

	attempts := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return errors.New("boom")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryer_ExhaustsMaxAttempts(t *testing.T) {
	r := New(Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})

	attempts := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return anchorerr.New(anchorerr.Transient, "still down")
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryer_ContextCancellation(t *testing.T) {
	r := New(Config{MaxAttempts: 10, InitialDelay: 50 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := r.Do(ctx, func(ctx context.Context) error {
		attempts++
		return anchorerr.New(anchorerr.Transient, "down")
	})

	require.Error(t, err)
}
