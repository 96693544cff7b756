package vaultmon

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_ProbesPresenceImmediately(t *testing.T) {
	dir := t.TempDir()
	m := New(dir)
	assert.True(t, m.Present())

	m2 := New(filepath.Join(dir, "does-not-exist"))
	assert.False(t, m2.Present())
}

func TestMonitor_FiresOnDisconnectAndOnReconnect(t *testing.T) {
	parent := t.TempDir()
	mountPoint := filepath.Join(parent, "vault")
	require.NoError(t, os.Mkdir(mountPoint, 0o750))

	m := New(mountPoint, WithPollInterval(10*time.Millisecond))

	var disconnects, reconnects int32
	m.OnDisconnect(func() { atomic.AddInt32(&disconnects, 1) })
	m.OnReconnect(func() { atomic.AddInt32(&reconnects, 1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	require.NoError(t, os.RemoveAll(mountPoint))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&disconnects) == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, m.Present())

	require.NoError(t, os.Mkdir(mountPoint, 0o750))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&reconnects) == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, m.Present())
}
