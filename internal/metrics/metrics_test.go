package metrics

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anchorbackup/anchor-agent/internal/agentstatus"
	"github.com/anchorbackup/anchor-agent/internal/ledger"
	"github.com/anchorbackup/anchor-agent/pkg/types"
)

func openTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestSnapshot_ReflectsLedgerCounts(t *testing.T) {
	led := openTestLedger(t)
	require.NoError(t, led.MarkProcessed("a.txt", "gen-1", "hash-a"))
	require.NoError(t, led.MarkProcessed("b.txt", "gen-1", "hash-b"))
	require.NoError(t, led.UpdateVerification("a.txt", types.VerifyVerified, time.Now()))
	require.NoError(t, led.UpdateVerification("b.txt", types.VerifyMismatch, time.Now()))

	c := NewCollector(led)
	snap, err := c.Snapshot(context.Background())
	require.NoError(t, err)

	assert.EqualValues(t, 2, snap.FilesVaulted)
	assert.EqualValues(t, 1, snap.IntegrityVerified)
	assert.EqualValues(t, 1, snap.IntegrityErrors)
	assert.Equal(t, "error", snap.IntegrityHealth)
	assert.Equal(t, "running", snap.Status)
}

func TestSnapshot_ReflectsPauseState(t *testing.T) {
	led := openTestLedger(t)
	c := NewCollector(led)
	c.SetPaused(true)

	snap, err := c.Snapshot(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.IsPaused)
	assert.Equal(t, "paused", snap.Status)
}

func TestRun_IncrementsCountersFromEvents(t *testing.T) {
	led := openTestLedger(t)
	c := NewCollector(led)

	publisher := agentstatus.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx, publisher)

	publisher.Publish(agentstatus.Event{Kind: agentstatus.KindQuarantined})
	publisher.Publish(agentstatus.Event{Kind: agentstatus.KindIntegrityMismatch})
	publisher.Publish(agentstatus.Event{Kind: agentstatus.KindNetworkStateChanged, Message: "verified"})

	require.Eventually(t, func() bool {
		return testutilCounterValue(c.quarantined) == 1 && testutilCounterValue(c.integrityMismatch) == 1
	}, time.Second, 5*time.Millisecond)

	c.mu.RLock()
	status := c.networkStatus
	c.mu.RUnlock()
	assert.Equal(t, "verified", status)
}

func testutilCounterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	_ = c.Write(&m)
	return m.GetCounter().GetValue()
}
