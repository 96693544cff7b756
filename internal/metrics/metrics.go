// Package metrics tracks the ambient Prometheus counters and gauges that
// feed the (external) metrics collaborator's /metrics endpoint (§6). This
// package never serves HTTP itself — that surface is out of core scope —
// it only maintains the numbers and renders a collaborators.MetricsSnapshot
// on demand.
package metrics

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/anchorbackup/anchor-agent/internal/agentstatus"
	"github.com/anchorbackup/anchor-agent/internal/collaborators"
	"github.com/anchorbackup/anchor-agent/internal/ledger"
	"github.com/anchorbackup/anchor-agent/internal/network"
	"github.com/anchorbackup/anchor-agent/pkg/types"
)

// AppVersion is stamped into every rendered snapshot.
var AppVersion = "dev"

// Collector maintains the Prometheus registry backing the metrics
// collaborator and the mutable fields (network/drive/photos status, pause
// state) no ledger query can answer on its own.
type Collector struct {
	registry *prometheus.Registry
	led      *ledger.Ledger

	quarantined       prometheus.Counter
	integrityMismatch prometheus.Counter
	diskFull          prometheus.Counter
	ledgerResets      prometheus.Counter

	mu            sync.RWMutex
	networkStatus string
	driveStatus   string
	photosStatus  string
	paused        bool
}

// NewCollector builds a Collector with its own Prometheus registry, so a
// production build's HTTP metrics surface can mount it independently of
// the default global registry. led is queried on every Snapshot call for
// the authoritative per-file counts.
func NewCollector(led *ledger.Ledger) *Collector {
	registry := prometheus.NewRegistry()
	c := &Collector{
		registry: registry,
		led:      led,
		quarantined: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "anchor", Subsystem: "ledger", Name: "files_quarantined_total",
			Help: "Files that reached the consecutive-failure quarantine threshold.",
		}),
		integrityMismatch: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "anchor", Subsystem: "audit", Name: "integrity_mismatch_total",
			Help: "Integrity-auditor verification mismatches raised.",
		}),
		diskFull: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "anchor", Subsystem: "watcher", Name: "disk_full_total",
			Help: "Times a watcher disabled itself on DiskFull.",
		}),
		ledgerResets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "anchor", Subsystem: "ledger", Name: "resets_total",
			Help: "Times the ledger self-healed from a corrupt file.",
		}),
		networkStatus: string(network.StateDisconnected),
	}
	registry.MustRegister(c.quarantined, c.integrityMismatch, c.diskFull, c.ledgerResets)
	return c
}

// Registry exposes the underlying Prometheus registry for a collaborator
// that wants to mount it behind promhttp.HandlerFor.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Run drains publisher's event stream until ctx is done, folding each
// event into the matching counter or status field.
func (c *Collector) Run(ctx context.Context, publisher *agentstatus.Publisher) {
	events := publisher.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.observe(ev)
		}
	}
}

func (c *Collector) observe(ev agentstatus.Event) {
	switch ev.Kind {
	case agentstatus.KindQuarantined:
		c.quarantined.Inc()
	case agentstatus.KindIntegrityMismatch:
		c.integrityMismatch.Inc()
	case agentstatus.KindDiskFull:
		c.diskFull.Inc()
	case agentstatus.KindLedgerReset:
		c.ledgerResets.Inc()
	case agentstatus.KindNetworkStateChanged:
		c.mu.Lock()
		c.networkStatus = ev.Message
		c.mu.Unlock()
	}
}

// SetDriveStatus records the drive watcher's current state string.
func (c *Collector) SetDriveStatus(status string) {
	c.mu.Lock()
	c.driveStatus = status
	c.mu.Unlock()
}

// SetPhotosStatus records the photo watcher's current state string.
func (c *Collector) SetPhotosStatus(status string) {
	c.mu.Lock()
	c.photosStatus = status
	c.mu.Unlock()
}

// SetPaused records the current global pause state.
func (c *Collector) SetPaused(paused bool) {
	c.mu.Lock()
	c.paused = paused
	c.mu.Unlock()
}

// Snapshot renders the current collaborators.MetricsSnapshot, combining
// the ledger's authoritative per-file counts with this Collector's
// in-memory status fields. It satisfies collaborators.MetricsSource.
func (c *Collector) Snapshot(ctx context.Context) (collaborators.MetricsSnapshot, error) {
	counts, err := c.led.CountByVerifyState()
	if err != nil {
		return collaborators.MetricsSnapshot{}, err
	}

	c.mu.RLock()
	snap := collaborators.MetricsSnapshot{
		FilesPending:      counts[types.VerifyPending],
		IntegrityVerified: int64(counts[types.VerifyVerified]),
		IntegrityErrors:   int64(counts[types.VerifyMismatch]),
		DriveStatus:       c.driveStatus,
		PhotosStatus:      c.photosStatus,
		NetworkStatus:     c.networkStatus,
		IsPaused:          c.paused,
	}
	c.mu.RUnlock()

	tracked, err := c.led.GetAllTrackedPaths()
	if err != nil {
		return collaborators.MetricsSnapshot{}, err
	}
	snap.FilesVaulted = int64(len(tracked))

	if counts[types.VerifyMismatch] > 0 {
		snap.IntegrityHealth = "error"
	} else if counts[types.VerifyPending] > 0 {
		snap.IntegrityHealth = "verifying"
	} else {
		snap.IntegrityHealth = "ok"
	}

	if snap.IsPaused {
		snap.Status = "paused"
	} else {
		snap.Status = "running"
	}
	snap.Hostname, _ = os.Hostname()
	snap.AppVersion = AppVersion
	snap.Timestamp = time.Now()
	return snap, nil
}
