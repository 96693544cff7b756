// Package vaultmon watches for a local vault volume disappearing (an
// external drive unmounted, a network share dropped) and reappearing, so
// the file-tree watcher can pause transfers rather than fail them.
package vaultmon

import (
	"context"
	"os"
	"sync"
	"time"
)

const defaultPollInterval = 5 * time.Second

// Callback is invoked on a presence transition.
type Callback func()

// Monitor polls a local vault root's presence on an interval.
type Monitor struct {
	root         string
	pollInterval time.Duration

	mu        sync.Mutex
	present   bool
	onGone    []Callback
	onBack    []Callback

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Monitor at construction.
type Option func(*Monitor)

// WithPollInterval overrides defaultPollInterval, e.g. for tests.
func WithPollInterval(d time.Duration) Option {
	return func(m *Monitor) { m.pollInterval = d }
}

// New constructs a Monitor for the local vault mounted at root. Presence
// is probed immediately so Present() is accurate before Start is called.
func New(root string, opts ...Option) *Monitor {
	m := &Monitor{
		root:         root,
		pollInterval: defaultPollInterval,
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.present = probe(root)
	return m
}

// OnDisconnect registers a callback fired when the vault goes from
// present to absent.
func (m *Monitor) OnDisconnect(cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onGone = append(m.onGone, cb)
}

// OnReconnect registers a callback fired when the vault goes from absent
// to present.
func (m *Monitor) OnReconnect(cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onBack = append(m.onBack, cb)
}

// Present reports the last-observed presence state.
func (m *Monitor) Present() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.present
}

// Start launches the poll loop until Stop is called or ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.poll()
			}
		}
	}()
}

// Stop halts the poll loop and waits for it to exit.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) poll() {
	nowPresent := probe(m.root)

	m.mu.Lock()
	wasPresent := m.present
	m.present = nowPresent
	var callbacks []Callback
	if wasPresent && !nowPresent {
		callbacks = append([]Callback(nil), m.onGone...)
	} else if !wasPresent && nowPresent {
		callbacks = append([]Callback(nil), m.onBack...)
	}
	m.mu.Unlock()

	for _, cb := range callbacks {
		cb()
	}
}

// probe reports whether root currently exists and is a directory. A
// missing mount point (unmounted external drive, dropped network share)
// surfaces as os.Stat returning a not-exist error.
func probe(root string) bool {
	info, err := os.Stat(root)
	if err != nil {
		return false
	}
	return info.IsDir()
}
