package watcher

import (
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// EventKind classifies a raw file-system notification delivered over a
// single inbound channel, rather than per-registration callbacks.
type EventKind string

const (
	EventAppeared EventKind = "appeared"
	EventChanged  EventKind = "changed"
	EventDeleted  EventKind = "deleted"
)

// RawEvent is one coalescable change notification for a relative path.
type RawEvent struct {
	Kind EventKind
	Path string // relative to the watched root
}

// RawSource produces a channel of RawEvent for everything under root.
// fsnotify.Rename surfaces here as a delete of the old name; the
// corresponding new name arrives separately as an appeared event, which
// handleFile treats identically to any other new file (no case-change
// detection depends on this path — that only fires from smart-scan and
// ledger-casing comparisons).
type RawSource struct {
	root    string
	watcher *fsnotify.Watcher
	events  chan RawEvent
	logger  *slog.Logger
}

// NewRawSource starts an fsnotify watcher whose events are reported
// relative to root. No directory is watched until AddDir registers one,
// and subdirectories are not added automatically: changes inside a
// directory that was never passed to AddDir produce no events.
func NewRawSource(root string, logger *slog.Logger) (*RawSource, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	rs := &RawSource{
		root:    root,
		watcher: w,
		events:  make(chan RawEvent, 256),
		logger:  logger,
	}
	go rs.loop()
	return rs, nil
}

// AddDir registers absDir (and nothing below it) for notifications.
func (rs *RawSource) AddDir(absDir string) error {
	return rs.watcher.Add(absDir)
}

// Events returns the channel of coalescable raw events.
func (rs *RawSource) Events() <-chan RawEvent {
	return rs.events
}

// Close stops the underlying fsnotify watcher.
func (rs *RawSource) Close() error {
	return rs.watcher.Close()
}

func (rs *RawSource) loop() {
	for {
		select {
		case ev, ok := <-rs.watcher.Events:
			if !ok {
				close(rs.events)
				return
			}
			rs.handle(ev)
		case err, ok := <-rs.watcher.Errors:
			if !ok {
				return
			}
			rs.logger.Warn("file watcher error", "error", err)
		}
	}
}

func (rs *RawSource) handle(ev fsnotify.Event) {
	rel, err := filepath.Rel(rs.root, ev.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || strings.HasPrefix(rel, "..") {
		return
	}

	var kind EventKind
	switch {
	case ev.Op&fsnotify.Create != 0:
		kind = EventAppeared
	case ev.Op&fsnotify.Write != 0:
		kind = EventChanged
	case ev.Op&fsnotify.Remove != 0, ev.Op&fsnotify.Rename != 0:
		kind = EventDeleted
	default:
		return
	}

	select {
	case rs.events <- RawEvent{Kind: kind, Path: rel}:
	default:
		rs.logger.Warn("raw event channel full, dropping event", "path", rel)
	}
}
