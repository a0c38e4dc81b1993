package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/elliottw/autobridge/internal/config"
	"github.com/elliottw/autobridge/internal/dispatch"
	"github.com/elliottw/autobridge/internal/log"
)

// Snapshot is one fetch generation of a target's items. A snapshot is
// immutable once committed: readers hold the pointer, never a partial mix
// of two generations.
type Snapshot struct {
	Macros    []dispatch.Item `json:"macros"`
	Buttons   []dispatch.Item `json:"buttons"`
	Shortcuts []dispatch.Item `json:"shortcuts"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Items returns the snapshot contents as a flat list, category order
// macro, button, shortcut.
func (s *Snapshot) Items() []dispatch.Item {
	out := make([]dispatch.Item, 0, len(s.Macros)+len(s.Buttons)+len(s.Shortcuts))
	out = append(out, s.Macros...)
	out = append(out, s.Buttons...)
	out = append(out, s.Shortcuts...)
	return out
}

// Fetcher fetches all three item categories for one automator.
type Fetcher interface {
	FetchItems(ctx context.Context, target config.Automator) (*dispatch.ItemSet, error)
}

// Persister stores snapshots across restarts. May be nil.
type Persister interface {
	SaveSnapshot(ctx context.Context, automatorID string, snapshot json.RawMessage, fetchedAt time.Time) error
	LoadSnapshots(ctx context.Context) (map[string]json.RawMessage, error)
	DeleteSnapshot(ctx context.Context, automatorID string) error
}

// Store maps automator ids to their current snapshot. Refresh swaps the
// whole per-target snapshot in one step; reads never wait on an in-flight
// refresh.
type Store struct {
	mu    sync.RWMutex
	snaps map[string]*Snapshot

	fetcher Fetcher
	persist Persister
	logger  *slog.Logger
}

// New creates a Store. persist may be nil for a memory-only cache.
func New(fetcher Fetcher, persist Persister) *Store {
	return &Store{
		snaps:   make(map[string]*Snapshot),
		fetcher: fetcher,
		persist: persist,
		logger:  log.WithComponent("cache"),
	}
}

// Load restores persisted snapshots. Call once at startup, before any
// listener starts feeding the resolver.
func (s *Store) Load(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	stored, err := s.persist.LoadSnapshots(ctx)
	if err != nil {
		return fmt.Errorf("load cache snapshots: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, raw := range stored {
		var snap Snapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			s.logger.Warn("discarding unreadable cache snapshot", "automator_id", id, "error", err)
			continue
		}
		s.snaps[id] = &snap
	}
	s.logger.Info("cache snapshots loaded", "automators", len(s.snaps))
	return nil
}

// Snapshot returns the committed snapshot for one automator, if any.
func (s *Store) Snapshot(automatorID string) (*Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[automatorID]
	return snap, ok
}

// Refresh fetches all three categories for one target and commits them as
// a new snapshot. A failed fetch leaves the previous snapshot untouched
// and returns the error without evicting anything.
func (s *Store) Refresh(ctx context.Context, target config.Automator) (*Snapshot, error) {
	set, err := s.fetcher.FetchItems(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("refresh %s: %w", target.ID, err)
	}

	snap := &Snapshot{
		Macros:    set.Macros,
		Buttons:   set.Buttons,
		Shortcuts: set.Shortcuts,
		FetchedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.snaps[target.ID] = snap
	s.mu.Unlock()

	s.logger.Info("cache refreshed",
		"automator_id", target.ID,
		"macros", len(snap.Macros),
		"buttons", len(snap.Buttons),
		"shortcuts", len(snap.Shortcuts),
	)

	if s.persist != nil {
		raw, err := json.Marshal(snap)
		if err == nil {
			err = s.persist.SaveSnapshot(ctx, target.ID, raw, snap.FetchedAt)
		}
		if err != nil {
			// Persistence is best-effort; the committed snapshot stands.
			s.logger.Warn("failed to persist cache snapshot", "automator_id", target.ID, "error", err)
		}
	}

	return snap, nil
}

// Drop removes a target's snapshot, e.g. after the target is deleted.
func (s *Store) Drop(ctx context.Context, automatorID string) {
	s.mu.Lock()
	delete(s.snaps, automatorID)
	s.mu.Unlock()

	if s.persist != nil {
		if err := s.persist.DeleteSnapshot(ctx, automatorID); err != nil {
			s.logger.Warn("failed to delete persisted snapshot", "automator_id", automatorID, "error", err)
		}
	}
}

// FindItemType scans a target's cached categories in order macro, button,
// shortcut and returns the category of the first one containing itemID.
// Used by the resolver's legacy mapping shim.
func (s *Store) FindItemType(automatorID, itemID string) (config.ItemType, bool) {
	snap, ok := s.Snapshot(automatorID)
	if !ok {
		return "", false
	}
	for _, it := range snap.Macros {
		if it.ID == itemID {
			return config.ItemMacro, true
		}
	}
	for _, it := range snap.Buttons {
		if it.ID == itemID {
			return config.ItemButton, true
		}
	}
	for _, it := range snap.Shortcuts {
		if it.ID == itemID {
			return config.ItemShortcut, true
		}
	}
	return "", false
}
