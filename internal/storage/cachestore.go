package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// CacheStore persists per-automator item snapshots so mappings keep
// resolving across restarts while an automator is offline.
type CacheStore struct {
	db *sql.DB
}

// NewCacheStore creates a cache store over db.
func NewCacheStore(db *sql.DB) *CacheStore {
	return &CacheStore{db: db}
}

// SaveSnapshot upserts the snapshot JSON for one automator.
func (s *CacheStore) SaveSnapshot(ctx context.Context, automatorID string, snapshot json.RawMessage, fetchedAt time.Time) error {
	if automatorID == "" {
		return fmt.Errorf("automator id is empty")
	}
	if !json.Valid(snapshot) {
		return fmt.Errorf("snapshot is invalid JSON for automator=%q", automatorID)
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO automator_cache(automator_id, snapshot, fetched_at)
VALUES(?, ?, ?)
ON CONFLICT(automator_id) DO UPDATE SET
  snapshot = excluded.snapshot,
  fetched_at = excluded.fetched_at;
`, automatorID, string(snapshot), fetchedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert automator cache: %w", err)
	}
	return nil
}

// LoadSnapshots returns every stored snapshot keyed by automator id.
func (s *CacheStore) LoadSnapshots(ctx context.Context) (map[string]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT automator_id, snapshot FROM automator_cache;")
	if err != nil {
		return nil, fmt.Errorf("query automator cache: %w", err)
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan automator cache: %w", err)
		}
		if !json.Valid([]byte(raw)) {
			return nil, fmt.Errorf("stored snapshot is invalid JSON for automator=%q", id)
		}
		out[id] = json.RawMessage(raw)
	}
	return out, rows.Err()
}

// DeleteSnapshot removes the stored snapshot for one automator.
func (s *CacheStore) DeleteSnapshot(ctx context.Context, automatorID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM automator_cache WHERE automator_id = ?;", automatorID)
	if err != nil {
		return fmt.Errorf("delete automator cache: %w", err)
	}
	return nil
}
