package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DispatchRecord is one completed dispatch, successful or not.
type DispatchRecord struct {
	ID          string    `json:"id"`
	AutomatorID string    `json:"automator_id"`
	ItemID      string    `json:"item_id"`
	ItemType    string    `json:"item_type"`
	Token       string    `json:"token,omitempty"`
	Port        int       `json:"port,omitempty"`
	Source      string    `json:"source"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	DurationMS  int64     `json:"duration_ms"`
	CreatedAt   time.Time `json:"created_at"`
}

// Dispatch statuses.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// DispatchLog persists dispatch results for the status endpoint. History
// is bounded: Record prunes beyond maxRows oldest-first.
type DispatchLog struct {
	db      *sql.DB
	maxRows int
}

const defaultMaxDispatchRows = 1000

// NewDispatchLog creates a dispatch log over db.
func NewDispatchLog(db *sql.DB) *DispatchLog {
	return &DispatchLog{db: db, maxRows: defaultMaxDispatchRows}
}

// Record inserts one dispatch result. A zero ID is assigned.
func (l *DispatchLog) Record(ctx context.Context, rec DispatchRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := l.db.ExecContext(ctx, `
INSERT INTO dispatch_log(id, automator_id, item_id, item_type, token, port, source, status, error, duration_ms, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, rec.ID, rec.AutomatorID, rec.ItemID, rec.ItemType, rec.Token, rec.Port, rec.Source,
		rec.Status, nullIfEmpty(rec.Error), rec.DurationMS, rec.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert dispatch record: %w", err)
	}

	return l.prune(ctx)
}

// Recent returns the latest n records, newest-first.
func (l *DispatchLog) Recent(ctx context.Context, n int) ([]DispatchRecord, error) {
	if n <= 0 {
		n = 50
	}
	rows, err := l.db.QueryContext(ctx, `
SELECT id, automator_id, item_id, item_type, COALESCE(token, ''), COALESCE(port, 0), source, status, COALESCE(error, ''), duration_ms, created_at
FROM dispatch_log ORDER BY created_at DESC LIMIT ?;
`, n)
	if err != nil {
		return nil, fmt.Errorf("query dispatch log: %w", err)
	}
	defer rows.Close()

	var out []DispatchRecord
	for rows.Next() {
		var rec DispatchRecord
		var created string
		if err := rows.Scan(&rec.ID, &rec.AutomatorID, &rec.ItemID, &rec.ItemType, &rec.Token,
			&rec.Port, &rec.Source, &rec.Status, &rec.Error, &rec.DurationMS, &created); err != nil {
			return nil, fmt.Errorf("scan dispatch record: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
			rec.CreatedAt = t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (l *DispatchLog) prune(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
DELETE FROM dispatch_log WHERE id NOT IN (
  SELECT id FROM dispatch_log ORDER BY created_at DESC LIMIT ?
);`, l.maxRows)
	if err != nil {
		return fmt.Errorf("prune dispatch log: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
