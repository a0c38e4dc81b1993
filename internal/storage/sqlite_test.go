package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "autobridge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenBootstraps(t *testing.T) {
	db := openTestDB(t)

	// Bootstrap is idempotent.
	require.NoError(t, Bootstrap(context.Background(), db))

	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name IN ('dispatch_log','automator_cache');`).Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestDispatchLogRecordAndRecent(t *testing.T) {
	ctx := context.Background()
	l := NewDispatchLog(openTestDB(t))

	base := time.Now().UTC().Add(-time.Minute)
	for i := 0; i < 3; i++ {
		rec := DispatchRecord{
			AutomatorID: "auto_1",
			ItemID:      "macro_7",
			ItemType:    "macro",
			Token:       "TEST1",
			Port:        9993,
			Source:      "tcp:9993",
			Status:      StatusOK,
			CreatedAt:   base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, l.Record(ctx, rec))
	}
	require.NoError(t, l.Record(ctx, DispatchRecord{
		AutomatorID: "auto_2",
		ItemID:      "btn_1",
		ItemType:    "button",
		Source:      "api",
		Status:      StatusFailed,
		Error:       "connection_refused",
	}))

	recent, err := l.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "auto_2", recent[0].AutomatorID)
	assert.Equal(t, StatusFailed, recent[0].Status)
	assert.Equal(t, "connection_refused", recent[0].Error)
	assert.Equal(t, "auto_1", recent[1].AutomatorID)
}

func TestDispatchLogPrunes(t *testing.T) {
	ctx := context.Background()
	l := NewDispatchLog(openTestDB(t))
	l.maxRows = 5

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 8; i++ {
		require.NoError(t, l.Record(ctx, DispatchRecord{
			AutomatorID: "auto_1",
			ItemID:      "macro_7",
			ItemType:    "macro",
			Source:      "tcp:9993",
			Status:      StatusOK,
			CreatedAt:   base.Add(time.Duration(i) * time.Second),
		}))
	}

	recent, err := l.Recent(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, recent, 5)
}

func TestCacheStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewCacheStore(openTestDB(t))

	snap := json.RawMessage(`{"macros":[{"id":"macro_7","type":"macro","title":"Cut"}]}`)
	require.NoError(t, s.SaveSnapshot(ctx, "auto_1", snap, time.Now()))

	// Upsert replaces.
	snap2 := json.RawMessage(`{"macros":[]}`)
	require.NoError(t, s.SaveSnapshot(ctx, "auto_1", snap2, time.Now()))

	all, err := s.LoadSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.JSONEq(t, string(snap2), string(all["auto_1"]))

	require.NoError(t, s.DeleteSnapshot(ctx, "auto_1"))
	all, err = s.LoadSnapshots(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestCacheStoreRejectsInvalidJSON(t *testing.T) {
	s := NewCacheStore(openTestDB(t))
	err := s.SaveSnapshot(context.Background(), "auto_1", json.RawMessage("{nope"), time.Now())
	assert.Error(t, err)
}
