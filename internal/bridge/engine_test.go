package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elliottw/autobridge/internal/cache"
	"github.com/elliottw/autobridge/internal/config"
	"github.com/elliottw/autobridge/internal/dispatch"
	"github.com/elliottw/autobridge/internal/events"
	"github.com/elliottw/autobridge/internal/registry"
	"github.com/elliottw/autobridge/internal/resolver"
	"github.com/elliottw/autobridge/internal/storage"
)

func newTestEngine(t *testing.T, targetURL string) (*Engine, *registry.Registry, *events.Hub) {
	t.Helper()

	doc := config.DefaultDocument()
	doc.Automators = []config.Automator{
		{ID: "auto_aaa", Name: "Studio A", URL: targetURL, Enabled: true},
	}
	doc.TCPCommands = []config.TCPCommand{
		{ID: "cmd-go", Trigger: "GO", ListenerPort: 9000},
		{ID: "cmd-btn", Trigger: "PRESS", ListenerPort: 9000},
	}
	doc.Mappings = []config.CommandMapping{
		{TCPCommandID: "cmd-go", AutomatorID: "auto_aaa", ItemID: "macro-1", ItemType: config.ItemMacro},
		{TCPCommandID: "cmd-btn", AutomatorID: "auto_aaa", ItemID: "btn-1", ItemType: config.ItemButton},
	}

	reg := registry.New(doc, nil)
	client := dispatch.New(2 * time.Second)
	store := cache.New(client, nil)
	hub := events.NewHub(64)
	eng := New(reg, resolver.New(reg, store), client, store, nil, hub, 8)
	return eng, reg, hub
}

func waitEvent(t *testing.T, ch <-chan events.Event, eventType string) events.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == eventType {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", eventType)
		}
	}
}

func TestHandleCommandDispatchesMappedToken(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	eng, _, hub := newTestEngine(t, srv.URL)
	ch, cancel := hub.Subscribe()
	defer cancel()

	eng.HandleCommand(context.Background(), 9000, "GO")
	ev := waitEvent(t, ch, events.TypeDispatch)
	eng.Wait()

	var rec storage.DispatchRecord
	require.NoError(t, json.Unmarshal(ev.Data, &rec))
	assert.Equal(t, storage.StatusOK, rec.Status)
	assert.Equal(t, "GO", rec.Token)
	assert.Equal(t, 9000, rec.Port)
	assert.Equal(t, SourceTCP, rec.Source)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"POST /api/macro/macro-1"}, paths)
}

func TestHandleCommandUnmatchedTokenIsSilent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected dispatch to %s", r.URL.Path)
	}))
	defer srv.Close()

	eng, _, hub := newTestEngine(t, srv.URL)
	ch, cancel := hub.Subscribe()
	defer cancel()

	eng.HandleCommand(context.Background(), 9000, "NOPE")
	eng.Wait()

	ev := waitEvent(t, ch, events.TypeTCPCommand)
	var cmd commandEvent
	require.NoError(t, json.Unmarshal(ev.Data, &cmd))
	assert.False(t, cmd.Matched)
}

func TestHandleCommandWrongPortIsSilent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected dispatch to %s", r.URL.Path)
	}))
	defer srv.Close()

	eng, _, _ := newTestEngine(t, srv.URL)
	eng.HandleCommand(context.Background(), 9999, "GO")
	eng.Wait()
}

func TestHandleCommandSkipsDisabledAutomator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected dispatch to %s", r.URL.Path)
	}))
	defer srv.Close()

	eng, reg, _ := newTestEngine(t, srv.URL)
	target, _ := reg.Automator("auto_aaa")
	target.Enabled = false
	require.NoError(t, reg.UpdateAutomator("auto_aaa", target))

	eng.HandleCommand(context.Background(), 9000, "GO")
	eng.Wait()
}

func TestRepeatedTokensDispatchIndependently(t *testing.T) {
	started := make(chan struct{}, 4)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started <- struct{}{}
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	eng, _, _ := newTestEngine(t, srv.URL)
	eng.HandleCommand(context.Background(), 9000, "GO")
	eng.HandleCommand(context.Background(), 9000, "GO")

	// Both dispatches must be in flight before either completes.
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("dispatches did not run concurrently")
		}
	}
	close(release)
	eng.Wait()
}

func TestDispatchFailureRecordsErrorCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	eng, _, hub := newTestEngine(t, srv.URL)
	ch, cancel := hub.Subscribe()
	defer cancel()

	eng.HandleCommand(context.Background(), 9000, "GO")
	ev := waitEvent(t, ch, events.TypeDispatch)
	eng.Wait()

	var rec storage.DispatchRecord
	require.NoError(t, json.Unmarshal(ev.Data, &rec))
	assert.Equal(t, storage.StatusFailed, rec.Status)
	assert.Equal(t, "http_status_503", rec.Error)
}

func TestTriggerManual(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	eng, _, _ := newTestEngine(t, srv.URL)

	result, err := eng.TriggerManual(context.Background(), "auto_aaa", config.ItemButton, "btn-9")
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, "/api/trigger/button/btn-9", gotPath)

	_, err = eng.TriggerManual(context.Background(), "auto_zzz", config.ItemMacro, "m")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestTriggerMapping(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	eng, _, _ := newTestEngine(t, srv.URL)

	result, err := eng.TriggerMapping(context.Background(), "cmd-btn")
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, "/api/trigger/button/btn-1", gotPath)

	_, err = eng.TriggerMapping(context.Background(), "cmd-nope")
	assert.ErrorIs(t, err, registry.ErrMappingNotFound)
}

func TestRefreshCacheUnknownTarget(t *testing.T) {
	eng, _, _ := newTestEngine(t, "http://127.0.0.1:1")
	_, err := eng.RefreshCache(context.Background(), "auto_zzz")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestTestTarget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/app/webconnection", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	eng, _, _ := newTestEngine(t, srv.URL)

	status, err := eng.TestTarget(context.Background(), "auto_aaa")
	require.NoError(t, err)
	assert.True(t, status.Connected)
	assert.Equal(t, "auto_aaa", status.AutomatorID)
}
