package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elliottw/autobridge/internal/log"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "config.json"), log.WithComponent("config-test"))
}

func TestStoreLoadCreatesDefault(t *testing.T) {
	s := newTestStore(t)

	doc, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, doc.ConfigVersion)
	assert.True(t, doc.FirstRun)
	assert.NotNil(t, doc.Automators)

	// The default document was persisted.
	_, err = os.Stat(s.Path())
	require.NoError(t, err)
}

func TestStoreRoundTrip(t *testing.T) {
	s := newTestStore(t)

	doc := DefaultDocument()
	doc.FirstRun = false
	doc.Automators = []Automator{{ID: "auto_11112222", Name: "Studio A", URL: "http://10.0.0.5:8000", Enabled: true}}
	doc.Mappings = []CommandMapping{{TCPCommandID: "cmd_1", AutomatorID: "auto_11112222", ItemID: "macro_7", ItemType: ItemMacro}}
	require.NoError(t, s.Save(doc))

	loaded, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, doc.Automators, loaded.Automators)
	assert.Equal(t, doc.Mappings, loaded.Mappings)
}

func TestStoreCorruptDocumentFallsBack(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(s.Path(), []byte("{not json"), 0o600))

	doc, err := s.Load()
	require.Error(t, err)
	require.NotNil(t, doc, "caller always gets a usable document")
	assert.Equal(t, CurrentVersion, doc.ConfigVersion)
	assert.Empty(t, doc.Automators)
}

func TestStoreLoadMigratesLegacyDocument(t *testing.T) {
	s := newTestStore(t)
	legacy := map[string]any{
		"config_version": "1.0.0",
		"first_run":      true,
		"automator":      map[string]any{"url": "10.1.2.3:8000", "enabled": true},
		"tcp_listeners":  []map[string]any{{"port": 9993, "name": "mixer", "enabled": true}},
		"tcp_commands":   []map[string]any{{"id": "cmd_1", "name": "Cut", "tcp_trigger": "CUT1"}},
		"command_mappings": []map[string]any{
			{"tcp_command_id": "cmd_1", "automator_macro_id": "macro_7"},
		},
	}
	raw, err := json.Marshal(legacy)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.Path(), raw, 0o600))

	doc, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, doc.ConfigVersion)
	require.Len(t, doc.Automators, 1)
	require.Len(t, doc.Mappings, 1)
	assert.Equal(t, doc.Automators[0].ID, doc.Mappings[0].AutomatorID)

	// Reload sees the persisted migrated form, not the legacy one.
	again, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, doc, again)
}

func TestChecksumSidecar(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(DefaultDocument()))

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	require.NoError(t, VerifyChecksum(s.Path(), data))

	// Out-of-band edits are detected.
	tampered := append(data, '\n', ' ')
	assert.Error(t, VerifyChecksum(s.Path(), tampered))

	// A missing sidecar is tolerated.
	require.NoError(t, os.Remove(s.Path()+checksumSuffix))
	assert.NoError(t, VerifyChecksum(s.Path(), data))
}
