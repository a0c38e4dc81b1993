package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elliottw/autobridge/internal/config"
	"github.com/elliottw/autobridge/internal/registry"
)

type stubTypeFinder struct {
	types map[string]config.ItemType
}

func (s *stubTypeFinder) FindItemType(automatorID, itemID string) (config.ItemType, bool) {
	t, ok := s.types[automatorID+"/"+itemID]
	return t, ok
}

func testRegistry() *registry.Registry {
	doc := config.DefaultDocument()
	doc.Automators = []config.Automator{
		{ID: "auto_aaa", Name: "Studio A", URL: "http://10.0.0.5:8080", Enabled: true},
	}
	doc.TCPCommands = []config.TCPCommand{
		{ID: "cmd-go", Trigger: "GO", ListenerPort: 9000},
		{ID: "cmd-go-alt", Trigger: "GO", ListenerPort: 9001},
		{ID: "cmd-stop", Trigger: "STOP", ListenerPort: 0},
		{ID: "cmd-unmapped", Trigger: "NOOP", ListenerPort: 9000},
	}
	doc.Mappings = []config.CommandMapping{
		{TCPCommandID: "cmd-go", AutomatorID: "auto_aaa", ItemID: "macro-1", ItemType: config.ItemMacro},
		{TCPCommandID: "cmd-go-alt", AutomatorID: "auto_aaa", ItemID: "btn-1", ItemType: config.ItemButton},
		{TCPCommandID: "cmd-stop", AutomatorID: "auto_aaa", ItemID: "macro-2", ItemType: config.ItemMacro},
	}
	return registry.New(doc, nil)
}

func TestResolveScopedToPort(t *testing.T) {
	r := New(testRegistry(), nil)

	res, err := r.Resolve(9000, "GO")
	require.NoError(t, err)
	assert.Equal(t, "cmd-go", res.Command.ID)
	assert.Equal(t, "macro-1", res.Mapping.ItemID)

	res, err = r.Resolve(9001, "GO")
	require.NoError(t, err)
	assert.Equal(t, "cmd-go-alt", res.Command.ID)
	assert.Equal(t, config.ItemButton, res.Mapping.ItemType)
}

func TestResolveExactMatchOnly(t *testing.T) {
	r := New(testRegistry(), nil)

	for _, token := range []string{"go", "GO ", " GO", "GOO", ""} {
		_, err := r.Resolve(9000, token)
		assert.ErrorIs(t, err, ErrNoMapping, "token %q", token)
	}
}

func TestResolveWildcardPortMatchesAnywhere(t *testing.T) {
	r := New(testRegistry(), nil)

	for _, port := range []int{9000, 9001, 12345} {
		res, err := r.Resolve(port, "STOP")
		require.NoError(t, err)
		assert.Equal(t, "cmd-stop", res.Command.ID)
	}
}

func TestResolveScopedCommandBeatsWildcard(t *testing.T) {
	reg := testRegistry()
	require.NoError(t, reg.SetCommands([]config.TCPCommand{
		{ID: "cmd-any", Trigger: "CUE", ListenerPort: 0},
		{ID: "cmd-here", Trigger: "CUE", ListenerPort: 7000},
	}))
	require.NoError(t, reg.AddMapping(config.CommandMapping{TCPCommandID: "cmd-any", AutomatorID: "auto_aaa", ItemID: "a", ItemType: config.ItemMacro}))
	require.NoError(t, reg.AddMapping(config.CommandMapping{TCPCommandID: "cmd-here", AutomatorID: "auto_aaa", ItemID: "b", ItemType: config.ItemMacro}))
	r := New(reg, nil)

	res, err := r.Resolve(7000, "CUE")
	require.NoError(t, err)
	assert.Equal(t, "cmd-here", res.Command.ID)

	res, err = r.Resolve(7001, "CUE")
	require.NoError(t, err)
	assert.Equal(t, "cmd-any", res.Command.ID)
}

func TestResolveUnmappedCommand(t *testing.T) {
	r := New(testRegistry(), nil)

	_, err := r.Resolve(9000, "NOOP")
	assert.ErrorIs(t, err, ErrNoMapping)
}

func TestResolveMissingAutomator(t *testing.T) {
	reg := testRegistry()
	_, err := reg.DeleteConfirm("auto_aaa", false)
	require.NoError(t, err)
	r := New(reg, nil)

	_, err = r.Resolve(9000, "GO")
	assert.ErrorIs(t, err, ErrNoMapping)
}

func TestResolveInfersLegacyItemType(t *testing.T) {
	reg := testRegistry()
	require.NoError(t, reg.UpdateMapping("cmd-go", config.CommandMapping{
		AutomatorID: "auto_aaa", ItemID: "btn-7",
	}))
	finder := &stubTypeFinder{types: map[string]config.ItemType{
		"auto_aaa/btn-7": config.ItemButton,
	}}
	r := New(reg, finder)

	res, err := r.Resolve(9000, "GO")
	require.NoError(t, err)
	assert.Equal(t, config.ItemButton, res.Mapping.ItemType)

	// Inference is persisted back onto the mapping.
	m, ok := reg.Mapping("cmd-go")
	require.True(t, ok)
	assert.Equal(t, config.ItemButton, m.ItemType)
}

func TestResolveDefaultsToMacroWhenNotCached(t *testing.T) {
	reg := testRegistry()
	require.NoError(t, reg.UpdateMapping("cmd-go", config.CommandMapping{
		AutomatorID: "auto_aaa", ItemID: "mystery",
	}))
	r := New(reg, &stubTypeFinder{})

	res, err := r.Resolve(9000, "GO")
	require.NoError(t, err)
	assert.Equal(t, config.ItemMacro, res.Mapping.ItemType)
}
