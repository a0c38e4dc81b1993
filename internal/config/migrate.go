package config

import (
	"strings"

	"github.com/google/uuid"
)

// legacyAutomatorName labels the single target synthesized during migration.
const legacyAutomatorName = "Primary Automator"

// NeedsMigration reports whether doc uses a pre-1.1.0 schema. Old documents
// either carry an explicit older version or the single "automator" block.
func NeedsMigration(doc *Document) bool {
	if doc.LegacyAutomator != nil {
		return true
	}
	version := doc.ConfigVersion
	if version == "" {
		version = "1.0.0"
	}
	return version < CurrentVersion
}

// Migrate upgrades a document of any supported older schema to the current
// one. Applying it to an already-current document is a no-op. Migration
// never discards listener or mapping data.
//
// For the legacy single-target schema it synthesizes exactly one automator
// with a fresh id, rewrites every mapping to reference it, defaults missing
// item types to macro, and clears first_run (a configured document implies
// the user is already onboarded).
func Migrate(doc *Document) (*Document, bool) {
	if !NeedsMigration(doc) {
		return doc, false
	}

	out := &Document{
		ConfigVersion: CurrentVersion,
		FirstRun:      false,
		TCPListeners:  append([]TCPListener(nil), doc.TCPListeners...),
		TCPCommands:   append([]TCPCommand(nil), doc.TCPCommands...),
		Automators:    []Automator{},
		Mappings:      []CommandMapping{},
	}

	// Legacy commands had no port scoping. When the document has exactly
	// one enabled listener the intent is unambiguous; otherwise 0 keeps
	// the old match-any behavior.
	port := soleEnabledPort(doc.TCPListeners)
	for i := range out.TCPCommands {
		if out.TCPCommands[i].ListenerPort == 0 {
			out.TCPCommands[i].ListenerPort = port
		}
	}

	legacy := doc.LegacyAutomator
	if legacy != nil && strings.TrimSpace(legacy.URL) != "" {
		id := NewAutomatorID()
		out.Automators = []Automator{{
			ID:      id,
			Name:    legacyAutomatorName,
			URL:     legacy.URL,
			APIKey:  legacy.APIKey,
			Enabled: legacy.Enabled,
		}}
		for _, m := range doc.Mappings {
			m.AutomatorID = id
			if m.ItemType == "" {
				m.ItemType = ItemMacro
			}
			out.Mappings = append(out.Mappings, m)
		}
	} else {
		// Partially upgraded document, or a legacy block with no usable
		// URL: keep whatever targets and mappings exist, only the version
		// and field defaults need fixing.
		out.Automators = append(out.Automators, doc.Automators...)
		for _, m := range doc.Mappings {
			if m.ItemType == "" {
				m.ItemType = ItemMacro
			}
			out.Mappings = append(out.Mappings, m)
		}
	}

	return out, true
}

// NewAutomatorID generates a unique automator id.
func NewAutomatorID() string {
	return "auto_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func soleEnabledPort(listeners []TCPListener) int {
	port := 0
	for _, l := range listeners {
		if !l.Enabled {
			continue
		}
		if port != 0 {
			return 0
		}
		port = l.Port
	}
	return port
}
