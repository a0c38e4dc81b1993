package config

import "time"

// CurrentVersion is the schema version written by this build. Only the
// migrator is allowed to change a document's ConfigVersion.
const CurrentVersion = "1.1.0"

// ItemType classifies what a mapping triggers on the remote automator.
type ItemType string

const (
	ItemMacro    ItemType = "macro"
	ItemButton   ItemType = "button"
	ItemShortcut ItemType = "shortcut"
)

// Valid reports whether t is one of the three known item kinds.
func (t ItemType) Valid() bool {
	return t == ItemMacro || t == ItemButton || t == ItemShortcut
}

// Automator is a remote HTTP endpoint exposing macro/button/shortcut APIs.
type Automator struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	URL     string `json:"url"`
	APIKey  string `json:"api_key,omitempty"`
	Enabled bool   `json:"enabled"`
}

// TCPListener describes one listening socket.
type TCPListener struct {
	Port    int    `json:"port"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// TCPCommand defines a literal token scoped to a listening port.
// ListenerPort 0 matches any port; it only appears in documents migrated
// from the legacy schema, which had no port scoping.
type TCPCommand struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Trigger      string `json:"tcp_trigger"`
	ListenerPort int    `json:"listener_port"`
	Description  string `json:"description,omitempty"`
}

// CommandMapping associates a TCP command with an item on one automator.
// ItemType may be empty in documents written by old builds; the resolver
// infers it once and persists the result.
type CommandMapping struct {
	TCPCommandID string   `json:"tcp_command_id"`
	AutomatorID  string   `json:"automator_id"`
	ItemID       string   `json:"automator_macro_id"`
	ItemName     string   `json:"automator_macro_name,omitempty"`
	ItemType     ItemType `json:"item_type,omitempty"`
}

// Document is the persisted configuration root.
type Document struct {
	ConfigVersion string           `json:"config_version"`
	FirstRun      bool             `json:"first_run"`
	TCPListeners  []TCPListener    `json:"tcp_listeners"`
	TCPCommands   []TCPCommand     `json:"tcp_commands"`
	Automators    []Automator      `json:"automators"`
	Mappings      []CommandMapping `json:"command_mappings"`

	// LegacyAutomator holds the pre-1.1.0 single-target block. It is only
	// populated when reading an old document and is cleared by migration.
	LegacyAutomator *legacyAutomator `json:"automator,omitempty"`
}

type legacyAutomator struct {
	URL     string `json:"url"`
	APIKey  string `json:"api_key,omitempty"`
	Enabled bool   `json:"enabled"`
}

// DefaultDocument returns the empty current-version document used when no
// configuration exists yet or the stored one is unreadable.
func DefaultDocument() *Document {
	return &Document{
		ConfigVersion: CurrentVersion,
		FirstRun:      true,
		TCPListeners:  []TCPListener{},
		TCPCommands:   []TCPCommand{},
		Automators:    []Automator{},
		Mappings:      []CommandMapping{},
	}
}

// Settings holds service-level configuration loaded from autobridge.yaml.
// The persisted Document is separate: Settings describe how the daemon
// runs, the Document describes what it bridges.
type Settings struct {
	Service  ServiceSettings  `yaml:"service"`
	Admin    AdminSettings    `yaml:"admin"`
	Dispatch DispatchSettings `yaml:"dispatch"`
	Data     DataSettings     `yaml:"data"`
}

// ServiceSettings defines core service settings.
type ServiceSettings struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// AdminSettings defines the administrative HTTP interface.
type AdminSettings struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	APIKey  string `yaml:"api_key"`
}

// DispatchSettings bound outbound HTTP behavior.
type DispatchSettings struct {
	Timeout     time.Duration `yaml:"timeout"`
	MaxInflight int           `yaml:"max_inflight"`
}

// DataSettings locate the persisted document and the sqlite database.
type DataSettings struct {
	ConfigPath string `yaml:"config_path"`
	DBPath     string `yaml:"db_path"`
}

// DefaultSettings returns Settings with sensible defaults.
func DefaultSettings() *Settings {
	return &Settings{
		Service: ServiceSettings{
			Name:     "autobridge",
			LogLevel: "info",
		},
		Admin: AdminSettings{
			Enabled: true,
			Listen:  "127.0.0.1:3114",
		},
		Dispatch: DispatchSettings{
			Timeout:     5 * time.Second,
			MaxInflight: 32,
		},
		Data: DataSettings{
			ConfigPath: "./data/config.json",
			DBPath:     "./data/autobridge.db",
		},
	}
}
