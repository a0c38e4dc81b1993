package resolver

import (
	"errors"
	"log/slog"

	"github.com/elliottw/autobridge/internal/config"
	"github.com/elliottw/autobridge/internal/log"
	"github.com/elliottw/autobridge/internal/registry"
)

// ErrNoMapping means the token matched no configured command on the
// receiving port. The listener drops the line without replying.
var ErrNoMapping = errors.New("no mapping for token")

// TypeFinder looks up an item's type in the cached automator inventory.
// Used to backfill mappings written before types were recorded.
type TypeFinder interface {
	FindItemType(automatorID, itemID string) (config.ItemType, bool)
}

// Resolution is a fully resolved dispatch: the command the token hit,
// its mapping, and the target automator.
type Resolution struct {
	Command   config.TCPCommand
	Mapping   config.CommandMapping
	Automator config.Automator
}

// Resolver turns (port, token) pairs into dispatch targets. Matching is
// exact and scoped to the receiving port; commands with port 0 predate
// port scoping and match on any port.
type Resolver struct {
	reg    *registry.Registry
	types  TypeFinder
	logger *slog.Logger
}

func New(reg *registry.Registry, types TypeFinder) *Resolver {
	return &Resolver{
		reg:    reg,
		types:  types,
		logger: log.WithComponent("resolver"),
	}
}

// Resolve matches a received token against the command table. The token
// arrives already trimmed by the listener; comparison is byte-exact.
func (r *Resolver) Resolve(port int, token string) (*Resolution, error) {
	if token == "" {
		return nil, ErrNoMapping
	}

	var cmd *config.TCPCommand
	for _, c := range r.reg.Commands() {
		if c.Trigger != token {
			continue
		}
		if c.ListenerPort != 0 && c.ListenerPort != port {
			continue
		}
		// A port-scoped command beats a wildcard one for the same token.
		if cmd == nil || (cmd.ListenerPort == 0 && c.ListenerPort == port) {
			matched := c
			cmd = &matched
		}
	}
	if cmd == nil {
		return nil, ErrNoMapping
	}

	mapping, ok := r.reg.Mapping(cmd.ID)
	if !ok {
		return nil, ErrNoMapping
	}

	target, ok := r.reg.Automator(mapping.AutomatorID)
	if !ok {
		return nil, ErrNoMapping
	}

	mapping.ItemType = r.ensureItemType(mapping)
	return &Resolution{Command: *cmd, Mapping: mapping, Automator: target}, nil
}

// ensureItemType backfills a missing item type from the cached inventory,
// defaulting to macro when the item is not cached. A successful lookup is
// written back so the shim runs once per mapping.
func (r *Resolver) ensureItemType(m config.CommandMapping) config.ItemType {
	if m.ItemType.Valid() {
		return m.ItemType
	}

	resolved := config.ItemMacro
	if r.types != nil {
		if found, ok := r.types.FindItemType(m.AutomatorID, m.ItemID); ok {
			resolved = found
		}
	}

	if err := r.reg.SetMappingType(m.TCPCommandID, resolved); err != nil {
		r.logger.Warn("failed to persist inferred item type",
			"tcp_command_id", m.TCPCommandID, "item_type", resolved, "error", err)
	} else {
		r.logger.Info("inferred item type for legacy mapping",
			"tcp_command_id", m.TCPCommandID, "item_type", resolved)
	}
	return resolved
}
