package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/elliottw/autobridge/internal/config"
	"github.com/elliottw/autobridge/internal/log"
)

var (
	// ErrNotFound is returned when an operation references an unknown
	// automator id. Non-fatal: reported to the caller.
	ErrNotFound = errors.New("automator not found")

	// ErrDuplicateID is returned by Add when the id is already taken.
	ErrDuplicateID = errors.New("automator id already exists")

	// ErrMappingNotFound is returned when a mapping operation references
	// an unknown tcp command id.
	ErrMappingNotFound = errors.New("mapping not found")
)

// SaveFunc persists the document after a mutation.
type SaveFunc func(doc *config.Document) error

// DeletePlan is the dry-run result of deleting an automator: the target
// plus every mapping that would be orphaned. Nothing is mutated until the
// caller confirms.
type DeletePlan struct {
	Automator            config.Automator        `json:"automator"`
	Mappings             []config.CommandMapping `json:"orphaned_mappings"`
	Count                int                     `json:"count"`
	RequiresConfirmation bool                    `json:"requires_confirmation"`
}

// Registry owns the configured automators, commands, listeners and
// mappings. All mutations serialize through its lock and flow out through
// the save hook; dispatch-path reads go against the latest committed
// state without waiting on writers.
type Registry struct {
	mu     sync.RWMutex
	doc    *config.Document
	save   SaveFunc
	logger *slog.Logger
}

// New builds a registry over an already-migrated document. save may be
// nil (tests); a failing save aborts the mutation's report but state has
// already committed in memory, mirroring the original's behavior.
func New(doc *config.Document, save SaveFunc) *Registry {
	if doc == nil {
		doc = config.DefaultDocument()
	}
	return &Registry{
		doc:    doc,
		save:   save,
		logger: log.WithComponent("registry"),
	}
}

// Automators returns all configured targets in insertion order.
func (r *Registry) Automators() []config.Automator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]config.Automator(nil), r.doc.Automators...)
}

// Automator returns one target by id.
func (r *Registry) Automator(id string) (config.Automator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.doc.Automators {
		if a.ID == id {
			return a, true
		}
	}
	return config.Automator{}, false
}

// AddAutomator registers a new target. An empty id gets a generated one;
// a duplicate id fails.
func (r *Registry) AddAutomator(a config.Automator) (config.Automator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a.ID == "" {
		a.ID = config.NewAutomatorID()
	}
	for _, existing := range r.doc.Automators {
		if existing.ID == a.ID {
			return config.Automator{}, fmt.Errorf("%w: %s", ErrDuplicateID, a.ID)
		}
	}

	r.doc.Automators = append(r.doc.Automators, a)
	if err := r.saveLocked(); err != nil {
		return a, err
	}
	r.logger.Info("automator added", "automator_id", a.ID, "name", a.Name)
	return a, nil
}

// UpdateAutomator replaces an existing target's configuration.
func (r *Registry) UpdateAutomator(id string, a config.Automator) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, existing := range r.doc.Automators {
		if existing.ID == id {
			a.ID = id
			r.doc.Automators[i] = a
			if err := r.saveLocked(); err != nil {
				return err
			}
			r.logger.Info("automator updated", "automator_id", id, "name", a.Name)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// DeleteDryRun returns the delete plan for a target without mutating
// anything. Confirmation is required before any mapping is removed.
func (r *Registry) DeleteDryRun(id string) (*DeletePlan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	target, ok := r.automatorLocked(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	plan := &DeletePlan{Automator: target, Mappings: []config.CommandMapping{}}
	for _, m := range r.doc.Mappings {
		if m.AutomatorID == id {
			plan.Mappings = append(plan.Mappings, m)
		}
	}
	plan.Count = len(plan.Mappings)
	plan.RequiresConfirmation = plan.Count > 0
	return plan, nil
}

// DeleteConfirm removes the target. With cascade, every dependent mapping
// goes too; without, they stay behind as orphans discoverable via
// Orphans. Returns the number of mappings removed.
func (r *Registry) DeleteConfirm(id string, cascade bool) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.automatorLocked(id); !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	kept := r.doc.Automators[:0]
	for _, a := range r.doc.Automators {
		if a.ID != id {
			kept = append(kept, a)
		}
	}
	r.doc.Automators = kept

	removed := 0
	if cascade {
		keptMappings := r.doc.Mappings[:0]
		for _, m := range r.doc.Mappings {
			if m.AutomatorID == id {
				removed++
				continue
			}
			keptMappings = append(keptMappings, m)
		}
		r.doc.Mappings = keptMappings
	}

	if err := r.saveLocked(); err != nil {
		return removed, err
	}
	r.logger.Info("automator deleted", "automator_id", id, "cascade", cascade, "mappings_removed", removed)
	return removed, nil
}

// Orphans returns every mapping whose automator no longer exists.
func (r *Registry) Orphans() []config.CommandMapping {
	r.mu.RLock()
	defer r.mu.RUnlock()

	known := make(map[string]struct{}, len(r.doc.Automators))
	for _, a := range r.doc.Automators {
		known[a.ID] = struct{}{}
	}

	out := []config.CommandMapping{}
	for _, m := range r.doc.Mappings {
		if _, ok := known[m.AutomatorID]; !ok {
			out = append(out, m)
		}
	}
	return out
}

// Mappings returns all command mappings.
func (r *Registry) Mappings() []config.CommandMapping {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]config.CommandMapping(nil), r.doc.Mappings...)
}

// Mapping returns the mapping for one tcp command id.
func (r *Registry) Mapping(tcpCommandID string) (config.CommandMapping, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.doc.Mappings {
		if m.TCPCommandID == tcpCommandID {
			return m, true
		}
	}
	return config.CommandMapping{}, false
}

// AddMapping creates a mapping. The automator id must be explicit and
// known: there is no implicit default target.
func (r *Registry) AddMapping(m config.CommandMapping) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if strings.TrimSpace(m.TCPCommandID) == "" {
		return fmt.Errorf("tcp_command_id is required")
	}
	if strings.TrimSpace(m.AutomatorID) == "" {
		return fmt.Errorf("automator_id is required")
	}
	if _, ok := r.automatorLocked(m.AutomatorID); !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, m.AutomatorID)
	}
	for _, existing := range r.doc.Mappings {
		if existing.TCPCommandID == m.TCPCommandID {
			return fmt.Errorf("mapping for command %s already exists", m.TCPCommandID)
		}
	}

	r.doc.Mappings = append(r.doc.Mappings, m)
	if err := r.saveLocked(); err != nil {
		return err
	}
	r.logger.Info("mapping added", "tcp_command_id", m.TCPCommandID, "automator_id", m.AutomatorID)
	return nil
}

// UpdateMapping replaces the mapping for one tcp command id. Like
// AddMapping, the new automator id must refer to a known target.
func (r *Registry) UpdateMapping(tcpCommandID string, m config.CommandMapping) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if strings.TrimSpace(m.AutomatorID) == "" {
		return fmt.Errorf("automator_id is required")
	}
	if _, ok := r.automatorLocked(m.AutomatorID); !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, m.AutomatorID)
	}
	for i, existing := range r.doc.Mappings {
		if existing.TCPCommandID == tcpCommandID {
			m.TCPCommandID = tcpCommandID
			r.doc.Mappings[i] = m
			return r.saveLocked()
		}
	}
	return fmt.Errorf("%w: %s", ErrMappingNotFound, tcpCommandID)
}

// DeleteMapping removes the mapping for one tcp command id.
func (r *Registry) DeleteMapping(tcpCommandID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, existing := range r.doc.Mappings {
		if existing.TCPCommandID == tcpCommandID {
			r.doc.Mappings = append(r.doc.Mappings[:i], r.doc.Mappings[i+1:]...)
			return r.saveLocked()
		}
	}
	return fmt.Errorf("%w: %s", ErrMappingNotFound, tcpCommandID)
}

// SetMappingType persists a resolved item type onto a legacy mapping so
// the inference shim runs once, not per dispatch.
func (r *Registry) SetMappingType(tcpCommandID string, itemType config.ItemType) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, existing := range r.doc.Mappings {
		if existing.TCPCommandID == tcpCommandID {
			if existing.ItemType == itemType {
				return nil
			}
			r.doc.Mappings[i].ItemType = itemType
			return r.saveLocked()
		}
	}
	return fmt.Errorf("%w: %s", ErrMappingNotFound, tcpCommandID)
}

// Commands returns all tcp command definitions.
func (r *Registry) Commands() []config.TCPCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]config.TCPCommand(nil), r.doc.TCPCommands...)
}

// SetCommands replaces the tcp command definitions.
func (r *Registry) SetCommands(cmds []config.TCPCommand) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doc.TCPCommands = append([]config.TCPCommand(nil), cmds...)
	return r.saveLocked()
}

// Listeners returns all configured tcp listeners.
func (r *Registry) Listeners() []config.TCPListener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]config.TCPListener(nil), r.doc.TCPListeners...)
}

// SetListeners replaces the tcp listener set.
func (r *Registry) SetListeners(listeners []config.TCPListener) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doc.TCPListeners = append([]config.TCPListener(nil), listeners...)
	return r.saveLocked()
}

// FirstRun reports whether the welcome flow is still pending.
func (r *Registry) FirstRun() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.doc.FirstRun
}

// SetFirstRun records welcome dismissal.
func (r *Registry) SetFirstRun(v bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.doc.FirstRun == v {
		return nil
	}
	r.doc.FirstRun = v
	return r.saveLocked()
}

// Document returns a deep copy of the current document for export.
func (r *Registry) Document() *config.Document {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return &config.Document{
		ConfigVersion: r.doc.ConfigVersion,
		FirstRun:      r.doc.FirstRun,
		TCPListeners:  append([]config.TCPListener(nil), r.doc.TCPListeners...),
		TCPCommands:   append([]config.TCPCommand(nil), r.doc.TCPCommands...),
		Automators:    append([]config.Automator(nil), r.doc.Automators...),
		Mappings:      append([]config.CommandMapping(nil), r.doc.Mappings...),
	}
}

func (r *Registry) automatorLocked(id string) (config.Automator, bool) {
	for _, a := range r.doc.Automators {
		if a.ID == id {
			return a, true
		}
	}
	return config.Automator{}, false
}

func (r *Registry) saveLocked() error {
	if r.save == nil {
		return nil
	}
	if err := r.save(r.doc); err != nil {
		r.logger.Error("failed to persist configuration", "error", err)
		return fmt.Errorf("persist configuration: %w", err)
	}
	return nil
}
