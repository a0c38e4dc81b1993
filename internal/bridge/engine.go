package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/elliottw/autobridge/internal/cache"
	"github.com/elliottw/autobridge/internal/config"
	"github.com/elliottw/autobridge/internal/dispatch"
	"github.com/elliottw/autobridge/internal/events"
	"github.com/elliottw/autobridge/internal/log"
	"github.com/elliottw/autobridge/internal/registry"
	"github.com/elliottw/autobridge/internal/resolver"
	"github.com/elliottw/autobridge/internal/storage"
)

// Dispatch sources recorded in the history log.
const (
	SourceTCP    = "tcp"
	SourceManual = "manual"
)

// DefaultMaxInflight bounds concurrent outbound dispatches.
const DefaultMaxInflight = 32

// Engine glues the listener side to the dispatch side: tokens come in,
// resolved dispatches go out on bounded worker goroutines, and every
// outcome lands in the history log and on the event hub.
type Engine struct {
	reg    *registry.Registry
	res    *resolver.Resolver
	client *dispatch.Client
	cache  *cache.Store
	dlog   *storage.DispatchLog
	hub    *events.Hub
	logger *slog.Logger

	sem chan struct{}
	wg  sync.WaitGroup
}

type commandEvent struct {
	Port    int    `json:"port"`
	Token   string `json:"token"`
	Matched bool   `json:"matched"`
}

// New wires the engine. dlog and hub may be nil in tests; maxInflight <= 0
// falls back to DefaultMaxInflight.
func New(reg *registry.Registry, res *resolver.Resolver, client *dispatch.Client, cacheStore *cache.Store, dlog *storage.DispatchLog, hub *events.Hub, maxInflight int) *Engine {
	if maxInflight <= 0 {
		maxInflight = DefaultMaxInflight
	}
	return &Engine{
		reg:    reg,
		res:    res,
		client: client,
		cache:  cacheStore,
		dlog:   dlog,
		hub:    hub,
		logger: log.WithComponent("bridge"),
		sem:    make(chan struct{}, maxInflight),
	}
}

// HandleCommand processes one received token. An unmatched token is
// dropped silently toward the sender and only logged locally. A matched
// token dispatches on its own goroutine so one slow automator never
// stalls the listener; repeats of the same token each dispatch
// independently.
func (e *Engine) HandleCommand(ctx context.Context, port int, token string) {
	res, err := e.res.Resolve(port, token)
	if err != nil {
		e.logger.Debug("unmatched token", "port", port, "token", token)
		e.publish(events.TypeTCPCommand, commandEvent{Port: port, Token: token, Matched: false})
		return
	}
	e.publish(events.TypeTCPCommand, commandEvent{Port: port, Token: token, Matched: true})

	if !res.Automator.Enabled {
		e.logger.Warn("dispatch skipped, automator disabled",
			"port", port, "token", token, "automator_id", res.Automator.ID)
		return
	}
	if strings.TrimSpace(res.Automator.URL) == "" {
		e.logger.Warn("dispatch skipped, automator has no url",
			"port", port, "token", token, "automator_id", res.Automator.ID)
		return
	}

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}

	e.wg.Add(1)
	// Shutdown drains in-flight dispatches instead of cutting them off.
	dctx := context.WithoutCancel(ctx)
	go func() {
		defer e.wg.Done()
		defer func() { <-e.sem }()
		e.dispatch(dctx, res.Automator, res.Mapping, token, port, SourceTCP)
	}()
}

// TriggerManual fires one dispatch from the admin surface and waits for
// the result.
func (e *Engine) TriggerManual(ctx context.Context, automatorID string, itemType config.ItemType, itemID string) (dispatch.Result, error) {
	target, ok := e.reg.Automator(automatorID)
	if !ok {
		return dispatch.Result{}, fmt.Errorf("%w: %s", registry.ErrNotFound, automatorID)
	}
	if !itemType.Valid() {
		itemType = config.ItemMacro
	}

	mapping := config.CommandMapping{AutomatorID: automatorID, ItemID: itemID, ItemType: itemType}
	result := e.dispatch(ctx, target, mapping, "", 0, SourceManual)
	return result, nil
}

// TriggerMapping fires the dispatch a tcp command would produce, without
// a token arriving. Used by the admin surface to test mappings end to end.
func (e *Engine) TriggerMapping(ctx context.Context, tcpCommandID string) (dispatch.Result, error) {
	mapping, ok := e.reg.Mapping(tcpCommandID)
	if !ok {
		return dispatch.Result{}, fmt.Errorf("%w: %s", registry.ErrMappingNotFound, tcpCommandID)
	}
	target, ok := e.reg.Automator(mapping.AutomatorID)
	if !ok {
		return dispatch.Result{}, fmt.Errorf("%w: %s", registry.ErrNotFound, mapping.AutomatorID)
	}
	if !mapping.ItemType.Valid() {
		mapping.ItemType = config.ItemMacro
	}

	result := e.dispatch(ctx, target, mapping, "", 0, SourceManual)
	return result, nil
}

// RefreshCache re-fetches one automator's item inventory.
func (e *Engine) RefreshCache(ctx context.Context, automatorID string) (*cache.Snapshot, error) {
	target, ok := e.reg.Automator(automatorID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrNotFound, automatorID)
	}

	snap, err := e.cache.Refresh(ctx, target)
	if err != nil {
		e.publish(events.TypeCacheRefresh, map[string]any{
			"automator_id": automatorID, "ok": false, "error": err.Error(),
		})
		return nil, err
	}
	e.publish(events.TypeCacheRefresh, map[string]any{
		"automator_id": automatorID, "ok": true, "items": len(snap.Items()),
	})
	return snap, nil
}

// RefreshAll refreshes every enabled automator. Failures are logged per
// target and do not stop the sweep.
func (e *Engine) RefreshAll(ctx context.Context) {
	for _, a := range e.reg.Automators() {
		if !a.Enabled || strings.TrimSpace(a.URL) == "" {
			continue
		}
		if _, err := e.RefreshCache(ctx, a.ID); err != nil {
			e.logger.Warn("cache refresh failed", "automator_id", a.ID, "error", err)
		}
	}
}

// TestTarget probes one automator's connectivity.
func (e *Engine) TestTarget(ctx context.Context, automatorID string) (dispatch.ConnectionStatus, error) {
	target, ok := e.reg.Automator(automatorID)
	if !ok {
		return dispatch.ConnectionStatus{}, fmt.Errorf("%w: %s", registry.ErrNotFound, automatorID)
	}
	return e.client.TestConnection(ctx, target), nil
}

// Wait blocks until all in-flight dispatches finish.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) dispatch(ctx context.Context, target config.Automator, mapping config.CommandMapping, token string, port int, source string) dispatch.Result {
	result := e.client.Trigger(ctx, target, mapping.ItemType, mapping.ItemID)

	status := storage.StatusOK
	if !result.OK {
		status = storage.StatusFailed
	}
	rec := storage.DispatchRecord{
		AutomatorID: target.ID,
		ItemID:      mapping.ItemID,
		ItemType:    string(mapping.ItemType),
		Token:       token,
		Port:        port,
		Source:      source,
		Status:      status,
		Error:       result.Error,
		DurationMS:  result.Duration.Milliseconds(),
		CreatedAt:   time.Now().UTC(),
	}
	if e.dlog != nil {
		if err := e.dlog.Record(ctx, rec); err != nil {
			e.logger.Error("failed to record dispatch", "error", err)
		}
	}
	e.publish(events.TypeDispatch, rec)
	return result
}

func (e *Engine) publish(eventType string, data any) {
	if e.hub != nil {
		e.hub.Publish(eventType, data)
	}
}
