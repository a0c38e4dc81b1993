package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/elliottw/autobridge/internal/config"
	"github.com/elliottw/autobridge/internal/log"
)

const (
	// DefaultTimeout bounds every outbound call.
	DefaultTimeout = 5 * time.Second

	// Pool limits for the shared client, matching the original's tuning.
	maxIdleConns        = 50
	maxIdleConnsPerHost = 20

	apiKeyHeader = "X-API-Key"
)

// Result is the structured outcome of one dispatch call.
type Result struct {
	OK         bool          `json:"ok"`
	Error      string        `json:"error,omitempty"`
	StatusCode int           `json:"status_code,omitempty"`
	TargetID   string        `json:"target_id,omitempty"`
	Duration   time.Duration `json:"-"`
}

// Item is one remote macro, button or shortcut.
type Item struct {
	ID      string `json:"id"`
	Type    string `json:"type,omitempty"`
	Title   string `json:"title,omitempty"`
	Key     string `json:"key,omitempty"`
	Control bool   `json:"control,omitempty"`
	Alt     bool   `json:"alt,omitempty"`
	Shift   bool   `json:"shift,omitempty"`
}

// ItemSet holds one fetch generation of all three categories.
type ItemSet struct {
	Macros    []Item `json:"macros"`
	Buttons   []Item `json:"buttons"`
	Shortcuts []Item `json:"shortcuts"`
}

// ConnectionStatus reports a connectivity probe against one automator.
type ConnectionStatus struct {
	Connected     bool      `json:"connected"`
	LastCheck     time.Time `json:"last_check"`
	Error         string    `json:"error,omitempty"`
	AutomatorID   string    `json:"automator_id"`
	AutomatorName string    `json:"automator_name"`
}

// Client issues pooled outbound HTTP calls to automators. One Client is
// shared across all targets and all dispatch calls.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates the shared dispatch client. timeout <= 0 falls back to
// DefaultTimeout.
func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	transport := &http.Transport{
		MaxIdleConns:        maxIdleConns,
		MaxIdleConnsPerHost: maxIdleConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		logger: log.WithComponent("dispatch"),
	}
}

// Trigger fires the mapped item on one automator. The outcome is always a
// structured Result; failures never propagate as errors.
func (c *Client) Trigger(ctx context.Context, target config.Automator, itemType config.ItemType, itemID string) Result {
	start := time.Now()

	endpoint, err := triggerEndpoint(target.URL, itemType, itemID)
	if err != nil {
		c.logger.Error("bad automator URL", "automator_id", target.ID, "error", err)
		return Result{OK: false, Error: string(KindConnectionRefused), TargetID: target.ID, Duration: time.Since(start)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return Result{OK: false, Error: string(KindConnectionRefused), TargetID: target.ID, Duration: time.Since(start)}
	}
	if target.APIKey != "" {
		req.Header.Set(apiKeyHeader, target.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		derr := classify(err, target.ID)
		c.logger.Warn("dispatch failed",
			"automator_id", target.ID,
			"item_type", itemType,
			"item_id", itemID,
			"error", derr.Code(),
		)
		return Result{OK: false, Error: derr.Code(), TargetID: target.ID, Duration: time.Since(start)}
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		derr := &Error{Kind: KindHTTPStatus, StatusCode: resp.StatusCode, TargetID: target.ID}
		c.logger.Warn("dispatch rejected",
			"automator_id", target.ID,
			"item_type", itemType,
			"item_id", itemID,
			"status", resp.StatusCode,
		)
		return Result{OK: false, Error: derr.Code(), StatusCode: resp.StatusCode, TargetID: target.ID, Duration: time.Since(start)}
	}

	c.logger.Debug("dispatch ok", "automator_id", target.ID, "item_type", itemType, "item_id", itemID)
	return Result{OK: true, TargetID: target.ID, Duration: time.Since(start)}
}

// FetchItems fetches all three collection endpoints for one automator.
// All three must succeed: a partial fetch would hand the cache a snapshot
// mixing generations, so any failure fails the whole refresh.
func (c *Client) FetchItems(ctx context.Context, target config.Automator) (*ItemSet, error) {
	base, err := NormalizeBaseURL(target.URL)
	if err != nil {
		return nil, err
	}

	set := &ItemSet{}

	if err := c.fetchCollection(ctx, target, base+"/api/macro/", &set.Macros); err != nil {
		return nil, fmt.Errorf("fetch macros: %w", err)
	}
	for i := range set.Macros {
		if set.Macros[i].Type == "" {
			set.Macros[i].Type = string(config.ItemMacro)
		}
	}

	if err := c.fetchCollection(ctx, target, base+"/api/trigger/button/", &set.Buttons); err != nil {
		return nil, fmt.Errorf("fetch buttons: %w", err)
	}
	for i := range set.Buttons {
		if set.Buttons[i].Type == "" {
			set.Buttons[i].Type = string(config.ItemButton)
		}
	}

	if err := c.fetchCollection(ctx, target, base+"/api/trigger/shortcut/", &set.Shortcuts); err != nil {
		return nil, fmt.Errorf("fetch shortcuts: %w", err)
	}
	// The shortcut API carries neither a type nor a display title.
	for i := range set.Shortcuts {
		set.Shortcuts[i].Type = string(config.ItemShortcut)
		set.Shortcuts[i].Title = shortcutTitle(set.Shortcuts[i])
	}

	return set, nil
}

// TestConnection probes the automator's webconnection endpoint.
func (c *Client) TestConnection(ctx context.Context, target config.Automator) ConnectionStatus {
	status := ConnectionStatus{
		LastCheck:     time.Now().UTC(),
		AutomatorID:   target.ID,
		AutomatorName: target.Name,
	}

	if !target.Enabled || strings.TrimSpace(target.URL) == "" {
		status.Error = "Not configured"
		return status
	}

	base, err := NormalizeBaseURL(target.URL)
	if err != nil {
		status.Error = "Cannot connect - check URL and port"
		return status
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/app/webconnection", nil)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	if target.APIKey != "" {
		req.Header.Set(apiKeyHeader, target.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		switch classify(err, target.ID).Kind {
		case KindTimeout:
			status.Error = "Connection timeout - check if Automator is running"
		default:
			status.Error = "Cannot connect - check URL and port"
		}
		return status
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		status.Error = fmt.Sprintf("HTTP error: %d", resp.StatusCode)
		return status
	}

	status.Connected = true
	return status
}

func (c *Client) fetchCollection(ctx context.Context, target config.Automator, url string, out *[]Item) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if target.APIKey != "" {
		req.Header.Set(apiKeyHeader, target.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classify(err, target.ID)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{Kind: KindHTTPStatus, StatusCode: resp.StatusCode, TargetID: target.ID}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode collection %s: %w", url, err)
	}
	return nil
}

// NormalizeBaseURL trims the configured URL, prepends http:// when the
// scheme is missing, and strips the trailing slash.
func NormalizeBaseURL(raw string) (string, error) {
	u := strings.TrimSpace(raw)
	if u == "" {
		return "", fmt.Errorf("automator URL is empty")
	}
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		u = "http://" + u
	}
	return strings.TrimRight(u, "/"), nil
}

func triggerEndpoint(rawURL string, itemType config.ItemType, itemID string) (string, error) {
	base, err := NormalizeBaseURL(rawURL)
	if err != nil {
		return "", err
	}
	switch itemType {
	case config.ItemButton:
		return base + "/api/trigger/button/" + itemID, nil
	case config.ItemShortcut:
		return base + "/api/trigger/shortcut/" + itemID, nil
	default:
		return base + "/api/macro/" + itemID, nil
	}
}

// shortcutTitle builds a display title from keyboard shortcut components.
func shortcutTitle(it Item) string {
	var parts []string
	if it.Control {
		parts = append(parts, "Ctrl")
	}
	if it.Alt {
		parts = append(parts, "Alt")
	}
	if it.Shift {
		parts = append(parts, "Shift")
	}
	key := it.Key
	if key == "" {
		key = "Unknown"
	}
	parts = append(parts, key)
	return strings.Join(parts, " + ")
}

// classify maps a transport error into the dispatch taxonomy. Anything
// that is not a timeout counts as connection refusal: the taxonomy has no
// finer bucket and the distinction does not change operator action.
func classify(err error, targetID string) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, TargetID: targetID, cause: err}
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return &Error{Kind: KindTimeout, TargetID: targetID, cause: err}
	}
	return &Error{Kind: KindConnectionRefused, TargetID: targetID, cause: err}
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 1<<16))
	_ = body.Close()
}
