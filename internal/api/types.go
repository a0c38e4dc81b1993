package api

import (
	"github.com/elliottw/autobridge/internal/config"
	"github.com/elliottw/autobridge/internal/storage"
)

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	Status           string                   `json:"status"`
	UptimeSeconds    int64                    `json:"uptime_seconds"`
	FirstRun         bool                     `json:"first_run"`
	ActivePorts      []int                    `json:"active_ports"`
	Automators       int                      `json:"automators"`
	Mappings         int                      `json:"mappings"`
	OrphanedMappings int                      `json:"orphaned_mappings"`
	RecentDispatches []storage.DispatchRecord `json:"recent_dispatches"`
}

// TriggerItemRequest is the JSON body for POST /api/automators/{id}/trigger.
type TriggerItemRequest struct {
	ItemType config.ItemType `json:"item_type"`
	ItemID   string          `json:"item_id"`
}

// ListenersRequest is the JSON body for PUT /api/listeners.
type ListenersRequest struct {
	Listeners []config.TCPListener `json:"tcp_listeners"`
}

// CommandsRequest is the JSON body for PUT /api/commands.
type CommandsRequest struct {
	Commands []config.TCPCommand `json:"tcp_commands"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}
