package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/elliottw/autobridge/internal/config"
	"github.com/elliottw/autobridge/internal/events"
	"github.com/elliottw/autobridge/internal/registry"
	"github.com/elliottw/autobridge/internal/storage"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}

// handleStatus handles GET /api/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	recent, err := s.history.Recent(r.Context(), 20)
	if err != nil {
		s.logger.Error("failed to read dispatch history", "error", err)
		recent = []storage.DispatchRecord{}
	}

	respondJSON(w, http.StatusOK, StatusResponse{
		Status:           "ok",
		UptimeSeconds:    int64(time.Since(s.startedAt).Seconds()),
		FirstRun:         s.reg.FirstRun(),
		ActivePorts:      s.listeners.Active(),
		Automators:       len(s.reg.Automators()),
		Mappings:         len(s.reg.Mappings()),
		OrphanedMappings: len(s.reg.Orphans()),
		RecentDispatches: recent,
	})
}

// handleGetConfig handles GET /api/config. Returns the full document the
// way it is persisted, minus nothing: api keys for automators are part of
// the admin surface.
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.reg.Document())
}

// handleDispatches handles GET /api/dispatches?limit=N.
func (s *Server) handleDispatches(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	recent, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to read dispatch history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read dispatch history")
		return
	}
	respondJSON(w, http.StatusOK, recent)
}

// handleDismissWelcome handles POST /api/welcome/dismiss.
func (s *Server) handleDismissWelcome(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.SetFirstRun(false); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"first_run": false})
}

// handleListAutomators handles GET /api/automators.
func (s *Server) handleListAutomators(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.reg.Automators())
}

// handleAddAutomator handles POST /api/automators.
func (s *Server) handleAddAutomator(w http.ResponseWriter, r *http.Request) {
	var a config.Automator
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	added, err := s.reg.AddAutomator(a)
	if err != nil {
		if errors.Is(err, registry.ErrDuplicateID) {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.publishConfigChange("automator_added", added.ID)
	respondJSON(w, http.StatusCreated, added)
}

// handleUpdateAutomator handles PUT /api/automators/{id}.
func (s *Server) handleUpdateAutomator(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var a config.Automator
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.reg.UpdateAutomator(id, a); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	updated, _ := s.reg.Automator(id)
	s.publishConfigChange("automator_updated", id)
	respondJSON(w, http.StatusOK, updated)
}

// handleDeleteAutomator handles DELETE /api/automators/{id}.
// Without ?confirm=true this is a dry run returning the delete plan.
// With confirmation, ?cascade=true removes dependent mappings too.
func (s *Server) handleDeleteAutomator(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	confirm := r.URL.Query().Get("confirm") == "true"
	cascade := r.URL.Query().Get("cascade") == "true"

	if !confirm {
		plan, err := s.reg.DeleteDryRun(id)
		if err != nil {
			if errors.Is(err, registry.ErrNotFound) {
				s.writeError(w, http.StatusNotFound, err.Error())
				return
			}
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		respondJSON(w, http.StatusOK, plan)
		return
	}

	removed, err := s.reg.DeleteConfirm(id, cascade)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.itemCache.Drop(r.Context(), id)
	s.publishConfigChange("automator_deleted", id)
	respondJSON(w, http.StatusOK, map[string]any{
		"deleted":          id,
		"mappings_removed": removed,
	})
}

// handleAutomatorItems handles GET /api/automators/{id}/items.
func (s *Server) handleAutomatorItems(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.reg.Automator(id); !ok {
		s.writeError(w, http.StatusNotFound, "automator not found")
		return
	}

	snap, ok := s.itemCache.Snapshot(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "no cached items; refresh first")
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

// handleTestAutomator handles POST /api/automators/{id}/test.
func (s *Server) handleTestAutomator(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.TestTarget(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// handleRefreshAutomator handles POST /api/automators/{id}/refresh.
func (s *Server) handleRefreshAutomator(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.RefreshCache(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

// handleTriggerAutomator handles POST /api/automators/{id}/trigger.
func (s *Server) handleTriggerAutomator(w http.ResponseWriter, r *http.Request) {
	var req TriggerItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ItemID == "" {
		s.writeError(w, http.StatusBadRequest, "item_id is required")
		return
	}

	result, err := s.engine.TriggerManual(r.Context(), chi.URLParam(r, "id"), req.ItemType, req.ItemID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// handleListMappings handles GET /api/mappings.
func (s *Server) handleListMappings(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.reg.Mappings())
}

// handleOrphanMappings handles GET /api/mappings/orphans.
func (s *Server) handleOrphanMappings(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.reg.Orphans())
}

// handleAddMapping handles POST /api/mappings.
func (s *Server) handleAddMapping(w http.ResponseWriter, r *http.Request) {
	var m config.CommandMapping
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.reg.AddMapping(m); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.publishConfigChange("mapping_added", m.TCPCommandID)
	respondJSON(w, http.StatusCreated, m)
}

// handleUpdateMapping handles PUT /api/mappings/{tcpCommandID}.
func (s *Server) handleUpdateMapping(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "tcpCommandID")

	var m config.CommandMapping
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.reg.UpdateMapping(id, m); err != nil {
		if errors.Is(err, registry.ErrMappingNotFound) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	updated, _ := s.reg.Mapping(id)
	s.publishConfigChange("mapping_updated", id)
	respondJSON(w, http.StatusOK, updated)
}

// handleTriggerMapping handles POST /api/mappings/{tcpCommandID}/trigger.
func (s *Server) handleTriggerMapping(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.TriggerMapping(r.Context(), chi.URLParam(r, "tcpCommandID"))
	if err != nil {
		if errors.Is(err, registry.ErrMappingNotFound) || errors.Is(err, registry.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// handleDeleteMapping handles DELETE /api/mappings/{tcpCommandID}.
func (s *Server) handleDeleteMapping(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "tcpCommandID")
	if err := s.reg.DeleteMapping(id); err != nil {
		if errors.Is(err, registry.ErrMappingNotFound) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.publishConfigChange("mapping_deleted", id)
	respondJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

// handleGetListeners handles GET /api/listeners.
func (s *Server) handleGetListeners(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.reg.Listeners())
}

// handlePutListeners handles PUT /api/listeners. The new set is persisted
// and the running listeners are reconciled immediately.
func (s *Server) handlePutListeners(w http.ResponseWriter, r *http.Request) {
	var req ListenersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	for _, l := range req.Listeners {
		if l.Port <= 0 || l.Port > 65535 {
			s.writeError(w, http.StatusBadRequest, "listener ports must be 1-65535")
			return
		}
	}

	if err := s.reg.SetListeners(req.Listeners); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.publishConfigChange("listeners_updated", "")

	if err := s.listeners.Apply(req.Listeners); err != nil {
		// Saved, but some ports failed to bind.
		respondJSON(w, http.StatusMultiStatus, map[string]any{
			"tcp_listeners": s.reg.Listeners(),
			"bind_error":    err.Error(),
			"active_ports":  s.listeners.Active(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"tcp_listeners": s.reg.Listeners(),
		"active_ports":  s.listeners.Active(),
	})
}

// handleGetCommands handles GET /api/commands.
func (s *Server) handleGetCommands(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.reg.Commands())
}

// handlePutCommands handles PUT /api/commands.
func (s *Server) handlePutCommands(w http.ResponseWriter, r *http.Request) {
	var req CommandsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	for _, c := range req.Commands {
		if c.ID == "" || c.Trigger == "" {
			s.writeError(w, http.StatusBadRequest, "commands need id and tcp_trigger")
			return
		}
	}

	if err := s.reg.SetCommands(req.Commands); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.publishConfigChange("commands_updated", "")
	respondJSON(w, http.StatusOK, s.reg.Commands())
}

func (s *Server) publishConfigChange(change, id string) {
	if s.hub == nil {
		return
	}
	payload := map[string]string{"change": change}
	if id != "" {
		payload["id"] = id
	}
	s.hub.Publish(events.TypeConfig, payload)
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
