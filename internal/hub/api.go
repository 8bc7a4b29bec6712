// ABOUTME: HTTP API handlers for health probes, the agent catalog, and the event ledger
// ABOUTME: All JSON in/out; agent registration over HTTP mirrors the manifest fields

package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/2389/coven-hub/internal/agent"
	"github.com/2389/coven-hub/internal/store"
)

// RegisterAgentRequest is the POST /api/agents body.
type RegisterAgentRequest struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Capabilities []string          `json:"capabilities"`
	Metadata     map[string]string `json:"metadata"`
}

// handleHealth returns 200 OK if the server is alive.
func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one agent is registered.
func (h *Hub) handleReady(w http.ResponseWriter, r *http.Request) {
	n := h.agents.Count()
	if n == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents registered"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", n)
}

func (h *Hub) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents := h.agents.List()
	infos := make([]agent.Info, 0, len(agents))
	for _, a := range agents {
		infos = append(infos, a.Info())
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"agents": infos})
}

func (h *Hub) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req RegisterAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	a, err := h.agents.Register(req.ID, req.Name, req.Capabilities, req.Metadata)
	if err != nil {
		switch {
		case errors.Is(err, agent.ErrDuplicateAgent):
			h.sendJSONError(w, http.StatusConflict, err.Error())
		default:
			h.sendJSONError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	h.persistEvent(&store.Event{
		ID:      uuid.New().String(),
		Kind:    store.EventKindAgentRegistered,
		AgentID: a.ID,
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(a.Info())
}

func (h *Hub) handleDeregisterAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if err := h.agents.Deregister(agentID); err != nil {
		h.sendJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Hub) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.sendJSONError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	events, err := h.store.ListEvents(ctx, limit)
	if err != nil {
		h.logger.Error("listing events failed", "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "listing events failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"events": events})
}

// sendJSONError writes a JSON error response.
func (h *Hub) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
