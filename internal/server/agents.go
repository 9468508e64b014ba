package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/jaeyoungkang/ai-agent-platform/internal/store"
)

// handleCreateAgent creates an agent owned by the caller.
func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	var body struct {
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Tags        []string `json:"tags"`
		Color       string   `json:"color"`
		Icon        string   `json:"icon"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	agent, err := s.store.CreateAgent(userID, store.Agent{
		Name:        body.Name,
		Description: body.Description,
		Tags:        body.Tags,
		Color:       body.Color,
		Icon:        body.Icon,
	})
	if err != nil {
		slog.Error("Agent create failed", "user", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create agent")
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

// handleListAgents lists the caller's agents.
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	agents, err := s.store.ListAgents(userID)
	if err != nil {
		slog.Error("Agent list failed", "user", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list agents")
		return
	}
	if agents == nil {
		agents = []store.Agent{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": agents})
}

// ownedAgent loads an agent and enforces ownership. A missing agent and
// a foreign agent are indistinguishable to the caller.
func (s *Server) ownedAgent(w http.ResponseWriter, r *http.Request, userID string) *store.Agent {
	agentID := r.PathValue("agentId")
	agent, err := s.store.GetAgent(agentID)
	if err != nil {
		slog.Error("Agent lookup failed", "agent", agentID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load agent")
		return nil
	}
	if agent == nil || agent.UserID != userID {
		writeError(w, http.StatusNotFound, "agent not found")
		return nil
	}
	return agent
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	agent := s.ownedAgent(w, r, userID)
	if agent == nil {
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	agent := s.ownedAgent(w, r, userID)
	if agent == nil {
		return
	}

	var body struct {
		Name        *string   `json:"name"`
		Description *string   `json:"description"`
		Status      *string   `json:"status"`
		Color       *string   `json:"color"`
		Icon        *string   `json:"icon"`
		Tags        *[]string `json:"tags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	updated, err := s.store.UpdateAgent(agent.ID, body.Name, body.Description, body.Status, body.Color, body.Icon, body.Tags)
	if err != nil {
		slog.Error("Agent update failed", "agent", agent.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update agent")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	agent := s.ownedAgent(w, r, userID)
	if agent == nil {
		return
	}

	if _, err := s.store.DeleteAgent(agent.ID); err != nil {
		slog.Error("Agent delete failed", "agent", agent.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete agent")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRecordAgentRun bumps an agent's run counters.
func (s *Server) handleRecordAgentRun(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	agent := s.ownedAgent(w, r, userID)
	if agent == nil {
		return
	}

	var body struct {
		Success bool `json:"success"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.store.RecordAgentRun(agent.ID, body.Success); err != nil {
		slog.Error("Agent run record failed", "agent", agent.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to record run")
		return
	}

	updated, err := s.store.GetAgent(agent.ID)
	if err != nil || updated == nil {
		writeError(w, http.StatusInternalServerError, "failed to load agent")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}
