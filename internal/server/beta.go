package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/jaeyoungkang/ai-agent-platform/internal/store"
)

// handleSubmitBetaApplication accepts a beta signup. Unauthenticated:
// applicants do not have accounts yet.
func (s *Server) handleSubmitBetaApplication(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email      string `json:"email"`
		Name       string `json:"name"`
		Company    string `json:"company"`
		UseCase    string `json:"useCase"`
		Experience string `json:"experience"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Email == "" || body.Name == "" || body.UseCase == "" {
		writeError(w, http.StatusBadRequest, "email, name and useCase are required")
		return
	}

	app, err := s.store.SubmitBetaApplication(body.Email, body.Name, body.Company, body.UseCase, body.Experience)
	if errors.Is(err, store.ErrDuplicateApplication) {
		writeError(w, http.StatusConflict, "an application for this email already exists")
		return
	}
	if err != nil {
		slog.Error("Beta application failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to submit application")
		return
	}
	writeJSON(w, http.StatusCreated, app)
}

func (s *Server) handleListBetaApplications(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireUser(w, r); !ok {
		return
	}

	apps, err := s.store.ListBetaApplications()
	if err != nil {
		slog.Error("Beta application list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list applications")
		return
	}
	if apps == nil {
		apps = []store.BetaApplication{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"applications": apps})
}

func (s *Server) handleAddToWhitelist(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	var body struct {
		Email string `json:"email"`
		Name  string `json:"name"`
		Notes string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}

	entry, err := s.store.AddToWhitelist(body.Email, body.Name, body.Notes, userID)
	if err != nil {
		slog.Error("Whitelist add failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to add whitelist entry")
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleListWhitelist(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireUser(w, r); !ok {
		return
	}

	entries, err := s.store.ListWhitelist()
	if err != nil {
		slog.Error("Whitelist list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list whitelist")
		return
	}
	if entries == nil {
		entries = []store.WhitelistEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (s *Server) handleRemoveFromWhitelist(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireUser(w, r); !ok {
		return
	}

	removed, err := s.store.RemoveFromWhitelist(r.PathValue("entryId"))
	if err != nil {
		slog.Error("Whitelist remove failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to remove whitelist entry")
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "whitelist entry not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
