package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/conclave-ai/conclave/council"
	"github.com/conclave-ai/conclave/internal/branch"
	"github.com/conclave-ai/conclave/internal/deliberation"
	"github.com/conclave-ai/conclave/internal/llm/provider"
	"github.com/conclave-ai/conclave/pkg/store"
)

type createSessionRequest struct {
	Topic     string          `json:"topic"`
	Agents    []council.Agent `json:"agents"`
	MaxRounds int             `json:"maxRounds"`
	Model     string          `json:"model"`
	UseTools  bool            `json:"useTools"`
}

type buttInRequest struct {
	Message string `json:"message"`
}

type forkRequest struct {
	Round int    `json:"round"`
	Label string `json:"label,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	c, err := s.manager.Create(r.Context(), deliberation.CreateParams{
		Topic:     req.Topic,
		Agents:    req.Agents,
		MaxRounds: req.MaxRounds,
		Model:     req.Model,
		UseTools:  req.UseTools,
	})
	if err != nil {
		if errors.Is(err, provider.ErrModelRetired) {
			writeJSON(w, http.StatusGone, map[string]string{
				"error":  "model_retired",
				"model":  req.Model,
				"notice": provider.RetiredNotice(req.Model),
			})
			return
		}
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c.Snapshot())
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	opts := store.ListOptions{
		State: council.State(r.URL.Query().Get("state")),
	}
	if opts.State != "" && !opts.State.Valid() {
		writeError(w, http.StatusBadRequest, "unknown state filter")
		return
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		opts.Limit, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		opts.Offset, _ = strconv.Atoi(v)
	}

	sessions, err := s.manager.List(r.Context(), opts)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	c, err := s.manager.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c.Snapshot())
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetRounds(w http.ResponseWriter, r *http.Request) {
	c, err := s.manager.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rounds": c.Rounds()})
}

func (s *Server) handleGetBranches(w http.ResponseWriter, r *http.Request) {
	rels, err := s.branches.Branches(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"branches": rels})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, (*deliberation.Council).Pause)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, (*deliberation.Council).Resume)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, (*deliberation.Council).Stop)
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, op func(*deliberation.Council, context.Context) error) {
	c, err := s.manager.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if err := op(c, r.Context()); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c.Snapshot())
}

func (s *Server) handleButtIn(w http.ResponseWriter, r *http.Request) {
	var req buttInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	c, err := s.manager.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if err := c.ButtIn(req.Message); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleFork(w http.ResponseWriter, r *http.Request) {
	var req forkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	child, err := s.branches.Fork(r.Context(), r.PathValue("id"), req.Round, req.Label)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, child.Snapshot())
}

func (s *Server) handleAddAgent(w http.ResponseWriter, r *http.Request) {
	var agent council.Agent
	if err := json.NewDecoder(r.Body).Decode(&agent); err != nil || agent.ID == "" {
		writeError(w, http.StatusBadRequest, "agent id is required")
		return
	}

	c, err := s.manager.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if err := c.AddAgent(r.Context(), agent); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c.Snapshot())
}

func (s *Server) handleRemoveAgent(w http.ResponseWriter, r *http.Request) {
	c, err := s.manager.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if err := c.RemoveAgent(r.Context(), r.PathValue("agentID")); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeAPIError maps domain errors onto HTTP statuses.
func writeAPIError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, deliberation.ErrInvalidTransition),
		errors.Is(err, deliberation.ErrAlreadyRunning),
		errors.Is(err, deliberation.ErrRoundInProgress),
		errors.Is(err, deliberation.ErrAttachBusy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, branch.ErrBadForkRound),
		errors.Is(err, deliberation.ErrLastAgent),
		errors.Is(err, council.ErrEmptyTopic),
		errors.Is(err, council.ErrNoAgents),
		errors.Is(err, council.ErrBadMaxRounds),
		errors.Is(err, council.ErrDuplicateAgent):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Printf("internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
