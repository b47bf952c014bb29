package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"chatrouter/internal/models"
	"chatrouter/internal/store"
)

// CreateAgent registers a new human agent.
func (s *Server) CreateAgent() http.HandlerFunc {
	type request struct {
		Name               string   `json:"name"`
		Email              string   `json:"email"`
		MaxConcurrentChats int      `json:"maxConcurrentChats"`
		Skills             []string `json:"skills"`
		CampaignID         string   `json:"campaignId"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
			s.Respond(w, r, http.StatusBadRequest, "email is required")
			return
		}
		if req.MaxConcurrentChats <= 0 {
			req.MaxConcurrentChats = 5
		}

		agent := &models.Agent{
			Name:               req.Name,
			Email:              req.Email,
			State:              models.AgentOffline,
			MaxConcurrentChats: req.MaxConcurrentChats,
			Skills:             models.StringList(req.Skills),
			CampaignID:         req.CampaignID,
		}
		if err := s.agents.Create(agent); err != nil {
			s.Respond(w, r, http.StatusConflict, err)
			return
		}
		s.Respond(w, r, http.StatusCreated, agent)
	}
}

// AgentStats returns one agent's workload summary.
func (s *Server) AgentStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.agents.Stats(pathID(r))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.Respond(w, r, http.StatusNotFound, err)
				return
			}
			s.Respond(w, r, http.StatusInternalServerError, err)
			return
		}
		s.Respond(w, r, http.StatusOK, stats)
	}
}

// SetAgentState moves an agent between AVAILABLE, BUSY and OFFLINE.
func (s *Server) SetAgentState() http.HandlerFunc {
	type request struct {
		State string `json:"state"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.Respond(w, r, http.StatusBadRequest, "state is required")
			return
		}
		state := models.AgentState(req.State)
		switch state {
		case models.AgentAvailable, models.AgentBusy, models.AgentOffline:
		default:
			s.Respond(w, r, http.StatusBadRequest, "unknown agent state")
			return
		}

		if err := s.agents.SetState(pathID(r), state); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.Respond(w, r, http.StatusNotFound, err)
				return
			}
			s.Respond(w, r, http.StatusInternalServerError, err)
			return
		}
		s.Respond(w, r, http.StatusOK, "ok")
	}
}
