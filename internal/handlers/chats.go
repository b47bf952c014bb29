package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"chatrouter/internal/botflow"
	"chatrouter/internal/events"
	"chatrouter/internal/models"
	"chatrouter/internal/store"
)

// ListWaitingChats returns chats awaiting an agent, highest priority first.
func (s *Server) ListWaitingChats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chats, err := s.chats.ListWaiting()
		if err != nil {
			s.Respond(w, r, http.StatusInternalServerError, err)
			return
		}
		s.Respond(w, r, http.StatusOK, chats)
	}
}

// GetChat returns one chat.
func (s *Server) GetChat() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chat, err := s.chats.FindByID(pathID(r))
		if err != nil {
			s.respondStoreError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, chat)
	}
}

// ListChatMessages returns a chat's messages in order.
func (s *Server) ListChatMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
				limit = parsed
			}
		}
		msgs, err := s.messages.ListByChat(pathID(r), limit)
		if err != nil {
			s.Respond(w, r, http.StatusInternalServerError, err)
			return
		}
		s.Respond(w, r, http.StatusOK, msgs)
	}
}

// SendAgentMessage sends an outbound message on behalf of an agent and
// records it with the delivery status of the send attempt.
func (s *Server) SendAgentMessage() http.HandlerFunc {
	type request struct {
		Content  string `json:"content"`
		MediaRef string `json:"mediaRef"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
			s.Respond(w, r, http.StatusBadRequest, "content is required")
			return
		}

		chat, err := s.chats.FindByID(pathID(r))
		if err != nil {
			s.respondStoreError(w, r, err)
			return
		}
		if chat.AssignedAgentID == nil {
			s.Respond(w, r, http.StatusConflict, "chat has no assigned agent")
			return
		}

		msg := &models.Message{
			ChatID:     chat.ID,
			Direction:  models.DirectionOutbound,
			SenderType: models.SenderAgent,
			Type:       models.TypeText,
			Content:    req.Content,
			MediaRef:   req.MediaRef,
			Status:     models.StatusSent,
		}
		var externalID string
		if req.MediaRef != "" {
			externalID, err = s.adapter.SendMedia(r.Context(), chat.ChannelSessionID,
				chat.ContactPhone, req.Content, req.MediaRef)
		} else {
			externalID, err = s.adapter.Send(r.Context(), chat.ChannelSessionID,
				chat.ContactPhone, req.Content)
		}
		if err != nil {
			log.Warn().Err(err).Uint("chatID", chat.ID).Msg("Agent message send failed")
			msg.Status = models.StatusFailed
		} else {
			msg.ExternalID = externalID
		}
		if err := s.messages.Create(msg); err != nil {
			s.Respond(w, r, http.StatusInternalServerError, err)
			return
		}
		if msg.Status == models.StatusFailed {
			s.bus.Publish(events.New(events.MessageFailed, chat.ID, events.MessageCreatedPayload{
				MessageID: msg.ID, Direction: string(msg.Direction),
			}))
		}
		s.Respond(w, r, http.StatusCreated, msg)
	}
}

// AssignChat binds a chat to a specific agent (manual assignment).
func (s *Server) AssignChat() http.HandlerFunc {
	type request struct {
		AgentID uint `json:"agentId"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentID == 0 {
			s.Respond(w, r, http.StatusBadRequest, "agentId is required")
			return
		}

		chat, err := s.chats.AssignAgent(pathID(r), req.AgentID)
		if err != nil {
			s.respondStoreError(w, r, err)
			return
		}
		s.bus.Publish(events.New(events.ChatAssigned, chat.ID,
			events.ChatAssignedPayload{AgentID: req.AgentID}))
		s.Respond(w, r, http.StatusOK, chat)
	}
}

// TransferChat moves an active chat to another agent.
func (s *Server) TransferChat() http.HandlerFunc {
	type request struct {
		AgentID uint `json:"agentId"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentID == 0 {
			s.Respond(w, r, http.StatusBadRequest, "agentId is required")
			return
		}

		chat, err := s.chats.TransferAgent(pathID(r), req.AgentID)
		if err != nil {
			s.respondStoreError(w, r, err)
			return
		}
		s.bus.Publish(events.New(events.ChatAssigned, chat.ID,
			events.ChatAssignedPayload{AgentID: req.AgentID}))
		s.Respond(w, r, http.StatusOK, chat)
	}
}

// CloseChat soft-closes a chat as resolved or closed.
func (s *Server) CloseChat() http.HandlerFunc {
	type request struct {
		Status string `json:"status"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		req := request{Status: string(models.ChatResolved)}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&req)
		}

		chat, err := s.chats.Close(pathID(r), models.ChatStatus(req.Status))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.Respond(w, r, http.StatusNotFound, err)
				return
			}
			s.Respond(w, r, http.StatusBadRequest, err)
			return
		}
		s.bus.Publish(events.New(events.ChatClosed, chat.ID, nil))
		s.Respond(w, r, http.StatusOK, chat)
	}
}

// MarkChatRead clears a chat's unread counter.
func (s *Server) MarkChatRead() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.chats.MarkRead(pathID(r)); err != nil {
			s.Respond(w, r, http.StatusInternalServerError, err)
			return
		}
		s.Respond(w, r, http.StatusOK, "ok")
	}
}

// ActivateFlow validates and activates a flow definition for its campaign.
func (s *Server) ActivateFlow() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.flows.Activate(pathID(r), botflow.Validate); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.Respond(w, r, http.StatusNotFound, err)
				return
			}
			s.Respond(w, r, http.StatusUnprocessableEntity, err)
			return
		}
		s.Respond(w, r, http.StatusOK, "activated")
	}
}

// DeactivateFlow turns a flow off; new chats on its campaign route
// straight to the assignment queue.
func (s *Server) DeactivateFlow() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.flows.Deactivate(pathID(r)); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.Respond(w, r, http.StatusNotFound, err)
				return
			}
			s.Respond(w, r, http.StatusInternalServerError, err)
			return
		}
		s.Respond(w, r, http.StatusOK, "deactivated")
	}
}

// ListSessions returns the connected channel sessions.
func (s *Server) ListSessions() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Respond(w, r, http.StatusOK, s.registry.List())
	}
}

// AssignmentStatus reports the queue's live and dead jobs.
func (s *Server) AssignmentStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Respond(w, r, http.StatusOK, map[string]interface{}{
			"status":        "running",
			"pending_jobs":  s.queue.PendingCount(),
			"dead_jobs":     s.queue.DeadJobs(),
			"waiting_chats": s.countWaiting(r.Context()),
		})
	}
}

func (s *Server) countWaiting(_ context.Context) int {
	chats, err := s.chats.ListWaiting()
	if err != nil {
		return -1
	}
	return len(chats)
}

func (s *Server) respondStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.Respond(w, r, http.StatusNotFound, err)
	case errors.Is(err, store.ErrAlreadyAssigned), errors.Is(err, store.ErrChatNotClaimable):
		s.Respond(w, r, http.StatusConflict, err)
	case errors.Is(err, store.ErrCapacityConflict):
		s.Respond(w, r, http.StatusConflict, err)
	default:
		s.Respond(w, r, http.StatusInternalServerError, err)
	}
}
