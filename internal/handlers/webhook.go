package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"chatrouter/internal/adapters/gateway"
	"chatrouter/internal/models"
	"chatrouter/internal/services"
	"chatrouter/internal/store"
)

// gatewayEvent is the envelope the channel gateway posts to the webhook.
type gatewayEvent struct {
	Event     string          `json:"event"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
}

// messageEventData is the payload of a "Message" gateway event.
type messageEventData struct {
	From              string `json:"from"`
	PushName          string `json:"pushName"`
	Type              string `json:"type"`
	Body              string `json:"body"`
	MediaRef          string `json:"mediaRef"`
	ExternalMessageID string `json:"id"`
	Timestamp         int64  `json:"timestamp"`
	DecodeFailed      bool   `json:"decodeFailed"`
}

// receiptEventData is the payload of a delivery-receipt gateway event.
type receiptEventData struct {
	ExternalMessageID string `json:"id"`
	Status            string `json:"status"`
}

// sessionEventData is the payload of Connected/Disconnected events.
type sessionEventData struct {
	CampaignID string `json:"campaignId"`
	Phone      string `json:"phone"`
}

// GatewayWebhook receives channel events: inbound messages, delivery
// receipts and session lifecycle. Authentication is an HMAC-SHA256
// signature over the raw body.
func (s *Server) GatewayWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			s.Respond(w, r, http.StatusInternalServerError, "Failed to read request body")
			return
		}
		if !s.validSignature(body, r.Header.Get("X-Gateway-Signature")) {
			log.Warn().Msg("Invalid webhook signature")
			s.Respond(w, r, http.StatusUnauthorized, "Invalid signature")
			return
		}

		var evt gatewayEvent
		if err := json.Unmarshal(body, &evt); err != nil {
			s.Respond(w, r, http.StatusBadRequest, "Invalid JSON payload")
			return
		}

		switch evt.Event {
		case "Message":
			s.handleInboundMessage(w, r, evt)
		case "ReadReceipt", "Receipt":
			s.handleReceipt(w, r, evt)
		case "Connected":
			s.handleConnected(w, r, evt)
		case "Disconnected":
			s.registry.Disconnect(evt.SessionID)
			s.Respond(w, r, http.StatusOK, "ok")
		default:
			log.Debug().Str("event", evt.Event).Msg("Ignoring unhandled gateway event")
			s.Respond(w, r, http.StatusOK, "ignored")
		}
	}
}

func (s *Server) handleInboundMessage(w http.ResponseWriter, r *http.Request, evt gatewayEvent) {
	var data messageEventData
	if err := json.Unmarshal(evt.Data, &data); err != nil {
		s.Respond(w, r, http.StatusBadRequest, "Invalid message payload")
		return
	}

	ts := time.Now().UTC()
	if data.Timestamp > 0 {
		ts = time.Unix(data.Timestamp, 0).UTC()
	}
	chat, msg, err := s.ingestor.Ingest(services.IncomingMessage{
		SessionID:         evt.SessionID,
		From:              data.From,
		PushName:          data.PushName,
		Type:              data.Type,
		Body:              data.Body,
		MediaRef:          data.MediaRef,
		ExternalMessageID: data.ExternalMessageID,
		Timestamp:         ts,
		DecodeFailed:      data.DecodeFailed,
	})
	if err != nil {
		log.Error().Err(err).Str("sessionID", evt.SessionID).Msg("Inbound message ingestion failed")
		s.Respond(w, r, http.StatusInternalServerError, err)
		return
	}
	s.Respond(w, r, http.StatusOK, map[string]uint{"chatId": chat.ID, "messageId": msg.ID})
}

func (s *Server) handleReceipt(w http.ResponseWriter, r *http.Request, evt gatewayEvent) {
	var data receiptEventData
	if err := json.Unmarshal(evt.Data, &data); err != nil {
		s.Respond(w, r, http.StatusBadRequest, "Invalid receipt payload")
		return
	}

	msg, err := s.messages.FindByExternalID(data.ExternalMessageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.Respond(w, r, http.StatusOK, "unknown message, ignored")
			return
		}
		s.Respond(w, r, http.StatusInternalServerError, err)
		return
	}

	var target models.MessageStatus
	switch data.Status {
	case "delivered":
		target = models.StatusDelivered
	case "read":
		target = models.StatusRead
	case "failed":
		target = models.StatusFailed
	default:
		s.Respond(w, r, http.StatusOK, "unknown status, ignored")
		return
	}

	if err := s.messages.UpdateStatus(msg.ID, target); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// Receipts can arrive out of order; a stale one is not an error.
			s.Respond(w, r, http.StatusOK, "stale receipt, ignored")
			return
		}
		s.Respond(w, r, http.StatusInternalServerError, err)
		return
	}
	s.Respond(w, r, http.StatusOK, "ok")
}

func (s *Server) handleConnected(w http.ResponseWriter, r *http.Request, evt gatewayEvent) {
	var data sessionEventData
	if err := json.Unmarshal(evt.Data, &data); err != nil {
		s.Respond(w, r, http.StatusBadRequest, "Invalid session payload")
		return
	}
	s.registry.Connect(gateway.Session{
		ID:         evt.SessionID,
		CampaignID: data.CampaignID,
		Phone:      data.Phone,
	})
	s.Respond(w, r, http.StatusOK, "ok")
}

// validSignature checks the HMAC-SHA256 hex signature over the raw body.
// An unset secret disables validation (local development).
func (s *Server) validSignature(body []byte, signature string) bool {
	if s.webhookSecret == "" {
		return true
	}
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.webhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
