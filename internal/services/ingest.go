// Package services holds the ingestion pipeline and the event router
// that hands chats between the bot flow engine and agent routing.
package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"chatrouter/internal/adapters/gateway"
	"chatrouter/internal/events"
	"chatrouter/internal/media"
	"chatrouter/internal/models"
	"chatrouter/internal/store"
	"chatrouter/pkg/phone"
)

// IncomingMessage is one raw inbound event from the channel gateway.
type IncomingMessage struct {
	SessionID         string    `json:"sessionId"`
	From              string    `json:"from"`
	PushName          string    `json:"pushName"`
	Type              string    `json:"type"`
	Body              string    `json:"body"`
	MediaRef          string    `json:"mediaRef"`
	ExternalMessageID string    `json:"externalMessageId"`
	Timestamp         time.Time `json:"timestamp"`
	// DecodeFailed marks a media payload the gateway could not decode;
	// the message is kept with a placeholder body instead of being lost.
	DecodeFailed bool `json:"decodeFailed,omitempty"`
}

// Ingestor turns raw inbound events into persisted Chats and Messages
// and fans out the resulting domain events.
type Ingestor struct {
	contacts *store.ContactStore
	chats    *store.ChatStore
	messages *store.MessageStore
	enricher *Enricher
	registry *gateway.Registry
	bus      *events.Bus
	adapter  gateway.Adapter
	archive  *media.Store
}

// NewIngestor creates an ingestion pipeline.
func NewIngestor(contacts *store.ContactStore, chats *store.ChatStore, messages *store.MessageStore,
	enricher *Enricher, registry *gateway.Registry, bus *events.Bus) *Ingestor {
	return &Ingestor{
		contacts: contacts,
		chats:    chats,
		messages: messages,
		enricher: enricher,
		registry: registry,
		bus:      bus,
	}
}

// WithMediaArchive enables best-effort attachment archiving: inbound
// media is downloaded from the gateway and stored in S3, and the message
// carries the archive URL instead of the gateway's transient reference.
func (s *Ingestor) WithMediaArchive(adapter gateway.Adapter, archive *media.Store) *Ingestor {
	s.adapter = adapter
	s.archive = archive
	return s
}

// Ingest processes one raw inbound message: exactly one chat created or
// reused, exactly one message created, zero to two domain events.
// Redelivery of an already-seen externalMessageId returns the existing
// records without side effects.
func (s *Ingestor) Ingest(raw IncomingMessage) (*models.Chat, *models.Message, error) {
	normalized := phone.Normalize(raw.From)
	if normalized == "" {
		return nil, nil, fmt.Errorf("inbound message has no usable sender address (%q)", raw.From)
	}

	// Dedupe before any write.
	if existing, err := s.messages.FindByExternalID(raw.ExternalMessageID); err == nil {
		chat, chatErr := s.chats.FindByID(existing.ChatID)
		if chatErr != nil {
			return nil, nil, fmt.Errorf("load chat for redelivered message: %w", chatErr)
		}
		log.Debug().Str("externalMessageID", raw.ExternalMessageID).
			Uint("messageID", existing.ID).Msg("Inbound message redelivered, skipping")
		return chat, existing, nil
	}

	contact, err := s.contacts.FindOrCreateByPhone(normalized, raw.From, raw.PushName)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve contact: %w", err)
	}

	campaignID := s.registry.CampaignFor(raw.SessionID)

	created := false
	chat, err := s.chats.FindOpenByPhone(normalized, campaignID)
	if err != nil {
		if err != store.ErrNotFound {
			return nil, nil, fmt.Errorf("find open chat: %w", err)
		}
		chat = &models.Chat{
			ExternalID:       chatExternalID(raw.SessionID, normalized, raw.Timestamp),
			ContactID:        contact.ID,
			ContactPhone:     normalized,
			ContactName:      contact.Name,
			ChannelSessionID: raw.SessionID,
			CampaignID:       campaignID,
			Status:           models.ChatWaiting,
		}
		if err := s.chats.Create(chat); err != nil {
			return nil, nil, fmt.Errorf("create chat: %w", err)
		}
		created = true
		log.Info().Uint("chatID", chat.ID).Str("phone", normalized).
			Str("campaignID", campaignID).Msg("Chat created for new conversation")

		// Best effort: a failed enrichment never fails ingestion.
		s.enricher.Enrich(chat, contact)
	}

	msgType := MapMediaType(raw.Type)
	content := raw.Body
	if raw.DecodeFailed || (msgType != models.TypeText && content == "" && raw.MediaRef == "") {
		content = media.Placeholder(msgType)
	}

	mediaRef := raw.MediaRef
	if mediaRef != "" && msgType != models.TypeText {
		mediaRef = s.archiveMedia(chat.ID, raw)
	}

	msg := &models.Message{
		ChatID:     chat.ID,
		Direction:  models.DirectionInbound,
		SenderType: models.SenderContact,
		Type:       msgType,
		Content:    content,
		MediaRef:   mediaRef,
		ExternalID: raw.ExternalMessageID,
		Status:     models.StatusDelivered,
	}
	if err := s.messages.Create(msg); err != nil {
		return nil, nil, fmt.Errorf("persist inbound message: %w", err)
	}

	at := raw.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if err := s.chats.TouchActivity(chat.ID, content, at); err != nil {
		return nil, nil, fmt.Errorf("update chat activity: %w", err)
	}

	if created {
		s.bus.Publish(events.New(events.ChatCreated, chat.ID, nil))
	}
	s.bus.Publish(events.New(events.MessageCreated, chat.ID, events.MessageCreatedPayload{
		MessageID: msg.ID,
		Direction: string(msg.Direction),
	}))

	return chat, msg, nil
}

// archiveMedia downloads an attachment and stores it in the archive,
// returning the durable URL. Any failure keeps the gateway's original
// reference; the message itself is never lost over its attachment.
func (s *Ingestor) archiveMedia(chatID uint, raw IncomingMessage) string {
	if s.adapter == nil || !s.archive.Enabled() {
		return raw.MediaRef
	}
	data, mimeType, err := s.adapter.DownloadMedia(context.Background(), raw.MediaRef)
	if err != nil {
		log.Warn().Err(err).Uint("chatID", chatID).Str("mediaRef", raw.MediaRef).
			Msg("Media download failed, keeping gateway reference")
		return raw.MediaRef
	}
	url, err := s.archive.Upload(context.Background(), chatID, raw.ExternalMessageID, data, mimeType)
	if err != nil {
		log.Warn().Err(err).Uint("chatID", chatID).Msg("Media archive failed, keeping gateway reference")
		return raw.MediaRef
	}
	return url
}

// chatExternalID derives the chat idempotency key deterministically from
// the session, the normalized phone and the creation instant.
func chatExternalID(sessionID, normalizedPhone string, at time.Time) string {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	seed := fmt.Sprintf("%s|%s|%d", sessionID, normalizedPhone, at.UnixNano())
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String()
}

// MapMediaType maps the gateway's media subtype to the internal message
// type. Unknown subtypes become documents rather than failing.
func MapMediaType(raw string) models.MessageType {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "text", "chat", "conversation", "extendedtextmessage":
		return models.TypeText
	case "image", "imagemessage", "sticker", "stickermessage":
		return models.TypeImage
	case "audio", "audiomessage", "ptt", "voice":
		return models.TypeAudio
	case "video", "videomessage":
		return models.TypeVideo
	default:
		return models.TypeDocument
	}
}
