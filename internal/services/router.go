package services

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"chatrouter/internal/botflow"
	"chatrouter/internal/events"
	"chatrouter/internal/models"
	"chatrouter/internal/store"
)

// Router consumes domain events and decides who owns each chat: a fresh
// chat goes to the active bot flow for its campaign when one exists,
// otherwise straight to agent routing; inbound messages on bot-owned
// chats drive flow steps. The bus guarantees ChatCreated is fully
// handled before the first MessageCreated of the same chat, so the
// ownership claim always lands first.
type Router struct {
	chats    *store.ChatStore
	messages *store.MessageStore
	flows    *store.FlowStore
	engine   *botflow.Engine
	assigner botflow.Assigner
}

// NewRouter creates a router.
func NewRouter(chats *store.ChatStore, messages *store.MessageStore, flows *store.FlowStore,
	engine *botflow.Engine, assigner botflow.Assigner) *Router {
	return &Router{
		chats:    chats,
		messages: messages,
		flows:    flows,
		engine:   engine,
		assigner: assigner,
	}
}

// Bind subscribes the router to the event bus.
func (r *Router) Bind(bus *events.Bus) {
	bus.Subscribe(events.ChatCreated, r.onChatCreated)
	bus.Subscribe(events.MessageCreated, r.onMessageCreated)
}

func (r *Router) onChatCreated(evt events.Event) {
	chat, err := r.chats.FindByID(evt.ChatID)
	if err != nil {
		log.Error().Err(err).Uint("chatID", evt.ChatID).Msg("ChatCreated for unknown chat")
		return
	}
	if chat.Status != models.ChatWaiting || chat.AssignedAgentID != nil {
		return
	}

	flow, err := r.flows.FindActiveByCampaign(chat.CampaignID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Error().Err(err).Str("campaignID", chat.CampaignID).Msg("Active flow lookup failed")
		}
		// No bot flow configured: hand straight to human routing.
		r.assigner.Enqueue(chat.ID, chat.CampaignID, "")
		return
	}

	claimed, err := r.chats.ClaimForBot(chat.ID, flow.ID, flow.StartNodeID)
	if err != nil {
		if errors.Is(err, store.ErrChatNotClaimable) {
			log.Debug().Uint("chatID", chat.ID).Msg("Chat claimed elsewhere before bot could start")
			return
		}
		log.Error().Err(err).Uint("chatID", chat.ID).Msg("Bot claim failed")
		return
	}

	if _, err := r.engine.Start(context.Background(), claimed); err != nil {
		log.Error().Err(err).Uint("chatID", chat.ID).Msg("Bot flow start failed, releasing to agents")
		if _, relErr := r.chats.ReturnToWaiting(chat.ID); relErr != nil {
			log.Error().Err(relErr).Uint("chatID", chat.ID).Msg("Could not release chat after failed start")
			return
		}
		r.assigner.Enqueue(chat.ID, chat.CampaignID, "")
	}
}

func (r *Router) onMessageCreated(evt events.Event) {
	payload, ok := evt.Payload.(events.MessageCreatedPayload)
	if !ok || payload.Direction != string(models.DirectionInbound) {
		return
	}

	chat, err := r.chats.FindByID(evt.ChatID)
	if err != nil {
		log.Error().Err(err).Uint("chatID", evt.ChatID).Msg("MessageCreated for unknown chat")
		return
	}
	if chat.Status != models.ChatBot || !chat.OwnedByBot() {
		return
	}

	msg, err := r.messages.FindByID(payload.MessageID)
	if err != nil {
		log.Error().Err(err).Uint("messageID", payload.MessageID).Msg("MessageCreated for unknown message")
		return
	}

	if _, err := r.engine.Step(context.Background(), chat, msg); err != nil {
		log.Error().Err(err).Uint("chatID", chat.ID).Msg("Bot flow step failed")
	}
}
