// Package botflow executes bot conversation graphs. The engine is a
// per-chat state machine whose state is the persisted BotContext (current
// node pointer plus captured variables); suspension is represented purely
// as persisted state, never as a blocked goroutine.
package botflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"chatrouter/internal/adapters/gateway"
	"chatrouter/internal/models"
	"chatrouter/internal/store"
)

// Condition operators.
const (
	OpEquals   = "equals"
	OpEqualsCI = "equals_ci"
	OpContains = "contains"
)

// Assigner enqueues a chat for human routing. Implemented by the
// assignment queue; an interface here keeps the dependency one-way.
type Assigner interface {
	Enqueue(chatID uint, campaignID, strategyName string)
}

// Effects is the observable outcome of one engine entry: the node-visit
// sequence, the outbound messages produced, and how the entry ended.
// Traversal is deterministic: identical graph, variables and replies
// yield identical Effects.
type Effects struct {
	Visited    []string
	OutboundID []uint
	Suspended  bool
	HandedOff  bool
	Ended      bool
}

// Engine walks flow graphs for bot-owned chats.
type Engine struct {
	chats    *store.ChatStore
	messages *store.MessageStore
	flows    *store.FlowStore
	contacts *store.ContactStore
	adapter  gateway.Adapter
	assigner Assigner

	// stepBudget bounds nodes visited per entry so a malformed graph
	// (self-referencing loop) cannot spin forever.
	stepBudget int
}

// NewEngine creates a flow engine.
func NewEngine(chats *store.ChatStore, messages *store.MessageStore, flows *store.FlowStore,
	contacts *store.ContactStore, adapter gateway.Adapter, assigner Assigner, stepBudget int) *Engine {
	if stepBudget <= 0 {
		stepBudget = 25
	}
	return &Engine{
		chats:      chats,
		messages:   messages,
		flows:      flows,
		contacts:   contacts,
		adapter:    adapter,
		assigner:   assigner,
		stepBudget: stepBudget,
	}
}

// Start runs the first steps of a flow on a freshly claimed chat. The
// caller has already transitioned the chat to BOT with the start node
// pointer set.
func (e *Engine) Start(ctx context.Context, chat *models.Chat) (*Effects, error) {
	flow, err := e.flows.FindByID(chat.BotContext.FlowID)
	if err != nil {
		return nil, fmt.Errorf("load flow %d: %w", chat.BotContext.FlowID, err)
	}
	return e.run(ctx, chat, flow, nil)
}

// Step consumes one inbound message for a bot-owned chat and advances
// the flow until it suspends, hands off or ends.
func (e *Engine) Step(ctx context.Context, chat *models.Chat, inbound *models.Message) (*Effects, error) {
	if !chat.OwnedByBot() || chat.Status != models.ChatBot {
		return nil, fmt.Errorf("chat %d is not owned by the bot", chat.ID)
	}
	flow, err := e.flows.FindByID(chat.BotContext.FlowID)
	if err != nil {
		return nil, fmt.Errorf("load flow %d: %w", chat.BotContext.FlowID, err)
	}
	return e.run(ctx, chat, flow, inbound)
}

func (e *Engine) run(ctx context.Context, chat *models.Chat, flow *models.FlowDefinition, inbound *models.Message) (*Effects, error) {
	effects := &Effects{}
	nodes := make(map[string]*models.FlowNode, len(flow.Nodes))
	for i := range flow.Nodes {
		nodes[flow.Nodes[i].NodeID] = &flow.Nodes[i]
	}

	bctx := &chat.BotContext
	bctx.WaitingSince = nil
	bctx.WaitTimeoutSeconds = 0
	bctx.WaitFallbackNodeID = ""

	// An inbound reply is consumed at most once: first by a pending
	// saveResponse capture, then by the next INPUT node.
	var reply *string
	if inbound != nil {
		body := inbound.Content
		if bctx.PendingVariable != "" {
			bctx.SetVariable(bctx.PendingVariable, body)
			bctx.PendingVariable = ""
		}
		reply = &body
	}

	scope := e.buildScope(chat)

	for steps := 0; steps < e.stepBudget; steps++ {
		if bctx.CurrentNodeID == "" {
			return effects, e.endFlow(chat, effects)
		}
		node, ok := nodes[bctx.CurrentNodeID]
		if !ok {
			log.Error().Uint("chatID", chat.ID).Uint("flowID", flow.ID).
				Str("nodeID", bctx.CurrentNodeID).Msg("Flow pointer references a missing node")
			return effects, e.handoff(chat, "", effects)
		}
		effects.Visited = append(effects.Visited, node.NodeID)
		cfg := node.Config

		switch node.Type {
		case models.NodeMessage:
			msg := e.sendBotMessage(ctx, chat, Render(cfg.Text, scope))
			if msg != nil {
				effects.OutboundID = append(effects.OutboundID, msg.ID)
			}
			if cfg.SaveResponse != "" {
				bctx.PendingVariable = cfg.SaveResponse
			}
			bctx.CurrentNodeID = cfg.NextNodeID
			if cfg.AwaitReply {
				e.suspend(bctx, cfg)
				effects.Suspended = true
				return effects, e.persistBotState(chat)
			}

		case models.NodeInput:
			if reply == nil {
				e.suspend(bctx, cfg)
				effects.Suspended = true
				return effects, e.persistBotState(chat)
			}
			body := strings.TrimSpace(*reply)
			reply = nil
			if validInput(body, cfg) {
				bctx.SetVariable(cfg.Variable, body)
				scope.Set(cfg.Variable, StringValue(body))
				bctx.CurrentNodeID = cfg.NextNodeID
			} else {
				bctx.CurrentNodeID = cfg.InvalidNodeID
			}

		case models.NodeCondition:
			bctx.CurrentNodeID = evaluateConditions(cfg, bctx.Variables)

		case models.NodeTransferAgent:
			if cfg.HandoffText != "" {
				msg := e.sendBotMessage(ctx, chat, Render(cfg.HandoffText, scope))
				if msg != nil {
					effects.OutboundID = append(effects.OutboundID, msg.ID)
				}
			}
			return effects, e.handoff(chat, cfg.Strategy, effects)

		default:
			log.Error().Uint("chatID", chat.ID).Str("nodeID", node.NodeID).
				Str("type", string(node.Type)).Msg("Unknown flow node type")
			return effects, e.handoff(chat, "", effects)
		}
	}

	log.Error().Uint("chatID", chat.ID).Uint("flowID", flow.ID).
		Int("budget", e.stepBudget).Msg("Flow step budget exhausted, escalating to human routing")
	return effects, e.handoff(chat, "", effects)
}

// endFlow leaves the pointer null and idles the chat back in WAITING.
// Captured variables stay on the record for agent context.
func (e *Engine) endFlow(chat *models.Chat, effects *Effects) error {
	effects.Ended = true
	chat.BotContext.Clear()
	chat.Status = models.ChatWaiting
	if err := e.chats.SaveBotContext(chat); err != nil {
		return fmt.Errorf("end flow for chat %d: %w", chat.ID, err)
	}
	log.Info().Uint("chatID", chat.ID).Msg("Bot flow completed")
	return nil
}

// handoff releases bot ownership and enqueues the chat for human routing.
func (e *Engine) handoff(chat *models.Chat, strategy string, effects *Effects) error {
	effects.HandedOff = true
	updated, err := e.chats.ReturnToWaiting(chat.ID)
	if err != nil {
		return fmt.Errorf("release chat %d for handoff: %w", chat.ID, err)
	}
	*chat = *updated
	e.assigner.Enqueue(chat.ID, chat.CampaignID, strategy)
	log.Info().Uint("chatID", chat.ID).Str("strategy", strategy).
		Msg("Bot handed chat off to agent routing")
	return nil
}

func (e *Engine) persistBotState(chat *models.Chat) error {
	chat.Status = models.ChatBot
	if err := e.chats.SaveBotContext(chat); err != nil {
		return fmt.Errorf("persist bot state for chat %d: %w", chat.ID, err)
	}
	return nil
}

func (e *Engine) suspend(bctx *models.BotContext, cfg models.NodeConfig) {
	now := time.Now().UTC()
	bctx.WaitingSince = &now
	bctx.WaitTimeoutSeconds = cfg.TimeoutSeconds
	bctx.WaitFallbackNodeID = cfg.TimeoutNodeID
}

// sendBotMessage sends rendered text and records the outbound message.
// Send failures do not stall the flow: the message is recorded FAILED and
// the pointer still advances.
func (e *Engine) sendBotMessage(ctx context.Context, chat *models.Chat, text string) *models.Message {
	msg := &models.Message{
		ChatID:     chat.ID,
		Direction:  models.DirectionOutbound,
		SenderType: models.SenderBot,
		Type:       models.TypeText,
		Content:    text,
		Status:     models.StatusSent,
	}
	externalID, err := e.adapter.Send(ctx, chat.ChannelSessionID, chat.ContactPhone, text)
	if err != nil {
		log.Warn().Err(err).Uint("chatID", chat.ID).Msg("Bot message send failed")
		msg.Status = models.StatusFailed
	} else {
		msg.ExternalID = externalID
	}
	if err := e.messages.Create(msg); err != nil {
		log.Error().Err(err).Uint("chatID", chat.ID).Msg("Could not persist bot message")
		return nil
	}
	return msg
}

// buildScope assembles the template scope: flat bot variables plus the
// contact and debtor records nested under their prefixes. The debtor
// lookup is best effort.
func (e *Engine) buildScope(chat *models.Chat) Scope {
	scope := Scope{}
	for key, value := range chat.BotContext.Variables {
		scope[key] = StringValue(value)
	}
	scope["contact"] = MapValue(map[string]Value{
		"name":  StringValue(chat.ContactName),
		"phone": StringValue(chat.ContactPhone),
	})
	debtor, err := e.contacts.FindDebtorByPhone(chat.ContactPhone)
	if err == nil {
		fields := map[string]Value{
			"name":      StringValue(debtor.Name),
			"document":  StringValue(debtor.Document),
			"reference": StringValue(debtor.Reference),
			"amount":    NumberValue(debtor.Amount),
		}
		if debtor.DueDate != nil {
			fields["due_date"] = StringValue(debtor.DueDate.Format("2006-01-02"))
		}
		scope["debtor"] = MapValue(fields)
	}
	return scope
}

// validInput applies an INPUT node's declared constraint.
func validInput(body string, cfg models.NodeConfig) bool {
	if body == "" {
		return false
	}
	if cfg.NumericOnly {
		for _, r := range body {
			if r < '0' || r > '9' {
				return false
			}
		}
	}
	if cfg.MinLength > 0 && len(body) < cfg.MinLength {
		return false
	}
	if cfg.MaxLength > 0 && len(body) > cfg.MaxLength {
		return false
	}
	return true
}

// evaluateConditions resolves a CONDITION node. Tuples are evaluated in
// declared order and the first match wins; no match falls through to the
// else branch.
func evaluateConditions(cfg models.NodeConfig, vars map[string]string) string {
	for _, cond := range cfg.Conditions {
		value, ok := vars[cond.Variable]
		if !ok {
			continue
		}
		if conditionMatches(cond.Operator, value, cond.Value) {
			return cond.TargetNode
		}
	}
	return cfg.ElseNodeID
}

func conditionMatches(operator, value, literal string) bool {
	switch operator {
	case OpEquals:
		return value == literal
	case OpEqualsCI:
		return strings.EqualFold(value, literal)
	case OpContains:
		return strings.Contains(strings.ToLower(value), strings.ToLower(literal))
	default:
		return false
	}
}

// ExpireWaits advances every bot-owned chat whose wait window has lapsed
// to its configured fallback node, or hands it to human routing when no
// fallback is configured. Driven by a timer tick.
func (e *Engine) ExpireWaits(ctx context.Context) {
	chats, err := e.chats.ListBotOwned()
	if err != nil {
		log.Error().Err(err).Msg("Could not list bot-owned chats for wait expiry")
		return
	}
	now := time.Now().UTC()
	for i := range chats {
		chat := &chats[i]
		bctx := chat.BotContext
		if bctx.WaitingSince == nil || bctx.WaitTimeoutSeconds <= 0 {
			continue
		}
		deadline := bctx.WaitingSince.Add(time.Duration(bctx.WaitTimeoutSeconds) * time.Second)
		if now.Before(deadline) {
			continue
		}

		log.Info().Uint("chatID", chat.ID).Str("fallback", bctx.WaitFallbackNodeID).
			Msg("Bot wait timed out")
		if bctx.WaitFallbackNodeID == "" {
			effects := &Effects{}
			if err := e.handoff(chat, "", effects); err != nil {
				log.Error().Err(err).Uint("chatID", chat.ID).Msg("Timeout handoff failed")
			}
			continue
		}

		chat.BotContext.CurrentNodeID = bctx.WaitFallbackNodeID
		chat.BotContext.PendingVariable = ""
		flow, err := e.flows.FindByID(chat.BotContext.FlowID)
		if err != nil {
			log.Error().Err(err).Uint("chatID", chat.ID).Msg("Could not load flow for timed-out chat")
			continue
		}
		if _, err := e.run(ctx, chat, flow, nil); err != nil {
			log.Error().Err(err).Uint("chatID", chat.ID).Msg("Timeout advance failed")
		}
	}
}

// RunTimeoutTicker drives ExpireWaits until the context is cancelled.
func (e *Engine) RunTimeoutTicker(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.ExpireWaits(ctx)
		}
	}
}
