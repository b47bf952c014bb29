package botflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"chatrouter/internal/db"
	"chatrouter/internal/models"
	"chatrouter/internal/store"
)

type fakeAdapter struct {
	mu   sync.Mutex
	sent []string
	fail bool
	seq  int
}

func (f *fakeAdapter) Send(_ context.Context, _, _, content string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", errors.New("channel unavailable")
	}
	f.seq++
	f.sent = append(f.sent, content)
	return fmt.Sprintf("ext-%d", f.seq), nil
}

func (f *fakeAdapter) SendMedia(ctx context.Context, sessionID, to, content, _ string) (string, error) {
	return f.Send(ctx, sessionID, to, content)
}

func (f *fakeAdapter) DownloadMedia(context.Context, string) ([]byte, string, error) {
	return nil, "", errors.New("not implemented")
}

type fakeAssigner struct {
	mu       sync.Mutex
	enqueued []uint
	strategy string
}

func (f *fakeAssigner) Enqueue(chatID uint, _, strategyName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, chatID)
	f.strategy = strategyName
}

type engineFixture struct {
	conn     *gorm.DB
	chats    *store.ChatStore
	messages *store.MessageStore
	flows    *store.FlowStore
	adapter  *fakeAdapter
	assigner *fakeAssigner
	engine   *Engine
}

func newEngineFixture(t *testing.T, stepBudget int) *engineFixture {
	t.Helper()
	conn, err := db.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(conn, models.AllModels()...))

	chats, err := store.NewChatStore(conn)
	require.NoError(t, err)
	messages, err := store.NewMessageStore(conn)
	require.NoError(t, err)
	flows, err := store.NewFlowStore(conn)
	require.NoError(t, err)
	contacts, err := store.NewContactStore(conn)
	require.NoError(t, err)

	adapter := &fakeAdapter{}
	assigner := &fakeAssigner{}
	return &engineFixture{
		conn:     conn,
		chats:    chats,
		messages: messages,
		flows:    flows,
		adapter:  adapter,
		assigner: assigner,
		engine:   NewEngine(chats, messages, flows, contacts, adapter, assigner, stepBudget),
	}
}

func (f *engineFixture) createFlow(t *testing.T, flow *models.FlowDefinition) *models.FlowDefinition {
	t.Helper()
	require.NoError(t, Validate(flow))
	require.NoError(t, f.flows.Save(flow))
	return flow
}

func (f *engineFixture) claimedChat(t *testing.T, flow *models.FlowDefinition) *models.Chat {
	t.Helper()
	chat := &models.Chat{
		ExternalID:       fmt.Sprintf("chat-%s", t.Name()),
		ContactPhone:     "+5215512345678",
		ContactName:      "Maria",
		ChannelSessionID: "session-1",
		CampaignID:       "camp-1",
		Status:           models.ChatWaiting,
	}
	require.NoError(t, f.chats.Create(chat))
	claimed, err := f.chats.ClaimForBot(chat.ID, flow.ID, flow.StartNodeID)
	require.NoError(t, err)
	return claimed
}

func TestEngineGreetingFlow(t *testing.T) {
	f := newEngineFixture(t, 0)
	flow := f.createFlow(t, validFlow())
	chat := f.claimedChat(t, flow)

	effects, err := f.engine.Start(context.Background(), chat)
	require.NoError(t, err)
	assert.True(t, effects.Suspended)
	assert.Equal(t, []string{"start"}, effects.Visited)
	assert.Equal(t, []string{"Hola"}, f.adapter.sent)
	assert.Equal(t, models.ChatBot, chat.Status)
	assert.Equal(t, "user_response", chat.BotContext.PendingVariable)

	inbound := &models.Message{ChatID: chat.ID, Direction: models.DirectionInbound,
		SenderType: models.SenderContact, Type: models.TypeText, Content: "1"}
	effects, err = f.engine.Step(context.Background(), chat, inbound)
	require.NoError(t, err)
	assert.Equal(t, []string{"branch", "bye"}, effects.Visited)
	assert.True(t, effects.Ended)
	assert.Equal(t, []string{"Hola", "Adios"}, f.adapter.sent)

	reloaded, err := f.chats.FindByID(chat.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ChatWaiting, reloaded.Status)
	assert.Empty(t, reloaded.BotContext.CurrentNodeID)
	assert.Equal(t, "1", reloaded.BotContext.Variables["user_response"])
}

func TestEngineConditionElseBranchHandsOff(t *testing.T) {
	f := newEngineFixture(t, 0)
	flow := f.createFlow(t, validFlow())
	chat := f.claimedChat(t, flow)

	_, err := f.engine.Start(context.Background(), chat)
	require.NoError(t, err)

	inbound := &models.Message{ChatID: chat.ID, Content: "algo distinto"}
	effects, err := f.engine.Step(context.Background(), chat, inbound)
	require.NoError(t, err)
	assert.True(t, effects.HandedOff)
	assert.Equal(t, []string{"branch", "handoff"}, effects.Visited)
	assert.Equal(t, []uint{chat.ID}, f.assigner.enqueued)

	reloaded, err := f.chats.FindByID(chat.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ChatWaiting, reloaded.Status)
	assert.Nil(t, reloaded.AssignedAgentID)
	assert.Empty(t, reloaded.BotContext.CurrentNodeID)
}

func TestEngineConditionOrderFirstMatchWins(t *testing.T) {
	cfg := models.NodeConfig{
		Conditions: []models.Condition{
			{Variable: "v", Operator: OpContains, Value: "si", TargetNode: "first"},
			{Variable: "v", Operator: OpEquals, Value: "si claro", TargetNode: "second"},
		},
		ElseNodeID: "else",
	}
	vars := map[string]string{"v": "si claro"}
	assert.Equal(t, "first", evaluateConditions(cfg, vars))

	assert.Equal(t, "else", evaluateConditions(cfg, map[string]string{"v": "no"}))
	assert.Equal(t, "else", evaluateConditions(cfg, map[string]string{}))
}

func TestEngineInputValidation(t *testing.T) {
	f := newEngineFixture(t, 0)
	flow := f.createFlow(t, &models.FlowDefinition{
		Name:        "capture-amount",
		StartNodeID: "ask",
		Nodes: []models.FlowNode{
			{NodeID: "ask", Type: models.NodeMessage, Config: models.NodeConfig{
				Text: "Monto?", NextNodeID: "amount",
			}},
			{NodeID: "amount", Type: models.NodeInput, Config: models.NodeConfig{
				Variable: "amount", NumericOnly: true, MinLength: 2,
				NextNodeID: "done", InvalidNodeID: "retry",
			}},
			{NodeID: "retry", Type: models.NodeMessage, Config: models.NodeConfig{
				Text: "Solo numeros por favor", NextNodeID: "amount",
			}},
			{NodeID: "done", Type: models.NodeMessage, Config: models.NodeConfig{Text: "Gracias"}},
		},
	})
	chat := f.claimedChat(t, flow)

	effects, err := f.engine.Start(context.Background(), chat)
	require.NoError(t, err)
	assert.True(t, effects.Suspended)
	assert.Equal(t, "amount", chat.BotContext.CurrentNodeID)

	// Invalid reply takes the invalid branch, re-prompts and waits again.
	bad := &models.Message{ChatID: chat.ID, Content: "abc"}
	effects, err = f.engine.Step(context.Background(), chat, bad)
	require.NoError(t, err)
	assert.Equal(t, []string{"amount", "retry", "amount"}, effects.Visited)
	assert.True(t, effects.Suspended)
	assert.NotContains(t, chat.BotContext.Variables, "amount")

	good := &models.Message{ChatID: chat.ID, Content: "1500"}
	effects, err = f.engine.Step(context.Background(), chat, good)
	require.NoError(t, err)
	assert.True(t, effects.Ended)
	assert.Equal(t, "1500", chat.BotContext.Variables["amount"])
}

func TestEngineStepBudgetEscalates(t *testing.T) {
	f := newEngineFixture(t, 5)
	flow := &models.FlowDefinition{
		Name:        "loop",
		StartNodeID: "a",
		Nodes: []models.FlowNode{
			{NodeID: "a", Type: models.NodeCondition, Config: models.NodeConfig{
				Conditions: []models.Condition{
					{Variable: "x", Operator: OpEquals, Value: "1", TargetNode: "a"},
				},
				ElseNodeID: "a",
			}},
		},
	}
	require.NoError(t, f.flows.Save(flow))
	chat := f.claimedChat(t, flow)

	effects, err := f.engine.Start(context.Background(), chat)
	require.NoError(t, err)
	assert.True(t, effects.HandedOff)
	assert.Len(t, effects.Visited, 5)
	assert.Equal(t, []uint{chat.ID}, f.assigner.enqueued)
}

func TestEngineSendFailureStillAdvances(t *testing.T) {
	f := newEngineFixture(t, 0)
	f.adapter.fail = true
	flow := f.createFlow(t, &models.FlowDefinition{
		Name:        "one-shot",
		StartNodeID: "only",
		Nodes: []models.FlowNode{
			{NodeID: "only", Type: models.NodeMessage, Config: models.NodeConfig{Text: "Hola"}},
		},
	})
	chat := f.claimedChat(t, flow)

	effects, err := f.engine.Start(context.Background(), chat)
	require.NoError(t, err)
	assert.True(t, effects.Ended)

	msgs, err := f.messages.ListByChat(chat.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.StatusFailed, msgs[0].Status)
	assert.NotNil(t, msgs[0].FailedAt)
}

func TestEngineWaitTimeoutAdvancesToFallback(t *testing.T) {
	f := newEngineFixture(t, 0)
	flow := f.createFlow(t, &models.FlowDefinition{
		Name:        "timed",
		StartNodeID: "ask",
		Nodes: []models.FlowNode{
			{NodeID: "ask", Type: models.NodeMessage, Config: models.NodeConfig{
				Text: "Sigues ahi?", AwaitReply: true, NextNodeID: "never",
				TimeoutSeconds: 1, TimeoutNodeID: "gone",
			}},
			{NodeID: "never", Type: models.NodeMessage, Config: models.NodeConfig{Text: "Respuesta"}},
			{NodeID: "gone", Type: models.NodeMessage, Config: models.NodeConfig{Text: "Hasta luego"}},
		},
	})
	chat := f.claimedChat(t, flow)

	_, err := f.engine.Start(context.Background(), chat)
	require.NoError(t, err)

	// Backdate the wait so the tick sees it as lapsed.
	past := time.Now().UTC().Add(-time.Minute)
	chat.BotContext.WaitingSince = &past
	require.NoError(t, f.chats.SaveBotContext(chat))

	f.engine.ExpireWaits(context.Background())

	reloaded, err := f.chats.FindByID(chat.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ChatWaiting, reloaded.Status)
	assert.Contains(t, f.adapter.sent, "Hasta luego")
	assert.NotContains(t, f.adapter.sent, "Respuesta")
}

func TestEngineTraversalDeterministic(t *testing.T) {
	replies := []string{"respuesta libre", "1"}

	runOnce := func(t *testing.T, name string) ([]string, []string) {
		conn, err := db.Open(fmt.Sprintf("file:%s-%s?mode=memory&cache=shared", t.Name(), name))
		require.NoError(t, err)
		require.NoError(t, db.Migrate(conn, models.AllModels()...))
		chats, _ := store.NewChatStore(conn)
		messages, _ := store.NewMessageStore(conn)
		flows, _ := store.NewFlowStore(conn)
		contacts, _ := store.NewContactStore(conn)
		adapter := &fakeAdapter{}
		engine := NewEngine(chats, messages, flows, contacts, adapter, &fakeAssigner{}, 0)

		flow := validFlow()
		require.NoError(t, flows.Save(flow))
		chat := &models.Chat{ExternalID: "det-" + name, ContactPhone: "+521555",
			ChannelSessionID: "s", CampaignID: "c", Status: models.ChatWaiting}
		require.NoError(t, chats.Create(chat))
		chat, err = chats.ClaimForBot(chat.ID, flow.ID, flow.StartNodeID)
		require.NoError(t, err)

		var visited []string
		effects, err := engine.Start(context.Background(), chat)
		require.NoError(t, err)
		visited = append(visited, effects.Visited...)
		for _, reply := range replies {
			if chat.Status != models.ChatBot {
				break
			}
			effects, err = engine.Step(context.Background(), chat,
				&models.Message{ChatID: chat.ID, Content: reply})
			require.NoError(t, err)
			visited = append(visited, effects.Visited...)
		}
		return visited, adapter.sent
	}

	visitedA, sentA := runOnce(t, "a")
	visitedB, sentB := runOnce(t, "b")
	assert.Equal(t, visitedA, visitedB)
	assert.Equal(t, sentA, sentB)
}
