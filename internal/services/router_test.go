package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrouter/internal/adapters/gateway"
	"chatrouter/internal/botflow"
	"chatrouter/internal/db"
	"chatrouter/internal/events"
	"chatrouter/internal/models"
	"chatrouter/internal/store"
)

type recordingAdapter struct {
	mu   sync.Mutex
	sent []string
	seq  int
}

func (a *recordingAdapter) Send(_ context.Context, _, _, content string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	a.sent = append(a.sent, content)
	return fmt.Sprintf("ext-%d", a.seq), nil
}

func (a *recordingAdapter) SendMedia(ctx context.Context, sessionID, to, content, _ string) (string, error) {
	return a.Send(ctx, sessionID, to, content)
}

func (a *recordingAdapter) DownloadMedia(context.Context, string) ([]byte, string, error) {
	return nil, "", fmt.Errorf("not implemented")
}

func (a *recordingAdapter) sentMessages() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.sent...)
}

type recordingAssigner struct {
	mu       sync.Mutex
	enqueued []uint
}

func (a *recordingAssigner) Enqueue(chatID uint, _, _ string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enqueued = append(a.enqueued, chatID)
}

func (a *recordingAssigner) chats() []uint {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint(nil), a.enqueued...)
}

type routerFixture struct {
	chats    *store.ChatStore
	flows    *store.FlowStore
	bus      *events.Bus
	ingestor *Ingestor
	adapter  *recordingAdapter
	assigner *recordingAssigner
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	conn, err := db.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(conn, models.AllModels()...))

	contacts, err := store.NewContactStore(conn)
	require.NoError(t, err)
	chats, err := store.NewChatStore(conn)
	require.NoError(t, err)
	messages, err := store.NewMessageStore(conn)
	require.NoError(t, err)
	flows, err := store.NewFlowStore(conn)
	require.NoError(t, err)

	registry := gateway.NewRegistry(time.Hour)
	registry.Connect(gateway.Session{ID: "session-1", CampaignID: "camp-1"})

	bus := events.NewBus(16)
	adapter := &recordingAdapter{}
	assigner := &recordingAssigner{}
	engine := botflow.NewEngine(chats, messages, flows, contacts, adapter, assigner, 0)
	NewRouter(chats, messages, flows, engine, assigner).Bind(bus)

	enricher := NewEnricher(contacts, chats)
	ingestor := NewIngestor(contacts, chats, messages, enricher, registry, bus)

	t.Cleanup(bus.Close)
	return &routerFixture{
		chats:    chats,
		flows:    flows,
		bus:      bus,
		ingestor: ingestor,
		adapter:  adapter,
		assigner: assigner,
	}
}

func activeGreetingFlow(t *testing.T, flows *store.FlowStore) *models.FlowDefinition {
	t.Helper()
	flow := &models.FlowDefinition{
		Name:        "greeting",
		CampaignID:  "camp-1",
		StartNodeID: "start",
		Nodes: []models.FlowNode{
			{NodeID: "start", Type: models.NodeMessage, Config: models.NodeConfig{
				Text: "Hola {{contact.name|cliente}}", AwaitReply: true,
				SaveResponse: "user_response", NextNodeID: "branch",
			}},
			{NodeID: "branch", Type: models.NodeCondition, Config: models.NodeConfig{
				Conditions: []models.Condition{
					{Variable: "user_response", Operator: botflow.OpEquals, Value: "1", TargetNode: "bye"},
				},
				ElseNodeID: "handoff",
			}},
			{NodeID: "bye", Type: models.NodeMessage, Config: models.NodeConfig{Text: "Adios"}},
			{NodeID: "handoff", Type: models.NodeTransferAgent, Config: models.NodeConfig{
				HandoffText: "Te comunico con un agente",
			}},
		},
	}
	require.NoError(t, flows.Save(flow))
	require.NoError(t, flows.Activate(flow.ID, botflow.Validate))
	return flow
}

func TestRouterNewChatGoesToActiveBotFlow(t *testing.T) {
	f := newRouterFixture(t)
	activeGreetingFlow(t, f.flows)

	chat, _, err := f.ingestor.Ingest(holaMessage())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		reloaded, err := f.chats.FindByID(chat.ID)
		return err == nil && reloaded.Status == models.ChatBot
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(f.adapter.sentMessages()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Hola Maria", f.adapter.sentMessages()[0])
	assert.Empty(t, f.assigner.chats())
}

func TestRouterBotConversationToHandoff(t *testing.T) {
	f := newRouterFixture(t)
	activeGreetingFlow(t, f.flows)

	chat, _, err := f.ingestor.Ingest(holaMessage())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(f.adapter.sentMessages()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The contact answers something the flow cannot classify: the bot
	// hands the chat to agent routing.
	reply := holaMessage()
	reply.Body = "quiero hablar con alguien"
	reply.ExternalMessageID = "ext-msg-2"
	_, _, err = f.ingestor.Ingest(reply)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(f.assigner.chats()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []uint{chat.ID}, f.assigner.chats())

	reloaded, err := f.chats.FindByID(chat.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ChatWaiting, reloaded.Status)
	assert.Contains(t, f.adapter.sentMessages(), "Te comunico con un agente")
}

func TestRouterNoActiveFlowEnqueuesAssignment(t *testing.T) {
	f := newRouterFixture(t)

	chat, _, err := f.ingestor.Ingest(holaMessage())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(f.assigner.chats()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []uint{chat.ID}, f.assigner.chats())
	assert.Empty(t, f.adapter.sentMessages())
}

func TestRouterIgnoresOutboundMessages(t *testing.T) {
	f := newRouterFixture(t)
	activeGreetingFlow(t, f.flows)

	chat, _, err := f.ingestor.Ingest(holaMessage())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(f.adapter.sentMessages()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// An outbound MessageCreated must not drive a flow step.
	f.bus.Publish(events.New(events.MessageCreated, chat.ID, events.MessageCreatedPayload{
		MessageID: 999, Direction: string(models.DirectionOutbound),
	}))

	time.Sleep(100 * time.Millisecond)
	assert.Len(t, f.adapter.sentMessages(), 1)
}
