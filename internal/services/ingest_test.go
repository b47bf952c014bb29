package services

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"chatrouter/internal/adapters/gateway"
	"chatrouter/internal/db"
	"chatrouter/internal/events"
	"chatrouter/internal/models"
	"chatrouter/internal/store"
)

type ingestFixture struct {
	conn     *gorm.DB
	contacts *store.ContactStore
	chats    *store.ChatStore
	messages *store.MessageStore
	bus      *events.Bus
	ingestor *Ingestor

	mu       sync.Mutex
	observed []events.Type
}

func newIngestFixture(t *testing.T) *ingestFixture {
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

	registry := gateway.NewRegistry(time.Hour)
	registry.Connect(gateway.Session{ID: "session-1", CampaignID: "camp-1"})

	f := &ingestFixture{conn: conn, contacts: contacts, chats: chats, messages: messages}
	f.bus = events.NewBus(16)
	record := func(evt events.Event) {
		f.mu.Lock()
		f.observed = append(f.observed, evt.Type)
		f.mu.Unlock()
	}
	f.bus.Subscribe(events.ChatCreated, record)
	f.bus.Subscribe(events.MessageCreated, record)

	enricher := NewEnricher(contacts, chats)
	f.ingestor = NewIngestor(contacts, chats, messages, enricher, registry, f.bus)
	t.Cleanup(f.bus.Close)
	return f
}

func (f *ingestFixture) eventTypes() []events.Type {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]events.Type(nil), f.observed...)
}

func holaMessage() IncomingMessage {
	return IncomingMessage{
		SessionID:         "session-1",
		From:              "5215512345678@s.whatsapp.net",
		PushName:          "Maria",
		Type:              "text",
		Body:              "Hola",
		ExternalMessageID: "ext-msg-1",
		Timestamp:         time.Now().UTC(),
	}
}

func TestIngestNewConversation(t *testing.T) {
	f := newIngestFixture(t)

	chat, msg, err := f.ingestor.Ingest(holaMessage())
	require.NoError(t, err)

	assert.Equal(t, models.ChatWaiting, chat.Status)
	assert.Equal(t, "5215512345678", chat.ContactPhone)
	assert.Equal(t, "camp-1", chat.CampaignID)
	assert.NotEmpty(t, chat.ExternalID)

	assert.Equal(t, models.DirectionInbound, msg.Direction)
	assert.Equal(t, models.SenderContact, msg.SenderType)
	assert.Equal(t, models.StatusDelivered, msg.Status)
	assert.NotNil(t, msg.DeliveredAt)
	assert.Equal(t, "Hola", msg.Content)

	reloaded, err := f.chats.FindByID(chat.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.UnreadCount)
	assert.Equal(t, "Hola", reloaded.LastMessageText)
	require.NotNil(t, reloaded.LastMessageAt)

	require.Eventually(t, func() bool {
		return len(f.eventTypes()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []events.Type{events.ChatCreated, events.MessageCreated}, f.eventTypes())
}

func TestIngestRedeliveryIsIdempotent(t *testing.T) {
	f := newIngestFixture(t)

	first, firstMsg, err := f.ingestor.Ingest(holaMessage())
	require.NoError(t, err)
	second, secondMsg, err := f.ingestor.Ingest(holaMessage())
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, firstMsg.ID, secondMsg.ID)

	var count int64
	require.NoError(t, f.conn.Model(&models.Message{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	// Redelivery publishes nothing.
	f.bus.Close()
	assert.Len(t, f.eventTypes(), 2)
}

func TestIngestReusesOpenChat(t *testing.T) {
	f := newIngestFixture(t)

	first, _, err := f.ingestor.Ingest(holaMessage())
	require.NoError(t, err)

	followup := holaMessage()
	followup.Body = "Sigo aqui"
	followup.ExternalMessageID = "ext-msg-2"
	second, _, err := f.ingestor.Ingest(followup)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	reloaded, err := f.chats.FindByID(first.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, reloaded.UnreadCount)
	assert.Equal(t, "Sigo aqui", reloaded.LastMessageText)

	// Only the first message creates the chat.
	f.bus.Close()
	types := f.eventTypes()
	created := 0
	for _, typ := range types {
		if typ == events.ChatCreated {
			created++
		}
	}
	assert.Equal(t, 1, created)
}

func TestIngestUnknownMediaTypeBecomesDocument(t *testing.T) {
	f := newIngestFixture(t)

	raw := holaMessage()
	raw.Type = "contact_card"
	raw.Body = ""
	raw.MediaRef = "media/123"
	_, msg, err := f.ingestor.Ingest(raw)
	require.NoError(t, err)
	assert.Equal(t, models.TypeDocument, msg.Type)
}

func TestIngestDecodeFailureKeepsPlaceholder(t *testing.T) {
	f := newIngestFixture(t)

	raw := holaMessage()
	raw.Type = "image"
	raw.Body = ""
	raw.DecodeFailed = true
	_, msg, err := f.ingestor.Ingest(raw)
	require.NoError(t, err)
	assert.Equal(t, models.TypeImage, msg.Type)
	assert.Equal(t, "[IMAGE] - error", msg.Content)
}

func TestIngestSelfHealsLegacyContactPhone(t *testing.T) {
	f := newIngestFixture(t)

	// A row persisted before normalization, carrying the raw address.
	legacy := models.Contact{Phone: "5215512345678@s.whatsapp.net", Name: "Maria"}
	require.NoError(t, f.conn.Create(&legacy).Error)

	chat, _, err := f.ingestor.Ingest(holaMessage())
	require.NoError(t, err)
	assert.Equal(t, legacy.ID, chat.ContactID)

	var healed models.Contact
	require.NoError(t, f.conn.First(&healed, legacy.ID).Error)
	assert.Equal(t, "5215512345678", healed.Phone)

	var contactCount int64
	require.NoError(t, f.conn.Model(&models.Contact{}).Count(&contactCount).Error)
	assert.EqualValues(t, 1, contactCount)
}

func TestIngestEnrichesDebtorChats(t *testing.T) {
	f := newIngestFixture(t)

	debtor := models.Debtor{Phone: "52 1 55 1234-5678", Name: "Maria Lopez", Amount: 980}
	require.NoError(t, f.conn.Create(&debtor).Error)

	chat, _, err := f.ingestor.Ingest(holaMessage())
	require.NoError(t, err)

	reloaded, err := f.chats.FindByID(chat.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.Tags.Contains("debtor"))

	var contact models.Contact
	require.NoError(t, f.conn.First(&contact, chat.ContactID).Error)
	require.NotNil(t, contact.DebtorID)
	assert.Equal(t, debtor.ID, *contact.DebtorID)
}

func TestMapMediaType(t *testing.T) {
	assert.Equal(t, models.TypeText, MapMediaType("text"))
	assert.Equal(t, models.TypeText, MapMediaType(""))
	assert.Equal(t, models.TypeImage, MapMediaType("sticker"))
	assert.Equal(t, models.TypeAudio, MapMediaType("ptt"))
	assert.Equal(t, models.TypeVideo, MapMediaType("video"))
	assert.Equal(t, models.TypeDocument, MapMediaType("something_new"))
}
