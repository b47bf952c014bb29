package models

import (
	"time"

	"gorm.io/gorm"
)

// ChatStatus is the lifecycle state of a conversation.
type ChatStatus string

const (
	ChatWaiting  ChatStatus = "WAITING"
	ChatPending  ChatStatus = "PENDING"
	ChatBot      ChatStatus = "BOT"
	ChatActive   ChatStatus = "ACTIVE"
	ChatResolved ChatStatus = "RESOLVED"
	ChatClosed   ChatStatus = "CLOSED"
)

// OpenChatStatuses are the states in which an inbound message is routed to
// an existing chat instead of creating a new one.
var OpenChatStatuses = []ChatStatus{ChatWaiting, ChatPending, ChatBot, ChatActive}

// IsOpen reports whether the chat still accepts inbound traffic.
func (s ChatStatus) IsOpen() bool {
	for _, open := range OpenChatStatuses {
		if s == open {
			return true
		}
	}
	return false
}

// MessageDirection distinguishes inbound from outbound messages.
type MessageDirection string

const (
	DirectionInbound  MessageDirection = "INBOUND"
	DirectionOutbound MessageDirection = "OUTBOUND"
)

// SenderType identifies who produced a message.
type SenderType string

const (
	SenderContact SenderType = "CONTACT"
	SenderAgent   SenderType = "AGENT"
	SenderBot     SenderType = "BOT"
	SenderSystem  SenderType = "SYSTEM"
)

// MessageType classifies message content.
type MessageType string

const (
	TypeText     MessageType = "TEXT"
	TypeImage    MessageType = "IMAGE"
	TypeAudio    MessageType = "AUDIO"
	TypeVideo    MessageType = "VIDEO"
	TypeDocument MessageType = "DOCUMENT"
)

// MessageStatus tracks delivery state of a message.
type MessageStatus string

const (
	StatusPending   MessageStatus = "PENDING"
	StatusSent      MessageStatus = "SENT"
	StatusDelivered MessageStatus = "DELIVERED"
	StatusRead      MessageStatus = "READ"
	StatusFailed    MessageStatus = "FAILED"
)

// statusRank orders delivery states; transitions must be monotonic.
var statusRank = map[MessageStatus]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// CanTransition reports whether a status change is allowed. FAILED is
// reachable from any non-terminal state; READ and FAILED are terminal.
func (s MessageStatus) CanTransition(to MessageStatus) bool {
	if s == StatusFailed || s == StatusRead {
		return false
	}
	if to == StatusFailed {
		return true
	}
	fromRank, ok := statusRank[s]
	if !ok {
		return false
	}
	toRank, ok := statusRank[to]
	if !ok {
		return false
	}
	return toRank > fromRank
}

// AgentState is the availability state of a human agent.
type AgentState string

const (
	AgentAvailable AgentState = "AVAILABLE"
	AgentBusy      AgentState = "BUSY"
	AgentOffline   AgentState = "OFFLINE"
)

// Contact is one external counterparty, keyed by normalized phone.
type Contact struct {
	ID        uint      `gorm:"primaryKey"`
	Phone     string    `gorm:"uniqueIndex;comment:Normalized phone number, lookups self-heal legacy values"`
	Name      string    `gorm:"comment:Display/push name reported by the channel"`
	DebtorID  *uint     `gorm:"index;comment:Optional enrichment association"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// Debtor is an enrichment record associated to a contact by phone.
// The association is best effort; ingestion never fails on it.
type Debtor struct {
	ID        uint      `gorm:"primaryKey"`
	Phone     string    `gorm:"index"`
	Name      string
	Document  string
	Amount    float64
	DueDate   *time.Time
	Reference string
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// Chat is one conversation with one contact on one channel session.
type Chat struct {
	ID               uint       `gorm:"primaryKey"`
	ExternalID       string     `gorm:"uniqueIndex;comment:Deterministic idempotency key"`
	ContactID        uint       `gorm:"index"`
	Contact          *Contact   `gorm:"foreignKey:ContactID"`
	ContactPhone     string     `gorm:"index"`
	ContactName      string
	ChannelSessionID string     `gorm:"index"`
	CampaignID       string     `gorm:"index"`
	Status           ChatStatus `gorm:"index;default:WAITING"`
	AssignedAgentID  *uint      `gorm:"index"`
	AssignedAt       *time.Time
	Priority         int `gorm:"default:0"`
	UnreadCount      int `gorm:"default:0"`
	LastMessageAt    *time.Time
	LastMessageText  string
	BotContext       BotContext  `gorm:"type:text"`
	Tags             StringList  `gorm:"type:text"`
	CreatedAt        time.Time   `gorm:"autoCreateTime"`
	UpdatedAt        time.Time   `gorm:"autoUpdateTime"`
	ClosedAt         *time.Time  `gorm:"comment:Soft-close instant, the row persists for audit"`
}

// OwnedByBot reports whether the bot currently owns the conversation.
func (c *Chat) OwnedByBot() bool {
	return c.BotContext.CurrentNodeID != "" && c.AssignedAgentID == nil
}

// Message is one unit of conversation content. Immutable once persisted
// except for delivery-status fields.
type Message struct {
	ID          uint             `gorm:"primaryKey"`
	ChatID      uint             `gorm:"index"`
	Direction   MessageDirection `gorm:"index"`
	SenderType  SenderType
	Type        MessageType
	Content     string `gorm:"type:text"`
	MediaRef    string `gorm:"comment:Storage reference for media payloads"`
	ExternalID  string `gorm:"index;comment:Channel message ID, used for dedupe"`
	Status      MessageStatus
	SentAt      *time.Time
	DeliveredAt *time.Time
	ReadAt      *time.Time
	FailedAt    *time.Time
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

// Agent is a human operator with a concurrency capacity.
type Agent struct {
	ID                 uint       `gorm:"primaryKey"`
	Name               string
	Email              string     `gorm:"uniqueIndex"`
	State              AgentState `gorm:"index;default:OFFLINE"`
	CurrentChatsCount  int        `gorm:"default:0;comment:Mutated only through paired increment/decrement"`
	MaxConcurrentChats int        `gorm:"default:5"`
	Skills             StringList `gorm:"type:text"`
	CampaignID         string     `gorm:"index"`
	CreatedAt          time.Time  `gorm:"autoCreateTime"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime"`
}

// HasCapacity reports whether the agent can take one more chat.
func (a *Agent) HasCapacity() bool {
	return a.State == AgentAvailable && a.CurrentChatsCount < a.MaxConcurrentChats
}

// FlowStatus is the lifecycle state of a flow definition.
type FlowStatus string

const (
	FlowInactive FlowStatus = "inactive"
	FlowActive   FlowStatus = "active"
)

// FlowDefinition is one bot conversation graph, authored externally and
// read-only to the engine at traversal time.
type FlowDefinition struct {
	ID          uint       `gorm:"primaryKey"`
	Name        string
	CampaignID  string     `gorm:"index"`
	Status      FlowStatus `gorm:"index;default:inactive"`
	StartNodeID string
	Nodes       []FlowNode `gorm:"foreignKey:FlowID"`
	CreatedAt   time.Time  `gorm:"autoCreateTime"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime"`
}

// NodeType classifies flow nodes.
type NodeType string

const (
	NodeMessage       NodeType = "MESSAGE"
	NodeInput         NodeType = "INPUT"
	NodeCondition     NodeType = "CONDITION"
	NodeTransferAgent NodeType = "TRANSFER_AGENT"
)

// FlowNode is one node in a flow graph. NodeID is the graph-local
// identifier referenced by nextNodeId/branch targets.
type FlowNode struct {
	ID        uint       `gorm:"primaryKey"`
	FlowID    uint       `gorm:"index"`
	NodeID    string     `gorm:"index;comment:Graph-local identifier"`
	Type      NodeType
	Config    NodeConfig `gorm:"type:text"`
	CreatedAt time.Time  `gorm:"autoCreateTime"`
	UpdatedAt time.Time  `gorm:"autoUpdateTime"`
}

// AllModels returns every model for migration, in dependency order.
func AllModels() []interface{} {
	return []interface{}{
		&Contact{}, &Debtor{}, &Chat{}, &Message{}, &Agent{},
		&FlowDefinition{}, &FlowNode{},
	}
}

// BeforeSave guards the ownership-exclusivity invariant at the persistence
// boundary: a chat may be owned by the bot or by an agent, never both.
func (c *Chat) BeforeSave(tx *gorm.DB) error {
	if c.AssignedAgentID != nil && c.BotContext.CurrentNodeID != "" {
		return ErrOwnershipViolation
	}
	if c.Status == ChatActive && c.AssignedAgentID == nil {
		return ErrOwnershipViolation
	}
	if (c.Status == ChatWaiting || c.Status == ChatBot) && c.AssignedAgentID != nil {
		return ErrOwnershipViolation
	}
	return nil
}

// ModelError is a sentinel error type for model-level invariants.
type ModelError string

func (e ModelError) Error() string { return string(e) }

// ErrOwnershipViolation signals a breach of the exclusivity invariant.
// It must never be suppressed; the current unit of work aborts.
const ErrOwnershipViolation ModelError = "chat ownership exclusivity violated"
