package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// BotContext is the session-scoped state of the bot flow engine for one
// chat: the current node pointer plus the captured variable map. It is
// persisted as a JSON text column; suspension of the engine is represented
// purely by this state, never by a blocked goroutine.
type BotContext struct {
	FlowID        uint              `json:"flowId,omitempty"`
	CurrentNodeID string            `json:"currentNodeId,omitempty"`
	Variables     map[string]string `json:"variables,omitempty"`
	// PendingVariable captures the next inbound message verbatim before
	// any further node evaluation (MESSAGE saveResponse semantics).
	PendingVariable string     `json:"pendingVariable,omitempty"`
	WaitingSince    *time.Time `json:"waitingSince,omitempty"`
	// Wait deadline recorded at suspension time so the timer tick does
	// not need to re-resolve the suspended node's config.
	WaitTimeoutSeconds int    `json:"waitTimeoutSeconds,omitempty"`
	WaitFallbackNodeID string `json:"waitFallbackNodeId,omitempty"`
}

// SetVariable writes a variable, initializing the map if needed.
func (b *BotContext) SetVariable(key, value string) {
	if b.Variables == nil {
		b.Variables = make(map[string]string)
	}
	b.Variables[key] = value
}

// Clear resets the pointer and wait state, ending bot ownership.
// Captured variables are kept for audit and agent context.
func (b *BotContext) Clear() {
	b.CurrentNodeID = ""
	b.PendingVariable = ""
	b.WaitingSince = nil
	b.WaitTimeoutSeconds = 0
	b.WaitFallbackNodeID = ""
	b.FlowID = 0
}

// Value implements driver.Valuer for gorm persistence.
func (b BotContext) Value() (driver.Value, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("marshal bot context: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner for gorm reconstitution.
func (b *BotContext) Scan(value interface{}) error {
	if value == nil {
		*b = BotContext{}
		return nil
	}
	data, err := toBytes(value)
	if err != nil {
		return fmt.Errorf("scan bot context: %w", err)
	}
	if len(data) == 0 {
		*b = BotContext{}
		return nil
	}
	return json.Unmarshal(data, b)
}

// StringList is a JSON-encoded string slice column (chat tags, agent skills).
type StringList []string

// Contains reports whether the list includes value.
func (l StringList) Contains(value string) bool {
	for _, item := range l {
		if item == value {
			return true
		}
	}
	return false
}

// Intersects reports whether the two lists share at least one element.
func (l StringList) Intersects(other StringList) bool {
	for _, item := range other {
		if l.Contains(item) {
			return true
		}
	}
	return false
}

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("marshal string list: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	data, err := toBytes(value)
	if err != nil {
		return fmt.Errorf("scan string list: %w", err)
	}
	if len(data) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(data, l)
}

// Condition is one ordered branch tuple of a CONDITION node. Order is
// significant: the first matching tuple wins.
type Condition struct {
	Variable   string `json:"variable"`
	Operator   string `json:"operator"` // "equals", "equals_ci", "contains"
	Value      string `json:"value"`
	TargetNode string `json:"targetNodeId"`
}

// NodeConfig is the type-specific payload of a flow node, persisted as a
// JSON text column. Fields are a union across node types; validation
// enforces the per-type requirements at activation time.
type NodeConfig struct {
	// MESSAGE
	Text         string `json:"text,omitempty"`
	SaveResponse string `json:"saveResponse,omitempty"` // variable name for the next inbound reply
	AwaitReply   bool   `json:"awaitReply,omitempty"`

	// INPUT
	Variable      string `json:"variable,omitempty"`
	NumericOnly   bool   `json:"numericOnly,omitempty"`
	MinLength     int    `json:"minLength,omitempty"`
	MaxLength     int    `json:"maxLength,omitempty"`
	InvalidNodeID string `json:"invalidNodeId,omitempty"`

	// CONDITION
	Conditions []Condition `json:"conditions,omitempty"`
	ElseNodeID string      `json:"elseNodeId,omitempty"`

	// TRANSFER_AGENT
	HandoffText string `json:"handoffText,omitempty"`
	Strategy    string `json:"strategy,omitempty"`

	// Common
	NextNodeID     string `json:"nextNodeId,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
	TimeoutNodeID  string `json:"timeoutNodeId,omitempty"`
}

// Value implements driver.Valuer.
func (c NodeConfig) Value() (driver.Value, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal node config: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (c *NodeConfig) Scan(value interface{}) error {
	if value == nil {
		*c = NodeConfig{}
		return nil
	}
	data, err := toBytes(value)
	if err != nil {
		return fmt.Errorf("scan node config: %w", err)
	}
	if len(data) == 0 {
		*c = NodeConfig{}
		return nil
	}
	return json.Unmarshal(data, c)
}

func toBytes(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported column type %T", value)
	}
}
