package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"chatrouter/internal/models"
)

// ChatStore persists Chat records and applies the status/ownership
// mutations that the ingestion pipeline, bot engine and assignment queue
// perform. Every mutation that touches agent capacity pairs the counter
// update with the chat update inside one transaction.
type ChatStore struct {
	db *gorm.DB
}

// NewChatStore creates a new ChatStore.
func NewChatStore(db *gorm.DB) (*ChatStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database instance cannot be nil")
	}
	return &ChatStore{db: db}, nil
}

// FindByID retrieves a chat.
func (s *ChatStore) FindByID(id uint) (*models.Chat, error) {
	var chat models.Chat
	err := s.db.First(&chat, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query chat %d: %w", id, err)
	}
	return &chat, nil
}

// FindOpenByPhone returns the open chat for (phone, campaign), if any.
func (s *ChatStore) FindOpenByPhone(phone, campaignID string) (*models.Chat, error) {
	var chat models.Chat
	err := s.db.Where("contact_phone = ? AND campaign_id = ? AND status IN ?",
		phone, campaignID, models.OpenChatStatuses).
		Order("id DESC").First(&chat).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query open chat: %w", err)
	}
	return &chat, nil
}

// FindByExternalID retrieves a chat by its idempotency key.
func (s *ChatStore) FindByExternalID(externalID string) (*models.Chat, error) {
	var chat models.Chat
	err := s.db.Where("external_id = ?", externalID).First(&chat).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query chat by external ID: %w", err)
	}
	return &chat, nil
}

// Create persists a new chat.
func (s *ChatStore) Create(chat *models.Chat) error {
	if err := s.db.Create(chat).Error; err != nil {
		return fmt.Errorf("create chat: %w", err)
	}
	return nil
}

// Save persists the full chat record. Model hooks enforce the ownership
// exclusivity invariant.
func (s *ChatStore) Save(chat *models.Chat) error {
	if err := s.db.Save(chat).Error; err != nil {
		return fmt.Errorf("save chat: %w", err)
	}
	return nil
}

// ListWaiting returns chats awaiting a human agent, highest priority first.
func (s *ChatStore) ListWaiting() ([]models.Chat, error) {
	var chats []models.Chat
	err := s.db.Where("status = ?", models.ChatWaiting).
		Order("priority DESC, id ASC").Find(&chats).Error
	if err != nil {
		return nil, fmt.Errorf("list waiting chats: %w", err)
	}
	return chats, nil
}

// ListBotOwned returns chats currently owned by the bot flow engine,
// used by the wait-timeout ticker.
func (s *ChatStore) ListBotOwned() ([]models.Chat, error) {
	var chats []models.Chat
	err := s.db.Where("status = ?", models.ChatBot).Order("id ASC").Find(&chats).Error
	if err != nil {
		return nil, fmt.Errorf("list bot-owned chats: %w", err)
	}
	return chats, nil
}

// TouchActivity updates lastMessageAt/lastMessageText and increments the
// unread counter in a single atomic UPDATE.
func (s *ChatStore) TouchActivity(chatID uint, text string, at time.Time) error {
	err := s.db.Model(&models.Chat{}).Where("id = ?", chatID).Updates(map[string]interface{}{
		"last_message_at":   at,
		"last_message_text": text,
		"unread_count":      gorm.Expr("unread_count + 1"),
	}).Error
	if err != nil {
		return fmt.Errorf("touch chat activity: %w", err)
	}
	return nil
}

// MarkRead clears the unread counter.
func (s *ChatStore) MarkRead(chatID uint) error {
	return s.db.Model(&models.Chat{}).Where("id = ?", chatID).
		Update("unread_count", 0).Error
}

// ClaimForBot transitions a WAITING/PENDING unassigned chat to BOT
// ownership with the flow's start node. The guarded UPDATE makes the claim
// optimistic: zero affected rows means somebody else won the race.
func (s *ChatStore) ClaimForBot(chatID, flowID uint, startNodeID string) (*models.Chat, error) {
	ctx := models.BotContext{FlowID: flowID, CurrentNodeID: startNodeID}
	res := s.db.Model(&models.Chat{}).
		Where("id = ? AND assigned_agent_id IS NULL AND status IN ?",
			chatID, []models.ChatStatus{models.ChatWaiting, models.ChatPending}).
		Updates(map[string]interface{}{
			"status":      models.ChatBot,
			"bot_context": ctx,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("claim chat for bot: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrChatNotClaimable
	}
	return s.FindByID(chatID)
}

// SaveBotContext persists only the bot-engine state and status.
func (s *ChatStore) SaveBotContext(chat *models.Chat) error {
	err := s.db.Model(&models.Chat{}).Where("id = ?", chat.ID).Updates(map[string]interface{}{
		"bot_context": chat.BotContext,
		"status":      chat.Status,
	}).Error
	if err != nil {
		return fmt.Errorf("save bot context: %w", err)
	}
	return nil
}

// AssignAgent binds a chat to an agent as one logical unit: the previous
// agent's counter decrement (if any), the chat mutation, and the new
// agent's counter increment all commit or roll back together. The counter
// increment is guarded by the capacity predicate so that a capacity change
// between candidate selection and commit surfaces as ErrCapacityConflict
// instead of a silent double-booking.
func (s *ChatStore) AssignAgent(chatID, agentID uint) (*models.Chat, error) {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var chat models.Chat
		if err := tx.First(&chat, chatID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("load chat: %w", err)
		}

		if chat.AssignedAgentID != nil {
			if *chat.AssignedAgentID == agentID {
				return nil // idempotent re-delivery
			}
			return ErrAlreadyAssigned
		}
		if !chat.Status.IsOpen() {
			return ErrChatNotClaimable
		}

		// Optimistic capacity check folded into the increment itself.
		res := tx.Model(&models.Agent{}).
			Where("id = ? AND state = ? AND current_chats_count < max_concurrent_chats",
				agentID, models.AgentAvailable).
			Update("current_chats_count", gorm.Expr("current_chats_count + 1"))
		if res.Error != nil {
			return fmt.Errorf("increment agent counter: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrCapacityConflict
		}

		now := time.Now().UTC()
		ctx := chat.BotContext
		ctx.Clear()
		res = tx.Model(&models.Chat{}).
			Where("id = ? AND assigned_agent_id IS NULL", chatID).
			Updates(map[string]interface{}{
				"status":            models.ChatActive,
				"assigned_agent_id": agentID,
				"assigned_at":       now,
				"bot_context":       ctx,
			})
		if res.Error != nil {
			return fmt.Errorf("update chat assignment: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrAlreadyAssigned
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.FindByID(chatID)
}

// TransferAgent moves an ACTIVE chat from its current agent to another,
// pairing the decrement and the guarded increment in one transaction.
func (s *ChatStore) TransferAgent(chatID, toAgentID uint) (*models.Chat, error) {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var chat models.Chat
		if err := tx.First(&chat, chatID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("load chat: %w", err)
		}
		if chat.AssignedAgentID == nil {
			return ErrChatNotClaimable
		}
		if *chat.AssignedAgentID == toAgentID {
			return nil
		}

		res := tx.Model(&models.Agent{}).
			Where("id = ? AND state = ? AND current_chats_count < max_concurrent_chats",
				toAgentID, models.AgentAvailable).
			Update("current_chats_count", gorm.Expr("current_chats_count + 1"))
		if res.Error != nil {
			return fmt.Errorf("increment agent counter: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrCapacityConflict
		}

		if err := decrementAgent(tx, *chat.AssignedAgentID); err != nil {
			return err
		}

		now := time.Now().UTC()
		return tx.Model(&models.Chat{}).Where("id = ?", chatID).Updates(map[string]interface{}{
			"assigned_agent_id": toAgentID,
			"assigned_at":       now,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return s.FindByID(chatID)
}

// ReturnToWaiting releases the chat from its current owner (bot or agent)
// back into the WAITING pool. An agent release decrements the counter in
// the same unit.
func (s *ChatStore) ReturnToWaiting(chatID uint) (*models.Chat, error) {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var chat models.Chat
		if err := tx.First(&chat, chatID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("load chat: %w", err)
		}

		if chat.AssignedAgentID != nil {
			if err := decrementAgent(tx, *chat.AssignedAgentID); err != nil {
				return err
			}
		}

		ctx := chat.BotContext
		ctx.Clear()
		return tx.Model(&models.Chat{}).Where("id = ?", chatID).Updates(map[string]interface{}{
			"status":            models.ChatWaiting,
			"assigned_agent_id": nil,
			"assigned_at":       nil,
			"bot_context":       ctx,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return s.FindByID(chatID)
}

// Close soft-closes a chat with the given terminal status. The row
// persists for audit; an assigned agent's counter is released in the same
// unit.
func (s *ChatStore) Close(chatID uint, status models.ChatStatus) (*models.Chat, error) {
	if status != models.ChatResolved && status != models.ChatClosed {
		return nil, fmt.Errorf("status %q is not terminal", status)
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var chat models.Chat
		if err := tx.First(&chat, chatID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("load chat: %w", err)
		}

		if chat.AssignedAgentID != nil {
			if err := decrementAgent(tx, *chat.AssignedAgentID); err != nil {
				return err
			}
		}

		// assigned_agent_id stays on the closed row for audit; only the
		// capacity counter is released.
		now := time.Now().UTC()
		ctx := chat.BotContext
		ctx.Clear()
		return tx.Model(&models.Chat{}).Where("id = ?", chatID).Updates(map[string]interface{}{
			"status":      status,
			"bot_context": ctx,
			"closed_at":   now,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	log.Info().Uint("chatID", chatID).Str("status", string(status)).Msg("Chat closed")
	return s.FindByID(chatID)
}

// decrementAgent releases one slot on the agent, guarded against going
// negative so a chat can never be double-released.
func decrementAgent(tx *gorm.DB, agentID uint) error {
	res := tx.Model(&models.Agent{}).
		Where("id = ? AND current_chats_count > 0", agentID).
		Update("current_chats_count", gorm.Expr("current_chats_count - 1"))
	if res.Error != nil {
		return fmt.Errorf("decrement agent counter: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("agent %d counter underflow: %w", agentID, models.ErrOwnershipViolation)
	}
	return nil
}
