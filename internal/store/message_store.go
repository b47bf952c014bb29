package store

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"chatrouter/internal/models"
)

// MessageStore persists Message records. Messages are immutable once
// created except for their delivery-status fields, whose transitions are
// monotonic.
type MessageStore struct {
	db *gorm.DB
}

// NewMessageStore creates a new MessageStore.
func NewMessageStore(db *gorm.DB) (*MessageStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database instance cannot be nil")
	}
	return &MessageStore{db: db}, nil
}

// FindByID retrieves a message.
func (s *MessageStore) FindByID(id uint) (*models.Message, error) {
	var msg models.Message
	err := s.db.First(&msg, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query message %d: %w", id, err)
	}
	return &msg, nil
}

// FindByExternalID retrieves a message by channel message ID, the
// ingestion dedupe key.
func (s *MessageStore) FindByExternalID(externalID string) (*models.Message, error) {
	if externalID == "" {
		return nil, ErrNotFound
	}
	var msg models.Message
	err := s.db.Where("external_id = ?", externalID).First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query message by external ID: %w", err)
	}
	return &msg, nil
}

// Create persists a new message, stamping the timestamp matching its
// initial status.
func (s *MessageStore) Create(msg *models.Message) error {
	now := time.Now().UTC()
	switch msg.Status {
	case models.StatusSent:
		msg.SentAt = &now
	case models.StatusDelivered:
		msg.DeliveredAt = &now
	case models.StatusFailed:
		msg.FailedAt = &now
	}
	if err := s.db.Create(msg).Error; err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

// UpdateStatus applies a delivery-status transition, rejecting
// non-monotonic changes.
func (s *MessageStore) UpdateStatus(id uint, to models.MessageStatus) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var msg models.Message
		if err := tx.First(&msg, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("load message: %w", err)
		}
		if !msg.Status.CanTransition(to) {
			return fmt.Errorf("%s -> %s: %w", msg.Status, to, ErrInvalidTransition)
		}

		now := time.Now().UTC()
		updates := map[string]interface{}{"status": to}
		switch to {
		case models.StatusSent:
			updates["sent_at"] = now
		case models.StatusDelivered:
			updates["delivered_at"] = now
		case models.StatusRead:
			updates["read_at"] = now
		case models.StatusFailed:
			updates["failed_at"] = now
		}
		return tx.Model(&models.Message{}).Where("id = ?", id).Updates(updates).Error
	})
}

// ListByChat returns a chat's messages in order.
func (s *MessageStore) ListByChat(chatID uint, limit int) ([]models.Message, error) {
	var msgs []models.Message
	q := s.db.Where("chat_id = ?", chatID).Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("list messages for chat %d: %w", chatID, err)
	}
	return msgs, nil
}
