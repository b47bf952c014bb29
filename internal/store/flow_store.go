package store

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"chatrouter/internal/models"
)

// FlowStore persists flow definitions. Graphs are authored externally and
// read-only to the engine at traversal time; a node-reference validator
// gates every activation.
type FlowStore struct {
	db *gorm.DB
}

// NewFlowStore creates a new FlowStore.
func NewFlowStore(db *gorm.DB) (*FlowStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database instance cannot be nil")
	}
	return &FlowStore{db: db}, nil
}

// FindByID retrieves a flow with its nodes preloaded.
func (s *FlowStore) FindByID(id uint) (*models.FlowDefinition, error) {
	var flow models.FlowDefinition
	err := s.db.Preload("Nodes").First(&flow, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query flow %d: %w", id, err)
	}
	return &flow, nil
}

// FindActiveByCampaign returns the active flow for a campaign, if any.
func (s *FlowStore) FindActiveByCampaign(campaignID string) (*models.FlowDefinition, error) {
	var flow models.FlowDefinition
	err := s.db.Preload("Nodes").
		Where("campaign_id = ? AND status = ?", campaignID, models.FlowActive).
		First(&flow).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query active flow: %w", err)
	}
	return &flow, nil
}

// Save persists a flow definition and its nodes.
func (s *FlowStore) Save(flow *models.FlowDefinition) error {
	if err := s.db.Save(flow).Error; err != nil {
		return fmt.Errorf("save flow: %w", err)
	}
	return nil
}

// Activate marks a flow active after it passes the supplied validator.
// A corrupt graph fails here, never at traversal time.
func (s *FlowStore) Activate(id uint, validate func(*models.FlowDefinition) error) error {
	flow, err := s.FindByID(id)
	if err != nil {
		return err
	}
	if err := validate(flow); err != nil {
		return fmt.Errorf("flow %d failed validation: %w", id, err)
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		// One active flow per campaign; the new activation supersedes.
		if err := tx.Model(&models.FlowDefinition{}).
			Where("campaign_id = ? AND status = ?", flow.CampaignID, models.FlowActive).
			Update("status", models.FlowInactive).Error; err != nil {
			return fmt.Errorf("deactivate previous flow: %w", err)
		}
		return tx.Model(&models.FlowDefinition{}).Where("id = ?", id).
			Update("status", models.FlowActive).Error
	})
	if err != nil {
		return err
	}
	log.Info().Uint("flowID", id).Str("campaignID", flow.CampaignID).Msg("Flow activated")
	return nil
}

// Deactivate marks a flow inactive.
func (s *FlowStore) Deactivate(id uint) error {
	res := s.db.Model(&models.FlowDefinition{}).Where("id = ?", id).
		Update("status", models.FlowInactive)
	if res.Error != nil {
		return fmt.Errorf("deactivate flow: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
