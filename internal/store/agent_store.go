package store

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"chatrouter/internal/models"
)

// AgentStore persists Agent records and serves the capacity queries the
// assignment queue runs. Counter mutations live in ChatStore so they stay
// paired with the chat update in one transaction.
type AgentStore struct {
	db *gorm.DB
}

// NewAgentStore creates a new AgentStore.
func NewAgentStore(db *gorm.DB) (*AgentStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database instance cannot be nil")
	}
	return &AgentStore{db: db}, nil
}

// FindByID retrieves an agent.
func (s *AgentStore) FindByID(id uint) (*models.Agent, error) {
	var agent models.Agent
	err := s.db.First(&agent, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query agent %d: %w", id, err)
	}
	return &agent, nil
}

// FindAvailable returns agents with free capacity scoped to a campaign,
// in stable id order (strategy tie-breaks depend on it). Agents without a
// campaign binding serve every campaign.
func (s *AgentStore) FindAvailable(campaignID string) ([]models.Agent, error) {
	var agents []models.Agent
	err := s.db.Where(
		"state = ? AND current_chats_count < max_concurrent_chats AND (campaign_id = ? OR campaign_id = '')",
		models.AgentAvailable, campaignID).
		Order("id ASC").Find(&agents).Error
	if err != nil {
		return nil, fmt.Errorf("query available agents: %w", err)
	}
	return agents, nil
}

// Create persists a new agent.
func (s *AgentStore) Create(agent *models.Agent) error {
	if err := s.db.Create(agent).Error; err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

// SetState updates an agent's availability state.
func (s *AgentStore) SetState(id uint, state models.AgentState) error {
	res := s.db.Model(&models.Agent{}).Where("id = ?", id).Update("state", state)
	if res.Error != nil {
		return fmt.Errorf("set agent state: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AgentStats is the per-agent load summary exposed to operators.
type AgentStats struct {
	AgentID            uint              `json:"agentId"`
	Name               string            `json:"name"`
	State              models.AgentState `json:"state"`
	CurrentChatsCount  int               `json:"currentChatsCount"`
	MaxConcurrentChats int               `json:"maxConcurrentChats"`
	ActiveChats        int64             `json:"activeChats"`
	ResolvedToday      int64             `json:"resolvedToday"`
}

// Stats computes the load summary for one agent.
func (s *AgentStore) Stats(id uint) (*AgentStats, error) {
	agent, err := s.FindByID(id)
	if err != nil {
		return nil, err
	}

	var active int64
	if err := s.db.Model(&models.Chat{}).
		Where("assigned_agent_id = ? AND status = ?", id, models.ChatActive).
		Count(&active).Error; err != nil {
		return nil, fmt.Errorf("count active chats: %w", err)
	}

	var resolved int64
	if err := s.db.Model(&models.Chat{}).
		Where("assigned_agent_id = ? AND status = ? AND DATE(closed_at) = DATE('now')",
			id, models.ChatResolved).
		Count(&resolved).Error; err != nil {
		return nil, fmt.Errorf("count resolved chats: %w", err)
	}

	return &AgentStats{
		AgentID:            agent.ID,
		Name:               agent.Name,
		State:              agent.State,
		CurrentChatsCount:  agent.CurrentChatsCount,
		MaxConcurrentChats: agent.MaxConcurrentChats,
		ActiveChats:        active,
		ResolvedToday:      resolved,
	}, nil
}
