package assignment

import (
	"sync"

	"chatrouter/internal/models"
)

// Strategy selects one agent from the available set for a chat. The set
// passed in is already filtered to available agents with spare capacity;
// the selection here is pure policy, the capacity commit happens later
// under the store's guarded transaction.
type Strategy interface {
	Name() string
	Select(chat *models.Chat, available []models.Agent) *models.Agent
}

// Strategy names.
const (
	StrategyRoundRobin = "round-robin"
	StrategyLeastBusy  = "least-busy"
	StrategySkills     = "skills-based"
)

// RoundRobin rotates over the available list independent of load.
type RoundRobin struct {
	mu   sync.Mutex
	next int
}

// NewRoundRobin creates a round-robin strategy.
func NewRoundRobin() *RoundRobin { return &RoundRobin{} }

// Name implements Strategy.
func (r *RoundRobin) Name() string { return StrategyRoundRobin }

// Select implements Strategy.
func (r *RoundRobin) Select(_ *models.Chat, available []models.Agent) *models.Agent {
	if len(available) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	agent := &available[r.next%len(available)]
	r.next++
	return agent
}

// LeastBusy picks the agent with the smallest current chat count, ties
// broken by list order.
type LeastBusy struct{}

// NewLeastBusy creates a least-busy strategy.
func NewLeastBusy() *LeastBusy { return &LeastBusy{} }

// Name implements Strategy.
func (l *LeastBusy) Name() string { return StrategyLeastBusy }

// Select implements Strategy.
func (l *LeastBusy) Select(_ *models.Chat, available []models.Agent) *models.Agent {
	if len(available) == 0 {
		return nil
	}
	best := 0
	for i := 1; i < len(available); i++ {
		if available[i].CurrentChatsCount < available[best].CurrentChatsCount {
			best = i
		}
	}
	return &available[best]
}

// SkillsBased filters agents whose skills intersect the chat's tags and
// picks the least busy among them. A skill mismatch never blocks routing:
// with no matching agent it falls back to least-busy over the full set.
type SkillsBased struct {
	fallback *LeastBusy
}

// NewSkillsBased creates a skills-based strategy.
func NewSkillsBased() *SkillsBased { return &SkillsBased{fallback: NewLeastBusy()} }

// Name implements Strategy.
func (s *SkillsBased) Name() string { return StrategySkills }

// Select implements Strategy.
func (s *SkillsBased) Select(chat *models.Chat, available []models.Agent) *models.Agent {
	if len(available) == 0 {
		return nil
	}
	if len(chat.Tags) > 0 {
		var matching []models.Agent
		for _, agent := range available {
			if agent.Skills.Intersects(chat.Tags) {
				matching = append(matching, agent)
			}
		}
		if len(matching) > 0 {
			return s.fallback.Select(chat, matching)
		}
	}
	return s.fallback.Select(chat, available)
}

// DefaultStrategies returns the built-in strategy set keyed by name.
func DefaultStrategies() map[string]Strategy {
	return map[string]Strategy{
		StrategyRoundRobin: NewRoundRobin(),
		StrategyLeastBusy:  NewLeastBusy(),
		StrategySkills:     NewSkillsBased(),
	}
}
