package gateway

import (
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
)

// Session is one logical connection instance to the messaging network,
// bound to a campaign. Entries come and go with connect/disconnect events
// from the gateway.
type Session struct {
	ID          string    `json:"id"`
	CampaignID  string    `json:"campaignId"`
	Phone       string    `json:"phone"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// Registry is the injected registry of connected channel sessions. It is
// explicit state with a defined lifecycle, not an ambient global: main
// constructs it at startup and the webhook layer adds/removes entries.
type Registry struct {
	sessions *gocache.Cache
}

// NewRegistry creates a session registry. Sessions expire if the gateway
// stops refreshing them (a missed disconnect event must not pin a dead
// session forever).
func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Registry{
		sessions: gocache.New(ttl, 10*time.Minute),
	}
}

// Connect registers (or refreshes) a session.
func (r *Registry) Connect(session Session) {
	if session.ConnectedAt.IsZero() {
		session.ConnectedAt = time.Now().UTC()
	}
	r.sessions.Set(session.ID, session, gocache.DefaultExpiration)
	log.Info().Str("sessionID", session.ID).Str("campaignID", session.CampaignID).
		Msg("Channel session connected")
}

// Disconnect removes a session.
func (r *Registry) Disconnect(sessionID string) {
	r.sessions.Delete(sessionID)
	log.Info().Str("sessionID", sessionID).Msg("Channel session disconnected")
}

// Get resolves a session by ID.
func (r *Registry) Get(sessionID string) (Session, error) {
	v, found := r.sessions.Get(sessionID)
	if !found {
		return Session{}, fmt.Errorf("channel session %q not registered", sessionID)
	}
	return v.(Session), nil
}

// CampaignFor resolves the campaign bound to a session, falling back to
// the session ID itself for gateways that do not model campaigns.
func (r *Registry) CampaignFor(sessionID string) string {
	session, err := r.Get(sessionID)
	if err != nil || session.CampaignID == "" {
		return sessionID
	}
	return session.CampaignID
}

// List returns every registered session.
func (r *Registry) List() []Session {
	items := r.sessions.Items()
	out := make([]Session, 0, len(items))
	for _, item := range items {
		out = append(out, item.Object.(Session))
	}
	return out
}
