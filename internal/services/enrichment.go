package services

import (
	"errors"

	"github.com/rs/zerolog/log"

	"chatrouter/internal/models"
	"chatrouter/internal/store"
)

// Enricher associates known counterparty records (debtors) with fresh
// chats. Everything here is best effort: enrichment failures are logged
// and swallowed, never propagated into the ingestion write path.
type Enricher struct {
	contacts *store.ContactStore
	chats    *store.ChatStore
}

// NewEnricher creates an enricher.
func NewEnricher(contacts *store.ContactStore, chats *store.ChatStore) *Enricher {
	return &Enricher{contacts: contacts, chats: chats}
}

// Enrich looks up a debtor record for the chat's phone and, when found,
// links it to the contact and tags the chat.
func (e *Enricher) Enrich(chat *models.Chat, contact *models.Contact) {
	debtor, err := e.contacts.FindDebtorByPhone(chat.ContactPhone)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Warn().Err(err).Uint("chatID", chat.ID).Msg("Debtor enrichment lookup failed")
		}
		return
	}

	if contact.DebtorID == nil {
		if err := e.contacts.AttachDebtor(contact.ID, debtor.ID); err != nil {
			log.Warn().Err(err).Uint("contactID", contact.ID).
				Uint("debtorID", debtor.ID).Msg("Could not attach debtor to contact")
		}
	}

	if !chat.Tags.Contains("debtor") {
		chat.Tags = append(chat.Tags, "debtor")
		if chat.ContactName == "" {
			chat.ContactName = debtor.Name
		}
		if err := e.chats.Save(chat); err != nil {
			log.Warn().Err(err).Uint("chatID", chat.ID).Msg("Could not tag chat with debtor info")
		}
	}

	log.Debug().Uint("chatID", chat.ID).Uint("debtorID", debtor.ID).Msg("Chat enriched with debtor record")
}
