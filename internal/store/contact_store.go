package store

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"chatrouter/internal/models"
	"chatrouter/pkg/phone"
)

// ContactStore persists counterparty records keyed by normalized phone.
type ContactStore struct {
	db *gorm.DB
}

// NewContactStore creates a new ContactStore.
func NewContactStore(db *gorm.DB) (*ContactStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database instance cannot be nil")
	}
	return &ContactStore{db: db}, nil
}

// FindOrCreateByPhone looks a contact up by normalized phone, falling back
// to the raw channel value for rows persisted before normalization was
// introduced. A legacy match self-heals: the stored value is rewritten to
// the normalized form.
func (s *ContactStore) FindOrCreateByPhone(normalized, raw, name string) (*models.Contact, error) {
	var contact models.Contact
	err := s.db.Where("phone = ?", normalized).First(&contact).Error
	if err == nil {
		return &contact, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("query contact by phone: %w", err)
	}

	// Legacy fallback: rows stored with the unnormalized channel address.
	if raw != "" && raw != normalized {
		err = s.db.Where("phone = ?", raw).First(&contact).Error
		if err == nil {
			contact.Phone = normalized
			if saveErr := s.db.Save(&contact).Error; saveErr != nil {
				return nil, fmt.Errorf("self-heal contact phone: %w", saveErr)
			}
			log.Info().
				Str("raw", raw).
				Str("normalized", normalized).
				Uint("contactID", contact.ID).
				Msg("Rewrote legacy contact phone to normalized form")
			return &contact, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("query contact by raw phone: %w", err)
		}
	}

	contact = models.Contact{Phone: normalized, Name: name}
	if err := s.db.Create(&contact).Error; err != nil {
		return nil, fmt.Errorf("create contact: %w", err)
	}
	log.Info().Str("phone", normalized).Uint("contactID", contact.ID).Msg("Created contact")
	return &contact, nil
}

// AttachDebtor associates a debtor record with a contact.
func (s *ContactStore) AttachDebtor(contactID, debtorID uint) error {
	return s.db.Model(&models.Contact{}).Where("id = ?", contactID).
		Update("debtor_id", debtorID).Error
}

// FindDebtorByPhone returns the debtor record matching a normalized phone,
// or ErrNotFound. Lookups tolerate legacy unnormalized stored values.
func (s *ContactStore) FindDebtorByPhone(normalized string) (*models.Debtor, error) {
	var debtor models.Debtor
	err := s.db.Where("phone = ?", normalized).First(&debtor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Legacy rows may carry formatting; scan candidates by suffix match
		// on the significant digits.
		var candidates []models.Debtor
		if scanErr := s.db.Find(&candidates).Error; scanErr != nil {
			return nil, fmt.Errorf("scan debtors: %w", scanErr)
		}
		for i := range candidates {
			if phone.Normalize(candidates[i].Phone) == normalized {
				return &candidates[i], nil
			}
		}
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query debtor by phone: %w", err)
	}
	return &debtor, nil
}
