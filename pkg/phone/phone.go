// Package phone provides normalization helpers for channel-specific
// sender addresses. Gateways deliver addresses like
// "5215512345678@s.whatsapp.net" or "+52 1 55 1234-5678"; everything in
// the store is keyed by the normalized form.
package phone

import "strings"

// channel address suffixes stripped before normalization
var addressSuffixes = []string{
	"@s.whatsapp.net",
	"@c.us",
	"@g.us",
	"@lid",
	"@broadcast",
}

// Normalize strips channel suffixes and every non-numeric character except
// a leading "+". The result is suitable as a lookup/persistence key.
func Normalize(raw string) string {
	s := strings.TrimSpace(raw)
	for _, suffix := range addressSuffixes {
		if strings.HasSuffix(s, suffix) {
			s = strings.TrimSuffix(s, suffix)
			break
		}
	}
	// Device part of a JID ("5215512345678:12") is not part of the number.
	if idx := strings.IndexByte(s, ':'); idx >= 0 {
		s = s[:idx]
	}

	var b strings.Builder
	for i, r := range s {
		if r == '+' && i == 0 {
			b.WriteRune(r)
			continue
		}
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// IsNormalized reports whether value is already in normalized form.
func IsNormalized(value string) bool {
	return value != "" && value == Normalize(value)
}
