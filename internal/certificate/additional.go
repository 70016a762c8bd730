package certificate

import (
	"net/mail"
	"strings"
	"unicode/utf8"

	"github.com/evident-proof/evident/internal/model"
)

const maxAttributeLen = 1024

// ValidateAdditionalData checks presentation attributes before they are
// frozen into a final certificate. Absent fields are fine; present fields
// must be non-blank and bounded. DataOwnersContact, when it contains an @,
// must be a valid address.
func ValidateAdditionalData(d *model.AdditionalData) error {
	if d == nil {
		return nil
	}
	fields := []struct {
		name string
		v    *string
	}{
		{"forTheAttentionOf", d.ForTheAttentionOf},
		{"deliveredTo", d.DeliveredTo},
		{"requestedBy", d.RequestedBy},
		{"dataOwners", d.DataOwners},
		{"dataOwnersContact", d.DataOwnersContact},
		{"eventStatement", d.EventStatement},
		{"eventDefinitionStatement", d.EventDefinitionStatement},
	}
	for _, f := range fields {
		if f.v == nil {
			continue
		}
		field := "additionalData." + f.name
		if strings.TrimSpace(*f.v) == "" {
			return model.Invalid(field, "must not be blank when present")
		}
		if n := utf8.RuneCountInString(*f.v); n > maxAttributeLen {
			return model.Invalid(field, "exceeds %d characters (%d)", maxAttributeLen, n)
		}
	}
	if c := d.DataOwnersContact; c != nil && strings.Contains(*c, "@") {
		if _, err := mail.ParseAddress(*c); err != nil {
			return model.Invalid("additionalData.dataOwnersContact", "%v", err)
		}
	}
	return nil
}
