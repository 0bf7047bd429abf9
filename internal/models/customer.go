package models

import (
	"strings"

	"github.com/resdiag/flowprobe/pkg/validator"
)

// CustomerDetails holds the guest information committed to the booking at the
// finalize stage. Nothing here is sent anywhere until finalize.
type CustomerDetails struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	Notes     string `json:"notes,omitempty"`
	Dietary   string `json:"dietary,omitempty"`
	Allergies string `json:"allergies,omitempty"`
	Optin     bool   `json:"optin"` // marketing opt-in
}

var (
	phoneValidator = validator.NewPhoneValidator()
	emailValidator = validator.NewEmailValidator()
)

// Validate checks the details field-by-field before they are stored.
// The sanitized phone and trimmed email are written back on success.
func (d *CustomerDetails) Validate() *FlowError {
	fields := make(map[string]string)

	if strings.TrimSpace(d.FirstName) == "" {
		fields["first_name"] = "first name is required"
	}
	if strings.TrimSpace(d.LastName) == "" {
		fields["last_name"] = "last name is required"
	}

	email, err := emailValidator.Validate(d.Email)
	if err != nil {
		fields["email"] = err.Error()
	}

	phone, err := phoneValidator.Validate(d.Phone)
	if err != nil {
		fields["phone"] = err.Error()
	}

	if len(fields) > 0 {
		return NewValidationError(StageCollectingDetails, "invalid customer details", fields)
	}

	d.FirstName = strings.TrimSpace(d.FirstName)
	d.LastName = strings.TrimSpace(d.LastName)
	d.Email = email
	d.Phone = phone
	return nil
}

// Clone returns a copy safe to expose in snapshots
func (d *CustomerDetails) Clone() *CustomerDetails {
	if d == nil {
		return nil
	}
	clone := *d
	return &clone
}
