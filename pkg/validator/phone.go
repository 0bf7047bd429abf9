package validator

import (
	"errors"
	"regexp"
	"strings"
)

var (
	// ErrEmptyPhone indicates phone number is empty
	ErrEmptyPhone = errors.New("phone number cannot be empty")

	// ErrInvalidPhoneFormat indicates phone number contains invalid characters
	ErrInvalidPhoneFormat = errors.New("phone number can only contain digits and an optional leading +")

	// ErrInvalidPhoneLength indicates phone number is outside the accepted length range
	ErrInvalidPhoneLength = errors.New("phone number must be between 7 and 15 digits")
)

// phoneRegex matches an optional leading + followed by digits only
var phoneRegex = regexp.MustCompile(`^\+?\d+$`)

// PhoneValidator handles phone number validation
type PhoneValidator struct{}

// NewPhoneValidator creates a new phone validator instance
func NewPhoneValidator() *PhoneValidator {
	return &PhoneValidator{}
}

// Validate validates a phone number in loose international format.
// Accepts: 0211234567, +64 21 123 4567, (021) 123-4567.
// Returns the sanitized number (digits with optional leading +) and error if invalid.
func (v *PhoneValidator) Validate(phone string) (string, error) {
	if phone == "" {
		return "", ErrEmptyPhone
	}

	sanitized := v.Sanitize(phone)

	if !phoneRegex.MatchString(sanitized) {
		return "", ErrInvalidPhoneFormat
	}

	digits := strings.TrimPrefix(sanitized, "+")
	if len(digits) < 7 || len(digits) > 15 {
		return "", ErrInvalidPhoneLength
	}

	return sanitized, nil
}

// Sanitize removes common separators from a phone number
func (v *PhoneValidator) Sanitize(phone string) string {
	phone = strings.TrimSpace(phone)
	phone = strings.ReplaceAll(phone, " ", "")
	phone = strings.ReplaceAll(phone, "-", "")
	phone = strings.ReplaceAll(phone, "(", "")
	phone = strings.ReplaceAll(phone, ")", "")
	phone = strings.ReplaceAll(phone, ".", "")

	// Keep a single leading +, drop any others
	if strings.HasPrefix(phone, "+") {
		phone = "+" + strings.ReplaceAll(phone[1:], "+", "")
	}

	return phone
}

// IsValid is a convenience method that returns true if phone is valid
func (v *PhoneValidator) IsValid(phone string) bool {
	_, err := v.Validate(phone)
	return err == nil
}
