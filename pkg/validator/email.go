package validator

import (
	"errors"
	"regexp"
	"strings"
)

var (
	// ErrEmptyEmail indicates email address is empty
	ErrEmptyEmail = errors.New("email address cannot be empty")

	// ErrInvalidEmail indicates email address has an invalid format
	ErrInvalidEmail = errors.New("email address has an invalid format")
)

// emailRegex is a pragmatic address check, not a full RFC 5322 parser
var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// EmailValidator handles email address validation
type EmailValidator struct{}

// NewEmailValidator creates a new email validator instance
func NewEmailValidator() *EmailValidator {
	return &EmailValidator{}
}

// Validate validates an email address and returns the trimmed address
func (v *EmailValidator) Validate(email string) (string, error) {
	trimmed := strings.TrimSpace(email)
	if trimmed == "" {
		return "", ErrEmptyEmail
	}

	if !emailRegex.MatchString(trimmed) {
		return "", ErrInvalidEmail
	}

	return trimmed, nil
}

// IsValid is a convenience method that returns true if email is valid
func (v *EmailValidator) IsValid(email string) bool {
	_, err := v.Validate(email)
	return err == nil
}
