package models

import (
	"fmt"
	"strings"
)

// Classification says what the confirmed payment actually does: a deposit
// moves money now, a no-show merely stores the card. Derived strictly from
// the deposit-decision response code; the hold's card flag is not
// authoritative for charge/no-charge behaviour.
type Classification string

const (
	ClassificationUnset   Classification = ""
	ClassificationNoShow  Classification = "no-show"
	ClassificationDeposit Classification = "deposit"
)

// ClassifyDepositCode maps the provider's deposit-decision code.
// Code 1 means no-show (store only); anything else is treated as deposit.
func ClassifyDepositCode(code int) Classification {
	if code == 1 {
		return ClassificationNoShow
	}
	return ClassificationDeposit
}

// PaymentContext represents the processor-side handshake for one attempt.
// The client secret is set exactly once per attempt and never mutated.
type PaymentContext struct {
	ClientSecret   string         `json:"-"` // opaque, never exposed in snapshots
	PublishableKey string         `json:"publishable_key,omitempty"`
	CustomerRef    string         `json:"customer_ref,omitempty"`
	Classification Classification `json:"classification,omitempty"`
	Amount         int64          `json:"amount,omitempty"` // minor currency units
	Currency       string         `json:"currency,omitempty"`
}

// KeysLoaded reports whether the payment-keys stage has completed
func (p *PaymentContext) KeysLoaded() bool {
	return p.ClientSecret != "" && p.PublishableKey != ""
}

// DecisionLoaded reports whether the deposit-decision stage has completed
func (p *PaymentContext) DecisionLoaded() bool {
	return p.Classification != ClassificationUnset
}

// Ready reports whether card entry can begin
func (p *PaymentContext) Ready() bool {
	return p.KeysLoaded() && p.DecisionLoaded()
}

// IntentKind distinguishes a charge-now payment intent from a store-card
// setup intent, derived from the client secret's structural prefix.
type IntentKind string

const (
	IntentKindPayment IntentKind = "payment" // pi_..._secret_...
	IntentKindSetup   IntentKind = "setup"   // seti_..._secret_...
)

// ParseClientSecret extracts the intent kind and intent identifier from a
// client secret. The secret has the form <intent_id>_secret_<nonce>.
func ParseClientSecret(secret string) (IntentKind, string, error) {
	parts := strings.SplitN(secret, "_secret_", 2)
	if len(parts) != 2 || parts[0] == "" {
		return "", "", fmt.Errorf("client secret has no intent identifier segment")
	}

	id := parts[0]
	switch {
	case strings.HasPrefix(id, "pi_"):
		return IntentKindPayment, id, nil
	case strings.HasPrefix(id, "seti_"):
		return IntentKindSetup, id, nil
	default:
		return "", "", fmt.Errorf("unrecognized client secret prefix %q", firstSegment(id))
	}
}

func firstSegment(id string) string {
	if i := strings.Index(id, "_"); i >= 0 {
		return id[:i+1]
	}
	return id
}

// IsIntentIdentifier reports whether s has the shape of a processor intent
// identifier. The provider's attach endpoint accepts only this shape.
func IsIntentIdentifier(s string) bool {
	return strings.HasPrefix(s, "pi_") || strings.HasPrefix(s, "seti_")
}

// IsPaymentMethodIdentifier reports whether s has the shape of a raw
// payment-method identifier. Sending one of these to the attach endpoint is
// the exact integration bug the identifier guard exists to catch.
func IsPaymentMethodIdentifier(s string) bool {
	return strings.HasPrefix(s, "pm_") || strings.HasPrefix(s, "card_")
}

// CardInput is raw card data entered by the operator. It is forwarded to the
// processor and never logged in full.
type CardInput struct {
	Number   string `json:"number"`
	ExpMonth string `json:"exp_month"`
	ExpYear  string `json:"exp_year"`
	CVC      string `json:"cvc"`
}

// Validate checks the card input before it is sent to the processor
func (c *CardInput) Validate() *FlowError {
	fields := make(map[string]string)

	digits := strings.ReplaceAll(c.Number, " ", "")
	if len(digits) < 12 || len(digits) > 19 {
		fields["number"] = "card number must be 12-19 digits"
	}
	if c.ExpMonth == "" {
		fields["exp_month"] = "expiry month is required"
	}
	if c.ExpYear == "" {
		fields["exp_year"] = "expiry year is required"
	}
	if len(c.CVC) < 3 || len(c.CVC) > 4 {
		fields["cvc"] = "cvc must be 3 or 4 digits"
	}

	if len(fields) > 0 {
		return NewValidationError(StageEnteringCard, "invalid card input", fields)
	}
	return nil
}

// Redacted returns a loggable form of the card number (last four only)
func (c *CardInput) Redacted() string {
	digits := strings.ReplaceAll(c.Number, " ", "")
	if len(digits) <= 4 {
		return "****"
	}
	return "**** " + digits[len(digits)-4:]
}
