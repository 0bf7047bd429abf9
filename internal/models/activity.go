package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ActivityEntry is one record in the append-only activity log: a single call
// attempt (or internal flow event) with its request summary, raw response
// and outcome. The log exists so every exchange with the two external
// services can be inspected while debugging an integration.
type ActivityEntry struct {
	ID        uuid.UUID `json:"id"`
	Timestamp time.Time `json:"timestamp"`

	Stage     Stage  `json:"stage"`
	Operation string `json:"operation"` // create-hold, fetch-payment-keys, confirm-intent, refund, ...
	Target    string `json:"target"`    // endpoint label, e.g. eveve:hold, stripe:confirm, flow

	// Request is a sanitized key/value summary; card numbers are redacted
	// before they get here.
	Request map[string]string `json:"request,omitempty"`

	// Response is the raw JSON body as received, when one exists
	Response json.RawMessage `json:"response,omitempty"`

	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`

	DurationMS int64 `json:"duration_ms"`
}

// RefundRecord is the durable trace of one compensation attempt, written to
// the optional journal so an operator can follow up after the process exits.
type RefundRecord struct {
	SessionID  string        `db:"session_id"`
	Generation uint64        `db:"generation"`
	HoldUID    int64         `db:"hold_uid"`
	IntentID   string        `db:"intent_id"`
	Amount     int64         `db:"amount"` // minor currency units
	Currency   string        `db:"currency"`
	Outcome    RefundOutcome `db:"outcome"`
	Detail     string        `db:"detail"`
	CreatedAt  time.Time     `db:"created_at"`
}
