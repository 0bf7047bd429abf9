package models

import (
	"regexp"
	"time"
)

// CardRequirement is the provider's card requirement level for a hold,
// exactly as reported by the hold response's card field.
type CardRequirement int

const (
	CardNone    CardRequirement = 0 // no card needed
	CardNoShow  CardRequirement = 1 // card stored for no-show protection, not charged
	CardDeposit CardRequirement = 2 // deposit charged up front
)

// String returns the display name for the card requirement level
func (c CardRequirement) String() string {
	switch c {
	case CardNone:
		return "none"
	case CardNoShow:
		return "no-show-protection"
	case CardDeposit:
		return "deposit"
	default:
		return "unknown"
	}
}

// RequiresCard reports whether the payment setup stages are needed at all
func (c CardRequirement) RequiresCard() bool {
	return c > CardNone
}

var (
	dateRegex = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	timeRegex = regexp.MustCompile(`^\d{1,2}(:\d{2})?$`)
)

// HoldParams are the user-supplied parameters for starting an attempt
type HoldParams struct {
	Establishment string `json:"est" binding:"required"`
	Covers        int    `json:"covers"`
	Date          string `json:"date"` // YYYY-MM-DD
	Time          string `json:"time"` // HH or HH:MM, 24h
	Area          string `json:"area,omitempty"`
}

// Validate checks the hold parameters before any network call.
// Returns a field-level ValidationError or nil.
func (p *HoldParams) Validate() *FlowError {
	fields := make(map[string]string)

	if p.Establishment == "" {
		fields["est"] = "establishment code is required"
	}
	if p.Covers < 1 {
		fields["covers"] = "covers must be at least 1"
	}
	if !dateRegex.MatchString(p.Date) {
		fields["date"] = "date must be in YYYY-MM-DD format"
	}
	if !timeRegex.MatchString(p.Time) {
		fields["time"] = "time must be in HH or HH:MM format"
	}

	if len(fields) > 0 {
		return NewValidationError(StageIdle, "invalid hold parameters", fields)
	}
	return nil
}

// BookingHold represents a provisional reservation returned by the provider.
// Identifier and creation timestamp are immutable for the lifetime of the
// attempt; card requirement and per-head amount come from the provider once
// and are never recomputed client-side.
type BookingHold struct {
	UID             int64           `json:"uid"`
	Created         int64           `json:"created"` // provider-side creation timestamp
	ReceivedAt      time.Time       `json:"received_at"`
	Establishment   string          `json:"est"`
	Covers          int             `json:"covers"`
	Date            string          `json:"date"`
	Time            string          `json:"time"`
	Area            string          `json:"area,omitempty"`
	CardRequirement CardRequirement `json:"card_requirement"`
	PerHead         int64           `json:"per_head"` // minor currency units
}

// ExpiresAt returns the logical expiry of the hold for the given TTL
func (h *BookingHold) ExpiresAt(ttl time.Duration) time.Time {
	return h.ReceivedAt.Add(ttl)
}

// Expired reports whether the hold's TTL has passed
func (h *BookingHold) Expired(ttl time.Duration, now time.Time) bool {
	return now.After(h.ExpiresAt(ttl))
}

// RemainingSeconds returns the whole seconds left before expiry, floored at 0
func (h *BookingHold) RemainingSeconds(ttl time.Duration, now time.Time) int {
	remaining := int(h.ExpiresAt(ttl).Sub(now).Seconds())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Clone returns a copy safe to expose in snapshots
func (h *BookingHold) Clone() *BookingHold {
	if h == nil {
		return nil
	}
	clone := *h
	return &clone
}
