package models

import "time"

// Stage is the closed set of states an attempt moves through. The flow is
// linear with one optional branch: holds that need no card skip the payment
// stages entirely.
type Stage string

const (
	StageIdle                 Stage = "IDLE"
	StageHolding              Stage = "HOLDING"
	StageCollectingDetails    Stage = "COLLECTING_DETAILS"
	StageAwaitingPaymentSetup Stage = "AWAITING_PAYMENT_SETUP"
	StageEnteringCard         Stage = "ENTERING_CARD"
	StageCardConfirmed        Stage = "CARD_CONFIRMED"
	StageFinalizing           Stage = "FINALIZING"
	StageCompleted            Stage = "COMPLETED"
	StageError                Stage = "ERROR"
)

// RefundOutcome records the result of the single compensation attempt made
// after a post-charge finalize failure.
type RefundOutcome string

const (
	RefundNotAttempted RefundOutcome = ""
	RefundSucceeded    RefundOutcome = "succeeded"
	RefundFailed       RefundOutcome = "failed"
	RefundUnavailable  RefundOutcome = "unavailable" // refund capability not configured
)

// AttemptState is the state-machine instance for one booking attempt.
// Exactly one live instance exists per session; it is replaced wholesale on
// reset, never partially cleared. Mutation is the orchestrator's job; the
// methods here are guards and pure derivations.
type AttemptState struct {
	Generation uint64

	Stage         Stage
	LastGoodStage Stage // last stage before entering ERROR

	Hold    *BookingHold
	Details *CustomerDetails
	Payment PaymentContext

	// Confirmation results. IntentID is what gets attached and refunded;
	// MethodRef is kept for display only.
	IntentID  string
	MethodRef string

	RefundOutcome RefundOutcome
	Compensation  *FlowError // set when the refund attempt itself failed

	LastError *FlowError
}

// NewAttemptState returns a fresh attempt at IDLE
func NewAttemptState(generation uint64) *AttemptState {
	return &AttemptState{
		Generation: generation,
		Stage:      StageIdle,
	}
}

// Effective returns the stage guards should be keyed on: the current stage,
// or the last good stage when the machine sits in ERROR so that idempotent
// stages can be retried in place.
func (a *AttemptState) Effective() Stage {
	if a.Stage == StageError {
		return a.LastGoodStage
	}
	return a.Stage
}

// Fail moves the machine to ERROR, recording the last successful stage and
// the error detail. It never rolls back to an earlier state.
func (a *AttemptState) Fail(err *FlowError) {
	if a.Stage != StageError {
		a.LastGoodStage = a.Stage
	}
	a.Stage = StageError
	a.LastError = err
}

// Recover clears the error after a successful in-place retry
func (a *AttemptState) Recover(stage Stage) {
	a.Stage = stage
	a.LastError = nil
}

// CanSaveDetails: details are collected after a hold exists and may be
// re-saved until card entry begins.
func (a *AttemptState) CanSaveDetails() bool {
	switch a.Effective() {
	case StageCollectingDetails, StageAwaitingPaymentSetup:
		return a.Hold != nil
	default:
		return false
	}
}

// CanFetchPaymentKeys: payment setup starts once details are saved for a
// hold that needs a card. Re-fetching while at ENTERING_CARD is permitted
// because the operation must be idempotent.
func (a *AttemptState) CanFetchPaymentKeys() bool {
	switch a.Effective() {
	case StageAwaitingPaymentSetup, StageEnteringCard:
		return a.Hold != nil && a.Hold.CardRequirement.RequiresCard()
	default:
		return false
	}
}

// CanFetchDepositDecision: the decision call is only meaningful once a
// processor customer/intent exists, so keys must be loaded first.
func (a *AttemptState) CanFetchDepositDecision() bool {
	switch a.Effective() {
	case StageAwaitingPaymentSetup, StageEnteringCard:
		return a.Hold != nil && a.Payment.KeysLoaded()
	default:
		return false
	}
}

// CanConfirmCard: both the keys and the decision must be in
func (a *AttemptState) CanConfirmCard() bool {
	return a.Effective() == StageEnteringCard && a.Payment.Ready()
}

// CanFinalize: either the card has been confirmed and attached, or the hold
// never required a card and details are saved.
func (a *AttemptState) CanFinalize() bool {
	switch a.Effective() {
	case StageCardConfirmed, StageFinalizing:
		return true
	case StageCollectingDetails:
		return a.Hold != nil && a.Details != nil && !a.Hold.CardRequirement.RequiresCard()
	default:
		return false
	}
}

// ChargeTaken reports whether money actually moved: a confirmed payment
// intent under a deposit classification. Store-only confirmations need no
// compensation.
func (a *AttemptState) ChargeTaken() bool {
	return a.IntentID != "" &&
		a.Payment.Classification == ClassificationDeposit
}

// NeedsCompensation reports whether a finalize failure must trigger the
// one-shot refund.
func (a *AttemptState) NeedsCompensation() bool {
	return a.ChargeTaken() && a.RefundOutcome == RefundNotAttempted
}

// AttemptSnapshot is an immutable copy of the attempt handed to the
// presentation layer and to subscribers. Amounts stay in minor units here;
// conversion to major units happens at the presentation boundary only.
type AttemptSnapshot struct {
	Generation    uint64           `json:"generation"`
	Stage         Stage            `json:"stage"`
	LastGoodStage Stage            `json:"last_good_stage,omitempty"`
	Hold          *BookingHold     `json:"hold,omitempty"`
	Details       *CustomerDetails `json:"details,omitempty"`
	Payment       PaymentContext   `json:"payment"`
	IntentID      string           `json:"intent_id,omitempty"`
	MethodRef     string           `json:"method_ref,omitempty"`
	RefundOutcome RefundOutcome    `json:"refund_outcome,omitempty"`
	Compensation  *FlowError       `json:"compensation,omitempty"`
	LastError     *FlowError       `json:"last_error,omitempty"`

	HoldExpired          bool `json:"hold_expired"`
	HoldRemainingSeconds int  `json:"hold_remaining_seconds"`
}

// Snapshot copies the attempt for read-only consumption
func (a *AttemptState) Snapshot(holdTTL time.Duration, now time.Time) AttemptSnapshot {
	snap := AttemptSnapshot{
		Generation:    a.Generation,
		Stage:         a.Stage,
		LastGoodStage: a.LastGoodStage,
		Hold:          a.Hold.Clone(),
		Details:       a.Details.Clone(),
		Payment:       a.Payment,
		IntentID:      a.IntentID,
		MethodRef:     a.MethodRef,
		RefundOutcome: a.RefundOutcome,
		Compensation:  a.Compensation.Clone(),
		LastError:     a.LastError.Clone(),
	}
	if a.Hold != nil {
		snap.HoldExpired = a.Hold.Expired(holdTTL, now)
		snap.HoldRemainingSeconds = a.Hold.RemainingSeconds(holdTTL, now)
	}
	return snap
}
