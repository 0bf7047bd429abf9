package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/resdiag/flowprobe/internal/models"
	"github.com/resdiag/flowprobe/pkg/eveve"
	"github.com/resdiag/flowprobe/pkg/stripe"
)

// ErrAttemptSuperseded means a network call finished after the attempt it
// belonged to was discarded. The result is logged but never applied.
var ErrAttemptSuperseded = errors.New("attempt superseded while operation was in flight")

// bookingType is the provider booking type sent on every endpoint
const bookingType = 0

// BookingProvider is the booking-side surface the orchestrator drives
type BookingProvider interface {
	CreateHold(ctx context.Context, req eveve.HoldRequest) (*eveve.HoldResult, error)
	FetchPaymentKeys(ctx context.Context, req eveve.KeysRequest) (*eveve.PaymentKeys, error)
	FetchDepositDecision(ctx context.Context, req eveve.DecisionRequest) (*eveve.DepositDecision, error)
	ValidateHold(ctx context.Context, req eveve.RestoreRequest) (*eveve.RestoreResult, error)
	AttachPaymentMethod(ctx context.Context, req eveve.AttachRequest) (*eveve.AttachResult, error)
	Finalize(ctx context.Context, req eveve.UpdateRequest) (*eveve.UpdateResult, error)
}

// PaymentProcessor is the processor-side surface the orchestrator drives.
// Refund capability is probed at startup on the concrete client; here a
// missing secret key simply surfaces as ErrRefundUnavailable from Refund.
type PaymentProcessor interface {
	Confirm(ctx context.Context, req stripe.ConfirmRequest) (*stripe.IntentResult, error)
	Refund(ctx context.Context, req stripe.RefundRequest) (*stripe.RefundResult, error)
}

// CompensationJournal persists refund attempts for operator follow-up.
// Recording is best-effort; a journal failure never changes flow state.
type CompensationJournal interface {
	Record(rec models.RefundRecord) error
}

// FlowConfig tunes one orchestrator instance
type FlowConfig struct {
	SessionID         string
	HoldTTL           time.Duration
	CallTimeout       time.Duration
	EnforceHoldExpiry bool
	Language          string
}

// FlowOrchestrator owns the single live AttemptState for a session and is the
// only component allowed to mutate it. Stage operations are serialized; Reset
// is not, so every in-flight result is generation-checked before it is
// applied.
type FlowOrchestrator struct {
	provider  BookingProvider
	processor PaymentProcessor
	activity  *ActivityLog
	journal   CompensationJournal // nil when no journal is configured
	config    FlowConfig
	logger    *logrus.Logger

	opMu sync.Mutex // serializes stage operations

	mu         sync.Mutex // guards attempt, generation and subscribers
	attempt    *models.AttemptState
	generation uint64
	subs       map[int]chan models.AttemptSnapshot
	nextSub    int
}

// NewFlowOrchestrator creates an orchestrator with a pristine attempt
func NewFlowOrchestrator(
	provider BookingProvider,
	processor PaymentProcessor,
	activity *ActivityLog,
	journal CompensationJournal,
	cfg FlowConfig,
	logger *logrus.Logger,
) *FlowOrchestrator {
	if cfg.HoldTTL <= 0 {
		cfg.HoldTTL = 3 * time.Minute
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	return &FlowOrchestrator{
		provider:  provider,
		processor: processor,
		activity:  activity,
		journal:   journal,
		config:    cfg,
		logger:    logger,
		attempt:   models.NewAttemptState(0),
		subs:      make(map[int]chan models.AttemptSnapshot),
	}
}

// Activity exposes the session's activity log
func (o *FlowOrchestrator) Activity() *ActivityLog {
	return o.activity
}

// Snapshot returns the current attempt state for display
func (o *FlowOrchestrator) Snapshot() models.AttemptSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

// Subscribe registers a live state feed. Each applied mutation produces one
// snapshot; slow subscribers drop updates rather than blocking the flow.
func (o *FlowOrchestrator) Subscribe() (<-chan models.AttemptSnapshot, func()) {
	o.mu.Lock()
	id := o.nextSub
	o.nextSub++
	ch := make(chan models.AttemptSnapshot, 8)
	o.subs[id] = ch
	o.mu.Unlock()

	cancel := func() {
		o.mu.Lock()
		if sub, ok := o.subs[id]; ok {
			delete(o.subs, id)
			close(sub)
		}
		o.mu.Unlock()
	}

	return ch, cancel
}

// Reset discards the current attempt and installs a pristine one. It takes
// effect immediately, even with a stage operation in flight: the bumped
// generation makes the in-flight result stale so it is never applied.
func (o *FlowOrchestrator) Reset() models.AttemptSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.generation++
	o.attempt = models.NewAttemptState(o.generation)

	o.logger.WithFields(logrus.Fields{
		"session_id": o.config.SessionID,
		"generation": o.generation,
	}).Info("Flow reset")

	o.publishLocked()
	return o.snapshotLocked()
}

// StartAttempt validates the hold parameters, discards any previous attempt
// and requests a provisional hold from the provider.
func (o *FlowOrchestrator) StartAttempt(ctx context.Context, params models.HoldParams) (models.AttemptSnapshot, error) {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	if fe := params.Validate(); fe != nil {
		o.record(models.StageIdle, "create-hold", "eveve:hold", holdFields(params), nil, fe, 0)
		return o.Snapshot(), fe
	}

	o.mu.Lock()
	o.generation++
	gen := o.generation
	o.attempt = models.NewAttemptState(gen)
	o.attempt.Stage = models.StageHolding
	o.publishLocked()
	o.mu.Unlock()

	req := eveve.HoldRequest{
		Establishment: params.Establishment,
		Covers:        params.Covers,
		Date:          params.Date,
		Time:          params.Time,
		Area:          params.Area,
	}

	started := time.Now()
	callCtx, cancel := o.callContext(ctx)
	result, err := o.provider.CreateHold(callCtx, req)
	cancel()

	if err != nil {
		fe := providerFlowError(models.StageHolding, "hold request failed", err)
		o.record(models.StageHolding, "create-hold", "eveve:hold", holdFields(params), errRaw(err), fe, time.Since(started))
		return o.applyFailure(gen, fe)
	}

	o.record(models.StageHolding, "create-hold", "eveve:hold", holdFields(params), result.Raw, nil, time.Since(started))

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.attempt.Generation != gen {
		o.logger.WithField("generation", gen).Warn("Dropping stale hold result")
		return o.snapshotLocked(), ErrAttemptSuperseded
	}

	o.attempt.Hold = &models.BookingHold{
		UID:             result.UID,
		Created:         result.Created,
		ReceivedAt:      time.Now(),
		Establishment:   params.Establishment,
		Covers:          params.Covers,
		Date:            params.Date,
		Time:            params.Time,
		Area:            params.Area,
		CardRequirement: models.CardRequirement(result.Card),
		PerHead:         result.PerHead,
	}
	o.attempt.Stage = models.StageCollectingDetails

	o.logger.WithFields(logrus.Fields{
		"session_id": o.config.SessionID,
		"hold_uid":   result.UID,
		"card":       result.Card,
	}).Info("Hold created")

	o.publishLocked()
	return o.snapshotLocked(), nil
}

// SaveDetails validates and stores customer details. No network call is made;
// the details are only transmitted at finalize. Holds that need a card move
// on to payment setup, holds that do not stay at COLLECTING_DETAILS ready to
// finalize directly.
func (o *FlowOrchestrator) SaveDetails(ctx context.Context, details models.CustomerDetails) (models.AttemptSnapshot, error) {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.mu.Lock()
	defer o.mu.Unlock()

	a := o.attempt
	if !a.CanSaveDetails() {
		fe := stageGuardError(a.Stage, "details cannot be saved in the current stage")
		return o.snapshotLocked(), fe
	}
	if fe := o.expiryGuardLocked(a); fe != nil {
		return o.snapshotLocked(), fe
	}
	if fe := details.Validate(); fe != nil {
		o.record(a.Stage, "save-details", "flow", map[string]string{"email": details.Email}, nil, fe, 0)
		return o.snapshotLocked(), fe
	}

	a.Details = &details
	if a.Hold.CardRequirement.RequiresCard() {
		a.Recover(models.StageAwaitingPaymentSetup)
	} else {
		a.Recover(models.StageCollectingDetails)
	}

	o.record(a.Stage, "save-details", "flow", map[string]string{
		"name":  details.FirstName + " " + details.LastName,
		"email": details.Email,
	}, nil, nil, 0)

	o.publishLocked()
	return o.snapshotLocked(), nil
}

// FetchPaymentKeys retrieves the processor client secret and publishable key
// for the hold. Idempotent: once the secret is set it is never replaced, and
// re-invocation after a transient failure retries in place.
func (o *FlowOrchestrator) FetchPaymentKeys(ctx context.Context) (models.AttemptSnapshot, error) {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.mu.Lock()
	a := o.attempt
	gen := a.Generation
	if !a.CanFetchPaymentKeys() {
		fe := stageGuardError(a.Stage, "payment keys cannot be fetched in the current stage")
		o.mu.Unlock()
		return o.Snapshot(), fe
	}
	if fe := o.expiryGuardLocked(a); fe != nil {
		o.mu.Unlock()
		return o.Snapshot(), fe
	}
	req := eveve.KeysRequest{
		Establishment: a.Hold.Establishment,
		UID:           a.Hold.UID,
		Created:       a.Hold.Created,
		Type:          bookingType,
		Desc:          holdDescription(a.Hold),
	}
	o.mu.Unlock()

	started := time.Now()
	callCtx, cancel := o.callContext(ctx)
	keys, err := o.provider.FetchPaymentKeys(callCtx, req)
	cancel()

	reqFields := map[string]string{
		"est": req.Establishment,
		"uid": strconv.FormatInt(req.UID, 10),
	}

	if err != nil {
		fe := providerFlowError(models.StageAwaitingPaymentSetup, "payment keys fetch failed", err)
		o.record(models.StageAwaitingPaymentSetup, "fetch-payment-keys", "eveve:pi-get", reqFields, errRaw(err), fe, time.Since(started))
		return o.applyFailure(gen, fe)
	}

	o.record(models.StageAwaitingPaymentSetup, "fetch-payment-keys", "eveve:pi-get", reqFields, keys.Raw, nil, time.Since(started))

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.attempt.Generation != gen {
		o.logger.WithField("generation", gen).Warn("Dropping stale payment keys result")
		return o.snapshotLocked(), ErrAttemptSuperseded
	}

	a = o.attempt
	if a.Payment.ClientSecret == "" {
		a.Payment.ClientSecret = keys.ClientSecret
		a.Payment.PublishableKey = keys.PublishableKey
		a.Payment.CustomerRef = keys.CustomerRef
	}
	if a.Payment.Ready() {
		a.Recover(models.StageEnteringCard)
	} else {
		a.Recover(models.StageAwaitingPaymentSetup)
	}

	o.publishLocked()
	return o.snapshotLocked(), nil
}

// FetchDepositDecision retrieves the charge/no-charge classification for the
// hold. The decision code is authoritative over the hold's card flag: code 1
// stores the card, anything else charges a deposit now. Once both the keys
// and the decision are in, card entry opens.
func (o *FlowOrchestrator) FetchDepositDecision(ctx context.Context) (models.AttemptSnapshot, error) {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.mu.Lock()
	a := o.attempt
	gen := a.Generation
	if !a.CanFetchDepositDecision() {
		fe := stageGuardError(a.Stage, "deposit decision cannot be fetched before payment keys")
		o.mu.Unlock()
		return o.Snapshot(), fe
	}
	if fe := o.expiryGuardLocked(a); fe != nil {
		o.mu.Unlock()
		return o.Snapshot(), fe
	}
	req := eveve.DecisionRequest{
		Establishment: a.Hold.Establishment,
		UID:           a.Hold.UID,
		Created:       a.Hold.Created,
		Lang:          o.config.Language,
		Type:          bookingType,
	}
	covers := int64(a.Hold.Covers)
	perHead := a.Hold.PerHead
	o.mu.Unlock()

	started := time.Now()
	callCtx, cancel := o.callContext(ctx)
	decision, err := o.provider.FetchDepositDecision(callCtx, req)
	cancel()

	reqFields := map[string]string{
		"est":  req.Establishment,
		"uid":  strconv.FormatInt(req.UID, 10),
		"lang": req.Lang,
	}

	if err != nil {
		fe := providerFlowError(models.StageAwaitingPaymentSetup, "deposit decision fetch failed", err)
		o.record(models.StageAwaitingPaymentSetup, "fetch-deposit-decision", "eveve:deposit-get", reqFields, errRaw(err), fe, time.Since(started))
		return o.applyFailure(gen, fe)
	}

	o.record(models.StageAwaitingPaymentSetup, "fetch-deposit-decision", "eveve:deposit-get", reqFields, decision.Raw, nil, time.Since(started))

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.attempt.Generation != gen {
		o.logger.WithField("generation", gen).Warn("Dropping stale deposit decision result")
		return o.snapshotLocked(), ErrAttemptSuperseded
	}

	a = o.attempt
	a.Payment.Classification = models.ClassifyDepositCode(decision.Code)
	a.Payment.Amount = decisionAmount(decision, covers, perHead)
	if decision.Currency != "" {
		a.Payment.Currency = decision.Currency
	}
	if a.Payment.Ready() {
		a.Recover(models.StageEnteringCard)
	} else {
		a.Recover(models.StageAwaitingPaymentSetup)
	}

	o.logger.WithFields(logrus.Fields{
		"session_id":     o.config.SessionID,
		"classification": a.Payment.Classification,
		"amount":         a.Payment.Amount,
	}).Info("Deposit decision loaded")

	o.publishLocked()
	return o.snapshotLocked(), nil
}

// ConfirmCard runs the card confirmation sequence: re-validate the hold,
// confirm the processor intent with the raw card, then attach the resulting
// intent identifier to the hold. A retry after an attach failure skips the
// confirmation step because the intent identifier survives the error.
func (o *FlowOrchestrator) ConfirmCard(ctx context.Context, card models.CardInput) (models.AttemptSnapshot, error) {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.mu.Lock()
	a := o.attempt
	gen := a.Generation
	if !a.CanConfirmCard() {
		fe := stageGuardError(a.Stage, "card cannot be confirmed in the current stage")
		o.mu.Unlock()
		return o.Snapshot(), fe
	}
	if fe := o.expiryGuardLocked(a); fe != nil {
		o.mu.Unlock()
		return o.Snapshot(), fe
	}
	if a.IntentID == "" {
		if fe := card.Validate(); fe != nil {
			o.mu.Unlock()
			o.record(models.StageEnteringCard, "confirm-card", "flow", map[string]string{"card": card.Redacted()}, nil, fe, 0)
			return o.Snapshot(), fe
		}
	}

	hold := *a.Hold
	secret := a.Payment.ClientSecret
	pubKey := a.Payment.PublishableKey
	amount := a.Payment.Amount
	intentID := a.IntentID
	var billing stripe.BillingDetails
	if a.Details != nil {
		billing = stripe.BillingDetails{
			Name:  a.Details.FirstName + " " + a.Details.LastName,
			Email: a.Details.Email,
			Phone: a.Details.Phone,
		}
	}
	o.mu.Unlock()

	// Freshness pre-check: never confirm a card against a hold the provider
	// has already released.
	restoreFields := map[string]string{
		"est": hold.Establishment,
		"uid": strconv.FormatInt(hold.UID, 10),
	}
	started := time.Now()
	callCtx, cancel := o.callContext(ctx)
	restore, err := o.provider.ValidateHold(callCtx, eveve.RestoreRequest{
		Establishment: hold.Establishment,
		UID:           hold.UID,
		Type:          bookingType,
	})
	cancel()

	if err != nil {
		fe := providerFlowError(models.StageEnteringCard, "hold validation failed before card confirmation", err)
		o.record(models.StageEnteringCard, "validate-hold", "eveve:restore", restoreFields, errRaw(err), fe, time.Since(started))
		return o.applyFailure(gen, fe)
	}
	o.record(models.StageEnteringCard, "validate-hold", "eveve:restore", restoreFields, restore.Raw, nil, time.Since(started))

	if intentID == "" {
		confirmFields := map[string]string{"card": card.Redacted()}
		started = time.Now()
		callCtx, cancel = o.callContext(ctx)
		result, err := o.processor.Confirm(callCtx, stripe.ConfirmRequest{
			ClientSecret:   secret,
			PublishableKey: pubKey,
			Card: stripe.Card{
				Number:   card.Number,
				ExpMonth: card.ExpMonth,
				ExpYear:  card.ExpYear,
				CVC:      card.CVC,
			},
			Billing: billing,
		})
		cancel()

		if err != nil {
			fe := processorFlowError(models.StageEnteringCard, "card confirmation failed", err)
			o.record(models.StageEnteringCard, "confirm-intent", "stripe:confirm", confirmFields, errRaw(err), fe, time.Since(started))
			return o.applyFailure(gen, fe)
		}

		o.record(models.StageEnteringCard, "confirm-intent", "stripe:confirm", confirmFields, result.Raw, nil, time.Since(started))

		o.mu.Lock()
		if o.attempt.Generation != gen {
			o.mu.Unlock()
			o.logger.WithField("generation", gen).Warn("Dropping stale confirmation result")
			return o.Snapshot(), ErrAttemptSuperseded
		}
		// The intent identifier is kept even if the attach below fails, so a
		// retry skips re-confirmation instead of charging twice.
		o.attempt.IntentID = result.IntentID
		o.attempt.MethodRef = result.MethodRef
		intentID = result.IntentID
		o.publishLocked()
		o.mu.Unlock()
	}

	// Identifier guard: the attach endpoint accepts only the intent
	// identifier. A payment-method handle here is the integration bug this
	// guard exists for; fail before anything goes on the wire.
	if !models.IsIntentIdentifier(intentID) || models.IsPaymentMethodIdentifier(intentID) {
		fe := &models.FlowError{
			Kind:    models.ErrKindIdentifierMismatch,
			Stage:   models.StageEnteringCard,
			Message: fmt.Sprintf("refusing to attach %q: not an intent identifier", intentID),
		}
		o.logger.WithFields(logrus.Fields{
			"session_id": o.config.SessionID,
			"ref":        intentID,
		}).Error("Identifier mismatch on attach")
		o.record(models.StageEnteringCard, "attach-method", "eveve:pm-id", map[string]string{"pm": intentID}, nil, fe, 0)
		return o.applyFailure(gen, fe)
	}

	attachFields := map[string]string{
		"pm":    intentID,
		"total": strconv.FormatInt(amount, 10),
	}
	started = time.Now()
	callCtx, cancel = o.callContext(ctx)
	attach, err := o.provider.AttachPaymentMethod(callCtx, eveve.AttachRequest{
		Establishment: hold.Establishment,
		UID:           hold.UID,
		Created:       hold.Created,
		MethodRef:     intentID,
		Total:         amount,
		Type:          bookingType,
	})
	cancel()

	if err != nil {
		fe := providerFlowError(models.StageEnteringCard, "payment method attach failed", err)
		o.record(models.StageEnteringCard, "attach-method", "eveve:pm-id", attachFields, errRaw(err), fe, time.Since(started))
		return o.applyFailure(gen, fe)
	}

	o.record(models.StageEnteringCard, "attach-method", "eveve:pm-id", attachFields, attach.Raw, nil, time.Since(started))

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.attempt.Generation != gen {
		o.logger.WithField("generation", gen).Warn("Dropping stale attach result")
		return o.snapshotLocked(), ErrAttemptSuperseded
	}

	o.attempt.Recover(models.StageCardConfirmed)

	o.logger.WithFields(logrus.Fields{
		"session_id": o.config.SessionID,
		"intent_id":  intentID,
	}).Info("Card confirmed and attached")

	o.publishLocked()
	return o.snapshotLocked(), nil
}

// Finalize re-validates the hold and commits the stored customer details,
// completing the booking. If finalize fails after a deposit was charged,
// exactly one refund of the payment intent is attempted; the outcome of that
// compensation is recorded alongside the original failure.
func (o *FlowOrchestrator) Finalize(ctx context.Context) (models.AttemptSnapshot, error) {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.mu.Lock()
	a := o.attempt
	gen := a.Generation
	if !a.CanFinalize() || a.Details == nil {
		fe := stageGuardError(a.Stage, "booking cannot be finalized in the current stage")
		o.mu.Unlock()
		return o.Snapshot(), fe
	}
	if fe := o.expiryGuardLocked(a); fe != nil {
		o.mu.Unlock()
		return o.Snapshot(), fe
	}

	hold := *a.Hold
	details := *a.Details
	a.Recover(models.StageFinalizing)
	o.publishLocked()
	o.mu.Unlock()

	restoreFields := map[string]string{
		"est": hold.Establishment,
		"uid": strconv.FormatInt(hold.UID, 10),
	}
	started := time.Now()
	callCtx, cancel := o.callContext(ctx)
	restore, err := o.provider.ValidateHold(callCtx, eveve.RestoreRequest{
		Establishment: hold.Establishment,
		UID:           hold.UID,
		Type:          bookingType,
	})
	cancel()

	if err != nil {
		fe := providerFlowError(models.StageFinalizing, "hold validation failed before finalize", err)
		o.record(models.StageFinalizing, "validate-hold", "eveve:restore", restoreFields, errRaw(err), fe, time.Since(started))
		return o.failFinalize(gen, hold, fe)
	}
	o.record(models.StageFinalizing, "validate-hold", "eveve:restore", restoreFields, restore.Raw, nil, time.Since(started))

	optem := 0
	if details.Optin {
		optem = 1
	}
	updateFields := map[string]string{
		"uid":   strconv.FormatInt(hold.UID, 10),
		"name":  details.FirstName + " " + details.LastName,
		"email": details.Email,
	}
	started = time.Now()
	callCtx, cancel = o.callContext(ctx)
	result, err := o.provider.Finalize(callCtx, eveve.UpdateRequest{
		Establishment: hold.Establishment,
		UID:           hold.UID,
		Lang:          o.config.Language,
		FirstName:     details.FirstName,
		LastName:      details.LastName,
		Phone:         details.Phone,
		Email:         details.Email,
		Notes:         details.Notes,
		Dietary:       details.Dietary,
		Allergies:     details.Allergies,
		Optem:         optem,
	})
	cancel()

	if err != nil {
		fe := providerFlowError(models.StageFinalizing, "finalize rejected", err)
		o.record(models.StageFinalizing, "finalize", "eveve:update", updateFields, errRaw(err), fe, time.Since(started))
		return o.failFinalize(gen, hold, fe)
	}

	o.record(models.StageFinalizing, "finalize", "eveve:update", updateFields, result.Raw, nil, time.Since(started))

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.attempt.Generation != gen {
		o.logger.WithField("generation", gen).Warn("Dropping stale finalize result")
		return o.snapshotLocked(), ErrAttemptSuperseded
	}

	o.attempt.Recover(models.StageCompleted)

	o.logger.WithFields(logrus.Fields{
		"session_id": o.config.SessionID,
		"hold_uid":   hold.UID,
	}).Info("Booking completed")

	o.publishLocked()
	return o.snapshotLocked(), nil
}

// failFinalize applies a finalize failure, running the one-shot refund
// compensation first when a deposit was already charged.
func (o *FlowOrchestrator) failFinalize(gen uint64, hold models.BookingHold, fe *models.FlowError) (models.AttemptSnapshot, error) {
	o.mu.Lock()
	if o.attempt.Generation != gen {
		o.mu.Unlock()
		o.logger.WithField("generation", gen).Warn("Dropping stale finalize failure")
		return o.Snapshot(), ErrAttemptSuperseded
	}

	if !o.attempt.NeedsCompensation() {
		o.attempt.Fail(fe)
		o.publishLocked()
		snap := o.snapshotLocked()
		o.mu.Unlock()
		return snap, fe
	}

	refundReq := stripe.RefundRequest{
		IntentID: o.attempt.IntentID,
		Amount:   o.attempt.Payment.Amount,
	}
	currency := o.attempt.Payment.Currency
	o.mu.Unlock()

	o.logger.WithFields(logrus.Fields{
		"session_id": o.config.SessionID,
		"intent_id":  refundReq.IntentID,
		"amount":     refundReq.Amount,
	}).Warn("Finalize failed after charge, attempting refund")

	// The refund must run even if the caller has gone away, so it gets its
	// own deadline detached from the request context.
	refundCtx, cancel := context.WithTimeout(context.Background(), o.config.CallTimeout)
	started := time.Now()
	result, refundErr := o.processor.Refund(refundCtx, refundReq)
	cancel()

	refundFields := map[string]string{
		"intent_id": refundReq.IntentID,
		"amount":    strconv.FormatInt(refundReq.Amount, 10),
	}

	outcome := models.RefundSucceeded
	var compensation *models.FlowError
	switch {
	case refundErr == nil:
		o.record(models.StageFinalizing, "refund", "stripe:refunds", refundFields, result.Raw, nil, time.Since(started))
	case errors.Is(refundErr, stripe.ErrRefundUnavailable):
		outcome = models.RefundUnavailable
		compensation = &models.FlowError{
			Kind:    models.ErrKindCompensationFailure,
			Stage:   models.StageFinalizing,
			Message: "charge taken but refund capability is not configured, manual refund required",
			Err:     refundErr,
		}
		o.record(models.StageFinalizing, "refund", "stripe:refunds", refundFields, nil, compensation, time.Since(started))
	default:
		outcome = models.RefundFailed
		compensation = &models.FlowError{
			Kind:    models.ErrKindCompensationFailure,
			Stage:   models.StageFinalizing,
			Message: "refund attempt failed, manual refund required",
			Err:     refundErr,
		}
		o.record(models.StageFinalizing, "refund", "stripe:refunds", refundFields, errRaw(refundErr), compensation, time.Since(started))
	}

	o.recordJournal(models.RefundRecord{
		SessionID:  o.config.SessionID,
		Generation: gen,
		HoldUID:    hold.UID,
		IntentID:   refundReq.IntentID,
		Amount:     refundReq.Amount,
		Currency:   currency,
		Outcome:    outcome,
		Detail:     fe.Message,
	})

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.attempt.Generation != gen {
		o.logger.WithFields(logrus.Fields{
			"generation": gen,
			"outcome":    outcome,
		}).Warn("Attempt superseded during compensation, outcome recorded in journal only")
		return o.snapshotLocked(), ErrAttemptSuperseded
	}

	o.attempt.RefundOutcome = outcome
	o.attempt.Compensation = compensation
	o.attempt.Fail(fe)
	o.publishLocked()
	return o.snapshotLocked(), fe
}

// recordJournal persists a refund attempt if a journal is configured
func (o *FlowOrchestrator) recordJournal(rec models.RefundRecord) {
	if o.journal == nil {
		return
	}
	rec.CreatedAt = time.Now()
	if err := o.journal.Record(rec); err != nil {
		o.logger.WithFields(logrus.Fields{
			"session_id": rec.SessionID,
			"intent_id":  rec.IntentID,
		}).WithError(err).Error("Failed to journal refund attempt")
	}
}

// applyFailure moves the attempt to ERROR unless it was superseded mid-flight
func (o *FlowOrchestrator) applyFailure(gen uint64, fe *models.FlowError) (models.AttemptSnapshot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.attempt.Generation != gen {
		o.logger.WithField("generation", gen).Warn("Dropping stale failure")
		return o.snapshotLocked(), ErrAttemptSuperseded
	}

	o.attempt.Fail(fe)
	o.publishLocked()
	return o.snapshotLocked(), fe
}

// expiryGuardLocked rejects stage entry on an expired hold when enforcement
// is enabled. By default expiry is advisory only: the provider remains the
// authority and a stale hold surfaces as provider_rejected on the pre-check.
func (o *FlowOrchestrator) expiryGuardLocked(a *models.AttemptState) *models.FlowError {
	if !o.config.EnforceHoldExpiry || a.Hold == nil {
		return nil
	}
	if a.Hold.Expired(o.config.HoldTTL, time.Now()) {
		return stageGuardError(a.Stage, "hold has expired, start a new attempt")
	}
	return nil
}

// snapshotLocked builds a snapshot; callers hold o.mu
func (o *FlowOrchestrator) snapshotLocked() models.AttemptSnapshot {
	return o.attempt.Snapshot(o.config.HoldTTL, time.Now())
}

// publishLocked fans the current state out to subscribers; callers hold o.mu
func (o *FlowOrchestrator) publishLocked() {
	snap := o.snapshotLocked()
	for _, ch := range o.subs {
		select {
		case ch <- snap:
		default:
		}
	}
}

// callContext derives a per-call deadline from the request context
func (o *FlowOrchestrator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, o.config.CallTimeout)
}

// record appends one activity entry and mirrors it to the structured log
func (o *FlowOrchestrator) record(stage models.Stage, operation, target string, request map[string]string, response json.RawMessage, err error, duration time.Duration) {
	entry := models.ActivityEntry{
		Stage:      stage,
		Operation:  operation,
		Target:     target,
		Request:    request,
		Response:   response,
		DurationMS: duration.Milliseconds(),
	}

	fields := logrus.Fields{
		"session_id": o.config.SessionID,
		"stage":      stage,
		"operation":  operation,
		"target":     target,
	}

	if err != nil {
		entry.Error = err.Error()
		if fe, ok := models.AsFlowError(err); ok {
			entry.ErrorKind = fe.Kind
			fields["error_kind"] = fe.Kind
		}
		o.activity.Append(entry)
		o.logger.WithFields(fields).WithError(err).Error("Flow operation failed")
		return
	}

	o.activity.Append(entry)
	o.logger.WithFields(fields).Info("Flow operation succeeded")
}

// stageGuardError is a guard rejection: the operation is refused without a
// network call and the attempt state is left untouched.
func stageGuardError(stage models.Stage, message string) *models.FlowError {
	return models.NewValidationError(stage, message, nil)
}

// providerFlowError converts a booking provider error into a FlowError
func providerFlowError(stage models.Stage, message string, err error) *models.FlowError {
	var transport *eveve.TransportError
	if errors.As(err, &transport) {
		return &models.FlowError{Kind: models.ErrKindTransport, Stage: stage, Message: message, Err: err}
	}
	var api *eveve.APIError
	if errors.As(err, &api) {
		return &models.FlowError{Kind: models.ErrKindProviderRejected, Stage: stage, Message: message + ": " + api.Message, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &models.FlowError{Kind: models.ErrKindTransport, Stage: stage, Message: message, Err: err}
	}
	return &models.FlowError{Kind: models.ErrKindTransport, Stage: stage, Message: message, Err: err}
}

// processorFlowError converts a payment processor error into a FlowError
func processorFlowError(stage models.Stage, message string, err error) *models.FlowError {
	var card *stripe.CardError
	if errors.As(err, &card) {
		return &models.FlowError{Kind: models.ErrKindPaymentDeclined, Stage: stage, Message: message + ": " + card.Message, Err: err}
	}
	var transport *stripe.TransportError
	if errors.As(err, &transport) {
		return &models.FlowError{Kind: models.ErrKindTransport, Stage: stage, Message: message, Err: err}
	}
	var api *stripe.APIError
	if errors.As(err, &api) {
		return &models.FlowError{Kind: models.ErrKindPaymentDeclined, Stage: stage, Message: message + ": " + api.Message, Err: err}
	}
	return &models.FlowError{Kind: models.ErrKindTransport, Stage: stage, Message: message, Err: err}
}

// errRaw pulls the raw response body out of a typed client error for the log
func errRaw(err error) json.RawMessage {
	var eveveAPI *eveve.APIError
	if errors.As(err, &eveveAPI) {
		return eveveAPI.Raw
	}
	var cardErr *stripe.CardError
	if errors.As(err, &cardErr) {
		return cardErr.Raw
	}
	var stripeAPI *stripe.APIError
	if errors.As(err, &stripeAPI) {
		return stripeAPI.Raw
	}
	return nil
}

// holdFields flattens hold parameters for the activity log
func holdFields(p models.HoldParams) map[string]string {
	fields := map[string]string{
		"est":    p.Establishment,
		"covers": strconv.Itoa(p.Covers),
		"date":   p.Date,
		"time":   p.Time,
	}
	if p.Area != "" {
		fields["area"] = p.Area
	}
	return fields
}

// holdDescription builds the human-readable intent description sent on pi-get
func holdDescription(h *models.BookingHold) string {
	return fmt.Sprintf("Booking %s %s %s x%d", h.Establishment, h.Date, h.Time, h.Covers)
}

// decisionAmount resolves the charge amount from the decision payload,
// falling back to per-head arithmetic when the provider omits totals
func decisionAmount(d *eveve.DepositDecision, covers, perHead int64) int64 {
	if d.Total > 0 {
		return d.Total
	}
	if d.Amount > 0 {
		return d.Amount
	}
	return covers * perHead
}
