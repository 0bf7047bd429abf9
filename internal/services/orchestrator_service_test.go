package services

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resdiag/flowprobe/internal/models"
	"github.com/resdiag/flowprobe/pkg/eveve"
	"github.com/resdiag/flowprobe/pkg/stripe"
)

type stubProvider struct {
	mu sync.Mutex

	holdResult *eveve.HoldResult
	holdErr    error
	holdCalls  int

	// holdStarted is closed when a hold call arrives; holdRelease parks the
	// call until closed. Both nil outside the in-flight tests.
	holdStarted chan struct{}
	holdRelease chan struct{}

	keysResult *eveve.PaymentKeys
	keysErr    error
	keysCalls  int

	decisionResult *eveve.DepositDecision
	decisionErr    error
	decisionCalls  int

	restoreErr   error
	restoreCalls int

	attachErr   error
	attachCalls int
	lastAttach  eveve.AttachRequest

	finalizeErr   error
	finalizeCalls int
	lastFinalize  eveve.UpdateRequest
}

func (p *stubProvider) CreateHold(ctx context.Context, req eveve.HoldRequest) (*eveve.HoldResult, error) {
	p.mu.Lock()
	p.holdCalls++
	started := p.holdStarted
	p.holdStarted = nil
	release := p.holdRelease
	result := p.holdResult
	err := p.holdErr
	p.mu.Unlock()

	if started != nil {
		close(started)
	}
	if release != nil {
		<-release
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (p *stubProvider) FetchPaymentKeys(ctx context.Context, req eveve.KeysRequest) (*eveve.PaymentKeys, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keysCalls++
	if p.keysErr != nil {
		return nil, p.keysErr
	}
	return p.keysResult, nil
}

func (p *stubProvider) FetchDepositDecision(ctx context.Context, req eveve.DecisionRequest) (*eveve.DepositDecision, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.decisionCalls++
	if p.decisionErr != nil {
		return nil, p.decisionErr
	}
	return p.decisionResult, nil
}

func (p *stubProvider) ValidateHold(ctx context.Context, req eveve.RestoreRequest) (*eveve.RestoreResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.restoreCalls++
	if p.restoreErr != nil {
		return nil, p.restoreErr
	}
	return &eveve.RestoreResult{OK: true}, nil
}

func (p *stubProvider) AttachPaymentMethod(ctx context.Context, req eveve.AttachRequest) (*eveve.AttachResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attachCalls++
	p.lastAttach = req
	if p.attachErr != nil {
		return nil, p.attachErr
	}
	return &eveve.AttachResult{OK: true}, nil
}

func (p *stubProvider) Finalize(ctx context.Context, req eveve.UpdateRequest) (*eveve.UpdateResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finalizeCalls++
	p.lastFinalize = req
	if p.finalizeErr != nil {
		return nil, p.finalizeErr
	}
	return &eveve.UpdateResult{OK: true}, nil
}

type stubProcessor struct {
	mu sync.Mutex

	confirmResult *stripe.IntentResult
	confirmErr    error
	confirmCalls  int

	refundErr   error
	refundCalls int
	lastRefund  stripe.RefundRequest
}

func (p *stubProcessor) Confirm(ctx context.Context, req stripe.ConfirmRequest) (*stripe.IntentResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.confirmCalls++
	if p.confirmErr != nil {
		return nil, p.confirmErr
	}
	return p.confirmResult, nil
}

func (p *stubProcessor) Refund(ctx context.Context, req stripe.RefundRequest) (*stripe.RefundResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refundCalls++
	p.lastRefund = req
	if p.refundErr != nil {
		return nil, p.refundErr
	}
	return &stripe.RefundResult{RefundID: "re_1", Status: "succeeded"}, nil
}

type stubJournal struct {
	mu      sync.Mutex
	records []models.RefundRecord
}

func (j *stubJournal) Record(rec models.RefundRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, rec)
	return nil
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestOrchestrator(provider *stubProvider, processor *stubProcessor, journal CompensationJournal) *FlowOrchestrator {
	return NewFlowOrchestrator(provider, processor, NewActivityLog(100), journal, FlowConfig{
		SessionID:   "test-session",
		HoldTTL:     3 * time.Minute,
		CallTimeout: time.Second,
		Language:    "en",
	}, testLogger())
}

func depositProvider() *stubProvider {
	return &stubProvider{
		holdResult: &eveve.HoldResult{OK: true, UID: 42015, Created: 1700000000, Card: 2, PerHead: 3000},
		keysResult: &eveve.PaymentKeys{
			ClientSecret:   "pi_3Test_secret_abc",
			PublishableKey: "pk_test_key",
			CustomerRef:    "cus_1",
		},
		decisionResult: &eveve.DepositDecision{OK: true, Code: 2, Total: 30000, Currency: "nzd"},
	}
}

func testDetails() models.CustomerDetails {
	return models.CustomerDetails{
		FirstName: "Ana",
		LastName:  "Reed",
		Email:     "ana.reed@example.com",
		Phone:     "0211234567",
	}
}

func testCard() models.CardInput {
	return models.CardInput{Number: "4242424242424242", ExpMonth: "12", ExpYear: "2030", CVC: "123"}
}

func TestStartAttempt_InvalidParamsRejectedBeforeNetwork(t *testing.T) {
	provider := depositProvider()
	orch := newTestOrchestrator(provider, &stubProcessor{}, nil)

	_, err := orch.StartAttempt(context.Background(), models.HoldParams{})
	require.Error(t, err)

	fe, ok := models.AsFlowError(err)
	require.True(t, ok)
	assert.Equal(t, models.ErrKindValidation, fe.Kind)
	assert.Equal(t, 0, provider.holdCalls)
	assert.Equal(t, models.StageIdle, orch.Snapshot().Stage)
}

func TestCardFreeBooking_FinalizesWithoutPaymentStages(t *testing.T) {
	provider := depositProvider()
	provider.holdResult = &eveve.HoldResult{OK: true, UID: 42001, Created: 1700000000, Card: 0}
	processor := &stubProcessor{}
	orch := newTestOrchestrator(provider, processor, nil)

	snap, err := orch.StartAttempt(context.Background(), models.HoldParams{
		Establishment: "TestRest", Covers: 2, Date: "2026-09-20", Time: "19:00",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StageCollectingDetails, snap.Stage)
	assert.Equal(t, models.CardNone, snap.Hold.CardRequirement)

	snap, err = orch.SaveDetails(context.Background(), testDetails())
	require.NoError(t, err)
	assert.Equal(t, models.StageCollectingDetails, snap.Stage, "no card needed, payment setup skipped")

	snap, err = orch.Finalize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.StageCompleted, snap.Stage)

	assert.Equal(t, 0, processor.confirmCalls)
	assert.Equal(t, 0, provider.keysCalls)
	assert.Equal(t, 1, provider.finalizeCalls)
	assert.Equal(t, "Ana", provider.lastFinalize.FirstName)
}

func TestDepositBooking_HappyPath(t *testing.T) {
	provider := depositProvider()
	processor := &stubProcessor{
		confirmResult: &stripe.IntentResult{IntentID: "pi_3Test", MethodRef: "pm_1Card", Status: "succeeded"},
	}
	orch := newTestOrchestrator(provider, processor, nil)

	_, err := orch.StartAttempt(context.Background(), models.HoldParams{
		Establishment: "TestRest", Covers: 4, Date: "2026-09-20", Time: "19:00",
	})
	require.NoError(t, err)

	snap, err := orch.SaveDetails(context.Background(), testDetails())
	require.NoError(t, err)
	assert.Equal(t, models.StageAwaitingPaymentSetup, snap.Stage)

	snap, err = orch.FetchPaymentKeys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.StageAwaitingPaymentSetup, snap.Stage, "decision still pending")
	assert.Equal(t, "pk_test_key", snap.Payment.PublishableKey)

	snap, err = orch.FetchDepositDecision(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.StageEnteringCard, snap.Stage)
	assert.Equal(t, models.ClassificationDeposit, snap.Payment.Classification)
	assert.Equal(t, int64(30000), snap.Payment.Amount)

	snap, err = orch.ConfirmCard(context.Background(), testCard())
	require.NoError(t, err)
	assert.Equal(t, models.StageCardConfirmed, snap.Stage)
	assert.Equal(t, "pi_3Test", snap.IntentID)
	assert.Equal(t, "pm_1Card", snap.MethodRef)
	assert.Equal(t, "pi_3Test", provider.lastAttach.MethodRef, "intent identifier goes on the wire, never pm_")
	assert.Equal(t, int64(30000), provider.lastAttach.Total)

	snap, err = orch.Finalize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.StageCompleted, snap.Stage)
	assert.Equal(t, 0, processor.refundCalls)
}

func TestNoShowBooking_NeverRefunds(t *testing.T) {
	provider := depositProvider()
	provider.holdResult = &eveve.HoldResult{OK: true, UID: 42023, Created: 1700000000, Card: 1, PerHead: 2000}
	provider.keysResult = &eveve.PaymentKeys{
		ClientSecret:   "seti_1Test_secret_abc",
		PublishableKey: "pk_test_key",
	}
	provider.decisionResult = &eveve.DepositDecision{OK: true, Code: 1, Total: 4000}
	provider.finalizeErr = &eveve.APIError{Endpoint: "update", Message: "finalize rejected by provider"}
	processor := &stubProcessor{
		confirmResult: &stripe.IntentResult{IntentID: "seti_1Test", MethodRef: "pm_1Card", Status: "succeeded"},
	}
	orch := newTestOrchestrator(provider, processor, nil)

	_, err := orch.StartAttempt(context.Background(), models.HoldParams{
		Establishment: "TestRest", Covers: 2, Date: "2026-09-20", Time: "20:00",
	})
	require.NoError(t, err)
	_, err = orch.SaveDetails(context.Background(), testDetails())
	require.NoError(t, err)
	_, err = orch.FetchPaymentKeys(context.Background())
	require.NoError(t, err)

	snap, err := orch.FetchDepositDecision(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.ClassificationNoShow, snap.Payment.Classification)

	_, err = orch.ConfirmCard(context.Background(), testCard())
	require.NoError(t, err)

	snap, err = orch.Finalize(context.Background())
	require.Error(t, err)
	assert.Equal(t, models.StageError, snap.Stage)
	assert.Equal(t, 0, processor.refundCalls, "stored card took no money, nothing to refund")
	assert.Equal(t, models.RefundNotAttempted, snap.RefundOutcome)
	assert.Nil(t, snap.Compensation)
}

func TestConfirmCard_DeclineFailsWithoutAttach(t *testing.T) {
	provider := depositProvider()
	processor := &stubProcessor{
		confirmErr: &stripe.CardError{Code: "card_declined", DeclineCode: "insufficient_funds", Message: "Your card was declined."},
	}
	orch := newTestOrchestrator(provider, processor, nil)

	advanceToCardEntry(t, orch)

	snap, err := orch.ConfirmCard(context.Background(), testCard())
	require.Error(t, err)

	fe, ok := models.AsFlowError(err)
	require.True(t, ok)
	assert.Equal(t, models.ErrKindPaymentDeclined, fe.Kind)
	assert.Equal(t, models.StageError, snap.Stage)
	assert.Equal(t, models.StageEnteringCard, snap.LastGoodStage)
	assert.Equal(t, 0, provider.attachCalls)
	assert.Empty(t, snap.IntentID)

	// A declined card must not be finalizable
	_, err = orch.Finalize(context.Background())
	require.Error(t, err)
	fe, _ = models.AsFlowError(err)
	assert.Equal(t, models.ErrKindValidation, fe.Kind)
	assert.Equal(t, 0, provider.finalizeCalls)
}

func TestConfirmCard_IdentifierMismatchFailsBeforeAttach(t *testing.T) {
	provider := depositProvider()
	// A processor that hands back a payment-method handle where the intent
	// identifier belongs reproduces the integration bug the guard catches.
	processor := &stubProcessor{
		confirmResult: &stripe.IntentResult{IntentID: "pm_1Wrong", MethodRef: "pm_1Wrong", Status: "succeeded"},
	}
	orch := newTestOrchestrator(provider, processor, nil)

	advanceToCardEntry(t, orch)

	snap, err := orch.ConfirmCard(context.Background(), testCard())
	require.Error(t, err)

	fe, ok := models.AsFlowError(err)
	require.True(t, ok)
	assert.Equal(t, models.ErrKindIdentifierMismatch, fe.Kind)
	assert.Equal(t, 0, provider.attachCalls, "nothing goes on the wire after the guard trips")
	assert.Equal(t, models.StageError, snap.Stage)
}

func TestConfirmCard_AttachRetrySkipsReconfirmation(t *testing.T) {
	provider := depositProvider()
	provider.attachErr = &eveve.TransportError{Endpoint: "pm-id", Err: errors.New("connection reset")}
	processor := &stubProcessor{
		confirmResult: &stripe.IntentResult{IntentID: "pi_3Test", MethodRef: "pm_1Card", Status: "succeeded"},
	}
	orch := newTestOrchestrator(provider, processor, nil)

	advanceToCardEntry(t, orch)

	snap, err := orch.ConfirmCard(context.Background(), testCard())
	require.Error(t, err)
	assert.Equal(t, models.StageError, snap.Stage)
	assert.Equal(t, "pi_3Test", snap.IntentID, "intent survives the attach failure")
	assert.Equal(t, 1, processor.confirmCalls)

	provider.mu.Lock()
	provider.attachErr = nil
	provider.mu.Unlock()

	snap, err = orch.ConfirmCard(context.Background(), testCard())
	require.NoError(t, err)
	assert.Equal(t, models.StageCardConfirmed, snap.Stage)
	assert.Equal(t, 1, processor.confirmCalls, "retry must not charge twice")
	assert.Equal(t, 2, provider.attachCalls)
}

func TestFinalizeFailureAfterCharge_RefundsExactlyOnce(t *testing.T) {
	provider := depositProvider()
	provider.finalizeErr = &eveve.APIError{Endpoint: "update", Message: "finalize rejected by provider"}
	processor := &stubProcessor{
		confirmResult: &stripe.IntentResult{IntentID: "pi_3Test", MethodRef: "pm_1Card", Status: "succeeded"},
	}
	journal := &stubJournal{}
	orch := newTestOrchestrator(provider, processor, journal)

	advanceToCardEntry(t, orch)
	_, err := orch.ConfirmCard(context.Background(), testCard())
	require.NoError(t, err)

	snap, err := orch.Finalize(context.Background())
	require.Error(t, err)

	fe, ok := models.AsFlowError(err)
	require.True(t, ok)
	assert.Equal(t, models.ErrKindProviderRejected, fe.Kind, "surfaced error is the finalize failure, not the refund")

	assert.Equal(t, models.StageError, snap.Stage)
	assert.Equal(t, 1, processor.refundCalls)
	assert.Equal(t, "pi_3Test", processor.lastRefund.IntentID, "refund references the intent, never the card handle")
	assert.Equal(t, int64(30000), processor.lastRefund.Amount)
	assert.Equal(t, models.RefundSucceeded, snap.RefundOutcome)
	assert.Nil(t, snap.Compensation)

	require.Len(t, journal.records, 1)
	assert.Equal(t, "pi_3Test", journal.records[0].IntentID)
	assert.Equal(t, models.RefundSucceeded, journal.records[0].Outcome)

	// A finalize retry that fails again must not refund a second time
	snap, err = orch.Finalize(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, processor.refundCalls, "exactly one refund per attempt")
	assert.Len(t, journal.records, 1)

	// And a retry that succeeds still completes the booking
	provider.mu.Lock()
	provider.finalizeErr = nil
	provider.mu.Unlock()
	snap, err = orch.Finalize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.StageCompleted, snap.Stage)
}

func TestFinalizeFailureAfterCharge_RefundUnavailable(t *testing.T) {
	provider := depositProvider()
	provider.finalizeErr = &eveve.APIError{Endpoint: "update", Message: "finalize rejected by provider"}
	processor := &stubProcessor{
		confirmResult: &stripe.IntentResult{IntentID: "pi_3Test", MethodRef: "pm_1Card", Status: "succeeded"},
		refundErr:     stripe.ErrRefundUnavailable,
	}
	journal := &stubJournal{}
	orch := newTestOrchestrator(provider, processor, journal)

	advanceToCardEntry(t, orch)
	_, err := orch.ConfirmCard(context.Background(), testCard())
	require.NoError(t, err)

	snap, err := orch.Finalize(context.Background())
	require.Error(t, err)

	assert.Equal(t, models.RefundUnavailable, snap.RefundOutcome)
	require.NotNil(t, snap.Compensation)
	assert.Equal(t, models.ErrKindCompensationFailure, snap.Compensation.Kind)

	require.Len(t, journal.records, 1)
	assert.Equal(t, models.RefundUnavailable, journal.records[0].Outcome)
}

func TestFinalizeFailureAfterCharge_RefundFailed(t *testing.T) {
	provider := depositProvider()
	provider.finalizeErr = &eveve.APIError{Endpoint: "update", Message: "finalize rejected by provider"}
	processor := &stubProcessor{
		confirmResult: &stripe.IntentResult{IntentID: "pi_3Test", MethodRef: "pm_1Card", Status: "succeeded"},
		refundErr:     &stripe.APIError{Status: 500, Type: "api_error", Message: "refund failed"},
	}
	orch := newTestOrchestrator(provider, processor, nil)

	advanceToCardEntry(t, orch)
	_, err := orch.ConfirmCard(context.Background(), testCard())
	require.NoError(t, err)

	snap, err := orch.Finalize(context.Background())
	require.Error(t, err)

	assert.Equal(t, models.RefundFailed, snap.RefundOutcome)
	require.NotNil(t, snap.Compensation)
	assert.Equal(t, models.ErrKindCompensationFailure, snap.Compensation.Kind)
}

func TestFetchPaymentKeys_IdempotentSecret(t *testing.T) {
	provider := depositProvider()
	orch := newTestOrchestrator(provider, &stubProcessor{}, nil)

	advanceToPaymentSetup(t, orch)

	snap, err := orch.FetchPaymentKeys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pk_test_key", snap.Payment.PublishableKey)

	provider.mu.Lock()
	provider.keysResult = &eveve.PaymentKeys{
		ClientSecret:   "pi_9Other_secret_zzz",
		PublishableKey: "pk_other_key",
	}
	provider.mu.Unlock()

	snap, err = orch.FetchPaymentKeys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, provider.keysCalls)
	assert.Equal(t, "pk_test_key", snap.Payment.PublishableKey, "secret is set once per attempt and kept")
}

func TestFetchPaymentKeys_TransientFailureRetriesInPlace(t *testing.T) {
	provider := depositProvider()
	provider.keysErr = &eveve.TransportError{Endpoint: "pi-get", Err: errors.New("timeout")}
	orch := newTestOrchestrator(provider, &stubProcessor{}, nil)

	advanceToPaymentSetup(t, orch)

	snap, err := orch.FetchPaymentKeys(context.Background())
	require.Error(t, err)
	fe, _ := models.AsFlowError(err)
	assert.Equal(t, models.ErrKindTransport, fe.Kind)
	assert.Equal(t, models.StageError, snap.Stage)

	provider.mu.Lock()
	provider.keysErr = nil
	provider.mu.Unlock()

	snap, err = orch.FetchPaymentKeys(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, models.StageError, snap.Stage)
	assert.True(t, snap.Payment.PublishableKey != "")
}

func TestStageGuards_RejectOutOfOrderOperations(t *testing.T) {
	provider := depositProvider()
	orch := newTestOrchestrator(provider, &stubProcessor{}, nil)

	_, err := orch.FetchPaymentKeys(context.Background())
	require.Error(t, err)
	fe, _ := models.AsFlowError(err)
	assert.Equal(t, models.ErrKindValidation, fe.Kind)

	_, err = orch.FetchDepositDecision(context.Background())
	require.Error(t, err)

	_, err = orch.ConfirmCard(context.Background(), testCard())
	require.Error(t, err)

	_, err = orch.Finalize(context.Background())
	require.Error(t, err)

	assert.Equal(t, 0, provider.keysCalls)
	assert.Equal(t, 0, provider.decisionCalls)
	assert.Equal(t, 0, provider.finalizeCalls)
	assert.Equal(t, models.StageIdle, orch.Snapshot().Stage, "guard rejections leave the state untouched")
}

func TestDepositDecision_RequiresKeysFirst(t *testing.T) {
	provider := depositProvider()
	orch := newTestOrchestrator(provider, &stubProcessor{}, nil)

	advanceToPaymentSetup(t, orch)

	_, err := orch.FetchDepositDecision(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, provider.decisionCalls)

	_, err = orch.FetchPaymentKeys(context.Background())
	require.NoError(t, err)
	_, err = orch.FetchDepositDecision(context.Background())
	require.NoError(t, err)
}

func TestReset_ProducesPristineState(t *testing.T) {
	provider := depositProvider()
	orch := newTestOrchestrator(provider, &stubProcessor{}, nil)

	advanceToPaymentSetup(t, orch)
	before := orch.Snapshot()
	require.NotNil(t, before.Hold)

	snap := orch.Reset()
	assert.Equal(t, models.StageIdle, snap.Stage)
	assert.Nil(t, snap.Hold)
	assert.Nil(t, snap.Details)
	assert.Empty(t, snap.IntentID)
	assert.Greater(t, snap.Generation, before.Generation)
}

func TestReset_DuringInFlightHoldDropsResult(t *testing.T) {
	provider := depositProvider()
	provider.holdStarted = make(chan struct{})
	provider.holdRelease = make(chan struct{})
	orch := newTestOrchestrator(provider, &stubProcessor{}, nil)

	type startResult struct {
		snap models.AttemptSnapshot
		err  error
	}
	done := make(chan startResult, 1)
	go func() {
		snap, err := orch.StartAttempt(context.Background(), models.HoldParams{
			Establishment: "TestRest", Covers: 2, Date: "2026-09-20", Time: "19:00",
		})
		done <- startResult{snap: snap, err: err}
	}()

	<-provider.holdStarted
	resetSnap := orch.Reset()
	assert.Equal(t, models.StageIdle, resetSnap.Stage)
	close(provider.holdRelease)

	res := <-done
	require.ErrorIs(t, res.err, ErrAttemptSuperseded)
	assert.Equal(t, models.StageIdle, res.snap.Stage)
	assert.Nil(t, res.snap.Hold)
	assert.Equal(t, resetSnap.Generation, res.snap.Generation)

	// The dropped result must not have leaked into the fresh attempt
	final := orch.Snapshot()
	assert.Equal(t, models.StageIdle, final.Stage)
	assert.Nil(t, final.Hold)
	assert.Equal(t, resetSnap.Generation, final.Generation)
}

func TestEnforceHoldExpiry_BlocksStageEntry(t *testing.T) {
	provider := depositProvider()
	orch := NewFlowOrchestrator(provider, &stubProcessor{}, NewActivityLog(100), nil, FlowConfig{
		SessionID:         "test-session",
		HoldTTL:           time.Nanosecond,
		CallTimeout:       time.Second,
		EnforceHoldExpiry: true,
		Language:          "en",
	}, testLogger())

	_, err := orch.StartAttempt(context.Background(), models.HoldParams{
		Establishment: "TestRest", Covers: 2, Date: "2026-09-20", Time: "19:00",
	})
	require.NoError(t, err)

	time.Sleep(time.Millisecond)

	_, err = orch.SaveDetails(context.Background(), testDetails())
	require.Error(t, err)
	fe, _ := models.AsFlowError(err)
	assert.Equal(t, models.ErrKindValidation, fe.Kind)
	assert.Contains(t, fe.Message, "expired")
}

func TestActivityLog_RecordsEveryCall(t *testing.T) {
	provider := depositProvider()
	processor := &stubProcessor{
		confirmResult: &stripe.IntentResult{IntentID: "pi_3Test", MethodRef: "pm_1Card", Status: "succeeded"},
	}
	orch := newTestOrchestrator(provider, processor, nil)

	advanceToCardEntry(t, orch)
	_, err := orch.ConfirmCard(context.Background(), testCard())
	require.NoError(t, err)
	_, err = orch.Finalize(context.Background())
	require.NoError(t, err)

	entries := orch.Activity().Entries()
	require.NotEmpty(t, entries)

	ops := make(map[string]int)
	for _, e := range entries {
		ops[e.Operation]++
		assert.NotEmpty(t, e.Target)
	}
	assert.Equal(t, 1, ops["create-hold"])
	assert.Equal(t, 1, ops["fetch-payment-keys"])
	assert.Equal(t, 1, ops["fetch-deposit-decision"])
	assert.Equal(t, 1, ops["confirm-intent"])
	assert.Equal(t, 1, ops["attach-method"])
	assert.Equal(t, 1, ops["finalize"])
	assert.Equal(t, 2, ops["validate-hold"], "freshness pre-check before confirm and finalize")

	// The raw card number never reaches the log
	for _, e := range entries {
		for _, v := range e.Request {
			assert.NotContains(t, v, "4242424242424242")
		}
	}
}

func TestSubscribe_ReceivesStateChanges(t *testing.T) {
	provider := depositProvider()
	orch := newTestOrchestrator(provider, &stubProcessor{}, nil)

	ch, cancel := orch.Subscribe()
	defer cancel()

	_, err := orch.StartAttempt(context.Background(), models.HoldParams{
		Establishment: "TestRest", Covers: 2, Date: "2026-09-20", Time: "19:00",
	})
	require.NoError(t, err)

	// StartAttempt publishes twice: entering HOLDING, then the hold result
	first := <-ch
	assert.Equal(t, models.StageHolding, first.Stage)
	second := <-ch
	assert.Equal(t, models.StageCollectingDetails, second.Stage)
}

// advanceToPaymentSetup drives a fresh orchestrator to AWAITING_PAYMENT_SETUP
func advanceToPaymentSetup(t *testing.T, orch *FlowOrchestrator) {
	t.Helper()
	_, err := orch.StartAttempt(context.Background(), models.HoldParams{
		Establishment: "TestRest", Covers: 4, Date: "2026-09-20", Time: "19:00",
	})
	require.NoError(t, err)
	_, err = orch.SaveDetails(context.Background(), testDetails())
	require.NoError(t, err)
}

// advanceToCardEntry drives a fresh orchestrator to ENTERING_CARD
func advanceToCardEntry(t *testing.T, orch *FlowOrchestrator) {
	t.Helper()
	advanceToPaymentSetup(t, orch)
	_, err := orch.FetchPaymentKeys(context.Background())
	require.NoError(t, err)
	_, err = orch.FetchDepositDecision(context.Background())
	require.NoError(t, err)
}
