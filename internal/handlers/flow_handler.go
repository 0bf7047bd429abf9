package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/resdiag/flowprobe/internal/middleware"
	"github.com/resdiag/flowprobe/internal/models"
	"github.com/resdiag/flowprobe/internal/services"
)

// FlowHandler exposes the stage operations of the session's flow
type FlowHandler struct {
	logger *logrus.Logger
}

// NewFlowHandler creates a new flow handler
func NewFlowHandler(logger *logrus.Logger) *FlowHandler {
	return &FlowHandler{logger: logger}
}

// stateBody wraps a snapshot with display amounts. Minor units stay in the
// snapshot itself; major-unit strings exist only here, at the presentation
// boundary.
func stateBody(snap models.AttemptSnapshot) gin.H {
	body := gin.H{"state": snap}
	if snap.Payment.Amount > 0 {
		body["display_amount"] = fmt.Sprintf("%.2f", float64(snap.Payment.Amount)/100)
	}
	if snap.Hold != nil && snap.Hold.PerHead > 0 {
		body["display_per_head"] = fmt.Sprintf("%.2f", float64(snap.Hold.PerHead)/100)
	}
	return body
}

// respondError maps a flow failure onto an HTTP status. The snapshot is
// included so the caller always sees where the machine ended up.
func respondError(c *gin.Context, snap models.AttemptSnapshot, err error) {
	if errors.Is(err, services.ErrAttemptSuperseded) {
		body := stateBody(snap)
		body["error"] = "attempt was reset while the operation was in flight"
		c.JSON(http.StatusConflict, body)
		return
	}

	fe, ok := models.AsFlowError(err)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	body := stateBody(snap)
	body["error"] = fe.Message
	body["error_kind"] = fe.Kind
	if len(fe.Fields) > 0 {
		body["fields"] = fe.Fields
	}

	switch fe.Kind {
	case models.ErrKindValidation:
		c.JSON(http.StatusBadRequest, body)
	case models.ErrKindPaymentDeclined:
		c.JSON(http.StatusPaymentRequired, body)
	case models.ErrKindTransport, models.ErrKindProviderRejected:
		c.JSON(http.StatusBadGateway, body)
	default:
		// identifier_mismatch, compensation_failure
		c.JSON(http.StatusInternalServerError, body)
	}
}

func sessionOrAbort(c *gin.Context) (*services.Session, bool) {
	session, ok := middleware.GetSession(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no session on request"})
		return nil, false
	}
	return session, true
}

// Start begins a new attempt with a provisional hold
// POST /api/v1/flow/hold
func (h *FlowHandler) Start(c *gin.Context) {
	session, ok := sessionOrAbort(c)
	if !ok {
		return
	}

	var params models.HoldParams
	if err := c.ShouldBindJSON(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	snap, err := session.Orchestrator.StartAttempt(c.Request.Context(), params)
	if err != nil {
		respondError(c, snap, err)
		return
	}
	c.JSON(http.StatusOK, stateBody(snap))
}

// SaveDetails stores customer details on the attempt
// POST /api/v1/flow/details
func (h *FlowHandler) SaveDetails(c *gin.Context) {
	session, ok := sessionOrAbort(c)
	if !ok {
		return
	}

	var details models.CustomerDetails
	if err := c.ShouldBindJSON(&details); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	snap, err := session.Orchestrator.SaveDetails(c.Request.Context(), details)
	if err != nil {
		respondError(c, snap, err)
		return
	}
	c.JSON(http.StatusOK, stateBody(snap))
}

// PaymentKeys fetches the processor keys for the hold
// POST /api/v1/flow/payment-keys
func (h *FlowHandler) PaymentKeys(c *gin.Context) {
	session, ok := sessionOrAbort(c)
	if !ok {
		return
	}

	snap, err := session.Orchestrator.FetchPaymentKeys(c.Request.Context())
	if err != nil {
		respondError(c, snap, err)
		return
	}
	c.JSON(http.StatusOK, stateBody(snap))
}

// DepositDecision fetches the charge/no-charge classification
// POST /api/v1/flow/deposit-decision
func (h *FlowHandler) DepositDecision(c *gin.Context) {
	session, ok := sessionOrAbort(c)
	if !ok {
		return
	}

	snap, err := session.Orchestrator.FetchDepositDecision(c.Request.Context())
	if err != nil {
		respondError(c, snap, err)
		return
	}
	c.JSON(http.StatusOK, stateBody(snap))
}

// ConfirmCard confirms the card and attaches the intent to the hold
// POST /api/v1/flow/confirm-card
func (h *FlowHandler) ConfirmCard(c *gin.Context) {
	session, ok := sessionOrAbort(c)
	if !ok {
		return
	}

	var card models.CardInput
	if err := c.ShouldBindJSON(&card); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	snap, err := session.Orchestrator.ConfirmCard(c.Request.Context(), card)
	if err != nil {
		respondError(c, snap, err)
		return
	}
	c.JSON(http.StatusOK, stateBody(snap))
}

// Finalize commits the booking
// POST /api/v1/flow/finalize
func (h *FlowHandler) Finalize(c *gin.Context) {
	session, ok := sessionOrAbort(c)
	if !ok {
		return
	}

	snap, err := session.Orchestrator.Finalize(c.Request.Context())
	if err != nil {
		respondError(c, snap, err)
		return
	}
	c.JSON(http.StatusOK, stateBody(snap))
}

// Reset discards the attempt and returns a pristine state
// POST /api/v1/flow/reset
func (h *FlowHandler) Reset(c *gin.Context) {
	session, ok := sessionOrAbort(c)
	if !ok {
		return
	}

	snap := session.Orchestrator.Reset()
	c.JSON(http.StatusOK, stateBody(snap))
}

// State returns the current attempt snapshot
// GET /api/v1/flow/state
func (h *FlowHandler) State(c *gin.Context) {
	session, ok := sessionOrAbort(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, stateBody(session.Orchestrator.Snapshot()))
}
