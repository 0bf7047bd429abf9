// Package stripe is a minimal client for the two Stripe operations the flow
// needs: confirming a payment/setup intent with raw card details, and
// refunding a confirmed payment intent. It talks to the REST API directly
// with form-encoded bodies.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrRefundUnavailable means no secret key is configured, so server-side
// refunds cannot be issued. This is a distinct outcome, never a disguised
// success: callers must surface it as a compensation failure requiring
// manual follow-up.
var ErrRefundUnavailable = errors.New("refund unavailable: no secret key configured")

// Config holds configuration for the Stripe client
type Config struct {
	APIURL    string // defaults to https://api.stripe.com
	SecretKey string // optional; required only for Refund
	Timeout   time.Duration
}

// Client performs Stripe API calls
type Client struct {
	apiURL    string
	secretKey string
	client    *http.Client
	logger    *logrus.Logger
}

// NewClient creates a new Stripe client
func NewClient(cfg Config, logger *logrus.Logger) *Client {
	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = "https://api.stripe.com"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		apiURL:    apiURL,
		secretKey: cfg.SecretKey,
		client: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// CanRefund reports whether the client is configured for server-side refunds
func (c *Client) CanRefund() bool {
	return c.secretKey != ""
}

// TransportError is a network failure or timeout reaching Stripe
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("stripe: transport failure: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// CardError is a decline or processing error during confirmation
type CardError struct {
	Code        string
	DeclineCode string
	Message     string
	Raw         json.RawMessage
}

func (e *CardError) Error() string {
	if e.DeclineCode != "" {
		return fmt.Sprintf("stripe: card declined (%s/%s): %s", e.Code, e.DeclineCode, e.Message)
	}
	return fmt.Sprintf("stripe: card error (%s): %s", e.Code, e.Message)
}

// APIError is any other non-success response from Stripe
type APIError struct {
	Status  int
	Type    string
	Message string
	Raw     json.RawMessage
}

func (e *APIError) Error() string {
	return fmt.Sprintf("stripe: api error (%d %s): %s", e.Status, e.Type, e.Message)
}

// Card is raw card data for confirmation
type Card struct {
	Number   string
	ExpMonth string
	ExpYear  string
	CVC      string
}

// BillingDetails accompany the payment method
type BillingDetails struct {
	Name  string
	Email string
	Phone string
}

// ConfirmRequest confirms one intent. The client secret determines both the
// endpoint (payment vs setup intent) and the intent identifier; the
// publishable key authenticates the call, mirroring a browser-side
// confirmation.
type ConfirmRequest struct {
	ClientSecret   string
	PublishableKey string
	Card           Card
	Billing        BillingDetails
}

// IntentResult is the outcome of a successful confirmation. IntentID is the
// handle for the charge-or-store operation; MethodRef is the card handle.
// Only the intent identifier is ever forwarded to the booking provider.
type IntentResult struct {
	IntentID  string
	MethodRef string
	Status    string
	Raw       json.RawMessage
}

// stripeErrorBody is the error envelope Stripe wraps failures in
type stripeErrorBody struct {
	Error struct {
		Type        string `json:"type"`
		Code        string `json:"code"`
		DeclineCode string `json:"decline_code"`
		Message     string `json:"message"`
	} `json:"error"`
}

// intentBody is the subset of the intent object the flow needs
type intentBody struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PaymentMethod string `json:"payment_method"`
}

// Confirm confirms the intent referenced by the client secret with the given
// card. A pi_ secret charges now; a seti_ secret stores the card for later.
func (c *Client) Confirm(ctx context.Context, req ConfirmRequest) (*IntentResult, error) {
	kind, intentID, err := parseClientSecret(req.ClientSecret)
	if err != nil {
		return nil, &APIError{Status: 0, Type: "invalid_request", Message: err.Error()}
	}

	var path string
	switch kind {
	case "payment":
		path = fmt.Sprintf("/v1/payment_intents/%s/confirm", intentID)
	case "setup":
		path = fmt.Sprintf("/v1/setup_intents/%s/confirm", intentID)
	}

	form := url.Values{}
	form.Set("client_secret", req.ClientSecret)
	form.Set("payment_method_data[type]", "card")
	form.Set("payment_method_data[card][number]", strings.ReplaceAll(req.Card.Number, " ", ""))
	form.Set("payment_method_data[card][exp_month]", req.Card.ExpMonth)
	form.Set("payment_method_data[card][exp_year]", req.Card.ExpYear)
	form.Set("payment_method_data[card][cvc]", req.Card.CVC)
	if req.Billing.Name != "" {
		form.Set("payment_method_data[billing_details][name]", req.Billing.Name)
	}
	if req.Billing.Email != "" {
		form.Set("payment_method_data[billing_details][email]", req.Billing.Email)
	}
	if req.Billing.Phone != "" {
		form.Set("payment_method_data[billing_details][phone]", req.Billing.Phone)
	}

	c.logger.WithFields(logrus.Fields{
		"intent_id": intentID,
		"kind":      kind,
	}).Info("Confirming Stripe intent")

	body, status, err := c.post(ctx, path, req.PublishableKey, form)
	if err != nil {
		return nil, err
	}

	if status != http.StatusOK {
		var errBody stripeErrorBody
		if jsonErr := json.Unmarshal(body, &errBody); jsonErr == nil && errBody.Error.Type != "" {
			if errBody.Error.Type == "card_error" {
				return nil, &CardError{
					Code:        errBody.Error.Code,
					DeclineCode: errBody.Error.DeclineCode,
					Message:     errBody.Error.Message,
					Raw:         body,
				}
			}
			return nil, &APIError{Status: status, Type: errBody.Error.Type, Message: errBody.Error.Message, Raw: body}
		}
		return nil, &APIError{Status: status, Type: "unknown", Message: string(body), Raw: body}
	}

	var intent intentBody
	if err := json.Unmarshal(body, &intent); err != nil {
		return nil, &APIError{Status: status, Type: "unparseable", Message: "unparseable intent object", Raw: body}
	}

	// Anything short of a terminal success (3DS challenges, async processing)
	// is treated as a processing failure, the probe has no redirect surface.
	if intent.Status != "succeeded" && intent.Status != "requires_capture" {
		return nil, &CardError{
			Code:    "intent_not_succeeded",
			Message: fmt.Sprintf("intent finished in status %q", intent.Status),
			Raw:     body,
		}
	}

	return &IntentResult{
		IntentID:  intent.ID,
		MethodRef: intent.PaymentMethod,
		Status:    intent.Status,
		Raw:       body,
	}, nil
}

// RefundRequest refunds a confirmed payment intent, fully when Amount is 0
type RefundRequest struct {
	IntentID string
	Amount   int64 // minor currency units; 0 means full refund
}

// RefundResult is the outcome of a refund call
type RefundResult struct {
	RefundID string
	Status   string
	Raw      json.RawMessage
}

// Refund issues a refund against a payment intent. Requires the secret key;
// without one the call fails with ErrRefundUnavailable before any network
// activity.
func (c *Client) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if c.secretKey == "" {
		return nil, ErrRefundUnavailable
	}

	form := url.Values{}
	form.Set("payment_intent", req.IntentID)
	if req.Amount > 0 {
		form.Set("amount", strconv.FormatInt(req.Amount, 10))
	}

	c.logger.WithFields(logrus.Fields{
		"intent_id": req.IntentID,
		"amount":    req.Amount,
	}).Warn("Issuing Stripe refund")

	body, status, err := c.post(ctx, "/v1/refunds", c.secretKey, form)
	if err != nil {
		return nil, err
	}

	if status != http.StatusOK {
		var errBody stripeErrorBody
		if jsonErr := json.Unmarshal(body, &errBody); jsonErr == nil && errBody.Error.Type != "" {
			return nil, &APIError{Status: status, Type: errBody.Error.Type, Message: errBody.Error.Message, Raw: body}
		}
		return nil, &APIError{Status: status, Type: "unknown", Message: string(body), Raw: body}
	}

	var refund struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &refund); err != nil {
		return nil, &APIError{Status: status, Type: "unparseable", Message: "unparseable refund object", Raw: body}
	}

	if refund.Status != "succeeded" && refund.Status != "pending" {
		return nil, &APIError{Status: status, Type: "refund_failed", Message: fmt.Sprintf("refund finished in status %q", refund.Status), Raw: body}
	}

	return &RefundResult{RefundID: refund.ID, Status: refund.Status, Raw: body}, nil
}

// post sends a form-encoded POST with bearer auth and returns the body and status
func (c *Client) post(ctx context.Context, path, key string, form url.Values) (json.RawMessage, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, &TransportError{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, &TransportError{Err: err}
	}

	return body, resp.StatusCode, nil
}

// parseClientSecret splits <intent_id>_secret_<nonce> and classifies the id
func parseClientSecret(secret string) (kind, intentID string, err error) {
	parts := strings.SplitN(secret, "_secret_", 2)
	if len(parts) != 2 || parts[0] == "" {
		return "", "", fmt.Errorf("malformed client secret")
	}
	switch {
	case strings.HasPrefix(parts[0], "pi_"):
		return "payment", parts[0], nil
	case strings.HasPrefix(parts[0], "seti_"):
		return "setup", parts[0], nil
	default:
		return "", "", fmt.Errorf("unrecognized client secret prefix")
	}
}
