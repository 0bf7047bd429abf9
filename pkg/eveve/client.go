// Package eveve is a thin client for the Eveve restaurant booking REST API.
// All endpoints are HTTP GET with query-string parameters and JSON responses.
// Responses are normalized into stable structs at this boundary so callers
// never branch on provider field-name drift.
package eveve

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds configuration for the Eveve client
type Config struct {
	BaseURL string // e.g. https://nz6.eveve.com
	Timeout time.Duration
}

// Client performs Eveve API calls
type Client struct {
	baseURL string
	client  *http.Client
	logger  *logrus.Logger
}

// NewClient creates a new Eveve client
func NewClient(cfg Config, logger *logrus.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		client: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// TransportError is a network failure or timeout reaching the provider
type TransportError struct {
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("eveve %s: transport failure: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// APIError means the provider responded but signalled failure (ok:false, a
// non-200 status, or a payload missing expected fields)
type APIError struct {
	Endpoint string
	Message  string
	Raw      json.RawMessage
}

func (e *APIError) Error() string {
	return fmt.Sprintf("eveve %s: %s", e.Endpoint, e.Message)
}

// get performs a GET against baseURL/web/<endpoint>?<params> and returns the
// raw body. Non-200 statuses and network errors are converted to the typed
// errors above.
func (c *Client) get(ctx context.Context, endpoint string, params url.Values) (json.RawMessage, error) {
	reqURL := fmt.Sprintf("%s/web/%s?%s", c.baseURL, endpoint, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &TransportError{Endpoint: endpoint, Err: err}
	}

	c.logger.WithFields(logrus.Fields{
		"endpoint": endpoint,
		"url":      reqURL,
	}).Debug("Calling Eveve")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransportError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Endpoint: endpoint, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{
			Endpoint: endpoint,
			Message:  fmt.Sprintf("provider returned status %d", resp.StatusCode),
			Raw:      body,
		}
	}

	return body, nil
}

// HoldRequest holds the parameters for the hold endpoint
type HoldRequest struct {
	Establishment string
	Covers        int
	Date          string
	Time          string
	Area          string // optional
}

// HoldResult is the normalized hold response
type HoldResult struct {
	OK      bool            `json:"ok"`
	UID     int64           `json:"uid"`
	Created int64           `json:"created"`
	Card    int             `json:"card"` // 0 none, 1 no-show protection, 2 deposit
	PerHead int64           `json:"perHead"`
	Raw     json.RawMessage `json:"-"`
}

// CreateHold creates a provisional reservation
func (c *Client) CreateHold(ctx context.Context, req HoldRequest) (*HoldResult, error) {
	params := url.Values{}
	params.Set("est", req.Establishment)
	params.Set("covers", strconv.Itoa(req.Covers))
	params.Set("date", req.Date)
	params.Set("time", req.Time)
	if req.Area != "" {
		params.Set("area", req.Area)
	}

	body, err := c.get(ctx, "hold", params)
	if err != nil {
		return nil, err
	}

	var result HoldResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &APIError{Endpoint: "hold", Message: "unparseable response", Raw: body}
	}
	result.Raw = body

	if !result.OK {
		return nil, &APIError{Endpoint: "hold", Message: "hold rejected by provider", Raw: body}
	}
	if result.UID == 0 {
		return nil, &APIError{Endpoint: "hold", Message: "hold response missing identifier", Raw: body}
	}

	return &result, nil
}

// KeysRequest holds the parameters for the pi-get endpoint
type KeysRequest struct {
	Establishment string
	UID           int64
	Created       int64
	Type          int
	Desc          string
}

// PaymentKeys is the normalized pi-get response. The provider has shipped
// several spellings of these fields over the years; firstString resolves the
// known aliases into this one shape.
type PaymentKeys struct {
	ClientSecret   string
	PublishableKey string
	CustomerRef    string
	Raw            json.RawMessage
}

var (
	clientSecretAliases   = []string{"client_secret", "clientSecret", "cs"}
	publishableKeyAliases = []string{"public_key", "publicKey", "publishable_key", "publishableKey", "stripe_pk"}
	customerRefAliases    = []string{"cust", "customer", "customer_id", "customerId"}
)

// FetchPaymentKeys retrieves the Stripe client secret, publishable key and
// customer reference for a hold. Safe to call repeatedly for the same hold:
// the provider returns the existing intent rather than creating a duplicate.
func (c *Client) FetchPaymentKeys(ctx context.Context, req KeysRequest) (*PaymentKeys, error) {
	params := url.Values{}
	params.Set("est", req.Establishment)
	params.Set("uid", strconv.FormatInt(req.UID, 10))
	params.Set("created", strconv.FormatInt(req.Created, 10))
	params.Set("type", strconv.Itoa(req.Type))
	params.Set("desc", req.Desc)

	body, err := c.get(ctx, "pi-get", params)
	if err != nil {
		return nil, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, &APIError{Endpoint: "pi-get", Message: "unparseable response", Raw: body}
	}

	keys := &PaymentKeys{
		ClientSecret:   firstString(fields, clientSecretAliases...),
		PublishableKey: firstString(fields, publishableKeyAliases...),
		CustomerRef:    firstString(fields, customerRefAliases...),
		Raw:            body,
	}

	// Customer reference is absent in some provider versions; the secret and
	// publishable key are non-negotiable.
	if keys.ClientSecret == "" || keys.PublishableKey == "" {
		return nil, &APIError{Endpoint: "pi-get", Message: "incomplete payment key set", Raw: body}
	}

	return keys, nil
}

// firstString returns the first alias present in fields as a non-empty string
func firstString(fields map[string]json.RawMessage, aliases ...string) string {
	for _, alias := range aliases {
		raw, ok := fields[alias]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			return s
		}
	}
	return ""
}

// DecisionRequest holds the parameters for the deposit-get endpoint
type DecisionRequest struct {
	Establishment string
	UID           int64
	Created       int64
	Lang          string
	Type          int
}

// DepositDecision is the normalized deposit-get response. Code 1 means
// no-show protection (store card only); any other non-zero code means a
// deposit is charged now.
type DepositDecision struct {
	OK         bool            `json:"ok"`
	Code       int             `json:"code"`
	Total      int64           `json:"total"`
	PerHead    int64           `json:"perHead"`
	TotalFloat float64         `json:"totalFloat"`
	Amount     int64           `json:"amount"`
	Currency   string          `json:"currency"`
	Message    string          `json:"message"`
	StripePK   string          `json:"stripePK"`
	Raw        json.RawMessage `json:"-"`
}

// FetchDepositDecision retrieves the charge/no-charge decision for a hold
func (c *Client) FetchDepositDecision(ctx context.Context, req DecisionRequest) (*DepositDecision, error) {
	params := url.Values{}
	params.Set("est", req.Establishment)
	params.Set("UID", strconv.FormatInt(req.UID, 10))
	params.Set("created", strconv.FormatInt(req.Created, 10))
	params.Set("lang", req.Lang)
	params.Set("type", strconv.Itoa(req.Type))

	body, err := c.get(ctx, "deposit-get", params)
	if err != nil {
		return nil, err
	}

	var result DepositDecision
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &APIError{Endpoint: "deposit-get", Message: "unparseable response", Raw: body}
	}
	result.Raw = body

	if !result.OK {
		msg := result.Message
		if msg == "" {
			msg = "deposit decision rejected by provider"
		}
		return nil, &APIError{Endpoint: "deposit-get", Message: msg, Raw: body}
	}

	return &result, nil
}

// RestoreRequest holds the parameters for the restore endpoint
type RestoreRequest struct {
	Establishment string
	UID           int64
	Type          int
}

// RestoreResult is the normalized restore response
type RestoreResult struct {
	OK    bool            `json:"ok"`
	Table json.RawMessage `json:"table"`
	Raw   json.RawMessage `json:"-"`
}

// ValidateHold checks that a hold still exists and is valid on the provider
// side. Used as the freshness pre-check before confirm and finalize.
func (c *Client) ValidateHold(ctx context.Context, req RestoreRequest) (*RestoreResult, error) {
	params := url.Values{}
	params.Set("est", req.Establishment)
	params.Set("uid", strconv.FormatInt(req.UID, 10))
	params.Set("type", strconv.Itoa(req.Type))

	body, err := c.get(ctx, "restore", params)
	if err != nil {
		return nil, err
	}

	var result RestoreResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &APIError{Endpoint: "restore", Message: "unparseable response", Raw: body}
	}
	result.Raw = body

	if !result.OK {
		return nil, &APIError{Endpoint: "restore", Message: "hold no longer valid", Raw: body}
	}

	return &result, nil
}

// AttachRequest holds the parameters for the pm-id endpoint. MethodRef must
// be the processor intent identifier; the caller guards the shape before the
// request is built.
type AttachRequest struct {
	Establishment string
	UID           int64
	Created       int64
	MethodRef     string
	Total         int64 // minor currency units
	Type          int
}

// AttachResult is the normalized pm-id response (decision-shaped)
type AttachResult struct {
	OK       bool            `json:"ok"`
	Code     int             `json:"code"`
	Total    int64           `json:"total"`
	Currency string          `json:"currency"`
	Message  string          `json:"message"`
	Raw      json.RawMessage `json:"-"`
}

// AttachPaymentMethod informs the provider which processor intent is
// associated with the hold
func (c *Client) AttachPaymentMethod(ctx context.Context, req AttachRequest) (*AttachResult, error) {
	params := url.Values{}
	params.Set("est", req.Establishment)
	params.Set("uid", strconv.FormatInt(req.UID, 10))
	params.Set("created", strconv.FormatInt(req.Created, 10))
	params.Set("pm", req.MethodRef)
	params.Set("total", strconv.FormatInt(req.Total, 10))
	params.Set("totalFloat", strconv.FormatFloat(float64(req.Total)/100, 'f', 2, 64))
	params.Set("type", strconv.Itoa(req.Type))

	body, err := c.get(ctx, "pm-id", params)
	if err != nil {
		return nil, err
	}

	var result AttachResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &APIError{Endpoint: "pm-id", Message: "unparseable response", Raw: body}
	}
	result.Raw = body

	if !result.OK {
		msg := result.Message
		if msg == "" {
			msg = "attachment rejected by provider"
		}
		return nil, &APIError{Endpoint: "pm-id", Message: msg, Raw: body}
	}

	return &result, nil
}

// UpdateRequest holds the parameters for the update (finalize) endpoint
type UpdateRequest struct {
	Establishment string
	UID           int64
	Lang          string
	FirstName     string
	LastName      string
	Phone         string
	Email         string
	Notes         string
	Dietary       string
	Allergies     string
	Optem         int // marketing opt-in via email
}

// UpdateResult is the normalized update response
type UpdateResult struct {
	OK      bool            `json:"ok"`
	Totals  json.RawMessage `json:"totals"`
	Loyalty json.RawMessage `json:"loyalty"`
	Optins  json.RawMessage `json:"optins"`
	Raw     json.RawMessage `json:"-"`
}

// Finalize commits customer details to the hold, completing the booking
func (c *Client) Finalize(ctx context.Context, req UpdateRequest) (*UpdateResult, error) {
	params := url.Values{}
	params.Set("est", req.Establishment)
	params.Set("uid", strconv.FormatInt(req.UID, 10))
	params.Set("lng", req.Lang)
	params.Set("firstName", req.FirstName)
	params.Set("lastName", req.LastName)
	params.Set("phone", req.Phone)
	params.Set("email", req.Email)
	if req.Notes != "" {
		params.Set("notes", req.Notes)
	}
	if req.Dietary != "" {
		params.Set("dietary", req.Dietary)
	}
	if req.Allergies != "" {
		params.Set("allergies", req.Allergies)
	}
	params.Set("optem", strconv.Itoa(req.Optem))

	body, err := c.get(ctx, "update", params)
	if err != nil {
		return nil, err
	}

	var result UpdateResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &APIError{Endpoint: "update", Message: "unparseable response", Raw: body}
	}
	result.Raw = body

	if !result.OK {
		return nil, &APIError{Endpoint: "update", Message: "finalize rejected by provider", Raw: body}
	}

	return &result, nil
}
