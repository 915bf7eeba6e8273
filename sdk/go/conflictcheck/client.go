package conflictcheck

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the conflict check server
	// (e.g. "http://localhost:8080").
	BaseURL string

	// APIKey is the staff API key used to obtain a JWT token.
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the conflict check API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	client   *http.Client
	tokenMgr *tokenManager
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL or APIKey is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("conflictcheck: BaseURL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("conflictcheck: APIKey is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:  baseURL,
		client:   httpClient,
		tokenMgr: newTokenManager(baseURL, cfg.APIKey, httpClient),
	}, nil
}

// UpsertParty creates or updates a party and starts a conflict check when
// the write changed the name or alias set.
func (c *Client) UpsertParty(ctx context.Context, req UpsertPartyRequest) (*UpsertPartyResponse, error) {
	var resp UpsertPartyResponse
	if err := c.post(ctx, "/v1/parties", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeactivateParty removes a party from conflict checking. The record
// survives for audit; its runs are flagged inapplicable.
func (c *Client) DeactivateParty(ctx context.Context, entityID uuid.UUID) error {
	return c.doDelete(ctx, "/v1/parties/"+entityID.String(), nil)
}

// TriggerCheck starts a manual re-check for a party, or joins the queued
// one if a run is already in flight.
func (c *Client) TriggerCheck(ctx context.Context, entityID uuid.UUID) (*TriggerCheckResponse, error) {
	var resp TriggerCheckResponse
	if err := c.post(ctx, "/v1/parties/"+entityID.String()+"/check", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Verdict returns the party's most recent run with explicit degraded and
// completeness markers.
func (c *Client) Verdict(ctx context.Context, entityID uuid.UUID) (*VerdictResponse, error) {
	var resp VerdictResponse
	if err := c.get(ctx, "/v1/parties/"+entityID.String()+"/verdict", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WaitForVerdict polls until the party's latest run reaches a terminal
// state, or ctx is cancelled. Poll interval defaults to 250ms when
// non-positive.
func (c *Client) WaitForVerdict(ctx context.Context, entityID uuid.UUID, interval time.Duration) (*VerdictResponse, error) {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		v, err := c.Verdict(ctx, entityID)
		if err != nil && !IsNotFound(err) {
			return nil, err
		}
		if err == nil && terminalStatus(v.Run.Status) {
			return v, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("conflictcheck: waiting for verdict: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func terminalStatus(s string) bool {
	switch s {
	case RunStatusResolved, RunStatusDegradedResolved, RunStatusFailed:
		return true
	}
	return false
}

// GetRun retrieves one conflict check run by ID.
func (c *Client) GetRun(ctx context.Context, runID uuid.UUID) (*Run, error) {
	var resp Run
	if err := c.get(ctx, "/v1/runs/"+runID.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Decide records a reviewer's decision on a flagged run. Requires the
// reviewer role.
func (c *Client) Decide(ctx context.Context, runID uuid.UUID, req ReviewRequest) (*Run, error) {
	var resp Run
	if err := c.post(ctx, "/v1/runs/"+runID.String()+"/decision", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AuditByEntity returns a party's audit trail oldest-first. Requires the
// reviewer role.
func (c *Client) AuditByEntity(ctx context.Context, entityID uuid.UUID) ([]AuditEntry, error) {
	var entries []AuditEntry
	if err := c.get(ctx, "/v1/parties/"+entityID.String()+"/audit", &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// AuditExportOptions are optional filters for AuditExport and AuditVerify.
// Zero From/To default to the server's export window (last 30 days).
type AuditExportOptions struct {
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

// AuditExport exports the firm's audit trail for a time range, paginated.
// Requires the admin role.
func (c *Client) AuditExport(ctx context.Context, opts *AuditExportOptions) (*AuditExportResponse, error) {
	var resp AuditExportResponse
	if err := c.get(ctx, "/v1/audit?"+exportParams(opts).Encode(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AuditVerify runs a tamper-evidence sweep over an export window, recomputing
// every entry hash. Requires the admin role.
func (c *Client) AuditVerify(ctx context.Context, opts *AuditExportOptions) (*AuditVerifyResponse, error) {
	var resp AuditVerifyResponse
	if err := c.get(ctx, "/v1/audit/verify?"+exportParams(opts).Encode(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func exportParams(opts *AuditExportOptions) url.Values {
	params := url.Values{}
	if opts == nil {
		return params
	}
	if !opts.From.IsZero() {
		params.Set("from", opts.From.UTC().Format(time.RFC3339))
	}
	if !opts.To.IsZero() {
		params.Set("to", opts.To.UTC().Format(time.RFC3339))
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		params.Set("offset", strconv.Itoa(opts.Offset))
	}
	return params
}

// Health checks server liveness. No authentication required.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.getNoAuth(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("conflictcheck: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("conflictcheck: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(ctx, req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("conflictcheck: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) doDelete(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("conflictcheck: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) getNoAuth(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("conflictcheck: create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("conflictcheck: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func (c *Client) doRequest(ctx context.Context, req *http.Request, dest any) error {
	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("conflictcheck: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("conflictcheck: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	// 204 No Content — nothing to decode.
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("conflictcheck: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
