package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrNoCredentials is returned by agreement-scoped calls on a client built
// without WithCredentials.
var ErrNoCredentials = errors.New("client has no service agreement credentials")

// ErrNoAdminToken is returned by operator calls on a client built without
// WithAdminToken.
var ErrNoAdminToken = errors.New("client has no admin token")

// APIError is a non-2xx response from the service.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	// Retryable is true when the same call may succeed later, for example a
	// final certificate requested before anchoring completed.
	Retryable bool
	// RetryAfter is the server's hint, zero when absent.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("evident: HTTP %d %s", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("evident: HTTP %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// IsRetryable reports whether err is an *APIError marked retryable.
func IsRetryable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Retryable
}

// IsNotFound reports whether err is a 404 *APIError.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client is the Evident SDK entry point.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	agreementID string
	apiKey      string
	adminToken  string
	cache       *certCache
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return errors.New("http client must not be nil")
		}
		c.httpClient = hc
		return nil
	}
}

// WithCredentials authenticates agreement-scoped calls.
func WithCredentials(agreementID, apiKey string) Option {
	return func(c *Client) error {
		if agreementID == "" || apiKey == "" {
			return errors.New("agreement id and api key are required")
		}
		c.agreementID = agreementID
		c.apiKey = apiKey
		return nil
	}
}

// WithAdminToken enables the operator endpoints.
func WithAdminToken(token string) Option {
	return func(c *Client) error {
		c.adminToken = token
		return nil
	}
}

// WithCacheTTL caches final certificates fetched by GetCertificate. Final
// certificates never change, so the TTL only bounds memory use.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) error {
		c.cache = newCertCache(ttl)
		return nil
	}
}

// New creates a Client for the API at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("base URL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error.
func MustNew(baseURL string, opts ...Option) *Client {
	c, err := New(baseURL, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// ── Evidence ─────────────────────────────────────────────────────────────

// SubmitEvidence seals a dispatch's evidence and returns the receipt.
func (c *Client) SubmitEvidence(ctx context.Context, s Submission) (*Receipt, error) {
	var out Receipt
	if err := c.call(ctx, http.MethodPost, "/api/v1/evidence", s, &out, authAgreement); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetReceipt fetches a receipt by id.
func (c *Client) GetReceipt(ctx context.Context, id string) (*Receipt, error) {
	var out Receipt
	if err := c.call(ctx, http.MethodGet, "/api/v1/receipts/"+url.PathEscape(id), nil, &out, authAgreement); err != nil {
		return nil, err
	}
	return &out, nil
}

// ── Certificates ─────────────────────────────────────────────────────────

// RequestCertificate creates a draft or final certificate.
func (c *Client) RequestCertificate(ctx context.Context, req *CertificateRequest) (*Certificate, error) {
	var out Certificate
	if err := c.call(ctx, http.MethodPost, "/api/v1/certificates", req, &out, authAgreement); err != nil {
		return nil, err
	}
	c.remember(&out)
	return &out, nil
}

// ReviseCertificate updates a draft, or promotes it when req.Status is final.
func (c *Client) ReviseCertificate(ctx context.Context, id string, req *CertificateRequest) (*Certificate, error) {
	var out Certificate
	if err := c.call(ctx, http.MethodPut, "/api/v1/certificates/"+url.PathEscape(id), req, &out, authAgreement); err != nil {
		return nil, err
	}
	c.remember(&out)
	return &out, nil
}

// GetCertificate fetches a certificate with the agreement credentials.
func (c *Client) GetCertificate(ctx context.Context, id string) (*Certificate, error) {
	if c.cache != nil {
		if cert, ok := c.cache.get(id); ok {
			return cert, nil
		}
	}
	var out Certificate
	if err := c.call(ctx, http.MethodGet, "/api/v1/certificates/"+url.PathEscape(id), nil, &out, authAgreement); err != nil {
		return nil, err
	}
	c.remember(&out)
	return &out, nil
}

// FetchCertificateURL fetches a certificate by its permanent URL. No
// credentials are sent; the URL's token grants access.
func (c *Client) FetchCertificateURL(ctx context.Context, certURL string) (*Certificate, error) {
	u, err := url.Parse(certURL)
	if err != nil || u.Query().Get("token") == "" {
		return nil, fmt.Errorf("not a certificate URL: %q", certURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	var out Certificate
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) remember(cert *Certificate) {
	if c.cache != nil && cert.Status == StatusFinal {
		c.cache.set(cert.ProofCertificateID, cert)
	}
}

// ── Statistics and ledger ────────────────────────────────────────────────

// GetStatistics returns the agreement's usage snapshot.
func (c *Client) GetStatistics(ctx context.Context) (*Statistics, error) {
	var out Statistics
	if err := c.call(ctx, http.MethodGet, "/api/v1/statistics", nil, &out, authAgreement); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ledger returns balances and the chain root.
func (c *Client) Ledger(ctx context.Context) (*LedgerOverview, error) {
	var out LedgerOverview
	if err := c.call(ctx, http.MethodGet, "/api/v1/ledger", nil, &out, authAgreement); err != nil {
		return nil, err
	}
	return &out, nil
}

// LedgerEntries pages through ledger entries, newest first.
func (c *Client) LedgerEntries(ctx context.Context, limit, offset int) ([]LedgerEntry, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	var out struct {
		Entries []LedgerEntry `json:"entries"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/ledger/entries?"+q.Encode(), nil, &out, authAgreement); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// VerifyLedger reports whether the agreement's hash chain is intact. A
// broken chain is reported as an error, not as a failed call.
func (c *Client) VerifyLedger(ctx context.Context) error {
	return c.verify(ctx, "/api/v1/ledger/verify", authAgreement)
}

// ── Operator ─────────────────────────────────────────────────────────────

// CreateAgreement creates a service agreement and returns it with its API
// key. The key cannot be retrieved again.
func (c *Client) CreateAgreement(ctx context.Context, name string, overdraftLimit, initialGrant int64) (*Agreement, string, error) {
	body := map[string]any{
		"name":           name,
		"overdraftLimit": overdraftLimit,
		"initialGrant":   initialGrant,
	}
	var out struct {
		Agreement Agreement `json:"agreement"`
		APIKey    string    `json:"apiKey"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/v1/admin/agreements", body, &out, authAdmin); err != nil {
		return nil, "", err
	}
	return &out.Agreement, out.APIKey, nil
}

// GetAgreement fetches an agreement by id.
func (c *Client) GetAgreement(ctx context.Context, id string) (*Agreement, error) {
	var out Agreement
	if err := c.call(ctx, http.MethodGet, "/api/v1/admin/agreements/"+url.PathEscape(id), nil, &out, authAdmin); err != nil {
		return nil, err
	}
	return &out, nil
}

// Grant credits tokens to an agreement.
func (c *Client) Grant(ctx context.Context, agreementID string, amount int64, memo string) (*LedgerEntry, error) {
	body := map[string]any{"amount": amount, "memo": memo}
	var out LedgerEntry
	path := "/api/v1/admin/agreements/" + url.PathEscape(agreementID) + "/grants"
	if err := c.call(ctx, http.MethodPost, path, body, &out, authAdmin); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyAgreementLedger checks another agreement's hash chain.
func (c *Client) VerifyAgreementLedger(ctx context.Context, agreementID string) error {
	return c.verify(ctx, "/api/v1/admin/agreements/"+url.PathEscape(agreementID)+"/ledger/verify", authAdmin)
}

// RequeueAnchoring returns failed seals to the anchoring queue. An empty
// agreementID requeues every agreement.
func (c *Client) RequeueAnchoring(ctx context.Context, agreementID string) (int, error) {
	body := map[string]any{}
	if agreementID != "" {
		body["serviceAgreementId"] = agreementID
	}
	var out struct {
		Requeued int `json:"requeued"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/v1/admin/anchoring/requeue", body, &out, authAdmin); err != nil {
		return 0, err
	}
	return out.Requeued, nil
}

// Health returns the service's /healthz report.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	var out map[string]any
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ── transport ────────────────────────────────────────────────────────────

type authMode int

const (
	authAgreement authMode = iota
	authAdmin
)

func (c *Client) verify(ctx context.Context, path string, mode authMode) error {
	var out struct {
		Valid bool   `json:"valid"`
		Error string `json:"error"`
	}
	if err := c.call(ctx, http.MethodGet, path, nil, &out, mode); err != nil {
		return err
	}
	if !out.Valid {
		return fmt.Errorf("ledger chain invalid: %s", out.Error)
	}
	return nil
}

// call builds an authenticated JSON request and decodes the response into out.
func (c *Client) call(ctx context.Context, method, path string, in, out any, mode authMode) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	switch mode {
	case authAgreement:
		if c.apiKey == "" {
			return ErrNoCredentials
		}
		req.Header.Set("X-Service-Agreement-Id", c.agreementID)
		req.Header.Set("X-Api-Key", c.apiKey)
	case authAdmin:
		if c.adminToken == "" {
			return ErrNoAdminToken
		}
		req.Header.Set("Authorization", "Bearer "+c.adminToken)
	}
	return c.do(req, out)
}

// do executes req. Non-2xx responses become *APIError.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		return decodeError(resp, body)
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response, body []byte) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var envelope struct {
		Error struct {
			Code      string `json:"code"`
			Message   string `json:"message"`
			Retryable bool   `json:"retryable"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error.Code != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.Retryable = envelope.Error.Retryable
	} else {
		apiErr.Code = strings.ToLower(strings.ReplaceAll(http.StatusText(resp.StatusCode), " ", "_"))
		apiErr.Message = strings.TrimSpace(string(body))
		apiErr.Retryable = resp.StatusCode == http.StatusServiceUnavailable
	}
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return apiErr
}

// ── final certificate cache ──────────────────────────────────────────────

type cacheEntry struct {
	cert      *Certificate
	expiresAt time.Time
}

type certCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
}

func newCertCache(ttl time.Duration) *certCache {
	return &certCache{entries: make(map[string]*cacheEntry), ttl: ttl}
}

func (cc *certCache) get(id string) (*Certificate, bool) {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	e, ok := cc.entries[id]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.cert, true
}

func (cc *certCache) set(id string, cert *Certificate) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.entries[id] = &cacheEntry{cert: cert, expiresAt: time.Now().Add(cc.ttl)}
}
