package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/evident-proof/evident/pkg/client"
)

const (
	testAgreement = "7d3f2a3c-3f4e-4a6b-9f0e-2b1f8e6d5c4a"
	testKey       = "k3y"
	testCertID    = "3b241101-e2bb-4255-8caf-4136c566a962"
)

// ── Stub server ─────────────────────────────────────────────────────────

type stub struct {
	server    *httptest.Server
	certGets  atomic.Int32
	finalCall atomic.Int32
}

func writeError(w http.ResponseWriter, status int, code, msg string, retryable bool) {
	w.Header().Set("Content-Type", "application/json")
	if retryable {
		w.Header().Set("Retry-After", "30")
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": code, "message": msg, "retryable": retryable},
	})
}

func authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Service-Agreement-Id") != testAgreement || r.Header.Get("X-Api-Key") != testKey {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid service agreement credentials", false)
			return
		}
		next(w, r)
	}
}

func finalCert() map[string]any {
	return map[string]any{
		"proofCertificateId":  testCertID,
		"proofCertificateUrl": "https://proof.example.com/api/v1/certificates/" + testCertID + "?token=abc",
		"status":              "final",
		"matchDetails": []map[string]any{
			{"sourceSystemDispatchReference": "Dispatch001", "key": "Email", "value": "a@b.c", "matchStatus": "Pass", "order": 0},
		},
		"transactionalMetaData": []map[string]any{},
		"receiptsSent":          []map[string]any{},
	}
}

func newStub(t *testing.T) *stub {
	t.Helper()
	s := &stub{}
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/evidence", authed(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", err.Error(), false)
			return
		}
		if body["dispatchReference"] == "" {
			writeError(w, http.StatusBadRequest, "validation_error", "dispatchReference: is required", false)
			return
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"id":                 "f47ac10b-58cc-4372-a567-0e02b2c3d479",
			"serviceAgreementId": testAgreement,
			"header": map[string]any{
				"sourceSystemDispatchReference": body["dispatchReference"],
				"where":                         body["where"],
				"when":                          body["when"],
			},
			"evidence": []map[string]any{
				{"key": "Email", "seal": "0xabcd", "storageBand": "Small", "anchorState": "pending"},
				{"key": "Phone Number", "seal": "0xef01", "storageBand": "Small", "anchorState": "pending"},
			},
		})
	}))

	mux.HandleFunc("/api/v1/certificates", authed(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["status"] == "final" && s.finalCall.Add(1) == 1 {
			writeError(w, http.StatusConflict, "anchoring_pending", "2 seals are not yet anchored", true)
			return
		}
		if body["status"] == "final" {
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(finalCert())
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"proofCertificateId": testCertID,
			"status":             "draft",
		})
	}))

	mux.HandleFunc("/api/v1/certificates/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/api/v1/certificates/")
		if id != testCertID {
			writeError(w, http.StatusNotFound, "not_found", "certificate not found", false)
			return
		}
		if r.Method == http.MethodPut {
			writeError(w, http.StatusConflict, "certificate_finalized", "certificate is final", false)
			return
		}
		if r.URL.Query().Get("token") == "" && r.Header.Get("X-Api-Key") != testKey {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid service agreement credentials", false)
			return
		}
		s.certGets.Add(1)
		json.NewEncoder(w).Encode(finalCert())
	})

	mux.HandleFunc("/api/v1/statistics", authed(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"serviceAgreementId":    testAgreement,
			"sealsStored":           map[string]any{"today": 2, "last7Days": 2, "last30Days": 2, "allTime": 2},
			"apiCalls":              map[string]any{"today": 1, "last7Days": 1, "last30Days": 1, "allTime": 1},
			"pendingBalance":        98,
			"confirmedBalance":      100,
			"sealsPendingAnchoring": 2,
		})
	}))

	mux.HandleFunc("/api/v1/ledger/verify", authed(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"valid": false, "error": "entry 1: hash mismatch"})
	}))

	mux.HandleFunc("/api/v1/admin/agreements", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer op-secret" {
			writeError(w, http.StatusForbidden, "forbidden", "invalid admin token", false)
			return
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"agreement": map[string]any{"id": testAgreement, "name": "Acme", "overdraftLimit": 10},
			"apiKey":    "fresh-key",
		})
	})

	mux.HandleFunc("/api/v1/admin/anchoring/requeue", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		n := 5
		if body["serviceAgreementId"] == testAgreement {
			n = 3
		}
		json.NewEncoder(w).Encode(map[string]any{"requeued": n})
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("down"))
	})

	s.server = httptest.NewServer(mux)
	t.Cleanup(s.server.Close)
	return s
}

func newClient(t *testing.T, s *stub, opts ...client.Option) *client.Client {
	t.Helper()
	opts = append([]client.Option{client.WithCredentials(testAgreement, testKey)}, opts...)
	c, err := client.New(s.server.URL, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

// ── Construction ─────────────────────────────────────────────────────────

func TestNew_RequiresBaseURL(t *testing.T) {
	if _, err := client.New(""); err == nil {
		t.Fatal("expected error for empty base URL")
	}
}

func TestNew_RejectsEmptyCredentials(t *testing.T) {
	if _, err := client.New("http://localhost", client.WithCredentials("", "")); err == nil {
		t.Fatal("expected error for empty credentials")
	}
}

func TestCall_WithoutCredentials(t *testing.T) {
	s := newStub(t)
	c := client.MustNew(s.server.URL)
	stats, err := c.GetStatistics(context.Background())
	if !errors.Is(err, client.ErrNoCredentials) {
		t.Fatalf("err = %v, want ErrNoCredentials", err)
	}
	if stats != nil {
		t.Error("expected nil result on failure")
	}
}

// ── Evidence ─────────────────────────────────────────────────────────────

func TestSubmitEvidence(t *testing.T) {
	s := newStub(t)
	c := newClient(t, s)

	when := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	r, err := c.SubmitEvidence(context.Background(), client.Submission{
		DispatchReference: "Dispatch001",
		Where:             "Cloud",
		When:              when,
		Evidence:          map[string]string{"Email": "a@b.c", "Phone Number": "123"},
	})
	if err != nil {
		t.Fatalf("SubmitEvidence: %v", err)
	}
	if r.Header.SourceSystemDispatchReference != "Dispatch001" {
		t.Errorf("dispatch = %q", r.Header.SourceSystemDispatchReference)
	}
	if len(r.Evidence) != 2 || r.Evidence[0].Key != "Email" {
		t.Fatalf("unexpected evidence: %+v", r.Evidence)
	}

	rr := client.ReceiptRequest(r, map[string]string{"Email": "a@b.c"})
	if rr.Header.ID != r.ID || len(rr.Evidence) != 2 {
		t.Fatalf("ReceiptRequest = %+v", rr)
	}
	if rr.Evidence[0].Value != "a@b.c" || rr.Evidence[1].Value != "" {
		t.Errorf("values = %+v", rr.Evidence)
	}
}

func TestSubmitEvidence_BadCredentials(t *testing.T) {
	s := newStub(t)
	c := client.MustNew(s.server.URL, client.WithCredentials(testAgreement, "wrong"))

	r, err := c.SubmitEvidence(context.Background(), client.Submission{DispatchReference: "D"})
	if r != nil {
		t.Error("expected nil receipt")
	}
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %T, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusUnauthorized || apiErr.Code != "unauthorized" || apiErr.Retryable {
		t.Errorf("unexpected error: %+v", apiErr)
	}
}

// ── Certificates ─────────────────────────────────────────────────────────

func TestRequestCertificate_RetryableThenFinal(t *testing.T) {
	s := newStub(t)
	c := newClient(t, s)
	req := &client.CertificateRequest{RequesterName: "Auditor", Status: client.StatusFinal}

	cert, err := c.RequestCertificate(context.Background(), req)
	if cert != nil {
		t.Error("expected nil certificate while anchoring is pending")
	}
	if !client.IsRetryable(err) {
		t.Fatalf("err = %v, want retryable", err)
	}
	var apiErr *client.APIError
	errors.As(err, &apiErr)
	if apiErr.RetryAfter != 30*time.Second {
		t.Errorf("RetryAfter = %v, want 30s", apiErr.RetryAfter)
	}

	cert, err = c.RequestCertificate(context.Background(), req)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if cert.ProofCertificateID != testCertID || !cert.AllPass() {
		t.Errorf("unexpected certificate: %+v", cert)
	}
}

func TestRequestCertificate_Draft(t *testing.T) {
	s := newStub(t)
	c := newClient(t, s)

	cert, err := c.RequestCertificate(context.Background(), &client.CertificateRequest{Status: client.StatusDraft})
	if err != nil {
		t.Fatalf("RequestCertificate: %v", err)
	}
	if cert.Status != client.StatusDraft || cert.ProofCertificateURL != "" {
		t.Errorf("unexpected draft: %+v", cert)
	}
	if cert.AllPass() {
		t.Error("AllPass should be false with no match details")
	}
}

func TestReviseCertificate_Final(t *testing.T) {
	s := newStub(t)
	c := newClient(t, s)

	_, err := c.ReviseCertificate(context.Background(), testCertID, &client.CertificateRequest{Status: client.StatusFinal})
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "certificate_finalized" {
		t.Fatalf("err = %v, want certificate_finalized", err)
	}
}

func TestGetCertificate_NotFound(t *testing.T) {
	s := newStub(t)
	c := newClient(t, s)

	cert, err := c.GetCertificate(context.Background(), "3f8a0e0c-0000-4000-8000-000000000000")
	if cert != nil || !client.IsNotFound(err) {
		t.Fatalf("got %v, %v; want nil, not found", cert, err)
	}
}

func TestGetCertificate_CachesFinal(t *testing.T) {
	s := newStub(t)
	c := newClient(t, s, client.WithCacheTTL(time.Minute))

	for i := 0; i < 3; i++ {
		if _, err := c.GetCertificate(context.Background(), testCertID); err != nil {
			t.Fatalf("GetCertificate: %v", err)
		}
	}
	if n := s.certGets.Load(); n != 1 {
		t.Errorf("server hits = %d, want 1", n)
	}
}

func TestFetchCertificateURL(t *testing.T) {
	s := newStub(t)
	c := client.MustNew(s.server.URL)

	cert, err := c.FetchCertificateURL(context.Background(),
		s.server.URL+"/api/v1/certificates/"+testCertID+"?token=abc")
	if err != nil {
		t.Fatalf("FetchCertificateURL: %v", err)
	}
	if cert.Status != client.StatusFinal {
		t.Errorf("status = %q", cert.Status)
	}

	if _, err := c.FetchCertificateURL(context.Background(), s.server.URL+"/api/v1/certificates/"+testCertID); err == nil {
		t.Error("expected error for URL without token")
	}
}

// ── Statistics and ledger ────────────────────────────────────────────────

func TestGetStatistics(t *testing.T) {
	s := newStub(t)
	c := newClient(t, s)

	stats, err := c.GetStatistics(context.Background())
	if err != nil {
		t.Fatalf("GetStatistics: %v", err)
	}
	if stats.SealsStored.Today != 2 || stats.APICalls.AllTime != 1 {
		t.Errorf("unexpected counts: %+v", stats)
	}
	if stats.PendingBalance != 98 || stats.ConfirmedBalance != 100 || stats.SealsPendingAnchoring != 2 {
		t.Errorf("unexpected balances: %+v", stats)
	}
}

func TestVerifyLedger_Broken(t *testing.T) {
	s := newStub(t)
	c := newClient(t, s)

	err := c.VerifyLedger(context.Background())
	if err == nil || !strings.Contains(err.Error(), "hash mismatch") {
		t.Fatalf("err = %v, want hash mismatch", err)
	}
}

// ── Operator ─────────────────────────────────────────────────────────────

func TestCreateAgreement(t *testing.T) {
	s := newStub(t)
	c := client.MustNew(s.server.URL, client.WithAdminToken("op-secret"))

	a, key, err := c.CreateAgreement(context.Background(), "Acme", 10, 100)
	if err != nil {
		t.Fatalf("CreateAgreement: %v", err)
	}
	if a.ID != testAgreement || key != "fresh-key" {
		t.Errorf("got %+v, %q", a, key)
	}
}

func TestCreateAgreement_WrongToken(t *testing.T) {
	s := newStub(t)
	c := client.MustNew(s.server.URL, client.WithAdminToken("nope"))

	a, key, err := c.CreateAgreement(context.Background(), "Acme", 0, 0)
	var apiErr *client.APIError
	if a != nil || key != "" || !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusForbidden {
		t.Fatalf("got %v, %q, %v; want 403", a, key, err)
	}
}

func TestCreateAgreement_NoToken(t *testing.T) {
	c := client.MustNew("http://localhost")
	if _, _, err := c.CreateAgreement(context.Background(), "Acme", 0, 0); !errors.Is(err, client.ErrNoAdminToken) {
		t.Fatalf("err = %v, want ErrNoAdminToken", err)
	}
}

func TestRequeueAnchoring(t *testing.T) {
	s := newStub(t)
	c := client.MustNew(s.server.URL, client.WithAdminToken("op-secret"))

	n, err := c.RequeueAnchoring(context.Background(), "")
	if err != nil || n != 5 {
		t.Fatalf("all: %d, %v", n, err)
	}
	n, err = c.RequeueAnchoring(context.Background(), testAgreement)
	if err != nil || n != 3 {
		t.Fatalf("one: %d, %v", n, err)
	}
}

func TestHealth_PlainTextError(t *testing.T) {
	s := newStub(t)
	c := client.MustNew(s.server.URL)

	_, err := c.Health(context.Background())
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Code != "service_unavailable" || apiErr.Message != "down" || !apiErr.Retryable {
		t.Errorf("unexpected error: %+v", apiErr)
	}
}
