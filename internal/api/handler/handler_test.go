package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/evident-proof/evident/internal/agreement"
	"github.com/evident-proof/evident/internal/anchoring"
	"github.com/evident-proof/evident/internal/api/handler"
	"github.com/evident-proof/evident/internal/certificate"
	"github.com/evident-proof/evident/internal/ledger"
	"github.com/evident-proof/evident/internal/model"
	"github.com/evident-proof/evident/internal/seal"
	"github.com/evident-proof/evident/internal/sealing"
	"github.com/evident-proof/evident/internal/stats"
	"github.com/evident-proof/evident/internal/store"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const adminSecret = "operator-secret"

type testServer struct {
	router *gin.Engine
	worker *anchoring.Worker
	agrID  string
	apiKey string
}

func setup(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()
	s := store.NewMemory()

	sealer, err := seal.NewSealer([]byte("handler-test-pepper-0123456789"))
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	urls, err := certificate.NewURLSigner("https://proof.example.com", []byte("handler-url-secret-0123"))
	if err != nil {
		t.Fatalf("NewURLSigner: %v", err)
	}
	tariff := seal.TableTariff{model.BandSmall: {Cost: 1}, model.BandMedium: {Cost: 2}, model.BandLarge: {Cost: 4}}

	l := ledger.New(s, logger)
	agreements := agreement.NewService(s, l, time.Minute, logger)
	agreements.SetBcryptCost(bcrypt.MinCost)
	worker := anchoring.NewWorker(s, anchoring.NewLocalAnchorer(), anchoring.Config{}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	router := handler.NewRouter(ctx, handler.Services{
		Auth:         agreements,
		Calls:        s,
		Sealing:      sealing.New(s, sealer, seal.DefaultBands, tariff, logger),
		Receipts:     s,
		Certificates: certificate.New(s, sealer, certificate.Fees{Base: 2}, urls, logger),
		Ledger:       l,
		Statistics:   stats.New(s, logger),
		Agreements:   agreements,
		Anchoring:    worker,
	}, handler.RouterConfig{AdminSecret: adminSecret}, logger)

	ts := &testServer{router: router, worker: worker}

	w := ts.do(t, http.MethodPost, "/api/v1/admin/agreements", map[string]any{
		"name": "Acme", "overdraftLimit": 10, "initialGrant": 100,
	}, map[string]string{"Authorization": "Bearer " + adminSecret})
	if w.Code != http.StatusCreated {
		t.Fatalf("create agreement: %d %s", w.Code, w.Body.String())
	}
	var created struct {
		Agreement model.ServiceAgreement `json:"agreement"`
		APIKey    string                 `json:"apiKey"`
	}
	decode(t, w, &created)
	ts.agrID = created.Agreement.ID.String()
	ts.apiKey = created.APIKey
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func (ts *testServer) authed(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return ts.do(t, method, path, body, map[string]string{
		handler.HeaderAgreementID: ts.agrID,
		handler.HeaderAPIKey:      ts.apiKey,
	})
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
}

type errorEnvelope struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable"`
	} `json:"error"`
}

func expectError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) errorEnvelope {
	t.Helper()
	if w.Code != status {
		t.Fatalf("expected %d, got %d: %s", status, w.Code, w.Body.String())
	}
	var env errorEnvelope
	decode(t, w, &env)
	if env.Error.Code != code {
		t.Errorf("error code: got %q, want %q", env.Error.Code, code)
	}
	return env
}

var dispatch001 = map[string]any{
	"dispatchReference": "Dispatch001",
	"where":             "Cloud",
	"when":              "2024-05-01T09:00:00Z",
	"evidence": map[string]string{
		"Phone Number": "+44 (0) 118 380 5520",
		"Email":        "enquiries@evident-proof.com",
	},
}

func certificateBody(receiptID, status string) map[string]any {
	return map[string]any{
		"requesterName": "Auditor",
		"status":        status,
		"receipts": []any{map[string]any{
			"header": map[string]any{
				"id":                            receiptID,
				"sourceSystemDispatchReference": "Dispatch001",
				"when":                          "2024-05-01T09:00:00Z",
				"where":                         "Cloud",
			},
			"evidence": []any{
				map[string]string{"key": "Phone Number", "value": "+44 (0) 118 380 5520"},
				map[string]string{"key": "Email", "value": "enquiries@evident-proof.com"},
			},
		}},
	}
}

func TestSubmitEvidence_201(t *testing.T) {
	ts := setup(t)

	w := ts.authed(t, http.MethodPost, "/api/v1/evidence", dispatch001)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var r model.Receipt
	decode(t, w, &r)
	if len(r.Evidence) != 2 {
		t.Fatalf("expected 2 sealed entries, got %d", len(r.Evidence))
	}
	if r.Evidence[0].Key != "Email" {
		t.Errorf("expected key order, got %q first", r.Evidence[0].Key)
	}

	w = ts.authed(t, http.MethodGet, "/api/v1/receipts/"+r.ID.String(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get receipt: %d %s", w.Code, w.Body.String())
	}
}

func TestSubmitEvidence_listForm(t *testing.T) {
	ts := setup(t)
	body := map[string]any{
		"sourceSystemDispatchReference": "D2",
		"evidence": []any{
			map[string]string{"key": "A", "value": "1"},
			map[string]string{"key": "A", "value": "2"},
		},
	}
	expectError(t, ts.authed(t, http.MethodPost, "/api/v1/evidence", body), http.StatusConflict, "duplicate_evidence_key")

	body["evidence"] = []any{map[string]string{"key": "A", "value": "1"}}
	if w := ts.authed(t, http.MethodPost, "/api/v1/evidence", body); w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSubmitEvidence_objectRepeatedKey(t *testing.T) {
	ts := setup(t)
	body := json.RawMessage(`{
		"dispatchReference": "D3",
		"evidence": {"Email": "a@example.com", "Phone": "1", "Email": "b@example.com"}
	}`)
	expectError(t, ts.authed(t, http.MethodPost, "/api/v1/evidence", body), http.StatusConflict, "duplicate_evidence_key")

	var snap model.StatisticsSnapshot
	decode(t, ts.authed(t, http.MethodGet, "/api/v1/statistics", nil), &snap)
	if snap.SealsStored.AllTime != 0 || snap.PendingBalance != 100 {
		t.Errorf("rejected submission must not seal or bill: seals %d pending balance %d",
			snap.SealsStored.AllTime, snap.PendingBalance)
	}

	bad := json.RawMessage(`{"dispatchReference": "D3", "evidence": {"Email": 7}}`)
	expectError(t, ts.authed(t, http.MethodPost, "/api/v1/evidence", bad), http.StatusBadRequest, "validation_error")
}

func TestSubmitEvidence_resealRejected(t *testing.T) {
	ts := setup(t)
	if w := ts.authed(t, http.MethodPost, "/api/v1/evidence", dispatch001); w.Code != http.StatusCreated {
		t.Fatalf("first submit: %d", w.Code)
	}
	again := map[string]any{
		"dispatchReference": "Dispatch001",
		"evidence":          map[string]string{"Email": "other@example.com"},
	}
	env := expectError(t, ts.authed(t, http.MethodPost, "/api/v1/evidence", again), http.StatusConflict, "duplicate_evidence_key")
	if env.Error.Retryable {
		t.Error("duplicate key must not be retryable")
	}
}

func TestSubmitEvidence_validation(t *testing.T) {
	ts := setup(t)
	expectError(t, ts.authed(t, http.MethodPost, "/api/v1/evidence", map[string]any{
		"dispatchReference": "D1",
	}), http.StatusBadRequest, "validation_error")
	expectError(t, ts.authed(t, http.MethodPost, "/api/v1/evidence", map[string]any{
		"dispatchReference": "D1",
		"evidence":          map[string]string{},
	}), http.StatusBadRequest, "validation_error")
}

func TestAuth_401(t *testing.T) {
	ts := setup(t)

	cases := map[string]map[string]string{
		"no headers": nil,
		"bad key":    {handler.HeaderAgreementID: ts.agrID, handler.HeaderAPIKey: "nope"},
		"bad id":     {handler.HeaderAgreementID: "not-a-uuid", handler.HeaderAPIKey: ts.apiKey},
	}
	for name, headers := range cases {
		t.Run(name, func(t *testing.T) {
			w := ts.do(t, http.MethodGet, "/api/v1/statistics", nil, headers)
			expectError(t, w, http.StatusUnauthorized, "unauthorized")
		})
	}
}

func TestCertificate_pendingThenFinal(t *testing.T) {
	ts := setup(t)
	w := ts.authed(t, http.MethodPost, "/api/v1/evidence", dispatch001)
	var r model.Receipt
	decode(t, w, &r)

	w = ts.authed(t, http.MethodPost, "/api/v1/certificates", certificateBody(r.ID.String(), "final"))
	env := expectError(t, w, http.StatusConflict, "anchoring_pending")
	if !env.Error.Retryable || w.Header().Get("Retry-After") == "" {
		t.Errorf("pending must be retryable with Retry-After, got %+v", env)
	}

	if err := ts.worker.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	w = ts.authed(t, http.MethodPost, "/api/v1/certificates", certificateBody(r.ID.String(), "final"))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var cert model.ProofCertificateResponse
	decode(t, w, &cert)
	for _, d := range cert.MatchDetails {
		if d.MatchStatus != model.MatchPass {
			t.Errorf("%s: got %s, want Pass", d.Key, d.MatchStatus)
		}
	}

	w = ts.authed(t, http.MethodPost, "/api/v1/certificates", certificateBody(r.ID.String(), "final"))
	var again model.ProofCertificateResponse
	decode(t, w, &again)
	if again.ProofCertificateID != cert.ProofCertificateID {
		t.Errorf("resubmission issued a new certificate: %s vs %s", again.ProofCertificateID, cert.ProofCertificateID)
	}

	// The permanent URL works without credentials.
	u, err := url.Parse(cert.ProofCertificateURL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	w = ts.do(t, http.MethodGet, u.RequestURI(), nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET by token: %d %s", w.Code, w.Body.String())
	}

	// Without a token the caller must authenticate.
	path := "/api/v1/certificates/" + cert.ProofCertificateID.String()
	expectError(t, ts.do(t, http.MethodGet, path, nil, nil), http.StatusUnauthorized, "unauthorized")
	if w := ts.authed(t, http.MethodGet, path, nil); w.Code != http.StatusOK {
		t.Fatalf("authenticated GET: %d %s", w.Code, w.Body.String())
	}

	// Final certificates cannot be revised.
	w = ts.authed(t, http.MethodPut, path, certificateBody(r.ID.String(), "draft"))
	expectError(t, w, http.StatusConflict, "certificate_finalized")
}

func TestCertificate_draftAndNotFound(t *testing.T) {
	ts := setup(t)
	ts.authed(t, http.MethodPost, "/api/v1/evidence", dispatch001)

	body := certificateBody("", "draft")
	rc := body["receipts"].([]any)[0].(map[string]any)
	delete(rc["header"].(map[string]any), "id")
	rc["evidence"] = []any{map[string]string{"key": "Fax Number", "value": "0118"}}

	w := ts.authed(t, http.MethodPost, "/api/v1/certificates", body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for draft, got %d: %s", w.Code, w.Body.String())
	}
	var cert model.ProofCertificateResponse
	decode(t, w, &cert)
	if cert.MatchDetails[0].MatchStatus != model.MatchNotFound {
		t.Errorf("got %s, want NotFound", cert.MatchDetails[0].MatchStatus)
	}
	if cert.ProofCertificateURL != "" {
		t.Error("drafts must not carry a URL")
	}

	w = ts.authed(t, http.MethodGet, "/api/v1/certificates/00000000-0000-0000-0000-000000000001", nil)
	expectError(t, w, http.StatusNotFound, "not_found")
}

func TestStatisticsAndLedger(t *testing.T) {
	ts := setup(t)
	ts.authed(t, http.MethodPost, "/api/v1/evidence", dispatch001)
	ts.authed(t, http.MethodGet, "/api/v1/statistics", nil)

	w := ts.authed(t, http.MethodGet, "/api/v1/statistics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var snap model.StatisticsSnapshot
	decode(t, w, &snap)
	if snap.SealsStored.Today != 2 || snap.SealsPendingAnchoring != 2 {
		t.Errorf("unexpected seal counts %+v pending=%d", snap.SealsStored, snap.SealsPendingAnchoring)
	}
	if snap.APICalls.AllTime != 2 {
		t.Errorf("api calls: got %d, want 2 (submit + first statistics)", snap.APICalls.AllTime)
	}
	if snap.ConfirmedBalance != 100 || snap.PendingBalance != 98 {
		t.Errorf("balances: confirmed %d pending %d", snap.ConfirmedBalance, snap.PendingBalance)
	}

	w = ts.authed(t, http.MethodGet, "/api/v1/ledger", nil)
	var overview map[string]any
	decode(t, w, &overview)
	if overview["entries"].(float64) != 2 {
		t.Errorf("ledger entries: %v", overview["entries"])
	}

	w = ts.authed(t, http.MethodGet, "/api/v1/ledger/entries?limit=1", nil)
	var page struct {
		Entries []model.LedgerEntry `json:"entries"`
	}
	decode(t, w, &page)
	if len(page.Entries) != 1 || page.Entries[0].Reason != model.ReasonSealStorage {
		t.Errorf("unexpected page %+v", page.Entries)
	}

	w = ts.authed(t, http.MethodGet, "/api/v1/ledger/verify", nil)
	var v map[string]any
	decode(t, w, &v)
	if v["valid"] != true {
		t.Errorf("expected valid chain, got %v", v)
	}
}

func TestAdmin(t *testing.T) {
	ts := setup(t)
	admin := map[string]string{"Authorization": "Bearer " + adminSecret}

	w := ts.do(t, http.MethodPost, "/api/v1/admin/agreements", map[string]any{"name": "x"},
		map[string]string{"Authorization": "Bearer wrong"})
	expectError(t, w, http.StatusForbidden, "forbidden")

	w = ts.do(t, http.MethodPost, "/api/v1/admin/agreements/"+ts.agrID+"/grants", map[string]any{"amount": 5}, admin)
	if w.Code != http.StatusCreated {
		t.Fatalf("grant: %d %s", w.Code, w.Body.String())
	}

	w = ts.do(t, http.MethodPost, "/api/v1/admin/anchoring/requeue", nil, admin)
	if w.Code != http.StatusOK {
		t.Fatalf("requeue: %d %s", w.Code, w.Body.String())
	}

	w = ts.do(t, http.MethodGet, "/api/v1/admin/agreements/"+ts.agrID+"/ledger/verify", nil, admin)
	if w.Code != http.StatusOK {
		t.Fatalf("verify: %d %s", w.Code, w.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	ts := setup(t)
	w := ts.do(t, http.MethodGet, "/healthz", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
