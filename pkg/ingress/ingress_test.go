package ingress

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/orderdesk-io/orderdesk/pkg/casestore"
	"github.com/orderdesk-io/orderdesk/pkg/contracts"
	"github.com/orderdesk-io/orderdesk/pkg/orderflow"
	"github.com/orderdesk-io/orderdesk/pkg/workflow"
)

const testSecret = "ingress-test-secret"

type testServer struct {
	srv     *Server
	handler http.Handler
	cases   *casestore.Store
	engine  *workflow.Engine
	history *workflow.SQLHistoryStore
}

func newTestServer(t *testing.T, opts ...ServerOption) *testServer {
	t.Helper()

	cases, err := casestore.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "cases.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cases.Close() })

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "wf.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	history, err := workflow.NewSQLHistoryStore(context.Background(), db)
	require.NoError(t, err)

	// The engine loop never runs here: Start and Signal persist their work,
	// which is all ingress behavior depends on.
	engine, err := workflow.NewEngine(history, "1.0.0")
	require.NoError(t, err)

	srv := NewServer(cases, engine, NewAuthenticator(testSecret), slog.Default(), opts...)
	return &testServer{srv: srv, handler: srv.Handler(), cases: cases, engine: engine, history: history}
}

func bearer(t *testing.T, subject, tenant string) string {
	t.Helper()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID: tenant,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return "Bearer " + signed
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) ProblemDetail {
	t.Helper()
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	var p ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return p
}

func (ts *testServer) seedCase(t *testing.T, id, tenant string, state contracts.CaseState) *contracts.Case {
	t.Helper()
	now := time.Now().UTC()
	c := &contracts.Case{
		ID: id, TenantID: tenant, SubmitterID: "user-1", CorrelationID: "corr-" + id,
		State: state, SourceBlobURL: "blob://" + id, SourceFileName: "po.xlsx",
		FileSHA256: strings.Repeat("a", 64), WorkflowID: id, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, ts.cases.Create(context.Background(), c))
	return c
}

func submitBody(sha string) SubmitOrderRequest {
	return SubmitOrderRequest{
		BlobURL:       "https://uploads.example.com/po-1.xlsx",
		FileName:      "po-1.xlsx",
		FileSHA256:    sha,
		SubmitterID:   "user-1",
		TenantID:      "t-1",
		CorrelationID: "corr-1",
	}
}

func testSHA(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}

func TestSubmitOrderCreatesCaseAndRun(t *testing.T) {
	ts := newTestServer(t)
	token := bearer(t, "user-1", "t-1")

	rec := ts.do(t, http.MethodPost, "/orders", token, submitBody(testSHA("wb-1")))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp SubmitOrderResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.CaseID)
	assert.Equal(t, resp.CaseID, resp.WorkflowInstanceID)
	assert.Equal(t, "corr-1", resp.CorrelationID)

	c, err := ts.cases.Get(context.Background(), resp.CaseID)
	require.NoError(t, err)
	assert.Equal(t, contracts.CasePending, c.State)
	assert.Equal(t, "t-1", c.TenantID)
	assert.Equal(t, testSHA("wb-1"), c.FileSHA256)

	run, err := ts.engine.GetRun(context.Background(), resp.CaseID)
	require.NoError(t, err)
	assert.Equal(t, orderflow.WorkflowName, run.Name)
}

func TestSubmitOrderValidation(t *testing.T) {
	ts := newTestServer(t)
	token := bearer(t, "user-1", "t-1")

	missing := submitBody(testSHA("wb-2"))
	missing.BlobURL = ""
	rec := ts.do(t, http.MethodPost, "/orders", token, missing)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	p := decodeProblem(t, rec)
	assert.True(t, strings.HasSuffix(p.Type, ProblemInvalidInput), p.Type)
	assert.NotEmpty(t, p.CorrelationID)

	badSHA := submitBody("not-a-hash")
	rec = ts.do(t, http.MethodPost, "/orders", token, badSHA)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Unknown fields are rejected, not ignored.
	rec = ts.do(t, http.MethodPost, "/orders", token,
		`{"blob_url":"https://x/y.xlsx","file_name":"y.xlsx","file_sha256":"`+testSHA("wb-3")+`","surprise":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitOrderDuplicateSameDay(t *testing.T) {
	ts := newTestServer(t)
	token := bearer(t, "user-1", "t-1")
	body := submitBody(testSHA("wb-dup"))

	rec := ts.do(t, http.MethodPost, "/orders", token, body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var first SubmitOrderResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))

	rec = ts.do(t, http.MethodPost, "/orders", token, body)
	require.Equal(t, http.StatusConflict, rec.Code)
	p := decodeProblem(t, rec)
	assert.True(t, strings.HasSuffix(p.Type, ProblemDuplicateFingerprint), p.Type)
	assert.Contains(t, p.Detail, first.CaseID)

	// A different tenant is free to submit the identical file.
	rec = ts.do(t, http.MethodPost, "/orders", bearer(t, "user-9", "t-2"),
		SubmitOrderRequest{BlobURL: body.BlobURL, FileName: body.FileName, FileSHA256: body.FileSHA256, TenantID: "t-2"})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestSubmitOrderResumesOrphanedCase(t *testing.T) {
	ts := newTestServer(t)
	token := bearer(t, "user-1", "t-1")

	// Case row exists but the workflow never started (crash between the two).
	sha := testSHA("wb-orphan")
	orphan := ts.seedCase(t, "case-orphan", "t-1", contracts.CasePending)
	_, err := ts.cases.DB().ExecContext(context.Background(),
		`UPDATE cases SET file_sha256 = $1 WHERE id = $2`, sha, orphan.ID)
	require.NoError(t, err)

	body := submitBody(sha)
	rec := ts.do(t, http.MethodPost, "/orders", token, body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp SubmitOrderResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, orphan.ID, resp.CaseID)

	_, err = ts.engine.GetRun(context.Background(), orphan.ID)
	assert.NoError(t, err, "resubmission starts the missing run")
}

func TestSubmitOrderTenantMismatch(t *testing.T) {
	ts := newTestServer(t)
	body := submitBody(testSHA("wb-4"))
	body.TenantID = "t-other"

	rec := ts.do(t, http.MethodPost, "/orders", bearer(t, "user-1", "t-1"), body)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAuthFailClosed(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/orders", "", submitBody(testSHA("wb-5")))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodPost, "/orders", "Bearer not-a-token", submitBody(testSHA("wb-5")))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Tokens signed with the wrong key are rejected.
	wrong, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		TenantID:         "t-1",
	}).SignedString([]byte("other-secret"))
	require.NoError(t, err)
	rec = ts.do(t, http.MethodPost, "/orders", "Bearer "+wrong, submitBody(testSHA("wb-5")))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Tokens without a tenant binding are rejected.
	noTenant, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	rec = ts.do(t, http.MethodPost, "/orders", "Bearer "+noTenant, submitBody(testSHA("wb-5")))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Health stays public.
	rec = ts.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSignalApprovalDelivered(t *testing.T) {
	ts := newTestServer(t)
	ts.seedCase(t, "case-app", "t-1", contracts.CaseAwaitingApproval)
	token := bearer(t, "approver-1", "t-1")

	approved := true
	rec := ts.do(t, http.MethodPost, "/signals/approval", token, SignalApprovalRequest{
		CaseID: "case-app", Approved: &approved, Comments: "looks right", EventID: "evt-1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var ack SignalAck
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	assert.Equal(t, "evt-1", ack.EventID)
	assert.False(t, ack.Duplicate)

	sig, ok, err := ts.history.NextSignal(context.Background(), "case-app",
		[]string{contracts.SignalApprovalReceived})
	require.NoError(t, err)
	require.True(t, ok, "signal parked for the workflow")
	var ev contracts.ApprovalReceived
	require.NoError(t, json.Unmarshal(sig.Payload, &ev))
	assert.True(t, ev.Approved)
	assert.Equal(t, "approver-1", ev.Actor, "actor defaults to the token subject")
}

func TestSignalStateGates(t *testing.T) {
	ts := newTestServer(t)
	token := bearer(t, "user-1", "t-1")
	approved := true

	// Approval against a case that is not awaiting one.
	ts.seedCase(t, "case-pend", "t-1", contracts.CasePending)
	rec := ts.do(t, http.MethodPost, "/signals/approval", token, SignalApprovalRequest{
		CaseID: "case-pend", Approved: &approved,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	p := decodeProblem(t, rec)
	assert.True(t, strings.HasSuffix(p.Type, ProblemInvalidState), p.Type)

	// Reupload is only valid for blocked cases.
	rec = ts.do(t, http.MethodPost, "/signals/reupload", token, SignalReuploadRequest{
		CaseID: "case-pend", NewBlobURL: "blob://v2",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	ts.seedCase(t, "case-blocked", "t-1", contracts.CaseBlocked)
	rec = ts.do(t, http.MethodPost, "/signals/reupload", token, SignalReuploadRequest{
		CaseID: "case-blocked", NewBlobURL: "blob://v2", FileName: "po-fixed.xlsx",
	})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	sig, ok, err := ts.history.NextSignal(context.Background(), "case-blocked",
		[]string{contracts.SignalFileReuploaded})
	require.NoError(t, err)
	require.True(t, ok)
	var ev contracts.FileReuploaded
	require.NoError(t, json.Unmarshal(sig.Payload, &ev))
	assert.Equal(t, "blob://v2", ev.NewBlobURL)

	// Terminal cases accept nothing.
	ts.seedCase(t, "case-done", "t-1", contracts.CaseCompleted)
	rec = ts.do(t, http.MethodPost, "/signals/approval", token, SignalApprovalRequest{
		CaseID: "case-done", Approved: &approved,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSignalCaseNotFound(t *testing.T) {
	ts := newTestServer(t)
	approved := true
	rec := ts.do(t, http.MethodPost, "/signals/approval", bearer(t, "user-1", "t-1"),
		SignalApprovalRequest{CaseID: "case-missing", Approved: &approved})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	p := decodeProblem(t, rec)
	assert.True(t, strings.HasSuffix(p.Type, ProblemCaseNotFound), p.Type)
}

func TestSignalCorrectionsAndSelections(t *testing.T) {
	ts := newTestServer(t)
	token := bearer(t, "user-1", "t-1")

	ts.seedCase(t, "case-val", "t-1", contracts.CaseValidating)
	rec := ts.do(t, http.MethodPost, "/signals/corrections", token, SignalCorrectionsRequest{
		CaseID:      "case-val",
		Corrections: map[contracts.CanonicalField]string{contracts.FieldSKU: "col_2"},
	})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	ts.seedCase(t, "case-res", "t-1", contracts.CaseResolvingItems)
	rec = ts.do(t, http.MethodPost, "/signals/selections", token, SignalSelectionsRequest{
		CaseID:     "case-res",
		Selections: Selections{Items: map[int]string{3: "item-9"}},
	})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Empty selections are rejected before any case lookup.
	rec = ts.do(t, http.MethodPost, "/signals/selections", token, SignalSelectionsRequest{
		CaseID: "case-res",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// fakeDeduper marks every key seen after its first use.
type fakeDeduper struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (f *fakeDeduper) Seen(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	if f.seen[key] {
		return true, nil
	}
	f.seen[key] = true
	return false, nil
}

func TestSignalDeduped(t *testing.T) {
	ts := newTestServer(t, WithDeduper(&fakeDeduper{}))
	ts.seedCase(t, "case-dup", "t-1", contracts.CaseAwaitingApproval)
	token := bearer(t, "user-1", "t-1")
	approved := true
	req := SignalApprovalRequest{CaseID: "case-dup", Approved: &approved, EventID: "evt-once"}

	rec := ts.do(t, http.MethodPost, "/signals/approval", token, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var ack SignalAck
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	assert.False(t, ack.Duplicate)

	rec = ts.do(t, http.MethodPost, "/signals/approval", token, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	assert.True(t, ack.Duplicate, "replayed event id acks as duplicate")
}

func TestGetCase(t *testing.T) {
	ts := newTestServer(t)
	seeded := ts.seedCase(t, "case-q", "t-1", contracts.CaseAwaitingApproval)

	rec := ts.do(t, http.MethodGet, "/cases/case-q", bearer(t, "user-1", "t-1"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got contracts.Case
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, seeded.ID, got.ID)
	assert.Equal(t, contracts.CaseAwaitingApproval, got.State)

	rec = ts.do(t, http.MethodGet, "/cases/nope", bearer(t, "user-1", "t-1"), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Another tenant's case reads as absent.
	rec = ts.do(t, http.MethodGet, "/cases/case-q", bearer(t, "user-9", "t-2"), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthReportsDependencies(t *testing.T) {
	ts := newTestServer(t,
		WithHealthCheck("database", func(ctx context.Context) error { return nil }),
		WithHealthCheck("redis", func(ctx context.Context) error { return errors.New("down") }),
	)

	rec := ts.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var h HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, "degraded", h.State)
	assert.True(t, h.DepsOK["database"])
	assert.False(t, h.DepsOK["redis"])
}

// fakeLimiter returns a fixed verdict or error.
type fakeLimiter struct {
	allow bool
	err   error
}

func (f *fakeLimiter) Allow(ctx context.Context, tenantID string) (bool, error) {
	return f.allow, f.err
}

func TestRateLimit(t *testing.T) {
	denied := newTestServer(t, WithLimiter(&fakeLimiter{allow: false}))
	rec := denied.do(t, http.MethodGet, "/cases/whatever", bearer(t, "user-1", "t-1"), nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// A limiter outage fails open.
	broken := newTestServer(t, WithLimiter(&fakeLimiter{err: errors.New("redis down")}))
	broken.seedCase(t, "case-open", "t-1", contracts.CasePending)
	rec = broken.do(t, http.MethodGet, "/cases/case-open", bearer(t, "user-1", "t-1"), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCorrelationIDSynthesizedAndEchoed(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/health", "", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-ID"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Correlation-ID", "corr-fixed")
	echo := httptest.NewRecorder()
	ts.handler.ServeHTTP(echo, req)
	assert.Equal(t, "corr-fixed", echo.Header().Get("X-Correlation-ID"))
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/orders", bearer(t, "user-1", "t-1"), nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
}
