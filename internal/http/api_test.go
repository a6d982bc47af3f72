package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"mediafetch/internal/dedup"
	"mediafetch/internal/domain"
	"mediafetch/internal/metrics"
	"mediafetch/internal/quota"
	"mediafetch/internal/service"
)

const testSecret = "test-secret"

type fakeManager struct {
	jobs        map[string]domain.JobSnapshot
	submitted   []string
	cancelled   []string
	invalidated []string
	submitErr   error
}

func (f *fakeManager) Start(ctx context.Context) error {
	return nil
}

func (f *fakeManager) Shutdown() {}

func (f *fakeManager) Submit(ctx context.Context, userID int64, rawURL string, choice domain.FormatChoice) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, rawURL)
	id := "job-" + rawURL
	f.jobs[id] = domain.JobSnapshot{ID: id, UserID: userID, URL: rawURL, State: domain.JobStatePending}
	return id, nil
}

func (f *fakeManager) Cancel(ctx context.Context, jobID string) error {
	job, ok := f.jobs[jobID]
	if !ok {
		return domain.NewError(domain.KindNotFound, "job "+jobID, nil)
	}
	f.cancelled = append(f.cancelled, jobID)
	job.State = domain.JobStateCancelled
	job.CancelRequested = true
	f.jobs[jobID] = job
	return nil
}

func (f *fakeManager) Status(ctx context.Context, jobID string) (*domain.JobSnapshot, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, domain.NewError(domain.KindNotFound, "job "+jobID, nil)
	}
	return &job, nil
}

func (f *fakeManager) ListActive(userID int64) []domain.JobSnapshot {
	var out []domain.JobSnapshot
	for _, j := range f.jobs {
		if userID == 0 || j.UserID == userID {
			out = append(out, j)
		}
	}
	return out
}

func (f *fakeManager) InvalidateCache(fp string) bool {
	f.invalidated = append(f.invalidated, fp)
	return true
}

type testServer struct {
	router  *gin.Engine
	manager *fakeManager
	ledger  *quota.Ledger
}

func newTestServer(t *testing.T, rateLimit float64, burst int) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	ledger := quota.NewLedger(quota.Config{DefaultBalance: 5, Logger: logger})
	accounts := service.NewAccountService(ledger, dedup.New(10), nopAccounts{}, nopCache{}, logger)
	mgr := &fakeManager{jobs: map[string]domain.JobSnapshot{}}
	reg := prometheus.NewRegistry()

	router := gin.New()
	NewHandler(Options{
		Manager:    mgr,
		Accounts:   accounts,
		Metrics:    metrics.New(reg),
		Gatherer:   reg,
		JWTSecret:  testSecret,
		AdminUsers: []int64{99},
		RateLimit:  rateLimit,
		Burst:      burst,
		Logger:     logger,
	}).RegisterRoutes(router)
	return &testServer{router: router, manager: mgr, ledger: ledger}
}

func (s *testServer) do(t *testing.T, method, path string, userID int64, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		buf = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != 0 {
		token, err := IssueToken(testSecret, userID, time.Hour)
		if err != nil {
			t.Fatalf("issue token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t, 100, 100)
	if rec := s.do(t, http.MethodGet, "/api/jobs", 0, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	bad, err := IssueToken("other-secret", 1, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	req.Header.Set("Authorization", "Bearer "+bad)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("forged token status = %d, want 401", rec.Code)
	}

	if rec := s.do(t, http.MethodGet, "/api/health", 0, nil); rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
}

func TestSubmitExtractsURLFromText(t *testing.T) {
	s := newTestServer(t, 100, 100)
	rec := s.do(t, http.MethodPost, "/api/jobs", 1, gin.H{"text": "grab this https://youtu.be/abc please"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if len(s.manager.submitted) != 1 || s.manager.submitted[0] != "https://youtu.be/abc" {
		t.Fatalf("submitted = %v", s.manager.submitted)
	}

	rec = s.do(t, http.MethodPost, "/api/jobs", 1, gin.H{"text": "no link here"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestErrorKindsMapToStatus(t *testing.T) {
	s := newTestServer(t, 100, 100)
	s.manager.submitErr = domain.NewError(domain.KindQuotaExceeded, "insufficient credits", nil)
	rec := s.do(t, http.MethodPost, "/api/jobs", 1, gin.H{"url": "https://a.example/x"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["kind"] != "quota_exceeded" {
		t.Errorf("kind = %q", body["kind"])
	}

	cases := map[domain.Kind]int{
		domain.KindSizeExceeded:        http.StatusRequestEntityTooLarge,
		domain.KindUnsupportedPlatform: http.StatusUnprocessableEntity,
		domain.KindNotFound:            http.StatusNotFound,
		domain.KindTimeout:             http.StatusGatewayTimeout,
		domain.KindInternal:            http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := statusFor(kind); got != want {
			t.Errorf("statusFor(%s) = %d, want %d", kind, got, want)
		}
	}
}

func TestJobsAreScopedToOwner(t *testing.T) {
	s := newTestServer(t, 100, 100)
	s.manager.jobs["j1"] = domain.JobSnapshot{ID: "j1", UserID: 1, State: domain.JobStateTransferring, BytesTransferred: 50, TotalBytes: 200}

	rec := s.do(t, http.MethodGet, "/api/jobs/j1", 1, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("owner status = %d", rec.Code)
	}
	var job JobResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if job.Progress != 25 {
		t.Errorf("progress = %d, want 25", job.Progress)
	}

	if rec := s.do(t, http.MethodGet, "/api/jobs/j1", 2, nil); rec.Code != http.StatusNotFound {
		t.Errorf("other user status = %d, want 404", rec.Code)
	}
	if rec := s.do(t, http.MethodDelete, "/api/jobs/j1", 2, nil); rec.Code != http.StatusNotFound {
		t.Errorf("other user cancel status = %d, want 404", rec.Code)
	}
	if len(s.manager.cancelled) != 0 {
		t.Fatalf("job cancelled by another user")
	}

	rec = s.do(t, http.MethodDelete, "/api/jobs/j1", 1, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if job.State != domain.JobStateCancelled || !job.CancelRequested {
		t.Errorf("unexpected job after cancel %+v", job)
	}
}

func TestAdminRoutes(t *testing.T) {
	s := newTestServer(t, 100, 100)

	if rec := s.do(t, http.MethodPost, "/api/admin/accounts/7/grant", 1, gin.H{"amount": 3}); rec.Code != http.StatusForbidden {
		t.Fatalf("non-admin status = %d, want 403", rec.Code)
	}

	rec := s.do(t, http.MethodPost, "/api/admin/accounts/7/grant", 99, gin.H{"amount": 3})
	if rec.Code != http.StatusOK {
		t.Fatalf("grant status = %d body=%s", rec.Code, rec.Body.String())
	}
	if acct := s.ledger.Account(7); acct.Balance != 8 {
		t.Errorf("balance = %d, want 8", acct.Balance)
	}

	rec = s.do(t, http.MethodPost, "/api/admin/accounts/7/grant", 99, gin.H{"amount": -1})
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke status = %d body=%s", rec.Code, rec.Body.String())
	}
	if acct := s.ledger.Account(7); acct.IsUnlimited() || acct.Balance != 7 {
		t.Errorf("after revoke = %+v, want metered balance 7", acct)
	}
	if rec := s.do(t, http.MethodPost, "/api/admin/accounts/7/grant", 99, gin.H{"amount": -100}); rec.Code != http.StatusBadRequest {
		t.Errorf("over-revoke status = %d, want 400", rec.Code)
	}

	rec = s.do(t, http.MethodPost, "/api/admin/accounts/8/grant", 99, gin.H{"unlimited": true})
	if rec.Code != http.StatusOK || !s.ledger.Account(8).IsUnlimited() {
		t.Fatalf("unlimited grant failed: %d body=%s", rec.Code, rec.Body.String())
	}
	if rec := s.do(t, http.MethodPost, "/api/admin/accounts/8/grant", 99, gin.H{}); rec.Code != http.StatusBadRequest {
		t.Errorf("empty grant status = %d, want 400", rec.Code)
	}

	rec = s.do(t, http.MethodPost, "/api/admin/accounts/7/block", 99, gin.H{"blocked": true})
	if rec.Code != http.StatusOK || !s.ledger.Account(7).Blocked {
		t.Fatalf("block failed: %d", rec.Code)
	}

	rec = s.do(t, http.MethodDelete, "/api/admin/cache/abc123", 99, nil)
	if rec.Code != http.StatusOK || len(s.manager.invalidated) != 1 {
		t.Fatalf("invalidate failed: %d", rec.Code)
	}

	if rec := s.do(t, http.MethodPost, "/api/admin/accounts/zero/reset", 99, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad user id status = %d, want 400", rec.Code)
	}
}

func TestRateLimitPerUser(t *testing.T) {
	s := newTestServer(t, 0.001, 2)
	for i := 0; i < 2; i++ {
		if rec := s.do(t, http.MethodGet, "/api/account", 1, nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}
	if rec := s.do(t, http.MethodGet, "/api/account", 1, nil); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, "/api/account", 2, nil); rec.Code != http.StatusOK {
		t.Fatalf("other user limited: %d", rec.Code)
	}
}

func TestIdleLimitersAreEvicted(t *testing.T) {
	h := NewHandler(Options{RateLimit: 1, Burst: 5})
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	for id := int64(1); id <= 3; id++ {
		h.limiterFor(id, start)
	}
	busy := h.limiterFor(4, start)
	if !busy.AllowN(start, 5) {
		t.Fatalf("expected fresh limiter to allow a full burst")
	}
	if got := len(h.limiters); got != 4 {
		t.Fatalf("limiters = %d, want 4", got)
	}

	later := start.Add(90 * time.Second)
	h.limiterFor(4, start.Add(30*time.Second))
	h.limiterFor(5, later)
	if got := len(h.limiters); got != 2 {
		t.Fatalf("limiters after sweep = %d, want 2", got)
	}
	for _, id := range []int64{1, 2, 3} {
		if _, ok := h.limiters[id]; ok {
			t.Errorf("idle limiter for user %d kept", id)
		}
	}
	if h.limiters[4].lim != busy {
		t.Errorf("recently used limiter was replaced")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, 100, 100)
	s.do(t, http.MethodGet, "/api/health", 0, nil)
	rec := s.do(t, http.MethodGet, "/metrics", 0, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "http_requests_total") {
		t.Errorf("metrics output missing request counter")
	}
}

type nopAccounts struct{}

func (nopAccounts) Init(ctx context.Context) error {
	return nil
}

func (nopAccounts) ReplaceAll(ctx context.Context, accounts []domain.CreditAccount) error {
	return nil
}

func (nopAccounts) List(ctx context.Context) ([]domain.CreditAccount, error) {
	return nil, nil
}

func (nopAccounts) Get(ctx context.Context, userID int64) (*domain.CreditAccount, error) {
	return nil, domain.ErrNotFound
}

type nopCache struct{}

func (nopCache) Init(ctx context.Context) error {
	return nil
}

func (nopCache) ReplaceAll(ctx context.Context, entries []domain.CacheEntry) error {
	return nil
}

func (nopCache) List(ctx context.Context) ([]domain.CacheEntry, error) {
	return nil, nil
}
