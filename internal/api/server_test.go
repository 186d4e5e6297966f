package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sitescore/auditor/internal/audit"
	"github.com/sitescore/auditor/internal/config"
	"github.com/sitescore/auditor/internal/orchestrator"
	"github.com/sitescore/auditor/internal/scoring"
)

type fakeAuditService struct {
	submitJob  audit.Job
	submitErr  error
	statusJob  audit.Job
	statusErr  error
	cancelErr  error
	report     scoring.ScoreReport
	reportErr  error
	pages      []audit.PageRecord
	pagesErr   error
	lastDomain string
	lastLimits audit.CrawlLimits
}

func (f *fakeAuditService) Submit(_ context.Context, domain string, limits audit.CrawlLimits) (audit.Job, error) {
	f.lastDomain = domain
	f.lastLimits = limits
	return f.submitJob, f.submitErr
}

func (f *fakeAuditService) Status(string) (audit.Job, error) {
	return f.statusJob, f.statusErr
}

func (f *fakeAuditService) Cancel(string) error {
	return f.cancelErr
}

func (f *fakeAuditService) Report(context.Context, string) (scoring.ScoreReport, error) {
	return f.report, f.reportErr
}

func (f *fakeAuditService) Pages(context.Context, string) ([]audit.PageRecord, error) {
	return f.pages, f.pagesErr
}

func testConfig() config.Config {
	cfg, _ := config.Load("")
	return cfg
}

func newTestServer(t *testing.T, svc AuditService, cfg config.Config) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewServer(svc, cfg, zap.NewNop()).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, payload string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(payload))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestSubmitAuditAccepted(t *testing.T) {
	t.Parallel()

	svc := &fakeAuditService{
		submitJob: audit.Job{ID: "job-1", DomainKey: "example.com", State: audit.JobStatePending},
	}
	srv := newTestServer(t, svc, testConfig())

	resp := postJSON(t, srv.URL+"/v1/audits", `{"domain":"example.com","max_pages":25}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	body := decodeBody(t, resp)
	require.Equal(t, "job-1", body["job_id"])
	require.Equal(t, "example.com", svc.lastDomain)
	require.Equal(t, 25, svc.lastLimits.MaxPages)
	// Depth falls back to the configured default.
	require.Equal(t, 3, svc.lastLimits.MaxDepth)
}

func TestSubmitAuditBudgetSeconds(t *testing.T) {
	t.Parallel()

	svc := &fakeAuditService{submitJob: audit.Job{ID: "job-1"}}
	srv := newTestServer(t, svc, testConfig())

	resp := postJSON(t, srv.URL+"/v1/audits", `{"domain":"example.com","budget_seconds":90}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()
	require.Equal(t, 90*time.Second, svc.lastLimits.Budget)
}

func TestSubmitAuditRejectsBadRequests(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeAuditService{}, testConfig())

	resp := postJSON(t, srv.URL+"/v1/audits", `not json`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/v1/audits", `{"max_pages":10}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestSubmitDuringShutdown(t *testing.T) {
	t.Parallel()

	svc := &fakeAuditService{submitErr: orchestrator.ErrShuttingDown}
	srv := newTestServer(t, svc, testConfig())

	resp := postJSON(t, srv.URL+"/v1/audits", `{"domain":"example.com"}`)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()
}

func TestGetStatus(t *testing.T) {
	t.Parallel()

	svc := &fakeAuditService{
		statusJob: audit.Job{ID: "job-1", State: audit.JobStateRunning},
	}
	srv := newTestServer(t, svc, testConfig())

	resp, err := http.Get(srv.URL + "/v1/audits/job-1/status")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	job := body["job"].(map[string]any)
	require.Equal(t, "running", job["state"])
}

func TestGetStatusNotFound(t *testing.T) {
	t.Parallel()

	svc := &fakeAuditService{statusErr: orchestrator.ErrJobNotFound}
	srv := newTestServer(t, svc, testConfig())

	resp, err := http.Get(srv.URL + "/v1/audits/missing/status")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestGetReportStates(t *testing.T) {
	t.Parallel()

	svc := &fakeAuditService{reportErr: orchestrator.ErrReportNotReady}
	srv := newTestServer(t, svc, testConfig())

	resp, err := http.Get(srv.URL + "/v1/audits/job-1/report")
	require.NoError(t, err)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	svc.reportErr = nil
	svc.report = scoring.ScoreReport{OverallScore: 88, OverallGrade: scoring.GradeB}
	resp, err = http.Get(srv.URL + "/v1/audits/job-1/report")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	report := body["report"].(map[string]any)
	require.Equal(t, 88.0, report["overall_score"])
}

func TestGetPages(t *testing.T) {
	t.Parallel()

	svc := &fakeAuditService{
		pages: []audit.PageRecord{{NormalizedURL: "https://example.com/", StatusCode: 200}},
	}
	srv := newTestServer(t, svc, testConfig())

	resp, err := http.Get(srv.URL + "/v1/audits/job-1/pages")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	pages := body["pages"].([]any)
	require.Len(t, pages, 1)
}

func TestCancelAudit(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeAuditService{}, testConfig())

	resp := postJSON(t, srv.URL+"/v1/audits/job-1/cancel", ``)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	svc := &fakeAuditService{cancelErr: orchestrator.ErrJobNotFound}
	srv2 := newTestServer(t, svc, testConfig())
	resp = postJSON(t, srv2.URL+"/v1/audits/missing/cancel", ``)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeAuditService{}, testConfig())

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Auth.Enabled = true
	cfg.Auth.APIKey = "secret"
	srv := newTestServer(t, &fakeAuditService{}, cfg)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}
