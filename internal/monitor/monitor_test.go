package monitor

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ShayCichocki/fleet/internal/admission"
	"github.com/ShayCichocki/fleet/internal/breaker"
	"github.com/ShayCichocki/fleet/internal/clock"
	"github.com/ShayCichocki/fleet/internal/heartbeat"
	"github.com/ShayCichocki/fleet/internal/ledger"
	"github.com/ShayCichocki/fleet/internal/metrics"
	"github.com/ShayCichocki/fleet/pkg/models"
)

var epoch = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type harness struct {
	ctrl    *admission.Controller
	beats   *heartbeat.Store
	clock   *clock.FakeClock
	metrics *metrics.Metrics
	mon     *Monitor
	srv     *Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	clk := clock.Fake(epoch)
	m := metrics.New()
	ctrl, err := admission.New(admission.Config{
		MonthlyCapUSD: 100,
		Agents: []*models.Agent{
			{ID: "alpha", Tier: models.TierCritical, Model: "claude-sonnet-4"},
			{ID: "beta", Tier: models.TierBackground, Model: "claude-sonnet-4"},
		},
		Ledger:  ledger.NewFileLedger(filepath.Join(dir, "ledger"), nil),
		Breaker: breaker.NewRegistry(filepath.Join(dir, "breaker.json"), breaker.Config{}, clk, nil),
		Clock:   clk,
		Metrics: m,
	})
	require.NoError(t, err)

	beats := heartbeat.NewStore(filepath.Join(dir, "heartbeats"))
	mon := New(Config{
		Controller: ctrl,
		Heartbeats: beats,
		StaleAfter: 30 * time.Minute,
		Clock:      clk,
		Metrics:    m,
	})
	return &harness{
		ctrl:    ctrl,
		beats:   beats,
		clock:   clk,
		metrics: m,
		mon:     mon,
		srv:     NewServer(mon, m, beats, time.Second, nil),
	}
}

func (h *harness) beat(t *testing.T, id string, at time.Time) {
	t.Helper()
	require.NoError(t, h.beats.Write(heartbeat.Record{Agent: id, TS: at, Outcome: "completed"}))
}

func (h *harness) openBreaker(t *testing.T, id string) {
	t.Helper()
	for i := 0; i < 3; i++ {
		_, err := h.ctrl.RecordOutcome(context.Background(), id, false)
		require.NoError(t, err)
	}
}

func (h *harness) get(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestReport_Healthy(t *testing.T) {
	h := newHarness(t)
	h.beat(t, "alpha", epoch.Add(-time.Minute))
	h.beat(t, "beta", epoch.Add(-10*time.Minute))

	report, err := h.mon.Report(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Healthy)
	require.Len(t, report.Agents, 2)
	alpha, ok := report.Agent("alpha")
	require.True(t, ok)
	assert.Equal(t, heartbeat.StateHealthy, alpha.Heartbeat)
	assert.Equal(t, time.Minute, alpha.HeartbeatAge)
	assert.Equal(t, "completed", alpha.LastOutcome)
	require.NotNil(t, alpha.LastBeat)
	assert.Empty(t, report.Unrostered)
}

func TestReport_MissingHeartbeatIsNotUnhealthy(t *testing.T) {
	h := newHarness(t)

	report, err := h.mon.Report(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Healthy)
	for _, a := range report.Agents {
		assert.Equal(t, heartbeat.StateMissing, a.Heartbeat)
		assert.Nil(t, a.LastBeat)
	}
}

func TestReport_StuckAgent(t *testing.T) {
	h := newHarness(t)
	h.beat(t, "alpha", epoch.Add(-31*time.Minute))

	report, err := h.mon.Report(context.Background())
	require.NoError(t, err)

	assert.False(t, report.Healthy)
	stuck, open := report.Counts()
	assert.Equal(t, 1, stuck)
	assert.Equal(t, 0, open)
}

func TestReport_BudgetPausedAgentIsNotStuck(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	// $72 of the $100 cap pauses tier 3.
	_, err := h.ctrl.RecordUsage(ctx, "alpha", admission.Usage{TokensIn: 4_000_000, TokensOut: 4_000_000, Model: "claude-sonnet-4"})
	require.NoError(t, err)
	h.beat(t, "alpha", epoch.Add(-time.Minute))
	h.beat(t, "beta", epoch.Add(-45*time.Minute))

	report, err := h.mon.Report(ctx)
	require.NoError(t, err)

	assert.True(t, report.Healthy)
	beta, ok := report.Agent("beta")
	require.True(t, ok)
	assert.False(t, beta.Allowed)
	assert.Equal(t, admission.ReasonGlobalBudgetPaused, beta.Reason)
	assert.Equal(t, heartbeat.StatePaused, beta.Heartbeat)
	assert.Equal(t, 45*time.Minute, beta.HeartbeatAge)
	stuck, _ := report.Counts()
	assert.Zero(t, stuck)
}

func TestReport_OpenBreaker(t *testing.T) {
	h := newHarness(t)
	h.openBreaker(t, "beta")

	report, err := h.mon.Report(context.Background())
	require.NoError(t, err)

	assert.False(t, report.Healthy)
	beta, _ := report.Agent("beta")
	assert.True(t, beta.BreakerOpen)
	assert.Equal(t, admission.ReasonCircuitOpen, beta.Reason)
}

func TestReport_Unrostered(t *testing.T) {
	h := newHarness(t)
	h.beat(t, "retired", epoch.Add(-time.Hour))

	report, err := h.mon.Report(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Unrostered, 1)
	assert.Equal(t, "retired", report.Unrostered[0].Agent)
	assert.True(t, report.Healthy)
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t)

	rec := h.get(t, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 2, body.Agents)

	h.openBreaker(t, "alpha")
	rec = h.get(t, http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, 1, body.OpenBreaker)
}

func TestAgentsEndpoints(t *testing.T) {
	h := newHarness(t)

	rec := h.get(t, http.MethodGet, "/agents")
	require.Equal(t, http.StatusOK, rec.Code)
	var report Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Len(t, report.Agents, 2)
	assert.Equal(t, "2026-05", report.Month)

	rec = h.get(t, http.MethodGet, "/agents/beta")
	require.Equal(t, http.StatusOK, rec.Code)
	var row AgentReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &row))
	assert.Equal(t, "beta", row.ID)

	rec = h.get(t, http.MethodGet, "/agents/ghost")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"not_found"`)
}

func TestBreakerResetEndpoint(t *testing.T) {
	h := newHarness(t)
	h.openBreaker(t, "alpha")

	rec := h.get(t, http.MethodPost, "/agents/alpha/breaker/reset")
	require.Equal(t, http.StatusOK, rec.Code)

	d, err := h.ctrl.CheckBudget(context.Background(), "alpha")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	rec = h.get(t, http.MethodPost, "/agents/ghost/breaker/reset")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.get(t, http.MethodGet, "/agents/alpha/breaker/reset")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	h.beat(t, "alpha", epoch.Add(-time.Minute))
	_, err := h.mon.Report(context.Background())
	require.NoError(t, err)

	rec := h.get(t, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "fleet_"))
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := newHarness(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.srv.Serve(ctx, ln) }()

	client := &http.Client{Timeout: 5 * time.Second}
	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = client.Get("http://" + ln.Addr().String() + "/health")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	client.CloseIdleConnections()

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}
