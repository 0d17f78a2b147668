package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
)

func up(context.Context) error { return nil }

func down(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

func healthz(t *testing.T, h *Handler) (int, Report) {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var report Report
	require.NoError(t, json.NewDecoder(w.Body).Decode(&report))
	return w.Code, report
}

func readyz(h *Handler) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ReadinessHandler(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	return w
}

func TestHealthz(t *testing.T) {
	cases := []struct {
		name      string
		storage   func(context.Context) error
		redis     func(context.Context) error
		wantCode  int
		wantState Status
	}{
		{"all up", up, up, http.StatusOK, StatusHealthy},
		{"storage down", down("connection refused"), up, http.StatusServiceUnavailable, StatusUnhealthy},
		{"redis down only degrades", up, down("dial tcp: i/o timeout"), http.StatusOK, StatusDegraded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHandler("v1.2.0")
			h.RegisterChecker("storage", Ping("storage:postgres", tc.storage))
			h.RegisterOptional("redis", Ping("redis", tc.redis))

			code, report := healthz(t, h)
			assert.Equal(t, tc.wantCode, code)
			assert.Equal(t, tc.wantState, report.Status)
			assert.Equal(t, "v1.2.0", report.Version)
			assert.True(t, report.Checks["storage"].Critical)
			assert.False(t, report.Checks["redis"].Critical)
			assert.NotEmpty(t, report.Uptime)
		})
	}
}

func TestHealthz_FailureMessageAndDegradedOptional(t *testing.T) {
	h := NewHandler("dev")
	h.RegisterChecker("storage", Ping("storage:memory", down("connection refused")))
	h.RegisterOptional("redis", Ping("redis", down("timeout")))

	_, report := healthz(t, h)
	assert.Equal(t, "connection refused", report.Checks["storage"].Message)
	assert.Equal(t, StatusDegraded, report.Checks["redis"].Status)
}

func TestHealthz_ReRegisterReplacesProbe(t *testing.T) {
	h := NewHandler("dev")
	h.RegisterChecker("storage", Ping("storage", down("old")))
	h.RegisterChecker("storage", Ping("storage", up))

	code, report := healthz(t, h)
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, report.Checks, 1)
}

func TestHealthz_CheckTimeout(t *testing.T) {
	h := NewHandler("dev", WithCheckTimeout(20*time.Millisecond))
	h.RegisterChecker("storage", Ping("storage", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	start := time.Now()
	code, report := healthz(t, h)
	require.Less(t, time.Since(start), time.Second, "check must be bounded by timeout")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, report.Checks["storage"].Message, "deadline")
}

func TestLivenessHandler(t *testing.T) {
	w := httptest.NewRecorder()
	LivenessHandler(w, httptest.NewRequest(http.MethodGet, "/livez", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestReadiness(t *testing.T) {
	h := NewHandler("dev")
	h.RegisterChecker("storage", Ping("storage", up))
	h.RegisterOptional("redis", Ping("redis", down("gone")))

	w := readyz(h)
	assert.Equal(t, http.StatusOK, w.Code, "optional failure keeps readiness")
	assert.Equal(t, "ready", w.Body.String())
}

func TestReadiness_ListsFailedCriticalChecks(t *testing.T) {
	h := NewHandler("dev")
	h.RegisterChecker("storage", Ping("storage", down("down")))
	h.RegisterChecker("kafka", Ping("kafka", down("down")))

	w := readyz(h)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "not ready: kafka, storage", w.Body.String())
}

func TestReadiness_ShuttingDown(t *testing.T) {
	h := NewHandler("dev")
	h.RegisterChecker("storage", Ping("storage", up))
	h.MarkShuttingDown()

	assert.Equal(t, http.StatusServiceUnavailable, readyz(h).Code)

	_, report := healthz(t, h)
	assert.True(t, report.ShuttingDown)
}

func TestPing_MeasuresDuration(t *testing.T) {
	check := Ping("storage", func(context.Context) error {
		time.Sleep(10 * time.Millisecond)
		return nil
	}).Check(context.Background())

	assert.Equal(t, StatusHealthy, check.Status)
	assert.GreaterOrEqual(t, check.DurationMs, int64(10))
}

func TestWorse(t *testing.T) {
	assert.Equal(t, StatusDegraded, worse(StatusHealthy, StatusDegraded))
	assert.Equal(t, StatusUnhealthy, worse(StatusUnhealthy, StatusDegraded))
	assert.Equal(t, StatusHealthy, worse(StatusHealthy, StatusHealthy))
}

type outboxStats struct {
	stats domain.OutboxStats
	err   error
}

func (s outboxStats) Stats(context.Context) (domain.OutboxStats, error) {
	return s.stats, s.err
}

func TestOutboxBacklogChecker(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	pending := func(n int, age time.Duration) outboxStats {
		return outboxStats{stats: domain.OutboxStats{PendingCount: n, OldestPendingAt: now.Add(-age)}}
	}

	cases := map[string]struct {
		source outboxStats
		want   Status
	}{
		"empty":         {outboxStats{}, StatusHealthy},
		"fresh backlog": {pending(3, time.Minute), StatusHealthy},
		"stale backlog": {pending(40, time.Hour), StatusDegraded},
		"stats error":   {outboxStats{err: errors.New("query failed")}, StatusUnhealthy},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			checker := NewOutboxBacklogChecker(tc.source, 5*time.Minute)
			checker.now = func() time.Time { return now }

			got := checker.Check(context.Background())
			assert.Equal(t, tc.want, got.Status, got.Message)
		})
	}
}

func TestOutboxBacklogChecker_OptionalKeepsServiceUp(t *testing.T) {
	h := NewHandler("dev")
	h.RegisterChecker("storage", Ping("storage", up))
	h.RegisterOptional("outbox", NewOutboxBacklogChecker(outboxStats{err: errors.New("query failed")}, time.Minute))

	code, report := healthz(t, h)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, StatusDegraded, report.Status)
}
