// Package health отдаёт /healthz, /readyz и /livez для оркестратора.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
)

// DefaultCheckTimeout ограничивает одну проверку, если в NewHandler не передан свой.
const DefaultCheckTimeout = 2 * time.Second

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// worse возвращает более тяжёлый из двух статусов.
func worse(a, b Status) Status {
	rank := func(s Status) int {
		switch s {
		case StatusUnhealthy:
			return 2
		case StatusDegraded:
			return 1
		}
		return 0
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

// Check содержит результат одной проверки.
type Check struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Critical   bool   `json:"critical"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Report описывает тело /healthz.
type Report struct {
	Status       Status           `json:"status"`
	Version      string           `json:"version,omitempty"`
	CheckedAt    time.Time        `json:"checked_at"`
	Uptime       string           `json:"uptime"`
	ShuttingDown bool             `json:"shutting_down,omitempty"`
	Checks       map[string]Check `json:"checks,omitempty"`
}

// Checker проверяет один компонент. Check должен уважать дедлайн ctx.
type Checker interface {
	Check(ctx context.Context) Check
}

type probe struct {
	name     string
	checker  Checker
	critical bool
}

// Handler собирает проверки и отвечает на probe-запросы.
type Handler struct {
	version   string
	startedAt time.Time
	timeout   time.Duration
	draining  atomic.Bool

	mu     sync.RWMutex
	probes []probe
}

type Option func(*Handler)

// WithCheckTimeout задаёт дедлайн каждой проверки.
func WithCheckTimeout(timeout time.Duration) Option {
	return func(h *Handler) {
		if timeout > 0 {
			h.timeout = timeout
		}
	}
}

func NewHandler(version string, opts ...Option) *Handler {
	h := &Handler{version: version, startedAt: time.Now(), timeout: DefaultCheckTimeout}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterChecker добавляет критичную проверку: её падение делает сервис unhealthy и снимает готовность.
func (h *Handler) RegisterChecker(name string, checker Checker) {
	h.add(probe{name: name, checker: checker, critical: true})
}

// RegisterOptional добавляет проверку компонента, без которого магазин продолжает работать.
// Её падение понижает статус до degraded, готовность не снимается.
func (h *Handler) RegisterOptional(name string, checker Checker) {
	h.add(probe{name: name, checker: checker})
}

func (h *Handler) add(p probe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes = slices.DeleteFunc(h.probes, func(old probe) bool { return old.name == p.name })
	h.probes = append(h.probes, p)
}

// MarkShuttingDown снимает готовность до остановки листенеров.
func (h *Handler) MarkShuttingDown() {
	h.draining.Store(true)
}

// evaluate запускает все проверки параллельно, каждую со своим дедлайном.
func (h *Handler) evaluate(ctx context.Context) (Status, map[string]Check) {
	h.mu.RLock()
	probes := slices.Clone(h.probes)
	h.mu.RUnlock()

	results := make([]Check, len(probes))
	var wg sync.WaitGroup
	for i, p := range probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = h.runProbe(ctx, p)
		}()
	}
	wg.Wait()

	status := StatusHealthy
	checks := make(map[string]Check, len(probes))
	for i, check := range results {
		checks[probes[i].name] = check
		status = worse(status, check.Status)
	}
	return status, checks
}

func (h *Handler) runProbe(ctx context.Context, p probe) Check {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	check := p.checker.Check(ctx)
	check.Critical = p.critical
	if !p.critical && check.Status == StatusUnhealthy {
		check.Status = StatusDegraded
	}
	return check
}

// ServeHTTP отвечает на /healthz: 503 только при упавшей критичной проверке.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status, checks := h.evaluate(r.Context())
	report := Report{
		Status:       status,
		Version:      h.version,
		CheckedAt:    time.Now().UTC(),
		Uptime:       time.Since(h.startedAt).Truncate(time.Second).String(),
		ShuttingDown: h.draining.Load(),
		Checks:       checks,
	}

	code := http.StatusOK
	if status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(report)
}

// LivenessHandler всегда отвечает 200, пока процесс жив.
func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "ok")
}

// ReadinessHandler отвечает 503 при остановке или упавшей критичной проверке.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if h.draining.Load() {
		writeText(w, http.StatusServiceUnavailable, "shutting down")
		return
	}

	_, checks := h.evaluate(r.Context())
	var failed []string
	for name, check := range checks {
		if check.Critical && check.Status == StatusUnhealthy {
			failed = append(failed, name)
		}
	}
	if len(failed) == 0 {
		writeText(w, http.StatusOK, "ready")
		return
	}
	slices.Sort(failed)
	writeText(w, http.StatusServiceUnavailable, "not ready: "+strings.Join(failed, ", "))
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}

// Ping превращает функцию вида store.Ping в проверку.
func Ping(name string, fn func(ctx context.Context) error) Checker {
	return pingCheck{name: name, fn: fn}
}

type pingCheck struct {
	name string
	fn   func(ctx context.Context) error
}

func (c pingCheck) Check(ctx context.Context) Check {
	start := time.Now()
	err := c.fn(ctx)
	return finish(Check{Name: c.name}, start, err)
}

func finish(check Check, start time.Time, err error) Check {
	check.DurationMs = time.Since(start).Milliseconds()
	switch {
	case err != nil:
		check.Status, check.Message = StatusUnhealthy, err.Error()
	case check.Status == "":
		check.Status = StatusHealthy
	}
	return check
}

// OutboxStatsSource описывает часть outbox-репозитория, нужную проверке.
type OutboxStatsSource interface {
	Stats(ctx context.Context) (domain.OutboxStats, error)
}

// OutboxBacklogChecker помечает outbox как degraded, когда самое старое pending-событие старше staleAfter.
type OutboxBacklogChecker struct {
	source     OutboxStatsSource
	staleAfter time.Duration
	now        func() time.Time
}

func NewOutboxBacklogChecker(source OutboxStatsSource, staleAfter time.Duration) *OutboxBacklogChecker {
	return &OutboxBacklogChecker{
		source:     source,
		staleAfter: staleAfter,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (c *OutboxBacklogChecker) Check(ctx context.Context) Check {
	start := time.Now()
	stats, err := c.source.Stats(ctx)
	check := Check{Name: "outbox"}
	if err == nil && stats.PendingCount > 0 {
		check.Message = fmt.Sprintf("%d pending events", stats.PendingCount)
		if age := c.now().Sub(stats.OldestPendingAt); c.staleAfter > 0 && age > c.staleAfter {
			check.Status = StatusDegraded
			check.Message += fmt.Sprintf(", oldest waiting %s", age.Truncate(time.Second))
		}
	}
	return finish(check, start, err)
}
