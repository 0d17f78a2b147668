package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// latencyStats в миллисекундах.
type latencyStats struct {
	Min  float64 `json:"min"`
	Mean float64 `json:"mean"`
	P50  float64 `json:"p50"`
	P95  float64 `json:"p95"`
	P99  float64 `json:"p99"`
	Max  float64 `json:"max"`
}

type callReport struct {
	Calls     int64            `json:"calls"`
	Success   int64            `json:"success"`
	Failed    int64            `json:"failed"`
	ErrorRate float64          `json:"error_rate"`
	Outcomes  map[string]int64 `json:"outcomes"`
	Latency   latencyStats     `json:"latency_ms"`
}

type orderTotals struct {
	Created  int64 `json:"created"`
	SoldOut  int64 `json:"sold_out"`
	Oversold bool  `json:"oversold"`
}

type report struct {
	StartedAt  time.Time             `json:"started_at"`
	Elapsed    float64               `json:"elapsed_seconds"`
	Throughput float64               `json:"scenarios_per_second"`
	Scenarios  callReport            `json:"scenarios"`
	Orders     orderTotals           `json:"orders"`
	Calls      map[string]callReport `json:"calls"`
}

// failed говорит, должен ли прогон завершиться ненулевым кодом.
func (r report) failed() bool {
	return r.Scenarios.Failed > 0 || r.Orders.Oversold
}

// judgeOversold сверяет созданные заказы с исходным остатком.
func (r *report) judgeOversold(cfg config) {
	if cfg.expectStock < 0 {
		return
	}
	r.Orders.Oversold = r.Orders.Created*int64(cfg.qty) > int64(cfg.expectStock)
}

// callStats копит результаты одного вида вызова.
type callStats struct {
	mu        sync.Mutex
	success   int64
	failed    int64
	outcomes  map[string]int64
	latencies []float64
}

func (s *callStats) observe(took time.Duration, outcome string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.outcomes == nil {
		s.outcomes = make(map[string]int64)
	}
	if ok {
		s.success++
	} else {
		s.failed++
	}
	s.outcomes[outcome]++
	s.latencies = append(s.latencies, float64(took)/float64(time.Millisecond))
}

func (s *callStats) report() callReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	calls := s.success + s.failed
	out := callReport{
		Calls:    calls,
		Success:  s.success,
		Failed:   s.failed,
		Outcomes: maps.Clone(s.outcomes),
		Latency:  summarize(s.latencies),
	}
	if calls > 0 {
		out.ErrorRate = float64(s.failed) / float64(calls)
	}
	return out
}

// tally собирает статистику всех воркеров прогона.
type tally struct {
	scenarios callStats
	created   atomic.Int64
	soldOut   atomic.Int64

	mu    sync.Mutex
	calls map[string]*callStats
}

func (t *tally) call(name string) *callStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.calls == nil {
		t.calls = make(map[string]*callStats)
	}
	s, ok := t.calls[name]
	if !ok {
		s = &callStats{}
		t.calls[name] = s
	}
	return s
}

func (t *tally) report(startedAt time.Time, elapsed time.Duration) report {
	out := report{
		StartedAt: startedAt.UTC(),
		Elapsed:   elapsed.Seconds(),
		Scenarios: t.scenarios.report(),
		Orders:    orderTotals{Created: t.created.Load(), SoldOut: t.soldOut.Load()},
		Calls:     map[string]callReport{},
	}
	if elapsed > 0 {
		out.Throughput = float64(out.Scenarios.Calls) / elapsed.Seconds()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for name, s := range t.calls {
		out.Calls[name] = s.report()
	}
	return out
}

func summarize(values []float64) latencyStats {
	if len(values) == 0 {
		return latencyStats{}
	}
	sorted := slices.Sorted(slices.Values(values))

	var total float64
	for _, v := range sorted {
		total += v
	}
	return latencyStats{
		Min:  sorted[0],
		Mean: total / float64(len(sorted)),
		P50:  nearestRank(sorted, 0.50),
		P95:  nearestRank(sorted, 0.95),
		P99:  nearestRank(sorted, 0.99),
		Max:  sorted[len(sorted)-1],
	}
}

// nearestRank берёт перцентиль q (0..1) по отсортированной выборке без интерполяции.
func nearestRank(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Ceil(q*float64(n))) - 1
	return sorted[min(max(idx, 0), n-1)]
}

// saveReport пишет отчёт в JSON. Путь обязан оставаться внутри рабочего каталога.
func saveReport(path string, r report) error {
	clean := filepath.Clean(path)
	if !filepath.IsLocal(clean) || clean == "." {
		return fmt.Errorf("report path %q must name a file under the working directory", path)
	}
	raw, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(clean, append(raw, '\n'), 0o600)
}

func printReport(w io.Writer, r report, cfg config) {
	s := r.Scenarios
	fmt.Fprintf(w, "loadtest %s (%s)\n", cfg.mode, runTarget(cfg))
	fmt.Fprintf(w, "  scenarios: %d ok=%d failed=%d error_rate=%.4f\n", s.Calls, s.Success, s.Failed, s.ErrorRate)
	fmt.Fprintf(w, "  orders: created=%d sold_out=%d oversold=%t\n", r.Orders.Created, r.Orders.SoldOut, r.Orders.Oversold)
	fmt.Fprintf(w, "  elapsed=%.2fs throughput=%.2f/s\n", r.Elapsed, r.Throughput)
	fmt.Fprintf(w, "  latency ms: min=%.2f mean=%.2f p50=%.2f p95=%.2f p99=%.2f max=%.2f\n",
		s.Latency.Min, s.Latency.Mean, s.Latency.P50, s.Latency.P95, s.Latency.P99, s.Latency.Max)

	for _, name := range slices.Sorted(maps.Keys(r.Calls)) {
		c := r.Calls[name]
		fmt.Fprintf(w, "  %s: calls=%d ok=%d failed=%d p95=%.2fms\n", name, c.Calls, c.Success, c.Failed, c.Latency.P95)
	}
}

func runTarget(cfg config) string {
	switch {
	case cfg.duration <= 0:
		return fmt.Sprintf("count:%d", cfg.total)
	case cfg.totalSet:
		return fmt.Sprintf("duration:%s,max-total:%d", cfg.duration, cfg.total)
	default:
		return fmt.Sprintf("duration:%s", cfg.duration)
	}
}
