// Command loadtest гоняет оформление заказов по HTTP API магазина.
// Режим stampede бьёт всеми воркерами в один размер и проверяет, что склад не ушёл в минус.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
	"github.com/vladislavdragonenkov/campusstore/internal/transport/httpapi"
)

const outcomeTransportError = "transport_error"

type loadMode string

const (
	modeStampede  loadMode = "stampede"
	modeCreate    loadMode = "create"
	modeCreatePay loadMode = "create-pay"
)

type config struct {
	baseURL       string
	total         int
	totalSet      bool
	duration      time.Duration
	concurrency   int
	timeout       time.Duration
	mode          loadMode
	productID     int64
	variantID     int64
	qty           int
	paymentMethod string
	userTag       string
	webhookSecret string
	// expectStock < 0 выключает проверку перепродажи.
	expectStock int
	outputPath  string
}

func parseConfig(args []string) (config, error) {
	var cfg config
	var modeValue string

	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "url", "http://localhost:8080", "store API base URL")
	fs.IntVar(&cfg.total, "total", 200, "scenarios to run; with -duration acts as an upper bound only when set")
	fs.DurationVar(&cfg.duration, "duration", 0, "run for this long instead of a fixed count (e.g. 1m)")
	fs.IntVar(&cfg.concurrency, "concurrency", 40, "parallel workers")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "timeout for one scenario")
	fs.StringVar(&modeValue, "mode", string(modeStampede), "load mode: stampede | create | create-pay")
	fs.Int64Var(&cfg.productID, "product", 1, "product id to order")
	fs.Int64Var(&cfg.variantID, "variant", 2, "variant id to order (0 for products without sizes)")
	fs.IntVar(&cfg.qty, "qty", 1, "quantity per order")
	fs.StringVar(&cfg.paymentMethod, "payment-method", "cash", "payment method: cash | card | online")
	fs.StringVar(&cfg.userTag, "user-tag", "load", "user id prefix")
	fs.StringVar(&cfg.webhookSecret, "webhook-secret", "", "secret for signing payment webhooks in create-pay mode")
	fs.IntVar(&cfg.expectStock, "expect-stock", -1, "initial stock of the ordered row; fails the run when orders exceed it")
	fs.StringVar(&cfg.outputPath, "output", "", "write the JSON report to this file")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	fs.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	mode, err := parseMode(modeValue)
	if err != nil {
		return cfg, err
	}
	cfg.mode = mode
	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")

	return cfg, cfg.validate()
}

func (c config) validate() error {
	var errs []error
	check := func(bad bool, msg string) {
		if bad {
			errs = append(errs, errors.New(msg))
		}
	}
	check(c.baseURL == "", "url is required")
	check(c.duration < 0, "duration must not be negative")
	check(c.duration == 0 && c.total <= 0, "total must be positive in count mode")
	check(c.duration > 0 && c.totalSet && c.total <= 0, "explicit total must be positive")
	check(c.concurrency <= 0, "concurrency must be positive")
	check(c.timeout <= 0, "timeout must be positive")
	check(c.productID <= 0, "product must be positive")
	check(c.variantID < 0, "variant must not be negative")
	check(c.qty <= 0, "qty must be positive")
	check(strings.TrimSpace(c.userTag) == "", "user-tag is required")
	return errors.Join(errs...)
}

var knownModes = []loadMode{modeStampede, modeCreate, modeCreatePay}

func parseMode(value string) (loadMode, error) {
	mode := loadMode(strings.TrimSpace(value))
	if !slices.Contains(knownModes, mode) {
		return "", fmt.Errorf("unsupported mode %q (want one of %v)", value, knownModes)
	}
	return mode, nil
}

// apiClient вызывает HTTP API магазина.
type apiClient struct {
	baseURL       string
	http          *http.Client
	webhookSecret string
}

type createdOrder struct {
	OrderID     string `json:"order_id"`
	TotalAmount int64  `json:"total_amount"`
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (c *apiClient) post(ctx context.Context, path string, body any, headers map[string]string) (int, []byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if path == "/payments/webhook" && c.webhookSecret != "" {
		req.Header.Set(httpapi.HeaderWebhookSignature, httpapi.SignWebhook([]byte(c.webhookSecret), raw))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	return resp.StatusCode, data, err
}

func (c *apiClient) createOrder(ctx context.Context, cfg config, userID, key string) (int, createdOrder, apiError, error) {
	item := map[string]any{"product_id": cfg.productID, "quantity": cfg.qty}
	if cfg.variantID > 0 {
		item["variant_id"] = cfg.variantID
	}
	status, data, err := c.post(ctx, "/orders", map[string]any{
		"items":          []map[string]any{item},
		"payment_method": cfg.paymentMethod,
	}, map[string]string{
		httpapi.HeaderUserID:         userID,
		httpapi.HeaderIdempotencyKey: key,
	})
	if err != nil {
		return 0, createdOrder{}, apiError{}, err
	}

	if status == http.StatusCreated {
		var order createdOrder
		if err := json.Unmarshal(data, &order); err != nil {
			return status, createdOrder{}, apiError{}, fmt.Errorf("decode create response: %w", err)
		}
		return status, order, apiError{}, nil
	}
	var apiErr apiError
	_ = json.Unmarshal(data, &apiErr)
	return status, createdOrder{}, apiErr, nil
}

func (c *apiClient) payOrder(ctx context.Context, order createdOrder, txID string) (int, error) {
	status, _, err := c.post(ctx, "/payments/webhook", map[string]any{
		"transaction_id": txID,
		"order_id":       order.OrderID,
		"amount":         order.TotalAmount,
		"status":         "paid",
	}, nil)
	return status, err
}

func outcome(status int, err error) string {
	if err != nil {
		return outcomeTransportError
	}
	return strconv.Itoa(status)
}

func runScenario(ctx context.Context, client *apiClient, cfg config, index int, runID string, t *tally) error {
	began := time.Now()
	verdict, ok := "ok", true
	defer func() { t.scenarios.observe(time.Since(began), verdict, ok) }()
	fail := func(what string, err error) error {
		verdict, ok = what, false
		return err
	}

	reqCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	userID := fmt.Sprintf("%s-%s-%d", cfg.userTag, runID, index)
	start := time.Now()
	status, order, apiErr, err := client.createOrder(reqCtx, cfg, userID, fmt.Sprintf("lt-create-%s-%d", runID, index))
	soldOut := status == http.StatusConflict && apiErr.Code == domain.CodeInsufficientStock
	t.call("CreateOrder").observe(time.Since(start), outcome(status, err), status == http.StatusCreated || soldOut)

	switch {
	case err != nil:
		return fail(outcomeTransportError, err)
	case soldOut && cfg.mode == modeStampede:
		t.soldOut.Add(1)
		verdict = "sold_out"
		return nil
	case status != http.StatusCreated:
		return fail(outcome(status, nil), fmt.Errorf("create order: status %d code %s", status, apiErr.Code))
	}
	t.created.Add(1)

	if cfg.mode != modeCreatePay {
		return nil
	}

	start = time.Now()
	status, err = client.payOrder(reqCtx, order, fmt.Sprintf("lt-pay-%s-%d", runID, index))
	t.call("PaymentWebhook").observe(time.Since(start), outcome(status, err), err == nil && status == http.StatusOK)
	if err != nil {
		return fail(outcomeTransportError, err)
	}
	if status != http.StatusOK {
		return fail(outcome(status, nil), fmt.Errorf("payment webhook: status %d", status))
	}
	return nil
}

// feedJobs раздаёт номера сценариев: total штук либо до истечения duration.
func feedJobs(jobs chan<- int, cfg config) {
	defer close(jobs)

	var deadline <-chan time.Time
	if cfg.duration > 0 {
		timer := time.NewTimer(cfg.duration)
		defer timer.Stop()
		deadline = timer.C
	}
	limited := cfg.duration <= 0 || cfg.totalSet

	for i := 0; !limited || i < cfg.total; i++ {
		select {
		case <-deadline:
			return
		case jobs <- i:
		}
	}
}

func execute(ctx context.Context, cfg config, client *apiClient) report {
	startedAt := time.Now()
	runID := strconv.FormatInt(startedAt.UnixNano(), 36)
	t := &tally{}

	jobs := make(chan int, cfg.concurrency*2)
	var wg sync.WaitGroup
	for range cfg.concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				_ = runScenario(ctx, client, cfg, id, runID, t)
			}
		}()
	}
	feedJobs(jobs, cfg)
	wg.Wait()

	result := t.report(startedAt, time.Since(startedAt))
	result.judgeOversold(cfg)
	return result
}

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(2)
	}

	client := &apiClient{
		baseURL:       cfg.baseURL,
		http:          &http.Client{Transport: &http.Transport{MaxIdleConnsPerHost: cfg.concurrency}},
		webhookSecret: cfg.webhookSecret,
	}
	result := execute(context.Background(), cfg, client)
	printReport(os.Stdout, result, cfg)

	if cfg.outputPath != "" {
		if err := saveReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "save report: %v\n", err)
			os.Exit(1)
		}
	}
	if result.failed() {
		os.Exit(1)
	}
}
