package app

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func startRun(t *testing.T, cfg Config) (cancel context.CancelFunc, result <-chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- Run(ctx, cfg) }()
	t.Cleanup(cancel)
	return cancel, errCh
}

func waitRun(t *testing.T, errCh <-chan error) error {
	t.Helper()

	select {
	case err := <-errCh:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancellation")
		return nil
	}
}

func TestRun_MemoryGracefulShutdown(t *testing.T) {
	cancel, errCh := startRun(t, testConfig())

	time.Sleep(150 * time.Millisecond)
	cancel()

	if err := waitRun(t, errCh); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRun_InvalidStorageDriver(t *testing.T) {
	cfg := testConfig()
	cfg.StorageDriver = "invalid-driver"

	err := Run(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "unsupported storage driver") {
		t.Fatalf("expected unsupported storage driver error, got %v", err)
	}
}

func TestRun_HTTPAddrInUse(t *testing.T) {
	cfg := testConfig()
	port := findFreePort(t)
	cfg.HTTPAddr = fmt.Sprintf("127.0.0.1:%d", port)

	// первый экземпляр занимает порт
	cancel, errCh := startRun(t, cfg)
	waitForServer(t, fmt.Sprintf("http://127.0.0.1:%d/orders/none", port))

	err := Run(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "listen http") {
		t.Fatalf("expected listen error, got %v", err)
	}

	cancel()
	_ = waitRun(t, errCh)
}

func TestRun_CheckoutOverHTTP(t *testing.T) {
	cfg := testConfig()
	port := findFreePort(t)
	cfg.HTTPAddr = fmt.Sprintf("127.0.0.1:%d", port)
	base := fmt.Sprintf("http://127.0.0.1:%d", port)

	cancel, errCh := startRun(t, cfg)
	waitForServer(t, base+"/orders/none")

	body, err := json.Marshal(map[string]any{
		"items":          []map[string]any{{"product_id": 1, "variant_id": 2, "quantity": 2}},
		"payment_method": "cash",
	})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, base+"/orders", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "student-1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created struct {
		OrderID     string `json:"order_id"`
		TotalAmount int64  `json:"total_amount"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotEmpty(t, created.OrderID)
	require.Equal(t, int64(900), created.TotalAmount)

	req, err = http.NewRequest(http.MethodGet, base+"/orders/"+created.OrderID, nil)
	require.NoError(t, err)
	req.Header.Set("X-User-ID", "student-1")
	getResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)

	cancel()
	require.ErrorIs(t, waitRun(t, errCh), context.Canceled)
}

func TestRun_ShutdownClosesEventStreams(t *testing.T) {
	cfg := testConfig()
	port := findFreePort(t)
	cfg.HTTPAddr = fmt.Sprintf("127.0.0.1:%d", port)
	base := fmt.Sprintf("http://127.0.0.1:%d", port)

	cancel, errCh := startRun(t, cfg)
	waitForServer(t, base+"/orders/none")

	req, err := http.NewRequest(http.MethodGet, base+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("X-User-ID", "boss")
	req.Header.Set("X-User-Role", "admin")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	require.True(t, scanner.Scan())
	require.Equal(t, "event:ready", strings.ReplaceAll(scanner.Text(), " ", ""))

	started := time.Now()
	cancel()
	require.ErrorIs(t, waitRun(t, errCh), context.Canceled)
	require.Less(t, time.Since(started), shutdownTimeout, "open SSE stream must not hold the shutdown")
}
