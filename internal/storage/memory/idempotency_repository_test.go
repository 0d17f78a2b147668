package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
	"github.com/vladislavdragonenkov/campusstore/internal/storage/memory"
)

func TestIdempotencyRepository_CreateProcessing(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()
	ttl := time.Now().UTC().Add(time.Hour).Round(time.Second)

	if _, err := repo.CreateProcessing(ctx, "checkout-1", "hash-a", ttl); err != nil {
		t.Fatalf("CreateProcessing failed: %v", err)
	}

	cases := []struct {
		name    string
		key     string
		hash    string
		wantErr error
	}{
		{"same request retried", "checkout-1", "hash-a", domain.ErrIdempotencyKeyAlreadyExists},
		{"key reused for another cart", "checkout-1", "hash-b", domain.ErrIdempotencyHashMismatch},
		{"blank key", "  ", "hash-a", domain.ErrIdempotencyKeyRequired},
		{"blank hash", "checkout-2", "", domain.ErrIdempotencyRequestHashRequired},
	}
	for _, tc := range cases {
		if _, err := repo.CreateProcessing(ctx, tc.key, tc.hash, ttl); !errors.Is(err, tc.wantErr) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.wantErr, err)
		}
	}

	got, err := repo.Get(ctx, " checkout-1 ")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != domain.IdempotencyStatusProcessing || got.RequestHash != "hash-a" || !got.TTLAt.Equal(ttl) {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestIdempotencyRepository_StoredResponseIsCopied(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()

	if _, err := repo.CreateProcessing(ctx, "checkout-copy", "hash", time.Time{}); err != nil {
		t.Fatalf("CreateProcessing failed: %v", err)
	}
	body := []byte(`{"orderId":"o-1"}`)
	if err := repo.MarkDone(ctx, "checkout-copy", body, 201); err != nil {
		t.Fatalf("MarkDone failed: %v", err)
	}
	body[2] = 'X'

	got, err := repo.Get(ctx, "checkout-copy")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got.ResponseBody) != `{"orderId":"o-1"}` || got.HTTPStatus != 201 || !got.Replayable() {
		t.Fatalf("unexpected stored response: %+v", got)
	}
	if got.TTLAt.IsZero() {
		t.Fatal("zero ttl must default to a day")
	}

	if err := repo.MarkFailed(ctx, "missing", nil, 500); !errors.Is(err, domain.ErrIdempotencyKeyNotFound) {
		t.Fatalf("expected ErrIdempotencyKeyNotFound, got %v", err)
	}
}

func TestIdempotencyRepository_DeleteExpiredOldestFirst(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()
	now := time.Now().UTC()

	for key, ttl := range map[string]time.Time{
		"oldest": now.Add(-3 * time.Hour),
		"older":  now.Add(-2 * time.Hour),
		"old":    now.Add(-time.Hour),
		"live":   now.Add(time.Hour),
	} {
		if _, err := repo.CreateProcessing(ctx, key, "hash-"+key, ttl); err != nil {
			t.Fatalf("CreateProcessing %s failed: %v", key, err)
		}
	}

	removed, err := repo.DeleteExpired(ctx, now, 2)
	if err != nil || removed != 2 {
		t.Fatalf("expected 2 removed, got %d (%v)", removed, err)
	}
	if _, err := repo.Get(ctx, "old"); err != nil {
		t.Fatalf("newest expired key must survive a limited batch: %v", err)
	}
	if _, err := repo.Get(ctx, "oldest"); !errors.Is(err, domain.ErrIdempotencyKeyNotFound) {
		t.Fatalf("oldest key must go first, got %v", err)
	}

	if removed, _ := repo.DeleteExpired(ctx, now, 0); removed != 1 {
		t.Fatalf("expected the remaining expired key, got %d", removed)
	}
	if _, err := repo.Get(ctx, "live"); err != nil {
		t.Fatalf("live key must stay: %v", err)
	}
}

func TestIdempotencyRepository_ExpiredKeyCanBeReused(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()

	if _, err := repo.CreateProcessing(ctx, "checkout-reuse", "hash-old", time.Now().UTC().Add(-time.Second)); err != nil {
		t.Fatalf("CreateProcessing failed: %v", err)
	}
	rec, err := repo.CreateProcessing(ctx, "checkout-reuse", "hash-new", time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("expected expired key to be reusable, got %v", err)
	}
	if rec.RequestHash != "hash-new" {
		t.Fatalf("expected new request hash, got %s", rec.RequestHash)
	}
}

func TestIdempotencyRepository_DeleteStaleProcessing(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()
	ttl := time.Now().UTC().Add(time.Hour)

	for _, key := range []string{"stuck", "answered"} {
		if _, err := repo.CreateProcessing(ctx, key, "hash", ttl); err != nil {
			t.Fatalf("CreateProcessing %s failed: %v", key, err)
		}
	}
	if err := repo.MarkDone(ctx, "answered", []byte(`{}`), 201); err != nil {
		t.Fatalf("MarkDone failed: %v", err)
	}

	if removed, _ := repo.DeleteStaleProcessing(ctx, time.Now().UTC().Add(-time.Hour), 10); removed != 0 {
		t.Fatalf("fresh processing key must not be released, removed %d", removed)
	}

	removed, err := repo.DeleteStaleProcessing(ctx, time.Now().UTC().Add(time.Minute), 10)
	if err != nil || removed != 1 {
		t.Fatalf("expected one stale key released, got %d (%v)", removed, err)
	}
	if _, err := repo.Get(ctx, "answered"); err != nil {
		t.Fatalf("answered key must keep its response: %v", err)
	}
	if _, err := repo.CreateProcessing(ctx, "stuck", "hash", ttl); err != nil {
		t.Fatalf("released key must be claimable again: %v", err)
	}
}
