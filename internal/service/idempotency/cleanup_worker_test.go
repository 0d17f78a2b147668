package idempotency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
	"github.com/vladislavdragonenkov/campusstore/internal/storage/memory"
)

var _ domain.IdempotencyRepository = (*scriptedRepo)(nil)

func TestCleanupWorker_DeleteExpired_DrainsFullBatches(t *testing.T) {
	t.Parallel()

	repo := &scriptedRepo{expired: []int{2, 2, 1}}
	worker := NewCleanupWorker(repo, WithBatchSize(2))

	deleted, err := worker.DeleteExpired(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("DeleteExpired failed: %v", err)
	}
	if deleted != 5 {
		t.Fatalf("deleted = %d, want 5", deleted)
	}
	if calls := repo.expiredCalls(); calls != 3 {
		t.Fatalf("repo calls = %d, want 3", calls)
	}
}

func TestCleanupWorker_DeleteExpired_Error(t *testing.T) {
	t.Parallel()

	repo := &scriptedRepo{expiredErr: errors.New("boom")}
	worker := NewCleanupWorker(repo, WithBatchSize(10))

	deleted, err := worker.DeleteExpired(context.Background(), time.Now().UTC())
	if err == nil {
		t.Fatal("expected DeleteExpired error")
	}
	if deleted != 0 {
		t.Fatalf("deleted = %d, want 0", deleted)
	}
}

func TestCleanupWorker_Sweep_SkipsProcessingWithoutLease(t *testing.T) {
	t.Parallel()

	repo := &scriptedRepo{expired: []int{3}}
	worker := NewCleanupWorker(repo, WithBatchSize(10))

	res, err := worker.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if res.Expired != 3 || res.StaleProcessing != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if calls := repo.staleCalls(); calls != 0 {
		t.Fatalf("stale sweep must be disabled without lease, got %d calls", calls)
	}
}

func TestCleanupWorker_Sweep_UsesLeaseCutoff(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := &scriptedRepo{stale: []int{1}}
	worker := NewCleanupWorker(repo,
		WithBatchSize(10),
		WithProcessingLease(2*time.Minute),
		WithCleanupClock(func() time.Time { return now }),
	)

	res, err := worker.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if res.StaleProcessing != 1 {
		t.Fatalf("StaleProcessing = %d, want 1", res.StaleProcessing)
	}
	if got, want := repo.lastStaleCutoff(), now.Add(-2*time.Minute); !got.Equal(want) {
		t.Fatalf("stale cutoff = %s, want %s", got, want)
	}
}

func TestCleanupWorker_Sweep_ExpiredErrorDoesNotBlockStaleSweep(t *testing.T) {
	t.Parallel()

	repo := &scriptedRepo{expiredErr: errors.New("expired sweep down"), stale: []int{4}}
	worker := NewCleanupWorker(repo, WithBatchSize(10), WithProcessingLease(time.Minute))

	res, err := worker.Sweep(context.Background())
	if err == nil {
		t.Fatal("expected error from expired sweep")
	}
	if res.StaleProcessing != 4 {
		t.Fatalf("StaleProcessing = %d, want 4", res.StaleProcessing)
	}
}

func TestCleanupWorker_Sweep_ReleasesStuckCheckoutKey(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()

	_, err := repo.CreateProcessing(ctx, "checkout-crashed", "hash-1", time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("CreateProcessing failed: %v", err)
	}
	_, err = repo.CreateProcessing(ctx, "checkout-done", "hash-2", time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("CreateProcessing failed: %v", err)
	}
	if err := repo.MarkDone(ctx, "checkout-done", []byte(`{}`), 201); err != nil {
		t.Fatalf("MarkDone failed: %v", err)
	}

	later := time.Now().UTC().Add(10 * time.Minute)
	worker := NewCleanupWorker(repo,
		WithProcessingLease(5*time.Minute),
		WithCleanupClock(func() time.Time { return later }),
	)

	res, err := worker.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if res.StaleProcessing != 1 || res.Expired != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}

	if _, err := repo.Get(ctx, "checkout-crashed"); !errors.Is(err, domain.ErrIdempotencyKeyNotFound) {
		t.Fatalf("stuck key must be released, got %v", err)
	}
	if _, err := repo.Get(ctx, "checkout-done"); err != nil {
		t.Fatalf("completed key must survive: %v", err)
	}
	if _, err := repo.CreateProcessing(ctx, "checkout-crashed", "hash-1", later.Add(time.Hour)); err != nil {
		t.Fatalf("released key must be claimable again: %v", err)
	}
}

func TestCleanupWorker_Run_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	repo := &scriptedRepo{}
	worker := NewCleanupWorker(repo,
		WithInterval(5*time.Millisecond),
		WithBatchSize(10),
		WithProcessingLease(time.Minute),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on context cancel")
	}

	if repo.expiredCalls() == 0 || repo.staleCalls() == 0 {
		t.Fatal("expected both sweeps to run at least once")
	}
}

// scriptedRepo отдаёт заранее заданные размеры пачек для обоих проходов.
type scriptedRepo struct {
	mu sync.Mutex

	expired    []int
	expiredErr error
	stale      []int
	staleErr   error

	nExpired    int
	nStale      int
	staleCutoff time.Time
}

func (s *scriptedRepo) CreateProcessing(context.Context, string, string, time.Time) (domain.IdempotencyRecord, error) {
	panic("not implemented")
}

func (s *scriptedRepo) Get(context.Context, string) (domain.IdempotencyRecord, error) {
	panic("not implemented")
}

func (s *scriptedRepo) MarkDone(context.Context, string, []byte, int) error {
	panic("not implemented")
}

func (s *scriptedRepo) MarkFailed(context.Context, string, []byte, int) error {
	panic("not implemented")
}

func (s *scriptedRepo) DeleteExpired(context.Context, time.Time, int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nExpired++
	return pop(&s.expired, s.expiredErr)
}

func (s *scriptedRepo) DeleteStaleProcessing(_ context.Context, updatedBefore time.Time, _ int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nStale++
	s.staleCutoff = updatedBefore
	return pop(&s.stale, s.staleErr)
}

func pop(queue *[]int, err error) (int, error) {
	if err != nil {
		return 0, err
	}
	if len(*queue) == 0 {
		return 0, nil
	}
	n := (*queue)[0]
	*queue = (*queue)[1:]
	return n, nil
}

func (s *scriptedRepo) expiredCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nExpired
}

func (s *scriptedRepo) staleCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nStale
}

func (s *scriptedRepo) lastStaleCutoff() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.staleCutoff
}
