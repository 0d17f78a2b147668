package idempotency

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
	"github.com/vladislavdragonenkov/campusstore/internal/storage/memory"
)

func TestGuard_ReplaysCompletedResponse(t *testing.T) {
	guard := NewGuard(memory.NewIdempotencyRepository(), time.Hour)
	ctx := context.Background()
	hash := RequestHash("student-1", []byte(`{"items":[{"productId":1,"qty":2}]}`))

	first, err := guard.Begin(ctx, "key-1", hash)
	require.NoError(t, err)
	require.False(t, first.Replay)

	require.NoError(t, guard.Complete(ctx, "key-1", http.StatusCreated, []byte(`{"orderId":"o1"}`)))

	second, err := guard.Begin(ctx, "key-1", hash)
	require.NoError(t, err)
	require.True(t, second.Replay)
	require.Equal(t, http.StatusCreated, second.Record.HTTPStatus)
	require.JSONEq(t, `{"orderId":"o1"}`, string(second.Record.ResponseBody))
}

func TestGuard_InFlightAndMismatch(t *testing.T) {
	guard := NewGuard(memory.NewIdempotencyRepository(), time.Hour)
	ctx := context.Background()
	hash := RequestHash("student-1", []byte(`{"a":1}`))

	_, err := guard.Begin(ctx, "key-2", hash)
	require.NoError(t, err)

	_, err = guard.Begin(ctx, "key-2", hash)
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyAlreadyExists)

	_, err = guard.Begin(ctx, "key-2", RequestHash("student-2", []byte(`{"a":1}`)))
	require.ErrorIs(t, err, domain.ErrIdempotencyHashMismatch)
}

func TestGuard_ServerErrorIsStoredAsFailed(t *testing.T) {
	repo := memory.NewIdempotencyRepository()
	guard := NewGuard(repo, 0)
	ctx := context.Background()

	_, err := guard.Begin(ctx, "key-3", "hash")
	require.NoError(t, err)
	require.NoError(t, guard.Complete(ctx, "key-3", http.StatusInternalServerError, []byte(`{"code":"internal"}`)))

	record, err := repo.Get(ctx, "key-3")
	require.NoError(t, err)
	require.Equal(t, domain.IdempotencyStatusFailed, record.Status)
}

func TestRequestHashSeparatesUsers(t *testing.T) {
	body := []byte(`{"x":1}`)
	require.Equal(t, RequestHash("u1", body), RequestHash(" u1 ", body))
	require.NotEqual(t, RequestHash("u1", body), RequestHash("u2", body))
}
