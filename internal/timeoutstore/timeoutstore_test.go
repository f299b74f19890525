package timeoutstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayq/relayq/internal/dbtest"
	"github.com/relayq/relayq/internal/timeoutstore"
)

func newTimeoutStore(t *testing.T) *timeoutstore.Store {
	t.Helper()
	provider := dbtest.NewProvider(t)
	cfg := timeoutstore.Config{Table: dbtest.UniqueName("timeouts")}
	dbtest.DropTable(t, provider, cfg.Table)
	store := timeoutstore.New(provider, cfg)
	require.NoError(t, store.Initialize(context.Background()))
	return store
}

func TestDeferAndCollect(t *testing.T) {
	store := newTimeoutStore(t)
	ctx := context.Background()

	require.NoError(t, store.Defer(ctx, time.Now().Add(-time.Second),
		map[string]string{"saga": "s-1"}, []byte("tick")))
	require.NoError(t, store.Defer(ctx, time.Now().Add(time.Hour),
		map[string]string{"saga": "s-2"}, []byte("much later")))

	batch, err := store.GetDueMessages(ctx)
	require.NoError(t, err)
	defer batch.Close()

	require.Len(t, batch.Messages, 1)
	msg := batch.Messages[0]
	assert.Equal(t, "s-1", msg.Headers["saga"])
	assert.Equal(t, "tick", string(msg.Body))

	require.NoError(t, msg.MarkCompleted(ctx))
	require.NoError(t, batch.Complete(ctx))

	// The completed timeout is gone; the future one stays.
	batch, err = store.GetDueMessages(ctx)
	require.NoError(t, err)
	defer batch.Close()
	assert.Empty(t, batch.Messages)
}

func TestDueOrder(t *testing.T) {
	store := newTimeoutStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	require.NoError(t, store.Defer(ctx, base.Add(2*time.Second), nil, []byte("second")))
	require.NoError(t, store.Defer(ctx, base, nil, []byte("first")))

	batch, err := store.GetDueMessages(ctx)
	require.NoError(t, err)
	defer batch.Close()

	require.Len(t, batch.Messages, 2)
	assert.Equal(t, "first", string(batch.Messages[0].Body))
	assert.Equal(t, "second", string(batch.Messages[1].Body))
}

func TestUncompletedTimeoutIsRedelivered(t *testing.T) {
	store := newTimeoutStore(t)
	ctx := context.Background()

	require.NoError(t, store.Defer(ctx, time.Now().Add(-time.Second), nil, []byte("retry")))

	batch, err := store.GetDueMessages(ctx)
	require.NoError(t, err)
	require.Len(t, batch.Messages, 1)
	// Dispatch failed: close without completing.
	require.NoError(t, batch.Close())

	batch, err = store.GetDueMessages(ctx)
	require.NoError(t, err)
	defer batch.Close()
	require.Len(t, batch.Messages, 1)
	assert.Equal(t, "retry", string(batch.Messages[0].Body))
}

func TestPartialCompletion(t *testing.T) {
	store := newTimeoutStore(t)
	ctx := context.Background()

	due := time.Now().Add(-time.Second)
	require.NoError(t, store.Defer(ctx, due, nil, []byte("a")))
	require.NoError(t, store.Defer(ctx, due, nil, []byte("b")))

	batch, err := store.GetDueMessages(ctx)
	require.NoError(t, err)
	require.Len(t, batch.Messages, 2)
	require.NoError(t, batch.Messages[0].MarkCompleted(ctx))
	require.NoError(t, batch.Complete(ctx))

	batch, err = store.GetDueMessages(ctx)
	require.NoError(t, err)
	defer batch.Close()
	require.Len(t, batch.Messages, 1)
	assert.Equal(t, "b", string(batch.Messages[0].Body))
}
