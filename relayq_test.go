package relayq_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayq/relayq"
	"github.com/relayq/relayq/internal/dbtest"
)

func TestFacadeRoundTrip(t *testing.T) {
	ctx := context.Background()
	provider, err := relayq.NewProvider(relayq.ProviderConfig{DSN: dbtest.DSN(t)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Close() })

	queue := dbtest.UniqueName("facade")
	tr, err := relayq.NewTransport(ctx, provider, relayq.TransportConfig{
		InputQueue:      queue,
		AutoDeleteQueue: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	assert.Equal(t, "`"+queue+"`", tr.Address())

	send := relayq.NewScope()
	defer send.Close()
	msg := relayq.NewMessage([]byte("through the facade"))
	require.NoError(t, tr.Send(ctx, tr.Address(), msg, send))
	require.NoError(t, send.Complete(ctx))

	recv := relayq.NewScope()
	defer recv.Close()
	got, err := tr.Receive(ctx, recv)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "through the facade", string(got.Body))
	assert.NotEmpty(t, got.Headers[relayq.HeaderMessageID])
	require.NoError(t, recv.Complete(ctx))
}

func TestFacadeLockService(t *testing.T) {
	ctx := context.Background()
	provider, err := relayq.NewProvider(relayq.ProviderConfig{DSN: dbtest.DSN(t)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Close() })

	table := dbtest.UniqueName("facade_locks")
	dbtest.DropTable(t, provider, table)
	locks, err := relayq.NewLockService(ctx, provider, relayq.LockConfig{Table: table})
	require.NoError(t, err)
	t.Cleanup(func() { _ = locks.Close() })

	ok, err := locks.Acquire(ctx, "resource")
	require.NoError(t, err)
	assert.True(t, ok)

	released, err := locks.Release(ctx, "resource")
	require.NoError(t, err)
	assert.True(t, released)
}
