package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayq/relayq/internal/bus"
)

// drainOutgoing pulls the buffered sends back out of a scope without
// committing it.
func drainOutgoing(t *testing.T, scope *bus.Scope) []outgoing {
	t.Helper()
	item, ok := scope.Item(outgoingKey)
	require.True(t, ok, "scope has no outgoing buffer")
	return item.(*outgoingBuffer).drain()
}

func TestSendAssignsMessageID(t *testing.T) {
	tr := New(nil, Config{})
	scope := bus.NewScope()
	defer scope.Close()

	msg := bus.NewMessage([]byte("hello"))
	require.NoError(t, tr.Send(context.Background(), "orders", msg, scope))

	items := drainOutgoing(t, scope)
	require.Len(t, items, 1)
	headers, err := bus.UnmarshalHeaders(items[0].headers)
	require.NoError(t, err)
	assert.NotEmpty(t, headers[bus.HeaderMessageID])
	assert.Equal(t, "orders", items[0].destination.Name)
	assert.Equal(t, DefaultTTL, items[0].ttl)
	assert.True(t, items[0].deferredUntil.IsZero())
}

func TestSendKeepsCallerMessageID(t *testing.T) {
	tr := New(nil, Config{})
	scope := bus.NewScope()
	defer scope.Close()

	msg := bus.NewMessage(nil)
	msg.Headers[bus.HeaderMessageID] = "caller-id"
	require.NoError(t, tr.Send(context.Background(), "orders", msg, scope))

	items := drainOutgoing(t, scope)
	require.Len(t, items, 1)
	headers, err := bus.UnmarshalHeaders(items[0].headers)
	require.NoError(t, err)
	assert.Equal(t, "caller-id", headers[bus.HeaderMessageID])
}

func TestSendRequiresScope(t *testing.T) {
	tr := New(nil, Config{})
	err := tr.Send(context.Background(), "orders", bus.NewMessage(nil), nil)
	require.Error(t, err)
}

func TestSendRejectsMalformedPriority(t *testing.T) {
	tr := New(nil, Config{})
	scope := bus.NewScope()
	defer scope.Close()

	msg := bus.NewMessage(nil)
	msg.Headers[bus.HeaderPriority] = "high"
	err := tr.Send(context.Background(), "orders", msg, scope)
	require.Error(t, err)
	assert.True(t, bus.IsMalformed(err))

	_, buffered := scope.Item(outgoingKey)
	assert.False(t, buffered)
}

func TestSendParsesPriority(t *testing.T) {
	tr := New(nil, Config{})
	scope := bus.NewScope()
	defer scope.Close()

	msg := bus.NewMessage(nil)
	msg.Headers[bus.HeaderPriority] = "7"
	require.NoError(t, tr.Send(context.Background(), "orders", msg, scope))

	items := drainOutgoing(t, scope)
	require.Len(t, items, 1)
	assert.Equal(t, 7, items[0].priority)
}

func TestSendRejectsMalformedTTL(t *testing.T) {
	tr := New(nil, Config{})
	scope := bus.NewScope()
	defer scope.Close()

	for _, raw := range []string{"soon", "-5s", "0s"} {
		msg := bus.NewMessage(nil)
		msg.Headers[bus.HeaderTimeToBeReceived] = raw
		err := tr.Send(context.Background(), "orders", msg, scope)
		require.Error(t, err, "ttl %q", raw)
		assert.True(t, bus.IsMalformed(err))
	}
}

func TestSendTimeoutSentinelRequiresRecipient(t *testing.T) {
	tr := New(nil, Config{})
	scope := bus.NewScope()
	defer scope.Close()

	msg := bus.NewMessage(nil)
	err := tr.Send(context.Background(), bus.TimeoutManagerAddress, msg, scope)
	require.Error(t, err)
	assert.True(t, bus.IsMalformed(err))
}

func TestSendTimeoutSentinelRewritesDestination(t *testing.T) {
	tr := New(nil, Config{})
	scope := bus.NewScope()
	defer scope.Close()

	msg := bus.NewMessage(nil)
	msg.Headers[bus.HeaderDeferredRecipient] = "orders"
	require.NoError(t, tr.Send(context.Background(), bus.TimeoutManagerAddress, msg, scope))

	items := drainOutgoing(t, scope)
	require.Len(t, items, 1)
	assert.Equal(t, "orders", items[0].destination.Name)
}

func TestSendStripsDeferredUntilHeader(t *testing.T) {
	tr := New(nil, Config{})
	scope := bus.NewScope()
	defer scope.Close()

	due := time.Now().Add(time.Hour).UTC()
	msg := bus.NewMessage(nil)
	msg.Headers[bus.HeaderDeferredUntil] = due.Format(time.RFC3339Nano)
	require.NoError(t, tr.Send(context.Background(), "orders", msg, scope))

	items := drainOutgoing(t, scope)
	require.Len(t, items, 1)
	assert.True(t, items[0].deferredUntil.Equal(due))

	headers, err := bus.UnmarshalHeaders(items[0].headers)
	require.NoError(t, err)
	_, present := headers[bus.HeaderDeferredUntil]
	assert.False(t, present)
}

func TestSendRejectsMalformedDeferredUntil(t *testing.T) {
	tr := New(nil, Config{})
	scope := bus.NewScope()
	defer scope.Close()

	msg := bus.NewMessage(nil)
	msg.Headers[bus.HeaderDeferredUntil] = "tomorrow"
	err := tr.Send(context.Background(), "orders", msg, scope)
	require.Error(t, err)
	assert.True(t, bus.IsMalformed(err))
}

func TestSendBuffersInOrder(t *testing.T) {
	tr := New(nil, Config{})
	scope := bus.NewScope()
	defer scope.Close()

	for _, body := range []string{"one", "two", "three"} {
		require.NoError(t, tr.Send(context.Background(), "orders", bus.NewMessage([]byte(body)), scope))
	}

	items := drainOutgoing(t, scope)
	require.Len(t, items, 3)
	assert.Equal(t, "one", string(items[0].body))
	assert.Equal(t, "two", string(items[1].body))
	assert.Equal(t, "three", string(items[2].body))
}

func TestSendOrderingKeyOnlyWhenEnabled(t *testing.T) {
	scope := bus.NewScope()
	defer scope.Close()

	msg := bus.NewMessage(nil)
	msg.Headers[bus.HeaderOrderingKey] = "customer-1"

	plain := New(nil, Config{})
	require.NoError(t, plain.Send(context.Background(), "orders", msg.Clone(), scope))
	items := drainOutgoing(t, scope)
	require.Len(t, items, 1)
	assert.False(t, items[0].orderingKey.Valid)

	keyed := New(nil, Config{UseOrderingKey: true})
	require.NoError(t, keyed.Send(context.Background(), "orders", msg.Clone(), scope))
	items = drainOutgoing(t, scope)
	require.Len(t, items, 1)
	require.True(t, items[0].orderingKey.Valid)
	assert.Equal(t, "customer-1", items[0].orderingKey.String)
}

func TestReceiveQuery(t *testing.T) {
	plain := New(nil, Config{InputQueue: "orders"})
	q := plain.receiveQuery()
	assert.Contains(t, q, "FROM `orders`")
	assert.Contains(t, q, "visible < now(6)")
	assert.Contains(t, q, "expiration > now(6)")
	assert.Contains(t, q, "ORDER BY priority DESC, visible ASC, id ASC")
	assert.Contains(t, q, "FOR UPDATE")
	assert.NotContains(t, q, "NOT EXISTS")

	keyed := New(nil, Config{InputQueue: "orders", UseOrderingKey: true})
	assert.Contains(t, keyed.receiveQuery(), "NOT EXISTS")
}

func TestQueueTableDDL(t *testing.T) {
	plain := New(nil, Config{InputQueue: "bus.orders"})
	ddl := queueTableDDL(plain.table)
	assert.Contains(t, ddl, "CREATE TABLE IF NOT EXISTS `bus`.`orders`")
	assert.Contains(t, ddl, "`leased_until` DATETIME(6) NULL")
	assert.Contains(t, ddl, "PRIMARY KEY (`id`)")
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()
	assert.Equal(t, DefaultLeaseInterval, cfg.LeaseInterval)
	assert.Equal(t, DefaultLeaseTolerance, cfg.LeaseTolerance)
	assert.Equal(t, DefaultAckTimeout, cfg.MessageAckTimeout)
	assert.Equal(t, DefaultCleanupInterval, cfg.CleanupInterval)
	assert.Equal(t, int64(DefaultMaxParallelism), cfg.MaxParallelism)
	require.NotNil(t, cfg.LeasedByFactory)
	assert.LessOrEqual(t, len(cfg.LeasedByFactory()), 200)
}

func TestSendOnlyTransport(t *testing.T) {
	tr := New(nil, Config{})
	assert.Empty(t, tr.Address())

	scope := bus.NewScope()
	defer scope.Close()
	_, err := tr.Receive(context.Background(), scope)
	require.Error(t, err)
}

func TestPlaceholderHelpers(t *testing.T) {
	assert.Equal(t, "?", placeholders(1))
	assert.Equal(t, "?, ?, ?", placeholders(3))
	assert.Equal(t, []any{int64(5), int64(6)}, idArgs([]int64{5, 6}))
}
