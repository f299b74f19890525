package transport_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/relayq/relayq/internal/bus"
	"github.com/relayq/relayq/internal/dbtest"
	"github.com/relayq/relayq/internal/transport"
)

func newQueueTransport(t *testing.T, cfg transport.Config) *transport.Transport {
	t.Helper()
	provider := dbtest.NewProvider(t)
	if cfg.InputQueue == "" {
		cfg.InputQueue = dbtest.UniqueName("q")
	}
	cfg.AutoDeleteQueue = true
	tr := transport.New(provider, cfg)
	require.NoError(t, tr.Initialize(context.Background()))
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

// sendOne commits a single message to the transport's own input queue.
func sendOne(t *testing.T, tr *transport.Transport, msg *bus.Message) {
	t.Helper()
	ctx := context.Background()
	scope := bus.NewScope()
	defer scope.Close()
	require.NoError(t, tr.Send(ctx, tr.Address(), msg, scope))
	require.NoError(t, scope.Complete(ctx))
}

// receiveAck receives one message and commits its scope. Returns nil when
// the queue had nothing deliverable.
func receiveAck(t *testing.T, tr *transport.Transport) *bus.Message {
	t.Helper()
	ctx := context.Background()
	scope := bus.NewScope()
	defer scope.Close()
	msg, err := tr.Receive(ctx, scope)
	require.NoError(t, err)
	if msg != nil {
		require.NoError(t, scope.Complete(ctx))
	}
	return msg
}

func TestSendReceiveRoundTrip(t *testing.T) {
	tr := newQueueTransport(t, transport.Config{})

	msg := bus.NewMessage([]byte("order #42"))
	msg.Headers["x-tenant"] = "acme"
	sendOne(t, tr, msg)

	got := receiveAck(t, tr)
	require.NotNil(t, got)
	assert.Equal(t, "order #42", string(got.Body))
	assert.Equal(t, "acme", got.Headers["x-tenant"])
	assert.NotEmpty(t, got.ID())

	assert.Nil(t, receiveAck(t, tr))
}

func TestReceiveEmptyQueue(t *testing.T) {
	tr := newQueueTransport(t, transport.Config{})
	assert.Nil(t, receiveAck(t, tr))
}

func TestPriorityOrdering(t *testing.T) {
	tr := newQueueTransport(t, transport.Config{})
	ctx := context.Background()

	scope := bus.NewScope()
	defer scope.Close()
	for _, priority := range []int{3, 1, 5, 2, 4} {
		msg := bus.NewMessage([]byte(fmt.Sprintf("p%d", priority)))
		msg.Headers[bus.HeaderPriority] = fmt.Sprint(priority)
		require.NoError(t, tr.Send(ctx, tr.Address(), msg, scope))
	}
	require.NoError(t, scope.Complete(ctx))

	var got []string
	for {
		msg := receiveAck(t, tr)
		if msg == nil {
			break
		}
		got = append(got, string(msg.Body))
	}
	assert.Equal(t, []string{"p5", "p4", "p3", "p2", "p1"}, got)
}

func TestDeferredDelivery(t *testing.T) {
	tr := newQueueTransport(t, transport.Config{})

	deferred := bus.NewMessage([]byte("later"))
	deferred.Headers[bus.HeaderDeferredUntil] = time.Now().Add(2 * time.Second).UTC().Format(time.RFC3339Nano)
	sendOne(t, tr, deferred)
	sendOne(t, tr, bus.NewMessage([]byte("now")))

	first := receiveAck(t, tr)
	require.NotNil(t, first)
	assert.Equal(t, "now", string(first.Body))

	// The deferred message is not yet visible.
	assert.Nil(t, receiveAck(t, tr))

	var got *bus.Message
	require.Eventually(t, func() bool {
		got = receiveAck(t, tr)
		return got != nil
	}, 10*time.Second, 100*time.Millisecond)
	assert.Equal(t, "later", string(got.Body))
	// The deferred-until header was consumed on send.
	_, present := got.Headers[bus.HeaderDeferredUntil]
	assert.False(t, present)
}

func TestDeferredViaTimeoutManagerAddress(t *testing.T) {
	tr := newQueueTransport(t, transport.Config{})
	ctx := context.Background()

	msg := bus.NewMessage([]byte("routed"))
	msg.Headers[bus.HeaderDeferredRecipient] = tr.Address()
	scope := bus.NewScope()
	defer scope.Close()
	require.NoError(t, tr.Send(ctx, bus.TimeoutManagerAddress, msg, scope))
	require.NoError(t, scope.Complete(ctx))

	got := receiveAck(t, tr)
	require.NotNil(t, got)
	assert.Equal(t, "routed", string(got.Body))
}

func TestOrderingKeyExclusivity(t *testing.T) {
	tr := newQueueTransport(t, transport.Config{UseOrderingKey: true})
	ctx := context.Background()

	send := func(body, key string) {
		msg := bus.NewMessage([]byte(body))
		if key != "" {
			msg.Headers[bus.HeaderOrderingKey] = key
		}
		sendOne(t, tr, msg)
	}
	send("k1-first", "customer-1")
	send("k1-second", "customer-1")
	send("free", "")
	send("k2-only", "customer-2")

	// While k1-first is leased, its key is blocked but everything else
	// flows.
	held := bus.NewScope()
	var got []string
	for i := 0; i < 4; i++ {
		msg, err := tr.Receive(ctx, held)
		require.NoError(t, err)
		if msg == nil {
			break
		}
		got = append(got, string(msg.Body))
	}
	assert.Equal(t, []string{"k1-first", "free", "k2-only"}, got)

	// Completing the holder unblocks the key.
	require.NoError(t, held.Complete(ctx))
	held.Close()

	next := receiveAck(t, tr)
	require.NotNil(t, next)
	assert.Equal(t, "k1-second", string(next.Body))
}

func TestAbortRedelivers(t *testing.T) {
	tr := newQueueTransport(t, transport.Config{})
	ctx := context.Background()
	sendOne(t, tr, bus.NewMessage([]byte("retry me")))

	scope := bus.NewScope()
	msg, err := tr.Receive(ctx, scope)
	require.NoError(t, err)
	require.NotNil(t, msg)
	id := msg.ID()
	scope.Close() // abort: lease is cleared

	again := receiveAck(t, tr)
	require.NotNil(t, again)
	assert.Equal(t, id, again.ID())
}

func TestLeaseExpiryRedelivers(t *testing.T) {
	tr := newQueueTransport(t, transport.Config{
		LeaseInterval:  300 * time.Millisecond,
		LeaseTolerance: 100 * time.Millisecond,
	})
	ctx := context.Background()
	sendOne(t, tr, bus.NewMessage([]byte("abandoned")))

	// Lease the message and walk away without completing or aborting,
	// as a crashed worker would.
	crashed := bus.NewScope()
	msg, err := tr.Receive(ctx, crashed)
	require.NoError(t, err)
	require.NotNil(t, msg)
	id := msg.ID()

	// Not deliverable while the lease holds.
	assert.Nil(t, receiveAck(t, tr))

	require.Eventually(t, func() bool {
		again := receiveAck(t, tr)
		return again != nil && again.ID() == id
	}, 5*time.Second, 100*time.Millisecond)
}

func TestConcurrentReceiversNeverShareAMessage(t *testing.T) {
	tr := newQueueTransport(t, transport.Config{})
	const total = 20
	const workers = 5

	for i := 0; i < total; i++ {
		sendOne(t, tr, bus.NewMessage([]byte(fmt.Sprintf("m%d", i))))
	}

	var mu sync.Mutex
	deliveries := map[string]int{}
	received := 0

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for {
				mu.Lock()
				drained := received >= total
				mu.Unlock()
				if drained {
					return nil
				}

				scope := bus.NewScope()
				msg, err := tr.Receive(ctx, scope)
				if err != nil {
					scope.Close()
					return err
				}
				if msg == nil {
					// Empty poll or a lost lock race; others may still
					// hold undelivered rows.
					scope.Close()
					time.Sleep(10 * time.Millisecond)
					continue
				}
				if err := scope.Complete(ctx); err != nil {
					scope.Close()
					return err
				}
				scope.Close()

				mu.Lock()
				deliveries[msg.ID()]++
				received++
				mu.Unlock()
			}
		})
	}
	require.NoError(t, g.Wait())

	assert.Len(t, deliveries, total)
	for id, n := range deliveries {
		assert.Equal(t, 1, n, "message %s delivered %d times", id, n)
	}
}

func TestUncommittedSendIsInvisible(t *testing.T) {
	tr := newQueueTransport(t, transport.Config{})
	ctx := context.Background()

	scope := bus.NewScope()
	defer scope.Close()
	require.NoError(t, tr.Send(ctx, tr.Address(), bus.NewMessage([]byte("pending")), scope))

	assert.Nil(t, receiveAck(t, tr))

	require.NoError(t, scope.Complete(ctx))
	got := receiveAck(t, tr)
	require.NotNil(t, got)
	assert.Equal(t, "pending", string(got.Body))
}

func TestExpiredMessagesAreSwept(t *testing.T) {
	tr := newQueueTransport(t, transport.Config{})
	ctx := context.Background()

	msg := bus.NewMessage([]byte("short-lived"))
	msg.Headers[bus.HeaderTimeToBeReceived] = "100ms"
	sendOne(t, tr, msg)
	sendOne(t, tr, bus.NewMessage([]byte("durable")))

	time.Sleep(300 * time.Millisecond)

	expired, _, err := tr.RunCleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	got := receiveAck(t, tr)
	require.NotNil(t, got)
	assert.Equal(t, "durable", string(got.Body))
	assert.Nil(t, receiveAck(t, tr))
}

func TestAbandonedLeasesAreReclaimed(t *testing.T) {
	tr := newQueueTransport(t, transport.Config{
		LeaseInterval:     200 * time.Millisecond,
		LeaseTolerance:    50 * time.Millisecond,
		MessageAckTimeout: 50 * time.Millisecond,
	})
	ctx := context.Background()
	sendOne(t, tr, bus.NewMessage([]byte("stuck")))

	crashed := bus.NewScope()
	msg, err := tr.Receive(ctx, crashed)
	require.NoError(t, err)
	require.NotNil(t, msg)

	require.Eventually(t, func() bool {
		_, reclaimed, err := tr.RunCleanup(ctx)
		require.NoError(t, err)
		return reclaimed == 1
	}, 5*time.Second, 100*time.Millisecond)

	stats, err := tr.Stats(ctx, tr.Address())
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.Leased)
}

func TestStats(t *testing.T) {
	tr := newQueueTransport(t, transport.Config{})
	ctx := context.Background()

	sendOne(t, tr, bus.NewMessage([]byte("a")))
	sendOne(t, tr, bus.NewMessage([]byte("b")))

	scope := bus.NewScope()
	defer scope.Close()
	msg, err := tr.Receive(ctx, scope)
	require.NoError(t, err)
	require.NotNil(t, msg)

	stats, err := tr.Stats(ctx, tr.Address())
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Total)
	assert.EqualValues(t, 1, stats.Leased)
	assert.EqualValues(t, 1, stats.Deliverable)
	assert.EqualValues(t, 0, stats.Expired)
}

func TestCreateQueueIsIdempotent(t *testing.T) {
	provider := dbtest.NewProvider(t)
	name := dbtest.UniqueName("q")
	dbtest.DropTable(t, provider, name)

	tr := transport.New(provider, transport.Config{})
	t.Cleanup(func() { _ = tr.Close() })

	ctx := context.Background()
	require.NoError(t, tr.CreateQueue(ctx, name))
	require.NoError(t, tr.CreateQueue(ctx, name))
}

func TestLeaseAutoRenew(t *testing.T) {
	tr := newQueueTransport(t, transport.Config{
		LeaseInterval:          300 * time.Millisecond,
		LeaseTolerance:         50 * time.Millisecond,
		LeaseAutoRenewInterval: 100 * time.Millisecond,
	})
	ctx := context.Background()
	sendOne(t, tr, bus.NewMessage([]byte("long handler")))

	scope := bus.NewScope()
	defer scope.Close()
	msg, err := tr.Receive(ctx, scope)
	require.NoError(t, err)
	require.NotNil(t, msg)

	// Well past the original lease the renewer has kept the row claimed.
	time.Sleep(800 * time.Millisecond)
	assert.Nil(t, receiveAck(t, tr))

	require.NoError(t, scope.Complete(ctx))
}
