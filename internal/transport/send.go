package transport

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relayq/relayq/internal/bus"
	"github.com/relayq/relayq/internal/debug"
	"github.com/relayq/relayq/internal/mysqlconn"
)

// outgoingKey is the scope item under which the outbound buffer lives.
const outgoingKey = "relayq-outgoing-messages"

// outgoing is one validated, serialized message waiting for its scope to
// commit. Times are resolved to absolutes at Send so the insert reflects the
// sender's intent, not the flush instant.
type outgoing struct {
	destination   mysqlconn.TableName
	headers       []byte
	body          []byte
	priority      int
	deferredUntil time.Time // zero: immediately visible
	ttl           time.Duration
	orderingKey   sql.NullString
}

// outgoingBuffer is the per-scope send buffer. It is written by the scope's
// single producer and drained once by the commit callback; the mutex covers
// the handoff.
type outgoingBuffer struct {
	mu    sync.Mutex
	items []outgoing
}

func (b *outgoingBuffer) add(m outgoing) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, m)
}

func (b *outgoingBuffer) drain() []outgoing {
	b.mu.Lock()
	defer b.mu.Unlock()
	items := b.items
	b.items = nil
	return items
}

// Send validates and buffers msg for destination on scope. Nothing touches
// the database until the scope commits; then every buffered message of the
// scope is inserted through one connection in enqueue order, so either all
// of the scope's messages appear or none do.
//
// Malformed messages (non-integer priority, deferral without recipient) are
// rejected here, before buffering.
func (t *Transport) Send(ctx context.Context, destination string, msg *bus.Message, scope *bus.Scope) error {
	if scope == nil {
		return fmt.Errorf("transport: send requires a scope")
	}
	headers := msg.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	if headers[bus.HeaderMessageID] == "" {
		headers[bus.HeaderMessageID] = uuid.NewString()
	}

	address, err := normalizeAddress(destination, headers)
	if err != nil {
		return err
	}

	priority := 0
	if raw, ok := headers[bus.HeaderPriority]; ok {
		priority, err = strconv.Atoi(raw)
		if err != nil {
			return &bus.MalformedMessageError{Header: bus.HeaderPriority, Reason: "not an integer: " + raw}
		}
	}

	var deferredUntil time.Time
	if raw, ok := headers[bus.HeaderDeferredUntil]; ok {
		deferredUntil, err = time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return &bus.MalformedMessageError{Header: bus.HeaderDeferredUntil, Reason: "not an ISO-8601 instant: " + raw}
		}
	}

	ttl := DefaultTTL
	if raw, ok := headers[bus.HeaderTimeToBeReceived]; ok {
		ttl, err = time.ParseDuration(raw)
		if err != nil || ttl <= 0 {
			return &bus.MalformedMessageError{Header: bus.HeaderTimeToBeReceived, Reason: "not a positive duration: " + raw}
		}
	}

	var orderingKey sql.NullString
	if key, ok := headers[bus.HeaderOrderingKey]; ok && t.cfg.UseOrderingKey {
		orderingKey = sql.NullString{String: key, Valid: true}
	}

	// The deferred-until header is consumed by the transport: strip it
	// from the persisted copy so redelivery does not re-defer.
	persisted := make(map[string]string, len(headers))
	for k, v := range headers {
		if k == bus.HeaderDeferredUntil {
			continue
		}
		persisted[k] = v
	}
	headerBytes, err := bus.MarshalHeaders(persisted)
	if err != nil {
		return err
	}

	buffer := scope.GetOrStore(outgoingKey, func() any {
		b := &outgoingBuffer{}
		scope.OnCommitted(func(ctx context.Context) error {
			return t.flush(ctx, b)
		})
		return b
	}).(*outgoingBuffer)

	buffer.add(outgoing{
		destination:   mysqlconn.ParseTableName(address),
		headers:       headerBytes,
		body:          msg.Body,
		priority:      priority,
		deferredUntil: deferredUntil,
		ttl:           ttl,
		orderingKey:   orderingKey,
	})
	return nil
}

// flush inserts every buffered message through one connection, in buffer
// order, and commits.
func (t *Transport) flush(ctx context.Context, buffer *outgoingBuffer) error {
	items := buffer.drain()
	if len(items) == 0 {
		return nil
	}
	conn, err := t.provider.Open(ctx)
	if err != nil {
		return fmt.Errorf("transport: flush outgoing: %w", err)
	}
	defer conn.Close()

	for _, m := range items {
		if err := t.insertMessage(ctx, conn, m); err != nil {
			return fmt.Errorf("transport: insert into %s: %w", m.destination, err)
		}
	}
	if err := conn.Complete(ctx); err != nil {
		return fmt.Errorf("transport: commit outgoing: %w", err)
	}
	debug.Logf("transport: flushed %d message(s)\n", len(items))
	return nil
}

func (t *Transport) insertMessage(ctx context.Context, conn *mysqlconn.Conn, m outgoing) error {
	var visibleDelay int64 // microseconds past now; negative is fine
	if !m.deferredUntil.IsZero() {
		visibleDelay = time.Until(m.deferredUntil).Microseconds()
	}
	ttlMicros := m.ttl.Microseconds()

	if t.cfg.UseOrderingKey {
		_, err := conn.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO %s (headers, body, priority, ordering_key, visible, expiration, leased_until, leased_by, leased_at)
			 VALUES (?, ?, ?, ?, TIMESTAMPADD(MICROSECOND, ?, now(6)), TIMESTAMPADD(MICROSECOND, ?, now(6)), NULL, NULL, NULL)`,
			m.destination.Qualified()),
			m.headers, m.body, m.priority, m.orderingKey, visibleDelay, ttlMicros)
		return err
	}
	_, err := conn.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (headers, body, priority, visible, expiration, leased_until, leased_by, leased_at)
		 VALUES (?, ?, ?, TIMESTAMPADD(MICROSECOND, ?, now(6)), TIMESTAMPADD(MICROSECOND, ?, now(6)), NULL, NULL, NULL)`,
		m.destination.Qualified()),
		m.headers, m.body, m.priority, visibleDelay, ttlMicros)
	return err
}
