package transport

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/relayq/relayq/internal/bus"
	"github.com/relayq/relayq/internal/debug"
	"github.com/relayq/relayq/internal/mysqlconn"
)

// Receive leases the next deliverable message from the input queue, or
// returns (nil, nil) when no message is due. The ack/nack outcome rides on
// the scope: commit deletes the row, abort clears the lease so the message
// is redelivered.
//
// The select locks the chosen row (FOR UPDATE under repeatable read), so two
// concurrent receivers never lease the same row. A receiver that loses a
// lock race (deadlock 1213) returns (nil, nil) and the worker loop backs off
// instead of busy-spinning.
func (t *Transport) Receive(ctx context.Context, scope *bus.Scope) (*bus.Message, error) {
	if t.table.IsZero() {
		return nil, errors.New("transport: receive on a send-only transport")
	}
	if scope == nil {
		return nil, errors.New("transport: receive requires a scope")
	}
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return nil, bus.WrapCancelled(ctx, err)
	}
	defer t.sem.Release(1)

	conn, err := t.provider.Open(ctx)
	if err != nil {
		return nil, bus.WrapCancelled(ctx, err)
	}
	defer conn.Close()

	var (
		id          int64
		headerBytes []byte
		body        []byte
	)
	err = conn.QueryRowContext(ctx, t.receiveQuery(), t.cfg.LeaseTolerance.Microseconds()).
		Scan(&id, &headerBytes, &body)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// Nothing deliverable; commit the empty transaction.
		if cerr := conn.Complete(ctx); cerr != nil {
			debug.Logf("transport: commit empty receive: %v\n", cerr)
		}
		return nil, nil
	case mysqlconn.IsDeadlock(err):
		debug.Logf("transport: receive lost lock race on %s\n", t.table)
		return nil, nil
	case err != nil:
		return nil, bus.WrapCancelled(ctx, fmt.Errorf("transport: receive select: %w", err))
	}

	_, err = conn.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET leased_until = TIMESTAMPADD(MICROSECOND, ?, now(6)), leased_at = now(6), leased_by = ? WHERE id = ?`,
		t.table.Qualified()),
		t.cfg.LeaseInterval.Microseconds(), t.cfg.LeasedByFactory(), id)
	if err != nil {
		if mysqlconn.IsDeadlock(err) {
			return nil, nil
		}
		return nil, bus.WrapCancelled(ctx, fmt.Errorf("transport: lease row %d: %w", id, err))
	}

	t.registerLeaseActions(scope, id)

	// Commit so the lease becomes visible to other receivers before the
	// handler starts.
	if err := conn.Complete(ctx); err != nil {
		return nil, bus.WrapCancelled(ctx, err)
	}

	headers, err := bus.UnmarshalHeaders(headerBytes)
	if err != nil {
		return nil, fmt.Errorf("transport: row %d: %w", id, err)
	}
	return &bus.Message{Headers: headers, Body: body}, nil
}

// receiveQuery builds the lease select. The predicate admits rows that are
// visible, unexpired, and either never leased or past their lease plus
// tolerance; with ordering keys enabled it additionally excludes rows whose
// key has another row in flight. Order is priority, then visible time, then
// insertion order.
func (t *Transport) receiveQuery() string {
	table := t.table.Qualified()
	predicate := `visible < now(6)
	  AND expiration > now(6)
	  AND (leased_until IS NULL OR TIMESTAMPADD(MICROSECOND, ?, leased_until) < now(6))`
	if t.cfg.UseOrderingKey {
		predicate += fmt.Sprintf(`
	  AND NOT EXISTS (
	      SELECT 1 FROM %s q2
	      WHERE q2.ordering_key = %s.ordering_key
	        AND q2.leased_until > now(6)
	        AND q2.id <> %s.id)`, table, table, table)
	}
	return fmt.Sprintf(`SELECT id, headers, body FROM %s
	 WHERE %s
	 ORDER BY priority DESC, visible ASC, id ASC
	 LIMIT 1
	 FOR UPDATE`, table, predicate)
}

// registerLeaseActions wires the ack/nack behavior for a leased row onto the
// scope, and starts the auto-renewer when configured. Both actions retry
// forever on deadlock and otherwise log and swallow: by the time they run,
// the handler outcome is decided and must not be masked.
func (t *Transport) registerLeaseActions(scope *bus.Scope, id int64) {
	stopRenewer := func() {}
	if t.cfg.LeaseAutoRenewInterval > 0 {
		stopRenewer = t.startRenewer(id)
	}

	scope.OnCommitted(func(ctx context.Context) error {
		stopRenewer()
		err := t.provider.WithTransaction(ctx, func(conn *mysqlconn.Conn) error {
			_, execErr := conn.ExecContext(ctx,
				fmt.Sprintf("DELETE FROM %s WHERE id = ?", t.table.Qualified()), id)
			return execErr
		})
		if err != nil {
			debug.Logf("transport: ack row %d: %v\n", id, err)
		}
		return nil
	})
	scope.OnAborted(func(ctx context.Context) {
		stopRenewer()
		err := t.provider.WithTransaction(ctx, func(conn *mysqlconn.Conn) error {
			_, execErr := conn.ExecContext(ctx, fmt.Sprintf(
				"UPDATE %s SET leased_until = NULL, leased_by = NULL, leased_at = NULL WHERE id = ?",
				t.table.Qualified()), id)
			return execErr
		})
		if err != nil {
			debug.Logf("transport: nack row %d: %v\n", id, err)
		}
	})
	scope.OnDisposed(stopRenewer)
}

// startRenewer extends the lease of row id on a timer until cancelled.
// Renewal failures are logged; the handler is never interrupted.
func (t *Transport) startRenewer(id int64) context.CancelFunc {
	ctx, cancel := context.WithCancel(context.Background())
	t.renewMu.Lock()
	t.renewers[id] = cancel
	t.renewMu.Unlock()

	go func() {
		ticker := time.NewTicker(t.cfg.LeaseAutoRenewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := t.provider.WithTransaction(ctx, func(conn *mysqlconn.Conn) error {
					_, execErr := conn.ExecContext(ctx, fmt.Sprintf(
						"UPDATE %s SET leased_until = TIMESTAMPADD(MICROSECOND, ?, now(6)) WHERE id = ?",
						t.table.Qualified()),
						t.cfg.LeaseInterval.Microseconds(), id)
					return execErr
				})
				if err != nil && !errors.Is(err, context.Canceled) {
					debug.Logf("transport: renew lease on row %d: %v\n", id, err)
				}
			}
		}
	}()

	return func() {
		cancel()
		t.renewMu.Lock()
		delete(t.renewers, id)
		t.renewMu.Unlock()
	}
}
