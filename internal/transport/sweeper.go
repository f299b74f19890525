package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/relayq/relayq/internal/debug"
	"github.com/relayq/relayq/internal/mysqlconn"
)

// sweepBatchSize caps every sweeper statement at 100 IDs. Batched,
// ID-targeted deletes never lock-scan the table, so the sweeper cannot
// deadlock concurrent receivers.
const sweepBatchSize = 100

// sweepLoop runs the expiration/reclaim cycle every CleanupInterval until
// cancelled. Errors are logged and swallowed; the sweeper must outlive
// transient database trouble.
func (t *Transport) sweepLoop(ctx context.Context) {
	defer close(t.sweepDone)
	ticker := time.NewTicker(t.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, reclaimed, err := t.RunCleanup(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				debug.Logf("transport: sweep %s: %v\n", t.table, err)
			}
			if expired > 0 || reclaimed > 0 {
				debug.Logf("transport: sweep %s: expired=%d reclaimed=%d\n", t.table, expired, reclaimed)
			}
		}
	}
}

// RunCleanup performs one full sweeper cycle: delete TTL-expired rows, then
// clear leases abandoned past the ack timeout. Each pass repeats until a
// batch comes back empty.
func (t *Transport) RunCleanup(ctx context.Context) (expired, reclaimed int, err error) {
	expired, err = t.deleteExpired(ctx)
	if err != nil {
		return expired, 0, err
	}
	reclaimed, err = t.reclaimAbandoned(ctx)
	return expired, reclaimed, err
}

// deleteExpired removes rows whose TTL has passed, in ID batches.
func (t *Transport) deleteExpired(ctx context.Context) (int, error) {
	total := 0
	for {
		var ids []int64
		err := t.provider.WithTransaction(ctx, func(conn *mysqlconn.Conn) error {
			var selectErr error
			ids, selectErr = scanIDs(ctx, conn, fmt.Sprintf(
				"SELECT id FROM %s WHERE expiration < now(6) LIMIT %d",
				t.table.Qualified(), sweepBatchSize))
			if selectErr != nil || len(ids) == 0 {
				return selectErr
			}
			_, selectErr = conn.ExecContext(ctx, fmt.Sprintf(
				"DELETE FROM %s WHERE id IN (%s)",
				t.table.Qualified(), placeholders(len(ids))), idArgs(ids)...)
			return selectErr
		})
		if err != nil {
			return total, fmt.Errorf("delete expired: %w", err)
		}
		total += len(ids)
		if len(ids) < sweepBatchSize {
			return total, nil
		}
	}
}

// reclaimAbandoned clears leases that outlived the ack timeout past their
// own expiry, making the rows deliverable again. The receive predicate
// already ignores stale leases; this pass keeps the lease columns tidy and
// covers receivers with a shorter tolerance.
func (t *Transport) reclaimAbandoned(ctx context.Context) (int, error) {
	graceMicros := (t.cfg.MessageAckTimeout + t.cfg.LeaseTolerance).Microseconds()
	total := 0
	for {
		var ids []int64
		err := t.provider.WithTransaction(ctx, func(conn *mysqlconn.Conn) error {
			var selectErr error
			ids, selectErr = scanIDs(ctx, conn, fmt.Sprintf(
				`SELECT id FROM %s
				 WHERE leased_until IS NOT NULL AND TIMESTAMPADD(MICROSECOND, %d, leased_until) < now(6)
				 LIMIT %d`,
				t.table.Qualified(), graceMicros, sweepBatchSize))
			if selectErr != nil || len(ids) == 0 {
				return selectErr
			}
			_, selectErr = conn.ExecContext(ctx, fmt.Sprintf(
				"UPDATE %s SET leased_until = NULL, leased_by = NULL, leased_at = NULL WHERE id IN (%s)",
				t.table.Qualified(), placeholders(len(ids))), idArgs(ids)...)
			return selectErr
		})
		if err != nil {
			return total, fmt.Errorf("reclaim abandoned: %w", err)
		}
		total += len(ids)
		if len(ids) < sweepBatchSize {
			return total, nil
		}
	}
}

func scanIDs(ctx context.Context, conn *mysqlconn.Conn, query string) ([]int64, error) {
	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func idArgs(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

// QueueStats is a point-in-time row census of one queue table.
type QueueStats struct {
	Total       int64
	Deliverable int64
	Leased      int64
	Expired     int64
}

// Stats counts rows by state for diagnostics.
func (t *Transport) Stats(ctx context.Context, address string) (QueueStats, error) {
	table := mysqlconn.ParseTableName(address)
	var stats QueueStats
	err := t.provider.WithTransaction(ctx, func(conn *mysqlconn.Conn) error {
		return conn.QueryRowContext(ctx, fmt.Sprintf(
			`SELECT COUNT(*),
			        COALESCE(SUM(visible < now(6) AND expiration > now(6)
			                     AND (leased_until IS NULL OR TIMESTAMPADD(MICROSECOND, ?, leased_until) < now(6))), 0),
			        COALESCE(SUM(leased_until IS NOT NULL AND leased_until > now(6)), 0),
			        COALESCE(SUM(expiration <= now(6)), 0)
			 FROM %s`, table.Qualified()),
			t.cfg.LeaseTolerance.Microseconds()).
			Scan(&stats.Total, &stats.Deliverable, &stats.Leased, &stats.Expired)
	})
	if err != nil {
		return QueueStats{}, fmt.Errorf("transport: stats %s: %w", table, err)
	}
	return stats, nil
}
