// Package exclusivelock implements the disposable distributed lock used to
// serialize processing of a shared resource (typically one saga instance)
// across workers.
//
// A lock is one row keyed by a caller-chosen string. Acquisition is
// INSERT-or-fail: the duplicate-key error means someone else holds it. The
// lock is advisory and TTL-bounded: a periodic sweeper deletes rows past
// their expiration, so a crashed holder cannot wedge the key forever, and
// holders must not assume mutual exclusion beyond the TTL.
package exclusivelock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/relayq/relayq/internal/bus"
	"github.com/relayq/relayq/internal/debug"
	"github.com/relayq/relayq/internal/mysqlconn"
)

const (
	DefaultTTL           = 24 * time.Hour
	DefaultSweepInterval = 5 * time.Minute

	// sweepBatchSize caps one sweep statement, mirroring the transport
	// sweeper's batching policy.
	sweepBatchSize = 100
)

// Config configures a lock Service.
type Config struct {
	// Table is the lock table name. Defaults to "relayq_locks".
	Table string

	// TTL is the auto-release deadline written on acquisition. It is a
	// safety net; the normal path releases explicitly.
	TTL time.Duration

	// SweepInterval is the period of the expired-lock sweeper. Zero
	// disables the sweeper.
	SweepInterval time.Duration

	// SkipTableCreation skips the idempotent DDL in Initialize.
	SkipTableCreation bool
}

// Service is a lock table plus its sweeper.
type Service struct {
	provider *mysqlconn.Provider
	table    mysqlconn.TableName
	ttl      time.Duration

	sweepInterval time.Duration
	sweepCancel   context.CancelFunc
	sweepDone     chan struct{}
	closed        atomic.Bool

	skipCreate bool
}

// New returns an uninitialized lock service. Call Initialize before use.
func New(provider *mysqlconn.Provider, cfg Config) *Service {
	if cfg.Table == "" {
		cfg.Table = "relayq_locks"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Service{
		provider:      provider,
		table:         mysqlconn.ParseTableName(cfg.Table),
		ttl:           cfg.TTL,
		sweepInterval: cfg.SweepInterval,
		skipCreate:    cfg.SkipTableCreation,
	}
}

// Initialize creates the lock table when absent and starts the sweeper.
func (s *Service) Initialize(ctx context.Context) error {
	if !s.skipCreate {
		if err := s.ensureTableIsCreated(ctx); err != nil {
			return err
		}
	}
	if s.sweepInterval > 0 {
		sweepCtx, cancel := context.WithCancel(context.Background())
		s.sweepCancel = cancel
		s.sweepDone = make(chan struct{})
		go s.sweepLoop(sweepCtx)
	}
	return nil
}

func (s *Service) ensureTableIsCreated(ctx context.Context) error {
	create := func() error {
		return s.provider.WithTransaction(ctx, func(conn *mysqlconn.Conn) error {
			if _, err := conn.ExecContext(ctx, fmt.Sprintf(
				`CREATE TABLE IF NOT EXISTS %s (
				    `+"`lock_key`"+` VARCHAR(255) NOT NULL,
				    `+"`expiration`"+` DATETIME(6) NOT NULL,
				    PRIMARY KEY (`+"`lock_key`"+`)
				)`, s.table.Qualified())); err != nil {
				return err
			}
			return conn.CreateIndexIfNotExists(ctx, s.table, "idx_expiration", "(`expiration`)")
		})
	}
	err := create()
	if err != nil {
		debug.Logf("exclusivelock: create table %s: retrying after: %v\n", s.table, err)
		err = create()
	}
	if err != nil {
		return fmt.Errorf("exclusivelock: create table %s: %w", s.table, err)
	}
	return nil
}

// Acquire takes the lock for key. It returns false when someone else holds
// it — both when the probing select sees the row and when the insert loses a
// race on the primary key. Each call commits independently.
func (s *Service) Acquire(ctx context.Context, key string) (bool, error) {
	held, err := s.IsHeld(ctx, key)
	if err != nil {
		return false, err
	}
	if held {
		return false, nil
	}

	conn, err := s.provider.Open(ctx)
	if err != nil {
		return false, bus.WrapCancelled(ctx, err)
	}
	defer conn.Close()

	_, err = conn.ExecContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (lock_key, expiration) VALUES (?, TIMESTAMPADD(MICROSECOND, ?, now(6)))",
		s.table.Qualified()), key, s.ttl.Microseconds())
	if err != nil {
		if mysqlconn.IsDuplicateKey(err) {
			return false, nil
		}
		return false, bus.WrapCancelled(ctx, fmt.Errorf("exclusivelock: acquire %q: %w", key, err))
	}
	if err := conn.Complete(ctx); err != nil {
		return false, bus.WrapCancelled(ctx, err)
	}
	return true, nil
}

// IsHeld reports whether a row exists for key.
func (s *Service) IsHeld(ctx context.Context, key string) (bool, error) {
	conn, err := s.provider.Open(ctx)
	if err != nil {
		return false, bus.WrapCancelled(ctx, err)
	}
	defer conn.Close()

	var got string
	err = conn.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT lock_key FROM %s WHERE lock_key = ?", s.table.Qualified()), key).Scan(&got)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_ = conn.Complete(ctx)
		return false, nil
	case err != nil:
		return false, bus.WrapCancelled(ctx, fmt.Errorf("exclusivelock: probe %q: %w", key, err))
	}
	_ = conn.Complete(ctx)
	return true, nil
}

// Release deletes the lock row, reporting whether this call removed it.
func (s *Service) Release(ctx context.Context, key string) (bool, error) {
	var affected int64
	err := s.provider.WithTransaction(ctx, func(conn *mysqlconn.Conn) error {
		res, execErr := conn.ExecContext(ctx, fmt.Sprintf(
			"DELETE FROM %s WHERE lock_key = ?", s.table.Qualified()), key)
		if execErr != nil {
			return execErr
		}
		affected, execErr = res.RowsAffected()
		return execErr
	})
	if err != nil {
		return false, fmt.Errorf("exclusivelock: release %q: %w", key, err)
	}
	return affected == 1, nil
}

// sweepLoop deletes expired locks on a timer. Errors are logged and
// swallowed.
func (s *Service) sweepLoop(ctx context.Context) {
	defer close(s.sweepDone)
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				debug.Logf("exclusivelock: sweep %s: %v\n", s.table, err)
			}
			if n > 0 {
				debug.Logf("exclusivelock: sweep %s: released %d expired lock(s)\n", s.table, n)
			}
		}
	}
}

// Sweep deletes expired lock rows by key list, at most sweepBatchSize per
// statement, repeating until a batch comes back short.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	total := 0
	for {
		var keys []string
		err := s.provider.WithTransaction(ctx, func(conn *mysqlconn.Conn) error {
			rows, queryErr := conn.QueryContext(ctx, fmt.Sprintf(
				"SELECT lock_key FROM %s WHERE expiration < now(6) LIMIT %d",
				s.table.Qualified(), sweepBatchSize))
			if queryErr != nil {
				return queryErr
			}
			defer rows.Close()
			for rows.Next() {
				var key string
				if scanErr := rows.Scan(&key); scanErr != nil {
					return scanErr
				}
				keys = append(keys, key)
			}
			if err := rows.Err(); err != nil || len(keys) == 0 {
				return err
			}
			args := make([]any, len(keys))
			for i, k := range keys {
				args[i] = k
			}
			marks := strings.TrimSuffix(strings.Repeat("?, ", len(keys)), ", ")
			_, execErr := conn.ExecContext(ctx, fmt.Sprintf(
				"DELETE FROM %s WHERE lock_key IN (%s)", s.table.Qualified(), marks), args...)
			return execErr
		})
		if err != nil {
			return total, err
		}
		total += len(keys)
		if len(keys) < sweepBatchSize {
			return total, nil
		}
	}
}

// Close stops the sweeper.
func (s *Service) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.sweepCancel != nil {
		s.sweepCancel()
		<-s.sweepDone
	}
	return nil
}
