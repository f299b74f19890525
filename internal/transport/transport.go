// Package transport implements the MySQL-backed message queue: one table
// per logical queue, polled by lease-based receivers, with priority,
// deferred visibility, TTL, and optional per-key ordered delivery.
//
// Delivery is at-least-once: a received row is leased, deleted when the
// handler's scope commits, and released (or reclaimed after the lease
// expires) when it aborts. A background sweeper deletes TTL-expired rows
// and reclaims leases abandoned by crashed workers.
package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/relayq/relayq/internal/bus"
	"github.com/relayq/relayq/internal/debug"
	"github.com/relayq/relayq/internal/mysqlconn"
)

// Defaults for Config fields left zero.
const (
	DefaultLeaseInterval   = 5 * time.Minute
	DefaultLeaseTolerance  = 30 * time.Second
	DefaultAckTimeout      = 10 * time.Second
	DefaultCleanupInterval = 20 * time.Second
	DefaultMaxParallelism  = 20

	// DefaultTTL is applied when a message carries no
	// rbs2-time-to-be-received header: effectively forever.
	DefaultTTL = (1<<31 - 1) * time.Second
)

// Config configures a Transport.
type Config struct {
	// InputQueue is the queue this transport receives from. Empty makes
	// the transport send-only.
	InputQueue string

	// AutoDeleteQueue drops the input queue table on Close.
	AutoDeleteQueue bool

	// SkipTableCreation makes Initialize assume the input queue table
	// already exists instead of creating it.
	SkipTableCreation bool

	// LeaseInterval is how long a received row stays claimed before other
	// workers may reclaim it.
	LeaseInterval time.Duration

	// LeaseTolerance is the grace period past the lease end before a
	// reclaim, covering clock skew between workers.
	LeaseTolerance time.Duration

	// LeaseAutoRenewInterval, when non-zero, renews the lease on a timer
	// while the handler runs. Typically about half the lease interval.
	LeaseAutoRenewInterval time.Duration

	// LeasedByFactory produces the leaseholder identity recorded on
	// leased rows. Defaults to the hostname.
	LeasedByFactory func() string

	// MessageAckTimeout bounds how long the sweeper waits before
	// clearing an abandoned lease, measured past the lease end.
	MessageAckTimeout time.Duration

	// CleanupInterval is the period of the expiration/reclaim sweeper.
	CleanupInterval time.Duration

	// UseOrderingKey enables the ordering-key column and the single-
	// flight-per-key receive predicate.
	UseOrderingKey bool

	// MaxParallelism caps concurrent Receive calls.
	MaxParallelism int64
}

func (cfg *Config) applyDefaults() {
	if cfg.LeaseInterval <= 0 {
		cfg.LeaseInterval = DefaultLeaseInterval
	}
	if cfg.LeaseTolerance <= 0 {
		cfg.LeaseTolerance = DefaultLeaseTolerance
	}
	if cfg.MessageAckTimeout <= 0 {
		cfg.MessageAckTimeout = DefaultAckTimeout
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	if cfg.MaxParallelism <= 0 {
		cfg.MaxParallelism = DefaultMaxParallelism
	}
	if cfg.LeasedByFactory == nil {
		cfg.LeasedByFactory = func() string {
			host, err := os.Hostname()
			if err != nil {
				return "unknown"
			}
			if len(host) > 200 {
				host = host[:200]
			}
			return host
		}
	}
}

// Transport is the MySQL transport. It satisfies bus.Transport.
type Transport struct {
	provider *mysqlconn.Provider
	cfg      Config
	table    mysqlconn.TableName // zero for send-only

	sem *semaphore.Weighted

	renewMu  sync.Mutex
	renewers map[int64]context.CancelFunc

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}

	closed atomic.Bool
}

// New returns an uninitialized transport. Call Initialize before use.
func New(provider *mysqlconn.Provider, cfg Config) *Transport {
	cfg.applyDefaults()
	t := &Transport{
		provider: provider,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(cfg.MaxParallelism),
		renewers: make(map[int64]context.CancelFunc),
	}
	if cfg.InputQueue != "" {
		t.table = mysqlconn.ParseTableName(cfg.InputQueue)
	}
	return t
}

// Initialize creates the input queue table (unless disabled) and starts the
// expiration/reclaim sweeper. Send-only transports skip both.
func (t *Transport) Initialize(ctx context.Context) error {
	if t.table.IsZero() {
		return nil
	}
	if !t.cfg.SkipTableCreation {
		if err := t.EnsureTableIsCreated(ctx, t.table); err != nil {
			return err
		}
	}
	sweepCtx, cancel := context.WithCancel(context.Background())
	t.sweepCancel = cancel
	t.sweepDone = make(chan struct{})
	go t.sweepLoop(sweepCtx)
	return nil
}

// Address returns the qualified input queue name, or "" when send-only.
func (t *Transport) Address() string {
	if t.table.IsZero() {
		return ""
	}
	return t.table.Qualified()
}

// CreateQueue ensures the queue table for address exists.
func (t *Transport) CreateQueue(ctx context.Context, address string) error {
	if address == "" {
		return errors.New("transport: queue address is empty")
	}
	return t.EnsureTableIsCreated(ctx, mysqlconn.ParseTableName(address))
}

// EnsureTableIsCreated creates the queue table and its indexes when absent.
// The create runs inside one transaction and is attempted twice: two
// processes creating the same queue concurrently race on the CREATE, and
// the loser succeeds on its second look.
func (t *Transport) EnsureTableIsCreated(ctx context.Context, table mysqlconn.TableName) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if lastErr != nil {
			debug.Logf("transport: create table %s: retrying after: %v\n", table, lastErr)
		}
		if lastErr = t.createQueueTable(ctx, table); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("transport: create table %s: %w", table, lastErr)
}

func (t *Transport) createQueueTable(ctx context.Context, table mysqlconn.TableName) error {
	conn, err := t.provider.Open(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.ExecuteCommands(ctx, queueTableDDL(table)); err != nil {
		return err
	}
	if err := conn.CreateIndexIfNotExists(ctx, table, "idx_receive",
		"(`priority` DESC, `visible` ASC, `id` ASC, `expiration` ASC, `leased_until` DESC)"); err != nil {
		return err
	}
	if err := conn.CreateIndexIfNotExists(ctx, table, "idx_expiration", "(`expiration`)"); err != nil {
		return err
	}
	if t.cfg.UseOrderingKey {
		if err := conn.CreateColumnIfNotExists(ctx, table, "ordering_key", "VARCHAR(200) NULL"); err != nil {
			return err
		}
		if err := conn.CreateIndexIfNotExists(ctx, table, "idx_ordering_key",
			"(`ordering_key`, `leased_until`)"); err != nil {
			return err
		}
	}
	return conn.Complete(ctx)
}

func queueTableDDL(table mysqlconn.TableName) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    `+"`id`"+` BIGINT NOT NULL AUTO_INCREMENT,
    `+"`priority`"+` INT NOT NULL DEFAULT 0,
    `+"`expiration`"+` DATETIME(6) NOT NULL,
    `+"`visible`"+` DATETIME(6) NOT NULL,
    `+"`headers`"+` LONGBLOB NOT NULL,
    `+"`body`"+` LONGBLOB NOT NULL,
    `+"`leased_until`"+` DATETIME(6) NULL,
    `+"`leased_by`"+` VARCHAR(200) NULL,
    `+"`leased_at`"+` DATETIME(6) NULL,
    PRIMARY KEY (`+"`id`"+`)
)`, table.Qualified())
}

// Close stops the sweeper and outstanding lease renewers, then drops the
// input queue table when auto-delete is enabled.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	if t.sweepCancel != nil {
		t.sweepCancel()
		<-t.sweepDone
	}
	t.renewMu.Lock()
	for id, cancel := range t.renewers {
		cancel()
		delete(t.renewers, id)
	}
	t.renewMu.Unlock()

	if t.cfg.AutoDeleteQueue && !t.table.IsZero() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := t.dropQueueTable(ctx); err != nil {
			return fmt.Errorf("transport: drop queue table: %w", err)
		}
	}
	return nil
}

func (t *Transport) dropQueueTable(ctx context.Context) error {
	drop := func() error {
		return t.provider.WithTransaction(ctx, func(conn *mysqlconn.Conn) error {
			_, err := conn.ExecContext(ctx, "DROP TABLE IF EXISTS "+t.table.Qualified())
			return err
		})
	}
	err := drop()
	if err != nil {
		debug.Logf("transport: drop table %s: retrying after: %v\n", t.table, err)
		err = drop()
	}
	return err
}

// normalizeAddress resolves the destination of a send, rewriting the
// timeout-manager sentinel to the deferred recipient header.
func normalizeAddress(destination string, headers map[string]string) (string, error) {
	if !strings.EqualFold(destination, bus.TimeoutManagerAddress) {
		return destination, nil
	}
	recipient, ok := headers[bus.HeaderDeferredRecipient]
	if !ok || recipient == "" {
		return "", &bus.MalformedMessageError{
			Header: bus.HeaderDeferredRecipient,
			Reason: "deferred message has no recipient",
		}
	}
	return recipient, nil
}
