// Package mysqlconn manages MySQL connections for the relayq persistence
// layer: a Provider that opens transactional connections at a configured
// isolation level, schema introspection over INFORMATION_SCHEMA, and
// idempotent DDL primitives.
//
// Every operation of the queue, lock, and store packages runs on exactly one
// Conn; connections are never shared across concurrent operations (a MySQL
// client connection is not multi-statement concurrent).
package mysqlconn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"

	"github.com/relayq/relayq/internal/debug"
)

// CommandSeparator splits multi-command scripts passed to ExecuteCommands.
// Commands are executed sequentially within the same transaction.
const CommandSeparator = "----"

// Config configures a Provider.
type Config struct {
	// DSN is the go-sql-driver MySQL DSN. It must allow user variables
	// (true for stock MySQL); parseTime is forced on.
	DSN string

	// Isolation is the transaction isolation level for every connection
	// the provider opens. Defaults to repeatable read.
	Isolation sql.IsolationLevel

	// MaxOpenConns caps the pool. 0 means unlimited.
	MaxOpenConns int
}

// Provider opens transactional connections against one MySQL database.
type Provider struct {
	db        *sql.DB
	isolation sql.IsolationLevel
	schema    string // database name from the DSN
}

// NewProvider validates the DSN and opens the connection pool. The pool is
// lazy; the first Open performs the actual dial.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.DSN == "" {
		return nil, errors.New("mysqlconn: DSN is required")
	}
	dsnCfg, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("mysqlconn: parse DSN: %w", err)
	}
	// Timestamps are scanned as time.Time throughout.
	dsnCfg.ParseTime = true

	db, err := sql.Open("mysql", dsnCfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("mysqlconn: open: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	isolation := cfg.Isolation
	if isolation == sql.LevelDefault {
		isolation = sql.LevelRepeatableRead
	}
	return &Provider{db: db, isolation: isolation, schema: dsnCfg.DBName}, nil
}

// Schema returns the database name from the DSN, or "" when the DSN does
// not select one.
func (p *Provider) Schema() string { return p.schema }

// DB exposes the underlying pool for read-only diagnostics (CLI stats).
func (p *Provider) DB() *sql.DB { return p.db }

// Close closes the connection pool.
func (p *Provider) Close() error { return p.db.Close() }

// Open begins a transaction at the provider's isolation level and returns a
// connection wrapping it. Complete commits; Close without Complete rolls
// back.
func (p *Provider) Open(ctx context.Context) (*Conn, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: p.isolation})
	if err != nil {
		return nil, fmt.Errorf("mysqlconn: begin transaction: %w", err)
	}
	return &Conn{tx: tx, schema: p.schema}, nil
}

// Enlist wraps an externally managed transaction. Complete and Close become
// no-ops on the transaction itself: the owner commits or rolls back.
func (p *Provider) Enlist(tx *sql.Tx) *Conn {
	return &Conn{tx: tx, schema: p.schema, external: true}
}

// WithTransaction runs fn inside one connection and commits on success. The
// whole unit of work is retried on deadlock (1213) with exponential backoff
// bounded by ctx.
func (p *Provider) WithTransaction(ctx context.Context, fn func(*Conn) error) error {
	op := func() error {
		conn, err := p.Open(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		defer conn.Close()
		if err := fn(conn); err != nil {
			if IsDeadlock(err) {
				return err // retryable
			}
			return backoff.Permanent(err)
		}
		if err := conn.Complete(ctx); err != nil {
			if IsDeadlock(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}
	// BackOff implementations are stateful; always use a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.MaxElapsedTime = 0 // bounded by ctx only
	err := backoff.Retry(op, backoff.WithContext(bo, ctx))
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Unwrap()
	}
	return err
}

// Conn is one database connection with an open transaction.
type Conn struct {
	tx       *sql.Tx
	schema   string
	external bool // transaction lifecycle owned by someone else
	done     bool
}

// ExecContext executes a statement within the transaction.
func (c *Conn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.tx.ExecContext(ctx, query, args...)
}

// QueryContext runs a query within the transaction.
func (c *Conn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.tx.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a single-row query within the transaction.
func (c *Conn) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.tx.QueryRowContext(ctx, query, args...)
}

// ExecuteCommands executes a multi-command script. Commands are separated by
// a line consisting of CommandSeparator and run sequentially in the
// transaction; the first failure aborts the rest.
func (c *Conn) ExecuteCommands(ctx context.Context, script string) error {
	for _, command := range SplitCommands(script) {
		if _, err := c.ExecContext(ctx, command); err != nil {
			return fmt.Errorf("execute %q: %w", abbreviate(command), err)
		}
	}
	return nil
}

// SplitCommands splits a script on separator lines, dropping empty commands.
func SplitCommands(script string) []string {
	var out []string
	for _, part := range strings.Split(script, "\n"+CommandSeparator) {
		part = strings.TrimPrefix(part, CommandSeparator)
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func abbreviate(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 80 {
		return s[:77] + "..."
	}
	return s
}

// Complete commits the transaction. Safe to call more than once, and a
// no-op for enlisted connections (the external owner commits).
func (c *Conn) Complete(ctx context.Context) error {
	if c.external || c.done {
		return nil
	}
	c.done = true
	if err := c.tx.Commit(); err != nil {
		return fmt.Errorf("mysqlconn: commit: %w", err)
	}
	return nil
}

// Close rolls back the transaction unless it was completed. Always safe to
// defer.
func (c *Conn) Close() error {
	if c.external || c.done {
		return nil
	}
	c.done = true
	if err := c.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		debug.Logf("mysqlconn: rollback: %v\n", err)
		return err
	}
	return nil
}
