// Package timeoutstore persists deferred messages until they are due. The
// timeout manager polls GetDueMessages and re-sends each due message to its
// recipient, deleting the row once the send's transaction commits.
package timeoutstore

import (
	"context"
	"fmt"
	"time"

	"github.com/relayq/relayq/internal/bus"
	"github.com/relayq/relayq/internal/mysqlconn"
)

// Config configures a Store.
type Config struct {
	// Table is the timeouts table name. Defaults to "relayq_timeouts".
	Table string

	SkipTableCreation bool
}

// Store is the MySQL timeout store.
type Store struct {
	provider   *mysqlconn.Provider
	table      mysqlconn.TableName
	skipCreate bool
}

// New returns an uninitialized store. Call Initialize before use.
func New(provider *mysqlconn.Provider, cfg Config) *Store {
	if cfg.Table == "" {
		cfg.Table = "relayq_timeouts"
	}
	return &Store{
		provider:   provider,
		table:      mysqlconn.ParseTableName(cfg.Table),
		skipCreate: cfg.SkipTableCreation,
	}
}

// Initialize creates the timeouts table when absent.
func (s *Store) Initialize(ctx context.Context) error {
	if s.skipCreate {
		return nil
	}
	err := s.provider.WithTransaction(ctx, func(conn *mysqlconn.Conn) error {
		if _, err := conn.ExecContext(ctx, fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s (
			    `+"`id`"+` BIGINT NOT NULL AUTO_INCREMENT,
			    `+"`due_time`"+` DATETIME(6) NOT NULL,
			    `+"`headers`"+` LONGBLOB,
			    `+"`body`"+` LONGBLOB,
			    PRIMARY KEY (`+"`id`"+`)
			)`, s.table.Qualified())); err != nil {
			return err
		}
		return conn.CreateIndexIfNotExists(ctx, s.table, "idx_due_time", "(`due_time`)")
	})
	if err != nil {
		return fmt.Errorf("timeoutstore: create table %s: %w", s.table, err)
	}
	return nil
}

// Defer stores a message for delivery at approximateDueTime. Delivery
// happens on the next poll at or after the due time, not exactly at it.
func (s *Store) Defer(ctx context.Context, approximateDueTime time.Time, headers map[string]string, body []byte) error {
	headerBytes, err := bus.MarshalHeaders(headers)
	if err != nil {
		return err
	}
	err = s.provider.WithTransaction(ctx, func(conn *mysqlconn.Conn) error {
		_, err := conn.ExecContext(ctx, fmt.Sprintf(
			"INSERT INTO %s (due_time, headers, body) VALUES (?, ?, ?)", s.table.Qualified()),
			approximateDueTime.UTC(), headerBytes, body)
		return err
	})
	if err != nil {
		return fmt.Errorf("timeoutstore: defer until %s: %w", approximateDueTime, err)
	}
	return nil
}

// DueMessage is one timeout whose due time has passed. MarkCompleted
// deletes the row within the batch's transaction; an unmarked message is
// redelivered on a later poll.
type DueMessage struct {
	Headers map[string]string
	Body    []byte

	id    int64
	batch *DueBatch
}

// MarkCompleted deletes the row. The deletion becomes durable when the
// batch completes.
func (m *DueMessage) MarkCompleted(ctx context.Context) error {
	_, err := m.batch.conn.ExecContext(ctx, fmt.Sprintf(
		"DELETE FROM %s WHERE id = ?", m.batch.table.Qualified()), m.id)
	if err != nil {
		return fmt.Errorf("timeoutstore: complete timeout %d: %w", m.id, err)
	}
	return nil
}

// DueBatch holds the due messages of one poll and the transaction their
// rows are locked under. Complete commits (making completions durable);
// Close without Complete rolls everything back.
type DueBatch struct {
	Messages []*DueMessage

	conn  *mysqlconn.Conn
	table mysqlconn.TableName
}

// Complete commits the batch transaction.
func (b *DueBatch) Complete(ctx context.Context) error {
	return b.conn.Complete(ctx)
}

// Close rolls back the batch when it was not completed.
func (b *DueBatch) Close() error {
	return b.conn.Close()
}

// GetDueMessages locks and returns the messages that are due. The rows stay
// locked (FOR UPDATE) until the batch completes or closes, so concurrent
// pollers do not double-deliver.
func (s *Store) GetDueMessages(ctx context.Context) (*DueBatch, error) {
	conn, err := s.provider.Open(ctx)
	if err != nil {
		return nil, bus.WrapCancelled(ctx, err)
	}
	batch := &DueBatch{conn: conn, table: s.table}

	rows, err := conn.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, headers, body FROM %s WHERE due_time <= now(6) ORDER BY due_time ASC FOR UPDATE`,
		s.table.Qualified()))
	if err != nil {
		_ = conn.Close()
		return nil, bus.WrapCancelled(ctx, fmt.Errorf("timeoutstore: select due: %w", err))
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var headerBytes, body []byte
		if err := rows.Scan(&id, &headerBytes, &body); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("timeoutstore: scan due: %w", err)
		}
		headers, err := bus.UnmarshalHeaders(headerBytes)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("timeoutstore: timeout %d: %w", id, err)
		}
		batch.Messages = append(batch.Messages, &DueMessage{
			Headers: headers,
			Body:    body,
			id:      id,
			batch:   batch,
		})
	}
	if err := rows.Err(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("timeoutstore: read due: %w", err)
	}
	return batch, nil
}
