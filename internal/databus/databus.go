// Package databus stores large binary attachments out of band, so messages
// carry an attachment ID instead of megabytes of payload.
package databus

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/relayq/relayq/internal/bus"
	"github.com/relayq/relayq/internal/mysqlconn"
)

// Stock metadata keys added by ReadMetadata alongside the caller's own.
const (
	MetadataLength   = "rbs2-databus-length"
	MetadataSaveTime = "rbs2-databus-save-time"
	MetadataReadTime = "rbs2-databus-read-time"
)

// Config configures a Store.
type Config struct {
	// Table is the attachments table name. Defaults to "relayq_databus".
	Table string

	SkipTableCreation bool
}

// Store is the MySQL data bus store.
type Store struct {
	provider   *mysqlconn.Provider
	table      mysqlconn.TableName
	skipCreate bool
}

// New returns an uninitialized store. Call Initialize before use.
func New(provider *mysqlconn.Provider, cfg Config) *Store {
	if cfg.Table == "" {
		cfg.Table = "relayq_databus"
	}
	return &Store{
		provider:   provider,
		table:      mysqlconn.ParseTableName(cfg.Table),
		skipCreate: cfg.SkipTableCreation,
	}
}

// Initialize creates the attachments table when absent.
func (s *Store) Initialize(ctx context.Context) error {
	if s.skipCreate {
		return nil
	}
	err := s.provider.WithTransaction(ctx, func(conn *mysqlconn.Conn) error {
		_, err := conn.ExecContext(ctx, fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s (
			    `+"`id`"+` VARCHAR(200) NOT NULL,
			    `+"`meta`"+` LONGBLOB,
			    `+"`data`"+` LONGBLOB NOT NULL,
			    `+"`creation_time`"+` DATETIME(6) NOT NULL,
			    `+"`last_read_time`"+` DATETIME(6) NULL,
			    PRIMARY KEY (`+"`id`"+`)
			)`, s.table.Qualified()))
		return err
	})
	if err != nil {
		return fmt.Errorf("databus: create table %s: %w", s.table, err)
	}
	return nil
}

// Save stores the attachment read from r under id. An empty id gets a fresh
// UUID; the used id is returned.
func (s *Store) Save(ctx context.Context, id string, metadata map[string]string, r io.Reader) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("databus: read attachment: %w", err)
	}
	metaBytes, err := bus.MarshalHeaders(metadata)
	if err != nil {
		return "", err
	}
	err = s.provider.WithTransaction(ctx, func(conn *mysqlconn.Conn) error {
		_, err := conn.ExecContext(ctx, fmt.Sprintf(
			"INSERT INTO %s (id, meta, data, creation_time, last_read_time) VALUES (?, ?, ?, now(6), NULL)",
			s.table.Qualified()), id, metaBytes, data)
		return err
	})
	if mysqlconn.IsDuplicateKey(err) {
		return "", fmt.Errorf("databus: attachment %q already exists: %w", id, bus.ErrConflict)
	}
	if err != nil {
		return "", fmt.Errorf("databus: save attachment %q: %w", id, err)
	}
	return id, nil
}

// Read returns the attachment payload and stamps the last-read time.
func (s *Store) Read(ctx context.Context, id string) (io.ReadCloser, error) {
	var data []byte
	err := s.provider.WithTransaction(ctx, func(conn *mysqlconn.Conn) error {
		err := conn.QueryRowContext(ctx, fmt.Sprintf(
			"SELECT data FROM %s WHERE id = ?", s.table.Qualified()), id).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			return bus.ErrNotFound
		}
		if err != nil {
			return err
		}
		_, err = conn.ExecContext(ctx, fmt.Sprintf(
			"UPDATE %s SET last_read_time = now(6) WHERE id = ?", s.table.Qualified()), id)
		return err
	})
	if err != nil {
		if errors.Is(err, bus.ErrNotFound) {
			return nil, fmt.Errorf("databus: attachment %q: %w", id, bus.ErrNotFound)
		}
		return nil, fmt.Errorf("databus: read attachment %q: %w", id, err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// ReadMetadata returns the caller-supplied metadata plus the stock
// length/save-time/read-time keys. It does not touch the last-read time.
func (s *Store) ReadMetadata(ctx context.Context, id string) (map[string]string, error) {
	var (
		metaBytes    []byte
		length       int64
		creationTime time.Time
		lastReadTime sql.NullTime
	)
	err := s.provider.WithTransaction(ctx, func(conn *mysqlconn.Conn) error {
		err := conn.QueryRowContext(ctx, fmt.Sprintf(
			"SELECT meta, LENGTH(data), creation_time, last_read_time FROM %s WHERE id = ?",
			s.table.Qualified()), id).
			Scan(&metaBytes, &length, &creationTime, &lastReadTime)
		if errors.Is(err, sql.ErrNoRows) {
			return bus.ErrNotFound
		}
		return err
	})
	if err != nil {
		if errors.Is(err, bus.ErrNotFound) {
			return nil, fmt.Errorf("databus: attachment %q: %w", id, bus.ErrNotFound)
		}
		return nil, fmt.Errorf("databus: read metadata %q: %w", id, err)
	}
	metadata, err := bus.UnmarshalHeaders(metaBytes)
	if err != nil {
		return nil, fmt.Errorf("databus: attachment %q: %w", id, err)
	}
	metadata[MetadataLength] = strconv.FormatInt(length, 10)
	metadata[MetadataSaveTime] = creationTime.UTC().Format(time.RFC3339Nano)
	if lastReadTime.Valid {
		metadata[MetadataReadTime] = lastReadTime.Time.UTC().Format(time.RFC3339Nano)
	}
	return metadata, nil
}

// Delete removes an attachment. Deleting a missing attachment is a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	err := s.provider.WithTransaction(ctx, func(conn *mysqlconn.Conn) error {
		_, err := conn.ExecContext(ctx, fmt.Sprintf(
			"DELETE FROM %s WHERE id = ?", s.table.Qualified()), id)
		return err
	})
	if err != nil {
		return fmt.Errorf("databus: delete attachment %q: %w", id, err)
	}
	return nil
}

// Criteria filters Query by save/read time ranges. Zero fields are
// unconstrained.
type Criteria struct {
	SavedAfter       time.Time
	SavedBefore      time.Time
	ReadAfter        time.Time
	ReadBefore       time.Time
	IncludeNeverRead bool // admit rows with no read time when read bounds are set
}

// Query lists attachment IDs matching the criteria, oldest first.
func (s *Store) Query(ctx context.Context, criteria Criteria) ([]string, error) {
	query := fmt.Sprintf("SELECT id FROM %s WHERE 1=1", s.table.Qualified())
	var args []any
	if !criteria.SavedAfter.IsZero() {
		query += " AND creation_time >= ?"
		args = append(args, criteria.SavedAfter.UTC())
	}
	if !criteria.SavedBefore.IsZero() {
		query += " AND creation_time < ?"
		args = append(args, criteria.SavedBefore.UTC())
	}
	readCond := ""
	if !criteria.ReadAfter.IsZero() {
		readCond = "last_read_time >= ?"
		args = append(args, criteria.ReadAfter.UTC())
	}
	if !criteria.ReadBefore.IsZero() {
		if readCond != "" {
			readCond += " AND "
		}
		readCond += "last_read_time < ?"
		args = append(args, criteria.ReadBefore.UTC())
	}
	if readCond != "" {
		if criteria.IncludeNeverRead {
			query += " AND (last_read_time IS NULL OR (" + readCond + "))"
		} else {
			query += " AND (" + readCond + ")"
		}
	}
	query += " ORDER BY creation_time ASC"

	var ids []string
	err := s.provider.WithTransaction(ctx, func(conn *mysqlconn.Conn) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("databus: query attachments: %w", err)
	}
	return ids, nil
}
