// Package sagastore persists long-running workflow (saga) state with
// optimistic concurrency and indexed correlation lookup.
//
// Saga data is an opaque byte blob plus an (id, revision) envelope; the
// revision increments on every update, and a stale writer surfaces
// bus.ErrConflict. Correlation properties are materialized into a separate
// index table so Find can locate a saga by any correlated value.
package sagastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/relayq/relayq/internal/bus"
	"github.com/relayq/relayq/internal/debug"
	"github.com/relayq/relayq/internal/mysqlconn"
)

// MySQL limits a compound key to 900 bytes under common collations; the
// index columns are sized so the four-column primary key stays under it.
const (
	maxSagaTypeLength = 40
	maxKeyLength      = 200
	maxValueLength    = 200
)

// idPropertyName is the correlation property that maps straight to the
// primary key, bypassing the index table.
const idPropertyName = "Id"

// Data is one saga instance's persisted envelope.
type Data struct {
	ID       uuid.UUID
	Revision int
	Bytes    []byte
}

// CorrelationProperty is one indexed (type, key, value) triple for a saga.
type CorrelationProperty struct {
	SagaType string
	Key      string
	Value    string
}

// Config configures a Store.
type Config struct {
	DataTable         string // default "relayq_sagas"
	IndexTable        string // default "relayq_saga_index"
	SkipTableCreation bool
}

// Store is the MySQL saga store.
type Store struct {
	provider   *mysqlconn.Provider
	dataTable  mysqlconn.TableName
	indexTable mysqlconn.TableName
	skipCreate bool
}

// New returns an uninitialized store. Call Initialize before use.
func New(provider *mysqlconn.Provider, cfg Config) *Store {
	if cfg.DataTable == "" {
		cfg.DataTable = "relayq_sagas"
	}
	if cfg.IndexTable == "" {
		cfg.IndexTable = "relayq_saga_index"
	}
	return &Store{
		provider:   provider,
		dataTable:  mysqlconn.ParseTableName(cfg.DataTable),
		indexTable: mysqlconn.ParseTableName(cfg.IndexTable),
		skipCreate: cfg.SkipTableCreation,
	}
}

// Initialize creates the data and index tables when absent.
func (s *Store) Initialize(ctx context.Context) error {
	if s.skipCreate {
		return nil
	}
	err := s.provider.WithTransaction(ctx, func(conn *mysqlconn.Conn) error {
		if _, err := conn.ExecContext(ctx, fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s (
			    `+"`id`"+` CHAR(36) NOT NULL,
			    `+"`revision`"+` INT NOT NULL,
			    `+"`data`"+` MEDIUMBLOB NOT NULL,
			    PRIMARY KEY (`+"`id`"+`)
			)`, s.dataTable.Qualified())); err != nil {
			return err
		}
		if _, err := conn.ExecContext(ctx, fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s (
			    `+"`saga_type`"+` VARCHAR(%d) NOT NULL,
			    `+"`key`"+` VARCHAR(%d) NOT NULL,
			    `+"`value`"+` VARCHAR(%d) NOT NULL,
			    `+"`saga_id`"+` CHAR(36) NOT NULL,
			    PRIMARY KEY (`+"`saga_type`, `key`, `value`, `saga_id`"+`)
			)`, s.indexTable.Qualified(), maxSagaTypeLength, maxKeyLength, maxValueLength)); err != nil {
			return err
		}
		return conn.CreateIndexIfNotExists(ctx, s.indexTable, "idx_saga_id", "(`saga_id`)")
	})
	if err != nil {
		return fmt.Errorf("sagastore: create tables: %w", err)
	}
	return nil
}

// Insert persists a brand-new saga. data.Revision must be 0; a duplicate ID
// surfaces bus.ErrConflict.
func (s *Store) Insert(ctx context.Context, data *Data, properties []CorrelationProperty) error {
	if data.Revision != 0 {
		return fmt.Errorf("sagastore: insert saga %s with revision %d: %w", data.ID, data.Revision, bus.ErrConflict)
	}
	err := s.provider.WithTransaction(ctx, func(conn *mysqlconn.Conn) error {
		_, err := conn.ExecContext(ctx, fmt.Sprintf(
			"INSERT INTO %s (id, revision, data) VALUES (?, 0, ?)", s.dataTable.Qualified()),
			data.ID.String(), data.Bytes)
		if err != nil {
			return err
		}
		return s.writeIndex(ctx, conn, data.ID, properties)
	})
	if mysqlconn.IsDuplicateKey(err) {
		return fmt.Errorf("sagastore: saga %s already exists: %w", data.ID, bus.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("sagastore: insert saga %s: %w", data.ID, err)
	}
	data.Revision = 0
	return nil
}

// Update persists a new revision of an existing saga. The row is matched on
// (id, revision); losing the optimistic check surfaces bus.ErrConflict. On
// success data.Revision is incremented to match the database.
func (s *Store) Update(ctx context.Context, data *Data, properties []CorrelationProperty) error {
	err := s.provider.WithTransaction(ctx, func(conn *mysqlconn.Conn) error {
		res, err := conn.ExecContext(ctx, fmt.Sprintf(
			"UPDATE %s SET revision = revision + 1, data = ? WHERE id = ? AND revision = ?",
			s.dataTable.Qualified()),
			data.Bytes, data.ID.String(), data.Revision)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return bus.ErrConflict
		}
		if _, err := conn.ExecContext(ctx, fmt.Sprintf(
			"DELETE FROM %s WHERE saga_id = ?", s.indexTable.Qualified()), data.ID.String()); err != nil {
			return err
		}
		return s.writeIndex(ctx, conn, data.ID, properties)
	})
	if err != nil {
		if errors.Is(err, bus.ErrConflict) {
			return fmt.Errorf("sagastore: update saga %s at revision %d: %w", data.ID, data.Revision, bus.ErrConflict)
		}
		return fmt.Errorf("sagastore: update saga %s: %w", data.ID, err)
	}
	data.Revision++
	return nil
}

// Find locates a saga by a correlation property. The ID property reads the
// data table directly; everything else joins through the index. Returns
// (nil, nil) when no saga correlates.
func (s *Store) Find(ctx context.Context, sagaType, propertyName, propertyValue string) (*Data, error) {
	var query string
	var args []any
	if strings.EqualFold(propertyName, idPropertyName) {
		query = fmt.Sprintf("SELECT id, revision, data FROM %s WHERE id = ?", s.dataTable.Qualified())
		args = []any{propertyValue}
	} else {
		if len(propertyValue) > maxValueLength {
			// Oversized values are never indexed, so nothing can match.
			return nil, nil
		}
		query = fmt.Sprintf(
			`SELECT d.id, d.revision, d.data FROM %s d
			 JOIN %s i ON i.saga_id = d.id
			 WHERE i.saga_type = ? AND i.`+"`key`"+` = ? AND i.`+"`value`"+` = ?`,
			s.dataTable.Qualified(), s.indexTable.Qualified())
		args = []any{truncate(sagaType, maxSagaTypeLength), truncate(propertyName, maxKeyLength), propertyValue}
	}

	var data *Data
	err := s.provider.WithTransaction(ctx, func(conn *mysqlconn.Conn) error {
		var idStr string
		var revision int
		var blob []byte
		err := conn.QueryRowContext(ctx, query, args...).Scan(&idStr, &revision, &blob)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return fmt.Errorf("saga id %q: %w", idStr, err)
		}
		data = &Data{ID: id, Revision: revision, Bytes: blob}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sagastore: find %s/%s: %w", sagaType, propertyName, err)
	}
	return data, nil
}

// Delete removes a saga and its index entries. The revision is checked the
// same way Update checks it.
func (s *Store) Delete(ctx context.Context, data *Data) error {
	err := s.provider.WithTransaction(ctx, func(conn *mysqlconn.Conn) error {
		res, err := conn.ExecContext(ctx, fmt.Sprintf(
			"DELETE FROM %s WHERE id = ? AND revision = ?", s.dataTable.Qualified()),
			data.ID.String(), data.Revision)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return bus.ErrConflict
		}
		_, err = conn.ExecContext(ctx, fmt.Sprintf(
			"DELETE FROM %s WHERE saga_id = ?", s.indexTable.Qualified()), data.ID.String())
		return err
	})
	if err != nil {
		if errors.Is(err, bus.ErrConflict) {
			return fmt.Errorf("sagastore: delete saga %s at revision %d: %w", data.ID, data.Revision, bus.ErrConflict)
		}
		return fmt.Errorf("sagastore: delete saga %s: %w", data.ID, err)
	}
	return nil
}

// writeIndex inserts the correlation rows for one saga. Oversized values
// cannot be indexed within the key-size budget and are skipped; lookups on
// them simply miss, which the pipeline treats as "no saga found".
func (s *Store) writeIndex(ctx context.Context, conn *mysqlconn.Conn, id uuid.UUID, properties []CorrelationProperty) error {
	for _, p := range properties {
		if len(p.Value) > maxValueLength {
			debug.Logf("sagastore: skipping oversized correlation value for %s/%s\n", p.SagaType, p.Key)
			continue
		}
		_, err := conn.ExecContext(ctx, fmt.Sprintf(
			"INSERT INTO %s (saga_type, `key`, `value`, saga_id) VALUES (?, ?, ?, ?)",
			s.indexTable.Qualified()),
			truncate(p.SagaType, maxSagaTypeLength), truncate(p.Key, maxKeyLength), p.Value, id.String())
		if err != nil {
			return err
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
