// Package substore is the topic→subscriber registry: which queue addresses
// want copies of messages published to a topic.
package substore

import (
	"context"
	"fmt"

	"github.com/relayq/relayq/internal/mysqlconn"
)

const (
	maxTopicLength   = 200
	maxAddressLength = 200
)

// Config configures a Store.
type Config struct {
	// Table is the subscriptions table name. Defaults to
	// "relayq_subscriptions".
	Table string

	// Centralized marks the store as shared by all endpoints, so
	// subscribers register directly instead of sending a request to the
	// publisher.
	Centralized bool

	SkipTableCreation bool
}

// Store is the MySQL subscription store.
type Store struct {
	provider    *mysqlconn.Provider
	table       mysqlconn.TableName
	centralized bool
	skipCreate  bool
}

// New returns an uninitialized store. Call Initialize before use.
func New(provider *mysqlconn.Provider, cfg Config) *Store {
	if cfg.Table == "" {
		cfg.Table = "relayq_subscriptions"
	}
	return &Store{
		provider:    provider,
		table:       mysqlconn.ParseTableName(cfg.Table),
		centralized: cfg.Centralized,
		skipCreate:  cfg.SkipTableCreation,
	}
}

// IsCentralized reports whether all endpoints share this store.
func (s *Store) IsCentralized() bool { return s.centralized }

// Initialize creates the subscriptions table when absent.
func (s *Store) Initialize(ctx context.Context) error {
	if s.skipCreate {
		return nil
	}
	err := s.provider.WithTransaction(ctx, func(conn *mysqlconn.Conn) error {
		_, err := conn.ExecContext(ctx, fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s (
			    `+"`topic`"+` VARCHAR(%d) NOT NULL,
			    `+"`address`"+` VARCHAR(%d) NOT NULL,
			    PRIMARY KEY (`+"`topic`, `address`"+`)
			)`, s.table.Qualified(), maxTopicLength, maxAddressLength))
		return err
	})
	if err != nil {
		return fmt.Errorf("substore: create table %s: %w", s.table, err)
	}
	return nil
}

// RegisterSubscriber adds address as a subscriber of topic. Registering an
// existing subscription is a no-op.
func (s *Store) RegisterSubscriber(ctx context.Context, topic, address string) error {
	err := s.provider.WithTransaction(ctx, func(conn *mysqlconn.Conn) error {
		_, err := conn.ExecContext(ctx, fmt.Sprintf(
			"INSERT INTO %s (topic, address) VALUES (?, ?) ON DUPLICATE KEY UPDATE address = address",
			s.table.Qualified()), topic, address)
		return err
	})
	if err != nil {
		return fmt.Errorf("substore: register %q on %q: %w", address, topic, err)
	}
	return nil
}

// UnregisterSubscriber removes address from topic. Idempotent.
func (s *Store) UnregisterSubscriber(ctx context.Context, topic, address string) error {
	err := s.provider.WithTransaction(ctx, func(conn *mysqlconn.Conn) error {
		_, err := conn.ExecContext(ctx, fmt.Sprintf(
			"DELETE FROM %s WHERE topic = ? AND address = ?", s.table.Qualified()), topic, address)
		return err
	})
	if err != nil {
		return fmt.Errorf("substore: unregister %q from %q: %w", address, topic, err)
	}
	return nil
}

// GetSubscriberAddresses lists the queue addresses subscribed to topic.
func (s *Store) GetSubscriberAddresses(ctx context.Context, topic string) ([]string, error) {
	var addresses []string
	err := s.provider.WithTransaction(ctx, func(conn *mysqlconn.Conn) error {
		rows, err := conn.QueryContext(ctx, fmt.Sprintf(
			"SELECT address FROM %s WHERE topic = ? ORDER BY address", s.table.Qualified()), topic)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var address string
			if err := rows.Scan(&address); err != nil {
				return err
			}
			addresses = append(addresses, address)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("substore: subscribers of %q: %w", topic, err)
	}
	return addresses, nil
}
