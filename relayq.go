// Package relayq implements the complete runtime state of an asynchronous
// message bus on a single MySQL database: a durable priority queue
// (the transport), a distributed exclusive-access lock, and saga,
// subscription, timeout, and attachment stores.
//
// This package exports the types and constructors consumers need; the
// implementations live in the internal sub-packages.
package relayq

import (
	"context"
	"database/sql"

	"github.com/relayq/relayq/internal/bus"
	"github.com/relayq/relayq/internal/databus"
	"github.com/relayq/relayq/internal/exclusivelock"
	"github.com/relayq/relayq/internal/mysqlconn"
	"github.com/relayq/relayq/internal/sagastore"
	"github.com/relayq/relayq/internal/substore"
	"github.com/relayq/relayq/internal/telemetry"
	"github.com/relayq/relayq/internal/timeoutstore"
	"github.com/relayq/relayq/internal/transport"
)

// Core message types.
type (
	Message   = bus.Message
	Scope     = bus.Scope
	Transport = bus.Transport
)

// NewMessage returns a message with an initialized header map.
func NewMessage(body []byte) *Message { return bus.NewMessage(body) }

// NewScope returns an empty transaction scope.
func NewScope() *Scope { return bus.NewScope() }

// Reserved header keys and the deferred-delivery sentinel address.
const (
	HeaderMessageID         = bus.HeaderMessageID
	HeaderPriority          = bus.HeaderPriority
	HeaderDeferredUntil     = bus.HeaderDeferredUntil
	HeaderDeferredRecipient = bus.HeaderDeferredRecipient
	HeaderTimeToBeReceived  = bus.HeaderTimeToBeReceived
	HeaderOrderingKey       = bus.HeaderOrderingKey

	TimeoutManagerAddress = bus.TimeoutManagerAddress
)

// Error taxonomy.
var (
	ErrConflict = bus.ErrConflict
	ErrNotFound = bus.ErrNotFound
)

// IsMalformed reports whether err is a malformed-message rejection.
func IsMalformed(err error) bool { return bus.IsMalformed(err) }

// Provider is the shared connection provider.
type Provider = mysqlconn.Provider

// ProviderConfig configures a Provider.
type ProviderConfig = mysqlconn.Config

// NewProvider opens a connection provider for the given configuration.
func NewProvider(cfg ProviderConfig) (*Provider, error) {
	return mysqlconn.NewProvider(cfg)
}

// IsolationRepeatableRead is the default isolation level.
const IsolationRepeatableRead = sql.LevelRepeatableRead

// TransportConfig configures the MySQL transport.
type TransportConfig = transport.Config

// NewTransport creates and initializes a transport on provider. The result
// is instrumented when telemetry is enabled.
func NewTransport(ctx context.Context, provider *Provider, cfg TransportConfig) (Transport, error) {
	t := transport.New(provider, cfg)
	if err := t.Initialize(ctx); err != nil {
		return nil, err
	}
	return telemetry.WrapTransport(t), nil
}

// LockConfig configures the exclusive-access lock service.
type LockConfig = exclusivelock.Config

// NewLockService creates and initializes a lock service on provider.
func NewLockService(ctx context.Context, provider *Provider, cfg LockConfig) (*exclusivelock.Service, error) {
	s := exclusivelock.New(provider, cfg)
	if err := s.Initialize(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Lock service and collaborator store types, aliased so consumers can name
// them outside the internal tree.
type (
	LockService = exclusivelock.Service

	SagaStore           = sagastore.Store
	SagaData            = sagastore.Data
	CorrelationProperty = sagastore.CorrelationProperty
	SagaConfig          = sagastore.Config

	SubscriptionStore  = substore.Store
	SubscriptionConfig = substore.Config

	TimeoutStore  = timeoutstore.Store
	TimeoutConfig = timeoutstore.Config
	DueBatch      = timeoutstore.DueBatch
	DueMessage    = timeoutstore.DueMessage

	DataBus       = databus.Store
	DataBusConfig = databus.Config

	QueueStats = transport.QueueStats
)

// Collaborator store constructors, all sharing the same provider.

func NewSagaStore(ctx context.Context, provider *Provider, cfg sagastore.Config) (*sagastore.Store, error) {
	s := sagastore.New(provider, cfg)
	if err := s.Initialize(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func NewSubscriptionStore(ctx context.Context, provider *Provider, cfg substore.Config) (*substore.Store, error) {
	s := substore.New(provider, cfg)
	if err := s.Initialize(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func NewTimeoutStore(ctx context.Context, provider *Provider, cfg timeoutstore.Config) (*timeoutstore.Store, error) {
	s := timeoutstore.New(provider, cfg)
	if err := s.Initialize(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func NewDataBus(ctx context.Context, provider *Provider, cfg databus.Config) (*databus.Store, error) {
	s := databus.New(provider, cfg)
	if err := s.Initialize(ctx); err != nil {
		return nil, err
	}
	return s, nil
}
