// Package bus holds the wire-level types shared by the transport and the
// collaborator stores: the transport message, the reserved header keys, the
// transaction scope, and the error taxonomy.
//
// The concrete MySQL implementations live in sibling packages (transport,
// exclusivelock, sagastore, ...). This package holds interface and value
// types that are referenced by both the implementations and their consumers.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
)

// Reserved header keys. Values are carried verbatim from the upstream bus
// runtime; the transport only interprets the keys below.
const (
	// HeaderMessageID is the globally unique ID of the message.
	HeaderMessageID = "rbs2-msg-id"

	// HeaderPriority orders delivery; higher values are delivered first.
	// The value must parse as a base-10 integer.
	HeaderPriority = "rbs2-msg-priority"

	// HeaderDeferredUntil defers delivery until the given ISO-8601 instant.
	// The header is consumed by the transport and stripped before the
	// message is persisted.
	HeaderDeferredUntil = "rbs2-deferred-until"

	// HeaderDeferredRecipient names the real destination of a deferred
	// message routed via the timeout-manager sentinel address.
	HeaderDeferredRecipient = "rbs2-deferred-recipient"

	// HeaderTimeToBeReceived bounds how long the message may sit in the
	// queue before it is garbage. The value is a Go duration string.
	HeaderTimeToBeReceived = "rbs2-time-to-be-received"

	// HeaderOrderingKey tags the message with an ordering key. Messages
	// sharing a key are delivered strictly serially across the fleet.
	HeaderOrderingKey = "rbs2-ordering-key"
)

// TimeoutManagerAddress is the sentinel destination used for deferred
// messages. Sends to this address are rewritten to the address carried in
// HeaderDeferredRecipient. Compared case-insensitively.
const TimeoutManagerAddress = "##### MagicExternalTimeoutManagerAddress #####"

// Message is one transport message: a string header map plus an opaque body.
type Message struct {
	Headers map[string]string
	Body    []byte
}

// NewMessage returns a message with an initialized header map.
func NewMessage(body []byte) *Message {
	return &Message{Headers: make(map[string]string), Body: body}
}

// ID returns the message ID header, or "" when absent.
func (m *Message) ID() string {
	return m.Headers[HeaderMessageID]
}

// Clone returns a deep copy. The body is shared; headers are copied.
func (m *Message) Clone() *Message {
	headers := make(map[string]string, len(m.Headers))
	for k, v := range m.Headers {
		headers[k] = v
	}
	return &Message{Headers: headers, Body: m.Body}
}

// MarshalHeaders serializes a header map to its persisted form. Recipients
// treat the bytes as opaque; both sides of the wire use this codec.
func MarshalHeaders(headers map[string]string) ([]byte, error) {
	if headers == nil {
		headers = map[string]string{}
	}
	b, err := json.Marshal(headers)
	if err != nil {
		return nil, fmt.Errorf("marshal headers: %w", err)
	}
	return b, nil
}

// UnmarshalHeaders is the inverse of MarshalHeaders.
func UnmarshalHeaders(b []byte) (map[string]string, error) {
	headers := map[string]string{}
	if len(b) == 0 {
		return headers, nil
	}
	if err := json.Unmarshal(b, &headers); err != nil {
		return nil, fmt.Errorf("unmarshal headers: %w", err)
	}
	return headers, nil
}

// Transport is the public transport surface. *transport.Transport satisfies
// it; consumers depend on the interface so instrumented wrappers can be
// substituted.
type Transport interface {
	// Address returns the qualified input queue name, or "" for a
	// send-only transport.
	Address() string

	// CreateQueue ensures the queue table for address exists.
	CreateQueue(ctx context.Context, address string) error

	// Send buffers msg for destination on scope. Nothing is written until
	// the scope completes.
	Send(ctx context.Context, destination string, msg *Message, scope *Scope) error

	// Receive leases the next deliverable message, or returns (nil, nil)
	// when the queue is empty. Ack/nack ride on the scope.
	Receive(ctx context.Context, scope *Scope) (*Message, error)

	// Close stops background tasks and releases the transport.
	Close() error
}
