package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/relayq/relayq/internal/bus"
)

// InstrumentedTransport wraps a bus.Transport and counts sends, receives,
// empty polls, and errors, with a receive-latency histogram.
type InstrumentedTransport struct {
	inner bus.Transport

	sends      metric.Int64Counter
	receives   metric.Int64Counter
	emptyPolls metric.Int64Counter
	errs       metric.Int64Counter
	recvDur    metric.Float64Histogram
}

// WrapTransport returns t decorated with metrics, or t unchanged when
// telemetry is disabled.
func WrapTransport(t bus.Transport) bus.Transport {
	if !Enabled() {
		return t
	}
	m := Meter()
	sends, _ := m.Int64Counter("relayq.transport.sends",
		metric.WithDescription("Messages buffered for send"))
	receives, _ := m.Int64Counter("relayq.transport.receives",
		metric.WithDescription("Messages leased by receive"))
	emptyPolls, _ := m.Int64Counter("relayq.transport.empty_polls",
		metric.WithDescription("Receive calls that found no deliverable message"))
	errs, _ := m.Int64Counter("relayq.transport.errors",
		metric.WithDescription("Transport operation errors"))
	recvDur, _ := m.Float64Histogram("relayq.transport.receive.duration",
		metric.WithDescription("Receive round-trip duration in milliseconds"),
		metric.WithUnit("ms"))
	return &InstrumentedTransport{
		inner:      t,
		sends:      sends,
		receives:   receives,
		emptyPolls: emptyPolls,
		errs:       errs,
		recvDur:    recvDur,
	}
}

func (t *InstrumentedTransport) Address() string { return t.inner.Address() }

func (t *InstrumentedTransport) CreateQueue(ctx context.Context, address string) error {
	err := t.inner.CreateQueue(ctx, address)
	if err != nil {
		t.errs.Add(ctx, 1, metric.WithAttributes(attribute.String("op", "create_queue")))
	}
	return err
}

func (t *InstrumentedTransport) Send(ctx context.Context, destination string, msg *bus.Message, scope *bus.Scope) error {
	err := t.inner.Send(ctx, destination, msg, scope)
	if err != nil {
		t.errs.Add(ctx, 1, metric.WithAttributes(attribute.String("op", "send")))
		return err
	}
	t.sends.Add(ctx, 1, metric.WithAttributes(attribute.String("destination", destination)))
	return nil
}

func (t *InstrumentedTransport) Receive(ctx context.Context, scope *bus.Scope) (*bus.Message, error) {
	start := time.Now()
	msg, err := t.inner.Receive(ctx, scope)
	t.recvDur.Record(ctx, float64(time.Since(start).Microseconds())/1000.0)
	switch {
	case err != nil:
		t.errs.Add(ctx, 1, metric.WithAttributes(attribute.String("op", "receive")))
	case msg == nil:
		t.emptyPolls.Add(ctx, 1)
	default:
		t.receives.Add(ctx, 1)
	}
	return msg, err
}

func (t *InstrumentedTransport) Close() error { return t.inner.Close() }
