// Package telemetry decorates the transport with OpenTelemetry metrics.
// When telemetry is disabled the wrapper is skipped entirely, so the hot
// path pays nothing.
package telemetry

import (
	"os"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const scopeName = "github.com/relayq/relayq"

var enabled atomic.Bool

func init() {
	if os.Getenv("RELAYQ_OTEL") != "" {
		enabled.Store(true)
	}
}

// Enabled reports whether instrumentation is active.
func Enabled() bool { return enabled.Load() }

// SetEnabled toggles instrumentation. Call before WrapTransport; wrappers
// created while disabled stay plain.
func SetEnabled(v bool) { enabled.Store(v) }

// Meter returns the relayq meter from the global provider.
func Meter() metric.Meter {
	return otel.GetMeterProvider().Meter(scopeName)
}
