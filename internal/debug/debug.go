// Package debug provides lightweight diagnostic logging for relayq.
//
// Output is off by default and enabled with RELAYQ_DEBUG=1 (or SetVerbose).
// Background tasks (sweepers, lease renewers, scope callbacks) log through
// this package and swallow their errors so the process stays up.
package debug

import (
	"fmt"
	"os"
	"sync"
	"time"
)

var (
	mu      sync.Mutex
	enabled = os.Getenv("RELAYQ_DEBUG") != ""
	verbose = false
)

// Enabled reports whether debug logging is active.
func Enabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return enabled || verbose
}

// SetVerbose enables debug output programmatically (CLI --verbose).
func SetVerbose(v bool) {
	mu.Lock()
	defer mu.Unlock()
	verbose = v
}

// Logf writes a timestamped line to stderr when debug logging is active.
func Logf(format string, args ...any) {
	if !Enabled() {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintf(os.Stderr, "%s "+format, append([]any{time.Now().Format("15:04:05.000")}, args...)...)
}
