package bus

import (
	"context"
	"sync"

	"github.com/relayq/relayq/internal/debug"
)

// Scope is the per-operation transaction context the upstream runtime
// threads through Send and Receive. It carries a string-keyed item bag (used
// for the per-scope outbound buffer) and commit/abort/dispose callback lists.
//
// Lifecycle: callbacks accumulate while the handler runs; Complete runs the
// committed callbacks in registration order; Close runs the aborted
// callbacks when Complete never succeeded, then the disposed callbacks.
// Both Complete and Close are idempotent.
type Scope struct {
	mu          sync.Mutex
	items       map[string]any
	onCommitted []func(ctx context.Context) error
	onAborted   []func(ctx context.Context)
	onDisposed  []func()
	completed   bool
	closed      bool
}

// NewScope returns an empty scope.
func NewScope() *Scope {
	return &Scope{items: make(map[string]any)}
}

// Item returns the item stored under key.
func (s *Scope) Item(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.items[key]
	return v, ok
}

// SetItem stores v under key, replacing any previous value.
func (s *Scope) SetItem(key string, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = v
}

// GetOrStore returns the item under key, lazily creating it with make on
// first use. make runs without the scope lock held, so it may register
// callbacks on the scope; if two callers race on the same absent key, the
// first value stored wins and the loser's value is discarded.
func (s *Scope) GetOrStore(key string, make func() any) any {
	s.mu.Lock()
	if v, ok := s.items[key]; ok {
		s.mu.Unlock()
		return v
	}
	s.mu.Unlock()

	v := make()

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.items[key]; ok {
		return existing
	}
	s.items[key] = v
	return v
}

// OnCommitted registers fn to run when the scope completes. Callbacks run
// sequentially in registration order; the first error stops the run and is
// returned from Complete.
func (s *Scope) OnCommitted(fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCommitted = append(s.onCommitted, fn)
}

// OnAborted registers fn to run when the scope is closed without having
// completed. Abort callbacks log their own failures and do not return
// errors, so an abort path never masks the handler's outcome.
func (s *Scope) OnAborted(fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAborted = append(s.onAborted, fn)
}

// OnDisposed registers fn to run exactly once when the scope is closed,
// regardless of outcome.
func (s *Scope) OnDisposed(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisposed = append(s.onDisposed, fn)
}

// Complete runs the committed callbacks. A second call is a no-op returning
// nil. If a callback fails, the scope is left uncompleted and a subsequent
// Close runs the abort callbacks.
func (s *Scope) Complete(ctx context.Context) error {
	s.mu.Lock()
	if s.completed || s.closed {
		s.mu.Unlock()
		return nil
	}
	callbacks := s.onCommitted
	s.onCommitted = nil
	s.mu.Unlock()

	for i, fn := range callbacks {
		if err := fn(ctx); err != nil {
			// Re-queue the unrun tail so a retried Complete does not
			// skip callbacks, then surface the failure.
			s.mu.Lock()
			s.onCommitted = append(callbacks[i:], s.onCommitted...)
			s.mu.Unlock()
			return err
		}
	}

	s.mu.Lock()
	s.completed = true
	s.mu.Unlock()
	return nil
}

// Completed reports whether Complete has run successfully.
func (s *Scope) Completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

// Close finishes the scope: abort callbacks first (only when the scope never
// completed), then dispose callbacks. Idempotent.
func (s *Scope) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	aborted := s.onAborted
	disposed := s.onDisposed
	completed := s.completed
	s.onAborted = nil
	s.onDisposed = nil
	s.mu.Unlock()

	if !completed {
		ctx := context.Background()
		for _, fn := range aborted {
			func() {
				defer func() {
					if r := recover(); r != nil {
						debug.Logf("relayq: panic in scope abort callback: %v\n", r)
					}
				}()
				fn(ctx)
			}()
		}
	}
	for _, fn := range disposed {
		func() {
			defer func() {
				if r := recover(); r != nil {
					debug.Logf("relayq: panic in scope dispose callback: %v\n", r)
				}
			}()
			fn()
		}()
	}
}
