// Package cleanup provides a process-wide registry of per-call cleanup
// callbacks. Delayed responses register callbacks keyed by call ID; the
// registry runs them when a call expires and discards them when a call
// completes normally.
package cleanup

import (
	"log/slog"
	"sync"

	"github.com/mattjoyce/warden/internal/log"
)

// Callback is a cleanup action tied to a call ID.
type Callback func()

// Registry maps call IDs to ordered lists of cleanup callbacks.
type Registry struct {
	mu        sync.Mutex
	callbacks map[string][]Callback
	logger    *slog.Logger
}

// NewRegistry creates an empty cleanup registry.
func NewRegistry() *Registry {
	return &Registry{
		callbacks: make(map[string][]Callback),
		logger:    log.WithComponent("cleanup"),
	}
}

// Register appends a callback for callID.
func (r *Registry) Register(callID string, cb Callback) {
	if cb == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks[callID] = append(r.callbacks[callID], cb)
}

// Execute pops all callbacks for callID and invokes each in registration
// order. A panicking callback is recovered and logged so the remaining
// callbacks still run.
func (r *Registry) Execute(callID string) {
	r.mu.Lock()
	cbs := r.callbacks[callID]
	delete(r.callbacks, callID)
	r.mu.Unlock()

	for _, cb := range cbs {
		r.invoke(callID, cb)
	}
}

func (r *Registry) invoke(callID string, cb Callback) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("cleanup callback panicked", "call_id", callID, "panic", rec)
		}
	}()
	cb()
}

// Remove discards all callbacks for callID without invoking them.
func (r *Registry) Remove(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.callbacks, callID)
}

// List returns a snapshot of call IDs with registered callbacks.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.callbacks))
	for id := range r.callbacks {
		keys = append(keys, id)
	}
	return keys
}
