package bridge

import (
	"sync"
	"sync/atomic"
)

// Registry tracks live bridges by call SID so other components can
// reach them: the AI post-call webhook terminates through it, the
// control API inspects it, and the metrics collector reads its
// aggregate frame counters.
type Registry struct {
	mu      sync.RWMutex
	bridges map[string]*Bridge

	// Counters from bridges that already shut down, so totals survive
	// bridge teardown.
	retiredForwarded atomic.Int64
	retiredDropped   atomic.Int64
}

// NewRegistry creates an empty bridge registry.
func NewRegistry() *Registry {
	return &Registry{bridges: make(map[string]*Bridge)}
}

func (r *Registry) add(b *Bridge) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bridges[b.CallSID()] = b
}

func (r *Registry) remove(b *Bridge) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bridges[b.CallSID()] == b {
		delete(r.bridges, b.CallSID())
	}
	r.retiredForwarded.Add(b.FramesForwarded())
	r.retiredDropped.Add(b.FramesDropped())
}

// Get returns the live bridge for a call, or nil.
func (r *Registry) Get(callSID string) *Bridge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bridges[callSID]
}

// Len returns the number of live bridges.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bridges)
}

// Shutdown tears down the bridge for a call if one is live. Returns
// whether a bridge was found.
func (r *Registry) Shutdown(callSID, reason, terminatedBy string) bool {
	b := r.Get(callSID)
	if b == nil {
		return false
	}
	b.Shutdown(reason, terminatedBy)
	return true
}

// ShutdownAll tears down every live bridge, used on process shutdown.
func (r *Registry) ShutdownAll(reason, terminatedBy string) {
	r.mu.RLock()
	live := make([]*Bridge, 0, len(r.bridges))
	for _, b := range r.bridges {
		live = append(live, b)
	}
	r.mu.RUnlock()

	for _, b := range live {
		b.Shutdown(reason, terminatedBy)
	}
}

// FramesForwarded returns the total media frames relayed across all
// bridges, live and retired.
func (r *Registry) FramesForwarded() int64 {
	total := r.retiredForwarded.Load()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.bridges {
		total += b.FramesForwarded()
	}
	return total
}

// FramesDropped returns the total media frames dropped across all
// bridges, live and retired.
func (r *Registry) FramesDropped() int64 {
	total := r.retiredDropped.Load()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.bridges {
		total += b.FramesDropped()
	}
	return total
}
