package api

import (
	"context"
	"sync"
)

// sessionRegistry tracks the cancel function of each in-flight chat run so
// a cancel request on another connection can abort it.
type sessionRegistry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{cancels: make(map[string]context.CancelFunc)}
}

func (sr *sessionRegistry) register(id string, cancel context.CancelFunc) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.cancels[id] = cancel
}

func (sr *sessionRegistry) remove(id string) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	delete(sr.cancels, id)
}

// cancel aborts the run for id and reports whether it was active.
func (sr *sessionRegistry) cancel(id string) bool {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	cancel, ok := sr.cancels[id]
	if !ok {
		return false
	}
	cancel()
	delete(sr.cancels, id)
	return true
}
