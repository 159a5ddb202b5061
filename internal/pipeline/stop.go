package pipeline

import (
	"context"
	"sync"
)

// StopController cancels in-progress stage runs cooperatively. Each run
// registers its own cancellation scope; a stop request cancels every
// active scope and has no effect on runs started afterwards. Workers
// consult the scope before picking up a new file and let in-flight work
// finish.
type StopController struct {
	mu     sync.Mutex
	next   int
	scopes map[int]context.CancelFunc
}

// NewStopController creates a controller with no active scopes.
func NewStopController() *StopController {
	return &StopController{scopes: make(map[int]context.CancelFunc)}
}

// Scope derives a cancellable context for one stage run. The returned
// release function must be called when the run ends.
func (s *StopController) Scope(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	id := s.next
	s.next++
	s.scopes[id] = cancel
	s.mu.Unlock()

	return ctx, func() {
		s.mu.Lock()
		delete(s.scopes, id)
		s.mu.Unlock()
		cancel()
	}
}

// RequestStop cancels every active run scope.
func (s *StopController) RequestStop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.scopes {
		cancel()
	}
}

// Active reports whether any stage run is currently registered.
func (s *StopController) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.scopes) > 0
}
