package engine

import (
	"context"
	"sync"
)

// Fake is an Invoker for tests. It records triggers and returns a
// configurable error.
type Fake struct {
	mu       sync.Mutex
	Err      error
	triggers []TriggerRequest
}

// Trigger records the request and returns f.Err.
func (f *Fake) Trigger(_ context.Context, req TriggerRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers = append(f.triggers, req)
	return f.Err
}

// Triggers returns a copy of the recorded trigger requests.
func (f *Fake) Triggers() []TriggerRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]TriggerRequest, len(f.triggers))
	copy(out, f.triggers)
	return out
}
