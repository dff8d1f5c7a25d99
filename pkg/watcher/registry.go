package watcher

import (
	"context"
	"sync"
)

// Handle identifies a registered watcher.
type Handle int

// Registry runs any number of watchers against one advisor and stops them by
// handle.
type Registry struct {
	mu      sync.Mutex
	next    Handle
	cancels map[Handle]context.CancelFunc
	wg      sync.WaitGroup
}

func NewRegistry() *Registry {
	return &Registry{cancels: make(map[Handle]context.CancelFunc)}
}

// Register starts w on its own goroutine.
func (r *Registry) Register(ctx context.Context, w *Watcher) Handle {
	ctx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	r.next++
	h := r.next
	r.cancels[h] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_ = w.Run(ctx)
	}()
	return h
}

// Unregister stops the watcher. It reports false for unknown handles.
func (r *Registry) Unregister(h Handle) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[h]
	delete(r.cancels, h)
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cancels)
}

// Close stops every watcher and waits for them to return.
func (r *Registry) Close() {
	r.mu.Lock()
	for h, cancel := range r.cancels {
		cancel()
		delete(r.cancels, h)
	}
	r.mu.Unlock()
	r.wg.Wait()
}
