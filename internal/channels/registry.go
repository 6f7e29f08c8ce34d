package channels

import (
	"context"
	"errors"
	"sync"
)

// Registry manages the running adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[Type]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[Type]Adapter)}
}

// Register adds an adapter, replacing any adapter of the same type.
func (r *Registry) Register(adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.Type()] = adapter
}

// Get returns the adapter for t.
func (r *Registry) Get(t Type) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[t]
	return adapter, ok
}

// Sender implements SenderLookup.
func (r *Registry) Sender(t Type) (Sender, bool) {
	adapter, ok := r.Get(t)
	if !ok {
		return nil, false
	}
	return adapter, true
}

// All returns every registered adapter.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapters := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		adapters = append(adapters, a)
	}
	return adapters
}

// Len returns the number of registered adapters.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}

// StartAll starts every adapter, stopping at the first failure.
func (r *Registry) StartAll(ctx context.Context) error {
	for _, adapter := range r.All() {
		if err := adapter.Start(ctx); err != nil {
			return ErrConnection("start "+string(adapter.Type()), err)
		}
	}
	return nil
}

// StopAll stops every adapter and joins their errors.
func (r *Registry) StopAll(ctx context.Context) error {
	var errs []error
	for _, adapter := range r.All() {
		if err := adapter.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AggregateEvents fans in events from every adapter. The returned channel is
// closed once all adapter channels close or ctx is done.
func (r *Registry) AggregateEvents(ctx context.Context) <-chan Event {
	out := make(chan Event)
	var wg sync.WaitGroup

	for _, adapter := range r.All() {
		wg.Add(1)
		go func(a Adapter) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case evt, ok := <-a.Events():
					if !ok {
						return
					}
					select {
					case out <- evt:
					case <-ctx.Done():
						return
					}
				}
			}
		}(adapter)
	}

	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}
