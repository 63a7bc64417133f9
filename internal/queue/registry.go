package queue

import (
	"fmt"

	"github.com/funnelsmith/api/internal/model"
)

// Registry holds the pipeline queues that share one store
type Registry struct {
	store  Store
	queues map[string]*Queue
}

// NewRegistry builds one queue per options entry on top of store
func NewRegistry(store Store, options map[string]Options) *Registry {
	r := &Registry{
		store:  store,
		queues: make(map[string]*Queue, len(options)),
	}
	for name, opts := range options {
		opts.Name = name
		r.queues[name] = New(store, opts)
	}
	return r
}

// Get returns the named queue
func (r *Registry) Get(name string) (*Queue, error) {
	q, ok := r.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownQueue, name)
	}
	return q, nil
}

// MustGet returns the named queue and panics when it is not configured
func (r *Registry) MustGet(name string) *Queue {
	q, err := r.Get(name)
	if err != nil {
		panic(err)
	}
	return q
}

// Pipeline returns the stage queues in execution order
func (r *Registry) Pipeline() []*Queue {
	out := make([]*Queue, 0, len(model.PipelineQueues))
	for _, name := range model.PipelineQueues {
		if q, ok := r.queues[name]; ok {
			out = append(out, q)
		}
	}
	return out
}

// Store returns the shared store
func (r *Registry) Store() Store {
	return r.store
}
