package backfila

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// OperatorFactory builds the operator of one backfill.
type OperatorFactory func() BackfillOperator

// Registry maps backfill names to operator factories.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]OperatorFactory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]OperatorFactory)}
}

// Register adds a backfill. Registering the same name twice is an error.
func (r *Registry) Register(name string, factory OperatorFactory) error {
	if name == "" {
		return fmt.Errorf("backfill name is required")
	}
	if factory == nil {
		return fmt.Errorf("factory for backfill %s is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("backfill already registered: %s", name)
	}
	r.factories[name] = factory
	return nil
}

// MustRegister is Register that panics on error, for package initialization.
func (r *Registry) MustRegister(name string, factory OperatorFactory) {
	if err := r.Register(name, factory); err != nil {
		panic(err)
	}
}

// Operator builds the operator registered under name.
func (r *Registry) Operator(name string) (BackfillOperator, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("backfill %s: %w", name, ErrNotFound)
	}
	return factory(), nil
}

// Names returns the registered backfill names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatcher returns an operator that routes each call to the backfill named in the request.
// It is how a registry is exposed as a single client service.
func (r *Registry) Dispatcher() BackfillOperator {
	return registryDispatcher{registry: r}
}

type registryDispatcher struct {
	registry *Registry
}

func (d registryDispatcher) PrepareBackfill(ctx context.Context, req *PrepareBackfillRequest) (*PrepareBackfillResponse, error) {
	op, err := d.registry.Operator(req.BackfillName)
	if err != nil {
		return nil, &ValidationError{Message: "unknown backfill", Cause: err}
	}
	return op.PrepareBackfill(ctx, req)
}

func (d registryDispatcher) GetNextBatchRange(ctx context.Context, req *GetNextBatchRangeRequest) (*GetNextBatchRangeResponse, error) {
	op, err := d.registry.Operator(req.BackfillName)
	if err != nil {
		return nil, &ValidationError{Message: "unknown backfill", Cause: err}
	}
	return op.GetNextBatchRange(ctx, req)
}

func (d registryDispatcher) RunBatch(ctx context.Context, req *RunBatchRequest) (*RunBatchResponse, error) {
	op, err := d.registry.Operator(req.BackfillName)
	if err != nil {
		return nil, &ValidationError{Message: "unknown backfill", Cause: err}
	}
	return op.RunBatch(ctx, req)
}
