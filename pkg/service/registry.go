package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Registry errors.
var (
	ErrDuplicateComponent = errors.New("component already registered")
	ErrMissingDependency  = errors.New("missing dependency")
	ErrDependencyCycle    = errors.New("dependency cycle")
	ErrNotProvided        = errors.New("value not provided")
)

// Component is a part of a service with a start/stop lifecycle.
type Component interface {
	// Name identifies the component in the registry.
	Name() string

	// Dependencies names the components that must start first.
	Dependencies() []string

	// Start starts the component. It must return once the component is usable.
	Start(ctx context.Context) error

	// Stop releases the component's resources.
	Stop() error
}

// Registry is a small typed container of shared values and components.
// Components start in dependency order and stop in reverse.
type Registry struct {
	mu         sync.Mutex
	values     map[string]any
	components []Component
	byName     map[string]Component
	started    []Component
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		values: make(map[string]any),
		byName: make(map[string]Component),
	}
}

// Provide stores v under name, replacing any previous value.
func Provide[T any](r *Registry, name string, v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[name] = v
}

// Lookup returns the value stored under name as T.
func Lookup[T any](r *Registry, name string) (T, error) {
	r.mu.Lock()
	v, ok := r.values[name]
	r.mu.Unlock()

	var zero T
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrNotProvided, name)
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%s is %T, not %T", name, v, zero)
	}
	return t, nil
}

// MustLookup is Lookup for values the caller provided itself.
func MustLookup[T any](r *Registry, name string) T {
	v, err := Lookup[T](r, name)
	if err != nil {
		panic(err)
	}
	return v
}

// Register adds a component.
func (r *Registry) Register(c Component) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[c.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateComponent, c.Name())
	}
	r.byName[c.Name()] = c
	r.components = append(r.components, c)
	return nil
}

// Component returns the registered component with the given name.
func (r *Registry) Component(name string) (Component, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byName[name]
	return c, ok
}

// Order returns the components in start order.
func (r *Registry) Order() ([]Component, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.orderLocked()
}

// orderLocked sorts topologically, keeping registration order among
// independent components.
func (r *Registry) orderLocked() ([]Component, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	marks := make(map[string]int, len(r.components))
	order := make([]Component, 0, len(r.components))

	var visit func(c Component, path []string) error
	visit = func(c Component, path []string) error {
		switch marks[c.Name()] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("%w: %v", ErrDependencyCycle, append(path, c.Name()))
		}
		marks[c.Name()] = visiting
		for _, dep := range c.Dependencies() {
			d, ok := r.byName[dep]
			if !ok {
				return fmt.Errorf("%w: %s needs %s", ErrMissingDependency, c.Name(), dep)
			}
			if err := visit(d, append(path, c.Name())); err != nil {
				return err
			}
		}
		marks[c.Name()] = done
		order = append(order, c)
		return nil
	}

	for _, c := range r.components {
		if err := visit(c, nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// StartAll starts every component in dependency order. If one fails, the
// components already started are stopped again.
func (r *Registry) StartAll(ctx context.Context) error {
	r.mu.Lock()
	if len(r.started) > 0 {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	order, err := r.orderLocked()
	r.mu.Unlock()
	if err != nil {
		return err
	}

	var started []Component
	for _, c := range order {
		if err := c.Start(ctx); err != nil {
			stopReverse(started)
			return fmt.Errorf("start %s: %w", c.Name(), err)
		}
		started = append(started, c)
	}

	r.mu.Lock()
	r.started = started
	r.mu.Unlock()
	return nil
}

// StopAll stops the started components in reverse start order.
func (r *Registry) StopAll() error {
	r.mu.Lock()
	started := r.started
	r.started = nil
	r.mu.Unlock()
	return stopReverse(started)
}

func stopReverse(started []Component) error {
	var errs []error
	for i := len(started) - 1; i >= 0; i-- {
		if err := started[i].Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", started[i].Name(), err))
		}
	}
	return errors.Join(errs...)
}

// lifecycle adapts a pair of functions to Component.
type lifecycle struct {
	name  string
	deps  []string
	start func(ctx context.Context) error
	stop  func() error
}

func (l *lifecycle) Name() string           { return l.name }
func (l *lifecycle) Dependencies() []string { return l.deps }

func (l *lifecycle) Start(ctx context.Context) error {
	if l.start == nil {
		return nil
	}
	return l.start(ctx)
}

func (l *lifecycle) Stop() error {
	if l.stop == nil {
		return nil
	}
	return l.stop()
}
