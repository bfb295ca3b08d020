package engine

import (
	"fmt"
	"log/slog"
	"sync"
)

// Spec is a pure pairing of an initial state, a transition function and an
// optional validator.
//
// Reduce must be total, deterministic and side-effect free: it must not
// mutate the state it receives. Validate, when set, is called after every
// transition and on every externally supplied state.
type Spec[S, E any] struct {
	InitialState func() S
	Reduce       func(state S, event E) S
	Validate     func(state S) error
}

// Validator returns the spec's validator, or a no-op when none is set.
func (s Spec[S, E]) Validator() func(S) error {
	if s.Validate == nil {
		return func(S) error { return nil }
	}
	return s.Validate
}

// Observer receives the committed state after every transition.
type Observer[S any] func(state S)

type observerEntry[S any] struct {
	id int
	fn Observer[S]
}

// Engine holds the current state of one replica and applies events to it.
//
// Thread-safety model:
//   - State(): safe from any goroutine
//   - Dispatch()/ReplaceState(): one writer at a time; observers run on the
//     writer's goroutine after the commit
//   - Subscribe(): safe from any goroutine
type Engine[S, E any] struct {
	spec   Spec[S, E]
	logger *slog.Logger

	mu        sync.RWMutex
	state     S
	observers []observerEntry[S]
	nextID    int

	// writeMu serializes commit+notify so observers see commits in order.
	writeMu sync.Mutex
}

// Option configures an Engine.
type Option[S, E any] func(*Engine[S, E])

// WithLogger sets the logger used for recovered observer panics.
func WithLogger[S, E any](l *slog.Logger) Option[S, E] {
	return func(e *Engine[S, E]) {
		e.logger = l
	}
}

// New creates an Engine starting from spec.InitialState().
// Returns an error if the initial state fails validation.
func New[S, E any](spec Spec[S, E], opts ...Option[S, E]) (*Engine[S, E], error) {
	if spec.InitialState == nil || spec.Reduce == nil {
		return nil, fmt.Errorf("engine: spec requires InitialState and Reduce")
	}
	return NewWithState(spec, spec.InitialState(), opts...)
}

// NewWithState creates an Engine starting from the given state.
// Returns an error if the state fails validation.
func NewWithState[S, E any](spec Spec[S, E], initial S, opts ...Option[S, E]) (*Engine[S, E], error) {
	if spec.Reduce == nil {
		return nil, fmt.Errorf("engine: spec requires Reduce")
	}
	e := &Engine[S, E]{
		spec:   spec,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := asValidationError(spec.Validator()(initial)); err != nil {
		return nil, fmt.Errorf("engine: initial state: %w", err)
	}
	e.state = initial
	return e, nil
}

// Spec returns the spec the engine was built with.
func (e *Engine[S, E]) Spec() Spec[S, E] {
	return e.spec
}

// State returns the current committed state.
func (e *Engine[S, E]) State() S {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Dispatch reduces event against the current state, validates the result
// and commits it. On validation failure the state is unchanged and the
// error (a *ValidationError) is returned.
func (e *Engine[S, E]) Dispatch(event E) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	next := e.spec.Reduce(e.State(), event)
	if err := asValidationError(e.spec.Validator()(next)); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	e.commit(next)
	return nil
}

// Check reports whether event would be accepted against the current state
// without committing it.
func (e *Engine[S, E]) Check(event E) error {
	next := e.spec.Reduce(e.State(), event)
	if err := asValidationError(e.spec.Validator()(next)); err != nil {
		return fmt.Errorf("check: %w", err)
	}
	return nil
}

// ReplaceState validates and installs an externally supplied state, such as
// a restored snapshot. On validation failure the state is unchanged.
func (e *Engine[S, E]) ReplaceState(next S) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if err := asValidationError(e.spec.Validator()(next)); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	e.commit(next)
	return nil
}

// Subscribe registers fn and immediately invokes it with the current state.
// The returned function removes the observer; calling it twice is a no-op.
func (e *Engine[S, E]) Subscribe(fn Observer[S]) (unsubscribe func()) {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.observers = append(e.observers, observerEntry[S]{id: id, fn: fn})
	current := e.state
	e.mu.Unlock()

	e.notifyOne(fn, current)

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, o := range e.observers {
			if o.id == id {
				e.observers = append(e.observers[:i:i], e.observers[i+1:]...)
				return
			}
		}
	}
}

// commit installs next and notifies observers outside the state lock so
// observers may call State.
func (e *Engine[S, E]) commit(next S) {
	e.mu.Lock()
	e.state = next
	observers := make([]observerEntry[S], len(e.observers))
	copy(observers, e.observers)
	e.mu.Unlock()

	for _, o := range observers {
		e.notifyOne(o.fn, next)
	}
}

func (e *Engine[S, E]) notifyOne(fn Observer[S], state S) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("engine observer panicked", "panic", r)
		}
	}()
	fn(state)
}
