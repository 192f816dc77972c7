package schema

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"gridingest/internal/record"
	"gridingest/internal/store"
)

// SchemaError reports a failed structural change. Conflict is set when the
// store rejected the change itself rather than failing to apply it.
type SchemaError struct {
	Target   string
	Field    string
	Conflict bool
	Err      error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema %s.%s: %v", e.Target, e.Field, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// State is the ordered, append-only set of fields known for one target.
type State struct {
	fields []store.Field
	index  map[string]int
}

func newState(fields []store.Field) *State {
	s := &State{index: make(map[string]int, len(fields))}
	for _, f := range fields {
		s.append(f)
	}
	return s
}

func (s *State) Has(name string) bool {
	_, ok := s.index[name]
	return ok
}

func (s *State) append(f store.Field) {
	if s.Has(f.Name) {
		return
	}
	s.index[f.Name] = len(s.fields)
	s.fields = append(s.fields, f)
}

// Known returns a copy of the fields in the order they were added.
func (s *State) Known() []store.Field {
	return append([]store.Field(nil), s.fields...)
}

// Evolver adds unseen fields to store targets. One Evolver is shared by every
// source writing through the same store; changes to a target are serialized
// by that target's mutex.
type Evolver struct {
	store  store.Store
	logger *slog.Logger

	// OnFieldAdded, when set, is called after the store confirms a new field.
	OnFieldAdded func(target, field string)

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	states map[string]*State
}

func NewEvolver(st store.Store, logger *slog.Logger) *Evolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evolver{
		store:  st,
		logger: logger,
		locks:  map[string]*sync.Mutex{},
		states: map[string]*State{},
	}
}

func (e *Evolver) lock(target string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[target]
	if !ok {
		l = &sync.Mutex{}
		e.locks[target] = l
	}
	return l
}

func (e *Evolver) state(target string) *State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.states[target]
}

// Init creates the target if needed and loads its fields from the store.
// It is a no-op for targets already loaded.
func (e *Evolver) Init(ctx context.Context, target string) error {
	l := e.lock(target)
	l.Lock()
	defer l.Unlock()
	return e.initLocked(ctx, target)
}

func (e *Evolver) initLocked(ctx context.Context, target string) error {
	if e.state(target) != nil {
		return nil
	}
	if err := e.store.EnsureTarget(ctx, target); err != nil {
		return &SchemaError{Target: target, Err: err}
	}
	fields, err := e.store.Fields(ctx, target)
	if err != nil {
		return &SchemaError{Target: target, Err: err}
	}
	e.mu.Lock()
	e.states[target] = newState(fields)
	e.mu.Unlock()
	e.logger.Info("schema_loaded", "target", target, "fields", len(fields))
	return nil
}

// Known returns the fields known for target, or nil before Init.
func (e *Evolver) Known(target string) []store.Field {
	l := e.lock(target)
	l.Lock()
	defer l.Unlock()
	if s := e.state(target); s != nil {
		return s.Known()
	}
	return nil
}

// EnsureFields makes every named field exist on target, adding missing ones
// in name order. It returns the fields this call added. A field another
// caller added first is not an error.
func (e *Evolver) EnsureFields(ctx context.Context, target string, kinds map[string]record.FieldKind) ([]string, error) {
	l := e.lock(target)
	l.Lock()
	defer l.Unlock()
	if err := e.initLocked(ctx, target); err != nil {
		return nil, err
	}
	st := e.state(target)

	names := make([]string, 0, len(kinds))
	for name := range kinds {
		if !st.Has(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var added []string
	for _, name := range names {
		f := store.Field{Name: name, Kind: kinds[name]}
		err := e.store.AddField(ctx, target, f)
		switch {
		case err == nil:
			added = append(added, name)
			e.logger.Info("schema_field_added", "target", target, "field", name, "kind", f.Kind)
			if e.OnFieldAdded != nil {
				e.OnFieldAdded(target, name)
			}
		case errors.Is(err, store.ErrFieldExists):
		default:
			var se *store.StoreError
			conflict := errors.As(err, &se) && se.Constraint
			return added, &SchemaError{Target: target, Field: name, Conflict: conflict, Err: err}
		}
		e.mu.Lock()
		st.append(f)
		e.mu.Unlock()
	}
	return added, nil
}
