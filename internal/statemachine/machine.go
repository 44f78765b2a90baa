// Package statemachine implements a table-driven state machine shared by the
// workflow and evaluation lifecycles.
//
// A Machine validates each requested transition against a static table,
// serializes transitions per entity through a persistence.Locker, and
// persists the new state together with its TransitionRecord through a
// compare-and-swap in the store. It triggers nothing downstream.
package statemachine

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/petrijr/evalflow/internal/persistence"
	"github.com/petrijr/evalflow/pkg/api"
)

var validate = validator.New()

// Store is the subset of persistence.StateStore a Machine needs.
type Store interface {
	CurrentState(ctx context.Context, kind api.EntityKind, id string) (string, error)
	ApplyTransition(ctx context.Context, rec *api.TransitionRecord) error
}

// Definition declares the states and legal moves of one entity kind.
type Definition[S ~string] struct {
	Kind        api.EntityKind
	Initial     S
	Transitions map[S][]S
	// Blocked lists the states that need human action to progress.
	Blocked []S
}

// Machine applies transitions for one entity kind.
type Machine[S ~string] struct {
	def     Definition[S]
	allowed map[S]map[S]struct{}
	blocked map[S]struct{}
	store   Store
	locker  persistence.Locker
	now     func() time.Time
}

// Option customizes a Machine.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the clock used to stamp transition records.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New validates def and returns a Machine persisting through store.
// A nil locker falls back to an in-process persistence.KeyedMutex.
func New[S ~string](def Definition[S], store Store, locker persistence.Locker, opts ...Option) (*Machine[S], error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if locker == nil {
		locker = persistence.NewKeyedMutex()
	}

	m := &Machine[S]{
		def:     def,
		allowed: make(map[S]map[S]struct{}, len(def.Transitions)),
		blocked: make(map[S]struct{}, len(def.Blocked)),
		store:   store,
		locker:  locker,
		now:     o.now,
	}
	for from, tos := range def.Transitions {
		set := make(map[S]struct{}, len(tos))
		for _, to := range tos {
			set[to] = struct{}{}
		}
		m.allowed[from] = set
	}
	for _, s := range def.Blocked {
		m.blocked[s] = struct{}{}
	}
	return m, nil
}

// Validate checks that every referenced state is declared as a key of
// Transitions. Terminal states are declared with no outgoing moves.
func (d Definition[S]) Validate() error {
	if d.Kind == "" {
		return fmt.Errorf("%w: definition has no kind", api.ErrInvalidArgument)
	}
	if _, ok := d.Transitions[d.Initial]; !ok {
		return fmt.Errorf("%w: %s initial state %q is not declared", api.ErrInvalidArgument, d.Kind, d.Initial)
	}
	for from, tos := range d.Transitions {
		for _, to := range tos {
			if _, ok := d.Transitions[to]; !ok {
				return fmt.Errorf("%w: %s transition %s -> %s targets an undeclared state", api.ErrInvalidArgument, d.Kind, from, to)
			}
		}
	}
	for _, s := range d.Blocked {
		if _, ok := d.Transitions[s]; !ok {
			return fmt.Errorf("%w: %s blocked state %q is not declared", api.ErrInvalidArgument, d.Kind, s)
		}
	}
	return nil
}

// Kind returns the entity kind this machine drives.
func (m *Machine[S]) Kind() api.EntityKind { return m.def.Kind }

// Initial returns the state new entities start in.
func (m *Machine[S]) Initial() S { return m.def.Initial }

// States returns every declared state in sorted order.
func (m *Machine[S]) States() []S {
	out := make([]S, 0, len(m.def.Transitions))
	for s := range m.def.Transitions {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// Allowed returns the states reachable from s in one step, in table order.
func (m *Machine[S]) Allowed(s S) []S {
	return slices.Clone(m.def.Transitions[s])
}

// CanTransition reports whether from -> to is in the table.
func (m *Machine[S]) CanTransition(from, to S) bool {
	_, ok := m.allowed[from][to]
	return ok
}

// IsBlocked reports whether s needs human action before the pipeline continues.
func (m *Machine[S]) IsBlocked(s S) bool {
	_, ok := m.blocked[s]
	return ok
}

// IsTerminal reports whether s has no outgoing transitions.
func (m *Machine[S]) IsTerminal(s S) bool {
	tos, ok := m.def.Transitions[s]
	return ok && len(tos) == 0
}

// Current loads the entity's current state.
func (m *Machine[S]) Current(ctx context.Context, entityID string) (S, error) {
	cur, err := m.store.CurrentState(ctx, m.def.Kind, entityID)
	return S(cur), err
}

// NewRecord builds the creation record for a new entity.
func (m *Machine[S]) NewRecord(entityID string, meta api.TransitionMetadata) (*api.TransitionRecord, error) {
	if err := validateMeta(meta); err != nil {
		return nil, err
	}
	return &api.TransitionRecord{
		EntityID:    entityID,
		EntityKind:  m.def.Kind,
		ToState:     string(m.def.Initial),
		TriggeredBy: meta.TriggeredBy,
		Reason:      meta.Reason,
		Payload:     meta.Payload,
		At:          m.now().UTC(),
	}, nil
}

// TransitionTo moves the entity to the given state and returns the persisted
// record. It fails with *api.InvalidTransitionError when to is not reachable
// from the current state; the state is then unchanged.
func (m *Machine[S]) TransitionTo(ctx context.Context, entityID string, to S, meta api.TransitionMetadata) (api.TransitionRecord, error) {
	var rec api.TransitionRecord
	err := m.Do(ctx, entityID, func(c *Cursor[S]) error {
		var err error
		rec, err = c.TransitionTo(ctx, to, meta)
		return err
	})
	return rec, err
}

// Do runs fn while holding the entity's lock. Transitions made through the
// cursor, and any other work fn does, are atomic relative to other Do and
// TransitionTo calls for the same entity. Do must not be nested for the same
// entity.
func (m *Machine[S]) Do(ctx context.Context, entityID string, fn func(c *Cursor[S]) error) error {
	held, unlock, err := m.lock(ctx, lockKey(m.def.Kind, entityID))
	if err != nil {
		return fmt.Errorf("statemachine: lock %s %s: %w", m.def.Kind, entityID, err)
	}
	defer unlock()

	cur, err := m.Current(ctx, entityID)
	if err != nil {
		return err
	}
	return fn(&Cursor[S]{m: m, entityID: entityID, current: cur, held: held})
}

// lock returns a context that ends with the hold when the locker can report
// losing it, and ctx otherwise.
func (m *Machine[S]) lock(ctx context.Context, key string) (context.Context, func(), error) {
	if hl, ok := m.locker.(persistence.HoldLocker); ok {
		return hl.LockContext(ctx, key)
	}
	unlock, err := m.locker.Lock(ctx, key)
	return ctx, unlock, err
}

func lockKey(kind api.EntityKind, id string) string {
	return string(kind) + ":" + id
}

// Cursor tracks an entity's state while its lock is held.
type Cursor[S ~string] struct {
	m        *Machine[S]
	entityID string
	current  S
	applied  []api.TransitionRecord
	held     context.Context
}

// EntityID returns the id of the locked entity.
func (c *Cursor[S]) EntityID() string { return c.entityID }

// Current returns the entity's state as of the last transition.
func (c *Cursor[S]) Current() S { return c.current }

// Allowed returns the legal next states.
func (c *Cursor[S]) Allowed() []S { return c.m.Allowed(c.current) }

// Applied returns the records persisted through this cursor so far.
func (c *Cursor[S]) Applied() []api.TransitionRecord { return slices.Clone(c.applied) }

// TransitionTo validates and persists one transition.
func (c *Cursor[S]) TransitionTo(ctx context.Context, to S, meta api.TransitionMetadata) (api.TransitionRecord, error) {
	if err := validateMeta(meta); err != nil {
		return api.TransitionRecord{}, err
	}
	if !c.m.CanTransition(c.current, to) {
		allowed := c.Allowed()
		names := make([]string, len(allowed))
		for i, s := range allowed {
			names[i] = string(s)
		}
		return api.TransitionRecord{}, &api.InvalidTransitionError{
			Kind:     c.m.def.Kind,
			EntityID: c.entityID,
			From:     string(c.current),
			To:       string(to),
			Allowed:  names,
		}
	}

	rec := api.TransitionRecord{
		EntityID:    c.entityID,
		EntityKind:  c.m.def.Kind,
		FromState:   string(c.current),
		ToState:     string(to),
		TriggeredBy: meta.TriggeredBy,
		Reason:      meta.Reason,
		Payload:     meta.Payload,
		At:          c.m.now().UTC(),
	}
	if n := len(c.applied); n > 0 && rec.At.Before(c.applied[n-1].At) {
		// Keep history ordered by time even if the wall clock steps back.
		rec.At = c.applied[n-1].At
	}
	if c.held != nil && c.held.Err() != nil {
		// The lock ended under us; another process may own the entity now.
		return api.TransitionRecord{}, fmt.Errorf("statemachine: %s %s %s -> %s: %w",
			c.m.def.Kind, c.entityID, c.current, to, context.Cause(c.held))
	}
	if err := c.m.store.ApplyTransition(ctx, &rec); err != nil {
		return api.TransitionRecord{}, fmt.Errorf("statemachine: %s %s %s -> %s: %w",
			c.m.def.Kind, c.entityID, c.current, to, err)
	}
	c.current = to
	c.applied = append(c.applied, rec)
	return rec, nil
}

// Walk transitions through path in order, skipping leading states the entity
// has already reached. It stops at the first failing step.
func (c *Cursor[S]) Walk(ctx context.Context, meta api.TransitionMetadata, path ...S) error {
	if i := slices.Index(path, c.current); i >= 0 {
		path = path[i+1:]
	}
	for _, s := range path {
		if _, err := c.TransitionTo(ctx, s, meta); err != nil {
			return err
		}
	}
	return nil
}

// Replay reconstructs the current state from a history, checking that the
// first record creates the entity in the initial state and that every later
// record is a legal, contiguous move.
func (m *Machine[S]) Replay(records []api.TransitionRecord) (S, error) {
	var zero S
	if len(records) == 0 {
		return zero, fmt.Errorf("%w: empty history", api.ErrInvalidArgument)
	}
	first := records[0]
	if first.FromState != "" || S(first.ToState) != m.def.Initial {
		return zero, fmt.Errorf("%w: history does not start with creation in %q", api.ErrInvalidArgument, m.def.Initial)
	}
	cur := m.def.Initial
	for _, rec := range records[1:] {
		if S(rec.FromState) != cur {
			return zero, fmt.Errorf("%w: record %d starts at %q, expected %q", api.ErrInvalidArgument, rec.ID, rec.FromState, cur)
		}
		if !m.CanTransition(cur, S(rec.ToState)) {
			return zero, &api.InvalidTransitionError{Kind: m.def.Kind, EntityID: rec.EntityID, From: rec.FromState, To: rec.ToState}
		}
		cur = S(rec.ToState)
	}
	return cur, nil
}

func validateMeta(meta api.TransitionMetadata) error {
	if err := validate.Struct(meta); err != nil {
		return fmt.Errorf("%w: transition metadata: %v", api.ErrInvalidArgument, err)
	}
	return nil
}
