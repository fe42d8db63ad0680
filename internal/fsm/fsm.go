// Package fsm implements a table-driven finite state machine with guarded
// transitions and a mandatory per-context transition history.
package fsm

import (
	"fmt"
	"strings"
	"time"

	"github.com/ikanisa/easymo/internal/clock"
)

// Record is one entry in a context's transition history.
type Record[S, E comparable] struct {
	State     S
	Timestamp time.Time
	Event     E
}

// Context is the mutable state a Machine drives. Implementations own their
// storage; the machine only reads and writes through these methods.
type Context[S, E comparable] interface {
	CurrentState() S
	SetState(S)
	AppendHistory(Record[S, E])
}

// Transition describes one candidate move for a (state, event) pair.
// A nil Guard always passes. Action may mutate the context before the
// state changes.
type Transition[C any, S comparable] struct {
	Target S
	Guard  func(C) bool
	Action func(C)
}

// StateDef declares a state and its outgoing transitions. Several
// transitions may be listed for the same event; the first whose guard
// passes is taken.
type StateDef[C any, S, E comparable] struct {
	Name S
	On   map[E][]Transition[C, S]
}

// Config is the declarative definition of a Machine.
type Config[C any, S, E comparable] struct {
	ID      string
	Initial S
	States  []StateDef[C, S, E]
}

// Result reports the outcome of Send. Accepted is false when no transition
// matched or every guard failed; the context is then untouched.
type Result[S comparable] struct {
	From     S
	To       S
	Accepted bool
}

// Machine evaluates events against a validated transition table. It holds no
// per-context state and is safe for concurrent use across distinct contexts.
// Callers must serialize Send calls on the same context.
type Machine[C Context[S, E], S, E comparable] struct {
	id      string
	initial S
	states  map[S]StateDef[C, S, E]
	clock   clock.Clock
}

// New validates cfg and builds a Machine. A nil clk uses the wall clock.
func New[C Context[S, E], S, E comparable](cfg Config[C, S, E], clk clock.Clock) (*Machine[C, S, E], error) {
	if clk == nil {
		clk = clock.Real()
	}
	states := make(map[S]StateDef[C, S, E], len(cfg.States))
	var errs []string
	for _, sd := range cfg.States {
		if _, dup := states[sd.Name]; dup {
			errs = append(errs, fmt.Sprintf("duplicate state %v", sd.Name))
			continue
		}
		states[sd.Name] = sd
	}
	if _, ok := states[cfg.Initial]; !ok {
		errs = append(errs, fmt.Sprintf("initial state %v is not declared", cfg.Initial))
	}
	for _, sd := range cfg.States {
		for ev, ts := range sd.On {
			for _, t := range ts {
				if _, ok := states[t.Target]; !ok {
					errs = append(errs, fmt.Sprintf("%v --%v--> %v: target not declared", sd.Name, ev, t.Target))
				}
			}
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("fsm: %s: invalid config: %s", cfg.ID, strings.Join(errs, "; "))
	}
	return &Machine[C, S, E]{
		id:      cfg.ID,
		initial: cfg.Initial,
		states:  states,
		clock:   clk,
	}, nil
}

// ID returns the machine identifier.
func (m *Machine[C, S, E]) ID() string { return m.id }

// Initial returns the state new contexts start in.
func (m *Machine[C, S, E]) Initial() S { return m.initial }

// Can reports whether event would be accepted in ctx's current state,
// without applying it.
func (m *Machine[C, S, E]) Can(ctx C, event E) bool {
	_, ok := m.pick(ctx, event)
	return ok
}

// Send applies event to ctx. On acceptance the action runs, a history record
// {target, now UTC, event} is appended, and the state moves to the target.
// An unmatched event or failing guard is a rejection, never an error.
func (m *Machine[C, S, E]) Send(ctx C, event E) Result[S] {
	from := ctx.CurrentState()
	t, ok := m.pick(ctx, event)
	if !ok {
		return Result[S]{From: from, To: from}
	}
	if t.Action != nil {
		t.Action(ctx)
	}
	ctx.AppendHistory(Record[S, E]{
		State:     t.Target,
		Timestamp: m.clock.Now().UTC(),
		Event:     event,
	})
	ctx.SetState(t.Target)
	return Result[S]{From: from, To: t.Target, Accepted: true}
}

func (m *Machine[C, S, E]) pick(ctx C, event E) (Transition[C, S], bool) {
	sd, ok := m.states[ctx.CurrentState()]
	if !ok {
		return Transition[C, S]{}, false
	}
	for _, t := range sd.On[event] {
		if t.Guard == nil || t.Guard(ctx) {
			return t, true
		}
	}
	return Transition[C, S]{}, false
}
