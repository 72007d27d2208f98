package flow

import (
	"fmt"
	"time"
)

// StateType enumerates the kinds of states in a graph.
type StateType string

const (
	StateTask    StateType = "task"
	StateChoice  StateType = "choice"
	StateMap     StateType = "map"
	StateWait    StateType = "wait"
	StatePass    StateType = "pass"
	StateSucceed StateType = "succeed"
	StateFail    StateType = "fail"
)

// Graph is a declarative workflow: named states plus an entry point.
// Graphs are data; the engine interprets them. Cycles are legal (poll
// loops), so unlike a DAG there is no topological ordering here.
type Graph struct {
	Name    string
	StartAt string
	States  map[string]*State
	// Timeout bounds the whole execution. Zero means no graph-level bound
	// beyond the caller's context.
	Timeout time.Duration
}

// State describes one node of a graph. Exactly the fields for its Type are
// consulted; Compile rejects definitions missing required fields.
type State struct {
	Type StateType
	// Next names the successor for task, wait and pass states.
	Next string

	// Task fields.
	Resource   string // task handler name, resolved via the engine registry
	ResultPath string // dot path where the handler result is merged ("" replaces the document)
	Timeout    time.Duration
	Catch      *Catch

	// Choice fields.
	Choices   []ChoiceRule
	Otherwise string // mandatory default branch, the only control join point

	// Map fields.
	ItemsPath      string // dot path to the array being fanned out
	ItemSelector   string // jq expression building each item document from {doc, item, index}
	Iterator       *Graph
	MaxConcurrency int // 0 = one goroutine per item

	// Wait fields.
	Duration time.Duration

	// Pass fields.
	Transform string // jq expression over the document; result merged at ResultPath

	// Fail fields.
	Error string // error code attached to the terminal failure
}

// ChoiceRule is one ordered predicate of a choice state.
type ChoiceRule struct {
	When     string // boolean expression over the working document
	Language string // "cel" (default) or "expr"
	Next     string
}

// Catch redirects a failed task to a handling state instead of failing the
// enclosing scope. The triggering error is merged at ResultPath.
type Catch struct {
	Next       string
	ResultPath string
}

// Compile validates a graph: the entry state exists, every transition
// target exists, each state carries the fields its type requires, and
// every choice has a default branch. Iterator subgraphs are compiled
// recursively. Cycles are permitted.
func Compile(g *Graph) error {
	if g == nil {
		return NewError(ErrCodeValidation, "graph is nil")
	}
	if len(g.States) == 0 {
		return NewErrorf(ErrCodeValidation, "graph %s has no states", g.Name)
	}
	if g.StartAt == "" {
		return NewErrorf(ErrCodeValidation, "graph %s has no entry state", g.Name)
	}
	if _, ok := g.States[g.StartAt]; !ok {
		return NewErrorf(ErrCodeValidation, "graph %s entry state %q does not exist", g.Name, g.StartAt)
	}

	for id, st := range g.States {
		if st == nil {
			return NewErrorf(ErrCodeValidation, "graph %s state %q is nil", g.Name, id)
		}
		if err := validateState(g, id, st); err != nil {
			return err
		}
	}
	return nil
}

func validateState(g *Graph, id string, st *State) error {
	target := func(field, next string) error {
		if next == "" {
			return NewErrorf(ErrCodeValidation, "state %s: %s transition is empty", id, field)
		}
		if _, ok := g.States[next]; !ok {
			return NewErrorf(ErrCodeValidation, "state %s: %s targets unknown state %q", id, field, next)
		}
		return nil
	}

	switch st.Type {
	case StateTask:
		if st.Resource == "" {
			return NewErrorf(ErrCodeValidation, "task state %s has no resource", id)
		}
		if err := target("next", st.Next); err != nil {
			return err
		}
		if st.Catch != nil {
			if err := target("catch", st.Catch.Next); err != nil {
				return err
			}
		}

	case StateChoice:
		if len(st.Choices) == 0 {
			return NewErrorf(ErrCodeValidation, "choice state %s has no rules", id)
		}
		for i, rule := range st.Choices {
			if rule.When == "" {
				return NewErrorf(ErrCodeValidation, "choice state %s rule %d has empty predicate", id, i)
			}
			if err := target(fmt.Sprintf("rule %d", i), rule.Next); err != nil {
				return err
			}
		}
		// The default branch is mandatory: an input matching no rule must
		// always have somewhere to go.
		if err := target("otherwise", st.Otherwise); err != nil {
			return err
		}

	case StateMap:
		if st.ItemsPath == "" {
			return NewErrorf(ErrCodeValidation, "map state %s has no items path", id)
		}
		if st.Iterator == nil {
			return NewErrorf(ErrCodeValidation, "map state %s has no iterator graph", id)
		}
		if err := Compile(st.Iterator); err != nil {
			return NewErrorf(ErrCodeValidation, "map state %s iterator: %s", id, err.Error()).WithCause(err)
		}
		if err := target("next", st.Next); err != nil {
			return err
		}

	case StateWait:
		if st.Duration <= 0 {
			return NewErrorf(ErrCodeValidation, "wait state %s must have a positive duration", id)
		}
		if err := target("next", st.Next); err != nil {
			return err
		}

	case StatePass:
		if err := target("next", st.Next); err != nil {
			return err
		}

	case StateSucceed, StateFail:
		// Terminal; no transitions.

	default:
		return NewErrorf(ErrCodeValidation, "state %s has unknown type %q", id, st.Type)
	}
	return nil
}
