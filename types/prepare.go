package types

import (
	"errors"
	"fmt"
)

// Definition errors. They are reported once when a workflow is prepared.
var (
	ErrInvalidDefinition = errors.New("invalid workflow definition")
	ErrDuplicateID       = errors.New("duplicate id")
	ErrUnknownActivity   = errors.New("unknown activity")
	ErrInvalidBinding    = errors.New("binding must have exactly one variant")
)

// Prepare links transitions to their activities, derives incoming and outgoing
// transitions and checks the structural rules of the definition. It must be
// called before the definition is shared with running instances.
func Prepare(wf *WorkflowDefinition) error {
	if wf == nil {
		return fmt.Errorf("%w: nil definition", ErrInvalidDefinition)
	}
	if wf.ID == "" {
		return fmt.Errorf("%w: workflow ID cannot be empty", ErrInvalidDefinition)
	}
	if len(wf.Activities) == 0 {
		return fmt.Errorf("%w: workflow must have at least one activity", ErrInvalidDefinition)
	}

	wf.activities = make(map[string]*ActivityDefinition)
	return prepareScope(wf, &wf.ScopeDefinition)
}

func prepareScope(wf *WorkflowDefinition, scope *ScopeDefinition) error {
	local := make(map[string]*ActivityDefinition, len(scope.Activities))
	for _, a := range scope.Activities {
		if a == nil || a.ID == "" {
			return fmt.Errorf("%w: activity ID cannot be empty", ErrInvalidDefinition)
		}
		if _, dup := wf.activities[a.ID]; dup {
			return fmt.Errorf("%w: activity %s", ErrDuplicateID, a.ID)
		}
		if a.Type == "" {
			return fmt.Errorf("%w: activity %s has no type", ErrInvalidDefinition, a.ID)
		}
		wf.activities[a.ID] = a
		local[a.ID] = a
		a.parent = scope
		a.incoming = nil
		a.outgoing = nil
		a.defaultTransition = nil
	}

	vars := make(map[string]bool, len(scope.Variables))
	for _, v := range scope.Variables {
		if v == nil || v.ID == "" {
			return fmt.Errorf("%w: variable ID cannot be empty", ErrInvalidDefinition)
		}
		if vars[v.ID] {
			return fmt.Errorf("%w: variable %s", ErrDuplicateID, v.ID)
		}
		vars[v.ID] = true
	}

	for i, t := range scope.Transitions {
		if t == nil {
			return fmt.Errorf("%w: nil transition", ErrInvalidDefinition)
		}
		from, ok := local[t.FromID]
		if !ok {
			return fmt.Errorf("%w: transition %d from %q", ErrUnknownActivity, i, t.FromID)
		}
		to, ok := local[t.ToID]
		if !ok {
			return fmt.Errorf("%w: transition %d to %q", ErrUnknownActivity, i, t.ToID)
		}
		t.source = from
		t.target = to
		from.outgoing = append(from.outgoing, t)
		to.incoming = append(to.incoming, t)
	}

	for _, tm := range scope.Timers {
		if tm == nil || tm.ID == "" {
			return fmt.Errorf("%w: timer ID cannot be empty", ErrInvalidDefinition)
		}
		if tm.ActivityID != "" {
			if _, ok := local[tm.ActivityID]; !ok {
				return fmt.Errorf("%w: timer %s starts %q", ErrUnknownActivity, tm.ID, tm.ActivityID)
			}
		}
	}

	for _, a := range scope.Activities {
		if a.DefaultTransition != "" {
			for _, t := range a.outgoing {
				if t.ID == a.DefaultTransition {
					a.defaultTransition = t
					break
				}
			}
			if a.defaultTransition == nil {
				return fmt.Errorf("%w: default transition %q is not outgoing from %s",
					ErrInvalidDefinition, a.DefaultTransition, a.ID)
			}
		}
		if mi := a.MultiInstance; mi != nil {
			if mi.ElementVariable == nil || mi.ElementVariable.ID == "" {
				return fmt.Errorf("%w: multi-instance %s has no element variable", ErrInvalidDefinition, a.ID)
			}
			if err := mi.Collection.Validate(); err != nil {
				return fmt.Errorf("activity %s collection: %w", a.ID, err)
			}
		}
		if err := prepareScope(wf, &a.ScopeDefinition); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks that exactly one variant of the binding is populated,
// recursively for aggregates.
func (b *BindingDefinition) Validate() error {
	if b == nil {
		return fmt.Errorf("%w: nil binding", ErrInvalidBinding)
	}
	n := 0
	if b.Literal != nil {
		n++
	}
	if b.Variable != nil {
		if b.Variable.ID == "" {
			return fmt.Errorf("%w: variable reference without id", ErrInvalidBinding)
		}
		n++
	}
	if b.Expression != "" {
		n++
	}
	if b.Aggregate != nil {
		n++
		for _, child := range b.Aggregate {
			if err := child.Validate(); err != nil {
				return err
			}
		}
	}
	if n != 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidBinding, n)
	}
	return nil
}
