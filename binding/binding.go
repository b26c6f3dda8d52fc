package binding

import (
	"errors"
	"fmt"

	"github.com/songzhibin97/process-engine/datatype"
	"github.com/songzhibin97/process-engine/rules"
	"github.com/songzhibin97/process-engine/types"
)

// ErrNotCollection is returned when a binding required to produce a list does not.
var ErrNotCollection = errors.New("binding did not resolve to a collection")

// ErrVariableNotFound is returned when a variable reference has no declaring scope.
var ErrVariableNotFound = errors.New("variable not found in scope chain")

// Scope is the read view of a scope instance that bindings resolve against.
type Scope interface {
	// Variable returns the value of the nearest variable named id.
	Variable(id string) (datatype.TypedValue, bool)
	// Env returns the visible variables as raw values, nearest declaration winning.
	Env() map[string]interface{}
}

// Resolver turns binding definitions into typed values.
type Resolver struct {
	scripts rules.ScriptService
	types   *datatype.Registry
}

// NewResolver creates a resolver. A nil registry gets the built-in types.
func NewResolver(scripts rules.ScriptService, registry *datatype.Registry) *Resolver {
	if registry == nil {
		registry = datatype.NewRegistry()
	}
	return &Resolver{scripts: scripts, types: registry}
}

// Types returns the data-type registry used for dereferencing.
func (r *Resolver) Types() *datatype.Registry {
	return r.types
}

// Validate checks the binding shape and compiles its expressions.
func (r *Resolver) Validate(b *types.BindingDefinition) error {
	if err := b.Validate(); err != nil {
		return err
	}
	if b.Expression != "" {
		if r.scripts == nil {
			return fmt.Errorf("%w: no script service for expression %q", types.ErrInvalidBinding, b.Expression)
		}
		if _, err := r.scripts.Compile(b.Expression); err != nil {
			return fmt.Errorf("%w: %v", types.ErrInvalidBinding, err)
		}
	}
	for _, child := range b.Aggregate {
		if err := r.Validate(child); err != nil {
			return err
		}
	}
	return nil
}

// Resolve evaluates b against scope. It never modifies scope.
func (r *Resolver) Resolve(b *types.BindingDefinition, scope Scope) (datatype.TypedValue, error) {
	switch {
	case b == nil:
		return datatype.TypedValue{}, types.ErrInvalidBinding
	case b.Literal != nil:
		return *b.Literal, nil
	case b.Variable != nil:
		return r.resolveVariable(b.Variable, scope)
	case b.Expression != "":
		return r.resolveExpression(b, scope)
	case b.Aggregate != nil:
		return r.resolveAggregate(b.Aggregate, scope)
	}
	return datatype.TypedValue{}, types.ErrInvalidBinding
}

// ResolveCollection resolves b and returns its elements. A nil value is an
// empty collection.
func (r *Resolver) ResolveCollection(b *types.BindingDefinition, scope Scope) ([]interface{}, error) {
	tv, err := r.Resolve(b, scope)
	if err != nil {
		return nil, err
	}
	if tv.Value == nil {
		return nil, nil
	}
	items, ok := datatype.Collection(tv.Value)
	if !ok {
		return nil, fmt.Errorf("%w: got %T", ErrNotCollection, tv.Value)
	}
	return items, nil
}

func (r *Resolver) resolveVariable(ref *types.VariableReference, scope Scope) (datatype.TypedValue, error) {
	tv, ok := scope.Variable(ref.ID)
	if !ok {
		return datatype.TypedValue{}, fmt.Errorf("%w: %s", ErrVariableNotFound, ref.ID)
	}
	for _, field := range ref.Fields {
		next, err := r.types.Dereference(tv, field)
		if err != nil {
			return datatype.TypedValue{}, fmt.Errorf("dereference %s: %w", ref.ID, err)
		}
		tv = next
	}
	return tv, nil
}

func (r *Resolver) resolveExpression(b *types.BindingDefinition, scope Scope) (datatype.TypedValue, error) {
	if r.scripts == nil {
		return datatype.TypedValue{}, fmt.Errorf("no script service for expression %q", b.Expression)
	}
	script, err := r.scripts.Compile(b.Expression)
	if err != nil {
		return datatype.TypedValue{}, err
	}
	value, err := r.scripts.Run(script, scope.Env())
	if err != nil {
		return datatype.TypedValue{}, fmt.Errorf("evaluate %q: %w", b.Expression, err)
	}
	return r.types.Typed(b.Type, value), nil
}

// resolveAggregate splices collections into the result instead of nesting them.
func (r *Resolver) resolveAggregate(children []*types.BindingDefinition, scope Scope) (datatype.TypedValue, error) {
	values := make([]interface{}, 0, len(children))
	for _, child := range children {
		tv, err := r.Resolve(child, scope)
		if err != nil {
			return datatype.TypedValue{}, err
		}
		if items, ok := datatype.Collection(tv.Value); ok {
			values = append(values, items...)
			continue
		}
		values = append(values, tv.Value)
	}
	return datatype.TypedValue{Type: datatype.List, Value: values}, nil
}
