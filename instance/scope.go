package instance

import (
	"github.com/songzhibin97/process-engine/binding"
	"github.com/songzhibin97/process-engine/datatype"
)

// ScopeRef is a read view of one scope and its ancestors.
type ScopeRef struct {
	wi      *WorkflowInstance
	scopeID int64
}

var _ binding.Scope = ScopeRef{}

// ScopeRef returns the read view of scopeID used to resolve bindings.
func (wi *WorkflowInstance) ScopeRef(scopeID int64) ScopeRef {
	return ScopeRef{wi: wi, scopeID: scopeID}
}

// Variable returns the nearest variable named id.
func (r ScopeRef) Variable(id string) (datatype.TypedValue, bool) {
	v, ok := r.wi.GetVariable(r.scopeID, id)
	if !ok {
		return datatype.TypedValue{}, false
	}
	return v.Value, true
}

// Env flattens the visible variables into a map of raw values. Inner
// declarations shadow outer ones.
func (r ScopeRef) Env() map[string]interface{} {
	env := make(map[string]interface{})
	for scope := r.wi.Scope(r.scopeID); scope != nil; scope = r.wi.parentScope(scope) {
		for _, v := range scope.Vars {
			if _, shadowed := env[v.ID]; !shadowed {
				env[v.ID] = v.Value.Value
			}
		}
	}
	return env
}
