package types

import (
	"time"

	"github.com/songzhibin97/process-engine/datatype"
)

// WorkflowDefinition is a deployed, immutable workflow graph.
type WorkflowDefinition struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	OrganizationID string    `json:"organization_id,omitempty"`
	Version        int       `json:"version"`
	DeployedAt     time.Time `json:"deployed_at"`
	ScopeDefinition

	activities map[string]*ActivityDefinition
}

// ScopeDefinition is a nesting boundary for activities and variables.
type ScopeDefinition struct {
	Activities  []*ActivityDefinition   `json:"activities"`
	Transitions []*TransitionDefinition `json:"transitions,omitempty"`
	Variables   []*VariableDefinition   `json:"variables,omitempty"`
	Timers      []*TimerDefinition      `json:"timers,omitempty"`
}

// ActivityDefinition is a step in the graph. Activities are scopes themselves,
// so embedded sub-processes nest their own activities.
type ActivityDefinition struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	// Type is the key of the activity type in the engine registry.
	Type string `json:"type"`

	ScopeDefinition

	DefaultTransition string                   `json:"default_transition,omitempty"`
	MultiInstance     *MultiInstanceDefinition `json:"multi_instance,omitempty"`
	Async             bool                     `json:"async,omitempty"`

	Action         string             `json:"action,omitempty"`
	MaxRetries     int                `json:"max_retries,omitempty"`
	RetryDelaySec  int                `json:"retry_delay_sec,omitempty"`
	ResultVariable string             `json:"result_variable,omitempty"`
	Script         *BindingDefinition `json:"script,omitempty"`
	Call           *CallDefinition    `json:"call,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`

	parent            *ScopeDefinition
	incoming          []*TransitionDefinition
	outgoing          []*TransitionDefinition
	defaultTransition *TransitionDefinition
}

// Incoming returns the transitions ending at this activity.
func (a *ActivityDefinition) Incoming() []*TransitionDefinition { return a.incoming }

// Outgoing returns the transitions leaving this activity in declaration order.
func (a *ActivityDefinition) Outgoing() []*TransitionDefinition { return a.outgoing }

// Default returns the default outgoing transition, or nil.
func (a *ActivityDefinition) Default() *TransitionDefinition { return a.defaultTransition }

// Parent returns the scope declaring this activity.
func (a *ActivityDefinition) Parent() *ScopeDefinition { return a.parent }

// TransitionDefinition is a directed edge between two activities of one scope.
type TransitionDefinition struct {
	ID     string `json:"id,omitempty"`
	FromID string `json:"from"`
	ToID   string `json:"to"`
	// Condition is an expression; empty means unconditional.
	Condition string `json:"condition,omitempty"`

	source *ActivityDefinition
	target *ActivityDefinition
}

// Source returns the activity the transition leaves.
func (t *TransitionDefinition) Source() *ActivityDefinition { return t.source }

// Target returns the activity the transition enters.
func (t *TransitionDefinition) Target() *ActivityDefinition { return t.target }

// VariableDefinition declares a variable in a scope.
type VariableDefinition struct {
	ID      string      `json:"id"`
	Type    string      `json:"type,omitempty"`
	Initial interface{} `json:"initial,omitempty"`
}

// TimerDefinition declares a timer owned by a scope. When ActivityID is set
// the timer starts that activity in the scope when it fires.
type TimerDefinition struct {
	ID         string        `json:"id"`
	Duration   time.Duration `json:"duration"`
	ActivityID string        `json:"activity_id,omitempty"`
}

// MultiInstanceDefinition fans an activity out over a collection.
type MultiInstanceDefinition struct {
	ElementVariable *VariableDefinition `json:"element_variable"`
	Collection      *BindingDefinition  `json:"collection"`
}

// BindingDefinition is a declarative reference to a value. Exactly one of
// Literal, Variable, Expression and Aggregate is set.
type BindingDefinition struct {
	Literal    *datatype.TypedValue `json:"literal,omitempty"`
	Variable   *VariableReference   `json:"variable,omitempty"`
	Expression string               `json:"expression,omitempty"`
	Aggregate  []*BindingDefinition `json:"aggregate,omitempty"`
	// Type is the expected data type of an expression result.
	Type string `json:"type,omitempty"`
}

// VariableReference names a variable and an optional field path.
type VariableReference struct {
	ID     string   `json:"id"`
	Fields []string `json:"fields,omitempty"`
}

// CallDefinition configures a call or sub-process activity.
type CallDefinition struct {
	SubWorkflowID   *BindingDefinition `json:"sub_workflow_id,omitempty"`
	SubWorkflowName *BindingDefinition `json:"sub_workflow_name,omitempty"`
	// Inputs are resolved in the caller and become child variables.
	Inputs []ParameterMapping `json:"inputs,omitempty"`
	// Outputs are resolved in the ended child and become caller variables.
	Outputs []ParameterMapping `json:"outputs,omitempty"`
}

// ParameterMapping binds a value to a variable name.
type ParameterMapping struct {
	Name    string             `json:"name"`
	Binding *BindingDefinition `json:"binding"`
}

// Literal builds a literal binding.
func Literal(typeName string, value interface{}) *BindingDefinition {
	return &BindingDefinition{Literal: &datatype.TypedValue{Type: typeName, Value: value}}
}

// VariableRef builds a variable reference binding.
func VariableRef(id string, fields ...string) *BindingDefinition {
	return &BindingDefinition{Variable: &VariableReference{ID: id, Fields: fields}}
}

// Expression builds an expression binding.
func Expression(source string) *BindingDefinition {
	return &BindingDefinition{Expression: source}
}

// Activity returns the activity with the given id anywhere in the workflow.
func (wf *WorkflowDefinition) Activity(id string) *ActivityDefinition {
	return wf.activities[id]
}

// Variable returns the variable declared in this scope.
func (s *ScopeDefinition) Variable(id string) *VariableDefinition {
	for _, v := range s.Variables {
		if v.ID == id {
			return v
		}
	}
	return nil
}

// Timer returns the timer declared in this scope.
func (s *ScopeDefinition) Timer(id string) *TimerDefinition {
	for _, t := range s.Timers {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// StartActivities returns the activities that have no incoming transition and
// are not started by a scope timer.
func (s *ScopeDefinition) StartActivities() []*ActivityDefinition {
	var starts []*ActivityDefinition
	for _, a := range s.Activities {
		if len(a.incoming) == 0 && !s.timerTarget(a.ID) {
			starts = append(starts, a)
		}
	}
	return starts
}

func (s *ScopeDefinition) timerTarget(activityID string) bool {
	for _, t := range s.Timers {
		if t.ActivityID == activityID {
			return true
		}
	}
	return false
}
