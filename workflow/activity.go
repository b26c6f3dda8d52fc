package workflow

import (
	"github.com/songzhibin97/process-engine/instance"
	"github.com/songzhibin97/process-engine/types"
)

// Built-in activity type names.
const (
	TypeStart            = "start"
	TypeEnd              = "end"
	TypeTask             = "task"
	TypeUserTask         = "userTask"
	TypeReceiveTask      = "receiveTask"
	TypeAction           = "action"
	TypeScript           = "script"
	TypeExclusiveGateway = "exclusiveGateway"
	TypeParallelGateway  = "parallelGateway"
	TypeSubProcess       = "subProcess"
	TypeCallActivity     = "callActivity"
	TypeTimer            = "timer"
)

// ActivityType is the behavior behind an activity definition. Implementations
// are stateless; per-instance state lives in the activity instance.
type ActivityType interface {
	// Execute runs when the scheduler starts an activity instance. Returning
	// without ending ai or setting a work state leaves it waiting.
	Execute(x *Execution, ai *instance.ActivityInstance) error
	// Message delivers an external trigger to a waiting instance.
	Message(x *Execution, ai *instance.ActivityInstance) error
	// Ended is called on ai when its child ended and asked to notify it.
	Ended(x *Execution, ai *instance.ActivityInstance, child *instance.ActivityInstance) error
	// IsAsync reports whether new instances of def go on the async queue.
	IsAsync(def *types.ActivityDefinition) bool
	// Bindings lists the bindings of def checked at deployment.
	Bindings(def *types.ActivityDefinition) []BindingField
}

// BindingField names one binding of an activity definition.
type BindingField struct {
	Name     string
	Binding  *types.BindingDefinition
	Required bool
}

// BaseActivityType provides the default behavior: pass straight through,
// continue on message, and continue once the last child ended.
type BaseActivityType struct{}

var _ ActivityType = BaseActivityType{}

// Execute continues immediately.
func (BaseActivityType) Execute(x *Execution, ai *instance.ActivityInstance) error {
	return x.Onwards(ai)
}

// Message continues.
func (BaseActivityType) Message(x *Execution, ai *instance.ActivityInstance) error {
	return x.Onwards(ai)
}

// Ended continues once ai has no open children left.
func (BaseActivityType) Ended(x *Execution, ai *instance.ActivityInstance, _ *instance.ActivityInstance) error {
	if x.Instance().HasOpenChildren(ai.ID) {
		return nil
	}
	return x.Onwards(ai)
}

// IsAsync reports false.
func (BaseActivityType) IsAsync(*types.ActivityDefinition) bool { return false }

// Bindings reports none.
func (BaseActivityType) Bindings(*types.ActivityDefinition) []BindingField { return nil }

func builtinActivityTypes(e *WorkflowEngine) map[string]ActivityType {
	return map[string]ActivityType{
		TypeStart:            BaseActivityType{},
		TypeEnd:              BaseActivityType{},
		TypeTask:             BaseActivityType{},
		TypeUserTask:         waitActivity{},
		TypeReceiveTask:      waitActivity{},
		TypeAction:           &actionActivity{engine: e},
		TypeScript:           scriptActivity{},
		TypeExclusiveGateway: exclusiveGateway{},
		TypeParallelGateway:  parallelGateway{},
		TypeSubProcess:       subProcess{},
		TypeCallActivity:     callActivity{},
		TypeTimer:            timerActivity{},
	}
}

// waitActivity waits for a message.
type waitActivity struct{ BaseActivityType }

func (waitActivity) Execute(*Execution, *instance.ActivityInstance) error { return nil }

// scriptActivity evaluates its script binding and stores the result.
type scriptActivity struct{ BaseActivityType }

func (scriptActivity) Execute(x *Execution, ai *instance.ActivityInstance) error {
	def := x.Activity(ai)
	if def.Script == nil {
		return x.Onwards(ai)
	}
	result, err := x.Resolve(ai, def.Script)
	if err != nil {
		return err
	}
	if def.ResultVariable != "" {
		if err := x.SetVariable(ai, def.ResultVariable, result); err != nil {
			return err
		}
	}
	return x.Onwards(ai)
}

func (scriptActivity) Bindings(def *types.ActivityDefinition) []BindingField {
	return []BindingField{{Name: "script", Binding: def.Script, Required: true}}
}

// subProcess starts its embedded scope and continues when the scope drains.
type subProcess struct{ BaseActivityType }

func (subProcess) Execute(x *Execution, ai *instance.ActivityInstance) error {
	def := x.Activity(ai)
	started, err := x.StartActivities(ai.ID, &def.ScopeDefinition)
	if err != nil {
		return err
	}
	if started == 0 {
		return x.Onwards(ai)
	}
	return nil
}

// timerActivity waits until one of its own timers fires.
type timerActivity struct{ BaseActivityType }

func (timerActivity) Execute(x *Execution, ai *instance.ActivityInstance) error {
	if len(x.Activity(ai).Timers) == 0 {
		return x.Onwards(ai)
	}
	return nil
}
