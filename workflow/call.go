package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/songzhibin97/process-engine/binding"
	"github.com/songzhibin97/process-engine/datatype"
	"github.com/songzhibin97/process-engine/events"
	"github.com/songzhibin97/process-engine/instance"
	"github.com/songzhibin97/process-engine/log"
	"github.com/songzhibin97/process-engine/types"
)

// callActivity starts a sub-workflow instance and waits for it to end.
type callActivity struct{ BaseActivityType }

// Execute resolves the target and the inputs in the caller scope, records the
// child id and starts the child once the caller is unlocked. A missing target
// is logged and the activity passes through.
func (callActivity) Execute(x *Execution, ai *instance.ActivityInstance) error {
	def := x.Activity(ai)
	logger := x.activityLogger(ai)
	if def.Call == nil {
		logger.Warn("call activity has no call configuration")
		return x.Onwards(ai)
	}

	target, err := x.callTarget(ai, def.Call)
	switch {
	case errors.Is(err, ErrWorkflowNotFound), errors.Is(err, ErrMissingWorkflowOrIdentifier):
		logger.Warn("sub-workflow not found, continuing", slog.Any("error", err))
		return x.Onwards(ai)
	case err != nil:
		return fmt.Errorf("resolve sub-workflow: %w", err)
	}

	vars := make(map[string]datatype.TypedValue, len(def.Call.Inputs))
	for _, in := range def.Call.Inputs {
		value, err := x.Resolve(ai, in.Binding)
		if err != nil {
			return fmt.Errorf("input %s: %w", in.Name, err)
		}
		vars[in.Name] = value
	}

	childID, err := x.engine.GenerateID()
	if err != nil {
		return fmt.Errorf("failed to generate ID: %w", err)
	}
	ai.CalledWorkflowInstanceID = childID
	x.park(ai)

	caller := &Caller{WorkflowInstanceID: x.wi.ID, ActivityInstanceID: ai.ID}
	x.publish(events.SubWorkflowStarted, ai, map[string]interface{}{
		"child_instance_id": childID,
		"workflow_id":       target.ID,
	})
	x.AfterUnlock(func(ctx context.Context) {
		if _, err := x.engine.startInstance(ctx, childID, target, vars, caller); err != nil {
			logger.Error("failed to start sub-workflow",
				slog.Uint64(log.ChildInstanceIDKey, childID),
				slog.Any("error", err),
			)
		}
	})
	return nil
}

func (callActivity) Bindings(def *types.ActivityDefinition) []BindingField {
	if def.Call == nil {
		return nil
	}
	fields := []BindingField{
		{Name: "sub_workflow_id", Binding: def.Call.SubWorkflowID},
		{Name: "sub_workflow_name", Binding: def.Call.SubWorkflowName},
	}
	for _, in := range def.Call.Inputs {
		fields = append(fields, BindingField{Name: "input " + in.Name, Binding: in.Binding, Required: true})
	}
	for _, out := range def.Call.Outputs {
		fields = append(fields, BindingField{Name: "output " + out.Name, Binding: out.Binding, Required: true})
	}
	return fields
}

// callTarget resolves the called definition by id, or by name to its latest version.
func (x *Execution) callTarget(ai *instance.ActivityInstance, call *types.CallDefinition) (*types.WorkflowDefinition, error) {
	switch {
	case call.SubWorkflowID != nil:
		id, err := x.resolveString(ai, call.SubWorkflowID)
		if err != nil {
			return nil, err
		}
		return x.engine.getWorkflow(x.ctx, id)
	case call.SubWorkflowName != nil:
		name, err := x.resolveString(ai, call.SubWorkflowName)
		if err != nil {
			return nil, err
		}
		return x.engine.latestWorkflow(x.ctx, name)
	}
	return nil, ErrMissingWorkflowOrIdentifier
}

func (x *Execution) resolveString(ai *instance.ActivityInstance, b *types.BindingDefinition) (string, error) {
	value, err := x.Resolve(ai, b)
	if err != nil {
		return "", err
	}
	s, ok := value.Value.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: expected a non-empty string, got %T", ErrMissingWorkflowOrIdentifier, value.Value)
	}
	return s, nil
}

// notifyCaller resumes the call activity waiting for the ended child.
func (e *WorkflowEngine) notifyCaller(ctx context.Context, child *instance.WorkflowInstance) error {
	x, err := e.resume(ctx, child.CallerWorkflowInstanceID)
	if err != nil {
		return err
	}
	ai := x.wi.FindActivityInstance(child.CallerActivityInstanceID)
	if ai == nil || ai.IsEnded() || ai.CalledWorkflowInstanceID != child.ID {
		x.logger.Warn("caller is no longer waiting for the sub-workflow",
			slog.Int64(log.ActivityInstanceIDKey, child.CallerActivityInstanceID),
			slog.Uint64(log.ChildInstanceIDKey, child.ID),
		)
		_, err := x.release(nil)
		return err
	}

	if err := x.calledWorkflowEnded(ai, child); err != nil {
		_ = x.fail(err)
		return err
	}
	_, err = x.run()
	return err
}

// calledWorkflowEnded copies the outputs of child into the caller and continues.
// Outputs naming variables the child never set are skipped.
func (x *Execution) calledWorkflowEnded(ai *instance.ActivityInstance, child *instance.WorkflowInstance) error {
	def := x.Activity(ai)
	if def == nil {
		return fmt.Errorf("unknown activity %q", ai.ActivityID)
	}
	if def.Call != nil {
		childScope := child.ScopeRef(instance.RootScopeID)
		for _, out := range def.Call.Outputs {
			value, err := x.engine.resolver.Resolve(out.Binding, childScope)
			if errors.Is(err, binding.ErrVariableNotFound) {
				x.activityLogger(ai).Debug("sub-workflow output not set", slog.String("output", out.Name))
				continue
			}
			if err != nil {
				return fmt.Errorf("output %s: %w", out.Name, err)
			}
			if err := x.SetVariable(ai, out.Name, value); err != nil {
				return err
			}
		}
	}
	ai.WorkState = instance.WorkStateNone
	return x.Onwards(ai)
}
