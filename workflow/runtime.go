package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/songzhibin97/process-engine/datatype"
	"github.com/songzhibin97/process-engine/events"
	"github.com/songzhibin97/process-engine/instance"
	"github.com/songzhibin97/process-engine/log"
	"github.com/songzhibin97/process-engine/storage"
	"github.com/songzhibin97/process-engine/types"
)

// StartRequest describes a new workflow instance. WorkflowName selects the
// latest version deployed under that name when WorkflowID is empty.
type StartRequest struct {
	WorkflowID   string
	WorkflowName string
	Variables    map[string]interface{}
	Caller       *Caller
}

// Caller identifies the call activity that started a sub-workflow instance.
type Caller struct {
	WorkflowInstanceID uint64
	ActivityInstanceID int64
}

// StartWorkflowInstance creates an instance, runs it until it waits or ends
// and returns its state at that point.
func (e *WorkflowEngine) StartWorkflowInstance(ctx context.Context, req StartRequest) (*instance.WorkflowInstance, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if e.isStopped() {
		return nil, ErrEngineStopped
	}

	var (
		def *types.WorkflowDefinition
		err error
	)
	switch {
	case req.WorkflowID != "":
		def, err = e.getWorkflow(ctx, req.WorkflowID)
	case req.WorkflowName != "":
		def, err = e.latestWorkflow(ctx, req.WorkflowName)
	default:
		return nil, ErrMissingWorkflowOrIdentifier
	}
	if err != nil {
		return nil, err
	}

	id, err := e.GenerateID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ID: %w", err)
	}

	vars := make(map[string]datatype.TypedValue, len(req.Variables))
	for name, value := range req.Variables {
		vars[name] = datatype.TypedValue{Value: value}
	}
	return e.startInstance(ctx, id, def, vars, req.Caller)
}

func (e *WorkflowEngine) startInstance(ctx context.Context, id uint64, def *types.WorkflowDefinition, vars map[string]datatype.TypedValue, caller *Caller) (*instance.WorkflowInstance, error) {
	wi := instance.New(id, def, e.clock.Now())
	if caller != nil {
		wi.CallerWorkflowInstanceID = caller.WorkflowInstanceID
		wi.CallerActivityInstanceID = caller.ActivityInstanceID
	}
	for name, value := range vars {
		if err := wi.SetOrCreateVariable(instance.RootScopeID, name, value, instance.RootScopeID); err != nil {
			return nil, err
		}
	}

	if err := e.storage.CreateInstance(ctx, wi); err != nil {
		return nil, fmt.Errorf("failed to create instance: %w", err)
	}

	x := e.newExecution(ctx, wi, def)
	x.logger.Info("workflow instance started")
	x.publish(events.InstanceStarted, nil, map[string]interface{}{
		"caller_instance_id": wi.CallerWorkflowInstanceID,
	})

	x.ScheduleTimers(instance.RootScopeID, &def.ScopeDefinition)
	started, err := x.StartActivities(instance.RootScopeID, &def.ScopeDefinition)
	if err != nil {
		return nil, x.fail(err)
	}
	if started == 0 && len(wi.TimerJobs) == 0 {
		if err := x.endWorkflow(); err != nil {
			return nil, x.fail(err)
		}
	}
	return x.run()
}

// lockInstance claims the instance and retries briefly while another attempt
// holds it.
func (e *WorkflowEngine) lockInstance(ctx context.Context, id uint64) (*instance.WorkflowInstance, error) {
	var wi *instance.WorkflowInstance
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(10*time.Millisecond), 100),
		ctx,
	)
	err := backoff.Retry(func() error {
		locked, err := e.storage.Lock(ctx, id)
		if errors.Is(err, storage.ErrLocked) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		wi = locked
		return nil
	}, policy)
	if err != nil {
		return nil, err
	}
	return wi, nil
}

// resume locks an instance and prepares an execution attempt on it.
func (e *WorkflowEngine) resume(ctx context.Context, id uint64) (*Execution, error) {
	wi, err := e.lockInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	def, err := e.getWorkflow(ctx, wi.WorkflowID)
	if err != nil {
		_ = e.storage.Unlock(ctx, wi)
		return nil, err
	}
	return e.newExecution(ctx, wi, def), nil
}

// release unlocks an instance that needs no work and returns err.
func (x *Execution) release(err error) (*instance.WorkflowInstance, error) {
	if unlockErr := x.engine.storage.Unlock(x.ctx, x.wi); unlockErr != nil && err == nil {
		err = unlockErr
	}
	if err != nil {
		return nil, err
	}
	return x.wi, nil
}

// Message delivers variables and a trigger to a waiting activity instance.
func (e *WorkflowEngine) Message(ctx context.Context, instanceID uint64, activityInstanceID int64, variables map[string]interface{}) (*instance.WorkflowInstance, error) {
	if e.isStopped() {
		return nil, ErrEngineStopped
	}
	x, err := e.resume(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if x.wi.IsEnded() {
		return x.release(fmt.Errorf("%w: %d", ErrInstanceEnded, instanceID))
	}
	ai := x.wi.FindActivityInstance(activityInstanceID)
	if ai == nil {
		return x.release(fmt.Errorf("%w: %d", ErrActivityInstanceNotFound, activityInstanceID))
	}
	if ai.WorkState != instance.Waiting {
		return x.release(fmt.Errorf("%w: %d is %q", ErrNotWaiting, activityInstanceID, ai.WorkState))
	}

	for name, value := range variables {
		if err := x.SetVariable(ai, name, datatype.TypedValue{Value: value}); err != nil {
			return x.release(err)
		}
	}
	if err := x.message(ai); err != nil {
		return nil, x.fail(err)
	}
	return x.run()
}

func (x *Execution) message(ai *instance.ActivityInstance) error {
	def := x.Activity(ai)
	if def == nil {
		return fmt.Errorf("unknown activity %q", ai.ActivityID)
	}
	t, err := x.engine.activityType(def.Type)
	if err != nil {
		return err
	}
	ai.WorkState = instance.WorkStateNone
	if err := t.Message(x, ai); err != nil {
		return err
	}
	x.park(ai)
	return nil
}

// FireTimers runs the jobs of an instance that are due by the engine clock.
// Timers with a target activity start it in their scope; the others message
// the waiting activity instance owning them.
func (e *WorkflowEngine) FireTimers(ctx context.Context, instanceID uint64) (*instance.WorkflowInstance, error) {
	if e.isStopped() {
		return nil, ErrEngineStopped
	}
	x, err := e.resume(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	jobs := x.wi.TakeDueTimerJobs(x.Now())
	if len(jobs) == 0 {
		return x.release(nil)
	}
	for _, job := range jobs {
		if err := x.fireTimer(job); err != nil {
			return nil, x.fail(err)
		}
	}
	return x.run()
}

func (x *Execution) fireTimer(job *instance.TimerJob) error {
	scope := x.wi.Scope(job.ScopeInstanceID)
	if scope == nil || scope.IsEnded() {
		return nil
	}

	scopeDef := &x.def.ScopeDefinition
	var owner *instance.ActivityInstance
	if job.ScopeInstanceID != instance.RootScopeID {
		owner = x.wi.ActivityInstance(job.ScopeInstanceID)
		def := x.Activity(owner)
		if def == nil {
			return fmt.Errorf("unknown activity %q", owner.ActivityID)
		}
		scopeDef = &def.ScopeDefinition
	}
	td := scopeDef.Timer(job.TimerID)
	if td == nil {
		x.logger.Warn("timer no longer defined", slog.String(log.TimerIDKey, job.TimerID))
		return nil
	}

	x.logger.Debug("timer fired", slog.String(log.TimerIDKey, td.ID), slog.Time(log.DueAtKey, job.DueAt))
	data := map[string]interface{}{"timer_id": td.ID}
	if owner != nil {
		x.publish(events.TimerFired, owner, data)
	} else {
		x.publish(events.TimerFired, nil, data)
	}

	if td.ActivityID != "" {
		_, err := x.CreateActivityInstance(job.ScopeInstanceID, x.def.Activity(td.ActivityID))
		return err
	}
	if owner != nil && owner.WorkState == instance.Waiting {
		return x.message(owner)
	}
	return nil
}
