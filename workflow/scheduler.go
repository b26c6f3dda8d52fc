package workflow

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/songzhibin97/process-engine/events"
	"github.com/songzhibin97/process-engine/instance"
	"github.com/songzhibin97/process-engine/log"
)

// run drains the instance and releases it. The returned instance is the state
// at release, or a snapshot when the rest continues asynchronously.
func (x *Execution) run() (*instance.WorkflowInstance, error) {
	if err := x.drain(); err != nil {
		return nil, x.fail(err)
	}

	if !x.async && x.wi.HasAsyncWork() {
		return x.handoff()
	}
	if err := x.complete(); err != nil {
		return nil, err
	}
	return x.wi, nil
}

// drain processes the synchronous queue until it is empty.
func (x *Execution) drain() (err error) {
	ctx, span := x.engine.tracer.Start(x.ctx, "ExecuteWork", trace.WithAttributes(
		attribute.Int64(log.InstanceIDKey, int64(x.wi.ID)),
		attribute.String(log.WorkflowIDKey, x.wi.WorkflowID),
		attribute.Bool("process.async", x.async),
	))
	defer func() {
		span.SetAttributes(attribute.Int("process.work_items", x.steps))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	parent := x.ctx
	x.ctx = ctx
	defer func() { x.ctx = parent }()

	for {
		if err := x.ctx.Err(); err != nil {
			return err
		}
		ai, ok := x.wi.PopWork()
		if !ok {
			return nil
		}
		x.steps++
		if limit := x.engine.workLimit; limit > 0 && x.steps > limit {
			return fmt.Errorf("%w: %d work items", ErrWorkLimitExceeded, limit)
		}
		if err := x.executeWork(ai); err != nil {
			return fmt.Errorf("activity %s (instance %d): %w", ai.ActivityID, ai.ID, err)
		}
		if ai.WorkState == instance.Waiting && x.wi.HasWork() {
			if err := x.engine.storage.Flush(x.ctx, x.wi); err != nil {
				return err
			}
		}
	}
}

func (x *Execution) executeWork(ai *instance.ActivityInstance) error {
	def := x.Activity(ai)
	if def == nil {
		return fmt.Errorf("unknown activity %q", ai.ActivityID)
	}
	t, err := x.engine.activityType(def.Type)
	if err != nil {
		return err
	}
	logger := x.activityLogger(ai)

	switch ai.WorkState {
	case instance.Starting, instance.StartingMultiInstance:
		ai.WorkState = instance.WorkStateNone
		logger.Debug("activity started", slog.String(log.ActivityTypeKey, def.Type))
		x.publish(events.ActivityStarted, ai, nil)
		x.ScheduleTimers(ai.ID, &def.ScopeDefinition)
		if err := t.Execute(x, ai); err != nil {
			return err
		}
	case instance.StartingMultiContainer:
		ai.WorkState = instance.WorkStateNone
		x.publish(events.ActivityStarted, ai, map[string]interface{}{"multi_instance": true})
		if err := x.startMultiInstance(ai, def); err != nil {
			return err
		}
	case instance.Notifying:
		ai.WorkState = instance.WorkStateNone
		return x.notified(ai)
	default:
		logger.Debug("skipping work item", slog.String(log.WorkStateKey, string(ai.WorkState)))
		return nil
	}

	x.park(ai)
	return nil
}

// park marks an instance left running without a work state as waiting.
func (x *Execution) park(ai *instance.ActivityInstance) {
	if ai.IsEnded() || ai.WorkState != instance.WorkStateNone {
		return
	}
	ai.WorkState = instance.Waiting
	x.activityLogger(ai).Debug("activity waiting")
	x.publish(events.ActivityWaiting, ai, nil)
}

// notified tells the parent of ai that ai ended. The root completes the
// workflow once nothing in it is open.
func (x *Execution) notified(ai *instance.ActivityInstance) error {
	parent := x.wi.Parent(ai)
	if parent == nil {
		if x.wi.IsEnded() || x.wi.HasOpenChildren(instance.RootScopeID) {
			return nil
		}
		return x.endWorkflow()
	}
	if parent.IsEnded() {
		return nil
	}
	def := x.Activity(parent)
	if def == nil {
		return fmt.Errorf("unknown activity %q", parent.ActivityID)
	}
	t, err := x.engine.activityType(def.Type)
	if err != nil {
		return err
	}
	parentState := parent.WorkState
	if parentState == instance.Waiting {
		parent.WorkState = instance.WorkStateNone
	}
	if err := t.Ended(x, parent, ai); err != nil {
		return err
	}
	if parentState == instance.Waiting && !parent.IsEnded() && parent.WorkState == instance.WorkStateNone {
		parent.WorkState = instance.Waiting
	}
	return nil
}

func (x *Execution) endWorkflow() error {
	if err := x.wi.End(x.Now()); err != nil {
		return err
	}
	x.logger.Info("workflow instance completed")
	x.publish(events.InstanceCompleted, nil, nil)
	return nil
}

// handoff flushes and continues the async queue on the executor while the
// lock stays held.
func (x *Execution) handoff() (*instance.WorkflowInstance, error) {
	if err := x.engine.storage.Flush(x.ctx, x.wi); err != nil {
		return nil, x.fail(err)
	}
	snapshot, err := x.wi.Clone()
	if err != nil {
		return nil, x.fail(err)
	}
	snapshot.LockToken = ""

	x.async = true
	x.ctx = context.WithoutCancel(x.ctx)
	x.wi.TakeAsyncWork()
	continuation := func() {
		if _, err := x.run(); err != nil {
			x.logger.Error("async continuation failed", slog.Any("error", err))
		}
	}
	if err := x.engine.executor.Execute(continuation); err != nil {
		x.logger.Warn("executor rejected async continuation, running inline", slog.Any("error", err))
		continuation()
		return snapshot, nil
	}
	return snapshot, nil
}

// complete flushes and unlocks, then runs the work that needs the lock released.
func (x *Execution) complete() error {
	if err := x.engine.storage.FlushAndUnlock(x.ctx, x.wi); err != nil {
		return x.fail(err)
	}
	hooks := x.afterUnlock
	x.afterUnlock = nil
	for _, fn := range hooks {
		fn(x.ctx)
	}

	if x.wi.IsEnded() && x.wi.CallerWorkflowInstanceID != 0 {
		if err := x.engine.notifyCaller(x.ctx, x.wi); err != nil {
			x.logger.Error("failed to notify caller",
				slog.Uint64(log.CallerInstanceIDKey, x.wi.CallerWorkflowInstanceID),
				slog.Any("error", err),
			)
		}
	}

	// A child that ended inside a hook has already resumed this instance.
	if len(hooks) > 0 {
		fresh, err := x.engine.storage.GetInstance(x.ctx, x.wi.ID)
		if err != nil {
			x.logger.Warn("failed to reload instance", slog.Any("error", err))
			return nil
		}
		x.wi = fresh
	}
	return nil
}

// fail releases the lock without flushing and reports err.
func (x *Execution) fail(err error) error {
	if x.wi.LockToken != "" {
		if unlockErr := x.engine.storage.Unlock(context.WithoutCancel(x.ctx), x.wi); unlockErr != nil {
			x.logger.Warn("failed to unlock instance", slog.Any("error", unlockErr))
		}
	}
	x.engine.handleError(x.ctx, x.wi, err)
	return err
}
