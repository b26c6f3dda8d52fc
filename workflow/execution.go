package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/songzhibin97/process-engine/datatype"
	"github.com/songzhibin97/process-engine/events"
	"github.com/songzhibin97/process-engine/instance"
	"github.com/songzhibin97/process-engine/log"
	"github.com/songzhibin97/process-engine/types"
)

// Execution is one execution attempt on a locked workflow instance. Activity
// types use it to read the instance and to schedule further work.
type Execution struct {
	engine *WorkflowEngine
	ctx    context.Context
	wi     *instance.WorkflowInstance
	def    *types.WorkflowDefinition
	logger *slog.Logger

	// async is set once the attempt continues on the executor. All work
	// created afterwards goes on the synchronous queue.
	async bool
	steps int

	// afterUnlock runs once the instance lock is released.
	afterUnlock []func(ctx context.Context)
}

func (e *WorkflowEngine) newExecution(ctx context.Context, wi *instance.WorkflowInstance, def *types.WorkflowDefinition) *Execution {
	return &Execution{
		engine: e,
		ctx:    ctx,
		wi:     wi,
		def:    def,
		logger: e.logger.With(
			slog.Uint64(log.InstanceIDKey, wi.ID),
			slog.String(log.WorkflowIDKey, wi.WorkflowID),
		),
	}
}

// Context returns the context of the attempt.
func (x *Execution) Context() context.Context { return x.ctx }

// Instance returns the locked workflow instance.
func (x *Execution) Instance() *instance.WorkflowInstance { return x.wi }

// Definition returns the workflow definition of the instance.
func (x *Execution) Definition() *types.WorkflowDefinition { return x.def }

// Activity returns the definition of ai.
func (x *Execution) Activity(ai *instance.ActivityInstance) *types.ActivityDefinition {
	return x.def.Activity(ai.ActivityID)
}

// Logger returns a logger carrying the instance fields.
func (x *Execution) Logger() *slog.Logger { return x.logger }

// Now returns the engine clock's current time.
func (x *Execution) Now() time.Time { return x.engine.clock.Now() }

func (x *Execution) activityLogger(ai *instance.ActivityInstance) *slog.Logger {
	return x.logger.With(
		slog.String(log.ActivityIDKey, ai.ActivityID),
		slog.Int64(log.ActivityInstanceIDKey, ai.ID),
	)
}

func (x *Execution) publish(eventType string, ai *instance.ActivityInstance, data map[string]interface{}) {
	event := events.Event{
		Type:       eventType,
		WorkflowID: x.wi.WorkflowID,
		InstanceID: x.wi.ID,
		Data:       data,
	}
	if ai != nil {
		event.ActivityInstanceID = ai.ID
		event.ActivityID = ai.ActivityID
	}
	x.engine.publishEvent(event)
}

// Onwards ends ai if needed and moves on: a multi-instance child notifies its
// container, any other instance takes every outgoing transition whose
// condition holds and notifies its parent when none does.
func (x *Execution) Onwards(ai *instance.ActivityInstance) error {
	if !ai.IsEnded() {
		if err := x.endActivity(ai); err != nil {
			return err
		}
	}

	if parent := x.wi.Parent(ai); parent != nil && parent.ActivityID == ai.ActivityID {
		x.notifyParent(ai)
		return nil
	}

	def := x.Activity(ai)
	taken := false
	for _, t := range def.Outgoing() {
		ok, err := x.Evaluate(ai, t.Condition)
		if err != nil {
			return fmt.Errorf("transition %s -> %s: %w", t.FromID, t.ToID, err)
		}
		if !ok {
			continue
		}
		if err := x.TakeTransition(ai, t); err != nil {
			return err
		}
		taken = true
	}
	if !taken {
		x.notifyParent(ai)
	}
	return nil
}

// End ends ai without taking transitions and notifies its parent.
func (x *Execution) End(ai *instance.ActivityInstance) error {
	if !ai.IsEnded() {
		if err := x.endActivity(ai); err != nil {
			return err
		}
	}
	x.notifyParent(ai)
	return nil
}

func (x *Execution) endActivity(ai *instance.ActivityInstance) error {
	if err := x.wi.EndActivityInstance(ai, x.Now()); err != nil {
		return err
	}
	x.activityLogger(ai).Debug("activity ended")
	x.publish(events.ActivityCompleted, ai, nil)
	return nil
}

// notifyParent queues ai so that its parent hears about its end.
func (x *Execution) notifyParent(ai *instance.ActivityInstance) {
	ai.WorkState = instance.Notifying
	x.wi.PushWork(ai.ID)
}

// TakeTransition starts the target of t in the scope of ai.
func (x *Execution) TakeTransition(ai *instance.ActivityInstance, t *types.TransitionDefinition) error {
	_, err := x.CreateActivityInstance(ai.ParentID, t.Target())
	return err
}

// CreateActivityInstance creates and queues an instance of def under scopeID.
func (x *Execution) CreateActivityInstance(scopeID int64, def *types.ActivityDefinition) (*instance.ActivityInstance, error) {
	async, err := x.isAsync(def)
	if err != nil {
		return nil, err
	}
	return x.wi.CreateActivityInstance(scopeID, def, async, x.Now())
}

func (x *Execution) isAsync(def *types.ActivityDefinition) (bool, error) {
	if def == nil {
		return false, instance.ErrNilDefinition
	}
	if x.async {
		return false, nil
	}
	t, err := x.engine.activityType(def.Type)
	if err != nil {
		return false, err
	}
	return t.IsAsync(def), nil
}

// StartActivities creates an instance of every start activity of scope under
// scopeID and returns how many were created.
func (x *Execution) StartActivities(scopeID int64, scope *types.ScopeDefinition) (int, error) {
	starts := scope.StartActivities()
	for _, def := range starts {
		if _, err := x.CreateActivityInstance(scopeID, def); err != nil {
			return 0, err
		}
	}
	return len(starts), nil
}

// Resolve evaluates b in the scope of ai.
func (x *Execution) Resolve(ai *instance.ActivityInstance, b *types.BindingDefinition) (datatype.TypedValue, error) {
	return x.engine.resolver.Resolve(b, x.wi.ScopeRef(ai.ID))
}

// Evaluate evaluates a transition condition in the scope of ai. The empty
// condition holds.
func (x *Execution) Evaluate(ai *instance.ActivityInstance, condition string) (bool, error) {
	if condition == "" {
		return true, nil
	}
	return x.engine.evaluator.Evaluate(condition, x.wi.ScopeRef(ai.ID).Env())
}

// SetVariable writes to the nearest scope of ai declaring id, or creates an
// ad-hoc variable in the scope containing ai.
func (x *Execution) SetVariable(ai *instance.ActivityInstance, id string, value datatype.TypedValue) error {
	return x.wi.SetOrCreateVariable(ai.ID, id, value, ai.ParentID)
}

// ScheduleTimers adds a job for every timer declared by scope, owned by scopeID.
func (x *Execution) ScheduleTimers(scopeID int64, scope *types.ScopeDefinition) {
	now := x.Now()
	for _, td := range scope.Timers {
		job := &instance.TimerJob{
			ID:              uuid.NewString(),
			ScopeInstanceID: scopeID,
			TimerID:         td.ID,
			DueAt:           now.Add(td.Duration),
		}
		x.wi.AddTimerJob(job)
		x.logger.Debug("timer scheduled",
			slog.String(log.TimerIDKey, td.ID),
			slog.Time(log.DueAtKey, job.DueAt),
		)
	}
}

// AfterUnlock runs fn once the attempt released the instance lock.
func (x *Execution) AfterUnlock(fn func(ctx context.Context)) {
	x.afterUnlock = append(x.afterUnlock, fn)
}
