package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jellydator/ttlcache/v3"
	"github.com/songzhibin97/gkit/generator"
	"go.opentelemetry.io/otel/trace"

	"github.com/songzhibin97/process-engine/binding"
	"github.com/songzhibin97/process-engine/datatype"
	"github.com/songzhibin97/process-engine/events"
	"github.com/songzhibin97/process-engine/instance"
	"github.com/songzhibin97/process-engine/log"
	"github.com/songzhibin97/process-engine/rules"
	"github.com/songzhibin97/process-engine/storage"
	"github.com/songzhibin97/process-engine/types"
)

// Standard error definitions
var (
	ErrWorkflowNotFound            = storage.ErrWorkflowNotFound
	ErrInstanceNotFound            = storage.ErrInstanceNotFound
	ErrActivityInstanceNotFound    = errors.New("activity instance not found")
	ErrActivityTypeNotRegistered   = errors.New("activity type not registered")
	ErrActionNotRegistered         = errors.New("action not registered")
	ErrNotWaiting                  = errors.New("activity instance is not waiting")
	ErrInstanceEnded               = errors.New("workflow instance already ended")
	ErrWorkLimitExceeded           = errors.New("work limit exceeded")
	ErrEngineStopped               = errors.New("engine is stopped")
	ErrMissingWorkflowOrIdentifier = errors.New("workflow id or name is required")
)

// Defaults applied by NewWorkflowEngine.
const (
	DefaultWorkLimit        = 10000
	DefaultAsyncWorkers     = 4
	DefaultDefinitionCache  = 128
	DefaultDefinitionTTL    = time.Hour
	DefaultActionMaxRetries = 3
	DefaultActionRetryDelay = time.Second
)

// ErrorHandler is called after an execution attempt failed and the instance
// lock was released.
type ErrorHandler func(ctx context.Context, wi *instance.WorkflowInstance, err error)

// WorkflowEngine deploys workflow definitions and drives their instances.
type WorkflowEngine struct {
	generate  generator.Generator
	storage   storage.Storage
	evaluator rules.Evaluator
	scripts   rules.ScriptService
	dataTypes *datatype.Registry
	resolver  *binding.Resolver
	eventBus  *events.EventBus
	executor  Executor
	clock     clock.Clock
	logger    *slog.Logger
	tracer    trace.Tracer

	definitions *ttlcache.Cache[string, *types.WorkflowDefinition]

	mu            sync.RWMutex
	activityTypes map[string]ActivityType
	actions       map[string]Action
	errorHandler  ErrorHandler

	workLimit         int
	defaultMaxRetries int
	defaultRetryDelay time.Duration

	stopped bool
}

// NewWorkflowEngine creates an engine with the given id generator and storage.
// A nil storage falls back to the in-memory store.
func NewWorkflowEngine(generate generator.Generator, store storage.Storage, opts ...Option) (*WorkflowEngine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}

	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}

	e := &WorkflowEngine{
		generate:          generate,
		storage:           store,
		evaluator:         o.evaluator,
		scripts:           o.scripts,
		dataTypes:         o.dataTypes,
		executor:          o.executor,
		clock:             o.clock,
		logger:            o.logger,
		tracer:            o.tracerProvider.Tracer("github.com/songzhibin97/process-engine/workflow"),
		activityTypes:     make(map[string]ActivityType),
		actions:           make(map[string]Action),
		errorHandler:      o.errorHandler,
		workLimit:         o.workLimit,
		defaultMaxRetries: o.actionMaxRetries,
		defaultRetryDelay: o.actionRetryDelay,
		eventBus:          events.NewEventBus(events.WithLogger(o.logger)),
	}
	if e.executor == nil {
		e.executor = NewPoolExecutor(o.asyncWorkers, o.logger)
	}
	e.resolver = binding.NewResolver(e.scripts, e.dataTypes)
	e.definitions = ttlcache.New[string, *types.WorkflowDefinition](
		ttlcache.WithTTL[string, *types.WorkflowDefinition](o.definitionTTL),
		ttlcache.WithCapacity[string, *types.WorkflowDefinition](uint64(o.definitionCache)),
	)

	for name, t := range builtinActivityTypes(e) {
		e.activityTypes[name] = t
	}
	for name, t := range o.activityTypes {
		e.activityTypes[name] = t
	}
	return e, nil
}

// SubscribeEvent subscribes an event handler to a specific event type.
func (e *WorkflowEngine) SubscribeEvent(eventType string, handler events.EventHandler) (unsubscribe func()) {
	return e.eventBus.Subscribe(eventType, handler)
}

// SetErrorHandler sets a custom error handler for failed execution attempts.
func (e *WorkflowEngine) SetErrorHandler(handler ErrorHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errorHandler = handler
}

// GenerateID generates a unique ID using the configured generator.
func (e *WorkflowEngine) GenerateID() (uint64, error) {
	return e.generate.NextID()
}

// RegisterActivityType adds or replaces the activity type used for definitions
// whose Type equals name.
func (e *WorkflowEngine) RegisterActivityType(name string, t ActivityType) error {
	if name == "" || t == nil {
		return errors.New("name and activity type are required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.activityTypes[name] = t
	return nil
}

// RegisterAction registers an action for use in action activities.
func (e *WorkflowEngine) RegisterAction(ctx context.Context, name string, action Action) error {
	if name == "" || action == nil {
		return errors.New("name and action are required")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		e.mu.Lock()
		defer e.mu.Unlock()
		e.actions[name] = action
		return nil
	}
}

func (e *WorkflowEngine) activityType(name string) (ActivityType, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.activityTypes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrActivityTypeNotRegistered, name)
	}
	return t, nil
}

func (e *WorkflowEngine) action(name string) (Action, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.actions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrActionNotRegistered, name)
	}
	return a, nil
}

// RegisterWorkflow validates, versions and persists a workflow definition.
// An empty ID is generated and a zero Version becomes one past the latest
// version deployed under the same name. wf must not be modified afterwards.
func (e *WorkflowEngine) RegisterWorkflow(ctx context.Context, wf *types.WorkflowDefinition) error {
	if wf == nil {
		return fmt.Errorf("%w: nil definition", types.ErrInvalidDefinition)
	}
	if wf.ID == "" {
		id, err := e.GenerateID()
		if err != nil {
			return fmt.Errorf("failed to generate ID: %w", err)
		}
		wf.ID = strconv.FormatUint(id, 10)
	}
	if err := types.Prepare(wf); err != nil {
		return err
	}
	if err := e.validateScope(&wf.ScopeDefinition); err != nil {
		return fmt.Errorf("workflow %s: %w", wf.ID, err)
	}

	if wf.Version == 0 {
		wf.Version = 1
		if wf.Name != "" {
			latest, err := e.latestWorkflow(ctx, wf.Name)
			if err == nil {
				wf.Version = latest.Version + 1
			} else if !errors.Is(err, ErrWorkflowNotFound) {
				return err
			}
		}
	}
	wf.DeployedAt = e.clock.Now()

	if err := e.storage.SaveWorkflow(ctx, wf); err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}
	e.definitions.Set(wf.ID, wf, ttlcache.DefaultTTL)

	e.logger.Info("workflow registered",
		slog.String(log.WorkflowIDKey, wf.ID),
		slog.String(log.WorkflowNameKey, wf.Name),
		slog.Int(log.WorkflowVersionKey, wf.Version),
	)
	e.publishEvent(events.Event{
		Type:       events.WorkflowRegistered,
		WorkflowID: wf.ID,
		Data:       map[string]interface{}{"name": wf.Name, "version": wf.Version},
	})
	return nil
}

// validateScope checks that every activity has a registered type and that
// its bindings and conditions compile.
func (e *WorkflowEngine) validateScope(scope *types.ScopeDefinition) error {
	for _, a := range scope.Activities {
		t, err := e.activityType(a.Type)
		if err != nil {
			return fmt.Errorf("activity %s: %w", a.ID, err)
		}
		for _, f := range t.Bindings(a) {
			if f.Binding == nil {
				if f.Required {
					return fmt.Errorf("%w: activity %s requires %s", types.ErrInvalidDefinition, a.ID, f.Name)
				}
				continue
			}
			if err := e.resolver.Validate(f.Binding); err != nil {
				return fmt.Errorf("activity %s %s: %w", a.ID, f.Name, err)
			}
		}
		if a.MultiInstance != nil {
			if err := e.resolver.Validate(a.MultiInstance.Collection); err != nil {
				return fmt.Errorf("activity %s collection: %w", a.ID, err)
			}
		}
		if err := e.validateScope(&a.ScopeDefinition); err != nil {
			return err
		}
	}
	for _, t := range scope.Transitions {
		if t.Condition == "" || e.scripts == nil {
			continue
		}
		if _, err := e.scripts.Compile(t.Condition); err != nil {
			return fmt.Errorf("%w: transition %s -> %s: %v", types.ErrInvalidDefinition, t.FromID, t.ToID, err)
		}
	}
	return nil
}

func (e *WorkflowEngine) latestWorkflow(ctx context.Context, name string) (*types.WorkflowDefinition, error) {
	id, err := e.storage.FindLatestWorkflowIDByName(ctx, name)
	if err != nil {
		return nil, err
	}
	return e.getWorkflow(ctx, id)
}

// getWorkflow retrieves a workflow by ID, checking cache first then storage.
func (e *WorkflowEngine) getWorkflow(ctx context.Context, workflowID string) (*types.WorkflowDefinition, error) {
	if item := e.definitions.Get(workflowID); item != nil {
		return item.Value(), nil
	}

	wf, err := e.storage.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	e.definitions.Set(wf.ID, wf, ttlcache.DefaultTTL)
	return wf, nil
}

// GetWorkflow retrieves a workflow by ID.
func (e *WorkflowEngine) GetWorkflow(ctx context.Context, workflowID string) (*types.WorkflowDefinition, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return e.getWorkflow(ctx, workflowID)
	}
}

// GetWorkflowInstance returns the last flushed state of an instance.
func (e *WorkflowEngine) GetWorkflowInstance(ctx context.Context, instanceID uint64) (*instance.WorkflowInstance, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		wi, err := e.storage.GetInstance(ctx, instanceID)
		if err != nil {
			return nil, fmt.Errorf("failed to get instance: %w", err)
		}
		return wi, nil
	}
}

// publishEvent publishes an event asynchronously to the event bus.
func (e *WorkflowEngine) publishEvent(event events.Event) {
	if event.Time.IsZero() {
		event.Time = e.clock.Now()
	}
	if !e.eventBus.HasSubscribers(event.Type) {
		return
	}
	go e.eventBus.Publish(context.Background(), event)
}

func (e *WorkflowEngine) handleError(ctx context.Context, wi *instance.WorkflowInstance, err error) {
	e.logger.Error("execution attempt failed",
		slog.Uint64(log.InstanceIDKey, wi.ID),
		slog.String(log.WorkflowIDKey, wi.WorkflowID),
		slog.Any("error", err),
	)
	e.publishEvent(events.Event{
		Type:       events.ErrorOccurred,
		WorkflowID: wi.WorkflowID,
		InstanceID: wi.ID,
		Data:       map[string]interface{}{"error": err.Error()},
	})

	e.mu.RLock()
	handler := e.errorHandler
	e.mu.RUnlock()
	if handler != nil {
		handler(ctx, wi, err)
	}
}

func (e *WorkflowEngine) isStopped() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stopped
}

// Stop waits for asynchronous continuations and shuts the event bus down.
func (e *WorkflowEngine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.mu.Unlock()

	if err := e.executor.Stop(ctx); err != nil {
		return err
	}
	e.eventBus.Stop()
	return nil
}
