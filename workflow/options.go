package workflow

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/songzhibin97/process-engine/config"
	"github.com/songzhibin97/process-engine/datatype"
	"github.com/songzhibin97/process-engine/rules"
)

type options struct {
	logger         *slog.Logger
	tracerProvider trace.TracerProvider
	clock          clock.Clock
	executor       Executor
	evaluator      rules.Evaluator
	scripts        rules.ScriptService
	dataTypes      *datatype.Registry
	activityTypes  map[string]ActivityType
	errorHandler   ErrorHandler

	workLimit        int
	asyncWorkers     int
	definitionCache  int
	definitionTTL    time.Duration
	actionMaxRetries int
	actionRetryDelay time.Duration
}

func newOptions() *options {
	exprs := rules.NewExprEvaluator()
	return &options{
		logger:           slog.Default(),
		tracerProvider:   noop.NewTracerProvider(),
		clock:            clock.New(),
		evaluator:        exprs,
		scripts:          exprs,
		dataTypes:        datatype.NewRegistry(),
		activityTypes:    make(map[string]ActivityType),
		workLimit:        DefaultWorkLimit,
		asyncWorkers:     DefaultAsyncWorkers,
		definitionCache:  DefaultDefinitionCache,
		definitionTTL:    DefaultDefinitionTTL,
		actionMaxRetries: DefaultActionMaxRetries,
		actionRetryDelay: DefaultActionRetryDelay,
	}
}

// Option configures a WorkflowEngine.
type Option func(*options)

// WithLogger sets the logger used by the engine and its event bus.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTracerProvider sets the provider of the tracer that wraps every
// execution attempt in a span.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracerProvider = tp
		}
	}
}

// WithClock sets the time source. Tests use clock.NewMock.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithExecutor sets where asynchronous continuations run.
func WithExecutor(executor Executor) Option {
	return func(o *options) {
		o.executor = executor
	}
}

// WithEvaluator sets the transition condition evaluator.
func WithEvaluator(evaluator rules.Evaluator) Option {
	return func(o *options) {
		if evaluator != nil {
			o.evaluator = evaluator
		}
	}
}

// WithScriptService sets the service compiling and running expression bindings.
func WithScriptService(scripts rules.ScriptService) Option {
	return func(o *options) {
		if scripts != nil {
			o.scripts = scripts
		}
	}
}

// WithDataTypes sets the data-type registry.
func WithDataTypes(registry *datatype.Registry) Option {
	return func(o *options) {
		if registry != nil {
			o.dataTypes = registry
		}
	}
}

// WithActivityType registers an activity type at construction.
func WithActivityType(name string, t ActivityType) Option {
	return func(o *options) {
		o.activityTypes[name] = t
	}
}

// WithErrorHandler sets the handler called after a failed execution attempt.
func WithErrorHandler(handler ErrorHandler) Option {
	return func(o *options) {
		o.errorHandler = handler
	}
}

// WithWorkLimit bounds the work items processed by one execution attempt.
// Zero disables the limit.
func WithWorkLimit(limit int) Option {
	return func(o *options) {
		o.workLimit = limit
	}
}

// WithAsyncWorkers sets the size of the default executor pool.
func WithAsyncWorkers(workers int) Option {
	return func(o *options) {
		if workers > 0 {
			o.asyncWorkers = workers
		}
	}
}

// WithDefinitionCache sets the capacity and TTL of the definition cache.
func WithDefinitionCache(capacity int, ttl time.Duration) Option {
	return func(o *options) {
		o.definitionCache = capacity
		o.definitionTTL = ttl
	}
}

// WithActionRetryPolicy sets the retry defaults for action activities that
// do not configure their own.
func WithActionRetryPolicy(maxRetries int, delay time.Duration) Option {
	return func(o *options) {
		o.actionMaxRetries = maxRetries
		o.actionRetryDelay = delay
	}
}

// FromConfig maps the engine section of a loaded configuration to options.
func FromConfig(cfg config.Engine) []Option {
	opts := []Option{WithWorkLimit(cfg.WorkLimit)}
	if cfg.AsyncWorkers > 0 {
		opts = append(opts, WithAsyncWorkers(cfg.AsyncWorkers))
	}
	if cfg.DefinitionCache > 0 || cfg.DefinitionTTL > 0 {
		opts = append(opts, WithDefinitionCache(cfg.DefinitionCache, cfg.DefinitionTTL))
	}
	if cfg.ActionMaxRetries > 0 || cfg.ActionRetryDelay > 0 {
		opts = append(opts, WithActionRetryPolicy(cfg.ActionMaxRetries, cfg.ActionRetryDelay))
	}
	return opts
}
