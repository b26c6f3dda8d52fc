package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/songzhibin97/process-engine/datatype"
	"github.com/songzhibin97/process-engine/instance"
	"github.com/songzhibin97/process-engine/log"
	"github.com/songzhibin97/process-engine/types"
)

// Action defines the interface for service tasks run by action activities.
type Action interface {
	// Execute runs the action with the variables visible to the activity.
	Execute(ctx context.Context, variables map[string]interface{}) (interface{}, error)
}

// ActionFunc is a function adapter for Action.
type ActionFunc func(ctx context.Context, variables map[string]interface{}) (interface{}, error)

// Execute implements the Action interface.
func (f ActionFunc) Execute(ctx context.Context, variables map[string]interface{}) (interface{}, error) {
	return f(ctx, variables)
}

// actionActivity runs a registered Action with retries and stores its result.
type actionActivity struct {
	BaseActivityType
	engine *WorkflowEngine
}

func (a *actionActivity) Execute(x *Execution, ai *instance.ActivityInstance) error {
	def := x.Activity(ai)
	action, err := a.engine.action(def.Action)
	if err != nil {
		return err
	}

	result, err := a.executeWithRetry(x, ai, action, def)
	if err != nil {
		return err
	}
	if def.ResultVariable != "" {
		if err := x.SetVariable(ai, def.ResultVariable, datatype.TypedValue{Value: result}); err != nil {
			return err
		}
	}
	return x.Onwards(ai)
}

// executeWithRetry runs the action once plus up to the configured number of
// retries with a constant delay.
func (a *actionActivity) executeWithRetry(x *Execution, ai *instance.ActivityInstance, action Action, def *types.ActivityDefinition) (interface{}, error) {
	maxRetries := a.engine.defaultMaxRetries
	retryDelay := a.engine.defaultRetryDelay
	if def.MaxRetries > 0 {
		maxRetries = def.MaxRetries
	}
	if def.RetryDelaySec > 0 {
		retryDelay = time.Duration(def.RetryDelaySec) * time.Second
	}

	ctx := x.Context()
	variables := x.wi.ScopeRef(ai.ID).Env()
	logger := x.activityLogger(ai).With(slog.String(log.ActionKey, def.Action))

	var result interface{}
	attempt := 0
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(retryDelay), uint64(maxRetries)),
		ctx,
	)
	err := backoff.RetryNotify(func() error {
		attempt++
		r, err := action.Execute(ctx, variables)
		if err != nil {
			return err
		}
		result = r
		return nil
	}, policy, func(err error, next time.Duration) {
		logger.Warn("action failed, retrying",
			slog.Int(log.AttemptKey, attempt),
			slog.Duration("retry_in", next),
			slog.Any("error", err),
		)
	})
	if err != nil {
		return nil, fmt.Errorf("action %s failed after %d attempts: %w", def.Action, attempt, err)
	}
	return result, nil
}

func (a *actionActivity) IsAsync(def *types.ActivityDefinition) bool {
	return def.Async
}
