package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/songzhibin97/process-engine/instance"
	"github.com/songzhibin97/process-engine/types"
)

var (
	// ErrWorkflowNotFound is returned when no workflow definition matches.
	ErrWorkflowNotFound = errors.New("workflow not found")
	// ErrInstanceNotFound is returned when no workflow instance matches.
	ErrInstanceNotFound = errors.New("workflow instance not found")
	// ErrInstanceExists is returned when creating an instance with a used id.
	ErrInstanceExists = errors.New("workflow instance already exists")
	// ErrLocked is returned when another execution attempt holds the instance lock.
	ErrLocked = errors.New("workflow instance is locked")
	// ErrLockLost is returned when the caller's lock token is no longer current.
	ErrLockLost = errors.New("workflow instance lock lost")
)

// WorkflowStore persists deployed workflow definitions.
type WorkflowStore interface {
	// SaveWorkflow stores a prepared definition.
	SaveWorkflow(ctx context.Context, wf *types.WorkflowDefinition) error

	// GetWorkflow returns a prepared copy of the definition.
	GetWorkflow(ctx context.Context, id string) (*types.WorkflowDefinition, error)

	// FindLatestWorkflowIDByName returns the id of the highest version deployed under name.
	FindLatestWorkflowIDByName(ctx context.Context, name string) (string, error)
}

// InstanceStore persists workflow instances and serializes execution attempts
// through lock tokens.
type InstanceStore interface {
	// CreateInstance stores a new instance locked by the caller and sets its lock token.
	CreateInstance(ctx context.Context, wi *instance.WorkflowInstance) error

	// Lock acquires the instance for one execution attempt.
	Lock(ctx context.Context, id uint64) (*instance.WorkflowInstance, error)

	// Flush persists the instance and keeps the lock.
	Flush(ctx context.Context, wi *instance.WorkflowInstance) error

	// FlushAndUnlock persists the instance and releases the lock.
	FlushAndUnlock(ctx context.Context, wi *instance.WorkflowInstance) error

	// Unlock releases the lock without persisting in-memory changes.
	Unlock(ctx context.Context, wi *instance.WorkflowInstance) error

	// GetInstance returns the last flushed state without locking.
	GetInstance(ctx context.Context, id uint64) (*instance.WorkflowInstance, error)
}

// Storage is the persistence contract consumed by the engine.
type Storage interface {
	WorkflowStore
	InstanceStore
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

func newLockToken() string {
	return uuid.NewString()
}

func encodeWorkflow(wf *types.WorkflowDefinition) ([]byte, error) {
	data, err := json.Marshal(wf)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal workflow %s: %w", wf.ID, err)
	}
	return data, nil
}

// decodeWorkflow unmarshals and prepares a definition, so every caller gets
// its own linked graph.
func decodeWorkflow(data []byte) (*types.WorkflowDefinition, error) {
	var wf types.WorkflowDefinition
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow: %w", err)
	}
	if err := types.Prepare(&wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

func encodeInstance(wi *instance.WorkflowInstance) ([]byte, error) {
	data, err := json.Marshal(wi)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal workflow instance %d: %w", wi.ID, err)
	}
	return data, nil
}

func decodeInstance(data []byte, token string) (*instance.WorkflowInstance, error) {
	var wi instance.WorkflowInstance
	if err := json.Unmarshal(data, &wi); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow instance: %w", err)
	}
	wi.Link()
	wi.LockToken = token
	return &wi, nil
}
