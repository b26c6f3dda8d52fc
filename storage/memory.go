package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/songzhibin97/process-engine/instance"
	"github.com/songzhibin97/process-engine/types"
)

type memoryWorkflow struct {
	name    string
	version int
	data    []byte
}

type memoryInstance struct {
	data      []byte
	lockToken string
}

// MemoryStorage is an in-memory implementation of the Storage interface.
// Values are kept as encoded documents so callers never share state.
type MemoryStorage struct {
	workflows map[string]memoryWorkflow
	instances map[uint64]*memoryInstance
	mu        sync.RWMutex
}

var _ Storage = (*MemoryStorage)(nil)

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		workflows: make(map[string]memoryWorkflow),
		instances: make(map[uint64]*memoryInstance),
	}
}

// SaveWorkflow saves a workflow to memory.
func (s *MemoryStorage) SaveWorkflow(ctx context.Context, wf *types.WorkflowDefinition) error {
	return withContextError(ctx, func() error {
		data, err := encodeWorkflow(wf)
		if err != nil {
			return err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.workflows[wf.ID] = memoryWorkflow{name: wf.Name, version: wf.Version, data: data}
		return nil
	})
}

// GetWorkflow retrieves a workflow from memory.
func (s *MemoryStorage) GetWorkflow(ctx context.Context, id string) (*types.WorkflowDefinition, error) {
	return withContext(ctx, func() (*types.WorkflowDefinition, error) {
		s.mu.RLock()
		wf, ok := s.workflows[id]
		s.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: id=%s", ErrWorkflowNotFound, id)
		}
		return decodeWorkflow(wf.data)
	})
}

// FindLatestWorkflowIDByName returns the highest version deployed under name.
func (s *MemoryStorage) FindLatestWorkflowIDByName(ctx context.Context, name string) (string, error) {
	return withContext(ctx, func() (string, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		latestID, latest := "", -1
		for id, wf := range s.workflows {
			if wf.name == name && (wf.version > latest || wf.version == latest && id > latestID) {
				latestID, latest = id, wf.version
			}
		}
		if latest < 0 {
			return "", fmt.Errorf("%w: name=%s", ErrWorkflowNotFound, name)
		}
		return latestID, nil
	})
}

// CreateInstance stores a new locked instance.
func (s *MemoryStorage) CreateInstance(ctx context.Context, wi *instance.WorkflowInstance) error {
	return withContextError(ctx, func() error {
		data, err := encodeInstance(wi)
		if err != nil {
			return err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, exists := s.instances[wi.ID]; exists {
			return fmt.Errorf("%w: id=%d", ErrInstanceExists, wi.ID)
		}
		token := newLockToken()
		s.instances[wi.ID] = &memoryInstance{data: data, lockToken: token}
		wi.LockToken = token
		return nil
	})
}

// Lock acquires the instance lock.
func (s *MemoryStorage) Lock(ctx context.Context, id uint64) (*instance.WorkflowInstance, error) {
	return withContext(ctx, func() (*instance.WorkflowInstance, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		rec, ok := s.instances[id]
		if !ok {
			return nil, fmt.Errorf("%w: id=%d", ErrInstanceNotFound, id)
		}
		if rec.lockToken != "" {
			return nil, fmt.Errorf("%w: id=%d", ErrLocked, id)
		}
		wi, err := decodeInstance(rec.data, newLockToken())
		if err != nil {
			return nil, err
		}
		rec.lockToken = wi.LockToken
		return wi, nil
	})
}

// Flush persists the instance and keeps the lock.
func (s *MemoryStorage) Flush(ctx context.Context, wi *instance.WorkflowInstance) error {
	return s.write(ctx, wi, false)
}

// FlushAndUnlock persists the instance and releases the lock.
func (s *MemoryStorage) FlushAndUnlock(ctx context.Context, wi *instance.WorkflowInstance) error {
	return s.write(ctx, wi, true)
}

func (s *MemoryStorage) write(ctx context.Context, wi *instance.WorkflowInstance, unlock bool) error {
	return withContextError(ctx, func() error {
		data, err := encodeInstance(wi)
		if err != nil {
			return err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		rec, err := s.owned(wi)
		if err != nil {
			return err
		}
		rec.data = data
		if unlock {
			rec.lockToken = ""
			wi.LockToken = ""
		}
		return nil
	})
}

// Unlock releases the lock and discards in-memory changes.
func (s *MemoryStorage) Unlock(ctx context.Context, wi *instance.WorkflowInstance) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		rec, err := s.owned(wi)
		if err != nil {
			return err
		}
		rec.lockToken = ""
		wi.LockToken = ""
		return nil
	})
}

func (s *MemoryStorage) owned(wi *instance.WorkflowInstance) (*memoryInstance, error) {
	rec, ok := s.instances[wi.ID]
	if !ok {
		return nil, fmt.Errorf("%w: id=%d", ErrInstanceNotFound, wi.ID)
	}
	if wi.LockToken == "" || rec.lockToken != wi.LockToken {
		return nil, fmt.Errorf("%w: id=%d", ErrLockLost, wi.ID)
	}
	return rec, nil
}

// GetInstance returns the last flushed state of an instance.
func (s *MemoryStorage) GetInstance(ctx context.Context, id uint64) (*instance.WorkflowInstance, error) {
	return withContext(ctx, func() (*instance.WorkflowInstance, error) {
		s.mu.RLock()
		rec, ok := s.instances[id]
		var data []byte
		if ok {
			data = rec.data
		}
		s.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: id=%d", ErrInstanceNotFound, id)
		}
		return decodeInstance(data, "")
	})
}
