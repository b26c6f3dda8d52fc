package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/songzhibin97/process-engine/instance"
	"github.com/songzhibin97/process-engine/types"
)

const (
	workflowPrefix     = "workflow:"
	workflowNamePrefix = "workflow-name:"
	instancePrefix     = "instance:"
	lockPrefix         = "instance-lock:"
)

// flushScript writes the instance document only while the caller's token
// owns the lock. ARGV: token, document, unlock flag, lock ttl in ms.
var flushScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
	return 0
end
redis.call("SET", KEYS[2], ARGV[2])
if ARGV[3] == "1" then
	redis.call("DEL", KEYS[1])
elseif tonumber(ARGV[4]) > 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[4])
end
return 1
`)

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
	return 0
end
redis.call("DEL", KEYS[1])
return 1
`)

// RedisStorage is a Redis-backed implementation of the Storage interface.
type RedisStorage struct {
	client  *redis.Client
	lockTTL time.Duration
}

var _ Storage = (*RedisStorage)(nil)

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
	// LockTTL bounds how long a crashed execution attempt keeps an instance
	// locked. Zero means locks never expire.
	LockTTL time.Duration
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStorage{client: client, lockTTL: opts.LockTTL}, nil
}

func instanceKey(id uint64) string { return fmt.Sprintf("%s%d", instancePrefix, id) }

func lockKey(id uint64) string { return fmt.Sprintf("%s%d", lockPrefix, id) }

// SaveWorkflow stores the definition and indexes its version under its name.
func (s *RedisStorage) SaveWorkflow(ctx context.Context, wf *types.WorkflowDefinition) error {
	return withContextError(ctx, func() error {
		data, err := encodeWorkflow(wf)
		if err != nil {
			return err
		}
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, workflowPrefix+wf.ID, data, 0)
			if wf.Name != "" {
				pipe.ZAdd(ctx, workflowNamePrefix+wf.Name, &redis.Z{Score: float64(wf.Version), Member: wf.ID})
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to save workflow %s in Redis: %w", wf.ID, err)
		}
		return nil
	})
}

// GetWorkflow retrieves a workflow from Redis.
func (s *RedisStorage) GetWorkflow(ctx context.Context, id string) (*types.WorkflowDefinition, error) {
	return withContext(ctx, func() (*types.WorkflowDefinition, error) {
		key := workflowPrefix + id
		data, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: key=%s", ErrWorkflowNotFound, key)
		} else if err != nil {
			return nil, fmt.Errorf("failed to get %s from Redis: %w", key, err)
		}
		return decodeWorkflow(data)
	})
}

// FindLatestWorkflowIDByName reads the highest scored member of the name index.
func (s *RedisStorage) FindLatestWorkflowIDByName(ctx context.Context, name string) (string, error) {
	return withContext(ctx, func() (string, error) {
		ids, err := s.client.ZRevRange(ctx, workflowNamePrefix+name, 0, 0).Result()
		if err != nil {
			return "", fmt.Errorf("failed to look up workflow %s in Redis: %w", name, err)
		}
		if len(ids) == 0 {
			return "", fmt.Errorf("%w: name=%s", ErrWorkflowNotFound, name)
		}
		return ids[0], nil
	})
}

// CreateInstance stores a new instance and takes its lock.
func (s *RedisStorage) CreateInstance(ctx context.Context, wi *instance.WorkflowInstance) error {
	return withContextError(ctx, func() error {
		data, err := encodeInstance(wi)
		if err != nil {
			return err
		}
		token := newLockToken()
		if ok, err := s.client.SetNX(ctx, lockKey(wi.ID), token, s.lockTTL).Result(); err != nil {
			return fmt.Errorf("failed to lock instance %d in Redis: %w", wi.ID, err)
		} else if !ok {
			return fmt.Errorf("%w: id=%d", ErrInstanceExists, wi.ID)
		}
		created, err := s.client.SetNX(ctx, instanceKey(wi.ID), data, 0).Result()
		if err != nil || !created {
			s.client.Del(ctx, lockKey(wi.ID))
			if err != nil {
				return fmt.Errorf("failed to create instance %d in Redis: %w", wi.ID, err)
			}
			return fmt.Errorf("%w: id=%d", ErrInstanceExists, wi.ID)
		}
		wi.LockToken = token
		return nil
	})
}

// Lock acquires the instance lock with SETNX.
func (s *RedisStorage) Lock(ctx context.Context, id uint64) (*instance.WorkflowInstance, error) {
	return withContext(ctx, func() (*instance.WorkflowInstance, error) {
		token := newLockToken()
		ok, err := s.client.SetNX(ctx, lockKey(id), token, s.lockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to lock instance %d in Redis: %w", id, err)
		}
		if !ok {
			if n, _ := s.client.Exists(ctx, instanceKey(id)).Result(); n == 0 {
				return nil, fmt.Errorf("%w: id=%d", ErrInstanceNotFound, id)
			}
			return nil, fmt.Errorf("%w: id=%d", ErrLocked, id)
		}

		data, err := s.client.Get(ctx, instanceKey(id)).Bytes()
		if err != nil {
			unlockScript.Run(ctx, s.client, []string{lockKey(id)}, token)
			if errors.Is(err, redis.Nil) {
				return nil, fmt.Errorf("%w: id=%d", ErrInstanceNotFound, id)
			}
			return nil, fmt.Errorf("failed to get instance %d from Redis: %w", id, err)
		}
		return decodeInstance(data, token)
	})
}

// Flush persists the instance and refreshes the lock TTL.
func (s *RedisStorage) Flush(ctx context.Context, wi *instance.WorkflowInstance) error {
	return s.write(ctx, wi, false)
}

// FlushAndUnlock persists the instance and releases the lock.
func (s *RedisStorage) FlushAndUnlock(ctx context.Context, wi *instance.WorkflowInstance) error {
	return s.write(ctx, wi, true)
}

func (s *RedisStorage) write(ctx context.Context, wi *instance.WorkflowInstance, unlock bool) error {
	return withContextError(ctx, func() error {
		data, err := encodeInstance(wi)
		if err != nil {
			return err
		}
		flag := "0"
		if unlock {
			flag = "1"
		}
		ok, err := flushScript.Run(ctx, s.client,
			[]string{lockKey(wi.ID), instanceKey(wi.ID)},
			wi.LockToken, data, flag, s.lockTTL.Milliseconds(),
		).Int()
		if err != nil {
			return fmt.Errorf("failed to flush instance %d to Redis: %w", wi.ID, err)
		}
		if ok == 0 {
			return fmt.Errorf("%w: id=%d", ErrLockLost, wi.ID)
		}
		if unlock {
			wi.LockToken = ""
		}
		return nil
	})
}

// Unlock releases the lock without writing the instance.
func (s *RedisStorage) Unlock(ctx context.Context, wi *instance.WorkflowInstance) error {
	return withContextError(ctx, func() error {
		ok, err := unlockScript.Run(ctx, s.client, []string{lockKey(wi.ID)}, wi.LockToken).Int()
		if err != nil {
			return fmt.Errorf("failed to unlock instance %d in Redis: %w", wi.ID, err)
		}
		if ok == 0 {
			return fmt.Errorf("%w: id=%d", ErrLockLost, wi.ID)
		}
		wi.LockToken = ""
		return nil
	})
}

// GetInstance retrieves the last flushed instance from Redis.
func (s *RedisStorage) GetInstance(ctx context.Context, id uint64) (*instance.WorkflowInstance, error) {
	return withContext(ctx, func() (*instance.WorkflowInstance, error) {
		data, err := s.client.Get(ctx, instanceKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: id=%d", ErrInstanceNotFound, id)
		} else if err != nil {
			return nil, fmt.Errorf("failed to get instance %d from Redis: %w", id, err)
		}
		return decodeInstance(data, "")
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
