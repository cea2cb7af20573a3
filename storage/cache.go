package storage

import (
	"context"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/VibeCode-Max/bright-flow-mind/domain"
)

type backend interface {
	ListTasks(ctx context.Context, boardID string) ([]domain.Task, error)
	InsertTask(ctx context.Context, boardID string, n domain.NewTask) (domain.Task, error)
	UpdateTask(ctx context.Context, boardID, id string, patches ...domain.Patch) error
	MoveTask(ctx context.Context, boardID, id string, col domain.ColumnID, position int) error
	DeleteTask(ctx context.Context, boardID, id string) error
}

// Cache wraps a task store with a Redis copy of each board's task list.
// Every successful mutation bumps the board's version and drops the entry so
// the next read sees the store's canonical order. A read only writes its list
// back if the version it started with is still current.
type Cache struct {
	base   backend
	redis  *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration, logger *log.Logger) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Cache{base: base, redis: client, ttl: ttl, logger: logger}
}

func (c *Cache) ListTasks(ctx context.Context, boardID string) ([]domain.Task, error) {
	if tasks, ok := c.loadTasks(ctx, boardID); ok {
		return tasks, nil
	}

	version, versionOK := c.version(ctx, boardID)
	tasks, err := c.base.ListTasks(ctx, boardID)
	if err != nil {
		return nil, err
	}

	if versionOK {
		c.storeTasks(ctx, boardID, tasks, version)
	}
	return tasks, nil
}

func (c *Cache) InsertTask(ctx context.Context, boardID string, n domain.NewTask) (domain.Task, error) {
	task, err := c.base.InsertTask(ctx, boardID, n)
	if err != nil {
		return domain.Task{}, err
	}
	c.Invalidate(ctx, boardID)
	return task, nil
}

func (c *Cache) UpdateTask(ctx context.Context, boardID, id string, patches ...domain.Patch) error {
	if err := c.base.UpdateTask(ctx, boardID, id, patches...); err != nil {
		return err
	}
	c.Invalidate(ctx, boardID)
	return nil
}

func (c *Cache) MoveTask(ctx context.Context, boardID, id string, col domain.ColumnID, position int) error {
	if err := c.base.MoveTask(ctx, boardID, id, col, position); err != nil {
		return err
	}
	c.Invalidate(ctx, boardID)
	return nil
}

func (c *Cache) DeleteTask(ctx context.Context, boardID, id string) error {
	if err := c.base.DeleteTask(ctx, boardID, id); err != nil {
		return err
	}
	c.Invalidate(ctx, boardID)
	return nil
}

// Invalidate bumps the board's list version and drops the cached list.
func (c *Cache) Invalidate(ctx context.Context, boardID string) {
	if c.redis == nil {
		return
	}
	_, err := c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, tasksVersionKey(boardID))
		pipe.Del(ctx, tasksCacheKey(boardID))
		return nil
	})
	if err != nil {
		c.logger.WithError(err).WithField("board", boardID).Warn("failed to evict tasks cache entry")
	}
}

func (c *Cache) version(ctx context.Context, boardID string) (int64, bool) {
	if c.redis == nil || c.ttl == 0 {
		return 0, false
	}
	v, err := c.redis.Get(ctx, tasksVersionKey(boardID)).Int64()
	if err != nil && err != redis.Nil {
		return 0, false
	}
	return v, true
}

func (c *Cache) loadTasks(ctx context.Context, boardID string) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, tasksCacheKey(boardID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, tasksCacheKey(boardID)).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := sonic.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, tasksCacheKey(boardID)).Err()
		return nil, false
	}
	return tasks, true
}

// storeTasks caches tasks unless a mutation bumped the version since the
// list was read.
func (c *Cache) storeTasks(ctx context.Context, boardID string, tasks []domain.Task, version int64) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.Marshal(tasks)
	if err != nil {
		return
	}
	versionKey := tasksVersionKey(boardID)
	err = c.redis.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, versionKey).Int64()
		if err != nil && err != redis.Nil {
			return err
		}
		if current != version {
			return errStaleList
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, tasksCacheKey(boardID), data, c.ttl)
			return nil
		})
		return err
	}, versionKey)
	if err != nil && !errors.Is(err, errStaleList) && !errors.Is(err, redis.TxFailedErr) {
		c.logger.WithError(err).WithField("board", boardID).Debug("failed to cache tasks")
	}
}

var errStaleList = errors.New("tasks list is stale")

func tasksCacheKey(boardID string) string {
	return "tasks:" + boardID
}

func tasksVersionKey(boardID string) string {
	return "tasks-version:" + boardID
}
