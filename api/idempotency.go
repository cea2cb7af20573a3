package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"github.com/VibeCode-Max/bright-flow-mind/domain"
)

// HeaderIdempotencyKey lets clients retry task creation safely.
const HeaderIdempotencyKey = "Idempotency-Key"

const (
	maxIdempotencyKeyLen = 128
	pendingMarker        = "pending"
)

var errCreateInFlight = errors.New("a create with this idempotency key is in flight")

// Deduper remembers the task created for an idempotency key.
type Deduper interface {
	Claim(ctx context.Context, board, key string) (bool, error)
	Remember(ctx context.Context, board, key string, task domain.Task) error
	Lookup(ctx context.Context, board, key string) (domain.Task, bool, error)
	Release(ctx context.Context, board, key string) error
}

// RedisDeduper stores idempotency keys in Redis so all instances
// agree on which creates already happened.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(board, key string) string {
	return fmt.Sprintf("idem:%s:%s", board, key)
}

// Claim records the key if it does not already exist. It returns true when
// the caller owns the key and should perform the create.
func (r *RedisDeduper) Claim(ctx context.Context, board, key string) (bool, error) {
	return r.client.SetNX(ctx, r.key(board, key), pendingMarker, r.ttl).Result()
}

// Remember stores the created task under a claimed key.
func (r *RedisDeduper) Remember(ctx context.Context, board, key string, task domain.Task) error {
	data, err := sonic.Marshal(task)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(board, key), data, r.ttl).Err()
}

// Lookup returns the task stored for key. ok is false while the create is
// still pending.
func (r *RedisDeduper) Lookup(ctx context.Context, board, key string) (domain.Task, bool, error) {
	raw, err := r.client.Get(ctx, r.key(board, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Task{}, false, nil
	}
	if err != nil {
		return domain.Task{}, false, err
	}
	if string(raw) == pendingMarker {
		return domain.Task{}, false, nil
	}
	var task domain.Task
	if err := sonic.Unmarshal(raw, &task); err != nil {
		return domain.Task{}, false, err
	}
	return task, true, nil
}

// Release deletes a claimed key so a failed create may be retried.
func (r *RedisDeduper) Release(ctx context.Context, board, key string) error {
	return r.client.Del(ctx, r.key(board, key)).Err()
}
