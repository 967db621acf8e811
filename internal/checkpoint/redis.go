package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one hash per thread (stage -> JSON checkpoint) and a
// version counter. Keys expire after ttl when ttl > 0.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "reportflow:checkpoint"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisStore) stagesKey(threadID string) string  { return r.prefix + ":" + threadID + ":stages" }
func (r *RedisStore) versionKey(threadID string) string { return r.prefix + ":" + threadID + ":version" }
func (r *RedisStore) latestKey(threadID string) string  { return r.prefix + ":" + threadID + ":latest" }

func (r *RedisStore) Put(ctx context.Context, threadID, stageName string, state []byte) (*Checkpoint, error) {
	version, err := r.client.Incr(ctx, r.versionKey(threadID)).Result()
	if err != nil {
		return nil, fmt.Errorf("increment checkpoint version: %w", err)
	}
	cp := &Checkpoint{ThreadID: threadID, StageName: stageName, State: state, Version: version, CreatedAt: time.Now().UTC()}
	data, err := json.Marshal(cp)
	if err != nil {
		return nil, err
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.stagesKey(threadID), stageName, data)
	pipe.Set(ctx, r.latestKey(threadID), stageName, 0)
	if r.ttl > 0 {
		pipe.Expire(ctx, r.stagesKey(threadID), r.ttl)
		pipe.Expire(ctx, r.latestKey(threadID), r.ttl)
		pipe.Expire(ctx, r.versionKey(threadID), r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("write checkpoint: %w", err)
	}
	return cp, nil
}

func (r *RedisStore) Get(ctx context.Context, threadID, stageName string) (*Checkpoint, error) {
	data, err := r.client.HGet(ctx, r.stagesKey(threadID), stageName).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &cp, nil
}

func (r *RedisStore) Latest(ctx context.Context, threadID string) (*Checkpoint, error) {
	stage, err := r.client.Get(ctx, r.latestKey(threadID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read latest checkpoint: %w", err)
	}
	return r.Get(ctx, threadID, stage)
}

func (r *RedisStore) Delete(ctx context.Context, threadID string) error {
	return r.client.Del(ctx, r.stagesKey(threadID), r.versionKey(threadID), r.latestKey(threadID)).Err()
}

func (r *RedisStore) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }
