package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis keeps each session as a list of JSON encoded turns.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis wraps client. A positive ttl expires idle sessions.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

// NewRedisClient opens a client and checks the connection.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return rdb, nil
}

func key(sessionID string) string { return fmt.Sprintf("session:%s:turns", sessionID) }

func (store *Redis) History(ctx context.Context, sessionID string) ([]Turn, error) {
	vals, err := store.client.LRange(ctx, key(sessionID), 0, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	out := make([]Turn, 0, len(vals))
	for i, v := range vals {
		var t Turn
		if err := json.Unmarshal([]byte(v), &t); err != nil {
			return nil, fmt.Errorf("decode session %s turn %d: %w", sessionID, i, err)
		}
		out = append(out, t)
	}
	return out, nil
}

func (store *Redis) Append(ctx context.Context, sessionID string, turns ...Turn) error {
	if len(turns) == 0 {
		return nil
	}
	if err := validate(turns); err != nil {
		return err
	}
	vals := make([]any, 0, len(turns))
	for _, t := range turns {
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		vals = append(vals, b)
	}
	k := key(sessionID)
	pipe := store.client.TxPipeline()
	pipe.RPush(ctx, k, vals...)
	if store.ttl > 0 {
		pipe.Expire(ctx, k, store.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append session %s: %w", sessionID, err)
	}
	return nil
}

func (store *Redis) Clear(ctx context.Context, sessionID string) error {
	if err := store.client.Del(ctx, key(sessionID)).Err(); err != nil {
		return fmt.Errorf("clear session %s: %w", sessionID, err)
	}
	return nil
}
