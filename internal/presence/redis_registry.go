package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRegistry keeps presence records in Redis under per-session keys
// with a TTL; a session that stops heartbeating simply expires.
type RedisRegistry struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisRegistry(redisURL string, ttl time.Duration) (*RedisRegistry, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisRegistry{client: client, ttl: ttl}, nil
}

// NewRedisRegistryWithClient builds a registry from an existing client.
func NewRedisRegistryWithClient(client *redis.Client, ttl time.Duration) *RedisRegistry {
	return &RedisRegistry{client: client, ttl: ttl}
}

func (r *RedisRegistry) key(documentID, sessionID string) string {
	return "presence:" + documentID + ":" + sessionID
}

func (r *RedisRegistry) Join(ctx context.Context, session Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	if err := r.client.Set(ctx, r.key(session.DocumentID, session.SessionID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("save presence: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Leave(ctx context.Context, documentID, sessionID string) error {
	if err := r.client.Del(ctx, r.key(documentID, sessionID)).Err(); err != nil {
		return fmt.Errorf("remove presence: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Refresh(ctx context.Context, documentID, sessionID string) error {
	if err := r.client.Expire(ctx, r.key(documentID, sessionID), r.ttl).Err(); err != nil {
		return fmt.Errorf("refresh presence: %w", err)
	}
	return nil
}

func (r *RedisRegistry) SetOffsetHint(ctx context.Context, documentID, sessionID string, hint int) error {
	key := r.key(documentID, sessionID)
	data, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load presence: %w", err)
	}
	var session Session
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return fmt.Errorf("unmarshal presence: %w", err)
	}
	session.LastOffsetHint = hint
	updated, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	if err := r.client.Set(ctx, key, updated, r.ttl).Err(); err != nil {
		return fmt.Errorf("save presence: %w", err)
	}
	return nil
}

func (r *RedisRegistry) List(ctx context.Context, documentID string) ([]Session, error) {
	var sessions []Session
	iter := r.client.Scan(ctx, 0, "presence:"+documentID+":*", 0).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load presence: %w", err)
		}
		var session Session
		if err := json.Unmarshal([]byte(data), &session); err != nil {
			return nil, fmt.Errorf("unmarshal presence: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan presence: %w", err)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].SessionID < sessions[j].SessionID })
	return sessions, nil
}

func (r *RedisRegistry) Close() error {
	return r.client.Close()
}
