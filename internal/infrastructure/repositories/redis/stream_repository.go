// Package redis provides Redis-backed metadata repositories.
package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

type RedisStreamRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisStreamRepository(client *redis.Client) ports.StreamRepository {
	return &RedisStreamRepository{
		client: client,
		prefix: "lc:stream:",
	}
}

func (r *RedisStreamRepository) sessionKey(id domain.SessionID) string {
	return r.prefix + string(id)
}

func (r *RedisStreamRepository) liveSetKey() string {
	return r.prefix + "live"
}

func (r *RedisStreamRepository) Create(ctx context.Context, session *domain.StreamSession) error {
	exists, err := r.client.Exists(ctx, r.sessionKey(session.ID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check session in Redis: %w", err)
	}
	if exists > 0 {
		return domain.ErrSessionExists
	}
	return r.write(ctx, session)
}

func (r *RedisStreamRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.StreamSession, error) {
	data, err := r.client.Get(ctx, r.sessionKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session from Redis: %w", err)
	}

	var session domain.StreamSession
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

func (r *RedisStreamRepository) Update(ctx context.Context, session *domain.StreamSession) error {
	if _, err := r.GetByID(ctx, session.ID); err != nil {
		return err
	}
	return r.write(ctx, session)
}

func (r *RedisStreamRepository) write(ctx context.Context, session *domain.StreamSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := r.client.Set(ctx, r.sessionKey(session.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set session in Redis: %w", err)
	}

	if session.IsLive {
		err = r.client.SAdd(ctx, r.liveSetKey(), string(session.ID)).Err()
	} else {
		err = r.client.SRem(ctx, r.liveSetKey(), string(session.ID)).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to update live set: %w", err)
	}
	return nil
}

func (r *RedisStreamRepository) Delete(ctx context.Context, id domain.SessionID) error {
	deleted, err := r.client.Del(ctx, r.sessionKey(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete session from Redis: %w", err)
	}
	if deleted == 0 {
		return domain.ErrSessionNotFound
	}
	if err := r.client.SRem(ctx, r.liveSetKey(), string(id)).Err(); err != nil {
		return fmt.Errorf("failed to remove session from live set: %w", err)
	}
	return nil
}

func (r *RedisStreamRepository) ListLive(ctx context.Context) ([]*domain.StreamSession, error) {
	ids, err := r.client.SMembers(ctx, r.liveSetKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list live sessions: %w", err)
	}

	live := make([]*domain.StreamSession, 0, len(ids))
	for _, id := range ids {
		session, err := r.GetByID(ctx, domain.SessionID(id))
		if err == domain.ErrSessionNotFound {
			// Stale membership, drop it.
			r.client.SRem(ctx, r.liveSetKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		live = append(live, session)
	}
	return live, nil
}
