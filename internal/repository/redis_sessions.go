package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JonnyShabli/mediagrab/internal/models"
	"github.com/redis/go-redis/v9"
)

type RedisSessionStore struct {
	redis *redis.Client
}

func NewRedisSessionStore(redisClient *redis.Client) *RedisSessionStore {
	return &RedisSessionStore{redis: redisClient}
}

func sessionKey(id string) string {
	return fmt.Sprintf("session:%s", id)
}

func (r *RedisSessionStore) Create(ctx context.Context, session models.Session) error {
	var ttl time.Duration
	if !session.ExpiresAt.IsZero() {
		ttl = time.Until(session.ExpiresAt)
		if ttl <= 0 {
			return nil
		}
	}
	return r.redis.Set(ctx, sessionKey(session.ID), string(session.Role), ttl).Err()
}

func (r *RedisSessionStore) Get(ctx context.Context, id string) (models.Session, error) {
	key := sessionKey(id)
	role, err := r.redis.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return models.Session{}, ErrSessionNotFound
	}
	if err != nil {
		return models.Session{}, err
	}

	session := models.Session{ID: id, Role: models.Role(role)}
	ttl, err := r.redis.TTL(ctx, key).Result()
	if err == nil && ttl > 0 {
		session.ExpiresAt = time.Now().Add(ttl)
	}
	return session, nil
}

func (r *RedisSessionStore) Delete(ctx context.Context, id string) error {
	return r.redis.Del(ctx, sessionKey(id)).Err()
}

func (r *RedisSessionStore) Close() error {
	return r.redis.Close()
}
