package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisSessionPrefix = "session:"

// RedisStore persists sessions in Redis so several broker processes can
// share a session table.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	mu     sync.RWMutex
	closed bool
}

// RedisStoreConfig configures the Redis store
type RedisStoreConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration // Optional TTL for session keys (0 = no TTL)
	Options  *redis.Options
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(config RedisStoreConfig) (*RedisStore, error) {
	opts := config.Options
	if opts == nil {
		opts = &redis.Options{
			Addr:     config.Addr,
			Password: config.Password,
			DB:       config.DB,
		}
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client, ttl: config.TTL}, nil
}

func redisKey(clientID string) string {
	return redisSessionPrefix + clientID
}

func (r *RedisStore) Save(ctx context.Context, session *Session) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrStoreClosed
	}

	data, err := encodeSession(session)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, redisKey(session.ClientID), data, r.ttl).Err()
}

func (r *RedisStore) Load(ctx context.Context, clientID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrStoreClosed
	}

	data, err := r.client.Get(ctx, redisKey(clientID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return decodeSession(data)
}

func (r *RedisStore) Delete(ctx context.Context, clientID string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrStoreClosed
	}
	return r.client.Del(ctx, redisKey(clientID)).Err()
}

func (r *RedisStore) Exists(ctx context.Context, clientID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false, ErrStoreClosed
	}

	n, err := r.client.Exists(ctx, redisKey(clientID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisStore) List(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrStoreClosed
	}

	var ids []string
	iter := r.client.Scan(ctx, 0, redisSessionPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, iter.Val()[len(redisSessionPrefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *RedisStore) Count(ctx context.Context) (int64, error) {
	ids, err := r.List(ctx)
	if err != nil {
		return 0, err
	}
	return int64(len(ids)), nil
}

func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.client.Close()
}
