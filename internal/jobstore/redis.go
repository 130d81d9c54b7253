package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces job records in a shared Redis.
const DefaultKeyPrefix = "jobbridge:job:"

// RedisStore is a Store backed by Redis. Each record is one JSON string key
// with an expiry.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// RedisConfig configures NewRedisClient.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// NewRedisClient connects to Redis and verifies the connection with a ping.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}

// NewRedisStore creates a RedisStore using client. An empty prefix uses
// DefaultKeyPrefix and a ttl of zero or less stores records without expiry.
func NewRedisStore(
	client redis.UniversalClient,
	prefix string,
	ttl time.Duration,
) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	if ttl < 0 {
		ttl = 0
	}

	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) Create(
	ctx context.Context,
	id string,
	payload JobPayload,
) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	created, err := s.client.SetNX(ctx, s.key(id), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("store job: %w", err)
	}

	if !created {
		return ErrJobExists
	}

	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (JobPayload, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return JobPayload{}, ErrJobNotFound
		}

		return JobPayload{}, fmt.Errorf("load job: %w", err)
	}

	var payload JobPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return JobPayload{}, fmt.Errorf("unmarshal payload: %w", err)
	}

	return payload, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}

	return nil
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}
