package sink

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ermn/tracking.go/tracking"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisKeyPrefix = "tracking:booking:"

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// hashStore is the part of the Redis client the sink uses.
type hashStore interface {
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Close() error
}

// RedisSink keeps the last known position of each booking in a hash that
// expires once updates stop.
type RedisSink struct {
	name      string
	client    hashStore
	keyPrefix string
	ttl       time.Duration
}

func NewRedisSink(ctx context.Context, name string, cfg RedisConfig) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return newRedisSink(name, client, cfg.KeyPrefix, cfg.TTL), nil
}

func newRedisSink(name string, client hashStore, keyPrefix string, ttl time.Duration) *RedisSink {
	if keyPrefix == "" {
		keyPrefix = DefaultRedisKeyPrefix
	}
	if ttl == 0 {
		ttl = 10 * time.Minute
	}
	return &RedisSink{
		name:      name,
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
	}
}

func (s *RedisSink) Name() string { return s.name }

func (s *RedisSink) key(bookingID int64) string {
	return s.keyPrefix + strconv.FormatInt(bookingID, 10)
}

func (s *RedisSink) Write(ctx context.Context, env tracking.Envelope) error {
	fields := []any{
		"bookingId", env.BookingID,
		"latitude", env.Latitude,
		"longitude", env.Longitude,
		"timestamp", env.Timestamp,
		"updatedAt", time.Now().UTC().Format(time.RFC3339Nano),
	}
	if env.Speed != nil {
		fields = append(fields, "speed", *env.Speed)
	}
	if env.Heading != nil {
		fields = append(fields, "heading", *env.Heading)
	}

	key := s.key(env.BookingID)
	if err := s.client.HSet(ctx, key, fields...).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", key, err)
	}
	if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
		return fmt.Errorf("expire %s: %w", key, err)
	}
	return nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
