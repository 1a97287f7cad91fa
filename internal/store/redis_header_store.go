package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	apperrors "github.com/bhyvex/metis/internal/errors"
	"github.com/bhyvex/metis/internal/model"
)

const headerKeyPrefix = "metis:hdr:"

// RedisHeaderStore implements HeaderStore for Redis. Every header key is
// also recorded in a per-range set so a range can be invalidated at once.
type RedisHeaderStore struct {
	client *redis.Client
	logger *zap.Logger
}

// RedisOptions configures the header store connection
type RedisOptions struct {
	Host         string
	Port         int
	Password     string
	DB           int
	MaxRetries   int
	PoolSize     int
	MinIdleConns int
}

// NewRedisHeaderStore creates a new Redis header store
func NewRedisHeaderStore(opts RedisOptions, logger *zap.Logger) (*RedisHeaderStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Password:     opts.Password,
		DB:           opts.DB,
		MaxRetries:   opts.MaxRetries,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisHeaderStore{
		client: client,
		logger: logger,
	}, nil
}

func headerKey(key model.ItemKey) string {
	return headerKeyPrefix + key.String()
}

func rangeSetKey(id model.RangeID) string {
	return fmt.Sprintf("metis:range:%d:headers", id)
}

// GetHeader retrieves a shared header
func (s *RedisHeaderStore) GetHeader(ctx context.Context, key model.ItemKey) (*model.ItemHeader, error) {
	data, err := s.client.Get(ctx, headerKey(key)).Bytes()
	if err == redis.Nil {
		return nil, apperrors.NotFound("item header", key)
	}
	if err != nil {
		return nil, err
	}

	var header model.ItemHeader
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("failed to unmarshal header: %w", err)
	}
	return &header, nil
}

// PutHeader stores a header with ttl
func (s *RedisHeaderStore) PutHeader(ctx context.Context, header *model.ItemHeader, ttl time.Duration) error {
	data, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}

	setKey := rangeSetKey(header.RangeID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, headerKey(header.Key), data, ttl)
		pipe.SAdd(ctx, setKey, headerKey(header.Key))
		if ttl > 0 {
			pipe.Expire(ctx, setKey, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store header: %w", err)
	}
	return nil
}

// InvalidateRange removes every header recorded for rangeID
func (s *RedisHeaderStore) InvalidateRange(ctx context.Context, rangeID model.RangeID) error {
	setKey := rangeSetKey(rangeID)
	keys, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return fmt.Errorf("failed to list range headers: %w", err)
	}

	keys = append(keys, setKey)
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to invalidate range %d: %w", rangeID, err)
	}

	s.logger.Debug("Invalidated shared headers",
		zap.Uint64("range_id", uint64(rangeID)),
		zap.Int("keys", len(keys)-1))
	return nil
}

// Ping checks Redis connectivity
func (s *RedisHeaderStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client
func (s *RedisHeaderStore) Close() error {
	return s.client.Close()
}
