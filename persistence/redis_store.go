package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Redis-based implementation of Store.
// Suitable for distributed deployments. Entries are stored as JSON values
// keyed by "<prefix><partition>:<key>".
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore creates a new Redis-based store and verifies connectivity.
func NewRedisStore(config StoreConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", config.Redis.Host, config.Redis.Port),
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
		PoolSize: config.Redis.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	keyPrefix := config.Redis.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "orgflow:"
	}

	return &RedisStore{client: client, keyPrefix: keyPrefix}, nil
}

// NewRedisStoreWithClient wraps an existing client. Used by tests.
func NewRedisStoreWithClient(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "orgflow:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

// Close closes the store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if the store is healthy.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// entryKey returns the Redis key for an entry.
func (s *RedisStore) entryKey(partition, key string) string {
	return s.keyPrefix + partition + ":" + key
}

// Put persists value under (partition, key).
func (s *RedisStore) Put(ctx context.Context, partition, key string, value []byte, metadata map[string]string) error {
	if partition == "" || key == "" {
		return ErrInvalidInput
	}

	entry := &Entry{
		Partition: partition,
		Key:       key,
		Value:     value,
		Metadata:  metadata,
		UpdatedAt: time.Now(),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	return s.client.Set(ctx, s.entryKey(partition, key), data, 0).Err()
}

// Get retrieves the entry at (partition, key).
func (s *RedisStore) Get(ctx context.Context, partition, key string) (*Entry, error) {
	data, err := s.client.Get(ctx, s.entryKey(partition, key)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entry: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
	}
	return &entry, nil
}

// Delete removes the entry at (partition, key).
func (s *RedisStore) Delete(ctx context.Context, partition, key string) error {
	return s.client.Del(ctx, s.entryKey(partition, key)).Err()
}

// List returns entries in the partition matching the key prefix.
func (s *RedisStore) List(ctx context.Context, partition, prefix string, limit int) ([]*Entry, error) {
	pattern := s.keyPrefix + partition + ":" + prefix + "*"

	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan keys: %w", err)
	}

	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	entries := make([]*Entry, 0, len(keys))
	for _, redisKey := range keys {
		data, err := s.client.Get(ctx, redisKey).Bytes()
		if err == redis.Nil {
			continue // deleted between scan and get
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get entry: %w", err)
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}
