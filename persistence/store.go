// Package persistence provides the partitioned key/value store used to
// persist hierarchies, roles, delegations, and messages for durability and
// audit.
//
// Supported backends:
// - Memory: for development and testing (default)
// - SQL: sqlite via gorm, for single-node durable deployments
// - Redis: for distributed deployments
package persistence

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrStoreClosed  = errors.New("store is closed")
	ErrInvalidInput = errors.New("invalid input")
)

// Well-known partitions. Callers may use additional partitions freely;
// these are the ones the control plane writes.
const (
	PartitionCoordination  = "coordination"
	PartitionMessages      = "messages"
	PartitionOrganizations = "organizations"
	PartitionHierarchies   = "hierarchies"
	PartitionEscalations   = "escalations"
)

// StoreType represents the type of storage backend.
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeSQL    StoreType = "sql"
	StoreTypeRedis  StoreType = "redis"
)

// Entry is one persisted record within a partition.
type Entry struct {
	Partition string            `json:"partition"`
	Key       string            `json:"key"`
	Value     []byte            `json:"value"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Store is the partition-namespaced key/value interface every backend
// implements. All methods are safe for concurrent use.
type Store interface {
	// Put persists value under (partition, key), overwriting any prior
	// entry.
	Put(ctx context.Context, partition, key string, value []byte, metadata map[string]string) error

	// Get retrieves the entry at (partition, key). Returns ErrNotFound
	// when absent.
	Get(ctx context.Context, partition, key string) (*Entry, error)

	// Delete removes the entry at (partition, key). Deleting a missing
	// key is not an error.
	Delete(ctx context.Context, partition, key string) error

	// List returns up to limit entries in the partition whose keys carry
	// the given prefix. A limit <= 0 means no limit. Order follows the
	// key's natural sort.
	List(ctx context.Context, partition, prefix string, limit int) ([]*Entry, error)

	// Ping checks if the store is healthy.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// RedisStoreConfig holds Redis connection settings.
type RedisStoreConfig struct {
	Host      string `json:"host" yaml:"host"`
	Port      int    `json:"port" yaml:"port"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	PoolSize  int    `json:"pool_size" yaml:"pool_size"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// StoreConfig is the base configuration for all store implementations.
type StoreConfig struct {
	// Type selects the storage backend.
	Type StoreType `json:"type" yaml:"type"`

	// Path is the database file for SQL-backed storage.
	Path string `json:"path" yaml:"path"`

	// Redis configuration (only used when Type is "redis").
	Redis RedisStoreConfig `json:"redis" yaml:"redis"`
}

// DefaultStoreConfig returns a memory-backed configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{Type: StoreTypeMemory}
}
