package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// kvRecord is the gorm model backing SQLStore.
type kvRecord struct {
	Partition string `gorm:"primaryKey;size:128"`
	Key       string `gorm:"primaryKey;size:512"`
	Value     []byte
	Metadata  string // JSON-encoded map
	UpdatedAt time.Time
}

// TableName names the backing table.
func (kvRecord) TableName() string { return "kv_entries" }

// SQLStore is a gorm/sqlite-backed implementation of Store.
// Suitable for single-node deployments that need durability without an
// external service.
type SQLStore struct {
	db *gorm.DB
}

// NewSQLStore opens (or creates) the database at config.Path and migrates
// the schema.
func NewSQLStore(config StoreConfig) (*SQLStore, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("sql store requires a path")
	}

	db, err := gorm.Open(sqlite.Open(config.Path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(&kvRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &SQLStore{db: db}, nil
}

// Close closes the store.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks if the store is healthy.
func (s *SQLStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Put persists value under (partition, key).
func (s *SQLStore) Put(ctx context.Context, partition, key string, value []byte, metadata map[string]string) error {
	if partition == "" || key == "" {
		return ErrInvalidInput
	}

	meta := ""
	if metadata != nil {
		data, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		meta = string(data)
	}

	record := kvRecord{
		Partition: partition,
		Key:       key,
		Value:     value,
		Metadata:  meta,
		UpdatedAt: time.Now(),
	}
	return s.db.WithContext(ctx).Save(&record).Error
}

// Get retrieves the entry at (partition, key).
func (s *SQLStore) Get(ctx context.Context, partition, key string) (*Entry, error) {
	var record kvRecord
	err := s.db.WithContext(ctx).
		Where("partition = ? AND key = ?", partition, key).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return recordToEntry(&record)
}

// Delete removes the entry at (partition, key).
func (s *SQLStore) Delete(ctx context.Context, partition, key string) error {
	return s.db.WithContext(ctx).
		Where("partition = ? AND key = ?", partition, key).
		Delete(&kvRecord{}).Error
}

// List returns entries in the partition matching the key prefix.
func (s *SQLStore) List(ctx context.Context, partition, prefix string, limit int) ([]*Entry, error) {
	query := s.db.WithContext(ctx).
		Where("partition = ? AND key LIKE ?", partition, prefix+"%").
		Order("key")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var records []kvRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, err
	}

	entries := make([]*Entry, 0, len(records))
	for i := range records {
		entry, err := recordToEntry(&records[i])
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func recordToEntry(record *kvRecord) (*Entry, error) {
	var metadata map[string]string
	if record.Metadata != "" {
		if err := json.Unmarshal([]byte(record.Metadata), &metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &Entry{
		Partition: record.Partition,
		Key:       record.Key,
		Value:     record.Value,
		Metadata:  metadata,
		UpdatedAt: record.UpdatedAt,
	}, nil
}
