// Package mysql stores crawl documents in MySQL JSON tables through gorm.
package mysql

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/JakeFAU/gitcrawl/internal/storage"
)

// Config holds connection settings.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type document struct {
	ID       string    `gorm:"column:id;primaryKey;autoIncrement:false;size:191"`
	Doc      string    `gorm:"column:doc;type:json;not null"`
	StoredAt time.Time `gorm:"column:stored_at;autoCreateTime"`
}

// DocumentStore upserts documents with INSERT ... ON DUPLICATE KEY UPDATE.
type DocumentStore struct {
	db      *gorm.DB
	ensured sync.Map
}

var _ storage.Store = (*DocumentStore)(nil)

// New opens a connection pool for cfg.DSN.
func New(cfg Config) (*DocumentStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.mysql.dsn is required")
	}
	db, err := gorm.Open(mysql.Open(cfg.DSN), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("mysql pool: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return &DocumentStore{db: db}, nil
}

// NewWithDB wraps an existing gorm handle.
func NewWithDB(db *gorm.DB) (*DocumentStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &DocumentStore{db: db}, nil
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	}
}

// EnsureCollection creates the backing table if it does not exist.
func (s *DocumentStore) EnsureCollection(ctx context.Context, collection string) error {
	if _, ok := s.ensured.Load(collection); ok {
		return nil
	}
	if err := storage.ValidateCollection(collection); err != nil {
		return err //nolint:wrapcheck
	}
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS `%s` ("+
		"`id` VARCHAR(191) NOT NULL PRIMARY KEY, "+
		"`doc` JSON NOT NULL, "+
		"`stored_at` DATETIME(3) NOT NULL)", collection)
	if err := s.db.WithContext(ctx).Exec(ddl).Error; err != nil {
		return fmt.Errorf("create table %s: %w", collection, err)
	}
	s.ensured.Store(collection, struct{}{})
	return nil
}

// BulkUpsertByID writes each document. MySQL reports one affected row for an
// insert, two for a changed row and zero for an identical one.
func (s *DocumentStore) BulkUpsertByID(ctx context.Context, collection string, docs []storage.Document) (storage.BulkResult, error) {
	if err := s.EnsureCollection(ctx, collection); err != nil {
		return storage.BulkResult{}, err
	}
	var result storage.BulkResult
	for _, doc := range docs {
		row := document{ID: doc.Key, Doc: string(doc.Body)}
		tx := s.db.WithContext(ctx).Table(collection).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"doc"}),
		}).Create(&row)
		if tx.Error != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return result, fmt.Errorf("upsert %s: %w", collection, ctxErr)
			}
			result.Failed++
			result.Errors = append(result.Errors, fmt.Errorf("upsert %s/%s: %w", collection, doc.Key, tx.Error))
			continue
		}
		classify(&result, tx.RowsAffected)
	}
	return result, nil
}

func classify(result *storage.BulkResult, affected int64) {
	switch affected {
	case 1:
		result.Inserted++
	case 2:
		result.Matched++
		result.Updated++
	default:
		result.Matched++
	}
}

// Close closes the underlying pool.
func (s *DocumentStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("mysql pool: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("close mysql: %w", err)
	}
	return nil
}
