package kv

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// entry is one row of the kv_entries table. Value holds the JSON encoding.
type entry struct {
	Key       string `gorm:"primaryKey"`
	Value     string `gorm:"not null"`
	UpdatedAt time.Time
}

func (entry) TableName() string { return "kv_entries" }

// SQL is a SQLite-backed store, one row per key.
type SQL struct {
	db *gorm.DB
}

// OpenSQL opens (and migrates) the SQLite database at path.
func OpenSQL(path string) (*SQL, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "create database directory")
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	if err := db.AutoMigrate(&entry{}); err != nil {
		return nil, errors.Wrap(err, "failed to initialize database schema")
	}
	return &SQL{db: db}, nil
}

func (s *SQL) Get(ctx context.Context, key string, dst any) (bool, error) {
	var e entry
	result := s.db.WithContext(ctx).Where("key = ?", key).Take(&e)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, errors.Wrapf(result.Error, "failed to get %q", key)
	}
	if err := json.Unmarshal([]byte(e.Value), dst); err != nil {
		return false, errors.Wrapf(err, "decode %q", key)
	}
	return true, nil
}

func (s *SQL) Set(ctx context.Context, key string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "encode %q", key)
	}
	e := entry{Key: key, Value: string(b), UpdatedAt: time.Now()}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&e)
	if result.Error != nil {
		return errors.Wrapf(result.Error, "failed to set %q", key)
	}
	return nil
}

func (s *SQL) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, "get database handle")
	}
	return sqlDB.Close()
}
