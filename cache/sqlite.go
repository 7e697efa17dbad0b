package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/conductor-ai/conductor/types"
)

// cacheRecord is the persisted shape: one row per (stage_id, input_hash,
// version).
type cacheRecord struct {
	ID              uint   `gorm:"primaryKey"`
	StageID         string `gorm:"index;uniqueIndex:idx_stage_hash_version"`
	InputHash       string `gorm:"uniqueIndex:idx_stage_hash_version"`
	Version         int    `gorm:"uniqueIndex:idx_stage_hash_version"`
	Payload         []byte
	FeedbackSummary string
	CreatedAt       time.Time
}

// TableName keeps the table name stable across gorm naming strategies.
func (cacheRecord) TableName() string {
	return "cache_entries"
}

// SQLiteStore persists cache history across runs in an embedded SQLite
// database. Version allocation happens inside a transaction, and the unique
// (stage_id, input_hash, version) index rejects any write that would break
// contiguity.
type SQLiteStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewSQLiteStore opens (or creates) the database at path and migrates the
// schema. Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}
	if err := db.AutoMigrate(&cacheRecord{}); err != nil {
		return nil, fmt.Errorf("migrate cache schema: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With(zap.String("component", "sqlite_cache")),
	}, nil
}

func (s *SQLiteStore) toEntry(rec *cacheRecord) (*Entry, error) {
	var result types.AgentResult
	if err := json.Unmarshal(rec.Payload, &result); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	return &Entry{
		StageID:         rec.StageID,
		InputHash:       rec.InputHash,
		Version:         rec.Version,
		Result:          result,
		FeedbackSummary: rec.FeedbackSummary,
		CreatedAt:       rec.CreatedAt,
	}, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, stageID, inputHash string) (*Entry, error) {
	var rec cacheRecord
	err := s.db.WithContext(ctx).
		Where("stage_id = ? AND input_hash = ?", stageID, inputHash).
		Order("version DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}
	return s.toEntry(&rec)
}

// GetVersion implements Store.
func (s *SQLiteStore) GetVersion(ctx context.Context, stageID, inputHash string, version int) (*Entry, error) {
	var rec cacheRecord
	err := s.db.WithContext(ctx).
		Where("stage_id = ? AND input_hash = ? AND version = ?", stageID, inputHash, version).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache get version: %w", err)
	}
	return s.toEntry(&rec)
}

// History implements Store.
func (s *SQLiteStore) History(ctx context.Context, stageID, inputHash string) ([]Entry, error) {
	var recs []cacheRecord
	err := s.db.WithContext(ctx).
		Where("stage_id = ? AND input_hash = ?", stageID, inputHash).
		Order("version ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("cache history: %w", err)
	}

	entries := make([]Entry, 0, len(recs))
	for i := range recs {
		entry, err := s.toEntry(&recs[i])
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

// putConflictRetries bounds re-allocation attempts when concurrent writers
// race for the same next version.
const putConflictRetries = 16

// Put implements Store. Two writers can read the same MAX(version) in
// deferred transactions; the unique index rejects the loser, which then
// retries against the fresh maximum, so concurrent writers always commit
// contiguous versions.
func (s *SQLiteStore) Put(ctx context.Context, stageID, inputHash string, result *types.AgentResult, feedbackSummary string) (*Entry, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode cache entry: %w", err)
	}

	var rec cacheRecord
	for attempt := 0; ; attempt++ {
		rec = cacheRecord{
			StageID:         stageID,
			InputHash:       inputHash,
			Payload:         payload,
			FeedbackSummary: feedbackSummary,
			CreatedAt:       time.Now().UTC(),
		}

		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var maxVersion *int
			row := tx.Model(&cacheRecord{}).
				Where("stage_id = ? AND input_hash = ?", stageID, inputHash).
				Select("MAX(version)").
				Row()
			if err := row.Scan(&maxVersion); err != nil {
				return err
			}
			if maxVersion == nil {
				rec.Version = 0
			} else {
				rec.Version = *maxVersion + 1
			}
			return tx.Create(&rec).Error
		})
		if err == nil {
			break
		}
		if isWriteConflict(err) && attempt < putConflictRetries && ctx.Err() == nil {
			s.logger.Debug("cache put lost version race, retrying",
				zap.String("stage_id", stageID),
				zap.Int("attempt", attempt+1),
			)
			continue
		}
		return nil, fmt.Errorf("cache put: %w", err)
	}

	s.logger.Debug("cache put",
		zap.String("stage_id", stageID),
		zap.String("input_hash", inputHash),
		zap.Int("version", rec.Version),
	)
	return s.toEntry(&rec)
}

// isWriteConflict reports whether a write lost a version race: either the
// unique (stage_id, input_hash, version) index rejected a stale allocation,
// or SQLite refused the lock upgrade of a competing deferred transaction.
func isWriteConflict(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// Invalidate implements Store.
func (s *SQLiteStore) Invalidate(ctx context.Context, stageID string) error {
	res := s.db.WithContext(ctx).
		Where("stage_id = ?", stageID).
		Delete(&cacheRecord{})
	if res.Error != nil {
		return fmt.Errorf("cache invalidate: %w", res.Error)
	}

	s.logger.Info("cache invalidated",
		zap.String("stage_id", stageID),
		zap.Int64("rows_dropped", res.RowsAffected),
	)
	return nil
}
