package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// checkpointRecord 检查点表结构。
// (thread_id, sequence) 上的唯一索引保证单线程内的全序不被并发写破坏。
type checkpointRecord struct {
	ID        string    `gorm:"primaryKey;size:64"`
	ThreadID  string    `gorm:"size:128;uniqueIndex:idx_thread_seq,priority:1;index:idx_thread"`
	Sequence  int64     `gorm:"uniqueIndex:idx_thread_seq,priority:2"`
	State     []byte    `gorm:"type:bytes"`
	WrittenAt time.Time `gorm:"index"`
}

func (checkpointRecord) TableName() string { return "chatflow_checkpoints" }

// GormStore 关系型检查点存储（PostgreSQL / SQLite）。
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore 创建关系型检查点存储并自动迁移表结构。
func NewGormStore(db *gorm.DB, logger *zap.Logger) (*GormStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&checkpointRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate checkpoint table: %w", err)
	}
	return &GormStore{
		db:     db,
		logger: logger.With(zap.String("store", "gorm_checkpoint")),
	}, nil
}

// Append 实现 Store.Append。
// 序号分配与插入在同一事务内完成；行锁阻止同线程的并发写者交错编号。
func (s *GormStore) Append(ctx context.Context, ck *Checkpoint) error {
	if ck.WrittenAt.IsZero() {
		ck.WrittenAt = time.Now()
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last checkpointRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("thread_id = ?", ck.ThreadID).
			Order("sequence DESC").
			First(&last).Error
		switch {
		case err == nil:
			ck.Sequence = last.Sequence + 1
		case errors.Is(err, gorm.ErrRecordNotFound):
			ck.Sequence = 1
		default:
			return err
		}

		return tx.Create(&checkpointRecord{
			ID:        ck.ID,
			ThreadID:  ck.ThreadID,
			Sequence:  ck.Sequence,
			State:     ck.State,
			WrittenAt: ck.WrittenAt,
		}).Error
	})
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	s.logger.Debug("checkpoint saved",
		zap.String("thread_id", ck.ThreadID),
		zap.Int64("sequence", ck.Sequence),
	)
	return nil
}

// LoadLatest 实现 Store.LoadLatest。
func (s *GormStore) LoadLatest(ctx context.Context, threadID string) (*Checkpoint, error) {
	var rec checkpointRecord
	err := s.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("sequence DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return recordToCheckpoint(&rec), nil
}

// List 实现 Store.List。
func (s *GormStore) List(ctx context.Context, threadID string, limit int) ([]*Checkpoint, error) {
	q := s.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("sequence DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var recs []checkpointRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}

	out := make([]*Checkpoint, 0, len(recs))
	for i := range recs {
		out = append(out, recordToCheckpoint(&recs[i]))
	}
	return out, nil
}

// DeleteThread 实现 Store.DeleteThread。
func (s *GormStore) DeleteThread(ctx context.Context, threadID string) error {
	return s.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Delete(&checkpointRecord{}).Error
}

// Ping 实现 Store.Ping。
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 实现 Store.Close。
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func recordToCheckpoint(rec *checkpointRecord) *Checkpoint {
	return &Checkpoint{
		ID:        rec.ID,
		ThreadID:  rec.ThreadID,
		Sequence:  rec.Sequence,
		State:     rec.State,
		WrittenAt: rec.WrittenAt,
	}
}
