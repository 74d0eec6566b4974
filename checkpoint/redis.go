package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore Redis 检查点存储，适用于分布式部署。
// 每个线程维护一个自增序号键和一个按 Sequence 排序的有序集合索引。
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration // 0 表示不过期
	logger *zap.Logger
}

// NewRedisStore 创建 Redis 检查点存储。
// client 由宿主进程构造并注入，本包不持有连接配置。
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration, logger *zap.Logger) *RedisStore {
	if prefix == "" {
		prefix = "chatflow:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With(zap.String("store", "redis_checkpoint")),
	}
}

// Append 实现 Store.Append。
func (s *RedisStore) Append(ctx context.Context, ck *Checkpoint) error {
	seq, err := s.client.Incr(ctx, s.seqKey(ck.ThreadID)).Result()
	if err != nil {
		return fmt.Errorf("failed to allocate sequence: %w", err)
	}

	ck.Sequence = seq
	if ck.WrittenAt.IsZero() {
		ck.WrittenAt = time.Now()
	}

	data, err := json.Marshal(ck)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.dataKey(ck.ThreadID, seq), data, s.ttl)
	pipe.ZAdd(ctx, s.indexKey(ck.ThreadID), redis.Z{Score: float64(seq), Member: strconv.FormatInt(seq, 10)})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to persist checkpoint: %w", err)
	}

	s.logger.Debug("checkpoint saved to redis",
		zap.String("thread_id", ck.ThreadID),
		zap.Int64("sequence", seq),
	)
	return nil
}

// LoadLatest 实现 Store.LoadLatest。
func (s *RedisStore) LoadLatest(ctx context.Context, threadID string) (*Checkpoint, error) {
	members, err := s.client.ZRevRange(ctx, s.indexKey(threadID), 0, 0).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, ErrNotFound
	}

	seq, err := strconv.ParseInt(members[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt checkpoint index for thread %s: %w", threadID, err)
	}
	return s.load(ctx, threadID, seq)
}

// List 实现 Store.List。
func (s *RedisStore) List(ctx context.Context, threadID string, limit int) ([]*Checkpoint, error) {
	stop := int64(limit - 1)
	if limit <= 0 {
		stop = -1
	}

	members, err := s.client.ZRevRange(ctx, s.indexKey(threadID), 0, stop).Result()
	if err != nil {
		return nil, err
	}

	out := make([]*Checkpoint, 0, len(members))
	for _, m := range members {
		seq, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			s.logger.Warn("skipping corrupt index member", zap.String("thread_id", threadID), zap.String("member", m))
			continue
		}
		ck, err := s.load(ctx, threadID, seq)
		if err != nil {
			s.logger.Warn("failed to load checkpoint", zap.String("thread_id", threadID), zap.Int64("sequence", seq), zap.Error(err))
			continue
		}
		out = append(out, ck)
	}
	return out, nil
}

// DeleteThread 实现 Store.DeleteThread。
func (s *RedisStore) DeleteThread(ctx context.Context, threadID string) error {
	members, err := s.client.ZRange(ctx, s.indexKey(threadID), 0, -1).Result()
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(members)+2)
	for _, m := range members {
		seq, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		keys = append(keys, s.dataKey(threadID, seq))
	}
	keys = append(keys, s.indexKey(threadID), s.seqKey(threadID))

	return s.client.Del(ctx, keys...).Err()
}

// Ping 实现 Store.Ping。
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close 实现 Store.Close。
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) load(ctx context.Context, threadID string, seq int64) (*Checkpoint, error) {
	data, err := s.client.Get(ctx, s.dataKey(threadID, seq)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var ck Checkpoint
	if err := json.Unmarshal(data, &ck); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &ck, nil
}

func (s *RedisStore) seqKey(threadID string) string {
	return fmt.Sprintf("%sthread:%s:seq", s.prefix, threadID)
}

func (s *RedisStore) indexKey(threadID string) string {
	return fmt.Sprintf("%sthread:%s:index", s.prefix, threadID)
}

func (s *RedisStore) dataKey(threadID string, seq int64) string {
	return fmt.Sprintf("%sckpt:%s:%d", s.prefix, threadID, seq)
}
