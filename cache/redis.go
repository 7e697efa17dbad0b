package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/conductor-ai/conductor/types"
)

// redisPayload is the per-version record stored in a Redis list. The version
// number is not stored; it is the element's list index, which makes version
// contiguity a structural property of the list rather than a convention.
type redisPayload struct {
	Result          types.AgentResult `json:"result"`
	FeedbackSummary string            `json:"feedback_summary,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// RedisConfig configures the Redis-backed cache store.
type RedisConfig struct {
	Addr      string `yaml:"addr" json:"addr"`
	Password  string `yaml:"password" json:"password"`
	DB        int    `yaml:"db" json:"db"`
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
	PoolSize  int    `yaml:"pool_size" json:"pool_size"`
}

// DefaultRedisConfig returns the default Redis cache configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:      "localhost:6379",
		KeyPrefix: "conductor",
	}
}

// RedisStore is a Redis-backed cache store. Each (stage_id, input_hash) key
// is a Redis list of version payloads; RPUSH appends are atomic, so
// concurrent writers always allocate contiguous versions. A per-stage set
// indexes the list keys for invalidation.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "conductor"
	}

	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: logger.With(zap.String("component", "redis_cache")),
	}, nil
}

// Close releases the underlying Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) listKey(stageID, inputHash string) string {
	return fmt.Sprintf("%s:cache:%s:%s", s.prefix, stageID, inputHash)
}

func (s *RedisStore) stageIndexKey(stageID string) string {
	return fmt.Sprintf("%s:cache_index:%s", s.prefix, stageID)
}

func (s *RedisStore) decode(raw string, stageID, inputHash string, version int) (*Entry, error) {
	var payload redisPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	return &Entry{
		StageID:         stageID,
		InputHash:       inputHash,
		Version:         version,
		Result:          payload.Result,
		FeedbackSummary: payload.FeedbackSummary,
		CreatedAt:       payload.CreatedAt,
	}, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, stageID, inputHash string) (*Entry, error) {
	key := s.listKey(stageID, inputHash)

	pipe := s.client.TxPipeline()
	lenCmd := pipe.LLen(ctx, key)
	lastCmd := pipe.LIndex(ctx, key, -1)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}

	n := lenCmd.Val()
	if n == 0 {
		return nil, ErrMiss
	}
	raw, err := lastCmd.Result()
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}
	return s.decode(raw, stageID, inputHash, int(n-1))
}

// GetVersion implements Store.
func (s *RedisStore) GetVersion(ctx context.Context, stageID, inputHash string, version int) (*Entry, error) {
	if version < 0 {
		return nil, ErrMiss
	}
	raw, err := s.client.LIndex(ctx, s.listKey(stageID, inputHash), int64(version)).Result()
	if err == redis.Nil {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache get version: %w", err)
	}
	return s.decode(raw, stageID, inputHash, version)
}

// History implements Store.
func (s *RedisStore) History(ctx context.Context, stageID, inputHash string) ([]Entry, error) {
	raws, err := s.client.LRange(ctx, s.listKey(stageID, inputHash), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("cache history: %w", err)
	}

	entries := make([]Entry, 0, len(raws))
	for i, raw := range raws {
		entry, err := s.decode(raw, stageID, inputHash, i)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

// Put implements Store. RPUSH and the stage index update run in one
// transaction; the version is the list length after the push minus one.
func (s *RedisStore) Put(ctx context.Context, stageID, inputHash string, result *types.AgentResult, feedbackSummary string) (*Entry, error) {
	payload := redisPayload{
		Result:          *result,
		FeedbackSummary: feedbackSummary,
		CreatedAt:       time.Now().UTC(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode cache entry: %w", err)
	}

	key := s.listKey(stageID, inputHash)

	pipe := s.client.TxPipeline()
	pushCmd := pipe.RPush(ctx, key, data)
	pipe.SAdd(ctx, s.stageIndexKey(stageID), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("cache put: %w", err)
	}

	version := int(pushCmd.Val() - 1)
	s.logger.Debug("cache put",
		zap.String("stage_id", stageID),
		zap.String("input_hash", inputHash),
		zap.Int("version", version),
	)

	return &Entry{
		StageID:         stageID,
		InputHash:       inputHash,
		Version:         version,
		Result:          payload.Result,
		FeedbackSummary: feedbackSummary,
		CreatedAt:       payload.CreatedAt,
	}, nil
}

// Invalidate implements Store.
func (s *RedisStore) Invalidate(ctx context.Context, stageID string) error {
	indexKey := s.stageIndexKey(stageID)
	keys, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return fmt.Errorf("cache invalidate: %w", err)
	}

	keys = append(keys, indexKey)
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache invalidate: %w", err)
	}

	s.logger.Info("cache invalidated",
		zap.String("stage_id", stageID),
		zap.Int("keys_dropped", len(keys)-1),
	)
	return nil
}
