// Package redis provides Redis implementations of gosubs.RetryQueue and gosubs.StatusCache.
// The retry queue is a sorted set scored by due time; due jobs are popped atomically by a Lua script.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

// Storage implements gosubs.RetryQueue and gosubs.StatusCache using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

var (
	_ gosubs.RetryQueue  = (*Storage)(nil)
	_ gosubs.StatusCache = (*Storage)(nil)
)

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "gosubs:")
	KeyPrefix string

	// StatusTTL is the TTL for cached status views (default: 5m)
	StatusTTL time.Duration

	// PopBatch caps PopDue when the caller passes no limit (default: 100)
	PopBatch int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "gosubs:",
		StatusTTL: 5 * time.Minute,
		PopBatch:  100,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "gosubs:"
	}
	if config.StatusTTL <= 0 {
		config.StatusTTL = 5 * time.Minute
	}
	if config.PopBatch <= 0 {
		config.PopBatch = 100
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

// loadScripts loads and compiles Lua scripts for atomic operations
func (s *Storage) loadScripts() {
	// Schedule replaces any earlier schedule of the same job id
	s.scripts["schedule"] = redis.NewScript(`
		local queueKey = KEYS[1]
		local jobsKey = KEYS[2]
		local id = ARGV[1]
		local score = tonumber(ARGV[2])
		local data = ARGV[3]

		redis.call('HSET', jobsKey, id, data)
		redis.call('ZADD', queueKey, score, id)
		return 1
	`)

	// Pop every job due at or before now, oldest first, up to limit
	s.scripts["popDue"] = redis.NewScript(`
		local queueKey = KEYS[1]
		local jobsKey = KEYS[2]
		local now = tonumber(ARGV[1])
		local limit = tonumber(ARGV[2])

		local ids = redis.call('ZRANGEBYSCORE', queueKey, '-inf', now, 'LIMIT', 0, limit)
		local out = {}
		for _, id in ipairs(ids) do
			local data = redis.call('HGET', jobsKey, id)
			redis.call('ZREM', queueKey, id)
			redis.call('HDEL', jobsKey, id)
			if data then
				table.insert(out, data)
			end
		end
		return out
	`)
}

// Schedule implements gosubs.RetryQueue
func (s *Storage) Schedule(ctx context.Context, job *gosubs.ReceiptJob, at time.Time) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("invalid receipt job")
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal receipt job: %w", err)
	}

	keys := []string{s.queueKey(), s.jobsKey()}
	if err := s.scripts["schedule"].Run(ctx, s.client, keys, job.ID, at.UnixMilli(), string(data)).Err(); err != nil {
		return fmt.Errorf("failed to schedule receipt job: %w", err)
	}
	return nil
}

// PopDue implements gosubs.RetryQueue
func (s *Storage) PopDue(ctx context.Context, now time.Time, limit int) ([]*gosubs.ReceiptJob, error) {
	if limit <= 0 {
		limit = s.config.PopBatch
	}

	keys := []string{s.queueKey(), s.jobsKey()}
	result, err := s.scripts["popDue"].Run(ctx, s.client, keys, now.UnixMilli(), limit).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to pop due receipt jobs: %w", err)
	}

	jobs := make([]*gosubs.ReceiptJob, 0, len(result))
	for _, data := range result {
		var job gosubs.ReceiptJob
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			return jobs, fmt.Errorf("failed to unmarshal receipt job: %w", err)
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// QueueLen returns the number of scheduled receipt jobs.
func (s *Storage) QueueLen(ctx context.Context) (int64, error) {
	return s.client.ZCard(ctx, s.queueKey()).Result()
}

// Get implements gosubs.StatusCache
func (s *Storage) Get(ctx context.Context, userID string) (*gosubs.StatusView, bool, error) {
	data, err := s.client.Get(ctx, s.statusKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get cached status: %w", err)
	}

	var view gosubs.StatusView
	if err := json.Unmarshal(data, &view); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal cached status: %w", err)
	}
	return &view, true, nil
}

// Set implements gosubs.StatusCache
func (s *Storage) Set(ctx context.Context, view *gosubs.StatusView) error {
	if view == nil || view.UserID == "" {
		return fmt.Errorf("invalid status view")
	}
	data, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	if err := s.client.Set(ctx, s.statusKey(view.UserID), data, s.config.StatusTTL).Err(); err != nil {
		return fmt.Errorf("failed to cache status: %w", err)
	}
	return nil
}

// Invalidate implements gosubs.StatusCache
func (s *Storage) Invalidate(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, s.statusKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate cached status: %w", err)
	}
	return nil
}

// Key generation helpers. The queue keys share a hash tag so the Lua scripts stay on one
// cluster slot.
func (s *Storage) queueKey() string {
	return fmt.Sprintf("%s{receipts}:queue", s.config.KeyPrefix)
}

func (s *Storage) jobsKey() string {
	return fmt.Sprintf("%s{receipts}:jobs", s.config.KeyPrefix)
}

func (s *Storage) statusKey(userID string) string {
	return fmt.Sprintf("%sstatus:%s", s.config.KeyPrefix, userID)
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
