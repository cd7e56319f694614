package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/tutu-network/taskvault/internal/domain"
)

// RedisConfig configures the Redis sink.
type RedisConfig struct {
	Addr    string `toml:"addr"`
	Channel string `toml:"channel"`
	// Recent is the number of events kept in the "<channel>:recent" list for
	// late subscribers. Zero disables the list.
	Recent int64 `toml:"recent"`
}

// DefaultRedisConfig returns defaults with Redis disabled (empty Addr).
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{Channel: "taskvault:events", Recent: 100}
}

// RedisSink publishes events as JSON on a pub/sub channel and keeps a
// bounded list of recent events.
type RedisSink struct {
	rdb *redis.Client
	cfg RedisConfig
}

// NewRedisSink connects to cfg.Addr.
func NewRedisSink(cfg RedisConfig) *RedisSink {
	if cfg.Channel == "" {
		cfg.Channel = DefaultRedisConfig().Channel
	}
	return &RedisSink{
		rdb: redis.NewClient(&redis.Options{Addr: cfg.Addr}),
		cfg: cfg,
	}
}

func (s *RedisSink) Name() string { return "redis" }

// RecentKey is the list holding recent events.
func (s *RedisSink) RecentKey() string { return s.cfg.Channel + ":recent" }

// PingContext checks connectivity.
func (s *RedisSink) PingContext(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisSink) Handle(ctx context.Context, e domain.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event %d: %w", e.Seq, err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Publish(ctx, s.cfg.Channel, data)
	if s.cfg.Recent > 0 {
		pipe.RPush(ctx, s.RecentKey(), data)
		pipe.LTrim(ctx, s.RecentKey(), -s.cfg.Recent, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish event %d: %w", e.Seq, err)
	}
	return nil
}

// Recent returns up to the last n events from the recent list, oldest first.
func (s *RedisSink) Recent(ctx context.Context, n int64) ([]domain.Event, error) {
	if n <= 0 {
		return nil, nil
	}
	raw, err := s.rdb.LRange(ctx, s.RecentKey(), -n, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.Event, 0, len(raw))
	for _, r := range raw {
		var e domain.Event
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Close releases the connection.
func (s *RedisSink) Close() error { return s.rdb.Close() }
