package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"teampoints/core"
)

// Config holds Redis connection configuration
type Config struct {
	Addr         string        `json:"addr" env:"ADDR"`
	Password     string        `json:"password,omitempty" env:"PASSWORD"`
	DB           int           `json:"db" env:"DB"`
	PoolSize     int           `json:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int           `json:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	DialTimeout  time.Duration `json:"dial_timeout" env:"DIAL_TIMEOUT"`
	ReadTimeout  time.Duration `json:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout time.Duration `json:"write_timeout" env:"WRITE_TIMEOUT"`
	KeyPrefix    string        `json:"key_prefix" env:"KEY_PREFIX"`
}

// DefaultConfig returns sensible defaults for Redis configuration
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		KeyPrefix:    "teampoints",
	}
}

// CapStore persists cap accumulators in Redis.
// Data structure:
// - {prefix}:cap:{group}:{rule} -> hash {points, reset}
//
// A missing points field means the accumulator was reset; reset holds the
// last reset instant in unix nanoseconds.
type CapStore struct {
	client *redis.Client
	prefix string
}

// New creates a Redis-backed cap store with the provided configuration
func New(config Config) (*CapStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &CapStore{client: client, prefix: prefixOrDefault(config.KeyPrefix)}, nil
}

// NewWithClient creates a CapStore using an existing Redis client (useful for testing)
func NewWithClient(client *redis.Client, prefix string) *CapStore {
	return &CapStore{client: client, prefix: prefixOrDefault(prefix)}
}

func prefixOrDefault(p string) string {
	if p == "" {
		return "teampoints"
	}
	return p
}

// Close closes the Redis connection
func (s *CapStore) Close() error {
	return s.client.Close()
}

// Ping reports whether Redis is reachable.
func (s *CapStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *CapStore) capKey(key core.CapKey) string {
	return fmt.Sprintf("%s:cap:%s:%s", s.prefix, key.GroupID, key.Rule)
}

const (
	fieldPoints = "points"
	fieldReset  = "reset"
)

func (s *CapStore) Load(ctx context.Context, key core.CapKey) (core.CapEntry, error) {
	vals, err := s.client.HGetAll(ctx, s.capKey(key)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return core.CapEntry{}, fmt.Errorf("load cap %s: %w", key, err)
	}
	var e core.CapEntry
	if raw, ok := vals[fieldPoints]; ok {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return core.CapEntry{}, fmt.Errorf("parse cap points %s: %w", key, err)
		}
		e.Points, e.HasPoints = n, true
	}
	if raw, ok := vals[fieldReset]; ok {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return core.CapEntry{}, fmt.Errorf("parse cap reset %s: %w", key, err)
		}
		e.LastReset = time.Unix(0, n).UTC()
	}
	return e, nil
}

// Commit writes all entries in one MULTI/EXEC block.
func (s *CapStore) Commit(ctx context.Context, entries map[core.CapKey]core.CapEntry) error {
	if len(entries) == 0 {
		return nil
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for k, e := range entries {
			rk := s.capKey(k)
			if e.HasPoints {
				pipe.HSet(ctx, rk, fieldPoints, e.Points)
			} else {
				pipe.HDel(ctx, rk, fieldPoints)
			}
			if !e.LastReset.IsZero() {
				pipe.HSet(ctx, rk, fieldReset, e.LastReset.UnixNano())
			} else {
				pipe.HDel(ctx, rk, fieldReset)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit caps: %w", err)
	}
	return nil
}

// Keys lists the cap keys stored for a group.
func (s *CapStore) Keys(ctx context.Context, group core.GroupID) ([]core.CapKey, error) {
	pattern := fmt.Sprintf("%s:cap:%s:*", s.prefix, group)
	head := len(fmt.Sprintf("%s:cap:%s:", s.prefix, group))
	var out []core.CapKey
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		out = append(out, core.CapKey{GroupID: group, Rule: iter.Val()[head:]})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan caps: %w", err)
	}
	return out, nil
}
