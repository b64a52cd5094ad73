/*
Copyright (C) 2026 Saltline Software

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package cache provides a Redis-backed snapshot cache for schedule
// reads. Officer UIs poll timelines far more often than they issue
// commands; the scheduler invalidates after every successful command so
// readers always see the last committed aggregate.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/saltline/startline/internal/models"
)

// DefaultScheduleTTL bounds staleness if an invalidation is lost.
const DefaultScheduleTTL = 5 * time.Minute

const keySchedule = "startline:cache:schedule:" // + schedule_id

// Config contains cache configuration.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	ScheduleTTL   time.Duration
}

// DefaultConfig returns default cache configuration.
func DefaultConfig() Config {
	return Config{
		RedisAddr:   "localhost:6379",
		ScheduleTTL: DefaultScheduleTTL,
	}
}

// Cache provides Redis-backed caching with graceful fallback: when
// Redis is unreachable the cache disables itself and every read goes to
// the database.
type Cache struct {
	client *redis.Client
	logger zerolog.Logger
	config Config

	mu       sync.RWMutex
	disabled bool
}

// New creates a cache instance. A dead Redis is not fatal.
func New(cfg Config, logger zerolog.Logger) (*Cache, error) {
	if cfg.ScheduleTTL <= 0 {
		cfg.ScheduleTTL = DefaultScheduleTTL
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Msg("Redis cache unavailable, running without caching")
		return &Cache{
			logger:   logger.With().Str("component", "cache").Logger(),
			config:   cfg,
			disabled: true,
		}, nil
	}

	logger.Info().Str("addr", cfg.RedisAddr).Msg("Redis cache initialized")
	return &Cache{
		client: client,
		logger: logger.With().Str("component", "cache").Logger(),
		config: cfg,
	}, nil
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// IsAvailable returns true if the cache is operational.
func (c *Cache) IsAvailable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.disabled && c.client != nil
}

func (c *Cache) handleError(err error, operation string) {
	if err == nil || err == redis.Nil {
		return
	}
	c.logger.Warn().Err(err).Str("operation", operation).Msg("cache error, disabling cache")
	c.mu.Lock()
	c.disabled = true
	c.mu.Unlock()
}

// GetSchedule returns the cached schedule snapshot, if present.
func (c *Cache) GetSchedule(ctx context.Context, scheduleID string) (*models.StartSchedule, bool) {
	if !c.IsAvailable() {
		return nil, false
	}
	data, err := c.client.Get(ctx, keySchedule+scheduleID).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.handleError(err, "get_schedule")
		return nil, false
	}
	var sched models.StartSchedule
	if err := json.Unmarshal(data, &sched); err != nil {
		c.logger.Debug().Err(err).Str("schedule_id", scheduleID).Msg("corrupt cache entry")
		return nil, false
	}
	return &sched, true
}

// SetSchedule stores a schedule snapshot.
func (c *Cache) SetSchedule(ctx context.Context, sched *models.StartSchedule) error {
	if !c.IsAvailable() {
		return nil
	}
	data, err := json.Marshal(sched)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, keySchedule+sched.ID, data, c.config.ScheduleTTL).Err(); err != nil {
		c.handleError(err, "set_schedule")
		return err
	}
	return nil
}

// InvalidateSchedule drops the snapshot after a successful command.
func (c *Cache) InvalidateSchedule(ctx context.Context, scheduleID string) error {
	if !c.IsAvailable() {
		return nil
	}
	if err := c.client.Del(ctx, keySchedule+scheduleID).Err(); err != nil {
		c.handleError(err, "invalidate_schedule")
		return err
	}
	return nil
}
