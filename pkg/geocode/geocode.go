// Package geocode wraps reverse-geocoding lookups used to describe pickup locations.
package geocode

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Reverser turns coordinates into a human readable address. An empty string
// with a nil error means the location has no known address.
type Reverser interface {
	Reverse(ctx context.Context, lat, lon float64) (string, error)
}

// ReverserFunc adapts a function to Reverser.
type ReverserFunc func(ctx context.Context, lat, lon float64) (string, error)

// Reverse calls f.
func (f ReverserFunc) Reverse(ctx context.Context, lat, lon float64) (string, error) {
	return f(ctx, lat, lon)
}

// Nop never resolves an address.
type Nop struct{}

// Reverse always returns an empty address.
func (Nop) Reverse(context.Context, float64, float64) (string, error) {
	return "", nil
}

// Cached memoises lookups in Redis, including misses.
type Cached struct {
	next   Reverser
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

const missMarker = "\x00"

// NewCached wraps next with a Redis cache. A nil client returns next unchanged.
func NewCached(next Reverser, client *redis.Client, ttl time.Duration, logger zerolog.Logger) Reverser {
	if client == nil {
		return next
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cached{
		next:   next,
		client: client,
		ttl:    ttl,
		logger: logger.With().Str("component", "geocode_cache").Logger(),
	}
}

// Reverse serves from cache when possible. Coordinates are rounded to ~11m.
func (c *Cached) Reverse(ctx context.Context, lat, lon float64) (string, error) {
	key := fmt.Sprintf("geocode:reverse:%.4f:%.4f", lat, lon)

	cached, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		if cached == missMarker {
			return "", nil
		}
		return cached, nil
	case !errors.Is(err, redis.Nil):
		c.logger.Warn().Err(err).Msg("failed to read geocode cache")
	}

	address, err := c.next.Reverse(ctx, lat, lon)
	if err != nil {
		return "", err
	}

	value := address
	if value == "" {
		value = missMarker
	}
	if err := c.client.Set(ctx, key, value, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("failed to store geocode cache")
	}

	return address, nil
}
