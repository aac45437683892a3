package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/recycle-exchange-api/internal/repository"
)

const defaultProfileCacheTTL = 10 * time.Minute

// ProfileDirectory resolves display names for chat participants.
type ProfileDirectory interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

type profileDirectory struct {
	repo     repository.ProfileRepository
	cache    *redis.Client
	cacheTTL time.Duration
	logger   zerolog.Logger
}

// NewProfileDirectory builds a directory that reads profiles through a Redis cache.
// A nil cache disables caching.
func NewProfileDirectory(repo repository.ProfileRepository, cache *redis.Client, ttl time.Duration, logger zerolog.Logger) ProfileDirectory {
	if ttl <= 0 {
		ttl = defaultProfileCacheTTL
	}
	return &profileDirectory{
		repo:     repo,
		cache:    cache,
		cacheTTL: ttl,
		logger:   logger.With().Str("component", "profile_directory").Logger(),
	}
}

// DisplayName falls back to the user id when no profile exists.
func (d *profileDirectory) DisplayName(ctx context.Context, userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", validationError("user id is required")
	}

	cacheKey := fmt.Sprintf("profile:display_name:%s", userID)
	if d.cache != nil {
		cached, err := d.cache.Get(ctx, cacheKey).Result()
		if err == nil {
			return cached, nil
		}
		if !errors.Is(err, redis.Nil) {
			d.logger.Warn().Err(err).Msg("failed to read profile cache")
		}
	}

	name := userID
	profile, err := d.repo.Get(ctx, userID)
	switch {
	case err == nil:
		if trimmed := strings.TrimSpace(profile.DisplayName); trimmed != "" {
			name = trimmed
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		d.logger.Debug().Str("user_id", userID).Msg("profile missing, using user id")
	default:
		return "", Classify("profile.get", err)
	}

	if d.cache != nil {
		if err := d.cache.Set(ctx, cacheKey, name, d.cacheTTL).Err(); err != nil {
			d.logger.Warn().Err(err).Msg("failed to store profile cache")
		}
	}

	return name, nil
}
