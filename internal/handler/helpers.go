package handler

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/recycle-exchange-api/internal/middleware"
	"github.com/noah-isme/recycle-exchange-api/internal/service"
	"github.com/noah-isme/recycle-exchange-api/internal/utils"
)

func parseQueryInt(c *fiber.Ctx, key string) (int, error) {
	value := strings.TrimSpace(c.Query(key))
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	return parsed, nil
}

func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}
	return middleware.ContextWithCorrelation(ctx, middleware.GetCorrelationID(c))
}

func requestLogger(base zerolog.Logger, c *fiber.Ctx) *zerolog.Logger {
	logger := base
	if c != nil {
		if correlation := middleware.GetCorrelationID(c); correlation != "" {
			logger = base.With().Str("correlation_id", correlation).Logger()
		}
	}
	return &logger
}

func errorStatus(err error) int {
	switch service.KindOf(err) {
	case service.KindValidation:
		return fiber.StatusBadRequest
	case service.KindNotAuthenticated:
		return fiber.StatusUnauthorized
	case service.KindForbidden:
		return fiber.StatusForbidden
	case service.KindNotFound:
		return fiber.StatusNotFound
	case service.KindConflict, service.KindSession:
		return fiber.StatusConflict
	case service.KindTransientIO:
		return fiber.StatusServiceUnavailable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fiber.StatusGatewayTimeout
	}
	return fiber.StatusInternalServerError
}

// respondError maps a classified service error onto the response envelope.
func respondError(c *fiber.Ctx, logger zerolog.Logger, err error) error {
	status := errorStatus(err)
	log := requestLogger(logger, c)
	if status >= fiber.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
	} else {
		log.Debug().Err(err).Msg("request rejected")
	}

	details := map[string]string{}
	if kind := service.KindOf(err); kind != "" {
		details["kind"] = string(kind)
	}
	return utils.Fail(c, status, err.Error(), details)
}
