package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"stockledger/internal/common"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// RateLimiter counts requests per key within a window. The quantity cache
// implements it.
type RateLimiter interface {
	IsRateLimited(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// RateLimit caps requests per actor, falling back to the client IP before
// authentication. A limiter failure lets the request through.
func RateLimit(limiter RateLimiter, limit int, window time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if limit <= 0 {
				return next(c)
			}
			key := "ip:" + c.RealIP()
			if actor, ok := common.GetActorFromContext(c.Request().Context()); ok && actor.ID != "" {
				key = "actor:" + actor.ID
			}

			limited, err := limiter.IsRateLimited(c.Request().Context(), key, limit, window)
			if err != nil {
				log.Warn().Err(err).Str("key", key).Msg("rate limiter unavailable")
				return next(c)
			}
			if limited {
				c.Response().Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
				return c.JSON(http.StatusTooManyRequests, common.CreateErrorResponse("RATE_LIMITED", "Too many requests", nil))
			}
			return next(c)
		}
	}
}
