package middleware

import (
	"strings"
	"time"

	"stockledger/internal/common"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

var skipLogPrefixes = []string{"/health", "/swagger"}

// RequestLogger writes one structured line per request. Mutating requests
// and failures are logged at info, reads at debug.
func RequestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			if req.Method == "GET" && shouldSkipLogging(req.URL.Path) {
				return nil
			}

			status := c.Response().Status
			evt := log.Debug()
			if req.Method != "GET" || status >= 400 {
				evt = log.Info()
			}
			if status >= 500 {
				evt = log.Error()
			}
			evt = evt.Str("method", req.Method).
				Str("route", c.Path()).
				Int("status", status).
				Dur("latency", time.Since(start)).
				Str("request_id", c.Response().Header().Get(echo.HeaderXRequestID)).
				Str("idempotency_key", req.Header.Get("Idempotency-Key"))
			if actor, ok := common.GetActorFromContext(req.Context()); ok {
				evt = evt.Str("actor", actor.ID).Str("role", string(actor.Role))
			}
			evt.Msg("request")
			return nil
		}
	}
}

func shouldSkipLogging(path string) bool {
	for _, prefix := range skipLogPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
