package middleware

import (
	"errors"
	"fmt"
	"time"

	"stockledger/internal/common"
	"stockledger/internal/models"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// Claims is the token payload issued by the identity provider. Subject is the
// actor id.
type Claims struct {
	Role       models.Role `json:"role"`
	TerminalID string      `json:"terminal_id,omitempty"`
	jwt.RegisteredClaims
}

// JWTConfig builds the echo-jwt configuration. A JWKS URL takes precedence
// over a shared secret. The returned stop function ends background key
// refresh.
func JWTConfig(secret, jwksURL string) (echojwt.Config, func(), error) {
	cfg := echojwt.Config{
		NewClaimsFunc: func(c echo.Context) jwt.Claims {
			return new(Claims)
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return common.SendUnauthorizedError(c)
		},
	}

	if jwksURL != "" {
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
			RefreshInterval:   time.Hour,
			RefreshRateLimit:  5 * time.Minute,
			RefreshUnknownKID: true,
			RefreshErrorHandler: func(err error) {
				log.Warn().Err(err).Str("jwks_url", jwksURL).Msg("failed to refresh JWKS")
			},
		})
		if err != nil {
			return cfg, func() {}, fmt.Errorf("load JWKS: %w", err)
		}
		cfg.KeyFunc = jwks.Keyfunc
		return cfg, jwks.EndBackground, nil
	}

	if secret == "" {
		return cfg, func() {}, errors.New("either a JWT secret or a JWKS URL is required")
	}
	cfg.SigningKey = []byte(secret)
	return cfg, func() {}, nil
}

// ActorContext turns the verified token stored by echo-jwt into the request's
// actor.
func ActorContext() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token, ok := c.Get("user").(*jwt.Token)
			if !ok {
				return common.SendUnauthorizedError(c)
			}
			claims, ok := token.Claims.(*Claims)
			if !ok || claims.Subject == "" || !claims.Role.Valid() {
				return common.SendUnauthorizedError(c)
			}

			actor := models.Actor{ID: claims.Subject, Role: claims.Role, TerminalID: claims.TerminalID}
			ctx := common.WithActor(c.Request().Context(), actor)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// IssueToken signs claims with a shared secret. Used by the terminal CLI and
// tests.
func IssueToken(secret string, actor models.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role:       actor.Role,
		TerminalID: actor.TerminalID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
