package middleware

import (
	"net/http"
	"strings"

	"stockledger/internal/common"
	"stockledger/internal/models"

	"github.com/labstack/echo/v4"
)

// RequireRole rejects requests whose actor holds none of roles.
func RequireRole(roles ...models.Role) echo.MiddlewareFunc {
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		names = append(names, string(r))
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			actor, ok := common.GetActorFromContext(c.Request().Context())
			if !ok {
				return common.SendUnauthorizedError(c)
			}
			if !actor.HasRole(roles...) {
				return c.JSON(http.StatusForbidden, common.CreateErrorResponse(common.CodeForbidden,
					"Insufficient permissions", map[string]string{"required_role": strings.Join(names, ",")}))
			}
			return next(c)
		}
	}
}
