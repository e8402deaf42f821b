package handlers

import (
	"net/http"
	"strconv"

	"stockledger/internal/common"
	"stockledger/internal/models"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// IdempotencyHeader carries the client key for mutating requests. A key in
// the JSON body takes precedence.
const IdempotencyHeader = "Idempotency-Key"

func idempotencyKey(c echo.Context, bodyKey string) string {
	if bodyKey != "" {
		return bodyKey
	}
	return c.Request().Header.Get(IdempotencyHeader)
}

// requireActor reads the authenticated actor, writing a 401 when absent.
func requireActor(c echo.Context) (models.Actor, bool) {
	actor, ok := common.GetActorFromContext(c.Request().Context())
	if !ok || actor.ID == "" {
		_ = common.SendUnauthorizedError(c)
		return models.Actor{}, false
	}
	return actor, true
}

func pathUUID(c echo.Context, name string) (uuid.UUID, error) {
	return common.ValidateUUID(c.Param(name), name)
}

func queryPagination(c echo.Context) (int, int, error) {
	limit, offset := 0, 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, 0, &common.ValidationError{Field: "limit", Message: "must be an integer"}
		}
		limit = n
	}
	if v := c.QueryParam("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, 0, &common.ValidationError{Field: "offset", Message: "must be an integer"}
		}
		offset = n
	}
	return common.ValidatePaginationParams(limit, offset)
}

func bindJSON(c echo.Context, dst any) error {
	if err := c.Bind(dst); err != nil {
		return &common.ValidationError{Field: "body", Message: "invalid request format"}
	}
	return nil
}

// replayStatus is 200 for a replayed result and created otherwise.
func replayStatus(replayed bool, created int) int {
	if replayed {
		return http.StatusOK
	}
	return created
}
