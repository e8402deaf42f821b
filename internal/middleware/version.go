package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"stockledger/internal/common"

	"github.com/labstack/echo/v4"
)

// APIVersion describes one served API version.
type APIVersion struct {
	Version string `json:"version"`
	Status  string `json:"status"` // "active" or "deprecated"
	Message string `json:"message,omitempty"`
}

type VersionMiddleware struct {
	supported      map[string]APIVersion
	defaultVersion string
}

func NewVersionMiddleware() *VersionMiddleware {
	return &VersionMiddleware{
		supported: map[string]APIVersion{
			"v1": {Version: "v1", Status: "active", Message: "Inventory consistency API"},
		},
		defaultVersion: "v1",
	}
}

// VersionHeader stamps responses with the served version.
func (vm *VersionMiddleware) VersionHeader(version string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Response().Header().Set("X-API-Version", version)
			if ver, ok := vm.supported[version]; ok && ver.Status == "deprecated" {
				c.Response().Header().Set("X-API-Deprecated", "true")
			}
			return next(c)
		}
	}
}

// APIVersionResolver rejects requests for versions that are not served.
func (vm *VersionMiddleware) APIVersionResolver() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			version := extractVersion(c.Request().URL.Path)
			if version == "" {
				c.Set("api_version", vm.defaultVersion)
				return next(c)
			}
			if _, ok := vm.supported[version]; !ok {
				return c.JSON(http.StatusNotFound, common.CreateErrorResponse("UNSUPPORTED_VERSION",
					"Unsupported API version", map[string]string{"supported_versions": strings.Join(vm.versions(), ", ")}))
			}
			c.Set("api_version", version)
			return next(c)
		}
	}
}

// extractVersion reads a /vN prefix.
func extractVersion(path string) string {
	if len(path) < 3 || path[0] != '/' || path[1] != 'v' {
		return ""
	}
	end := strings.IndexByte(path[1:], '/')
	segment := path[2:]
	if end >= 0 {
		segment = path[2 : end+1]
	}
	if n, err := strconv.Atoi(segment); err == nil && n > 0 {
		return "v" + strconv.Itoa(n)
	}
	return ""
}

func (vm *VersionMiddleware) versions() []string {
	out := make([]string, 0, len(vm.supported))
	for v := range vm.supported {
		out = append(out, v)
	}
	return out
}
