package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"stockledger/internal/common"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathUUID(t *testing.T) {
	tests := []struct {
		name         string
		input        string
		expectError  bool
		errorMsg     string
		expectedUUID uuid.UUID
	}{
		{
			name:         "Valid UUID",
			input:        "550e8400-e29b-41d4-a716-446655440000",
			expectedUUID: uuid.MustParse("550e8400-e29b-41d4-a716-446655440000"),
		},
		{
			name:         "Valid UUID with whitespaces trimmed",
			input:        " 550e8400-e29b-41d4-a716-446655440000 ",
			expectedUUID: uuid.MustParse("550e8400-e29b-41d4-a716-446655440000"),
		},
		{
			name:         "Case insensitive UUID",
			input:        "550E8400-E29B-41D4-A716-446655440000",
			expectedUUID: uuid.MustParse("550e8400-e29b-41d4-a716-446655440000"),
		},
		{name: "Empty string", input: "", expectError: true, errorMsg: "is required"},
		{name: "Empty string after trimming", input: "   ", expectError: true, errorMsg: "is required"},
		{name: "Too short UUID", input: "550e8400-e29b-41d4-a716-44665544000", expectError: true, errorMsg: "must be a valid UUID"},
		{name: "Invalid character", input: "550e8400-e29b-41d4-g716-446655440000", expectError: true, errorMsg: "must be a valid UUID"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
			c.SetParamNames("id")
			c.SetParamValues(tt.input)

			result, err := pathUUID(c, "id")

			if tt.expectError {
				var validation *common.ValidationError
				require.ErrorAs(t, err, &validation)
				assert.Equal(t, "id", validation.Field)
				assert.Equal(t, tt.errorMsg, validation.Message)
				assert.Equal(t, uuid.Nil, result)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expectedUUID, result)
		})
	}
}

func TestQueryPagination(t *testing.T) {
	tests := []struct {
		name           string
		query          string
		limit, offset  int
		expectedErrFld string
	}{
		{name: "defaults", query: "", limit: 50, offset: 0},
		{name: "explicit", query: "?limit=10&offset=20", limit: 10, offset: 20},
		{name: "limit capped", query: "?limit=5000", limit: 1000, offset: 0},
		{name: "bad limit", query: "?limit=ten", expectedErrFld: "limit"},
		{name: "bad offset", query: "?offset=x", expectedErrFld: "offset"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/"+tt.query, nil), httptest.NewRecorder())

			limit, offset, err := queryPagination(c)

			if tt.expectedErrFld != "" {
				var validation *common.ValidationError
				require.ErrorAs(t, err, &validation)
				assert.Equal(t, tt.expectedErrFld, validation.Field)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.limit, limit)
			assert.Equal(t, tt.offset, offset)
		})
	}
}

func TestIdempotencyKeyPrefersBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set(IdempotencyHeader, "from-header")
	c := echo.New().NewContext(req, httptest.NewRecorder())

	assert.Equal(t, "from-body", idempotencyKey(c, "from-body"))
	assert.Equal(t, "from-header", idempotencyKey(c, ""))
}
