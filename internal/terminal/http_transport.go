package terminal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"stockledger/internal/common"
	"stockledger/internal/models"
)

// Transport delivers a batch of queued operations to the server and returns
// one result per operation.
type Transport interface {
	Push(ctx context.Context, terminalID string, ops []models.SyncOperationRequest) ([]models.SyncOpResult, error)
}

// TransportError is a non-200 answer from the sync endpoint.
type TransportError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *TransportError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("sync push failed with %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("sync push failed with %d", e.StatusCode)
}

// Temporary reports whether the push may succeed if sent again unchanged.
func (e *TransportError) Temporary() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

// isTemporary treats network failures as retryable along with 5xx and 429.
func isTemporary(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Temporary()
	}
	return true
}

type pushRequest struct {
	Operations []models.SyncOperationRequest `json:"operations"`
}

type pushResponse struct {
	TerminalID string                `json:"terminal_id"`
	Results    []models.SyncOpResult `json:"results"`
}

// HTTPTransport pushes to POST {base}/v1/terminals/{id}/sync with a bearer
// token.
type HTTPTransport struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPTransport(baseURL, token string, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (t *HTTPTransport) Push(ctx context.Context, terminalID string, ops []models.SyncOperationRequest) ([]models.SyncOpResult, error) {
	body, err := json.Marshal(pushRequest{Operations: ops})
	if err != nil {
		return nil, fmt.Errorf("failed to encode sync batch: %w", err)
	}

	endpoint := t.baseURL + "/v1/terminals/" + url.PathEscape(terminalID) + "/sync"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build sync request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sync push: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read sync response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		te := &TransportError{StatusCode: resp.StatusCode}
		var apiErr common.ErrorResponse
		if json.Unmarshal(raw, &apiErr) == nil {
			te.Code = apiErr.Error.Code
			te.Message = apiErr.Error.Message
		}
		return nil, te
	}

	var out pushResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode sync response: %w", err)
	}
	return out.Results, nil
}
