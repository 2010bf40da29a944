package runtime

import (
	"context"
	"fmt"
	"net/http"
	"time"

	cerrors "github.com/taskforge/conductor/internal/common/errors"
)

// HealthChecker is injected so tests and alternate transports (ACP, MCP)
// can replace the default HTTP probe.
type HealthChecker interface {
	Check(ctx context.Context, id string, port int, timeout time.Duration) error
}

// HTTPHealthChecker performs a GET /health against the agent's port,
// treating any non-2xx response or network error as failure.
type HTTPHealthChecker struct {
	client *http.Client
}

// NewHTTPHealthChecker constructs the default HealthChecker.
func NewHTTPHealthChecker() *HTTPHealthChecker {
	return &HTTPHealthChecker{client: &http.Client{}}
}

func (h *HTTPHealthChecker) Check(ctx context.Context, id string, port int, timeout time.Duration) error {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return cerrors.Internal("failed to build health check request", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return cerrors.Wrap(err, fmt.Sprintf("health check failed for agent %s", id))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return cerrors.Resource(fmt.Sprintf("health check for agent %s returned status %d", id, resp.StatusCode))
	}
	return nil
}
