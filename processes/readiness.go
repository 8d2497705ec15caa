package processes

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ReadinessChecker decides whether a freshly spawned proxy accepts requests.
type ReadinessChecker interface {
	// Check returns nil once the control endpoint on port answers.
	Check(ctx context.Context, port int) error
}

// HTTPReadinessChecker implements ReadinessChecker using HTTP GET requests
// against http://localhost:<PORT>/proxy.
type HTTPReadinessChecker struct {
	client *http.Client
}

// NewHTTPReadinessChecker creates a new HTTPReadinessChecker.
// requestTimeout bounds each individual probe request.
func NewHTTPReadinessChecker(requestTimeout time.Duration) *HTTPReadinessChecker {
	return &HTTPReadinessChecker{
		client: &http.Client{
			Timeout: requestTimeout,
		},
	}
}

// Check performs one readiness probe.
func (h *HTTPReadinessChecker) Check(ctx context.Context, port int) error {
	if port <= 0 {
		return fmt.Errorf("invalid port %d for readiness check", port)
	}

	url := fmt.Sprintf("http://localhost:%d/proxy", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create readiness request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("readiness request to %s failed: %w", url, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusOK {
		return nil
	}
	return fmt.Errorf("readiness check at %s returned status %s", url, resp.Status)
}

// errExited is reported when the process dies while being polled.
var errExited = fmt.Errorf("process exited during startup")

// waitUntilReady polls checker every interval until it succeeds, timeout
// elapses, ctx is cancelled, or exited is closed.
func waitUntilReady(ctx context.Context, checker ReadinessChecker, port int, timeout, interval time.Duration, exited <-chan struct{}) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr error
	for {
		select {
		case <-exited:
			return errExited
		default:
		}

		if lastErr = checker.Check(ctx, port); lastErr == nil {
			return nil
		}

		select {
		case <-exited:
			return errExited
		case <-ctx.Done():
			return fmt.Errorf("control endpoint on port %d not available after %s: %w", port, timeout, lastErr)
		case <-ticker.C:
		}
	}
}
