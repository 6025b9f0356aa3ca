package processes

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// HealthChecker decides whether a child is ready to receive traffic.
type HealthChecker interface {
	// Check returns StateRunning if the child is ready, StateUnhealthy otherwise.
	// An error describes why the check did not pass.
	Check(ctx context.Context, process *ManagedProcess) (ProcessState, error)
}

// HTTPHealthChecker polls the child's ReadyPath over HTTP, or opens a TCP connection to its
// port when no path is configured.
type HTTPHealthChecker struct {
	client         *http.Client
	requestTimeout time.Duration
}

// NewHTTPHealthChecker creates a new HTTPHealthChecker.
// requestTimeout bounds each individual probe.
func NewHTTPHealthChecker(requestTimeout time.Duration) *HTTPHealthChecker {
	return &HTTPHealthChecker{
		client: &http.Client{
			Timeout: requestTimeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		requestTimeout: requestTimeout,
	}
}

// Check performs a readiness probe on the given ManagedProcess.
func (h *HTTPHealthChecker) Check(ctx context.Context, process *ManagedProcess) (ProcessState, error) {
	if process.Port <= 0 {
		return StateFailed, fmt.Errorf("invalid port %d for readiness check on %s", process.Port, process.Spec.Name)
	}
	addr := net.JoinHostPort(probeHost(process.Spec.Host), strconv.Itoa(process.Port))

	if process.Spec.ReadyPath == "" {
		dialer := net.Dialer{Timeout: h.requestTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return StateUnhealthy, fmt.Errorf("readiness dial for %s failed: %w", process.Spec.Name, err)
		}
		conn.Close()
		return StateRunning, nil
	}

	url := "http://" + addr + process.Spec.ReadyPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return StateFailed, fmt.Errorf("failed to create readiness request for %s: %w", process.Spec.Name, err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return StateUnhealthy, fmt.Errorf("readiness request for %s failed: %w", process.Spec.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		return StateRunning, nil
	}
	return StateUnhealthy, fmt.Errorf("readiness check for %s at %s returned status %s", process.Spec.Name, url, resp.Status)
}

// probeHost maps wildcard bind addresses to loopback.
func probeHost(host string) string {
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		return "127.0.0.1"
	}
	return host
}
