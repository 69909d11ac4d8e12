package handlers

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	healthStatusOK       = "ok"
	healthStatusDegraded = "degraded"

	defaultHealthCheckTimeout = 2 * time.Second
)

// HealthCheck checks one dependency. A nil error means the dependency is usable.
type HealthCheck func(ctx context.Context) error

// BuildInfo describes the running binary.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

type healthCheckPayload struct {
	Status    string `json:"status"`
	LatencyMS int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

// HealthHandlers serves liveness and readiness endpoints.
type HealthHandlers struct {
	build   BuildInfo
	clock   func() time.Time
	timeout time.Duration
	names   []string
	checks  map[string]HealthCheck
}

// HealthOption customises HealthHandlers.
type HealthOption func(*HealthHandlers)

func WithHealthBuildInfo(info BuildInfo) HealthOption {
	return func(h *HealthHandlers) {
		h.build = info
	}
}

func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

func WithHealthTimeout(timeout time.Duration) HealthOption {
	return func(h *HealthHandlers) {
		if timeout > 0 {
			h.timeout = timeout
		}
	}
}

// WithHealthCheck registers a readiness check under name. Later registrations replace earlier ones.
func WithHealthCheck(name string, check HealthCheck) HealthOption {
	return func(h *HealthHandlers) {
		name = strings.TrimSpace(name)
		if name == "" || check == nil {
			return
		}
		if _, exists := h.checks[name]; !exists {
			h.names = append(h.names, name)
		}
		h.checks[name] = check
	}
}

// NewHealthHandlers constructs the health handlers.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{
		clock:   time.Now,
		timeout: defaultHealthCheckTimeout,
		checks:  make(map[string]HealthCheck),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.build.StartedAt.IsZero() {
		h.build.StartedAt = h.clock()
	}
	return h
}

// Healthz reports liveness without touching dependencies.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.clock().UTC()
	payload := map[string]any{
		"status":    healthStatusOK,
		"uptime":    now.Sub(h.build.StartedAt).Round(time.Second).String(),
		"timestamp": now.Format(time.RFC3339),
	}
	if h.build.Version != "" {
		payload["version"] = h.build.Version
	}
	if h.build.CommitSHA != "" {
		payload["commitSha"] = h.build.CommitSHA
	}
	if h.build.Environment != "" {
		payload["environment"] = h.build.Environment
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

// Readyz runs every registered check concurrently and answers 503 when any of them fails.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var (
		mu      sync.Mutex
		results = make(map[string]healthCheckPayload, len(h.names))
		details []string
		g       errgroup.Group
	)
	for _, name := range h.names {
		check := h.checks[name]
		g.Go(func() error {
			started := h.clock()
			err := check(ctx)
			result := healthCheckPayload{
				Status:    healthStatusOK,
				LatencyMS: h.clock().Sub(started).Milliseconds(),
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Status = healthStatusDegraded
				result.Error = err.Error()
				details = append(details, name+": "+err.Error())
			}
			results[name] = result
			return nil
		})
	}
	_ = g.Wait()

	status := healthStatusOK
	code := http.StatusOK
	if len(details) > 0 {
		status = healthStatusDegraded
		code = http.StatusServiceUnavailable
		sort.Strings(details)
	}

	writeJSONResponse(w, code, map[string]any{
		"status":    status,
		"checks":    results,
		"details":   details,
		"timestamp": h.clock().UTC().Format(time.RFC3339),
	})
}
