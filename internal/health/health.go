package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/nigping/relay-agent/internal/constants"
	"github.com/nigping/relay-agent/internal/reconcile"
	"github.com/nigping/relay-agent/internal/storage"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentStatus represents the status of a specific component
type ComponentStatus struct {
	Name    string                 `json:"name"`
	Status  HealthStatus           `json:"status"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// HealthResponse represents the complete health check response
type HealthResponse struct {
	Status       HealthStatus       `json:"status"`
	RelayAddress string             `json:"relay_address"`
	Interface    string             `json:"interface"`
	Phase        string             `json:"phase"`
	Subscription string             `json:"subscription"`
	LastSync     *time.Time         `json:"last_sync,omitempty"`
	LastError    string             `json:"last_error,omitempty"`
	ActivePeers  int                `json:"active_peers"`
	Timestamp    time.Time          `json:"timestamp"`
	Version      string             `json:"version"`
	Uptime       string             `json:"uptime"`
	Components   []*ComponentStatus `json:"components"`
}

// DatabaseInterface defines the database operations needed for health checks
type DatabaseInterface interface {
	Ping(ctx context.Context) error
	Stats() storage.DatabaseStats
}

// AgentInterface defines the agent state reported by the health endpoint
type AgentInterface interface {
	RelayAddress() string
	Interface() string
	Phase() string
	SubscriptionState() string
	Degraded() bool
	SyncStatus() reconcile.Status
	StartTime() time.Time
}

// HealthChecker performs health checks against the agent and its store
type HealthChecker struct {
	db      DatabaseInterface
	agent   AgentInterface
	logger  *zap.Logger
	version string
}

// NewHealthChecker creates a new health checker. db may be nil when the
// store never came up.
func NewHealthChecker(db DatabaseInterface, agent AgentInterface, logger *zap.Logger, version string) *HealthChecker {
	return &HealthChecker{
		db:      db,
		agent:   agent,
		logger:  logger.Named("health"),
		version: version,
	}
}

// CheckHealth builds the health report.
func (h *HealthChecker) CheckHealth(ctx context.Context) *HealthResponse {
	sync := h.agent.SyncStatus()

	components := []*ComponentStatus{
		h.checkDatabase(ctx),
		h.checkReconciliation(sync),
		h.checkChangeFeed(),
		h.checkSystemResources(),
	}

	response := &HealthResponse{
		Status:       h.determineOverallStatus(components, sync),
		RelayAddress: h.agent.RelayAddress(),
		Interface:    h.agent.Interface(),
		Phase:        h.agent.Phase(),
		Subscription: h.agent.SubscriptionState(),
		LastError:    sync.LastError,
		ActivePeers:  sync.ActivePeers,
		Timestamp:    time.Now(),
		Version:      h.version,
		Uptime:       formatUptime(time.Since(h.agent.StartTime())),
		Components:   components,
	}
	if sync.Synced() {
		last := sync.LastSuccess
		response.LastSync = &last
	}
	return response
}

// checkDatabase checks store connectivity
func (h *HealthChecker) checkDatabase(ctx context.Context) *ComponentStatus {
	status := &ComponentStatus{
		Name:    "database",
		Details: make(map[string]interface{}),
	}
	if h.db == nil {
		status.Status = StatusUnhealthy
		status.Message = "Database not connected"
		return status
	}

	if err := h.db.Ping(ctx); err != nil {
		status.Status = StatusUnhealthy
		status.Message = "Database connection failed"
		status.Details["error"] = err.Error()
		return status
	}

	stats := h.db.Stats()
	status.Details["open_connections"] = stats.OpenConnections
	status.Details["in_use"] = stats.InUse
	status.Details["idle"] = stats.Idle
	status.Details["max_open_connections"] = stats.MaxOpenConnections
	status.Details["errors"] = stats.Errors
	status.Status = StatusHealthy
	status.Message = "Database is healthy"
	return status
}

// checkReconciliation reports the outcome of the last pass
func (h *HealthChecker) checkReconciliation(sync reconcile.Status) *ComponentStatus {
	status := &ComponentStatus{
		Name: "reconciliation",
		Details: map[string]interface{}{
			"passes":       sync.Passes,
			"failures":     sync.Failures,
			"active_peers": sync.ActivePeers,
		},
	}
	if sync.LastMethod != "" {
		status.Details["last_method"] = sync.LastMethod
	}

	switch {
	case !sync.Synced():
		status.Status = StatusDegraded
		status.Message = "No successful sync yet"
	case sync.LastError != "":
		status.Status = StatusDegraded
		status.Message = "Last pass failed, previous configuration in effect"
	default:
		status.Status = StatusHealthy
		status.Message = fmt.Sprintf("Synced %d peers", sync.ActivePeers)
	}
	return status
}

// checkChangeFeed reports whether the agent is still reactive
func (h *HealthChecker) checkChangeFeed() *ComponentStatus {
	state := h.agent.SubscriptionState()
	status := &ComponentStatus{
		Name:    "change_feed",
		Details: map[string]interface{}{"state": state},
	}
	switch {
	case h.agent.Degraded():
		status.Status = StatusDegraded
		status.Message = "Subscription could not be established; restart the agent to retry"
	case state == storage.StateSubscribed.String():
		status.Status = StatusHealthy
		status.Message = "Subscribed"
	default:
		status.Status = StatusDegraded
		status.Message = "Not subscribed"
	}
	return status
}

// checkSystemResources checks system-level resources
func (h *HealthChecker) checkSystemResources() *ComponentStatus {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	goroutineCount := runtime.NumGoroutine()
	allocMB := float64(m.Alloc) / 1024 / 1024

	status := &ComponentStatus{
		Name: "system",
		Details: map[string]interface{}{
			"goroutines": goroutineCount,
			"alloc_mb":   allocMB,
			"num_gc":     m.NumGC,
		},
	}

	// an agent with a handful of goroutines has no business past these
	const (
		goroutineWarning = 500
		memoryWarningMB  = 256
	)
	if goroutineCount > goroutineWarning || allocMB > memoryWarningMB {
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("Elevated resource usage: %d goroutines, %.1f MB", goroutineCount, allocMB)
	} else {
		status.Status = StatusHealthy
		status.Message = fmt.Sprintf("System resources normal: %d goroutines", goroutineCount)
	}
	return status
}

// determineOverallStatus is unhealthy only when the store is unreachable
// and nothing was ever applied; otherwise the relay is serving something.
func (h *HealthChecker) determineOverallStatus(components []*ComponentStatus, sync reconcile.Status) HealthStatus {
	degraded := false
	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			if comp.Name == "database" && !sync.Synced() {
				return StatusUnhealthy
			}
			degraded = true
		case StatusDegraded:
			degraded = true
		}
	}
	if degraded {
		return StatusDegraded
	}
	return StatusHealthy
}

// formatUptime formats uptime duration as a human-readable string
func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	} else if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

// HandleHealth is the HTTP handler for health checks. With ?ready=1 it
// answers 503 until the first successful sync.
func (h *HealthChecker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), constants.HealthCheckTimeout)
	defer cancel()

	resp := h.CheckHealth(ctx)

	statusCode := http.StatusOK
	if resp.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	if r.URL.Query().Get("ready") == "1" && resp.LastSync == nil {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
		return
	}

	h.logger.Debug("Health check completed",
		zap.String("status", string(resp.Status)),
		zap.Int("status_code", statusCode))
}

// InfoResponse is served on the root route.
type InfoResponse struct {
	Service      string `json:"service"`
	Version      string `json:"version"`
	RelayAddress string `json:"relay_address"`
	Interface    string `json:"interface"`
	Phase        string `json:"phase"`
}

// HandleRoot serves a short description of the agent.
func (h *HealthChecker) HandleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(InfoResponse{
		Service:      constants.ServiceName,
		Version:      h.version,
		RelayAddress: h.agent.RelayAddress(),
		Interface:    h.agent.Interface(),
		Phase:        h.agent.Phase(),
	}); err != nil {
		h.logger.Error("Failed to encode info response", zap.Error(err))
	}
}
