package monitoring

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"telegram-media-downloader/utils"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"
)

const healthCheckTimeout = 5 * time.Second

type ComponentHealth struct {
	Name           string       `json:"name"`
	Status         HealthStatus `json:"status"`
	Message        string       `json:"message,omitempty"`
	LastChecked    time.Time    `json:"last_checked"`
	ResponseTimeMs int64        `json:"response_time_ms"`
}

// HealthCheck is the overall result of one run over every checker.
type HealthCheck struct {
	Status     HealthStatus      `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Uptime     time.Duration     `json:"uptime"`
	Components []ComponentHealth `json:"components"`
	SystemInfo SystemInfo        `json:"system_info"`
	Metrics    *MetricsSnapshot  `json:"metrics,omitempty"`
}

type SystemInfo struct {
	MemoryUsage float64   `json:"memory_usage_mb"`
	Goroutines  int       `json:"goroutines"`
	StartTime   time.Time `json:"start_time"`
}

type HealthChecker interface {
	Name() string
	Check(ctx context.Context) ComponentHealth
}

// HealthMonitor runs registered checkers on demand.
type HealthMonitor struct {
	startTime  time.Time
	logger     *utils.Logger
	metrics    *PerformanceMetrics
	components []HealthChecker
}

func NewHealthMonitor(logger *utils.Logger, metrics *PerformanceMetrics) *HealthMonitor {
	return &HealthMonitor{
		startTime: time.Now(),
		logger:    logger,
		metrics:   metrics,
	}
}

func (hm *HealthMonitor) RegisterChecker(checker HealthChecker) {
	hm.components = append(hm.components, checker)
}

func (hm *HealthMonitor) GetUptime() time.Duration {
	return time.Since(hm.startTime)
}

// Check runs every checker. The worst component status wins.
func (hm *HealthMonitor) Check(ctx context.Context) *HealthCheck {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	start := time.Now()
	result := &HealthCheck{
		Status:     HealthStatusHealthy,
		Timestamp:  start,
		Uptime:     hm.GetUptime(),
		Components: make([]ComponentHealth, 0, len(hm.components)),
		SystemInfo: hm.getSystemInfo(),
	}
	if hm.metrics != nil {
		snap := hm.metrics.Snapshot()
		result.Metrics = &snap
	}

	for _, checker := range hm.components {
		checkStart := time.Now()
		component := checker.Check(ctx)
		component.Name = checker.Name()
		component.ResponseTimeMs = time.Since(checkStart).Milliseconds()
		component.LastChecked = time.Now()
		result.Components = append(result.Components, component)

		switch {
		case component.Status == HealthStatusUnhealthy:
			result.Status = HealthStatusUnhealthy
		case component.Status == HealthStatusDegraded && result.Status == HealthStatusHealthy:
			result.Status = HealthStatusDegraded
		}
		if component.Status != HealthStatusHealthy {
			hm.logger.WithField("component", component.Name).
				WithField("status", string(component.Status)).
				WithField("message", component.Message).
				Warn("Component health issue detected")
		}
	}

	hm.logger.WithField("status", string(result.Status)).
		WithField("components", len(result.Components)).
		WithField("duration_ms", time.Since(start).Milliseconds()).
		Debug("Health check completed")
	return result
}

func (hm *HealthMonitor) getSystemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		MemoryUsage: float64(m.Alloc) / 1024 / 1024,
		Goroutines:  runtime.NumGoroutine(),
		StartTime:   hm.startTime,
	}
}

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

type DatabaseHealthChecker struct {
	DB Pinger
}

func (d *DatabaseHealthChecker) Name() string { return "database" }

func (d *DatabaseHealthChecker) Check(ctx context.Context) ComponentHealth {
	if err := d.DB.PingContext(ctx); err != nil {
		return ComponentHealth{Status: HealthStatusUnhealthy, Message: fmt.Sprintf("Database ping failed: %v", err)}
	}
	return ComponentHealth{Status: HealthStatusHealthy, Message: "Database responding normally"}
}

// FileSystemHealthChecker verifies the download directory is writable.
type FileSystemHealthChecker struct {
	Dir string
}

func (f *FileSystemHealthChecker) Name() string { return "filesystem" }

func (f *FileSystemHealthChecker) Check(ctx context.Context) ComponentHealth {
	if err := os.MkdirAll(f.Dir, 0755); err != nil {
		return ComponentHealth{Status: HealthStatusUnhealthy, Message: fmt.Sprintf("Cannot create %s: %v", f.Dir, err)}
	}
	testFile := filepath.Join(f.Dir, fmt.Sprintf(".health_check_%d", time.Now().UnixNano()))
	if err := os.WriteFile(testFile, []byte("health check"), 0644); err != nil {
		return ComponentHealth{Status: HealthStatusUnhealthy, Message: fmt.Sprintf("Cannot write to %s: %v", f.Dir, err)}
	}
	os.Remove(testFile)
	return ComponentHealth{Status: HealthStatusHealthy, Message: "Download directory writable"}
}

// DispatchHealthChecker reports whether task workers are running.
type DispatchHealthChecker struct {
	Running func() bool
}

func (d *DispatchHealthChecker) Name() string { return "dispatch" }

func (d *DispatchHealthChecker) Check(ctx context.Context) ComponentHealth {
	if !d.Running() {
		return ComponentHealth{Status: HealthStatusDegraded, Message: "Task dispatch is not running"}
	}
	return ComponentHealth{Status: HealthStatusHealthy, Message: "Task dispatch running"}
}

// NetworkHealthChecker mirrors the network monitor. An outage reports degraded.
type NetworkHealthChecker struct {
	Monitor *NetworkMonitor
}

func (n *NetworkHealthChecker) Name() string { return "network" }

func (n *NetworkHealthChecker) Check(ctx context.Context) ComponentHealth {
	if !n.Monitor.IsAvailable() {
		status := n.Monitor.Status()
		return ComponentHealth{
			Status:  HealthStatusDegraded,
			Message: fmt.Sprintf("Network unavailable, %d task(s) paused", len(status.PausedTasks)),
		}
	}
	return ComponentHealth{Status: HealthStatusHealthy, Message: "Network available"}
}
