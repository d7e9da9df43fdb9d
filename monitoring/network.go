package monitoring

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"telegram-media-downloader/models"
	"telegram-media-downloader/utils"
)

// Probe checks one aspect of connectivity. A nil error means healthy.
type Probe interface {
	Name() string
	Check(ctx context.Context) error
}

// TaskController is the part of the task registry the monitor drives.
type TaskController interface {
	PauseRunning(reason models.PauseReason) []int64
	ResumeTasks(ids []int64, reason models.PauseReason) []int64
}

type MonitorConfig struct {
	Interval          time.Duration
	Timeout           time.Duration
	FailureThreshold  int
	RecoveryThreshold int
}

func MonitorConfigFromConfig(config *utils.Config) MonitorConfig {
	return MonitorConfig{
		Interval:          config.NetworkCheckInterval,
		Timeout:           config.NetworkCheckTimeout,
		FailureThreshold:  config.NetworkFailureThreshold,
		RecoveryThreshold: config.NetworkRecoveryThreshold,
	}
}

// ProbeResult is the outcome of one probe in one cycle.
type ProbeResult struct {
	Name     string        `json:"name"`
	OK       bool          `json:"ok"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// NetworkEvent is delivered to callbacks when the monitor pauses or resumes tasks.
type NetworkEvent struct {
	Down                bool      `json:"down"`
	Tasks               []int64   `json:"tasks"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Timestamp           time.Time `json:"timestamp"`
}

type NetworkStatus struct {
	Available            bool          `json:"available"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	PausedTasks          []int64       `json:"paused_tasks"`
	Outages              int           `json:"outages"`
	LastCheck            time.Time     `json:"last_check"`
	LastDownAt           time.Time     `json:"last_down_at,omitempty"`
	LastResults          []ProbeResult `json:"last_results"`
	Interval             time.Duration `json:"interval"`
}

// NetworkMonitor pauses running tasks when both probes keep failing and
// resumes exactly those tasks once connectivity is stable again.
type NetworkMonitor struct {
	config       MonitorConfig
	logger       *utils.Logger
	controller   TaskController
	reachability Probe
	socket       Probe

	cycleMu sync.Mutex

	mu          sync.RWMutex
	down        bool
	failures    int
	successes   int
	outages     int
	paused      mapset.Set[int64]
	lastCheck   time.Time
	lastDownAt  time.Time
	lastResults []ProbeResult
	callbacks   []func(NetworkEvent)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

func NewNetworkMonitor(config MonitorConfig, controller TaskController, reachability, socket Probe, logger *utils.Logger) *NetworkMonitor {
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	if config.RecoveryThreshold <= 0 {
		config.RecoveryThreshold = 1
	}
	return &NetworkMonitor{
		config:       config,
		logger:       logger,
		controller:   controller,
		reachability: reachability,
		socket:       socket,
		paused:       mapset.NewSet[int64](),
		now:          time.Now,
	}
}

// OnChange registers a callback for pause and resume broadcasts.
func (nm *NetworkMonitor) OnChange(callback func(NetworkEvent)) {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	nm.callbacks = append(nm.callbacks, callback)
}

// Adopt takes over tasks that were network-paused before a restart. The
// monitor then behaves as if it were in an outage.
func (nm *NetworkMonitor) Adopt(ids []int64) {
	if len(ids) == 0 {
		return
	}
	nm.mu.Lock()
	defer nm.mu.Unlock()
	nm.paused.Append(ids...)
	nm.down = true
	nm.successes = 0
	nm.logger.WithField("tasks", ids).Info("Network monitor adopted network-paused tasks")
}

// Start begins periodic checks.
func (nm *NetworkMonitor) Start() {
	nm.ctx, nm.cancel = context.WithCancel(context.Background())
	nm.logger.WithField("interval", nm.config.Interval).
		WithField("failure_threshold", nm.config.FailureThreshold).
		WithField("recovery_threshold", nm.config.RecoveryThreshold).
		Info("Starting network monitor")

	nm.wg.Add(1)
	go func() {
		defer nm.wg.Done()
		nm.checkOnce(nm.ctx)

		ticker := time.NewTicker(nm.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-nm.ctx.Done():
				nm.logger.Info("Network monitor stopped")
				return
			case <-ticker.C:
				nm.checkOnce(nm.ctx)
			}
		}
	}()
}

func (nm *NetworkMonitor) Stop() {
	if nm.cancel == nil {
		return
	}
	nm.cancel()
	nm.wg.Wait()
}

// checkOnce runs one cycle. The cycle is down only when both probes fail.
func (nm *NetworkMonitor) checkOnce(ctx context.Context) {
	nm.cycleMu.Lock()
	defer nm.cycleMu.Unlock()

	results := nm.runProbes(ctx)
	if ctx.Err() != nil {
		return
	}
	up := results[0].OK || results[1].OK

	nm.mu.Lock()
	nm.lastCheck = nm.now()
	nm.lastResults = results
	var event *NetworkEvent
	if up {
		nm.failures = 0
		nm.successes++
		if nm.down && nm.successes >= nm.config.RecoveryThreshold {
			event = nm.recoverLocked()
		}
	} else {
		nm.successes = 0
		nm.failures++
		if !nm.down && nm.failures >= nm.config.FailureThreshold {
			event = nm.outageLocked()
		}
	}
	callbacks := append([]func(NetworkEvent){}, nm.callbacks...)
	nm.mu.Unlock()

	if event == nil {
		return
	}
	for _, callback := range callbacks {
		callback(*event)
	}
}

func (nm *NetworkMonitor) outageLocked() *NetworkEvent {
	nm.down = true
	nm.outages++
	nm.lastDownAt = nm.now()

	ids := nm.controller.PauseRunning(models.PauseNetwork)
	nm.paused.Append(ids...)

	nm.logger.WithField("consecutive_failures", nm.failures).
		WithField("paused_tasks", len(ids)).
		Warn("Network outage detected, running tasks paused")

	return &NetworkEvent{
		Down:                true,
		Tasks:               ids,
		ConsecutiveFailures: nm.failures,
		Timestamp:           nm.lastDownAt,
	}
}

func (nm *NetworkMonitor) recoverLocked() *NetworkEvent {
	nm.down = false
	ids := sortedIDs(nm.paused)
	resumed := nm.controller.ResumeTasks(ids, models.PauseNetwork)
	nm.paused.Clear()

	nm.logger.WithField("consecutive_successes", nm.successes).
		WithField("resumed_tasks", len(resumed)).
		Info("Network recovered, resuming tasks paused by the monitor")

	return &NetworkEvent{
		Down:      false,
		Tasks:     resumed,
		Timestamp: nm.now(),
	}
}

func (nm *NetworkMonitor) runProbes(ctx context.Context) []ProbeResult {
	probes := []Probe{nm.reachability, nm.socket}
	results := make([]ProbeResult, len(probes))

	var wg sync.WaitGroup
	for i, probe := range probes {
		wg.Add(1)
		go func(i int, probe Probe) {
			defer wg.Done()
			results[i] = nm.runProbe(ctx, probe)
		}(i, probe)
	}
	wg.Wait()
	return results
}

// runProbe bounds a probe by the configured timeout. A probe that panics or
// overruns counts as failed.
func (nm *NetworkMonitor) runProbe(ctx context.Context, probe Probe) (result ProbeResult) {
	if probe == nil {
		return ProbeResult{Name: "none", Error: "probe not configured"}
	}
	result.Name = probe.Name()
	start := time.Now()

	probeCtx, cancel := context.WithTimeout(ctx, nm.config.Timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				errCh <- fmt.Errorf("probe panicked: %v", p)
			}
		}()
		errCh <- probe.Check(probeCtx)
	}()

	var err error
	select {
	case err = <-errCh:
	case <-probeCtx.Done():
		err = fmt.Errorf("probe timed out after %s", nm.config.Timeout)
	}

	result.Duration = time.Since(start)
	if err != nil {
		result.Error = err.Error()
		nm.logger.WithField("probe", result.Name).WithError(err).Debug("Network probe failed")
		return result
	}
	result.OK = true
	return result
}

// Status returns a copy of the monitor's state.
func (nm *NetworkMonitor) Status() NetworkStatus {
	nm.mu.RLock()
	defer nm.mu.RUnlock()
	return NetworkStatus{
		Available:            !nm.down,
		ConsecutiveFailures:  nm.failures,
		ConsecutiveSuccesses: nm.successes,
		PausedTasks:          sortedIDs(nm.paused),
		Outages:              nm.outages,
		LastCheck:            nm.lastCheck,
		LastDownAt:           nm.lastDownAt,
		LastResults:          append([]ProbeResult(nil), nm.lastResults...),
		Interval:             nm.config.Interval,
	}
}

func (nm *NetworkMonitor) IsAvailable() bool {
	nm.mu.RLock()
	defer nm.mu.RUnlock()
	return !nm.down
}

func sortedIDs(set mapset.Set[int64]) []int64 {
	ids := set.ToSlice()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
