package monitoring

import (
	"context"
	"sort"
	"sync"
	"time"

	"telegram-media-downloader/models"
	"telegram-media-downloader/pipeline"
)

const (
	CounterUnitsSucceeded   = "units_succeeded"
	CounterUnitsSkipped     = "units_skipped"
	CounterUnitsRateLimited = "units_rate_limited"
	CounterUnitsFailed      = "units_failed"
	CounterBytesDownloaded  = "bytes_downloaded"
	TimingFetchUnit         = "fetch_unit"
)

// PerformanceMetrics collects counters and timings for unit transfers.
type PerformanceMetrics struct {
	counters  map[string]*CounterMetric
	timings   map[string]*TimingMetric
	mutex     sync.RWMutex
	startTime time.Time
	now       func() time.Time
}

// TimingMetric tracks timing statistics
type TimingMetric struct {
	Name        string        `json:"name"`
	Count       int64         `json:"count"`
	TotalTime   time.Duration `json:"total_time"`
	MinTime     time.Duration `json:"min_time"`
	MaxTime     time.Duration `json:"max_time"`
	AvgTime     time.Duration `json:"avg_time"`
	LastUpdated time.Time     `json:"last_updated"`
}

// CounterMetric tracks counting statistics
type CounterMetric struct {
	Name        string    `json:"name"`
	Value       int64     `json:"value"`
	Rate        float64   `json:"rate_per_minute"`
	LastUpdated time.Time `json:"last_updated"`
	LastReset   time.Time `json:"last_reset"`
}

type MetricsSnapshot struct {
	Uptime   time.Duration   `json:"uptime"`
	Counters []CounterMetric `json:"counters"`
	Timings  []TimingMetric  `json:"timings"`
}

func NewPerformanceMetrics() *PerformanceMetrics {
	return &PerformanceMetrics{
		counters:  make(map[string]*CounterMetric),
		timings:   make(map[string]*TimingMetric),
		startTime: time.Now(),
		now:       time.Now,
	}
}

func (pm *PerformanceMetrics) IncrementCounter(name string) {
	pm.IncrementCounterBy(name, 1)
}

func (pm *PerformanceMetrics) IncrementCounterBy(name string, value int64) {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	now := pm.now()
	counter, exists := pm.counters[name]
	if !exists {
		counter = &CounterMetric{Name: name, LastReset: now}
		pm.counters[name] = counter
	}
	counter.Value += value
	counter.LastUpdated = now

	if minutes := now.Sub(counter.LastReset).Minutes(); minutes > 0 {
		counter.Rate = float64(counter.Value) / minutes
	}
}

// RecordTiming adds one observation to the named timing.
func (pm *PerformanceMetrics) RecordTiming(name string, duration time.Duration) {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	timing, exists := pm.timings[name]
	if !exists {
		timing = &TimingMetric{Name: name}
		pm.timings[name] = timing
	}
	timing.Count++
	timing.TotalTime += duration
	timing.LastUpdated = pm.now()
	if timing.Count == 1 || duration < timing.MinTime {
		timing.MinTime = duration
	}
	if duration > timing.MaxTime {
		timing.MaxTime = duration
	}
	timing.AvgTime = timing.TotalTime / time.Duration(timing.Count)
}

func (pm *PerformanceMetrics) Counter(name string) int64 {
	pm.mutex.RLock()
	defer pm.mutex.RUnlock()
	if counter, ok := pm.counters[name]; ok {
		return counter.Value
	}
	return 0
}

// Snapshot copies every metric, sorted by name.
func (pm *PerformanceMetrics) Snapshot() MetricsSnapshot {
	pm.mutex.RLock()
	defer pm.mutex.RUnlock()

	snap := MetricsSnapshot{
		Uptime:   pm.now().Sub(pm.startTime),
		Counters: make([]CounterMetric, 0, len(pm.counters)),
		Timings:  make([]TimingMetric, 0, len(pm.timings)),
	}
	for _, counter := range pm.counters {
		snap.Counters = append(snap.Counters, *counter)
	}
	for _, timing := range pm.timings {
		snap.Timings = append(snap.Timings, *timing)
	}
	sort.Slice(snap.Counters, func(i, j int) bool { return snap.Counters[i].Name < snap.Counters[j].Name })
	sort.Slice(snap.Timings, func(i, j int) bool { return snap.Timings[i].Name < snap.Timings[j].Name })
	return snap
}

// Instrument wraps a fetcher so every unit attempt is timed and counted by
// outcome.
func (pm *PerformanceMetrics) Instrument(next pipeline.Fetcher) pipeline.Fetcher {
	return pipeline.FetcherFunc(func(ctx context.Context, req pipeline.UnitRequest, progress chan<- models.ProgressEvent) models.FetchResult {
		start := pm.now()
		result := next.FetchUnit(ctx, req, progress)
		pm.RecordTiming(TimingFetchUnit, pm.now().Sub(start))

		switch result.Outcome {
		case models.OutcomeSuccess:
			pm.IncrementCounter(CounterUnitsSucceeded)
			pm.IncrementCounterBy(CounterBytesDownloaded, result.Bytes)
		case models.OutcomeSkipped:
			pm.IncrementCounter(CounterUnitsSkipped)
		case models.OutcomeRateLimited:
			pm.IncrementCounter(CounterUnitsRateLimited)
		case models.OutcomeFailure:
			pm.IncrementCounter(CounterUnitsFailed)
		}
		return result
	})
}
