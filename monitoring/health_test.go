package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telegram-media-downloader/models"
	"telegram-media-downloader/pipeline"
	"telegram-media-downloader/utils"
)

type stubChecker struct {
	name   string
	status HealthStatus
}

func (s stubChecker) Name() string { return s.name }

func (s stubChecker) Check(ctx context.Context) ComponentHealth {
	return ComponentHealth{Status: s.status}
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) PingContext(ctx context.Context) error { return f(ctx) }

func TestHealthWorstStatusWins(t *testing.T) {
	hm := NewHealthMonitor(utils.NewDiscardLogger(), nil)
	hm.RegisterChecker(stubChecker{name: "a", status: HealthStatusHealthy})
	hm.RegisterChecker(stubChecker{name: "b", status: HealthStatusDegraded})

	check := hm.Check(context.Background())
	assert.Equal(t, HealthStatusDegraded, check.Status)
	require.Len(t, check.Components, 2)
	assert.Equal(t, "b", check.Components[1].Name)
	assert.Nil(t, check.Metrics)

	hm.RegisterChecker(stubChecker{name: "c", status: HealthStatusUnhealthy})
	hm.RegisterChecker(stubChecker{name: "d", status: HealthStatusDegraded})
	assert.Equal(t, HealthStatusUnhealthy, hm.Check(context.Background()).Status)
}

func TestBuiltInCheckers(t *testing.T) {
	ctx := context.Background()

	db := &DatabaseHealthChecker{DB: pingFunc(func(context.Context) error { return nil })}
	assert.Equal(t, HealthStatusHealthy, db.Check(ctx).Status)
	db.DB = pingFunc(func(context.Context) error { return errors.New("database is locked") })
	assert.Equal(t, HealthStatusUnhealthy, db.Check(ctx).Status)

	fs := &FileSystemHealthChecker{Dir: t.TempDir()}
	assert.Equal(t, HealthStatusHealthy, fs.Check(ctx).Status)

	running := false
	dispatch := &DispatchHealthChecker{Running: func() bool { return running }}
	assert.Equal(t, HealthStatusDegraded, dispatch.Check(ctx).Status)
	running = true
	assert.Equal(t, HealthStatusHealthy, dispatch.Check(ctx).Status)

	nm := NewNetworkMonitor(MonitorConfig{}, &fakeController{}, nil, nil, utils.NewDiscardLogger())
	network := &NetworkHealthChecker{Monitor: nm}
	assert.Equal(t, HealthStatusHealthy, network.Check(ctx).Status)
	nm.Adopt([]int64{1})
	assert.Equal(t, HealthStatusDegraded, network.Check(ctx).Status)
}

func TestInstrumentCountsOutcomes(t *testing.T) {
	pm := NewPerformanceMetrics()
	results := map[int64]models.FetchResult{
		1: models.Success("a.mp4", 1024),
		2: models.Success("b.mp4", 512),
		3: models.Skipped("no media"),
		4: models.RateLimited(3),
		5: models.Failure("boom"),
	}
	fetcher := pm.Instrument(pipeline.FetcherFunc(func(ctx context.Context, req pipeline.UnitRequest, progress chan<- models.ProgressEvent) models.FetchResult {
		return results[req.UnitID]
	}))

	for unitID := int64(1); unitID <= 5; unitID++ {
		got := fetcher.FetchUnit(context.Background(), pipeline.UnitRequest{UnitID: unitID}, nil)
		assert.Equal(t, results[unitID], got, "the wrapped result passes through")
	}

	assert.EqualValues(t, 2, pm.Counter(CounterUnitsSucceeded))
	assert.EqualValues(t, 1536, pm.Counter(CounterBytesDownloaded))
	assert.EqualValues(t, 1, pm.Counter(CounterUnitsSkipped))
	assert.EqualValues(t, 1, pm.Counter(CounterUnitsRateLimited))
	assert.EqualValues(t, 1, pm.Counter(CounterUnitsFailed))
	assert.Zero(t, pm.Counter("unknown"))

	snap := pm.Snapshot()
	require.Len(t, snap.Timings, 1)
	assert.Equal(t, TimingFetchUnit, snap.Timings[0].Name)
	assert.EqualValues(t, 5, snap.Timings[0].Count)
	require.Len(t, snap.Counters, 5)
	assert.Equal(t, CounterBytesDownloaded, snap.Counters[0].Name, "counters are sorted by name")
}

func TestRecordTimingStatistics(t *testing.T) {
	pm := NewPerformanceMetrics()
	pm.RecordTiming("op", 30*time.Millisecond)
	pm.RecordTiming("op", 10*time.Millisecond)
	pm.RecordTiming("op", 20*time.Millisecond)

	snap := pm.Snapshot()
	require.Len(t, snap.Timings, 1)
	timing := snap.Timings[0]
	assert.Equal(t, 10*time.Millisecond, timing.MinTime)
	assert.Equal(t, 30*time.Millisecond, timing.MaxTime)
	assert.Equal(t, 20*time.Millisecond, timing.AvgTime)
}
