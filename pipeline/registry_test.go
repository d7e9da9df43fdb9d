package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telegram-media-downloader/models"
	"telegram-media-downloader/utils"
)

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.waits...)
}

type fetchLog struct {
	mu   sync.Mutex
	reqs []UnitRequest
}

func (l *fetchLog) add(req UnitRequest) {
	l.mu.Lock()
	l.reqs = append(l.reqs, req)
	l.mu.Unlock()
}

func (l *fetchLog) units() []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	units := make([]int64, 0, len(l.reqs))
	for _, req := range l.reqs {
		units = append(units, req.UnitID)
	}
	return units
}

func (l *fetchLog) requests() []UnitRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]UnitRequest(nil), l.reqs...)
}

// recording returns a fetcher that logs every request and answers with fn.
func recording(log *fetchLog, fn func(ctx context.Context, req UnitRequest, progress chan<- models.ProgressEvent) models.FetchResult) Fetcher {
	return FetcherFunc(func(ctx context.Context, req UnitRequest, progress chan<- models.ProgressEvent) models.FetchResult {
		log.add(req)
		if fn == nil {
			return models.Success("file", 1)
		}
		return fn(ctx, req, progress)
	})
}

func newTestRegistry(t *testing.T, fetcher Fetcher, opts Options) (*Registry, *sleepRecorder) {
	t.Helper()
	sleeper := &sleepRecorder{}
	if opts.Sleep == nil {
		opts.Sleep = sleeper.sleep
	}
	r := NewRegistry(fetcher, nil, utils.NewDiscardLogger(), opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return r, sleeper
}

func snapshotBlob(t *testing.T, nextID int64, records ...TaskRecord) []byte {
	t.Helper()
	blob, err := EncodeSnapshot(&Snapshot{
		Version:    SnapshotVersion,
		CreatedAt:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		NextTaskID: nextID,
		Tasks:      records,
	})
	require.NoError(t, err)
	return blob
}

func waitTerminal(t *testing.T, r *Registry) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Wait(ctx))
}

func taskState(t *testing.T, r *Registry, id int64) models.TaskState {
	t.Helper()
	summary, err := r.TaskStatus(id)
	require.NoError(t, err)
	return summary.State
}

func TestStatusReportsProgressAndETA(t *testing.T) {
	r, _ := newTestRegistry(t, FetcherFunc(nil), Options{})
	require.NoError(t, r.Restore(context.Background(), snapshotBlob(t, 2, TaskRecord{
		TaskID:   1,
		SourceID: "chan",
		State:    models.TaskStateIdle,
		Cursor:   80,
		Counters: models.Counters{Total: 80, Succeeded: 80},
		Range:    models.UnitRange{Start: 1, End: 100},
	})))

	r.Progress().Upsert(models.ProgressEvent{
		SourceID: "chan",
		UnitID:   81,
		FileName: "clip.mp4",
		Done:     25 << 20,
		Total:    50 << 20,
		Rate:     2.5 * (1 << 20),
	})
	// Units outside the task's range are not shown.
	r.Progress().Upsert(models.ProgressEvent{SourceID: "chan", UnitID: 500, Done: 1, Total: 10})

	summary, err := r.TaskStatus(1)
	require.NoError(t, err)
	assert.Equal(t, 80.0, summary.Progress)
	require.Len(t, summary.Active, 1)
	assert.EqualValues(t, 81, summary.Active[0].UnitID)
	assert.Equal(t, 50.0, summary.Active[0].Percent)
	assert.InDelta(t, 10.0, summary.Active[0].ETASeconds, 0.001)

	_, err = r.TaskStatus(99)
	assert.ErrorIs(t, err, utils.ErrTaskNotFound)
}

func TestRateLimitEscalatesUpdateInterval(t *testing.T) {
	var (
		r         *Registry
		mu        sync.Mutex
		calls     int
		intervals []float64
	)
	log := &fetchLog{}
	fetcher := recording(log, func(ctx context.Context, req UnitRequest, progress chan<- models.ProgressEvent) models.FetchResult {
		mu.Lock()
		calls++
		call := calls
		mu.Unlock()

		if call > 1 && call <= 4 {
			summary, err := r.TaskStatus(req.TaskID)
			if err == nil {
				mu.Lock()
				intervals = append(intervals, summary.Flood.MinUpdateInterval)
				mu.Unlock()
			}
		}
		if call <= 3 {
			return models.RateLimited(2)
		}
		return models.Success("file", 1)
	})

	var sleeper *sleepRecorder
	r, sleeper = newTestRegistry(t, fetcher, Options{FloodResetSuccesses: 1})
	_, err := r.AddTask(models.TaskSpec{SourceID: "chan", Range: models.UnitRange{Start: 1, End: 2}})
	require.NoError(t, err)
	require.NoError(t, r.Start())
	waitTerminal(t, r)

	mu.Lock()
	assert.Equal(t, []float64{5, 10, 20}, intervals)
	mu.Unlock()

	waits := sleeper.recorded()
	require.Len(t, waits, 3)
	for _, wait := range waits {
		assert.GreaterOrEqual(t, wait, 7*time.Second)
		assert.Less(t, wait, 8*time.Second)
	}

	for _, req := range log.requests() {
		assert.Equal(t, 1, req.Attempt, "rate limits do not use up attempts")
	}

	summary, err := r.TaskStatus(1)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateCompleted, summary.State)
	assert.Equal(t, 0, summary.Flood.FloodwaitCount)
	assert.Equal(t, 5.0, summary.Flood.MinUpdateInterval)
	assert.Equal(t, models.Counters{Total: 2, Succeeded: 2}, summary.Counters)
}

func TestSnapshotRestoreResumesAfterCursor(t *testing.T) {
	first, _ := newTestRegistry(t, FetcherFunc(nil), Options{})
	require.NoError(t, first.Restore(context.Background(), snapshotBlob(t, 2, TaskRecord{
		TaskID:         1,
		SourceID:       "chan",
		State:          models.TaskStateRunning,
		Cursor:         50,
		Counters:       models.Counters{Total: 50, Succeeded: 48, Skipped: 2},
		Range:          models.UnitRange{Start: 1, End: 100},
		FloodwaitCount: 2,
	})))
	blob, err := first.Snapshot()
	require.NoError(t, err)

	log := &fetchLog{}
	var (
		mu          sync.Mutex
		transitions []models.Transition
	)
	second, _ := newTestRegistry(t, recording(log, nil), Options{
		Hooks: Hooks{OnTransition: func(t models.Transition) {
			mu.Lock()
			transitions = append(transitions, t)
			mu.Unlock()
		}},
	})
	require.NoError(t, second.Restore(context.Background(), blob))

	summary, err := second.TaskStatus(1)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateIdle, summary.State, "a task that was running comes back idle")
	assert.Equal(t, 2, summary.Flood.FloodwaitCount)
	assert.Equal(t, 10.0, summary.Flood.MinUpdateInterval)

	require.NoError(t, second.Start())
	waitTerminal(t, second)

	units := log.units()
	require.Len(t, units, 50)
	assert.EqualValues(t, 51, units[0])
	assert.EqualValues(t, 100, units[len(units)-1])

	summary, err = second.TaskStatus(1)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateCompleted, summary.State)
	assert.Equal(t, models.Counters{Total: 100, Succeeded: 98, Skipped: 2}, summary.Counters)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, transitions, 2)
	assert.Equal(t, models.TaskStateRunning, transitions[0].To)
	assert.Equal(t, models.TaskStateCompleted, transitions[1].To)
}

func TestCancelMidTransferFinishesCurrentUnit(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	log := &fetchLog{}
	fetcher := recording(log, func(ctx context.Context, req UnitRequest, progress chan<- models.ProgressEvent) models.FetchResult {
		if req.UnitID == 30 {
			progress <- models.ProgressEvent{SourceID: req.SourceID, UnitID: 30, Done: 5, Total: 10}
			close(started)
			<-release
		}
		return models.Success("file", 1)
	})

	r, _ := newTestRegistry(t, fetcher, Options{})
	_, err := r.AddTask(models.TaskSpec{SourceID: "chan", Range: models.UnitRange{Start: 1, End: 40}})
	require.NoError(t, err)
	require.NoError(t, r.Start())

	<-started
	changed, err := r.Cancel(TaskTarget(1))
	require.NoError(t, err)
	assert.Equal(t, 1, changed)
	assert.Equal(t, models.TaskStateStopping, taskState(t, r, 1))
	close(release)

	waitTerminal(t, r)
	summary, err := r.TaskStatus(1)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateStopped, summary.State)
	assert.Equal(t, "cancelled", summary.StopCause)
	assert.EqualValues(t, 30, summary.Cursor)
	assert.NotContains(t, log.units(), int64(31))
	assert.Equal(t, 0, r.Progress().Len())
}

func TestFailedUnitRetriedThenSkippedPast(t *testing.T) {
	log := &fetchLog{}
	fetcher := recording(log, func(ctx context.Context, req UnitRequest, progress chan<- models.ProgressEvent) models.FetchResult {
		if req.UnitID == 2 {
			progress <- models.ProgressEvent{SourceID: req.SourceID, UnitID: 2, Done: 1, Total: 10}
			return models.Failure("connection reset")
		}
		return models.Success("file", 1)
	})

	var (
		mu     sync.Mutex
		failed []models.FailedUnit
	)
	r, sleeper := newTestRegistry(t, fetcher, Options{
		MaxUnitAttempts: 3,
		UnitRetryDelay:  2 * time.Second,
		Hooks: Hooks{OnUnitFailed: func(unit models.FailedUnit) {
			mu.Lock()
			failed = append(failed, unit)
			mu.Unlock()
		}},
	})
	_, err := r.AddTask(models.TaskSpec{SourceID: "chan", Range: models.UnitRange{Start: 1, End: 3}})
	require.NoError(t, err)
	require.NoError(t, r.Start())
	waitTerminal(t, r)

	var attempts []int
	for _, req := range log.requests() {
		if req.UnitID == 2 {
			attempts = append(attempts, req.Attempt)
		}
	}
	assert.Equal(t, []int{1, 2, 3}, attempts)
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, sleeper.recorded())

	mu.Lock()
	require.Len(t, failed, 1)
	assert.EqualValues(t, 2, failed[0].UnitID)
	assert.Equal(t, 3, failed[0].Attempts)
	assert.Equal(t, "connection reset", failed[0].Reason)
	mu.Unlock()

	summary, err := r.TaskStatus(1)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateCompleted, summary.State)
	assert.Equal(t, models.Counters{Total: 3, Succeeded: 2, Failed: 1}, summary.Counters)
	assert.Equal(t, 0, r.Progress().Len(), "retained entries are released when the task finishes")
}

func TestConsecutiveFailuresStopTask(t *testing.T) {
	log := &fetchLog{}
	fetcher := recording(log, func(ctx context.Context, req UnitRequest, progress chan<- models.ProgressEvent) models.FetchResult {
		return models.Failure("boom")
	})

	r, _ := newTestRegistry(t, fetcher, Options{MaxUnitAttempts: 1, MaxConsecutiveFailures: 2})
	_, err := r.AddTask(models.TaskSpec{SourceID: "chan", Range: models.UnitRange{Start: 1, End: 10}})
	require.NoError(t, err)
	require.NoError(t, r.Start())
	waitTerminal(t, r)

	summary, err := r.TaskStatus(1)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateStopped, summary.State)
	assert.Contains(t, summary.StopCause, "2 consecutive")
	assert.Equal(t, []int64{1, 2}, log.units())
	assert.Equal(t, "boom", summary.LastError)
}

func TestFetcherPanicCountsAsFailure(t *testing.T) {
	fetcher := FetcherFunc(func(ctx context.Context, req UnitRequest, progress chan<- models.ProgressEvent) models.FetchResult {
		if req.UnitID == 1 {
			panic("nil media")
		}
		return models.Success("file", 1)
	})

	var reason string
	r, _ := newTestRegistry(t, fetcher, Options{
		MaxUnitAttempts: 1,
		Hooks:           Hooks{OnUnitFailed: func(unit models.FailedUnit) { reason = unit.Reason }},
	})
	_, err := r.AddTask(models.TaskSpec{SourceID: "chan", Range: models.UnitRange{Start: 1, End: 2}})
	require.NoError(t, err)
	require.NoError(t, r.Start())
	waitTerminal(t, r)

	summary, err := r.TaskStatus(1)
	require.NoError(t, err)
	assert.Equal(t, models.Counters{Total: 2, Succeeded: 1, Failed: 1}, summary.Counters)
	assert.Contains(t, reason, "panic")
}

func TestPauseTakesEffectAtUnitBoundary(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	log := &fetchLog{}
	fetcher := recording(log, func(ctx context.Context, req UnitRequest, progress chan<- models.ProgressEvent) models.FetchResult {
		if req.UnitID == 2 {
			close(started)
			<-release
		}
		return models.Success("file", 1)
	})

	r, _ := newTestRegistry(t, fetcher, Options{})
	_, err := r.AddTask(models.TaskSpec{SourceID: "chan", Range: models.UnitRange{Start: 1, End: 3}})
	require.NoError(t, err)
	require.NoError(t, r.Start())

	<-started
	changed, err := r.Pause(AllTasks())
	require.NoError(t, err)
	assert.Equal(t, 1, changed)
	close(release)

	assert.Eventually(t, func() bool {
		summary, err := r.TaskStatus(1)
		return err == nil && summary.Cursor == 2
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []int64{1, 2}, log.units())
	assert.Equal(t, models.TaskStatePaused, taskState(t, r, 1))

	changed, err = r.Resume(AllTasks())
	require.NoError(t, err)
	assert.Equal(t, 1, changed)
	waitTerminal(t, r)
	assert.Equal(t, []int64{1, 2, 3}, log.units())
}

func TestTasksOnOneSourceRunInOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		order []int64
	)
	fetcher := FetcherFunc(func(ctx context.Context, req UnitRequest, progress chan<- models.ProgressEvent) models.FetchResult {
		if req.SourceID == "chan" {
			mu.Lock()
			order = append(order, req.TaskID)
			mu.Unlock()
		}
		time.Sleep(time.Millisecond)
		return models.Success("file", 1)
	})

	r, _ := newTestRegistry(t, fetcher, Options{MaxConcurrent: 3})
	for _, spec := range []models.TaskSpec{
		{SourceID: "chan", Range: models.UnitRange{Start: 1, End: 5}},
		{SourceID: "other", Range: models.UnitRange{Start: 1, End: 5}},
		{SourceID: "chan", Range: models.UnitRange{Start: 10, End: 14}},
	} {
		_, err := r.AddTask(spec)
		require.NoError(t, err)
	}
	require.NoError(t, r.Start())
	waitTerminal(t, r)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{1, 1, 1, 1, 1, 3, 3, 3, 3, 3}, order)
}

func TestAddTaskValidation(t *testing.T) {
	r, _ := newTestRegistry(t, FetcherFunc(nil), Options{})

	_, err := r.AddTask(models.TaskSpec{SourceID: "chan", Range: models.UnitRange{Start: 5, End: 1}})
	assert.ErrorIs(t, err, utils.ErrInvalidRange)
	_, err = r.AddTask(models.TaskSpec{Range: models.UnitRange{Start: 1, End: 1}})
	assert.Error(t, err)

	id, err := r.AddTask(models.TaskSpec{SourceID: "chan", Range: models.UnitRange{Start: 1, End: 1}})
	require.NoError(t, err)
	assert.EqualValues(t, 1, id)

	_, err = r.Pause(TaskTarget(42))
	assert.ErrorIs(t, err, utils.ErrTaskNotFound)

	changed, err := r.Pause(AllTasks())
	require.NoError(t, err)
	assert.Equal(t, 0, changed, "an idle task cannot be paused")
}

func TestRestoreMapsStoredStates(t *testing.T) {
	r, _ := newTestRegistry(t, FetcherFunc(nil), Options{})
	rng := models.UnitRange{Start: 1, End: 10}
	require.NoError(t, r.Restore(context.Background(), snapshotBlob(t, 2,
		TaskRecord{TaskID: 1, SourceID: "a", State: models.TaskStateRunning, Cursor: 3, Counters: models.Counters{Total: 3, Succeeded: 3}, Range: rng},
		TaskRecord{TaskID: 2, SourceID: "b", State: models.TaskStateStopping, Cursor: 0, Range: rng, StopCause: "cancelled"},
		TaskRecord{TaskID: 3, SourceID: "c", State: models.TaskStatePaused, PauseReason: models.PauseNetwork, Cursor: 0, Range: rng},
	)))

	assert.Equal(t, models.TaskStateIdle, taskState(t, r, 1))
	assert.Equal(t, models.TaskStateStopped, taskState(t, r, 2))
	node, ok := r.Node(3)
	require.True(t, ok)
	assert.Equal(t, models.TaskStatePaused, node.State())
	assert.Equal(t, models.PauseNetwork, node.PauseReason())
	assert.Equal(t, []int64{3}, r.TasksPausedBy(models.PauseNetwork))

	id, err := r.AddTask(models.TaskSpec{SourceID: "d", Range: rng})
	require.NoError(t, err)
	assert.EqualValues(t, 4, id, "ids continue after the highest restored task")
}

func TestRestoreFailsClosed(t *testing.T) {
	rng := models.UnitRange{Start: 1, End: 10}
	cases := map[string][]byte{
		"empty":       []byte("  "),
		"corrupt":     []byte("{not json"),
		"unversioned": []byte(`{"tasks":[]}`),
		"version":     []byte(`{"version":2,"tasks":[]}`),
		"unknown key": []byte(`{"version":1,"tasks":[],"extra":true}`),
		"duplicate": snapshotBlob(t, 2,
			TaskRecord{TaskID: 1, SourceID: "a", State: models.TaskStateIdle, Range: rng},
			TaskRecord{TaskID: 1, SourceID: "b", State: models.TaskStateIdle, Range: rng},
		),
		"cursor":   snapshotBlob(t, 2, TaskRecord{TaskID: 1, SourceID: "a", State: models.TaskStateIdle, Cursor: 11, Range: rng}),
		"counters": snapshotBlob(t, 2, TaskRecord{TaskID: 1, SourceID: "a", State: models.TaskStateIdle, Cursor: 2, Counters: models.Counters{Total: 1}, Range: rng}),
		"pause":    snapshotBlob(t, 2, TaskRecord{TaskID: 1, SourceID: "a", State: models.TaskStatePaused, Range: rng}),
	}

	for name, blob := range cases {
		t.Run(name, func(t *testing.T) {
			r, _ := newTestRegistry(t, FetcherFunc(nil), Options{})
			_, err := r.AddTask(models.TaskSpec{SourceID: "x", Range: rng})
			require.NoError(t, err)

			err = r.Restore(context.Background(), blob)
			require.Error(t, err)
			assert.True(t, utils.IsRestoreError(err))
			assert.Equal(t, 0, r.Len())
		})
	}
}

func TestReloadSwapsFetcherAtUnitBoundary(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	oldLog, newLog := &fetchLog{}, &fetchLog{}
	old := recording(oldLog, func(ctx context.Context, req UnitRequest, progress chan<- models.ProgressEvent) models.FetchResult {
		if req.UnitID == 3 {
			close(started)
			<-release
		}
		return models.Success("old", 1)
	})

	r, _ := newTestRegistry(t, old, Options{})
	_, err := r.AddTask(models.TaskSpec{SourceID: "chan", Range: models.UnitRange{Start: 1, End: 6}})
	require.NoError(t, err)
	require.NoError(t, r.Start())

	<-started
	_, err = r.Pause(AllTasks())
	require.NoError(t, err)
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Reload(ctx, recording(newLog, nil)))
	assert.True(t, r.Running())

	summary, err := r.TaskStatus(1)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatePaused, summary.State)
	assert.EqualValues(t, 3, summary.Cursor)

	_, err = r.Resume(AllTasks())
	require.NoError(t, err)
	waitTerminal(t, r)

	assert.Equal(t, []int64{1, 2, 3}, oldLog.units())
	assert.Equal(t, []int64{4, 5, 6}, newLog.units())
	assert.Equal(t, models.TaskStateCompleted, taskState(t, r, 1))
}

func TestReloadRejectsConcurrentReload(t *testing.T) {
	r, _ := newTestRegistry(t, FetcherFunc(nil), Options{})
	r.reloading.Store(true)
	assert.ErrorIs(t, r.Reload(context.Background(), nil), utils.ErrReloadInProgress)
}

func TestShutdownDeadlineAbortsTransfer(t *testing.T) {
	started := make(chan struct{})
	fetcher := FetcherFunc(func(ctx context.Context, req UnitRequest, progress chan<- models.ProgressEvent) models.FetchResult {
		close(started)
		<-ctx.Done()
		return models.Failure(ctx.Err().Error())
	})

	failures := 0
	r, _ := newTestRegistry(t, fetcher, Options{
		MaxUnitAttempts: 1,
		Hooks:           Hooks{OnUnitFailed: func(models.FailedUnit) { failures++ }},
	})
	_, err := r.AddTask(models.TaskSpec{SourceID: "chan", Range: models.UnitRange{Start: 1, End: 3}})
	require.NoError(t, err)
	require.NoError(t, r.Start())
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Shutdown(ctx), context.DeadlineExceeded)
	assert.False(t, r.Running())

	summary, err := r.TaskStatus(1)
	require.NoError(t, err)
	assert.EqualValues(t, 0, summary.Cursor, "an aborted transfer is not recorded")
	assert.Equal(t, models.Counters{}, summary.Counters)
	assert.Equal(t, 0, failures)

	assert.ErrorIs(t, r.Start(), utils.ErrRegistryClosed)
}

func TestPausedTaskReleasesWorker(t *testing.T) {
	log := &fetchLog{}
	r, _ := newTestRegistry(t, recording(log, nil), Options{MaxConcurrent: 1})
	rng := models.UnitRange{Start: 1, End: 3}
	require.NoError(t, r.Restore(context.Background(), snapshotBlob(t, 3,
		TaskRecord{TaskID: 1, SourceID: "a", State: models.TaskStatePaused, PauseReason: models.PauseManual, Range: rng},
		TaskRecord{TaskID: 2, SourceID: "b", State: models.TaskStateIdle, Range: rng},
	)))
	require.NoError(t, r.Start())

	assert.Eventually(t, func() bool {
		return taskState(t, r, 2) == models.TaskStateCompleted
	}, 2*time.Second, 10*time.Millisecond, "a paused task must not hold the only worker")
	assert.Equal(t, models.TaskStatePaused, taskState(t, r, 1))

	changed, err := r.Resume(TaskTarget(1))
	require.NoError(t, err)
	assert.Equal(t, 1, changed)
	waitTerminal(t, r)

	var order []int64
	for _, req := range log.requests() {
		order = append(order, req.TaskID)
	}
	assert.Equal(t, []int64{2, 2, 2, 1, 1, 1}, order)
}

func TestPauseMidRunLetsOtherSourcesRun(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	log := &fetchLog{}
	fetcher := recording(log, func(ctx context.Context, req UnitRequest, progress chan<- models.ProgressEvent) models.FetchResult {
		if req.TaskID == 1 && req.UnitID == 2 {
			close(started)
			<-release
		}
		return models.Success("file", 1)
	})

	r, _ := newTestRegistry(t, fetcher, Options{MaxConcurrent: 1})
	for _, source := range []string{"a", "b"} {
		_, err := r.AddTask(models.TaskSpec{SourceID: source, Range: models.UnitRange{Start: 1, End: 3}})
		require.NoError(t, err)
	}
	require.NoError(t, r.Start())

	<-started
	_, err := r.Pause(TaskTarget(1))
	require.NoError(t, err)
	close(release)

	assert.Eventually(t, func() bool {
		return taskState(t, r, 2) == models.TaskStateCompleted
	}, 2*time.Second, 10*time.Millisecond)
	summary, err := r.TaskStatus(1)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatePaused, summary.State)
	assert.EqualValues(t, 2, summary.Cursor)

	_, err = r.Resume(TaskTarget(1))
	require.NoError(t, err)
	waitTerminal(t, r)
	assert.Equal(t, models.TaskStateCompleted, taskState(t, r, 1))
}

func TestCancelParkedTaskStopsAtOnce(t *testing.T) {
	r, _ := newTestRegistry(t, recording(&fetchLog{}, nil), Options{MaxConcurrent: 1})
	rng := models.UnitRange{Start: 1, End: 2}
	require.NoError(t, r.Restore(context.Background(), snapshotBlob(t, 3,
		TaskRecord{TaskID: 1, SourceID: "a", State: models.TaskStatePaused, PauseReason: models.PauseManual, Range: rng},
		TaskRecord{TaskID: 2, SourceID: "b", State: models.TaskStateIdle, Range: rng},
	)))
	require.NoError(t, r.Start())

	// Task 2 is queued after task 1, so once it is done task 1 has parked.
	waitFor := func() bool { return taskState(t, r, 2) == models.TaskStateCompleted }
	require.Eventually(t, waitFor, 2*time.Second, 10*time.Millisecond)

	changed, err := r.Cancel(TaskTarget(1))
	require.NoError(t, err)
	assert.Equal(t, 1, changed)
	summary, err := r.TaskStatus(1)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateStopped, summary.State)
	assert.Equal(t, "cancelled", summary.StopCause)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestReloadDuringHardWaitKeepsDeadline(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	waiting := make(chan struct{})
	var (
		mu     sync.Mutex
		sleeps []time.Duration
	)
	sleep := func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		sleeps = append(sleeps, d)
		first := len(sleeps) == 1
		mu.Unlock()
		if first {
			close(waiting)
			<-ctx.Done()
		}
		return ctx.Err()
	}

	var calls atomic.Int32
	log := &fetchLog{}
	fetcher := recording(log, func(ctx context.Context, req UnitRequest, progress chan<- models.ProgressEvent) models.FetchResult {
		if calls.Add(1) == 1 {
			return models.RateLimited(60)
		}
		return models.Success("file", 1)
	})

	r, _ := newTestRegistry(t, fetcher, Options{Sleep: sleep, Now: clock.Now})
	_, err := r.AddTask(models.TaskSpec{SourceID: "chan", Range: models.UnitRange{Start: 1, End: 1}})
	require.NoError(t, err)
	require.NoError(t, r.Start())

	<-waiting
	clock.Advance(10 * time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Reload(ctx, nil))
	waitTerminal(t, r)

	mu.Lock()
	assert.Equal(t, []time.Duration{65 * time.Second, 55 * time.Second}, sleeps,
		"the rest of the hard wait is served after the reload")
	mu.Unlock()
	assert.Equal(t, []int64{1, 1}, log.units())
	assert.Equal(t, models.TaskStateCompleted, taskState(t, r, 1))
}

func TestRestoreServesPendingHardWait(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	until := clock.Now().Add(30 * time.Second)
	r, sleeper := newTestRegistry(t, recording(&fetchLog{}, nil), Options{Now: clock.Now})
	require.NoError(t, r.Restore(context.Background(), snapshotBlob(t, 2, TaskRecord{
		TaskID:         1,
		SourceID:       "chan",
		State:          models.TaskStateRunning,
		Range:          models.UnitRange{Start: 1, End: 1},
		FloodwaitCount: 1,
		FloodUntil:     &until,
	})))

	summary, err := r.TaskStatus(1)
	require.NoError(t, err)
	require.NotNil(t, summary.Flood.WaitUntil)
	assert.True(t, until.Equal(*summary.Flood.WaitUntil))

	require.NoError(t, r.Start())
	waitTerminal(t, r)
	assert.Equal(t, []time.Duration{30 * time.Second}, sleeper.recorded())

	blob, err := r.Snapshot()
	require.NoError(t, err)
	snap, err := DecodeSnapshot(blob)
	require.NoError(t, err)
	assert.Nil(t, snap.Tasks[0].FloodUntil, "a served wait is not carried forward")
}

func TestControlWaitsForTaskSetSwap(t *testing.T) {
	r, _ := newTestRegistry(t, FetcherFunc(nil), Options{})
	_, err := r.AddTask(models.TaskSpec{SourceID: "chan", Range: models.UnitRange{Start: 1, End: 5}})
	require.NoError(t, err)

	r.controlMu.Lock()
	done := make(chan int, 1)
	go func() {
		changed, _ := r.Cancel(TaskTarget(1))
		done <- changed
	}()
	select {
	case <-done:
		t.Fatal("cancel returned while the task set was being replaced")
	case <-time.After(50 * time.Millisecond):
	}
	require.NoError(t, r.restoreLocked(snapshotBlob(t, 2, TaskRecord{
		TaskID:   1,
		SourceID: "chan",
		State:    models.TaskStateIdle,
		Range:    models.UnitRange{Start: 1, End: 5},
	})))
	r.controlMu.Unlock()

	assert.Equal(t, 1, <-done)
	assert.Equal(t, models.TaskStateStopped, taskState(t, r, 1), "the cancel applies to the installed node")
}
