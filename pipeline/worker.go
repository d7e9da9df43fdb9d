package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"telegram-media-downloader/models"
)

const progressBufferSize = 64

// UnitRequest identifies one unit of work handed to a Fetcher.
type UnitRequest struct {
	TaskID   int64
	SourceID string
	UnitID   int64
	Filter   string
	Attempt  int
}

// Fetcher transfers one unit. It may send any number of events on progress
// while it runs and must not send after returning. Sends should not block.
type Fetcher interface {
	FetchUnit(ctx context.Context, req UnitRequest, progress chan<- models.ProgressEvent) models.FetchResult
}

type FetcherFunc func(ctx context.Context, req UnitRequest, progress chan<- models.ProgressEvent) models.FetchResult

func (f FetcherFunc) FetchUnit(ctx context.Context, req UnitRequest, progress chan<- models.ProgressEvent) models.FetchResult {
	return f(ctx, req, progress)
}

// Sleeper suspends for d or until ctx ends.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// runEnv carries what one dispatch cycle needs to run loops.
type runEnv struct {
	registry *Registry
	fetcher  Fetcher
	// fetchCtx is only cancelled when a shutdown deadline forces in-flight
	// transfers to abort.
	fetchCtx context.Context
}

// run is the work loop of one node. It returns when the node reaches a
// terminal state, parks because it was paused, or ctx is cancelled at a unit
// boundary.
func (n *TaskNode) run(ctx context.Context, env *runEnv) {
	r := env.registry
	log := r.logger.WithTaskID(n.id).WithField("source_id", n.sourceID)

	for {
		if n.stopping() {
			r.releaseRetained(n, n.finish(models.TaskStateStopped, ""))
			log.Info("Task stopped")
			return
		}
		if ctx.Err() != nil {
			return
		}
		if n.park() {
			log.Debug("Task paused, worker released")
			return
		}
		// A hard wait cut short by a reload or restart is served in full
		// before the next request goes out.
		if pending, wait := n.floodPending(); pending {
			if wait > 0 {
				log.WithField("remaining", wait).Info("Finishing interrupted rate-limit wait")
				if err := r.sleepInterruptible(ctx, n, wait); err != nil {
					continue
				}
			}
			n.floodWaited()
			continue
		}

		unitID, attempt, ok := n.nextUnit()
		if !ok {
			r.releaseRetained(n, n.finish(models.TaskStateCompleted, ""))
			log.Info("Task completed")
			return
		}

		result, aborted := n.fetch(env, unitID, attempt)
		if aborted {
			log.WithField("unit_id", unitID).Debug("Transfer aborted during shutdown")
			return
		}

		if !n.handleResult(ctx, r, log.WithField("unit_id", unitID), unitID, result) {
			return
		}
	}
}

// fetch runs one transfer with its own progress channel. The channel is
// drained before returning so no late event can follow a removal.
func (n *TaskNode) fetch(env *runEnv, unitID int64, attempt int) (result models.FetchResult, aborted bool) {
	events := make(chan models.ProgressEvent, progressBufferSize)
	drained := make(chan struct{})
	go func() {
		env.registry.progress.ConsumeUnit(n.sourceID, unitID, events)
		close(drained)
	}()

	req := UnitRequest{
		TaskID:   n.id,
		SourceID: n.sourceID,
		UnitID:   unitID,
		Filter:   n.filter,
		Attempt:  attempt,
	}

	func() {
		defer func() {
			if p := recover(); p != nil {
				result = models.Failure(fmt.Sprintf("panic: %v", p))
			}
		}()
		result = env.fetcher.FetchUnit(env.fetchCtx, req, events)
	}()

	close(events)
	<-drained

	if result.Outcome == models.OutcomeFailure && env.fetchCtx.Err() != nil {
		return result, true
	}
	return result, false
}

// handleResult applies one outcome. It returns false when the loop should exit.
func (n *TaskNode) handleResult(ctx context.Context, r *Registry, log *logrus.Entry, unitID int64, result models.FetchResult) bool {
	switch result.Outcome {
	case models.OutcomeSuccess:
		r.progress.Remove(n.sourceID, unitID)
		if n.recordSuccess(unitID, r.opts.FloodResetSuccesses) {
			log.Info("Flood counters reset after successful unit")
		}
		log.WithField("file_name", result.FileName).Debug("Unit transferred")
		r.report(n)

	case models.OutcomeSkipped:
		r.progress.Remove(n.sourceID, unitID)
		n.recordSkip(unitID)
		log.WithField("reason", result.Reason).Debug("Unit skipped")
		r.report(n)

	case models.OutcomeRateLimited:
		wait, count := n.recordRateLimit(result.WaitSeconds)
		log.WithField("wait_seconds", result.WaitSeconds).
			WithField("suspend", wait).
			WithField("floodwait_count", count).
			Warn("Rate limited, waiting before retrying unit")
		r.report(n)
		if err := r.sleepInterruptible(ctx, n, wait); err != nil {
			return ctx.Err() == nil
		}
		n.floodWaited()

	default:
		final, attempts, failRun := n.recordFailure(unitID, result.Reason, r.opts.MaxUnitAttempts)
		entry := log.WithField("attempt", attempts).WithField("reason", result.Reason)
		if !final {
			entry.Warn("Unit failed, retrying")
			r.progress.Remove(n.sourceID, unitID)
			if err := r.sleepInterruptible(ctx, n, r.opts.UnitRetryDelay); err != nil {
				return ctx.Err() == nil
			}
			return true
		}

		entry.Warn("Unit failed permanently, moving on")
		r.unitFailed(models.FailedUnit{
			TaskID:   n.id,
			SourceID: n.sourceID,
			UnitID:   unitID,
			Reason:   result.Reason,
			Attempts: attempts,
			FailedAt: r.opts.Now(),
		})
		r.report(n)

		if limit := r.opts.MaxConsecutiveFailures; limit > 0 && failRun >= limit {
			cause := fmt.Sprintf("%d consecutive unit failures, last: %s", failRun, result.Reason)
			r.releaseRetained(n, n.finish(models.TaskStateStopped, cause))
			log.WithField("cause", cause).Error("Task stopped after repeated failures")
			return false
		}
	}
	return true
}

// sleepInterruptible waits for d unless the loop is detached or the node is cancelled.
func (r *Registry) sleepInterruptible(ctx context.Context, n *TaskNode, d time.Duration) error {
	sleepCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(n.stopCtx, cancel)
	defer stop()
	return r.opts.Sleep(sleepCtx, d)
}

func (r *Registry) report(n *TaskNode) {
	if r.opts.Hooks.OnReport == nil || !n.shouldReport() {
		return
	}
	r.opts.Hooks.OnReport(r.summarize(n))
}

func (r *Registry) unitFailed(unit models.FailedUnit) {
	if r.opts.Hooks.OnUnitFailed != nil {
		r.opts.Hooks.OnUnitFailed(unit)
	}
}

func (r *Registry) releaseRetained(n *TaskNode, units []int64) {
	for _, unitID := range units {
		r.progress.Remove(n.sourceID, unitID)
	}
}
