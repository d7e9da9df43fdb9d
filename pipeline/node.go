package pipeline

import (
	"context"
	"sync"
	"time"

	"telegram-media-downloader/models"
	"telegram-media-downloader/utils"
)

const causeCancelled = "cancelled"

// TaskNode is the state machine for one task. Control methods may be called
// from any goroutine; the work loop is the only writer of cursor, counters
// and flood state.
type TaskNode struct {
	id       int64
	sourceID string
	rng      models.UnitRange
	filter   string

	mu        sync.Mutex
	state     models.TaskState
	running   bool
	reasons   models.PauseReason
	cursor    int64
	counters  models.Counters
	flood     utils.FloodState
	attempts  int
	failRun   int
	stopCause string
	lastError string
	retained  []int64
	started   time.Time
	finished  time.Time

	// floodUntil is the end of the current hard wait. It survives a snapshot.
	floodUntil time.Time
	// parked is set when a paused node has released its worker.
	parked bool

	stopCtx  context.Context
	stopFunc context.CancelFunc

	notify func(models.Transition)
	now    func() time.Time

	// requeue hands a parked node back to dispatch once it can run again.
	requeue func(*TaskNode)
	// retire finishes a parked node that was cancelled.
	retire func(*TaskNode)
}

type nodeParams struct {
	id         int64
	spec       models.TaskSpec
	state      models.TaskState
	reasons    models.PauseReason
	cursor     int64
	counters   models.Counters
	flood      utils.FloodState
	cause      string
	floodUntil time.Time
	notify     func(models.Transition)
	requeue    func(*TaskNode)
	retire     func(*TaskNode)
	now        func() time.Time
}

func newTaskNode(p nodeParams) *TaskNode {
	if p.now == nil {
		p.now = time.Now
	}
	if p.state == "" {
		p.state = models.TaskStateIdle
	}
	n := &TaskNode{
		id:         p.id,
		sourceID:   p.spec.SourceID,
		rng:        p.spec.Range,
		filter:     p.spec.Filter,
		reasons:    p.reasons,
		cursor:     p.cursor,
		counters:   p.counters,
		flood:      p.flood,
		stopCause:  p.cause,
		floodUntil: p.floodUntil,
		notify:     p.notify,
		requeue:    p.requeue,
		retire:     p.retire,
		now:        p.now,
	}
	n.stopCtx, n.stopFunc = context.WithCancel(context.Background())
	// The running flag is derived in the same assignment as the state, so a
	// freshly built node already satisfies it.
	n.state, n.running = p.state, p.state == models.TaskStateRunning
	if p.state == models.TaskStateStopping || p.state.IsTerminal() {
		n.stopFunc()
	}
	return n
}

func (n *TaskNode) ID() int64        { return n.id }
func (n *TaskNode) SourceID() string { return n.sourceID }

func (n *TaskNode) State() models.TaskState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *TaskNode) IsRunning() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}

func (n *TaskNode) PauseReason() models.PauseReason {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.reasons
}

// setStateLocked is the only place state changes. It must be called with mu held.
func (n *TaskNode) setStateLocked(to models.TaskState, cause string) models.Transition {
	t := models.Transition{
		TaskID:    n.id,
		SourceID:  n.sourceID,
		From:      n.state,
		To:        to,
		Reason:    n.reasons,
		Cause:     cause,
		Timestamp: n.now(),
	}
	n.state, n.running = to, to == models.TaskStateRunning
	switch {
	case to == models.TaskStateRunning && n.started.IsZero():
		n.started = t.Timestamp
	case to.IsTerminal():
		n.finished = t.Timestamp
	}
	return t
}

func (n *TaskNode) emit(transitions ...models.Transition) {
	if n.notify == nil {
		return
	}
	for _, t := range transitions {
		n.notify(t)
	}
}

// dispatch is called by a worker before running the loop. It reports whether
// the loop should run.
func (n *TaskNode) dispatch() bool {
	n.mu.Lock()
	switch n.state {
	case models.TaskStateIdle:
		t := n.setStateLocked(models.TaskStateRunning, "dispatched")
		n.mu.Unlock()
		n.emit(t)
		return true
	case models.TaskStatePaused:
		n.parked = true
		n.mu.Unlock()
		return false
	case models.TaskStateRunning, models.TaskStateStopping:
		n.mu.Unlock()
		return true
	default:
		n.mu.Unlock()
		return false
	}
}

// park releases the loop of a paused node. It reports false when the node is
// no longer paused, in which case the loop carries on.
func (n *TaskNode) park() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != models.TaskStatePaused {
		return false
	}
	n.parked = true
	return true
}

// unparkLocked clears the parked flag and reports whether the node has to be
// handed back to dispatch. It must be called with mu held.
func (n *TaskNode) unparkLocked() bool {
	if !n.parked {
		return false
	}
	n.parked = false
	return true
}

func (n *TaskNode) wakeLoop(requeue bool) {
	if requeue && n.requeue != nil {
		n.requeue(n)
	}
}

func (n *TaskNode) retireParked(parked bool) {
	if parked && n.retire != nil {
		n.retire(n)
	}
}

// resetParked is called when dispatch restarts and queues every live node.
func (n *TaskNode) resetParked() {
	n.mu.Lock()
	n.parked = false
	n.mu.Unlock()
}

// pause adds reason to the node's pause set. A running node moves to Paused;
// an already paused node only records the extra reason.
func (n *TaskNode) pause(reason models.PauseReason) bool {
	n.mu.Lock()
	switch n.state {
	case models.TaskStateRunning:
		n.reasons |= reason
		t := n.setStateLocked(models.TaskStatePaused, "")
		n.mu.Unlock()
		n.emit(t)
		return true
	case models.TaskStatePaused:
		if n.reasons.Has(reason) {
			n.mu.Unlock()
			return false
		}
		n.reasons |= reason
		n.mu.Unlock()
		return true
	default:
		n.mu.Unlock()
		return false
	}
}

// resume clears reason. The node runs again only once no reason is left.
func (n *TaskNode) resume(reason models.PauseReason) bool {
	n.mu.Lock()
	if n.state != models.TaskStatePaused || !n.reasons.Has(reason) {
		n.mu.Unlock()
		return false
	}
	n.reasons &^= reason
	if n.reasons != models.PauseNone {
		n.mu.Unlock()
		return true
	}
	t := n.setStateLocked(models.TaskStateRunning, "")
	t.Reason = reason
	requeue := n.unparkLocked()
	n.mu.Unlock()
	n.emit(t)
	n.wakeLoop(requeue)
	return true
}

// cancel requests a cooperative stop. A node that never ran, or whose loop is
// parked, stops at once.
func (n *TaskNode) cancel() bool {
	n.mu.Lock()
	switch n.state {
	case models.TaskStateIdle:
		n.stopCause = causeCancelled
		t := n.setStateLocked(models.TaskStateStopped, causeCancelled)
		n.mu.Unlock()
		n.stopFunc()
		n.emit(t)
		return true
	case models.TaskStateRunning, models.TaskStatePaused:
		n.reasons = models.PauseNone
		n.stopCause = causeCancelled
		t := n.setStateLocked(models.TaskStateStopping, causeCancelled)
		parked := n.unparkLocked()
		n.mu.Unlock()
		n.stopFunc()
		n.emit(t)
		n.retireParked(parked)
		return true
	default:
		n.mu.Unlock()
		return false
	}
}

func (n *TaskNode) stopping() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state == models.TaskStateStopping
}

// finish moves the node to a terminal state and returns the failed units whose
// progress entries were retained.
func (n *TaskNode) finish(to models.TaskState, cause string) []int64 {
	n.mu.Lock()
	if n.state.IsTerminal() {
		n.mu.Unlock()
		return nil
	}
	if cause != "" {
		n.stopCause = cause
	}
	n.reasons = models.PauseNone
	t := n.setStateLocked(to, n.stopCause)
	retained := n.retained
	n.retained = nil
	n.mu.Unlock()
	n.stopFunc()
	n.emit(t)
	return retained
}

// nextUnit returns the unit after the cursor, or false once the range is exhausted.
func (n *TaskNode) nextUnit() (int64, int, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	next := n.cursor + 1
	if next > n.rng.End {
		return 0, 0, false
	}
	return next, n.attempts + 1, true
}

func (n *TaskNode) advanceLocked(unitID int64) {
	n.cursor = unitID
	n.attempts = 0
	n.counters.Total++
}

// recordSuccess reports whether the flood counters returned to baseline.
func (n *TaskNode) recordSuccess(unitID int64, resetAfter int) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.advanceLocked(unitID)
	n.counters.Succeeded++
	n.failRun = 0
	n.lastError = ""
	return n.flood.OnSuccess(resetAfter)
}

func (n *TaskNode) recordSkip(unitID int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.advanceLocked(unitID)
	n.counters.Skipped++
}

func (n *TaskNode) recordRateLimit(waitSeconds int) (time.Duration, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	wait := n.flood.OnRateLimited(waitSeconds)
	n.floodUntil = n.now().Add(wait)
	return wait, n.flood.Count
}

// floodPending reports whether a hard wait is outstanding and how much of it is left.
func (n *TaskNode) floodPending() (bool, time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.floodUntil.IsZero() {
		return false, 0
	}
	return true, n.floodUntil.Sub(n.now())
}

func (n *TaskNode) floodWaited() {
	n.mu.Lock()
	n.floodUntil = time.Time{}
	n.mu.Unlock()
}

// recordFailure counts one failed attempt. Once maxAttempts is reached the unit
// is counted as failed and the cursor moves past it.
func (n *TaskNode) recordFailure(unitID int64, reason string, maxAttempts int) (final bool, attempts int, failRun int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.attempts++
	n.lastError = reason
	attempts = n.attempts
	if attempts < maxAttempts {
		return false, attempts, n.failRun
	}
	n.advanceLocked(unitID)
	n.counters.Failed++
	n.failRun++
	n.retained = append(n.retained, unitID)
	return true, attempts, n.failRun
}

func (n *TaskNode) shouldReport() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.flood.ShouldUpdate(n.now())
}

// nodeView is a consistent copy of a node's fields.
type nodeView struct {
	id         int64
	sourceID   string
	rng        models.UnitRange
	filter     string
	state      models.TaskState
	running    bool
	reasons    models.PauseReason
	cursor     int64
	counters   models.Counters
	flood      utils.FloodState
	stopCause  string
	lastError  string
	started    time.Time
	finished   time.Time
	floodUntil time.Time
}

func (n *TaskNode) view() nodeView {
	n.mu.Lock()
	defer n.mu.Unlock()
	return nodeView{
		id:         n.id,
		sourceID:   n.sourceID,
		rng:        n.rng,
		filter:     n.filter,
		state:      n.state,
		running:    n.running,
		reasons:    n.reasons,
		cursor:     n.cursor,
		counters:   n.counters,
		flood:      n.flood,
		stopCause:  n.stopCause,
		lastError:  n.lastError,
		started:    n.started,
		finished:   n.finished,
		floodUntil: n.floodUntil,
	}
}
