package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"telegram-media-downloader/models"
	"telegram-media-downloader/utils"
)

const defaultQueueSize = 1024

// Hooks receive engine events. They are called synchronously from work loops
// and control calls and must not call back into the registry's control methods.
type Hooks struct {
	OnTransition func(models.Transition)
	OnUnitFailed func(models.FailedUnit)
	OnReport     func(TaskSummary)
}

type Options struct {
	MaxConcurrent          int
	MaxUnitAttempts        int
	UnitRetryDelay         time.Duration
	MaxConsecutiveFailures int
	FloodResetSuccesses    int
	QueueSize              int
	Backoff                utils.BackoffConfig
	Sleep                  Sleeper
	Now                    func() time.Time
	Hooks                  Hooks
}

func (o *Options) setDefaults() {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 1
	}
	if o.MaxUnitAttempts <= 0 {
		o.MaxUnitAttempts = 3
	}
	if o.FloodResetSuccesses <= 0 {
		o.FloodResetSuccesses = 1
	}
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	if o.Backoff == (utils.BackoffConfig{}) {
		o.Backoff = utils.DefaultBackoffConfig()
	}
	if o.Sleep == nil {
		o.Sleep = sleepContext
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// OptionsFromConfig maps application configuration onto registry options.
func OptionsFromConfig(config *utils.Config) Options {
	return Options{
		MaxConcurrent:          config.MaxConcurrentTasks,
		MaxUnitAttempts:        config.MaxUnitAttempts,
		UnitRetryDelay:         config.UnitRetryDelay,
		MaxConsecutiveFailures: config.MaxConsecutiveFailures,
		FloodResetSuccesses:    config.FloodResetSuccesses,
	}
}

// Target selects one task or all of them.
type Target struct {
	TaskID int64
	All    bool
}

func AllTasks() Target           { return Target{All: true} }
func TaskTarget(id int64) Target { return Target{TaskID: id} }

func (t Target) String() string {
	if t.All {
		return "all"
	}
	return fmt.Sprintf("%d", t.TaskID)
}

type strategyHandle struct {
	fetcher Fetcher
}

// Registry owns every task node and runs their loops on a bounded set of workers.
type Registry struct {
	opts     Options
	logger   *utils.Logger
	progress *ProgressRegistry
	strategy atomic.Pointer[strategyHandle]

	mu            sync.RWMutex
	nodes         map[int64]*TaskNode
	nextID        int64
	sourceBusy    map[string]bool
	sourceWaiting map[string][]*TaskNode
	queue         chan *TaskNode
	queueDone     <-chan struct{}

	// controlMu is held for reading by every call that changes a task and for
	// writing while Restore and Reload replace the task set.
	controlMu sync.RWMutex

	// lifeMu serializes Start, Restore, Reload and Shutdown.
	lifeMu      sync.Mutex
	reloading   atomic.Bool
	running     bool
	closed      bool
	runCancel   context.CancelFunc
	fetchCancel context.CancelFunc
	wg          sync.WaitGroup
}

func NewRegistry(fetcher Fetcher, progress *ProgressRegistry, logger *utils.Logger, opts Options) *Registry {
	opts.setDefaults()
	if progress == nil {
		progress = NewProgressRegistry()
	}
	r := &Registry{
		opts:          opts,
		logger:        logger,
		progress:      progress,
		nodes:         make(map[int64]*TaskNode),
		nextID:        1,
		sourceBusy:    make(map[string]bool),
		sourceWaiting: make(map[string][]*TaskNode),
	}
	r.strategy.Store(&strategyHandle{fetcher: fetcher})
	return r
}

func (r *Registry) Progress() *ProgressRegistry {
	return r.progress
}

func (r *Registry) emitTransition(t models.Transition) {
	if r.opts.Hooks.OnTransition != nil {
		r.opts.Hooks.OnTransition(t)
	}
}

// AddTask creates an idle task and queues it when the registry is running.
func (r *Registry) AddTask(spec models.TaskSpec) (int64, error) {
	r.controlMu.RLock()
	defer r.controlMu.RUnlock()
	if !spec.Range.Valid() {
		return 0, fmt.Errorf("%w [%d, %d]", utils.ErrInvalidRange, spec.Range.Start, spec.Range.End)
	}
	if spec.SourceID == "" {
		return 0, fmt.Errorf("source id is required")
	}

	r.mu.Lock()
	id := r.nextID
	node := newTaskNode(nodeParams{
		id:     id,
		spec:   spec,
		cursor: spec.Range.Start - 1,
		flood:   utils.NewFloodState(r.opts.Backoff),
		notify:  r.emitTransition,
		requeue: r.requeue,
		retire:  r.retire,
		now:     r.opts.Now,
	})
	if r.queue != nil {
		select {
		case r.queue <- node:
		default:
			r.mu.Unlock()
			return 0, utils.ErrQueueFull
		}
	}
	r.nodes[id] = node
	r.nextID++
	r.mu.Unlock()

	r.logger.WithTaskID(id).
		WithField("source_id", spec.SourceID).
		WithField("start", spec.Range.Start).
		WithField("end", spec.Range.End).
		Info("Task added")
	return id, nil
}

// Start launches the dispatch workers and queues every non-terminal task.
func (r *Registry) Start() error {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()
	if r.closed {
		return utils.ErrRegistryClosed
	}
	r.startLocked()
	return nil
}

func (r *Registry) startLocked() {
	if r.running {
		return
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	fetchCtx, fetchCancel := context.WithCancel(context.Background())
	env := &runEnv{
		registry: r,
		fetcher:  r.strategy.Load().fetcher,
		fetchCtx: fetchCtx,
	}

	r.mu.Lock()
	size := r.opts.QueueSize
	if n := len(r.nodes) * 2; n > size {
		size = n
	}
	r.queue = make(chan *TaskNode, size)
	r.queueDone = runCtx.Done()
	for _, node := range r.sortedNodesLocked() {
		if !node.State().IsTerminal() {
			node.resetParked()
			r.queue <- node
		}
	}
	queue := r.queue
	r.mu.Unlock()

	r.runCancel = runCancel
	r.fetchCancel = fetchCancel
	r.running = true

	for i := 0; i < r.opts.MaxConcurrent; i++ {
		r.wg.Add(1)
		go r.worker(runCtx, env, queue)
	}

	r.logger.WithField("workers", r.opts.MaxConcurrent).Info("Task dispatch started")
}

func (r *Registry) worker(ctx context.Context, env *runEnv, queue <-chan *TaskNode) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case node := <-queue:
			if !r.claimSource(node) {
				continue
			}
			for node != nil && ctx.Err() == nil {
				if node.dispatch() {
					node.run(ctx, env)
				}
				node = r.handOff(node.sourceID)
			}
		}
	}
}

// requeue puts a parked node that became runnable back on the dispatch queue.
// While dispatch is stopped there is nothing to do: Start queues every live node.
func (r *Registry) requeue(node *TaskNode) {
	r.mu.RLock()
	queue, done := r.queue, r.queueDone
	r.mu.RUnlock()
	if queue == nil {
		return
	}
	select {
	case queue <- node:
	default:
		go func() {
			select {
			case queue <- node:
			case <-done:
			}
		}()
	}
}

// retire finishes a cancelled node that has no loop attached.
func (r *Registry) retire(node *TaskNode) {
	r.releaseRetained(node, node.finish(models.TaskStateStopped, ""))
	r.logger.WithTaskID(node.id).Info("Task stopped")
}

// claimSource marks the node's source busy. Tasks on a busy source wait their turn.
func (r *Registry) claimSource(node *TaskNode) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sourceBusy[node.sourceID] {
		r.sourceWaiting[node.sourceID] = append(r.sourceWaiting[node.sourceID], node)
		return false
	}
	r.sourceBusy[node.sourceID] = true
	return true
}

// handOff returns the next waiting task for the source, keeping it claimed.
func (r *Registry) handOff(sourceID string) *TaskNode {
	r.mu.Lock()
	defer r.mu.Unlock()
	waiting := r.sourceWaiting[sourceID]
	if len(waiting) == 0 {
		delete(r.sourceBusy, sourceID)
		delete(r.sourceWaiting, sourceID)
		return nil
	}
	next := waiting[0]
	if len(waiting) == 1 {
		delete(r.sourceWaiting, sourceID)
	} else {
		r.sourceWaiting[sourceID] = waiting[1:]
	}
	return next
}

// stopDispatchLocked detaches all loops at their next unit boundary and waits
// for them. If ctx ends first, in-flight transfers are aborted.
func (r *Registry) stopDispatchLocked(ctx context.Context) error {
	if !r.running {
		return nil
	}
	r.runCancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		r.logger.WithError(err).Warn("Dispatch did not drain in time, aborting in-flight transfers")
		r.fetchCancel()
		<-done
	}
	r.fetchCancel()

	r.mu.Lock()
	r.queue = nil
	r.queueDone = nil
	r.sourceBusy = make(map[string]bool)
	r.sourceWaiting = make(map[string][]*TaskNode)
	r.mu.Unlock()

	r.running = false
	r.logger.Info("Task dispatch stopped")
	return err
}

// Shutdown stops dispatch for good.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()
	err := r.stopDispatchLocked(ctx)
	r.closed = true
	return err
}

// Running reports whether dispatch workers are active.
func (r *Registry) Running() bool {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()
	return r.running
}

func (r *Registry) sortedNodesLocked() []*TaskNode {
	nodes := make([]*TaskNode, 0, len(r.nodes))
	for _, node := range r.nodes {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].id < nodes[j].id })
	return nodes
}

func (r *Registry) sortedNodes() []*TaskNode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedNodesLocked()
}

func (r *Registry) resolve(target Target) ([]*TaskNode, error) {
	if target.All {
		return r.sortedNodes(), nil
	}
	r.mu.RLock()
	node, ok := r.nodes[target.TaskID]
	r.mu.RUnlock()
	if !ok {
		return nil, utils.NewTaskError(target.TaskID, utils.ErrTaskNotFound)
	}
	return []*TaskNode{node}, nil
}

// Pause manually pauses the target. It returns how many tasks changed.
func (r *Registry) Pause(target Target) (int, error) {
	return r.apply(target, "pause", func(n *TaskNode) bool { return n.pause(models.PauseManual) })
}

// Resume lifts a manual pause. Tasks paused by the network monitor stay paused.
func (r *Registry) Resume(target Target) (int, error) {
	return r.apply(target, "resume", func(n *TaskNode) bool { return n.resume(models.PauseManual) })
}

// Cancel requests a cooperative stop of the target.
func (r *Registry) Cancel(target Target) (int, error) {
	return r.apply(target, "cancel", (*TaskNode).cancel)
}

func (r *Registry) apply(target Target, action string, fn func(*TaskNode) bool) (int, error) {
	r.controlMu.RLock()
	defer r.controlMu.RUnlock()
	nodes, err := r.resolve(target)
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, node := range nodes {
		if fn(node) {
			changed++
		}
	}
	r.logger.WithField("action", action).
		WithField("target", target.String()).
		WithField("changed", changed).
		Info("Task control applied")
	return changed, nil
}

// PauseRunning pauses every running task for reason and returns their ids.
// Tasks that are already paused are not included.
func (r *Registry) PauseRunning(reason models.PauseReason) []int64 {
	r.controlMu.RLock()
	defer r.controlMu.RUnlock()
	var paused []int64
	for _, node := range r.sortedNodes() {
		if node.State() != models.TaskStateRunning {
			continue
		}
		if node.pause(reason) {
			paused = append(paused, node.id)
		}
	}
	return paused
}

// ResumeTasks lifts reason from the given tasks and returns those that changed.
func (r *Registry) ResumeTasks(ids []int64, reason models.PauseReason) []int64 {
	r.controlMu.RLock()
	defer r.controlMu.RUnlock()
	var resumed []int64
	for _, id := range ids {
		r.mu.RLock()
		node, ok := r.nodes[id]
		r.mu.RUnlock()
		if ok && node.resume(reason) {
			resumed = append(resumed, id)
		}
	}
	return resumed
}

// TasksPausedBy returns the ids of paused tasks carrying reason.
func (r *Registry) TasksPausedBy(reason models.PauseReason) []int64 {
	var ids []int64
	for _, node := range r.sortedNodes() {
		if node.State() == models.TaskStatePaused && node.PauseReason().Has(reason) {
			ids = append(ids, node.id)
		}
	}
	return ids
}

// Node returns the task with the given id.
func (r *Registry) Node(id int64) (*TaskNode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[id]
	return node, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Wait blocks until every task is terminal or ctx ends.
func (r *Registry) Wait(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		done := true
		for _, node := range r.sortedNodes() {
			if !node.State().IsTerminal() {
				done = false
				break
			}
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Reload swaps the task logic. Loops are detached at a unit boundary, state
// goes through a snapshot, and dispatch restarts on the new fetcher.
func (r *Registry) Reload(ctx context.Context, next Fetcher) error {
	if !r.reloading.CompareAndSwap(false, true) {
		return utils.ErrReloadInProgress
	}
	defer r.reloading.Store(false)

	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()
	if r.closed {
		return utils.ErrRegistryClosed
	}

	wasRunning := r.running
	if err := r.stopDispatchLocked(ctx); err != nil {
		r.logger.WithError(err).Warn("Reload proceeding after forced drain")
	}

	// Control calls wait from the snapshot to the swap so none of them lands
	// on a node that is about to be replaced.
	r.controlMu.Lock()
	blob, err := r.Snapshot()
	if err != nil {
		r.controlMu.Unlock()
		if wasRunning {
			r.startLocked()
		}
		return fmt.Errorf("failed to snapshot before reload: %w", err)
	}

	if next != nil {
		r.strategy.Store(&strategyHandle{fetcher: next})
	}

	restoreErr := r.restoreLocked(blob)
	r.controlMu.Unlock()
	if wasRunning {
		r.startLocked()
	}
	if restoreErr != nil {
		return fmt.Errorf("failed to restore after reload: %w", restoreErr)
	}

	r.logger.WithField("tasks", r.Len()).Info("Task logic reloaded")
	return nil
}
