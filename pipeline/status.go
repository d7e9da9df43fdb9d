package pipeline

import (
	"time"

	"telegram-media-downloader/models"
	"telegram-media-downloader/utils"
)

// ActiveUnit is an in-flight unit as shown in status output.
type ActiveUnit struct {
	models.ProgressEntry
	Percent    float64 `json:"percent"`
	ETASeconds float64 `json:"eta_seconds"`
}

func (a ActiveUnit) ETA() time.Duration {
	if a.ETASeconds < 0 {
		return -1
	}
	return time.Duration(a.ETASeconds * float64(time.Second))
}

// FloodSummary reports a task's rate-limit settings.
type FloodSummary struct {
	FloodwaitCount    int        `json:"floodwait_count"`
	MinUpdateInterval float64    `json:"min_update_interval_seconds"`
	LastWait          float64    `json:"last_wait_seconds"`
	HardWaitBuffer    float64    `json:"hard_wait_buffer_seconds"`
	LastUpdateTime    time.Time  `json:"last_update_time"`
	WaitUntil         *time.Time `json:"wait_until,omitempty"`
}

type TaskSummary struct {
	TaskID      int64            `json:"task_id"`
	SourceID    string           `json:"source_id"`
	State       models.TaskState `json:"state"`
	IsRunning   bool             `json:"is_running"`
	PauseReason string           `json:"pause_reason,omitempty"`
	Range       models.UnitRange `json:"range"`
	Filter      string           `json:"filter,omitempty"`
	Cursor      int64            `json:"cursor"`
	Counters    models.Counters  `json:"counters"`
	Progress    float64          `json:"progress"`
	Active      []ActiveUnit     `json:"active"`
	Flood       FloodSummary     `json:"flood"`
	StopCause   string           `json:"stop_cause,omitempty"`
	LastError   string           `json:"last_error,omitempty"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	FinishedAt  *time.Time       `json:"finished_at,omitempty"`
}

func (r *Registry) summarize(n *TaskNode) TaskSummary {
	v := n.view()

	summary := TaskSummary{
		TaskID:      v.id,
		SourceID:    v.sourceID,
		State:       v.state,
		IsRunning:   v.running,
		PauseReason: v.reasons.String(),
		Range:       v.rng,
		Filter:      v.filter,
		Cursor:      v.cursor,
		Counters:    v.counters,
		Flood: FloodSummary{
			FloodwaitCount:    v.flood.Count,
			MinUpdateInterval: v.flood.MinUpdateInterval.Seconds(),
			LastWait:          v.flood.LastWait.Seconds(),
			HardWaitBuffer:    utils.HardWaitBuffer.Seconds(),
			LastUpdateTime:    v.flood.LastUpdateTime,
		},
		StopCause: v.stopCause,
		LastError: v.lastError,
	}
	if size := v.rng.Size(); size > 0 {
		summary.Progress = float64(v.counters.Total) * 100 / float64(size)
	}
	if !v.started.IsZero() {
		started := v.started
		summary.StartedAt = &started
	}
	if !v.finished.IsZero() {
		finished := v.finished
		summary.FinishedAt = &finished
	}
	if !v.floodUntil.IsZero() {
		until := v.floodUntil
		summary.Flood.WaitUntil = &until
	}

	for _, entry := range r.progress.SnapshotActive(v.sourceID) {
		if !v.rng.Contains(entry.UnitID) {
			continue
		}
		eta := -1.0
		if d := entry.ETA(); d >= 0 {
			eta = d.Seconds()
		}
		summary.Active = append(summary.Active, ActiveUnit{
			ProgressEntry: entry,
			Percent:       entry.Percent(),
			ETASeconds:    eta,
		})
	}
	return summary
}

// Status returns one summary per task, ordered by task id.
func (r *Registry) Status() []TaskSummary {
	nodes := r.sortedNodes()
	summaries := make([]TaskSummary, 0, len(nodes))
	for _, node := range nodes {
		summaries = append(summaries, r.summarize(node))
	}
	return summaries
}

func (r *Registry) TaskStatus(id int64) (TaskSummary, error) {
	node, ok := r.Node(id)
	if !ok {
		return TaskSummary{}, utils.NewTaskError(id, utils.ErrTaskNotFound)
	}
	return r.summarize(node), nil
}
