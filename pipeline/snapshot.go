package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"telegram-media-downloader/models"
	"telegram-media-downloader/utils"
)

// SnapshotVersion is the only layout Restore accepts.
const SnapshotVersion = 1

// Snapshot is the durable form of the task set. Progress entries are not part
// of it; a restored task resumes after its cursor.
type Snapshot struct {
	Version    int          `json:"version"`
	CreatedAt  time.Time    `json:"created_at"`
	NextTaskID int64        `json:"next_task_id"`
	Tasks      []TaskRecord `json:"tasks"`
}

type TaskRecord struct {
	TaskID         int64              `json:"task_id"`
	SourceID       string             `json:"source_id"`
	State          models.TaskState   `json:"state"`
	PauseReason    models.PauseReason `json:"pause_reason"`
	Cursor         int64              `json:"cursor"`
	Counters       models.Counters    `json:"counters"`
	Range          models.UnitRange   `json:"range"`
	Filter         string             `json:"filter,omitempty"`
	FloodwaitCount int                `json:"floodwait_count"`
	FloodUntil     *time.Time         `json:"flood_until,omitempty"`
	StopCause      string             `json:"stop_cause,omitempty"`
}

func EncodeSnapshot(s *Snapshot) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot parses and validates a blob. Every failure is a *utils.RestoreError.
func DecodeSnapshot(blob []byte) (*Snapshot, error) {
	if len(bytes.TrimSpace(blob)) == 0 {
		return nil, utils.NewRestoreError("empty snapshot", nil)
	}

	var header struct {
		Version *int `json:"version"`
	}
	if err := json.Unmarshal(blob, &header); err != nil {
		return nil, utils.NewRestoreError("corrupt snapshot", err)
	}
	if header.Version == nil {
		return nil, utils.NewRestoreError("unversioned snapshot", nil)
	}
	if *header.Version != SnapshotVersion {
		return nil, utils.NewRestoreError(fmt.Sprintf("unsupported snapshot version %d", *header.Version), nil)
	}

	decoder := json.NewDecoder(bytes.NewReader(blob))
	decoder.DisallowUnknownFields()
	var snap Snapshot
	if err := decoder.Decode(&snap); err != nil {
		return nil, utils.NewRestoreError("malformed snapshot", err)
	}

	if err := validateSnapshot(&snap); err != nil {
		return nil, utils.NewRestoreError("invalid snapshot", err)
	}
	return &snap, nil
}

func validateSnapshot(s *Snapshot) error {
	seen := make(map[int64]bool, len(s.Tasks))
	for _, rec := range s.Tasks {
		if rec.TaskID <= 0 {
			return fmt.Errorf("task id %d is not positive", rec.TaskID)
		}
		if seen[rec.TaskID] {
			return fmt.Errorf("duplicate task id %d", rec.TaskID)
		}
		seen[rec.TaskID] = true

		if rec.SourceID == "" {
			return fmt.Errorf("task %d: missing source id", rec.TaskID)
		}
		if !rec.State.Valid() {
			return fmt.Errorf("task %d: unknown state %q", rec.TaskID, rec.State)
		}
		if !rec.Range.Valid() {
			return fmt.Errorf("task %d: %w [%d, %d]", rec.TaskID, utils.ErrInvalidRange, rec.Range.Start, rec.Range.End)
		}
		if rec.Cursor < rec.Range.Start-1 || rec.Cursor > rec.Range.End {
			return fmt.Errorf("task %d: cursor %d outside range", rec.TaskID, rec.Cursor)
		}
		if rec.State == models.TaskStateCompleted && rec.Cursor != rec.Range.End {
			return fmt.Errorf("task %d: completed before the end of its range", rec.TaskID)
		}
		if (rec.State == models.TaskStatePaused) != (rec.PauseReason != models.PauseNone) {
			return fmt.Errorf("task %d: pause reason %q does not match state %s", rec.TaskID, rec.PauseReason, rec.State)
		}
		c := rec.Counters
		if c.Succeeded < 0 || c.Failed < 0 || c.Skipped < 0 || c.Total != c.Succeeded+c.Failed+c.Skipped {
			return fmt.Errorf("task %d: inconsistent counters", rec.TaskID)
		}
		if c.Total > rec.Cursor-rec.Range.Start+1 {
			return fmt.Errorf("task %d: more units counted than processed", rec.TaskID)
		}
		if rec.FloodwaitCount < 0 {
			return fmt.Errorf("task %d: negative floodwait count", rec.TaskID)
		}
	}
	return nil
}

// Snapshot captures every task. It is safe to call while loops are running;
// each task is read atomically but tasks are not frozen relative to each other.
func (r *Registry) Snapshot() ([]byte, error) {
	r.mu.RLock()
	nodes := r.sortedNodesLocked()
	nextID := r.nextID
	r.mu.RUnlock()

	snap := &Snapshot{
		Version:    SnapshotVersion,
		CreatedAt:  r.opts.Now().UTC(),
		NextTaskID: nextID,
		Tasks:      make([]TaskRecord, 0, len(nodes)),
	}
	for _, node := range nodes {
		v := node.view()
		var floodUntil *time.Time
		if !v.floodUntil.IsZero() {
			until := v.floodUntil.UTC()
			floodUntil = &until
		}
		snap.Tasks = append(snap.Tasks, TaskRecord{
			TaskID:         v.id,
			SourceID:       v.sourceID,
			State:          v.state,
			PauseReason:    v.reasons,
			Cursor:         v.cursor,
			Counters:       v.counters,
			Range:          v.rng,
			Filter:         v.filter,
			FloodwaitCount: v.flood.Count,
			FloodUntil:     floodUntil,
			StopCause:      v.stopCause,
		})
	}
	return EncodeSnapshot(snap)
}

// Restore replaces the task set with the one in blob. On failure the registry
// is left with no tasks and a *utils.RestoreError is returned.
func (r *Registry) Restore(ctx context.Context, blob []byte) error {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()
	if r.closed {
		return utils.ErrRegistryClosed
	}

	wasRunning := r.running
	if err := r.stopDispatchLocked(ctx); err != nil {
		r.logger.WithError(err).Warn("Restore proceeding after forced drain")
	}
	r.controlMu.Lock()
	err := r.restoreLocked(blob)
	r.controlMu.Unlock()
	if wasRunning {
		r.startLocked()
	}
	return err
}

func (r *Registry) restoreLocked(blob []byte) error {
	r.progress.Reset()

	snap, err := DecodeSnapshot(blob)
	if err != nil {
		r.mu.Lock()
		r.nodes = make(map[int64]*TaskNode)
		r.mu.Unlock()
		r.logger.WithError(err).Error("Snapshot rejected, starting with no tasks")
		return err
	}

	nodes := make(map[int64]*TaskNode, len(snap.Tasks))
	nextID := snap.NextTaskID
	for _, rec := range snap.Tasks {
		state, reasons := restoredState(rec)
		var floodUntil time.Time
		if rec.FloodUntil != nil && !state.IsTerminal() {
			floodUntil = *rec.FloodUntil
		}
		nodes[rec.TaskID] = newTaskNode(nodeParams{
			id: rec.TaskID,
			spec: models.TaskSpec{
				SourceID: rec.SourceID,
				Range:    rec.Range,
				Filter:   rec.Filter,
			},
			state:      state,
			reasons:    reasons,
			cursor:     rec.Cursor,
			counters:   rec.Counters,
			flood:      utils.RestoreFloodState(r.opts.Backoff, rec.FloodwaitCount),
			cause:      rec.StopCause,
			floodUntil: floodUntil,
			notify:     r.emitTransition,
			requeue:    r.requeue,
			retire:     r.retire,
			now:        r.opts.Now,
		})
		if rec.TaskID >= nextID {
			nextID = rec.TaskID + 1
		}
	}
	if nextID < 1 {
		nextID = 1
	}

	r.mu.Lock()
	r.nodes = nodes
	r.nextID = nextID
	r.mu.Unlock()

	r.logger.WithField("tasks", len(nodes)).
		WithField("version", snap.Version).
		Info("Snapshot restored")
	return nil
}

// restoredState maps a stored state onto the state a rebuilt node starts in.
// Tasks that were mid-run go back to Idle so dispatch picks them up again.
func restoredState(rec TaskRecord) (models.TaskState, models.PauseReason) {
	switch rec.State {
	case models.TaskStateRunning, models.TaskStateIdle:
		return models.TaskStateIdle, models.PauseNone
	case models.TaskStateStopping:
		return models.TaskStateStopped, models.PauseNone
	case models.TaskStatePaused:
		return models.TaskStatePaused, rec.PauseReason
	default:
		return rec.State, models.PauseNone
	}
}
