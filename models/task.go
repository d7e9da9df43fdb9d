package models

import (
	"fmt"
	"strings"
	"time"
)

type TaskState string

const (
	TaskStateIdle      TaskState = "idle"
	TaskStateRunning   TaskState = "running"
	TaskStatePaused    TaskState = "paused"
	TaskStateStopping  TaskState = "stopping"
	TaskStateStopped   TaskState = "stopped"
	TaskStateCompleted TaskState = "completed"
)

func (s TaskState) IsTerminal() bool {
	return s == TaskStateStopped || s == TaskStateCompleted
}

func (s TaskState) Valid() bool {
	switch s {
	case TaskStateIdle, TaskStateRunning, TaskStatePaused,
		TaskStateStopping, TaskStateStopped, TaskStateCompleted:
		return true
	}
	return false
}

// PauseReason is a set of pause causes. A node stays paused while any bit is set.
type PauseReason uint8

const (
	PauseManual PauseReason = 1 << iota
	PauseNetwork

	PauseNone PauseReason = 0
)

var pauseReasonNames = []struct {
	reason PauseReason
	name   string
}{
	{PauseManual, "manual"},
	{PauseNetwork, "network"},
}

func (r PauseReason) Has(other PauseReason) bool {
	return other != PauseNone && r&other == other
}

func (r PauseReason) String() string {
	if r == PauseNone {
		return ""
	}
	parts := make([]string, 0, len(pauseReasonNames))
	for _, n := range pauseReasonNames {
		if r.Has(n.reason) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

func (r PauseReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *PauseReason) UnmarshalText(text []byte) error {
	parsed, err := ParsePauseReason(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

func ParsePauseReason(s string) (PauseReason, error) {
	var reason PauseReason
	if s == "" {
		return PauseNone, nil
	}
	for _, part := range strings.Split(s, "|") {
		found := false
		for _, n := range pauseReasonNames {
			if part == n.name {
				reason |= n.reason
				found = true
				break
			}
		}
		if !found {
			return PauseNone, fmt.Errorf("unknown pause reason %q", part)
		}
	}
	return reason, nil
}

// UnitRange is an inclusive range of unit (message) ids.
type UnitRange struct {
	Start int64 `json:"start" yaml:"start"`
	End   int64 `json:"end" yaml:"end"`
}

func (r UnitRange) Valid() bool {
	return r.Start > 0 && r.End >= r.Start
}

func (r UnitRange) Size() int64 {
	return r.End - r.Start + 1
}

func (r UnitRange) Contains(unitID int64) bool {
	return unitID >= r.Start && unitID <= r.End
}

type Counters struct {
	Total     int64 `json:"total"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Skipped   int64 `json:"skipped"`
}

// TaskSpec describes a task to be created from configuration.
type TaskSpec struct {
	SourceID string    `json:"source_id"`
	Range    UnitRange `json:"range"`
	Filter   string    `json:"filter,omitempty"`
}

// Transition is emitted every time a task changes state.
type Transition struct {
	TaskID    int64       `json:"task_id"`
	SourceID  string      `json:"source_id"`
	From      TaskState   `json:"from"`
	To        TaskState   `json:"to"`
	Reason    PauseReason `json:"reason,omitempty"`
	Cause     string      `json:"cause,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// FailedUnit records a unit that exhausted its attempts.
type FailedUnit struct {
	TaskID   int64     `json:"task_id"`
	SourceID string    `json:"source_id"`
	UnitID   int64     `json:"unit_id"`
	Reason   string    `json:"reason"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failed_at"`
}
