package models

import (
	"fmt"
	"time"
)

type FetchOutcome int

const (
	OutcomeSuccess FetchOutcome = iota
	OutcomeSkipped
	OutcomeRateLimited
	OutcomeFailure
)

func (o FetchOutcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeFailure:
		return "failure"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// FetchResult is the outcome of transferring one unit. Rate limiting is a
// result variant, not an error.
type FetchResult struct {
	Outcome     FetchOutcome
	WaitSeconds int
	Reason      string
	FileName    string
	Bytes       int64
}

func Success(fileName string, bytes int64) FetchResult {
	return FetchResult{Outcome: OutcomeSuccess, FileName: fileName, Bytes: bytes}
}

func Skipped(reason string) FetchResult {
	return FetchResult{Outcome: OutcomeSkipped, Reason: reason}
}

func RateLimited(waitSeconds int) FetchResult {
	if waitSeconds < 0 {
		waitSeconds = 0
	}
	return FetchResult{Outcome: OutcomeRateLimited, WaitSeconds: waitSeconds}
}

func Failure(reason string) FetchResult {
	return FetchResult{Outcome: OutcomeFailure, Reason: reason}
}

// ProgressEvent is one byte-progress report for an in-flight unit.
type ProgressEvent struct {
	SourceID string
	UnitID   int64
	FileName string
	Done     int64
	Total    int64
	Rate     float64 // bytes per second
}

// ProgressEntry is the registry's view of an in-flight unit.
type ProgressEntry struct {
	SourceID   string    `json:"source_id"`
	UnitID     int64     `json:"unit_id"`
	FileName   string    `json:"file_name"`
	TotalBytes int64     `json:"total_bytes"`
	DoneBytes  int64     `json:"downloaded_bytes"`
	Speed      float64   `json:"speed"`
	StartTime  time.Time `json:"start_time"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (e ProgressEntry) Percent() float64 {
	if e.TotalBytes <= 0 {
		return 0
	}
	return float64(e.DoneBytes) * 100 / float64(e.TotalBytes)
}

func (e ProgressEntry) Complete() bool {
	return e.TotalBytes > 0 && e.DoneBytes >= e.TotalBytes
}

// ETA returns the remaining transfer time at the current speed, or -1 when
// the speed is unknown.
func (e ProgressEntry) ETA() time.Duration {
	if e.Speed <= 0 {
		return -1
	}
	remaining := float64(e.TotalBytes - e.DoneBytes)
	if remaining < 0 {
		remaining = 0
	}
	return time.Duration(remaining / e.Speed * float64(time.Second))
}
