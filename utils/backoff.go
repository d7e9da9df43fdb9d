package utils

import (
	"time"
)

const (
	// HardWaitBuffer is added to every server-specified rate-limit wait.
	HardWaitBuffer = 5 * time.Second

	DefaultIntervalBase = 5 * time.Second
	DefaultIntervalMin  = 5 * time.Second
	DefaultIntervalMax  = 300 * time.Second
)

// BackoffConfig parameterizes the soft update interval.
type BackoffConfig struct {
	Base time.Duration
	Min  time.Duration
	Max  time.Duration
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Base: DefaultIntervalBase,
		Min:  DefaultIntervalMin,
		Max:  DefaultIntervalMax,
	}
}

// HardWait returns how long to suspend after a rate-limit signal carrying
// waitSeconds. It does not depend on how many signals came before.
func HardWait(waitSeconds int) time.Duration {
	if waitSeconds < 0 {
		waitSeconds = 0
	}
	return time.Duration(waitSeconds)*time.Second + HardWaitBuffer
}

// Interval returns clamp(Base * 2^n, Min, Max).
func (c BackoffConfig) Interval(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	delay := c.Max
	// 2^n overflows long before it matters; anything this large is capped anyway.
	if n < 32 {
		scaled := c.Base * time.Duration(int64(1)<<uint(n))
		if scaled > 0 && scaled < c.Max {
			delay = scaled
		}
	}
	if delay < c.Min {
		delay = c.Min
	}
	return delay
}

// Interval uses the default configuration.
func Interval(n int) time.Duration {
	return DefaultBackoffConfig().Interval(n)
}

// FloodState is the per-task rate-limit bookkeeping. It is owned by a single
// task and is not safe for concurrent use on its own.
type FloodState struct {
	Count             int           `json:"floodwait_count"`
	MinUpdateInterval time.Duration `json:"min_update_interval"`
	LastUpdateTime    time.Time     `json:"last_update_time"`
	LastWait          time.Duration `json:"last_wait"`

	successes int
	config    BackoffConfig
}

func NewFloodState(config BackoffConfig) FloodState {
	return FloodState{
		MinUpdateInterval: config.Interval(0),
		config:            config,
	}
}

// RestoreFloodState rebuilds the state from a persisted floodwait count.
func RestoreFloodState(config BackoffConfig, count int) FloodState {
	f := NewFloodState(config)
	if count > 0 {
		f.Count = count
		f.MinUpdateInterval = config.Interval(count - 1)
	}
	return f
}

// OnRateLimited records one rate-limit event and returns the hard wait to apply.
// The k-th consecutive event sets the update interval to Interval(k-1).
func (f *FloodState) OnRateLimited(waitSeconds int) time.Duration {
	f.Count++
	f.successes = 0
	f.MinUpdateInterval = f.config.Interval(f.Count - 1)
	f.LastWait = HardWait(waitSeconds)
	return f.LastWait
}

// OnSuccess counts a successful unit. Once resetAfter consecutive successes
// follow a backoff, the counters return to baseline. It reports whether a
// reset happened.
func (f *FloodState) OnSuccess(resetAfter int) bool {
	if f.Count == 0 {
		return false
	}
	if resetAfter < 1 {
		resetAfter = 1
	}
	f.successes++
	if f.successes < resetAfter {
		return false
	}
	f.Count = 0
	f.successes = 0
	f.MinUpdateInterval = f.config.Interval(0)
	return true
}

// ShouldUpdate throttles status reports to at most one per MinUpdateInterval.
func (f *FloodState) ShouldUpdate(now time.Time) bool {
	if !f.LastUpdateTime.IsZero() && now.Sub(f.LastUpdateTime) < f.MinUpdateInterval {
		return false
	}
	f.LastUpdateTime = now
	return true
}
