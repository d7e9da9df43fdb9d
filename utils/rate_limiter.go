package utils

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// CommandRateConfig bounds how often one user may issue bot commands.
type CommandRateConfig struct {
	Every           time.Duration
	Burst           int
	CleanupInterval time.Duration
	IdleTTL         time.Duration
}

func DefaultCommandRateConfig() CommandRateConfig {
	return CommandRateConfig{
		Every:           time.Second,
		Burst:           5,
		CleanupInterval: 5 * time.Minute,
		IdleTTL:         30 * time.Minute,
	}
}

type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// CommandLimiter keeps one token bucket per user.
type CommandLimiter struct {
	config CommandRateConfig
	logger *Logger

	mutex       sync.Mutex
	users       map[int64]*userLimiter
	stopCleanup chan struct{}
	stopOnce    sync.Once
	now         func() time.Time
}

func NewCommandLimiter(config CommandRateConfig, logger *Logger) *CommandLimiter {
	if config.Every <= 0 {
		config.Every = time.Second
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}
	cl := &CommandLimiter{
		config:      config,
		logger:      logger,
		users:       make(map[int64]*userLimiter),
		stopCleanup: make(chan struct{}),
		now:         time.Now,
	}
	if config.CleanupInterval > 0 {
		go cl.cleanupLoop()
	}
	return cl
}

// Allow consumes one token for userID.
func (cl *CommandLimiter) Allow(userID int64, command string) bool {
	cl.mutex.Lock()
	state, ok := cl.users[userID]
	if !ok {
		state = &userLimiter{limiter: rate.NewLimiter(rate.Every(cl.config.Every), cl.config.Burst)}
		cl.users[userID] = state
	}
	now := cl.now()
	state.lastSeen = now
	allowed := state.limiter.AllowN(now, 1)
	cl.mutex.Unlock()

	if !allowed {
		cl.logger.WithField("user_id", userID).
			WithField("command", command).
			Warn("Command rate limit exceeded")
	}
	return allowed
}

func (cl *CommandLimiter) cleanupLoop() {
	ticker := time.NewTicker(cl.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-cl.stopCleanup:
			return
		case <-ticker.C:
			cl.performCleanup()
		}
	}
}

func (cl *CommandLimiter) performCleanup() {
	cl.mutex.Lock()
	defer cl.mutex.Unlock()
	cutoff := cl.now().Add(-cl.config.IdleTTL)
	for userID, state := range cl.users {
		if state.lastSeen.Before(cutoff) {
			delete(cl.users, userID)
		}
	}
}

func (cl *CommandLimiter) Shutdown() {
	cl.stopOnce.Do(func() { close(cl.stopCleanup) })
}
