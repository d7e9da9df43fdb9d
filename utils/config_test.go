package utils

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("ADMIN_IDS", "10,20")
	t.Setenv("UNIT_RETRY_DELAY", "1500ms")
	t.Setenv("MAX_CONCURRENT_TASKS", "3")

	config, err := LoadConfig(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "123:abc", config.TelegramBotToken)
	assert.Equal(t, []int64{10, 20}, config.AdminIDs)
	assert.Equal(t, 1500*time.Millisecond, config.UnitRetryDelay)
	assert.Equal(t, 3, config.MaxConcurrentTasks)
	assert.Equal(t, 3, config.MaxUnitAttempts)
	assert.Equal(t, "sqlite3", config.DatabaseDriver)
	assert.True(t, config.IsAdmin(20))
	assert.False(t, config.IsAdmin(30))
}

func TestLoadConfigReadsEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("TELEGRAM_BOT_TOKEN=file-token\nADMIN_IDS=7\nSNAPSHOT_RETENTION=4\n"), 0644))

	// godotenv does not override variables that are already set.
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	os.Unsetenv("TELEGRAM_BOT_TOKEN")
	t.Setenv("ADMIN_IDS", "")
	os.Unsetenv("ADMIN_IDS")
	t.Setenv("SNAPSHOT_RETENTION", "")
	os.Unsetenv("SNAPSHOT_RETENTION")

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "file-token", config.TelegramBotToken)
	assert.Equal(t, []int64{7}, config.AdminIDs)
	assert.Equal(t, 4, config.SnapshotRetention)
}

func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			TelegramBotToken:         "t",
			AdminIDs:                 []int64{1},
			DatabaseDriver:           "sqlite3",
			MaxConcurrentTasks:       1,
			MaxUnitAttempts:          3,
			FloodResetSuccesses:      1,
			NetworkCheckInterval:     time.Second,
			NetworkCheckTimeout:      time.Second,
			NetworkFailureThreshold:  2,
			NetworkRecoveryThreshold: 2,
		}
	}
	require.NoError(t, valid().Validate())

	cases := map[string]func(*Config){
		"missing token":      func(c *Config) { c.TelegramBotToken = "" },
		"no admins":          func(c *Config) { c.AdminIDs = nil },
		"mysql without dsn":  func(c *Config) { c.DatabaseDriver = "mysql" },
		"unknown driver":     func(c *Config) { c.DatabaseDriver = "postgres" },
		"zero workers":       func(c *Config) { c.MaxConcurrentTasks = 0 },
		"zero attempts":      func(c *Config) { c.MaxUnitAttempts = 0 },
		"zero threshold":     func(c *Config) { c.NetworkFailureThreshold = 0 },
		"zero check timeout": func(c *Config) { c.NetworkCheckTimeout = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := valid()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}
