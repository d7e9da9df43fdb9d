package utils

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/joho/godotenv"
)

type Config struct {
	TelegramBotToken string  `env:"TELEGRAM_BOT_TOKEN"`
	AdminIDs         []int64 `env:"ADMIN_IDS" envSeparator:","`
	// Chat the bot forwards source messages into to obtain file ids
	StagingChatID int64 `env:"STAGING_CHAT_ID"`
	// Local Bot API Server configuration
	UseLocalBotAPI bool   `env:"USE_LOCAL_BOT_API" envDefault:"false"`
	LocalBotAPIURL string `env:"LOCAL_BOT_API_URL" envDefault:"http://localhost:8081"`

	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"sqlite3"`
	DatabasePath   string `env:"DATABASE_PATH" envDefault:"data/downloader.db"`
	DatabaseDSN    string `env:"DATABASE_DSN"`

	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFilePath string `env:"LOG_FILE_PATH" envDefault:"logs/downloader.log"`

	SourcesFile string `env:"SOURCES_FILE" envDefault:"sources.yaml"`
	DownloadDir string `env:"DOWNLOAD_DIR" envDefault:"downloads"`

	MaxConcurrentTasks     int           `env:"MAX_CONCURRENT_TASKS" envDefault:"5"`
	MaxUnitAttempts        int           `env:"MAX_UNIT_ATTEMPTS" envDefault:"3"`
	UnitRetryDelay         time.Duration `env:"UNIT_RETRY_DELAY" envDefault:"3s"`
	MaxConsecutiveFailures int           `env:"MAX_CONSECUTIVE_FAILURES" envDefault:"10"`
	FloodResetSuccesses    int           `env:"FLOOD_RESET_SUCCESSES" envDefault:"1"`

	NetworkMonitorEnabled    bool          `env:"NETWORK_MONITOR_ENABLED" envDefault:"true"`
	NetworkCheckInterval     time.Duration `env:"NETWORK_CHECK_INTERVAL" envDefault:"30s"`
	NetworkCheckTimeout      time.Duration `env:"NETWORK_CHECK_TIMEOUT" envDefault:"5s"`
	NetworkCheckHost         string        `env:"NETWORK_CHECK_HOST" envDefault:"1.1.1.1"`
	NetworkCheckPort         int           `env:"NETWORK_CHECK_PORT" envDefault:"443"`
	NetworkCheckURL          string        `env:"NETWORK_CHECK_URL" envDefault:"https://api.telegram.org"`
	NetworkFailureThreshold  int           `env:"NETWORK_FAILURE_THRESHOLD" envDefault:"2"`
	NetworkRecoveryThreshold int           `env:"NETWORK_RECOVERY_THRESHOLD" envDefault:"2"`

	SnapshotInterval  time.Duration `env:"SNAPSHOT_INTERVAL" envDefault:"60s"`
	SnapshotRetention int           `env:"SNAPSHOT_RETENTION" envDefault:"20"`
	ReloadTriggerFile string        `env:"RELOAD_TRIGGER_FILE" envDefault:"RELOAD_NOW"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	HTTPListenAddr string `env:"HTTP_LISTEN_ADDR"`
	// Bearer token required by the HTTP API when set
	HTTPAPIToken   string `env:"HTTP_API_TOKEN"`
	NotifyProgress bool   `env:"NOTIFY_PROGRESS" envDefault:"false"`
}

// LoadConfig reads .env files (when present) into the environment and parses
// the environment into a Config.
func LoadConfig(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}

	config := &Config{}
	if err := env.Parse(config); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) Validate() error {
	if c.TelegramBotToken == "" {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}
	if len(c.AdminIDs) == 0 {
		return fmt.Errorf("at least one valid admin ID is required")
	}
	switch c.DatabaseDriver {
	case "sqlite3":
	case "mysql":
		if c.DatabaseDSN == "" {
			return fmt.Errorf("DATABASE_DSN is required for the mysql driver")
		}
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	if c.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_TASKS must be positive")
	}
	if c.MaxUnitAttempts <= 0 {
		return fmt.Errorf("MAX_UNIT_ATTEMPTS must be positive")
	}
	if c.FloodResetSuccesses <= 0 {
		return fmt.Errorf("FLOOD_RESET_SUCCESSES must be positive")
	}
	if c.NetworkCheckInterval <= 0 || c.NetworkCheckTimeout <= 0 {
		return fmt.Errorf("network check interval and timeout must be positive")
	}
	if c.NetworkFailureThreshold <= 0 || c.NetworkRecoveryThreshold <= 0 {
		return fmt.Errorf("network thresholds must be positive")
	}
	return nil
}

func (c *Config) IsAdmin(userID int64) bool {
	for _, adminID := range c.AdminIDs {
		if adminID == userID {
			return true
		}
	}
	return false
}
