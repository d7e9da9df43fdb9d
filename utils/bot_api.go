package utils

import (
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// NewBotAPI creates a Bot API client against either api.telegram.org or a
// Local Bot API Server, and verifies the token with getMe.
func NewBotAPI(config *Config, logger *Logger) (*tgbotapi.BotAPI, error) {
	var bot *tgbotapi.BotAPI
	var err error

	if config.UseLocalBotAPI {
		logger.WithField("local_api_url", config.LocalBotAPIURL).
			Info("Initializing Bot API client with Local Bot API Server")

		// Long timeout so large transfers through the local server are not cut off
		httpClient := &http.Client{
			Timeout: 30 * time.Minute,
		}

		// The API endpoint should be in format: http://localhost:8081/bot%s/%s
		bot, err = tgbotapi.NewBotAPIWithClient(config.TelegramBotToken, config.LocalBotAPIURL+"/bot%s/%s", httpClient)
		if err != nil {
			return nil, fmt.Errorf("failed to create Bot API client: %w", err)
		}
	} else {
		logger.Info("Initializing standard Bot API client (20MB file limit)")

		bot, err = tgbotapi.NewBotAPI(config.TelegramBotToken)
		if err != nil {
			return nil, fmt.Errorf("failed to create standard Bot API client: %w", err)
		}
	}

	logger.WithField("bot_username", bot.Self.UserName).
		WithField("bot_id", bot.Self.ID).
		Info("Bot API client initialized successfully")

	return bot, nil
}

// MaxDownloadSize is the largest file the configured API can serve.
func MaxDownloadSize(config *Config) int64 {
	if config.UseLocalBotAPI {
		return 2000 * 1024 * 1024
	}
	return 20 * 1024 * 1024
}
