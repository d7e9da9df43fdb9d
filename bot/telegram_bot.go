package bot

import (
	"context"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"telegram-media-downloader/monitoring"
	"telegram-media-downloader/pipeline"
	"telegram-media-downloader/storage"
	"telegram-media-downloader/utils"
)

const outboxSize = 256

// Services are the components the command surface drives. Monitor, Audit,
// DeadLetters, Health and Metrics may be nil.
type Services struct {
	Registry    *pipeline.Registry
	Monitor     *monitoring.NetworkMonitor
	Recovery    *storage.RecoveryService
	Audit       *storage.AuditLogger
	DeadLetters *storage.DeadLetterQueue
	Health      *monitoring.HealthMonitor
	Metrics     *monitoring.PerformanceMetrics
	Reload      func(ctx context.Context) error
}

type outgoing struct {
	chatID int64
	text   func() string
}

type TelegramBot struct {
	bot      *tgbotapi.BotAPI
	config   *utils.Config
	logger   *utils.Logger
	services Services

	sendLimiter *rate.Limiter
	commands    *utils.CommandLimiter
	outbox      chan outgoing

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewTelegramBot(bot *tgbotapi.BotAPI, config *utils.Config, logger *utils.Logger, services Services) *TelegramBot {
	logger.WithField("username", bot.Self.UserName).Info("Telegram bot authorized")

	return &TelegramBot{
		bot:      bot,
		config:   config,
		logger:   logger,
		services: services,
		// Bot API allows about 30 messages per second overall
		sendLimiter: rate.NewLimiter(rate.Limit(25), 5),
		commands:    utils.NewCommandLimiter(utils.DefaultCommandRateConfig(), logger),
		outbox:      make(chan outgoing, outboxSize),
		stopChan:    make(chan struct{}),
	}
}

// Start blocks, handling updates until Stop is called.
func (tb *TelegramBot) Start() error {
	tb.wg.Add(1)
	go tb.sendLoop()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := tb.bot.GetUpdatesChan(u)

	tb.logger.Info("Bot started, listening for updates...")

	for {
		select {
		case <-tb.stopChan:
			tb.logger.Info("Bot stopping...")
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}

			go tb.handleUpdate(update)
		}
	}
}

func (tb *TelegramBot) Stop() {
	tb.stopOnce.Do(func() {
		close(tb.stopChan)
		tb.bot.StopReceivingUpdates()
		tb.commands.Shutdown()
	})
	tb.wg.Wait()
}

func (tb *TelegramBot) SendMessage(chatID int64, text string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := tb.sendLimiter.Wait(ctx); err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = "Markdown"
	_, err := tb.bot.Send(msg)
	return err
}

// enqueue hands a message to the sender without blocking. text is evaluated
// on the sender goroutine.
func (tb *TelegramBot) enqueue(chatID int64, text func() string) {
	select {
	case tb.outbox <- outgoing{chatID: chatID, text: text}:
	default:
		tb.logger.WithField("chat_id", chatID).Warn("Notification outbox full, dropping message")
	}
}

func (tb *TelegramBot) sendLoop() {
	defer tb.wg.Done()
	for {
		select {
		case <-tb.stopChan:
			return
		case msg := <-tb.outbox:
			text := msg.text()
			if text == "" {
				continue
			}
			if err := tb.SendMessage(msg.chatID, text); err != nil {
				tb.logger.WithError(err).
					WithField("chat_id", msg.chatID).
					Error("Failed to send notification")
			}
		}
	}
}
