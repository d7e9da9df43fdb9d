package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"telegram-media-downloader/pipeline"
	"telegram-media-downloader/utils"
)

const commandTimeout = 2 * time.Minute

func (tb *TelegramBot) handleUpdate(update tgbotapi.Update) {
	message := update.Message
	if message.From == nil || !tb.config.IsAdmin(message.From.ID) {
		userID := int64(0)
		if message.From != nil {
			userID = message.From.ID
		}
		tb.logger.WithField("user_id", userID).
			WithError(utils.ErrUnauthorizedAccess).
			Warn("Unauthorized access attempt")
		// Silently ignore non-admin messages (don't respond)
		return
	}

	if !message.IsCommand() {
		return
	}
	if !tb.commands.Allow(message.From.ID, message.Command()) {
		tb.SendMessage(message.Chat.ID, "⏳ Too many commands, slow down.")
		return
	}
	tb.handleCommand(message)
}

func (tb *TelegramBot) handleCommand(message *tgbotapi.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	chatID := message.Chat.ID
	args := message.CommandArguments()
	actor := strconv.FormatInt(message.From.ID, 10)

	switch message.Command() {
	case "start":
		tb.handleStartCommand(chatID)
	case "help":
		tb.handleHelpCommand(chatID)
	case "task_info":
		tb.handleTaskInfoCommand(chatID, args)
	case "pause":
		tb.handleControlCommand(chatID, actor, "pause", args, tb.services.Registry.Pause)
	case "resume":
		tb.handleControlCommand(chatID, actor, "resume", args, tb.services.Registry.Resume)
	case "stop":
		tb.handleControlCommand(chatID, actor, "stop", args, tb.services.Registry.Cancel)
	case "network_status":
		tb.handleNetworkStatusCommand(chatID)
	case "show_floodwait":
		tb.SendMessage(chatID, FormatFloodwait(tb.services.Registry.Status()))
	case "save_state":
		tb.handleSaveStateCommand(ctx, chatID, actor)
	case "restore_state":
		tb.handleRestoreStateCommand(ctx, chatID, actor, strings.TrimSpace(args))
	case "reload":
		tb.handleReloadCommand(ctx, chatID, actor)
	case "history":
		tb.handleHistoryCommand(ctx, chatID, args)
	case "health":
		tb.handleHealthCommand(ctx, chatID)
	default:
		tb.SendMessage(chatID, "Unknown command. Send /help for available commands.")
	}
}

func (tb *TelegramBot) handleStartCommand(chatID int64) {
	text := `👋 Welcome to Telegram Media Downloader

📥 Tasks download message ranges from channels and chats, with flood-wait
handling, network-aware pausing and persistent state.

Send /help for available commands.`

	tb.SendMessage(chatID, text)
}

func (tb *TelegramBot) handleHelpCommand(chatID int64) {
	text := `📚 Available Commands:

/task\_info [id] - Task state, counters and active downloads
/pause [id|all] - Pause tasks
/resume [id|all] - Resume manually paused tasks
/stop [id|all] - Stop tasks
/network\_status - Network monitor state
/show\_floodwait - Rate-limit state per task
/save\_state - Save a snapshot now
/restore\_state [snapshot\_id] - Restore a snapshot (latest by default)
/reload - Reload task logic without losing state
/history <id> - State changes of a task
/health - Component health and transfer counters`

	tb.SendMessage(chatID, text)
}

func (tb *TelegramBot) handleTaskInfoCommand(chatID int64, args string) {
	registry := tb.services.Registry
	if strings.TrimSpace(args) == "" {
		text := FormatTaskInfo(registry.Status())
		if tb.services.DeadLetters != nil {
			if count, err := tb.services.DeadLetters.Count(context.Background()); err == nil && count > 0 {
				text += fmt.Sprintf("\n☠️ Dead letters: %d", count)
			}
		}
		tb.SendMessage(chatID, text)
		return
	}

	target, err := ParseTarget(args)
	if err != nil {
		tb.SendMessage(chatID, "❌ "+EscapeMarkdown(err.Error()))
		return
	}
	if target.All {
		tb.SendMessage(chatID, FormatTaskInfo(registry.Status()))
		return
	}
	summary, err := registry.TaskStatus(target.TaskID)
	if err != nil {
		tb.SendMessage(chatID, "❌ "+EscapeMarkdown(err.Error()))
		return
	}
	tb.SendMessage(chatID, FormatTask(summary))
}

func (tb *TelegramBot) handleControlCommand(chatID int64, actor, action, args string, apply func(pipeline.Target) (int, error)) {
	target, err := ParseTarget(args)
	if err != nil {
		tb.SendMessage(chatID, "❌ "+EscapeMarkdown(err.Error()))
		return
	}

	changed, err := apply(target)
	if err != nil {
		tb.SendMessage(chatID, "❌ "+EscapeMarkdown(err.Error()))
		return
	}
	if tb.services.Audit != nil {
		if err := tb.services.Audit.LogControl(actor, action, target.String()); err != nil {
			tb.logger.WithError(err).Warn("Failed to audit control command")
		}
	}

	tb.SendMessage(chatID, fmt.Sprintf("✅ %s %s: %d task(s) changed", action, target, changed))
}

func (tb *TelegramBot) handleNetworkStatusCommand(chatID int64) {
	if tb.services.Monitor == nil {
		tb.SendMessage(chatID, "🌐 Network monitor is disabled.")
		return
	}
	tb.SendMessage(chatID, FormatNetworkStatus(tb.services.Monitor.Status()))
}

func (tb *TelegramBot) handleSaveStateCommand(ctx context.Context, chatID int64, actor string) {
	record, err := tb.services.Recovery.SaveSnapshot(ctx, "manual")
	if err != nil {
		tb.logger.WithError(err).Error("Manual snapshot failed")
		tb.SendMessage(chatID, "❌ Failed to save state: "+EscapeMarkdown(err.Error()))
		return
	}
	if tb.services.Audit != nil {
		tb.services.Audit.LogControl(actor, "save_state", record.ID)
	}
	tb.SendMessage(chatID, FormatSnapshot(record))
}

func (tb *TelegramBot) handleRestoreStateCommand(ctx context.Context, chatID int64, actor, id string) {
	record, err := tb.services.Recovery.RestoreSnapshot(ctx, id, actor)
	switch {
	case errors.Is(err, utils.ErrSnapshotNotFound):
		tb.SendMessage(chatID, "❌ Snapshot not found.")
		return
	case utils.IsRestoreError(err):
		tb.SendMessage(chatID, fmt.Sprintf("❌ Snapshot rejected: %s\nThe registry now has no tasks. Restore another snapshot to recover.", EscapeMarkdown(err.Error())))
		return
	case err != nil:
		tb.SendMessage(chatID, "❌ Restore failed: "+EscapeMarkdown(err.Error()))
		return
	}
	tb.SendMessage(chatID, fmt.Sprintf("♻️ Restored snapshot `%s` with %d task(s).", record.ID, tb.services.Registry.Len()))
}

func (tb *TelegramBot) handleReloadCommand(ctx context.Context, chatID int64, actor string) {
	if tb.services.Reload == nil {
		tb.SendMessage(chatID, "❌ Reload is not available.")
		return
	}
	if err := tb.services.Reload(ctx); err != nil {
		tb.SendMessage(chatID, "❌ Reload failed: "+EscapeMarkdown(err.Error()))
		return
	}
	if tb.services.Audit != nil {
		tb.services.Audit.LogControl(actor, "reload", "all")
	}
	tb.SendMessage(chatID, "🔄 Task logic reloaded.")
}

func (tb *TelegramBot) handleHistoryCommand(ctx context.Context, chatID int64, args string) {
	if tb.services.Audit == nil {
		tb.SendMessage(chatID, "❌ Audit log is not available.")
		return
	}
	target, err := ParseTarget(args)
	if err != nil || target.All {
		tb.SendMessage(chatID, "Usage: /history <task id>")
		return
	}
	events, err := tb.services.Audit.GetTaskHistory(ctx, target.TaskID, 30)
	if err != nil {
		tb.SendMessage(chatID, "❌ "+EscapeMarkdown(err.Error()))
		return
	}
	tb.SendMessage(chatID, FormatHistory(target.TaskID, events))
}

func (tb *TelegramBot) handleHealthCommand(ctx context.Context, chatID int64) {
	if tb.services.Health == nil {
		tb.SendMessage(chatID, "❌ Health checks are not available.")
		return
	}
	tb.SendMessage(chatID, FormatHealth(tb.services.Health.Check(ctx)))
}
