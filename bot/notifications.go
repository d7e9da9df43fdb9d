package bot

import (
	"telegram-media-downloader/models"
	"telegram-media-downloader/monitoring"
	"telegram-media-downloader/pipeline"
)

// NotifyAdmins queues text for every admin.
func (tb *TelegramBot) NotifyAdmins(text string) {
	for _, adminID := range tb.config.AdminIDs {
		tb.enqueue(adminID, func() string { return text })
	}
}

// OnNetworkEvent reports outages and recoveries.
func (tb *TelegramBot) OnNetworkEvent(event monitoring.NetworkEvent) {
	tb.NotifyAdmins(FormatNetworkEvent(event))
}

// OnReport forwards throttled progress reports when NOTIFY_PROGRESS is set.
func (tb *TelegramBot) OnReport(summary pipeline.TaskSummary) {
	if !tb.config.NotifyProgress {
		return
	}
	tb.NotifyAdmins(FormatProgressReport(summary))
}

// OnTransition announces tasks that finished. It runs on a work loop, so the
// task summary is read later on the sender goroutine.
func (tb *TelegramBot) OnTransition(t models.Transition) {
	if !t.To.IsTerminal() {
		return
	}
	registry := tb.services.Registry
	for _, adminID := range tb.config.AdminIDs {
		tb.enqueue(adminID, func() string {
			summary, err := registry.TaskStatus(t.TaskID)
			if err != nil {
				return ""
			}
			return FormatFinished(summary)
		})
	}
}
