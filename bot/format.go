package bot

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"telegram-media-downloader/models"
	"telegram-media-downloader/monitoring"
	"telegram-media-downloader/pipeline"
	"telegram-media-downloader/storage"
)

const (
	progressBarWidth = 10
	maxActiveShown   = 5
)

var stateIcons = map[models.TaskState]string{
	models.TaskStateIdle:      "💤",
	models.TaskStateRunning:   "▶️",
	models.TaskStatePaused:    "⏸",
	models.TaskStateStopping:  "⏹",
	models.TaskStateStopped:   "⏹",
	models.TaskStateCompleted: "✅",
}

var markdownEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "[", "\\[", "`", "\\`")

// EscapeMarkdown makes free text safe to embed in a legacy Markdown message.
func EscapeMarkdown(text string) string {
	return markdownEscaper.Replace(text)
}

// inlineCode strips backticks so the text cannot close a code span early.
func inlineCode(text string) string {
	return strings.ReplaceAll(text, "`", "'")
}

// ParseTarget reads a command argument: empty or "all" selects every task,
// a number selects one.
func ParseTarget(args string) (pipeline.Target, error) {
	args = strings.TrimSpace(args)
	if args == "" || strings.EqualFold(args, "all") {
		return pipeline.AllTasks(), nil
	}
	id, err := strconv.ParseInt(args, 10, 64)
	if err != nil || id <= 0 {
		return pipeline.Target{}, fmt.Errorf("invalid task id %q", args)
	}
	return pipeline.TaskTarget(id), nil
}

// ProgressBar renders percent as a fixed-width bar.
func ProgressBar(percent float64, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := int(percent / 100 * float64(width))
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + "]"
}

func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func FormatETA(d time.Duration) string {
	if d < 0 {
		return "unknown"
	}
	return d.Round(time.Second).String()
}

func formatActive(unit pipeline.ActiveUnit) string {
	return fmt.Sprintf("  `%d` `%s` %s %.1f%% %s/s eta %s",
		unit.UnitID,
		inlineCode(truncate(unit.FileName, 32)),
		ProgressBar(unit.Percent, progressBarWidth),
		unit.Percent,
		FormatBytes(int64(unit.Speed)),
		FormatETA(unit.ETA()))
}

// FormatTask renders one task for /task_info.
func FormatTask(s pipeline.TaskSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s *Task %d* `%s` %s", stateIcons[s.State], s.TaskID, s.SourceID, s.State)
	if s.PauseReason != "" {
		fmt.Fprintf(&b, " (%s)", s.PauseReason)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Range %d-%d, cursor %d\n", s.Range.Start, s.Range.End, s.Cursor)
	fmt.Fprintf(&b, "%s %.1f%%\n", ProgressBar(s.Progress, progressBarWidth), s.Progress)
	fmt.Fprintf(&b, "✔ %d  ✖ %d  ➖ %d  (total %d)\n",
		s.Counters.Succeeded, s.Counters.Failed, s.Counters.Skipped, s.Counters.Total)
	if s.StopCause != "" {
		fmt.Fprintf(&b, "Stop cause: %s\n", EscapeMarkdown(s.StopCause))
	}

	active := s.Active
	if len(active) > maxActiveShown {
		active = active[:maxActiveShown]
	}
	for _, unit := range active {
		b.WriteString(formatActive(unit))
		b.WriteString("\n")
	}
	if extra := len(s.Active) - len(active); extra > 0 {
		fmt.Fprintf(&b, "  ... and %d more\n", extra)
	}
	return b.String()
}

func FormatTaskInfo(summaries []pipeline.TaskSummary) string {
	if len(summaries) == 0 {
		return "📭 No tasks."
	}
	parts := make([]string, 0, len(summaries)+1)
	parts = append(parts, fmt.Sprintf("📊 *Tasks* (%d)", len(summaries)))
	for _, s := range summaries {
		parts = append(parts, FormatTask(s))
	}
	return strings.Join(parts, "\n")
}

func FormatFloodwait(summaries []pipeline.TaskSummary) string {
	if len(summaries) == 0 {
		return "📭 No tasks."
	}
	var b strings.Builder
	b.WriteString("🌊 *Flood wait*\n")
	for _, s := range summaries {
		fmt.Fprintf(&b, "Task %d `%s`: events %d, min interval %.0fs, last wait %.0fs, buffer %.0fs\n",
			s.TaskID, s.SourceID, s.Flood.FloodwaitCount, s.Flood.MinUpdateInterval,
			s.Flood.LastWait, s.Flood.HardWaitBuffer)
	}
	return b.String()
}

func FormatNetworkStatus(status monitoring.NetworkStatus) string {
	state := "🟢 available"
	if !status.Available {
		state = "🔴 unavailable"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "🌐 *Network*: %s\n", state)
	fmt.Fprintf(&b, "Consecutive failures: %d, successes: %d\n", status.ConsecutiveFailures, status.ConsecutiveSuccesses)
	fmt.Fprintf(&b, "Outages: %d\n", status.Outages)
	if len(status.PausedTasks) > 0 {
		fmt.Fprintf(&b, "Paused by monitor: %v\n", status.PausedTasks)
	}
	for _, result := range status.LastResults {
		mark := "✅"
		if !result.OK {
			mark = "❌"
		}
		fmt.Fprintf(&b, "%s %s %s\n", mark, result.Name, result.Duration.Round(time.Millisecond))
	}
	if !status.LastCheck.IsZero() {
		fmt.Fprintf(&b, "Last check: %s\n", status.LastCheck.UTC().Format(time.RFC3339))
	}
	return b.String()
}

func FormatNetworkEvent(event monitoring.NetworkEvent) string {
	if event.Down {
		return fmt.Sprintf("🔴 *Network down* after %d failed checks. Paused %d task(s): %v",
			event.ConsecutiveFailures, len(event.Tasks), event.Tasks)
	}
	return fmt.Sprintf("🟢 *Network restored*. Resumed %d task(s): %v", len(event.Tasks), event.Tasks)
}

// FormatProgressReport is the throttled per-task report.
func FormatProgressReport(s pipeline.TaskSummary) string {
	return fmt.Sprintf("📥 Task %d `%s`: %s %.1f%% (✔ %d ✖ %d ➖ %d)",
		s.TaskID, s.SourceID, ProgressBar(s.Progress, progressBarWidth), s.Progress,
		s.Counters.Succeeded, s.Counters.Failed, s.Counters.Skipped)
}

func FormatFinished(s pipeline.TaskSummary) string {
	icon := stateIcons[s.State]
	text := fmt.Sprintf("%s *Task %d* `%s` %s: ✔ %d ✖ %d ➖ %d",
		icon, s.TaskID, s.SourceID, s.State, s.Counters.Succeeded, s.Counters.Failed, s.Counters.Skipped)
	if s.StopCause != "" {
		text += "\nCause: " + EscapeMarkdown(s.StopCause)
	}
	return text
}

func FormatSnapshot(record *storage.SnapshotRecord) string {
	return fmt.Sprintf("💾 Snapshot `%s`\n%d task(s), %s, %s",
		record.ID, record.TaskCount, FormatBytes(int64(record.Size)), record.CreatedAt.UTC().Format(time.RFC3339))
}

func FormatHistory(taskID int64, events []*storage.AuditEvent) string {
	if len(events) == 0 {
		return fmt.Sprintf("No history for task %d.", taskID)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "📜 *Task %d history*\n", taskID)
	for _, event := range events {
		fmt.Fprintf(&b, "%s %s → %s", event.Timestamp.UTC().Format("01-02 15:04:05"), event.OldState, event.NewState)
		if event.Details != "" {
			fmt.Fprintf(&b, " (%s)", EscapeMarkdown(event.Details))
		}
		b.WriteString("\n")
	}
	return b.String()
}

var healthIcons = map[monitoring.HealthStatus]string{
	monitoring.HealthStatusHealthy:   "🟢",
	monitoring.HealthStatusDegraded:  "🟡",
	monitoring.HealthStatusUnhealthy: "🔴",
}

func FormatHealth(check *monitoring.HealthCheck) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s *Health*: %s\n", healthIcons[check.Status], check.Status)
	fmt.Fprintf(&b, "Uptime %s, %d goroutines, %.1f MB\n",
		check.Uptime.Round(time.Second), check.SystemInfo.Goroutines, check.SystemInfo.MemoryUsage)
	for _, component := range check.Components {
		fmt.Fprintf(&b, "%s %s: %s\n", healthIcons[component.Status], EscapeMarkdown(component.Name), EscapeMarkdown(component.Message))
	}
	if check.Metrics != nil {
		for _, counter := range check.Metrics.Counters {
			value := strconv.FormatInt(counter.Value, 10)
			if counter.Name == monitoring.CounterBytesDownloaded {
				value = FormatBytes(counter.Value)
			}
			fmt.Fprintf(&b, "`%s` %s\n", counter.Name, value)
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}
