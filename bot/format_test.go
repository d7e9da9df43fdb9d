package bot

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telegram-media-downloader/models"
	"telegram-media-downloader/monitoring"
	"telegram-media-downloader/pipeline"
)

func TestParseTarget(t *testing.T) {
	target, err := ParseTarget("")
	require.NoError(t, err)
	assert.True(t, target.All)

	target, err = ParseTarget(" ALL ")
	require.NoError(t, err)
	assert.True(t, target.All)

	target, err = ParseTarget("12")
	require.NoError(t, err)
	assert.False(t, target.All)
	assert.EqualValues(t, 12, target.TaskID)

	_, err = ParseTarget("abc")
	assert.Error(t, err)
	_, err = ParseTarget("-3")
	assert.Error(t, err)
}

func TestProgressBar(t *testing.T) {
	assert.Equal(t, "[░░░░░░░░░░]", ProgressBar(0, 10))
	assert.Equal(t, "[█████░░░░░]", ProgressBar(50, 10))
	assert.Equal(t, "[██████████]", ProgressBar(140, 10))
	assert.Equal(t, "[░░░░]", ProgressBar(-5, 4))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.5 KiB", FormatBytes(1536))
	assert.Equal(t, "2.0 MiB", FormatBytes(2*1024*1024))
}

func TestFormatETA(t *testing.T) {
	assert.Equal(t, "unknown", FormatETA(-1))
	assert.Equal(t, "1m30s", FormatETA(90*time.Second+200*time.Millisecond))
}

func TestFormatTaskShowsAtMostFiveActiveUnits(t *testing.T) {
	summary := pipeline.TaskSummary{
		TaskID:   3,
		SourceID: "chan",
		State:    models.TaskStateRunning,
		Range:    models.UnitRange{Start: 1, End: 100},
		Cursor:   40,
		Counters: models.Counters{Total: 40, Succeeded: 38, Failed: 1, Skipped: 1},
		Progress: 40,
	}
	for i := 0; i < 7; i++ {
		summary.Active = append(summary.Active, pipeline.ActiveUnit{
			ProgressEntry: models.ProgressEntry{UnitID: int64(41 + i), FileName: "video.mp4", TotalBytes: 100, DoneBytes: int64(i * 10)},
			Percent:       float64(i * 10),
			ETASeconds:    -1,
		})
	}

	text := FormatTask(summary)
	assert.Contains(t, text, "*Task 3* `chan` running")
	assert.Contains(t, text, "✔ 38  ✖ 1  ➖ 1  (total 40)")
	assert.Contains(t, text, "`45`")
	assert.NotContains(t, text, "`46`")
	assert.Contains(t, text, "... and 2 more")
}

func TestFormatTaskInfoEmpty(t *testing.T) {
	assert.Equal(t, "📭 No tasks.", FormatTaskInfo(nil))
}

func TestFormatNetworkEvent(t *testing.T) {
	down := FormatNetworkEvent(monitoring.NetworkEvent{Down: true, Tasks: []int64{1, 2}, ConsecutiveFailures: 3})
	assert.True(t, strings.HasPrefix(down, "🔴"))
	assert.Contains(t, down, "Paused 2 task(s)")

	up := FormatNetworkEvent(monitoring.NetworkEvent{Tasks: []int64{1}})
	assert.Contains(t, up, "Resumed 1 task(s)")
}

func TestFormatFinishedIncludesCause(t *testing.T) {
	text := FormatFinished(pipeline.TaskSummary{
		TaskID: 1, SourceID: "s", State: models.TaskStateStopped, StopCause: "10 consecutive unit failures, last: boom",
	})
	assert.Contains(t, text, "Cause: 10 consecutive unit failures")
}

func TestFreeTextIsEscapedForMarkdown(t *testing.T) {
	assert.Equal(t, "open /data/my\\_file\\*.part: \\[errno\\] \\`x\\`", EscapeMarkdown("open /data/my_file*.part: [errno] `x`"))

	summary := pipeline.TaskSummary{
		TaskID: 2, SourceID: "s", State: models.TaskStateStopped,
		StopCause: "10 consecutive unit failures, last: read tcp: file_id_invalid",
	}
	assert.Contains(t, FormatFinished(summary), `last: read tcp: file\_id\_invalid`)
	assert.Contains(t, FormatTask(summary), `Stop cause: 10 consecutive unit failures, last: read tcp: file\_id\_invalid`)

	active := formatActive(pipeline.ActiveUnit{
		ProgressEntry: models.ProgressEntry{UnitID: 7, FileName: "a`b.mp4", TotalBytes: 10, DoneBytes: 5},
	})
	assert.Contains(t, active, "`a'b.mp4`")
}
