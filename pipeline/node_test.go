package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"telegram-media-downloader/models"
	"telegram-media-downloader/utils"
)

func newTestNode(state models.TaskState, reasons models.PauseReason) (*TaskNode, *[]models.Transition) {
	var transitions []models.Transition
	node := newTaskNode(nodeParams{
		id:      1,
		spec:    models.TaskSpec{SourceID: "chan", Range: models.UnitRange{Start: 1, End: 10}},
		state:   state,
		reasons: reasons,
		flood:   utils.NewFloodState(utils.DefaultBackoffConfig()),
		notify:  func(t models.Transition) { transitions = append(transitions, t) },
	})
	return node, &transitions
}

func TestPauseIdleIsNoop(t *testing.T) {
	node, transitions := newTestNode(models.TaskStateIdle, models.PauseNone)

	assert.False(t, node.pause(models.PauseManual))
	assert.Equal(t, models.TaskStateIdle, node.State())
	assert.Equal(t, models.PauseNone, node.PauseReason())
	assert.Empty(t, *transitions)
}

func TestCancelIdleStopsAtOnce(t *testing.T) {
	node, transitions := newTestNode(models.TaskStateIdle, models.PauseNone)

	assert.True(t, node.cancel())
	assert.Equal(t, models.TaskStateStopped, node.State())
	assert.False(t, node.IsRunning())
	assert.Error(t, node.stopCtx.Err())
	assert.False(t, node.dispatch(), "a stopped node is never dispatched")

	assert.Len(t, *transitions, 1)
	assert.Equal(t, "cancelled", (*transitions)[0].Cause)
	assert.False(t, node.cancel(), "cancelling a terminal node changes nothing")
}

func TestCancelRunningGoesThroughStopping(t *testing.T) {
	node, _ := newTestNode(models.TaskStateIdle, models.PauseNone)
	assert.True(t, node.dispatch())
	assert.True(t, node.IsRunning())

	assert.True(t, node.cancel())
	assert.Equal(t, models.TaskStateStopping, node.State())
	assert.False(t, node.IsRunning())
	assert.True(t, node.stopping())

	node.finish(models.TaskStateStopped, "")
	assert.Equal(t, models.TaskStateStopped, node.State())
	assert.Equal(t, "cancelled", node.view().stopCause)
}

func TestPauseReasonsAccumulate(t *testing.T) {
	node, transitions := newTestNode(models.TaskStateRunning, models.PauseNone)

	assert.True(t, node.pause(models.PauseManual))
	assert.True(t, node.pause(models.PauseNetwork))
	assert.False(t, node.pause(models.PauseNetwork), "a reason is only recorded once")
	assert.Equal(t, models.TaskStatePaused, node.State())

	assert.True(t, node.resume(models.PauseManual))
	assert.Equal(t, models.TaskStatePaused, node.State(), "the network reason keeps it paused")
	assert.Equal(t, models.PauseNetwork, node.PauseReason())

	assert.False(t, node.resume(models.PauseManual))
	assert.True(t, node.resume(models.PauseNetwork))
	assert.Equal(t, models.TaskStateRunning, node.State())
	assert.True(t, node.IsRunning())

	last := (*transitions)[len(*transitions)-1]
	assert.Equal(t, models.TaskStatePaused, last.From)
	assert.Equal(t, models.TaskStateRunning, last.To)
}

func TestRunningFlagFollowsState(t *testing.T) {
	for _, state := range []models.TaskState{
		models.TaskStateIdle, models.TaskStateRunning, models.TaskStateStopping,
		models.TaskStateStopped, models.TaskStateCompleted,
	} {
		node, _ := newTestNode(state, models.PauseNone)
		assert.Equal(t, state == models.TaskStateRunning, node.IsRunning(), string(state))
	}
	paused, _ := newTestNode(models.TaskStatePaused, models.PauseManual)
	assert.False(t, paused.IsRunning())
}

func TestRecordFailureRetainsFinalUnit(t *testing.T) {
	node, _ := newTestNode(models.TaskStateRunning, models.PauseNone)

	final, attempts, _ := node.recordFailure(1, "boom", 2)
	assert.False(t, final)
	assert.Equal(t, 1, attempts)
	unitID, attempt, ok := node.nextUnit()
	assert.True(t, ok)
	assert.EqualValues(t, 1, unitID, "the cursor stays on a unit being retried")
	assert.Equal(t, 2, attempt)

	final, attempts, failRun := node.recordFailure(1, "boom", 2)
	assert.True(t, final)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 1, failRun)

	v := node.view()
	assert.EqualValues(t, 1, v.cursor)
	assert.Equal(t, models.Counters{Total: 1, Failed: 1}, v.counters)
	assert.Equal(t, []int64{1}, node.finish(models.TaskStateCompleted, ""))
}
