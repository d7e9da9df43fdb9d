package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telegram-media-downloader/models"
)

func TestProgressUpsertAndRemove(t *testing.T) {
	p := NewProgressRegistry()

	p.Upsert(models.ProgressEvent{SourceID: "chan", UnitID: 5, FileName: "a.mp4", Done: 10, Total: 100, Rate: 4})
	p.Upsert(models.ProgressEvent{SourceID: "chan", UnitID: 5, Done: 40, Total: 100, Rate: 8})

	entry, ok := p.Get("chan", 5)
	require.True(t, ok)
	assert.Equal(t, "a.mp4", entry.FileName, "a later event without a name keeps the first one")
	assert.EqualValues(t, 40, entry.DoneBytes)
	assert.Equal(t, 8.0, entry.Speed)
	assert.Equal(t, 1, p.Len())
	assert.Equal(t, 1, p.Sources())

	assert.True(t, p.Remove("chan", 5))
	assert.False(t, p.Remove("chan", 5))
	assert.Equal(t, 0, p.Len())
	assert.Equal(t, 0, p.Sources(), "an emptied bucket is dropped")

	_, ok = p.Get("chan", 5)
	assert.False(t, ok)
}

func TestProgressDerivesSpeedFromElapsed(t *testing.T) {
	p := NewProgressRegistry()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	p.Upsert(models.ProgressEvent{SourceID: "chan", UnitID: 1, Done: 0, Total: 1000})
	now = now.Add(2 * time.Second)
	p.Upsert(models.ProgressEvent{SourceID: "chan", UnitID: 1, Done: 500, Total: 1000})

	entry, ok := p.Get("chan", 1)
	require.True(t, ok)
	assert.Equal(t, 250.0, entry.Speed)
	assert.Equal(t, 2*time.Second, entry.ETA())
}

func TestSnapshotActiveOrdering(t *testing.T) {
	p := NewProgressRegistry()
	p.Upsert(models.ProgressEvent{SourceID: "chan", UnitID: 3, Done: 70, Total: 100})
	p.Upsert(models.ProgressEvent{SourceID: "chan", UnitID: 1, Done: 20, Total: 100})
	p.Upsert(models.ProgressEvent{SourceID: "chan", UnitID: 2, Done: 20, Total: 100})
	p.Upsert(models.ProgressEvent{SourceID: "chan", UnitID: 4, Done: 100, Total: 100})
	p.Upsert(models.ProgressEvent{SourceID: "other", UnitID: 9, Done: 1, Total: 100})

	active := p.SnapshotActive("chan")
	ids := make([]int64, 0, len(active))
	for _, entry := range active {
		ids = append(ids, entry.UnitID)
	}
	assert.Equal(t, []int64{1, 2, 3}, ids, "complete entries are hidden and ties go by unit id")
	assert.Empty(t, p.SnapshotActive("missing"))
}

func TestConsumeUnitKeysEntriesByUnit(t *testing.T) {
	p := NewProgressRegistry()
	events := make(chan models.ProgressEvent, 3)
	events <- models.ProgressEvent{Done: 1, Total: 10}
	events <- models.ProgressEvent{SourceID: "wrong", UnitID: 99, Done: 5, Total: 10}
	close(events)

	p.ConsumeUnit("a", 1, events)
	assert.Equal(t, 1, p.Len())
	entry, ok := p.Get("a", 1)
	require.True(t, ok)
	assert.EqualValues(t, 5, entry.DoneBytes)

	assert.True(t, p.Remove("a", 1))
	assert.Equal(t, 0, p.Sources())

	p.Upsert(models.ProgressEvent{SourceID: "b", UnitID: 2, Done: 1, Total: 10})
	p.Reset()
	assert.Equal(t, 0, p.Len())
}
