package pipeline

import (
	"sort"
	"sync"
	"time"

	"telegram-media-downloader/models"
)

// ProgressRegistry stores transfer progress per (source, unit). Entries for
// completed units are removed, and an emptied source bucket is dropped, so
// the registry only ever holds units that are in flight or were retained
// after a failure.
type ProgressRegistry struct {
	mu      sync.RWMutex
	buckets map[string]map[int64]*models.ProgressEntry
	now     func() time.Time
}

func NewProgressRegistry() *ProgressRegistry {
	return &ProgressRegistry{
		buckets: make(map[string]map[int64]*models.ProgressEntry),
		now:     time.Now,
	}
}

// Upsert applies one progress event. Last writer wins per key.
func (p *ProgressRegistry) Upsert(event models.ProgressEvent) {
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()

	bucket, ok := p.buckets[event.SourceID]
	if !ok {
		bucket = make(map[int64]*models.ProgressEntry)
		p.buckets[event.SourceID] = bucket
	}

	entry, ok := bucket[event.UnitID]
	if !ok {
		entry = &models.ProgressEntry{
			SourceID:  event.SourceID,
			UnitID:    event.UnitID,
			StartTime: now,
		}
		bucket[event.UnitID] = entry
	}

	if event.FileName != "" {
		entry.FileName = event.FileName
	}
	entry.TotalBytes = event.Total
	entry.DoneBytes = event.Done
	entry.UpdatedAt = now

	speed := event.Rate
	if speed <= 0 {
		if elapsed := now.Sub(entry.StartTime).Seconds(); elapsed > 0 {
			speed = float64(event.Done) / elapsed
		}
	}
	entry.Speed = speed
}

// Remove deletes the entry for a unit and reports whether one existed.
func (p *ProgressRegistry) Remove(sourceID string, unitID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	bucket, ok := p.buckets[sourceID]
	if !ok {
		return false
	}
	if _, ok := bucket[unitID]; !ok {
		return false
	}
	delete(bucket, unitID)
	if len(bucket) == 0 {
		delete(p.buckets, sourceID)
	}
	return true
}

// Get returns a copy of the entry for a unit.
func (p *ProgressRegistry) Get(sourceID string, unitID int64) (models.ProgressEntry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entry, ok := p.buckets[sourceID][unitID]
	if !ok {
		return models.ProgressEntry{}, false
	}
	return *entry, true
}

// SnapshotActive returns the source's entries below 100%, ascending by
// progress. Ties are broken by unit id.
func (p *ProgressRegistry) SnapshotActive(sourceID string) []models.ProgressEntry {
	p.mu.RLock()
	bucket := p.buckets[sourceID]
	entries := make([]models.ProgressEntry, 0, len(bucket))
	for _, entry := range bucket {
		if entry.Complete() {
			continue
		}
		entries = append(entries, *entry)
	}
	p.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		pi, pj := entries[i].Percent(), entries[j].Percent()
		if pi != pj {
			return pi < pj
		}
		return entries[i].UnitID < entries[j].UnitID
	})
	return entries
}

// Len returns the number of entries across all sources.
func (p *ProgressRegistry) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	total := 0
	for _, bucket := range p.buckets {
		total += len(bucket)
	}
	return total
}

// Sources returns the number of non-empty source buckets.
func (p *ProgressRegistry) Sources() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.buckets)
}

// Reset drops every entry. Progress is transient and does not survive a restore.
func (p *ProgressRegistry) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buckets = make(map[string]map[int64]*models.ProgressEntry)
}

// ConsumeUnit applies events for one unit until the channel is closed. The
// keys are always taken from the arguments, so an entry can be removed with
// the same keys whatever the sender put in the event.
func (p *ProgressRegistry) ConsumeUnit(sourceID string, unitID int64, events <-chan models.ProgressEvent) {
	for event := range events {
		event.SourceID = sourceID
		event.UnitID = unitID
		p.Upsert(event)
	}
}
