package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"telegram-media-downloader/models"
	"telegram-media-downloader/pipeline"
	"telegram-media-downloader/utils"
)

// SourceLoader returns the configured sources used to seed a fresh registry.
type SourceLoader func() ([]utils.SourceConfig, error)

// RecoveryReport describes what RestoreOnStartup did.
type RecoveryReport struct {
	SnapshotID    string
	FromSnapshot  bool
	SeededTasks   int
	RestoredTasks int
	NetworkPaused []int64
	RestoreError  error
}

type RecoveryService struct {
	registry *pipeline.Registry
	store    *SnapshotStore
	audit    *AuditLogger
	sources  SourceLoader
	logger   *utils.Logger

	onNetworkPaused func(ids []int64)
}

func NewRecoveryService(registry *pipeline.Registry, store *SnapshotStore, audit *AuditLogger, sources SourceLoader, logger *utils.Logger) *RecoveryService {
	return &RecoveryService{
		registry: registry,
		store:    store,
		audit:    audit,
		sources:  sources,
		logger:   logger,
	}
}

// OnNetworkPaused registers a callback that receives the network-paused
// tasks after an operator restore.
func (rs *RecoveryService) OnNetworkPaused(callback func(ids []int64)) {
	rs.onNetworkPaused = callback
}

// RestoreOnStartup rebuilds the registry from the latest snapshot, or seeds it
// from the sources file when no snapshot exists. A rejected snapshot leaves the
// registry empty; it is reported, never fatal.
func (rs *RecoveryService) RestoreOnStartup(ctx context.Context) (*RecoveryReport, error) {
	rs.logger.Info("Starting recovery - checking for saved task state")
	report := &RecoveryReport{}

	record, err := rs.store.Latest(ctx)
	switch {
	case errors.Is(err, utils.ErrSnapshotNotFound):
		rs.logger.Info("No snapshot found - seeding tasks from sources")
		seeded, err := rs.seed()
		report.SeededTasks = seeded
		return report, err
	case err != nil:
		return nil, fmt.Errorf("failed to load latest snapshot: %w", err)
	}

	report.SnapshotID = record.ID
	report.FromSnapshot = true
	if err := rs.registry.Restore(ctx, record.Data); err != nil {
		if !utils.IsRestoreError(err) {
			return nil, err
		}
		rs.logger.WithField("snapshot_id", record.ID).
			WithError(err).
			Error("Saved state could not be restored, starting with no tasks")
		report.RestoreError = err
		return report, nil
	}

	report.RestoredTasks = rs.registry.Len()
	report.NetworkPaused = rs.registry.TasksPausedBy(models.PauseNetwork)
	rs.logger.WithField("snapshot_id", record.ID).
		WithField("tasks", report.RestoredTasks).
		WithField("network_paused", len(report.NetworkPaused)).
		Info("Recovery completed from snapshot")
	return report, nil
}

func (rs *RecoveryService) seed() (int, error) {
	if rs.sources == nil {
		return 0, nil
	}
	sources, err := rs.sources()
	if err != nil {
		return 0, fmt.Errorf("failed to load sources: %w", err)
	}

	seeded := 0
	for _, source := range sources {
		if _, err := rs.registry.AddTask(source.TaskSpec()); err != nil {
			rs.logger.WithField("source_id", source.SourceID).
				WithError(err).
				Error("Failed to seed task")
			continue
		}
		seeded++
	}
	rs.logger.WithField("seeded", seeded).Info("Tasks seeded from sources")
	return seeded, nil
}

// SaveSnapshot persists the current registry state.
func (rs *RecoveryService) SaveSnapshot(ctx context.Context, reason string) (*SnapshotRecord, error) {
	blob, err := rs.registry.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return rs.store.Save(ctx, blob, pipeline.SnapshotVersion, rs.registry.Len(), reason)
}

// RestoreSnapshot restores a stored snapshot, the latest when id is empty.
// The current state is saved first so an operator restore can be undone.
func (rs *RecoveryService) RestoreSnapshot(ctx context.Context, id, actor string) (*SnapshotRecord, error) {
	var (
		record *SnapshotRecord
		err    error
	)
	if id == "" {
		record, err = rs.store.Latest(ctx)
	} else {
		record, err = rs.store.Get(ctx, id)
	}
	if err != nil {
		return nil, err
	}

	if _, err := rs.SaveSnapshot(ctx, "pre-restore"); err != nil {
		return nil, fmt.Errorf("failed to save pre-restore snapshot: %w", err)
	}

	if err := rs.registry.Restore(ctx, record.Data); err != nil {
		return record, err
	}

	if ids := rs.registry.TasksPausedBy(models.PauseNetwork); len(ids) > 0 && rs.onNetworkPaused != nil {
		rs.onNetworkPaused(ids)
	}
	if rs.audit != nil {
		if err := rs.audit.LogControl(actor, "restore", record.ID); err != nil {
			rs.logger.WithError(err).Warn("Failed to audit restore")
		}
	}
	rs.logger.WithField("snapshot_id", record.ID).
		WithField("tasks", rs.registry.Len()).
		Info("Snapshot restored by operator")
	return record, nil
}

// StartAutoSave saves a snapshot every interval and prunes to retention until
// ctx ends.
func (rs *RecoveryService) StartAutoSave(ctx context.Context, interval time.Duration, retention int) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := rs.SaveSnapshot(ctx, "periodic"); err != nil {
					if ctx.Err() == nil {
						rs.logger.WithError(err).Error("Periodic snapshot failed")
					}
					continue
				}
				if _, err := rs.store.Prune(ctx, retention); err != nil {
					rs.logger.WithError(err).Warn("Snapshot pruning failed")
				}
			}
		}
	}()
}

// Snapshots lists stored snapshots, newest first.
func (rs *RecoveryService) Snapshots(ctx context.Context, limit int) ([]*SnapshotRecord, error) {
	return rs.store.List(ctx, limit)
}
