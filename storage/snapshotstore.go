package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"

	"telegram-media-downloader/utils"
)

type SnapshotRecord struct {
	ID        string    `db:"id" json:"id"`
	Version   int       `db:"version" json:"version"`
	TaskCount int       `db:"task_count" json:"task_count"`
	Reason    string    `db:"reason" json:"reason"`
	Data      []byte    `db:"data" json:"-"`
	Size      int       `json:"size"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

type SnapshotStore struct {
	db     *Database
	logger *utils.Logger
}

func NewSnapshotStore(db *Database, logger *utils.Logger) *SnapshotStore {
	return &SnapshotStore{db: db, logger: logger}
}

// Save persists a snapshot blob. Writes that hit a locked database are retried.
func (s *SnapshotStore) Save(ctx context.Context, data []byte, version, taskCount int, reason string) (*SnapshotRecord, error) {
	record := &SnapshotRecord{
		ID:        uuid.New().String(),
		Version:   version,
		TaskCount: taskCount,
		Reason:    reason,
		Data:      data,
		Size:      len(data),
		CreatedAt: time.Now().UTC(),
	}

	query := `INSERT INTO snapshots (id, version, task_count, reason, data, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	err := retry.Do(
		func() error {
			_, err := s.db.DB().ExecContext(ctx, query, record.ID, record.Version,
				record.TaskCount, record.Reason, record.Data, record.CreatedAt)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(5),
		retry.Delay(50*time.Millisecond),
		retry.RetryIf(isBusyError),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			s.logger.WithField("attempt", n+1).WithError(err).Debug("Snapshot write busy, retrying")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to save snapshot: %w", err)
	}

	s.logger.WithField("snapshot_id", record.ID).
		WithField("tasks", taskCount).
		WithField("reason", reason).
		WithField("size", len(data)).
		Debug("Snapshot saved")
	return record, nil
}

func (s *SnapshotStore) Latest(ctx context.Context) (*SnapshotRecord, error) {
	row := s.db.DB().QueryRowContext(ctx, `
		SELECT id, version, task_count, reason, data, created_at
		FROM snapshots ORDER BY seq DESC LIMIT 1`)
	return scanSnapshot(row)
}

func (s *SnapshotStore) Get(ctx context.Context, id string) (*SnapshotRecord, error) {
	row := s.db.DB().QueryRowContext(ctx, `
		SELECT id, version, task_count, reason, data, created_at
		FROM snapshots WHERE id = ?`, id)
	return scanSnapshot(row)
}

func scanSnapshot(row *sql.Row) (*SnapshotRecord, error) {
	record := &SnapshotRecord{}
	err := row.Scan(&record.ID, &record.Version, &record.TaskCount, &record.Reason, &record.Data, &record.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, utils.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	record.Size = len(record.Data)
	return record, nil
}

// List returns snapshot metadata, newest first. Data is not loaded.
func (s *SnapshotStore) List(ctx context.Context, limit int) ([]*SnapshotRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT id, version, task_count, reason, LENGTH(data), created_at
		FROM snapshots ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var records []*SnapshotRecord
	for rows.Next() {
		record := &SnapshotRecord{}
		if err := rows.Scan(&record.ID, &record.Version, &record.TaskCount,
			&record.Reason, &record.Size, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// Prune keeps the newest keep snapshots and deletes the rest.
func (s *SnapshotStore) Prune(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	result, err := s.db.DB().ExecContext(ctx, `
		DELETE FROM snapshots WHERE seq NOT IN (
			SELECT seq FROM (SELECT seq FROM snapshots ORDER BY seq DESC LIMIT ?) AS newest
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned snapshots: %w", err)
	}
	if deleted > 0 {
		s.logger.WithField("deleted", deleted).WithField("kept", keep).Info("Old snapshots pruned")
	}
	return deleted, nil
}
