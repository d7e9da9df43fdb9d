package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"telegram-media-downloader/models"
	"telegram-media-downloader/utils"
)

// DeadLetterEntry is a unit that exhausted its attempts.
type DeadLetterEntry struct {
	ID       string              `db:"id" json:"id"`
	TaskID   int64               `db:"task_id" json:"task_id"`
	SourceID string              `db:"source_id" json:"source_id"`
	UnitID   int64               `db:"unit_id" json:"unit_id"`
	Reason   string              `db:"reason" json:"reason"`
	Category utils.ErrorCategory `db:"category" json:"category"`
	Attempts int                 `db:"attempts" json:"attempts"`
	FailedAt time.Time           `db:"failed_at" json:"failed_at"`
}

// DeadLetterQueue keeps permanently failed units for later inspection.
type DeadLetterQueue struct {
	db     *Database
	logger *utils.Logger
}

func NewDeadLetterQueue(db *Database, logger *utils.Logger) *DeadLetterQueue {
	return &DeadLetterQueue{db: db, logger: logger}
}

func (dlq *DeadLetterQueue) Add(unit models.FailedUnit) error {
	entry := &DeadLetterEntry{
		ID:       uuid.New().String(),
		TaskID:   unit.TaskID,
		SourceID: unit.SourceID,
		UnitID:   unit.UnitID,
		Reason:   unit.Reason,
		Category: utils.Categorize(errors.New(unit.Reason)).Category,
		Attempts: unit.Attempts,
		FailedAt: unit.FailedAt.UTC(),
	}
	if entry.FailedAt.IsZero() {
		entry.FailedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO dead_letter_units (id, task_id, source_id, unit_id, reason, category, attempts, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := dlq.db.DB().Exec(query, entry.ID, entry.TaskID, entry.SourceID, entry.UnitID,
		entry.Reason, string(entry.Category), entry.Attempts, entry.FailedAt)
	if err != nil {
		return fmt.Errorf("failed to add unit to dead letter queue: %w", err)
	}

	dlq.logger.WithField("task_id", entry.TaskID).
		WithField("source_id", entry.SourceID).
		WithField("unit_id", entry.UnitID).
		WithField("category", entry.Category).
		Info("Unit moved to dead letter queue")
	return nil
}

// List returns dead letters, newest first. An empty sourceID lists all sources.
func (dlq *DeadLetterQueue) List(ctx context.Context, sourceID string, limit int) ([]*DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, task_id, source_id, unit_id, reason, category, attempts, failed_at FROM dead_letter_units`
	args := []interface{}{}
	if sourceID != "" {
		query += ` WHERE source_id = ?`
		args = append(args, sourceID)
	}
	query += ` ORDER BY failed_at DESC, unit_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := dlq.db.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letter queue: %w", err)
	}
	defer rows.Close()

	var entries []*DeadLetterEntry
	for rows.Next() {
		entry := &DeadLetterEntry{}
		var category string
		if err := rows.Scan(&entry.ID, &entry.TaskID, &entry.SourceID, &entry.UnitID,
			&entry.Reason, &category, &entry.Attempts, &entry.FailedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter entry: %w", err)
		}
		entry.Category = utils.ErrorCategory(category)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (dlq *DeadLetterQueue) Count(ctx context.Context) (int, error) {
	var count int
	err := dlq.db.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_units`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count dead letter entries: %w", err)
	}
	return count, nil
}

// PurgeOld deletes entries older than the given age.
func (dlq *DeadLetterQueue) PurgeOld(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	result, err := dlq.db.DB().ExecContext(ctx, `DELETE FROM dead_letter_units WHERE failed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge dead letter queue: %w", err)
	}
	return result.RowsAffected()
}
