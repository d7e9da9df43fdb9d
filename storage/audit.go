package storage

import (
	"context"
	"fmt"
	"time"

	"telegram-media-downloader/models"
	"telegram-media-downloader/utils"
)

const (
	ActionStateChanged = "STATE_CHANGED"
	ActionControl      = "CONTROL"
	ActionSnapshot     = "SNAPSHOT"
	ActionRestore      = "RESTORE"
)

type AuditLogger struct {
	db     *Database
	logger *utils.Logger
}

type AuditEvent struct {
	ID        int64     `db:"id" json:"id"`
	TaskID    int64     `db:"task_id" json:"task_id"`
	SourceID  string    `db:"source_id" json:"source_id"`
	Action    string    `db:"action" json:"action"`
	Details   string    `db:"details" json:"details"`
	OldState  string    `db:"old_state" json:"old_state"`
	NewState  string    `db:"new_state" json:"new_state"`
	Actor     string    `db:"actor" json:"actor"`
	Timestamp time.Time `db:"timestamp" json:"timestamp"`
}

func NewAuditLogger(db *Database, logger *utils.Logger) *AuditLogger {
	return &AuditLogger{
		db:     db,
		logger: logger,
	}
}

// LogTransition records one task state change.
func (al *AuditLogger) LogTransition(t models.Transition) error {
	details := t.Cause
	if t.Reason != models.PauseNone {
		details = fmt.Sprintf("reason=%s %s", t.Reason, t.Cause)
	}
	return al.logEvent(&AuditEvent{
		TaskID:    t.TaskID,
		SourceID:  t.SourceID,
		Action:    ActionStateChanged,
		Details:   details,
		OldState:  string(t.From),
		NewState:  string(t.To),
		Actor:     "engine",
		Timestamp: t.Timestamp.UTC(),
	})
}

// LogControl records an operator command such as pause or restore.
func (al *AuditLogger) LogControl(actor, action, details string) error {
	return al.logEvent(&AuditEvent{
		Action:    ActionControl,
		Details:   fmt.Sprintf("%s %s", action, details),
		Actor:     actor,
		Timestamp: time.Now().UTC(),
	})
}

func (al *AuditLogger) logEvent(event *AuditEvent) error {
	query := `
		INSERT INTO task_audit (task_id, source_id, action, details, old_state, new_state, actor, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := al.db.DB().Exec(query, event.TaskID, event.SourceID, event.Action,
		event.Details, event.OldState, event.NewState, event.Actor, event.Timestamp)

	if err != nil {
		al.logger.WithError(err).Error("Failed to log audit event")
		return fmt.Errorf("failed to log audit event: %w", err)
	}

	al.logger.WithField("task_id", event.TaskID).
		WithField("action", event.Action).
		WithField("old_state", event.OldState).
		WithField("new_state", event.NewState).
		WithField("details", event.Details).
		Debug("Audit event logged")

	return nil
}

func (al *AuditLogger) GetTaskHistory(ctx context.Context, taskID int64, limit int) ([]*AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := al.db.DB().QueryContext(ctx, `
		SELECT id, task_id, source_id, action, details, old_state, new_state, actor, timestamp
		FROM task_audit WHERE task_id = ? ORDER BY id ASC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query task history: %w", err)
	}
	defer rows.Close()

	var events []*AuditEvent
	for rows.Next() {
		event := &AuditEvent{}
		if err := rows.Scan(&event.ID, &event.TaskID, &event.SourceID, &event.Action, &event.Details,
			&event.OldState, &event.NewState, &event.Actor, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (al *AuditLogger) CleanupOldEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	result, err := al.db.DB().ExecContext(ctx, `DELETE FROM task_audit WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup audit events: %w", err)
	}
	return result.RowsAffected()
}
