package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"

	"telegram-media-downloader/utils"
)

const (
	DriverSQLite = "sqlite3"
	DriverMySQL  = "mysql"
)

type Database struct {
	db     *sql.DB
	driver string
}

type migration struct {
	version int
	sql     string
}

// Open picks the backend from configuration.
func Open(config *utils.Config) (*Database, error) {
	switch config.DatabaseDriver {
	case DriverMySQL:
		return NewMySQLDatabase(config.DatabaseDSN)
	default:
		return NewDatabase(config.DatabasePath)
	}
}

func NewDatabase(dbPath string) (*Database, error) {
	dbDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open(DriverSQLite, dbPath+"?_journal_mode=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)

	return initDatabase(db, DriverSQLite)
}

// NewMySQLDatabase opens a MySQL backend. The DSN should include parseTime=true.
func NewMySQLDatabase(dsn string) (*Database, error) {
	db, err := sql.Open(DriverMySQL, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	return initDatabase(db, DriverMySQL)
}

func initDatabase(db *sql.DB, driver string) (*Database, error) {
	database := &Database{db: db, driver: driver}
	if err := database.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return database, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) DB() *sql.DB {
	return d.db
}

func (d *Database) Driver() string {
	return d.driver
}

func (d *Database) migrations() []migration {
	if d.driver == DriverMySQL {
		return []migration{
			{1, `CREATE TABLE IF NOT EXISTS snapshots (
				seq BIGINT AUTO_INCREMENT PRIMARY KEY,
				id VARCHAR(36) NOT NULL UNIQUE,
				version INT NOT NULL,
				task_count INT NOT NULL,
				reason VARCHAR(64) NOT NULL,
				data LONGBLOB NOT NULL,
				created_at DATETIME(6) NOT NULL,
				INDEX idx_snapshots_created_at (created_at)
			)`},
			{2, `CREATE TABLE IF NOT EXISTS task_audit (
				id BIGINT AUTO_INCREMENT PRIMARY KEY,
				task_id BIGINT NOT NULL,
				source_id VARCHAR(128) NOT NULL,
				action VARCHAR(64) NOT NULL,
				details TEXT,
				old_state VARCHAR(16),
				new_state VARCHAR(16),
				actor VARCHAR(64),
				timestamp DATETIME(6) NOT NULL,
				INDEX idx_task_audit_task_id (task_id),
				INDEX idx_task_audit_timestamp (timestamp)
			)`},
			{3, `CREATE TABLE IF NOT EXISTS dead_letter_units (
				id VARCHAR(36) PRIMARY KEY,
				task_id BIGINT NOT NULL,
				source_id VARCHAR(128) NOT NULL,
				unit_id BIGINT NOT NULL,
				reason TEXT NOT NULL,
				category VARCHAR(32) NOT NULL,
				attempts INT NOT NULL,
				failed_at DATETIME(6) NOT NULL,
				INDEX idx_dead_letter_source (source_id, unit_id)
			)`},
		}
	}

	return []migration{
		{1, `CREATE TABLE IF NOT EXISTS snapshots (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			version INTEGER NOT NULL,
			task_count INTEGER NOT NULL,
			reason TEXT NOT NULL,
			data BLOB NOT NULL,
			created_at DATETIME NOT NULL
		)`},
		{2, `CREATE INDEX IF NOT EXISTS idx_snapshots_created_at ON snapshots(created_at)`},
		{3, `CREATE TABLE IF NOT EXISTS task_audit (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id INTEGER NOT NULL,
			source_id TEXT NOT NULL,
			action TEXT NOT NULL,
			details TEXT,
			old_state TEXT,
			new_state TEXT,
			actor TEXT,
			timestamp DATETIME NOT NULL
		)`},
		{4, `CREATE INDEX IF NOT EXISTS idx_task_audit_task_id ON task_audit(task_id)`},
		{5, `CREATE INDEX IF NOT EXISTS idx_task_audit_timestamp ON task_audit(timestamp)`},
		{6, `CREATE TABLE IF NOT EXISTS dead_letter_units (
			id TEXT PRIMARY KEY,
			task_id INTEGER NOT NULL,
			source_id TEXT NOT NULL,
			unit_id INTEGER NOT NULL,
			reason TEXT NOT NULL,
			category TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			failed_at DATETIME NOT NULL
		)`},
		{7, `CREATE INDEX IF NOT EXISTS idx_dead_letter_source ON dead_letter_units(source_id, unit_id)`},
	}
}

func (d *Database) migrate() error {
	// Create migration tracking table first
	_, err := d.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	for _, m := range d.migrations() {
		var count int
		err := d.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("failed to check migration status: %w", err)
		}
		if count > 0 {
			continue
		}

		if _, err := d.db.Exec(m.sql); err != nil && !isIgnorableMigrationError(err) {
			return fmt.Errorf("migration %d failed: %w", m.version, err)
		}

		_, err = d.db.Exec("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)", m.version, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
	}

	return nil
}

// isIgnorableMigrationError matches duplicate column/table/index errors.
func isIgnorableMigrationError(err error) bool {
	text := strings.ToLower(err.Error())
	return strings.Contains(text, "duplicate column name") ||
		strings.Contains(text, "duplicate key name") ||
		strings.Contains(text, "already exists")
}

// isBusyError reports whether a write failed because the database was locked.
func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	text := strings.ToLower(err.Error())
	return strings.Contains(text, "database is locked") ||
		strings.Contains(text, "database table is locked") ||
		strings.Contains(text, "busy") ||
		strings.Contains(text, "deadlock")
}
