// Package history persists executed commands, saved command sequences and
// terminal session summaries in SQLite.
package history

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DefaultCommandLimit = 100
	MaxCommandLimit     = 1000
	maxOutputLen        = 500
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

// InvalidError reports a record that cannot be stored as given.
type InvalidError struct {
	Field  string
	Reason string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// CommandRecord is one executed command.
type CommandRecord struct {
	ID              uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Command         string    `gorm:"not null" json:"command"`
	ExitCode        int       `gorm:"not null;default:0" json:"exit_code"`
	DurationSeconds float64   `gorm:"not null;default:0" json:"duration_seconds"`
	CPUPercent      float64   `gorm:"not null;default:0" json:"cpu_percent"`
	MemoryMB        float64   `gorm:"not null;default:0" json:"memory_mb"`
	Directory       string    `gorm:"not null;default:'/'" json:"directory"`
	Output          string    `json:"output,omitempty"`
	SessionID       string    `gorm:"index" json:"session_id,omitempty"`
	IsFavorite      bool      `gorm:"not null;default:false;index" json:"is_favorite"`
	Timestamp       time.Time `gorm:"not null;index" json:"timestamp"`
}

// CommandSequence is a named, ordered list of commands.
type CommandSequence struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Name        string    `gorm:"uniqueIndex;not null" json:"name"`
	Commands    []string  `gorm:"serializer:json;not null" json:"commands"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// SessionRecord summarises one terminal session.
type SessionRecord struct {
	SessionID string     `gorm:"primaryKey" json:"session_id"`
	PID       int        `json:"pid"`
	Shell     string     `json:"shell"`
	Cols      int        `json:"cols"`
	Rows      int        `json:"rows"`
	CreatedAt time.Time  `gorm:"index" json:"created_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
	ExitCode  *int       `json:"exit_code,omitempty"`
}

// Store is the history database.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the SQLite database at path and migrates
// the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	// SQLite allows one writer; serialize rather than fail with SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := db.AutoMigrate(&CommandRecord{}, &CommandSequence{}, &SessionRecord{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
