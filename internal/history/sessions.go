package history

import (
	"context"
	"fmt"

	"gorm.io/gorm/clause"

	"github.com/smart-terminal/backend/internal/session"
)

func sessionRecordFrom(info session.Info) SessionRecord {
	rec := SessionRecord{
		SessionID: info.SessionID,
		PID:       info.PID,
		Shell:     info.Shell,
		Cols:      info.Cols,
		Rows:      info.Rows,
		CreatedAt: info.CreatedAt.UTC(),
		ExitCode:  info.ExitCode,
	}
	if info.ClosedAt != nil {
		closed := info.ClosedAt.UTC()
		rec.ClosedAt = &closed
	}
	return rec
}

// RecordSession inserts or updates the summary of a session.
func (s *Store) RecordSession(ctx context.Context, info session.Info) error {
	rec := sessionRecordFrom(info)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&rec).Error
	if err != nil {
		return fmt.Errorf("record session %s: %w", info.SessionID, err)
	}
	return nil
}

// ApplyEvent records a registry lifecycle event.
func (s *Store) ApplyEvent(ctx context.Context, ev session.Event) error {
	return s.RecordSession(ctx, ev.Info)
}

// Sessions lists recorded sessions, newest first.
func (s *Store) Sessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 || limit > MaxCommandLimit {
		limit = MaxCommandLimit
	}
	recs := []SessionRecord{}
	if err := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return recs, nil
}
