package history

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// SaveSequence stores a new named sequence. Names are unique.
func (s *Store) SaveSequence(ctx context.Context, seq CommandSequence) (CommandSequence, error) {
	seq.Name = strings.TrimSpace(seq.Name)
	if seq.Name == "" {
		return CommandSequence{}, &InvalidError{Field: "name", Reason: "must not be empty"}
	}
	if len(seq.Commands) == 0 {
		return CommandSequence{}, &InvalidError{Field: "commands", Reason: "must list at least one command"}
	}
	seq.ID = 0

	if err := s.db.WithContext(ctx).Create(&seq).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return CommandSequence{}, fmt.Errorf("sequence %q: %w", seq.Name, ErrDuplicate)
		}
		return CommandSequence{}, fmt.Errorf("save sequence: %w", err)
	}
	return seq, nil
}

// Sequences lists all sequences in creation order.
func (s *Store) Sequences(ctx context.Context) ([]CommandSequence, error) {
	seqs := []CommandSequence{}
	if err := s.db.WithContext(ctx).Order("id").Find(&seqs).Error; err != nil {
		return nil, fmt.Errorf("list sequences: %w", err)
	}
	return seqs, nil
}

func (s *Store) DeleteSequence(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&CommandSequence{}, id)
	if res.Error != nil {
		return fmt.Errorf("delete sequence %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("sequence %d: %w", id, ErrNotFound)
	}
	return nil
}
