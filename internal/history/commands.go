package history

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"
)

// Query filters a command listing.
type Query struct {
	Limit         int
	Search        string
	FavoritesOnly bool
}

// CommandUsage is how often a base command (first word) was run.
type CommandUsage struct {
	Command    string  `json:"command"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

type Statistics struct {
	TotalCommands   int            `json:"total_commands"`
	MostUsed        []CommandUsage `json:"most_used"`
	AvgDuration     float64        `json:"avg_duration"`
	LastCommandTime *time.Time     `json:"last_command_time"`
}

const mostUsedLimit = 10

func truncateOutput(s string) string {
	if len(s) <= maxOutputLen {
		return s
	}
	s = s[:maxOutputLen]
	// Do not leave half a rune behind.
	return strings.ToValidUTF8(s, "")
}

// AddCommand stores rec and returns it with its ID and timestamp filled in.
func (s *Store) AddCommand(ctx context.Context, rec CommandRecord) (CommandRecord, error) {
	rec.Command = strings.TrimSpace(rec.Command)
	if rec.Command == "" {
		return CommandRecord{}, &InvalidError{Field: "command", Reason: "must not be empty"}
	}
	rec.ID = 0
	rec.Output = truncateOutput(rec.Output)
	if rec.Directory == "" {
		rec.Directory = "/"
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	rec.Timestamp = rec.Timestamp.UTC()

	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return CommandRecord{}, fmt.Errorf("add command: %w", err)
	}
	return rec, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// Commands lists commands newest first.
func (s *Store) Commands(ctx context.Context, q Query) ([]CommandRecord, error) {
	limit := q.Limit
	switch {
	case limit <= 0:
		limit = DefaultCommandLimit
	case limit > MaxCommandLimit:
		limit = MaxCommandLimit
	}

	tx := s.db.WithContext(ctx).Model(&CommandRecord{})
	if search := strings.TrimSpace(q.Search); search != "" {
		tx = tx.Where(`LOWER(command) LIKE ? ESCAPE '\'`, "%"+escapeLike(strings.ToLower(search))+"%")
	}
	if q.FavoritesOnly {
		tx = tx.Where("is_favorite = ?", true)
	}

	records := []CommandRecord{}
	if err := tx.Order("timestamp DESC").Order("id DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	return records, nil
}

// ToggleFavorite flips the favorite flag and returns the new value.
func (s *Store) ToggleFavorite(ctx context.Context, id uint) (bool, error) {
	var favorite bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec CommandRecord
		if err := tx.First(&rec, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		favorite = !rec.IsFavorite
		return tx.Model(&rec).Update("is_favorite", favorite).Error
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, fmt.Errorf("command %d: %w", id, ErrNotFound)
		}
		return false, fmt.Errorf("toggle favorite %d: %w", id, err)
	}
	return favorite, nil
}

// PruneOlderThan deletes non-favorite commands older than days and reports
// how many were removed.
func (s *Store) PruneOlderThan(ctx context.Context, days int) (int64, error) {
	if days < 1 {
		return 0, &InvalidError{Field: "days", Reason: "must be at least 1"}
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	res := s.db.WithContext(ctx).
		Where("timestamp < ? AND is_favorite = ?", cutoff, false).
		Delete(&CommandRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune commands: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func baseCommand(cmd string) string {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return "unknown"
	}
	return fields[0]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Statistics summarises the whole history.
func (s *Store) Statistics(ctx context.Context) (Statistics, error) {
	var rows []struct {
		Command         string
		DurationSeconds float64
		Timestamp       time.Time
	}
	if err := s.db.WithContext(ctx).Model(&CommandRecord{}).
		Select("command", "duration_seconds", "timestamp").
		Find(&rows).Error; err != nil {
		return Statistics{}, fmt.Errorf("statistics: %w", err)
	}

	stats := Statistics{MostUsed: []CommandUsage{}}
	if len(rows) == 0 {
		return stats, nil
	}

	counts := make(map[string]int)
	var total float64
	var last time.Time
	for _, r := range rows {
		counts[baseCommand(r.Command)]++
		total += r.DurationSeconds
		if r.Timestamp.After(last) {
			last = r.Timestamp
		}
	}

	n := len(rows)
	for cmd, c := range counts {
		stats.MostUsed = append(stats.MostUsed, CommandUsage{
			Command:    cmd,
			Count:      c,
			Percentage: round2(float64(c) / float64(n) * 100),
		})
	}
	sort.Slice(stats.MostUsed, func(i, j int) bool {
		a, b := stats.MostUsed[i], stats.MostUsed[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Command < b.Command
	})
	if len(stats.MostUsed) > mostUsedLimit {
		stats.MostUsed = stats.MostUsed[:mostUsedLimit]
	}

	stats.TotalCommands = n
	stats.AvgDuration = round2(total / float64(n))
	last = last.UTC()
	stats.LastCommandTime = &last
	return stats, nil
}
