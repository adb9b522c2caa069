package history

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const exportVersion = 1

// Dump is the full contents of the history database.
type Dump struct {
	Version    int               `json:"version"`
	ExportedAt time.Time         `json:"exported_at"`
	Commands   []CommandRecord   `json:"commands"`
	Sequences  []CommandSequence `json:"sequences"`
	Sessions   []SessionRecord   `json:"sessions"`
}

// AllCommands returns every command, newest first.
func (s *Store) AllCommands(ctx context.Context) ([]CommandRecord, error) {
	records := []CommandRecord{}
	if err := s.db.WithContext(ctx).Order("timestamp DESC").Order("id DESC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	return records, nil
}

// Dump reads the whole database.
func (s *Store) Dump(ctx context.Context) (*Dump, error) {
	d := &Dump{Version: exportVersion, ExportedAt: time.Now().UTC()}

	var err error
	if d.Commands, err = s.AllCommands(ctx); err != nil {
		return nil, err
	}
	if d.Sequences, err = s.Sequences(ctx); err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Order("created_at").Find(&d.Sessions).Error; err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	if d.Sessions == nil {
		d.Sessions = []SessionRecord{}
	}
	return d, nil
}

// Export writes the whole database as JSON into dir and returns the file
// path. The file appears atomically.
func (s *Store) Export(ctx context.Context, dir string) (string, error) {
	d, err := s.Dump(ctx)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating export dir: %w", err)
	}

	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling export: %w", err)
	}
	data = append(data, '\n')

	path := filepath.Join(dir, fmt.Sprintf("history_export_%s.json", d.ExportedAt.Format("20060102_150405")))

	tmp, err := os.CreateTemp(dir, ".history-export-*.tmp")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return "", fmt.Errorf("renaming export file: %w", err)
	}
	committed = true

	return path, nil
}

var csvHeader = []string{
	"command", "exit_code", "duration_seconds", "cpu_percent",
	"memory_mb", "timestamp", "directory", "is_favorite",
}

// WriteCSV writes records as CSV with a header row.
func WriteCSV(w io.Writer, records []CommandRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range records {
		row := []string{
			r.Command,
			strconv.Itoa(r.ExitCode),
			strconv.FormatFloat(r.DurationSeconds, 'f', -1, 64),
			strconv.FormatFloat(r.CPUPercent, 'f', -1, 64),
			strconv.FormatFloat(r.MemoryMB, 'f', -1, 64),
			r.Timestamp.UTC().Format(time.RFC3339),
			r.Directory,
			strconv.FormatBool(r.IsFavorite),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
