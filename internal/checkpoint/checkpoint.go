// Package checkpoint persists the last fully ingested backfill date so an
// interrupted backfill can resume at the following day.
package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/johnayoung/go-futures-availability/internal/models"
)

// ErrCorrupt is returned when the checkpoint file exists but does not hold a date.
var ErrCorrupt = errors.New("checkpoint file is corrupt")

// File is a single-line YYYY-MM-DD checkpoint at Path.
type File struct {
	Path string
}

// New returns a checkpoint stored at path.
func New(path string) *File {
	return &File{Path: path}
}

// Save records date as the last completed day. The file is replaced atomically
// so a crash mid-write leaves either the old or the new date.
func (f *File) Save(date time.Time) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.Path), filepath.Base(f.Path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(models.FormatDate(date) + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}

	if err := os.Rename(tmp.Name(), f.Path); err != nil {
		return fmt.Errorf("failed to replace checkpoint %s: %w", f.Path, err)
	}
	return nil
}

// Load returns the saved date. ok is false when no checkpoint exists.
// Unparseable content returns an error wrapping ErrCorrupt.
func (f *File) Load() (date time.Time, ok bool, err error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read checkpoint %s: %w", f.Path, err)
	}

	content := strings.TrimSpace(string(data))
	date, perr := models.ParseDate(content)
	if perr != nil {
		return time.Time{}, false, fmt.Errorf("%w: %s holds %q", ErrCorrupt, f.Path, content)
	}
	return date, true, nil
}

// Clear removes the checkpoint. A missing file is not an error.
func (f *File) Clear() error {
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to clear checkpoint %s: %w", f.Path, err)
	}
	return nil
}
