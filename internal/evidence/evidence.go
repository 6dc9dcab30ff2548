// Package evidence persists the artifacts of a verification run:
// screenshots and a JSON run report, at fixed paths that each run overwrites.
package evidence

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const ReportFile = "report.json"

const (
	StatusPassed = "passed"
	StatusFailed = "failed"
)

type Report struct {
	ID         string    `json:"id"`
	Check      string    `json:"check"`
	URL        string    `json:"url"`
	Driver     string    `json:"driver"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	DurationMs int64     `json:"durationMs"`
	Status     string    `json:"status"`
	ErrorKind  string    `json:"errorKind,omitempty"`
	Error      string    `json:"error,omitempty"`
	Screenshot string    `json:"screenshot,omitempty"`
}

type Store struct {
	Dir string
}

func NewStore(dir string) *Store {
	return &Store{Dir: dir}
}

func (s *Store) Path(name string) string {
	return filepath.Join(s.Dir, name)
}

// resolve returns the absolute path of name, rejecting names that would
// land outside the store directory.
func (s *Store) resolve(name string) (string, error) {
	base, err := filepath.Abs(s.Dir)
	if err != nil {
		return "", fmt.Errorf("invalid output dir: %w", err)
	}
	resolved := filepath.Clean(filepath.Join(base, name))
	if !strings.HasPrefix(resolved, base+string(filepath.Separator)) {
		return "", fmt.Errorf("file name %q escapes output dir %q", name, s.Dir)
	}
	return resolved, nil
}

// WriteScreenshot writes data to name inside the store, replacing any
// previous file, and returns the path written.
func (s *Store) WriteScreenshot(name string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("write %s: empty image", name)
	}
	if _, err := s.resolve(name); err != nil {
		return "", err
	}
	path := s.Path(name)
	if err := s.write(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// Remove deletes name if present.
func (s *Store) Remove(name string) error {
	if _, err := s.resolve(name); err != nil {
		return err
	}
	if err := os.Remove(s.Path(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return nil
}

func (s *Store) WriteReport(r Report) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	path := s.Path(ReportFile)
	if err := s.write(path, append(data, '\n')); err != nil {
		return "", err
	}
	return path, nil
}

// write creates the directory and replaces path via a temp file and rename,
// so a reader never sees a half-written image.
func (s *Store) write(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
