package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// backupStampLayout is fixed width so lexical order equals chronological order.
const backupStampLayout = "20060102T150405.000000000"

// rotatingWriter performs size-based rotation with timestamped backups and
// prunes old backups by count and age. It exists so the audit trail does not
// depend on an external log shipper being present.
type rotatingWriter struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	maxSize    int64
	maxBackups int
	maxAge     time.Duration
	size       int64
	now        func() time.Time
}

func newRotatingWriter(path string, maxSizeMB, maxBackups, maxAgeDays int) (*rotatingWriter, error) {
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 50
	}
	if maxBackups <= 0 {
		maxBackups = 10
	}
	if maxAgeDays <= 0 {
		maxAgeDays = 90
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	writer := &rotatingWriter{
		path:       path,
		maxSize:    int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
		maxAge:     time.Duration(maxAgeDays) * 24 * time.Hour,
		now:        time.Now,
	}
	return writer, nil
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.ensureFile(); err != nil {
		return 0, err
	}
	if w.maxSize > 0 && w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
		if err := w.ensureFile(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *rotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.size = 0
	return err
}

func (w *rotatingWriter) ensureFile() error {
	if w.file != nil {
		return nil
	}
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	w.file = file
	w.size = info.Size()
	return nil
}

// rotate moves the current file aside under a timestamped name. A failed
// rename surfaces as a write error instead of silently growing the file.
func (w *rotatingWriter) rotate() error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	w.size = 0

	backup := w.path + "." + w.now().UTC().Format(backupStampLayout)
	if err := os.Rename(w.path, backup); err != nil {
		return fmt.Errorf("rotate audit log: %w", err)
	}
	w.prune()
	return nil
}

// prune removes backups beyond the retention count, then anything older than
// the age limit. Removal failures are ignored; the next rotation retries.
func (w *rotatingWriter) prune() {
	backups := w.listBackups()
	if w.maxBackups > 0 && len(backups) > w.maxBackups {
		for _, stale := range backups[:len(backups)-w.maxBackups] {
			_ = os.Remove(stale.path)
		}
		backups = backups[len(backups)-w.maxBackups:]
	}
	if w.maxAge <= 0 {
		return
	}
	cutoff := w.now().UTC().Add(-w.maxAge)
	for _, backup := range backups {
		if backup.stamp.Before(cutoff) {
			_ = os.Remove(backup.path)
		}
	}
}

type backupFile struct {
	path  string
	stamp time.Time
}

// listBackups returns this writer's backups sorted oldest first. Files whose
// suffix does not parse as a rotation stamp are left alone.
func (w *rotatingWriter) listBackups() []backupFile {
	matches, err := filepath.Glob(w.path + ".*")
	if err != nil {
		return nil
	}
	prefix := w.path + "."
	backups := make([]backupFile, 0, len(matches))
	for _, match := range matches {
		stamp, err := time.Parse(backupStampLayout, strings.TrimPrefix(match, prefix))
		if err != nil {
			continue
		}
		backups = append(backups, backupFile{path: match, stamp: stamp})
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].stamp.Before(backups[j].stamp) })
	return backups
}
