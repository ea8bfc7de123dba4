package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestWriter(t *testing.T, maxSize int64, maxBackups int, maxAge time.Duration) *rotatingWriter {
	t.Helper()
	w := &rotatingWriter{
		path:       filepath.Join(t.TempDir(), "audit.log"),
		maxSize:    maxSize,
		maxBackups: maxBackups,
		maxAge:     maxAge,
		now:        time.Now,
	}
	t.Cleanup(func() { w.Close() })
	return w
}

// steppedClock guarantees distinct backup stamps for back-to-back rotations.
func steppedClock(start time.Time) func() time.Time {
	current := start
	return func() time.Time {
		current = current.Add(time.Second)
		return current
	}
}

func TestRotatingWriterRotatesAtSizeLimit(t *testing.T) {
	w := newTestWriter(t, 64, 5, 0)

	first := strings.Repeat("a", 40)
	second := strings.Repeat("b", 40)
	for _, payload := range []string{first, second} {
		if _, err := w.Write([]byte(payload)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	live, err := os.ReadFile(w.path)
	if err != nil {
		t.Fatalf("read live file: %v", err)
	}
	if string(live) != second {
		t.Fatalf("live file = %q, want only the post-rotation payload", live)
	}
	backups := w.listBackups()
	if len(backups) != 1 {
		t.Fatalf("backups = %d, want 1", len(backups))
	}
	rotated, err := os.ReadFile(backups[0].path)
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if string(rotated) != first {
		t.Fatalf("backup = %q, want the pre-rotation payload", rotated)
	}
}

func TestRotatingWriterPrunesBeyondBackupCount(t *testing.T) {
	w := newTestWriter(t, 16, 2, 0)
	w.now = steppedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	payload := strings.Repeat("x", 12)
	for i := 0; i < 5; i++ {
		if _, err := w.Write([]byte(payload)); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	backups := w.listBackups()
	if len(backups) != 2 {
		t.Fatalf("backups = %d, want retention count 2", len(backups))
	}
	if !backups[0].stamp.Before(backups[1].stamp) {
		t.Fatalf("backups not sorted oldest first: %v then %v", backups[0].stamp, backups[1].stamp)
	}
}

func TestRotatingWriterDropsExpiredBackups(t *testing.T) {
	w := newTestWriter(t, 16, 5, time.Hour)

	stale := w.path + "." + time.Now().UTC().Add(-2*time.Hour).Format(backupStampLayout)
	if err := os.WriteFile(stale, []byte("old"), 0o644); err != nil {
		t.Fatalf("seed stale backup: %v", err)
	}
	// Neighbour files without a rotation stamp are never touched.
	bystander := w.path + ".keep"
	if err := os.WriteFile(bystander, []byte("keep"), 0o644); err != nil {
		t.Fatalf("seed bystander: %v", err)
	}

	payload := strings.Repeat("y", 12)
	for i := 0; i < 2; i++ {
		if _, err := w.Write([]byte(payload)); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale backup still present (err=%v)", err)
	}
	if _, err := os.Stat(bystander); err != nil {
		t.Fatalf("bystander file removed: %v", err)
	}
	if backups := w.listBackups(); len(backups) != 1 {
		t.Fatalf("backups = %d, want just the fresh rotation", len(backups))
	}
}
