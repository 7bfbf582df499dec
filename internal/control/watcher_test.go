package control

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

type countingOverrides struct {
	restarts atomic.Int32
	newParts atomic.Int32
}

func (c *countingOverrides) RequestRestart() { c.restarts.Add(1) }
func (c *countingOverrides) RequestNewPart() { c.newParts.Add(1) }

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func startWatcher(t *testing.T, w *Watcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	})
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func gone(path string) func() bool {
	return func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	}
}

func TestTriggerFilesRaiseOverrides(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "control")
	ov := &countingOverrides{}
	startWatcher(t, &Watcher{Dir: dir, Overrides: ov})
	eventually(t, "control dir", func() bool { _, err := os.Stat(dir); return err == nil })
	// Give the watcher a moment to register the directory.
	time.Sleep(50 * time.Millisecond)

	restart := filepath.Join(dir, RestartFile)
	touch(t, restart)
	eventually(t, "restart override", func() bool { return ov.restarts.Load() == 1 })
	eventually(t, "restart file removal", gone(restart))

	newPart := filepath.Join(dir, NewPartFile)
	touch(t, newPart)
	eventually(t, "new part override", func() bool { return ov.newParts.Load() == 1 })
	eventually(t, "new part file removal", gone(newPart))

	touch(t, filepath.Join(dir, "unrelated"))
	time.Sleep(100 * time.Millisecond)
	if ov.restarts.Load() != 1 || ov.newParts.Load() != 1 {
		t.Fatalf("restarts = %d newParts = %d", ov.restarts.Load(), ov.newParts.Load())
	}
}

func TestScanConsumesExistingTriggers(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, RestartFile))
	ov := &countingOverrides{}
	w := &Watcher{Dir: dir, Overrides: ov}
	w.Scan()
	w.Scan()
	if got := ov.restarts.Load(); got != 1 {
		t.Fatalf("restarts = %d, want 1", got)
	}
	if !gone(filepath.Join(dir, RestartFile))() {
		t.Fatal("trigger file not removed")
	}
}

func TestTokenFileChangeReloads(t *testing.T) {
	dir := t.TempDir()
	token := filepath.Join(dir, "refresh.token")
	touch(t, token)
	var reloads atomic.Int32
	startWatcher(t, &Watcher{
		TokenFiles: []string{token},
		Reload:     func() error { reloads.Add(1); return nil },
		Debounce:   20 * time.Millisecond,
	})
	time.Sleep(50 * time.Millisecond)

	if err := os.WriteFile(token, []byte("new-refresh-token\n"), 0o600); err != nil {
		t.Fatalf("write token: %v", err)
	}
	eventually(t, "reload", func() bool { return reloads.Load() >= 1 })
}
