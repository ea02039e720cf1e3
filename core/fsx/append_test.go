package fsx

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestAppendLockedWritesPayloadVerbatim(t *testing.T) {
	workDir := t.TempDir()
	targetPath := filepath.Join(workDir, "events.jsonl")
	if err := AppendLocked(targetPath, []byte("{\"event\":\"a\"}\n"), 0o600); err != nil {
		t.Fatalf("append first record: %v", err)
	}
	if err := AppendLocked(targetPath, []byte("{\"event\":\"b\"}\n"), 0o600); err != nil {
		t.Fatalf("append second record: %v", err)
	}
	raw, err := os.ReadFile(targetPath)
	if err != nil {
		t.Fatalf("read target: %v", err)
	}
	expected := "{\"event\":\"a\"}\n{\"event\":\"b\"}\n"
	if string(raw) != expected {
		t.Fatalf("unexpected append output:\n%s", string(raw))
	}
	if _, err := os.Stat(targetPath + ".lock"); !os.IsNotExist(err) {
		t.Fatalf("expected lock file to be released, stat err=%v", err)
	}
}

func TestAppendLockedRejectsTraversal(t *testing.T) {
	if err := AppendLocked(filepath.Join("..", "escape.jsonl"), []byte("{}\n"), 0o600); err == nil {
		t.Fatalf("expected traversal path to be rejected")
	}
}

func TestAppendLockedConcurrentFramedIntegrity(t *testing.T) {
	workDir := t.TempDir()
	targetPath := filepath.Join(workDir, "concurrent.cbor")
	const writers = 100
	var group sync.WaitGroup
	group.Add(writers)
	for index := 0; index < writers; index++ {
		body := []byte(fmt.Sprintf(`{"idx":%d}`, index))
		frame := make([]byte, 4+len(body))
		binary.LittleEndian.PutUint32(frame, uint32(len(body)))
		copy(frame[4:], body)
		go func(payload []byte) {
			defer group.Done()
			if err := AppendLocked(targetPath, payload, 0o600); err != nil {
				t.Errorf("append frame: %v", err)
			}
		}(frame)
	}
	group.Wait()

	raw, err := os.ReadFile(targetPath)
	if err != nil {
		t.Fatalf("read concurrent target: %v", err)
	}
	frames := 0
	for len(raw) > 0 {
		if len(raw) < 4 {
			t.Fatalf("truncated length prefix after %d frames", frames)
		}
		size := int(binary.LittleEndian.Uint32(raw))
		if len(raw) < 4+size {
			t.Fatalf("truncated frame %d", frames)
		}
		var parsed map[string]any
		if err := json.Unmarshal(raw[4:4+size], &parsed); err != nil {
			t.Fatalf("invalid frame %d: %v", frames, err)
		}
		raw = raw[4+size:]
		frames++
	}
	if frames != writers {
		t.Fatalf("unexpected frame count: got=%d want=%d", frames, writers)
	}
}

func TestWithFileLockRecoversStaleLock(t *testing.T) {
	targetPath := filepath.Join(t.TempDir(), "state.events.jsonl")
	lockPath := targetPath + ".lock"
	if err := os.WriteFile(lockPath, []byte("stale"), 0o600); err != nil {
		t.Fatalf("write lock file: %v", err)
	}
	old := time.Now().Add(-2 * lockStaleAfter)
	if err := os.Chtimes(lockPath, old, old); err != nil {
		t.Fatalf("age lock file: %v", err)
	}
	ran := false
	if err := WithFileLock(targetPath, func() error {
		ran = true
		return nil
	}); err != nil {
		t.Fatalf("with file lock: %v", err)
	}
	if !ran {
		t.Fatal("expected callback to run after stale lock recovery")
	}
}

func TestWithFileLockPropagatesCallbackError(t *testing.T) {
	targetPath := filepath.Join(t.TempDir(), "state.events.jsonl")
	sentinel := errors.New("callback failed")
	if err := WithFileLock(targetPath, func() error { return sentinel }); !errors.Is(err, sentinel) {
		t.Fatalf("expected callback error, got %v", err)
	}
}

func TestIsLockContention(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "append.lock")
	permissionErr := &os.PathError{Op: "open", Path: lockPath, Err: os.ErrPermission}

	if !isLockContention(os.ErrExist, lockPath) {
		t.Fatalf("expected os.ErrExist to be treated as lock contention")
	}
	if isLockContention(permissionErr, lockPath) {
		t.Fatalf("expected permission error without lock file to be non-contention")
	}
	if err := os.WriteFile(lockPath, []byte("lock"), 0o600); err != nil {
		t.Fatalf("write lock file: %v", err)
	}
	if !isLockContention(permissionErr, lockPath) {
		t.Fatalf("expected permission error with existing lock file to be contention")
	}
	if isLockContention(os.ErrNotExist, lockPath) {
		t.Fatalf("expected unrelated error to be non-contention")
	}
}
