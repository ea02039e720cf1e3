// Package testutil holds fixtures shared by package and integration tests.
package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/davidahmann/timeloop/core/model"
	"github.com/davidahmann/timeloop/core/seal"
	"github.com/davidahmann/timeloop/core/storage"
)

// Epoch is the fixed clock every fixture is stamped from.
var Epoch = time.Date(2026, 1, 2, 3, 4, 5, 600_700_800, time.UTC)

func RepoRoot(t *testing.T) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatalf("unable to locate testutil source file")
	}
	return filepath.Clean(filepath.Join(filepath.Dir(filename), "..", ".."))
}

func WriteFile(t *testing.T, path string, content []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("create parent directory for %s: %v", path, err)
	}
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func MustReadFile(t *testing.T, path string) []byte {
	t.Helper()
	content, err := os.ReadFile(path) // #nosec G304 -- test helper for controlled paths.
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return content
}

// FastKDF keeps Argon2id cheap enough for unit tests.
func FastKDF() seal.KDFParams {
	return seal.KDFParams{MemoryKiB: 1024, Iterations: 1, Parallelism: 1}
}

func StorageOptions(appendOnly bool) storage.Options {
	opts := storage.DefaultOptions()
	opts.KDF = FastKDF()
	opts.AppendOnly = appendOnly
	return opts
}

// OpenStorage opens a plaintext path-bound handle under a fresh temp dir and closes it
// when the test ends.
func OpenStorage(t *testing.T, name string, opts storage.Options) *storage.Handle {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	handle, err := storage.Open(path, opts)
	if err != nil {
		t.Fatalf("open storage %s: %v", path, err)
	}
	t.Cleanup(func() { _ = handle.Close() })
	return handle
}

func OpenEncryptedStorage(t *testing.T, path, passphrase string, opts storage.Options) *storage.Handle {
	t.Helper()
	handle, err := storage.OpenEncrypted(path, passphrase, opts)
	if err != nil {
		t.Fatalf("open encrypted storage %s: %v", path, err)
	}
	t.Cleanup(func() { _ = handle.Close() })
	return handle
}

func Session(id string) model.Session {
	return model.Session{ID: id, Name: "session " + id, CreatedAt: Epoch}
}

func at(sequence uint64) time.Time {
	return Epoch.Add(time.Duration(sequence) * time.Second)
}

func CommandEvent(sessionID string, sequence uint64, command string) model.Event {
	return model.Event{
		ID:             fmt.Sprintf("%s-%d", sessionID, sequence),
		SessionID:      sessionID,
		SequenceNumber: sequence,
		Timestamp:      at(sequence),
		Payload:        model.Command{Command: command, Output: "ok", WorkingDirectory: "/work", Timestamp: at(sequence)},
	}
}

func FileChangeEvent(sessionID string, sequence uint64, path string) model.Event {
	return model.Event{
		ID:             fmt.Sprintf("%s-%d", sessionID, sequence),
		SessionID:      sessionID,
		SequenceNumber: sequence,
		Timestamp:      at(sequence),
		Payload:        model.FileChange{Path: path, ChangeType: model.ChangeModified, Timestamp: at(sequence)},
	}
}

func KeyPressEvent(sessionID string, sequence uint64, key string) model.Event {
	return model.Event{
		ID:             fmt.Sprintf("%s-%d", sessionID, sequence),
		SessionID:      sessionID,
		SequenceNumber: sequence,
		Timestamp:      at(sequence),
		Payload:        model.KeyPress{Key: key, Timestamp: at(sequence)},
	}
}

// SeedCommands stores the session and one command event per sequence number.
func SeedCommands(t *testing.T, handle *storage.Handle, sessionID string, sequences ...uint64) {
	t.Helper()
	if err := handle.StoreSession(Session(sessionID)); err != nil {
		t.Fatalf("store session %s: %v", sessionID, err)
	}
	for _, sequence := range sequences {
		event := CommandEvent(sessionID, sequence, fmt.Sprintf("step %d", sequence))
		if err := handle.StoreEvent(event); err != nil {
			t.Fatalf("store event %s: %v", event.ID, err)
		}
	}
}
