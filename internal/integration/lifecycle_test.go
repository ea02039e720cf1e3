package integration

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/davidahmann/timeloop/core/branch"
	"github.com/davidahmann/timeloop/core/model"
	"github.com/davidahmann/timeloop/core/session"
	"github.com/davidahmann/timeloop/core/storage"
	"github.com/davidahmann/timeloop/internal/testutil"
)

// TestRecordBranchMergeExport walks one session through its whole life: recording,
// branching, merging, compaction, passphrase rotation and export into a fresh store.
func TestRecordBranchMergeExport(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	opts := testutil.StorageOptions(true)
	opts.Policy.MaxEvents = 4
	opts.Policy.RetentionCount = 1
	handle := testutil.OpenEncryptedStorage(t, path, "first", opts)

	sessions := session.NewManager(handle).WithClock(func() time.Time { return testutil.Epoch })
	branches := branch.NewManager(handle).WithClock(func() time.Time { return testutil.Epoch })

	deploy, err := sessions.Create("deploy")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	for sequence, command := range []string{"git pull", "make build", "make test", "make deploy"} {
		if err := handle.StoreEvent(testutil.CommandEvent(deploy.ID, uint64(sequence), command)); err != nil {
			t.Fatalf("store event: %v", err)
		}
	}
	if err := handle.StoreEvent(testutil.FileChangeEvent(deploy.ID, 4, "deploy.yaml")); err != nil {
		t.Fatalf("store file change: %v", err)
	}

	retry, err := branches.Create(deploy.ID, "retry", deploy.ID+"-2", "skip deploy")
	if err != nil {
		t.Fatalf("create branch: %v", err)
	}
	if err := handle.StoreEvent(testutil.CommandEvent(retry.ID, 0, "make deploy-canary")); err != nil {
		t.Fatalf("store branch event: %v", err)
	}
	timeline, err := branches.Timeline(retry.ID)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if point, ok := timeline.DivergencePoint(); !ok || point.ID != deploy.ID+"-2" || len(timeline.BranchEvents) != 1 {
		t.Fatalf("unexpected timeline %#v", timeline)
	}

	merged, err := branches.Merge(retry.ID, deploy.ID)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if len(merged) != 1 || merged[0].SequenceNumber != 5 {
		t.Fatalf("expected the branch event appended after the tail, got %#v", merged)
	}

	result, err := handle.Compact()
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if !result.Rotated {
		t.Fatalf("expected rotation past the event threshold, got %#v", result)
	}
	if err := handle.ChangePassphrase("second"); err != nil {
		t.Fatalf("rotate passphrase: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := storage.OpenEncrypted(path, "first", opts); !errors.Is(err, storage.ErrDecryption) {
		t.Fatalf("old passphrase must stop working, got %v", err)
	}
	reopened := testutil.OpenEncryptedStorage(t, path, "second", opts)
	summary, err := session.NewManager(reopened).Summary(deploy.ID)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.CommandsExecuted != 5 || summary.FilesModified != 1 || summary.LastCommand != "make deploy-canary" {
		t.Fatalf("unexpected summary %#v", summary)
	}

	bundle := filepath.Join(dir, "deploy.bundle.json")
	if err := reopened.ExportSessionToFile(deploy.ID, bundle); err != nil {
		t.Fatalf("export: %v", err)
	}
	plain := testutil.OpenStorage(t, "plain.json", testutil.StorageOptions(false))
	if _, err := plain.ImportSessionFromFile(bundle); !errors.Is(err, storage.ErrEncryptedSnapshot) {
		t.Fatalf("plaintext storage cannot read an encrypted bundle, got %v", err)
	}
	if err := reopened.DeleteSession(deploy.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	imported, err := reopened.ImportSessionFromFile(bundle)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	events, err := reopened.GetEventsForSession(imported.ID)
	if err != nil || len(events) != 6 {
		t.Fatalf("expected 6 events after import, got %d err=%v", len(events), err)
	}
	if events[4].Payload.Kind() != model.KindFileChange {
		t.Fatalf("payload variant lost in round trip: %s", events[4].Payload.Kind())
	}
}

func TestBackgroundCompactionKeepsReplayIntact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.cbor")
	opts := testutil.StorageOptions(true)
	opts.Policy.MaxEvents = 2
	opts.Policy.RetentionCount = 3
	opts.Policy.Interval = 5 * time.Millisecond
	handle, err := storage.Open(path, opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !handle.BackgroundCompactionRunning() {
		t.Fatal("expected the compactor to run in append-only mode with an interval")
	}
	testutil.SeedCommands(t, handle, "bg", 0, 1, 2, 3, 4, 5, 6, 7)

	deadline := time.Now().Add(5 * time.Second)
	for {
		stats, err := handle.Stats()
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if stats.Archives > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("background compaction never rotated the log: %#v", stats)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	again, err := storage.Open(path, testutil.StorageOptions(true))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = again.Close() }()
	events, err := again.GetEventsForSession("bg")
	if err != nil || len(events) != 8 {
		t.Fatalf("expected 8 events after background rotation, got %d err=%v", len(events), err)
	}
}
