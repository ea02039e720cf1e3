package storage

import (
	"fmt"
	"time"

	"github.com/davidahmann/timeloop/core/codec"
	coreerrors "github.com/davidahmann/timeloop/core/errors"
	"github.com/davidahmann/timeloop/core/eventlog"
	"github.com/davidahmann/timeloop/core/fsx"
	"github.com/davidahmann/timeloop/core/metrics"
	"github.com/davidahmann/timeloop/core/model"
	"github.com/davidahmann/timeloop/core/seal"
)

// persistSnapshotLocked serializes the whole container and atomically replaces the
// snapshot file. Callers hold the write lock. A handle without a path persists nothing.
func (h *Handle) persistSnapshotLocked() error {
	if h.path == "" {
		return nil
	}
	encoded, err := codec.EncodeSnapshot(h.format, h.store.state)
	if err != nil {
		return err
	}
	if h.key != nil {
		if encoded, err = seal.SealDocument(h.format, h.key, encoded); err != nil {
			return err
		}
	}
	if err := fsx.WriteFileAtomic(h.path, encoded, snapshotMode); err != nil {
		return coreerrors.IO(err, "snapshot_write_failed")
	}
	h.metrics.SnapshotWritten(len(encoded))
	h.logger.Debug("snapshot written", "path", h.path, "bytes", len(encoded), "encrypted", h.key != nil)
	return nil
}

// persistEventLocked is the per-event durability path: one log record in append-only
// mode, otherwise a full snapshot.
func (h *Handle) persistEventLocked(event model.Event) error {
	if !h.appendOnly || h.path == "" {
		return h.persistSnapshotLocked()
	}
	if err := h.log().Append(event, h.key); err != nil {
		return err
	}
	h.metrics.LogAppended()
	return nil
}

// persistAndResetLogLocked writes a snapshot and then empties the active log, so replay
// cannot resurrect removed events or meet records sealed under a superseded key.
func (h *Handle) persistAndResetLogLocked() error {
	if err := h.persistSnapshotLocked(); err != nil {
		return err
	}
	if h.path == "" {
		return nil
	}
	return h.log().Truncate()
}

// Flush forces a full snapshot write in either mode.
func (h *Handle) Flush() error {
	return h.write(metrics.OpFlush, h.persistSnapshotLocked)
}

type CompactResult struct {
	Snapshotted bool     `json:"snapshotted"`
	LogBytes    int64    `json:"log_bytes"`
	LogEvents   int      `json:"log_events"`
	Rotated     bool     `json:"rotated"`
	Archive     string   `json:"archive,omitempty"`
	Pruned      []string `json:"pruned,omitempty"`
}

// Compact snapshots the current state, rotates the active log into an archive when it
// breaches the size or count threshold, and prunes archives beyond the retention count.
// Outside append-only mode it only writes the snapshot.
func (h *Handle) Compact() (CompactResult, error) {
	var result CompactResult
	err := h.write(metrics.OpFlush, func() error {
		if err := h.persistSnapshotLocked(); err != nil {
			return err
		}
		result.Snapshotted = h.path != ""
		if !h.appendOnly || h.path == "" {
			return nil
		}
		maintained, err := h.log().Maintain(h.policy, time.Now())
		result.LogBytes = maintained.LogBytes
		result.LogEvents = maintained.LogEvents
		result.Rotated = maintained.Rotated
		result.Archive = maintained.Archive
		result.Pruned = maintained.Pruned
		h.recordMaintenance(maintained)
		return err
	})
	return result, err
}

// backgroundCompact is the compactor task. It snapshots only when it is about to rotate,
// so rotated records are always covered by the snapshot on disk.
func (h *Handle) backgroundCompact() error {
	return h.write(metrics.OpFlush, func() error {
		if !h.appendOnly || h.path == "" {
			return nil
		}
		log := h.log()
		rotate, _, _, err := log.NeedsRotation(h.policy)
		if err != nil {
			return err
		}
		if rotate {
			if err := h.persistSnapshotLocked(); err != nil {
				return err
			}
		}
		maintained, err := log.Maintain(h.policy, time.Now())
		h.recordMaintenance(maintained)
		return err
	})
}

func (h *Handle) recordMaintenance(result eventlog.MaintainResult) {
	if result.Rotated {
		h.metrics.Rotated(len(result.Pruned))
		h.logger.Debug("event log rotated", "archive", result.Archive, "bytes", result.LogBytes, "pruned", len(result.Pruned))
		return
	}
	if len(result.Pruned) > 0 {
		h.metrics.Pruned(len(result.Pruned))
		h.logger.Debug("archives pruned", "count", len(result.Pruned))
	}
}

// restartCompactor replaces the background loop to match the current mode and policy.
// It must not be called with the store lock held: Stop waits for a task that takes it.
func (h *Handle) restartCompactor() {
	h.compactorMu.Lock()
	defer h.compactorMu.Unlock()
	if h.compactor != nil {
		h.compactor.Stop()
		h.compactor = nil
	}
	if h.closed.Load() {
		return
	}
	h.store.mu.RLock()
	interval := h.policy.Interval
	enabled := h.appendOnly && h.path != "" && interval > 0
	h.store.mu.RUnlock()
	if enabled {
		h.compactor = eventlog.StartCompactor(interval, h.backgroundCompact, h.logger)
	}
}

func (h *Handle) stopCompactor() {
	h.compactorMu.Lock()
	defer h.compactorMu.Unlock()
	if h.compactor != nil {
		h.compactor.Stop()
		h.compactor = nil
	}
}

// BackgroundCompactionRunning reports whether the maintenance loop is active.
func (h *Handle) BackgroundCompactionRunning() bool {
	h.compactorMu.Lock()
	defer h.compactorMu.Unlock()
	return h.compactor.Running()
}

// EnableAppendOnly switches event persistence to the log. The current state is
// snapshotted first so the log starts from a known base.
func (h *Handle) EnableAppendOnly() error {
	err := h.write(metrics.OpFlush, func() error {
		if h.appendOnly {
			return nil
		}
		h.appendOnly = true
		return h.persistSnapshotLocked()
	})
	h.restartCompactor()
	return err
}

// DisableAppendOnly folds the log into a snapshot and empties it.
func (h *Handle) DisableAppendOnly() error {
	h.stopCompactor()
	return h.write(metrics.OpFlush, func() error {
		if !h.appendOnly {
			return nil
		}
		h.appendOnly = false
		return h.persistAndResetLogLocked()
	})
}

// SetCompactionPolicy overrides this handle's thresholds and background interval.
func (h *Handle) SetCompactionPolicy(policy eventlog.Policy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	err := h.write(metrics.OpFlush, func() error {
		h.policy = policy
		return nil
	})
	if err != nil {
		return err
	}
	h.restartCompactor()
	return nil
}

// SetFormat re-encodes the snapshot in format and drops the old-format log. Reopening the
// file later needs the format passed explicitly when it disagrees with the extension.
// Handles on the process-wide storage share one file and cannot change its encoding.
func (h *Handle) SetFormat(format codec.Format) error {
	if !h.pathBound {
		return notPathBoundError()
	}
	if !format.Valid() {
		return coreerrors.Configuration(fmt.Errorf("unsupported format %q", format), "invalid_format")
	}
	return h.write(metrics.OpFlush, func() error {
		if h.format == format {
			return nil
		}
		previous := h.log()
		prior := h.format
		h.format = format
		if err := h.persistAndResetLogLocked(); err != nil {
			h.format = prior
			return err
		}
		if h.path == "" {
			return nil
		}
		return previous.Remove()
	})
}
