package eventlog

import (
	"cmp"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	coreerrors "github.com/davidahmann/timeloop/core/errors"
	"github.com/davidahmann/timeloop/core/fsx"
)

const (
	archiveMarker     = ".rot."
	archiveTimeLayout = "20060102T150405.000000000Z"
)

// Policy bounds the active log. Zero thresholds disable that check; a zero Interval
// disables background compaction.
type Policy struct {
	MaxLogBytes    int64
	MaxEvents      int
	RetentionCount int
	Interval       time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxLogBytes:    64 << 20,
		MaxEvents:      100_000,
		RetentionCount: 5,
	}
}

func (p Policy) Validate() error {
	if p.MaxLogBytes < 0 || p.MaxEvents < 0 || p.RetentionCount < 0 || p.Interval < 0 {
		return coreerrors.Configuration(fmt.Errorf("compaction policy values must not be negative"), "invalid_compaction_policy")
	}
	return nil
}

// Archive is one rotated log file.
type Archive struct {
	Path    string
	ModTime time.Time
	Size    int64
}

type MaintainResult struct {
	LogBytes  int64
	LogEvents int
	Rotated   bool
	Archive   string
	Pruned    []string
}

// ArchivePath names the archive a rotation at now would produce.
func (l Log) ArchivePath(now time.Time) string {
	return l.Path + archiveMarker + now.UTC().Format(archiveTimeLayout)
}

// NeedsRotation checks size first and only counts records when size is within bounds.
func (l Log) NeedsRotation(policy Policy) (bool, int64, int, error) {
	size, err := l.Size()
	if err != nil {
		return false, 0, 0, err
	}
	if size == 0 {
		return false, 0, 0, nil
	}
	if policy.MaxLogBytes > 0 && size > policy.MaxLogBytes {
		return true, size, -1, nil
	}
	if policy.MaxEvents <= 0 {
		return false, size, -1, nil
	}
	count, err := l.Count()
	if err != nil {
		return false, size, 0, err
	}
	return count > policy.MaxEvents, size, count, nil
}

// Rotate renames the active log to a timestamped archive and leaves an empty active log
// behind. It holds the append lock so no record lands in the file mid-rename.
func (l Log) Rotate(now time.Time) (string, error) {
	archive := l.ArchivePath(now)
	err := fsx.WithFileLock(l.Path, func() error {
		if _, statErr := os.Stat(archive); statErr == nil {
			archive = fmt.Sprintf("%s-%d", archive, now.UnixNano())
		}
		if renameErr := os.Rename(l.Path, archive); renameErr != nil {
			return fmt.Errorf("rotate event log: %w", renameErr)
		}
		// #nosec G304 -- log path is derived from the caller's snapshot path.
		file, createErr := os.OpenFile(l.Path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, logFileMode)
		if createErr != nil {
			return fmt.Errorf("recreate event log: %w", createErr)
		}
		return file.Close()
	})
	if err != nil {
		if coreerrors.CategoryOf(err) != "" {
			return "", err
		}
		return "", coreerrors.IO(err, "log_rotate_failed")
	}
	return archive, nil
}

// Archives lists rotated files of this log, newest first.
func (l Log) Archives() ([]Archive, error) {
	dir := filepath.Dir(l.Path)
	prefix := filepath.Base(l.Path) + archiveMarker
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, coreerrors.IO(fmt.Errorf("list archives: %w", err), "archive_list_failed")
	}
	archives := make([]Archive, 0)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		archives = append(archives, Archive{
			Path:    filepath.Join(dir, entry.Name()),
			ModTime: info.ModTime(),
			Size:    info.Size(),
		})
	}
	slices.SortFunc(archives, func(a, b Archive) int {
		if c := b.ModTime.Compare(a.ModTime); c != 0 {
			return c
		}
		return cmp.Compare(b.Path, a.Path)
	})
	return archives, nil
}

// Prune deletes all but the newest retain archives and returns what it removed.
func (l Log) Prune(retain int) ([]string, error) {
	archives, err := l.Archives()
	if err != nil {
		return nil, err
	}
	if len(archives) <= retain {
		return nil, nil
	}
	removed := make([]string, 0, len(archives)-retain)
	for _, archive := range archives[retain:] {
		if err := os.Remove(archive.Path); err != nil && !os.IsNotExist(err) {
			return removed, coreerrors.IO(fmt.Errorf("prune archive: %w", err), "archive_prune_failed")
		}
		removed = append(removed, archive.Path)
	}
	return removed, nil
}

// Maintain rotates the active log when it breaches policy and then enforces retention.
// Snapshotting beforehand is the caller's job.
func (l Log) Maintain(policy Policy, now time.Time) (MaintainResult, error) {
	var result MaintainResult
	rotate, size, count, err := l.NeedsRotation(policy)
	if err != nil {
		return result, err
	}
	result.LogBytes = size
	// A negative count means the size check decided without scanning records.
	if count > 0 {
		result.LogEvents = count
	}
	if rotate {
		archive, err := l.Rotate(now)
		if err != nil {
			return result, err
		}
		result.Rotated = true
		result.Archive = archive
	}
	pruned, err := l.Prune(policy.RetentionCount)
	result.Pruned = pruned
	return result, err
}
