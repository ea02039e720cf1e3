// Package eventlog is the append-only event log that sits beside a snapshot: one framed
// record per stored event, replayed in file order on open, rotated into timestamped
// archives once it grows past the compaction policy.
package eventlog

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/davidahmann/timeloop/core/codec"
	coreerrors "github.com/davidahmann/timeloop/core/errors"
	"github.com/davidahmann/timeloop/core/fsx"
	"github.com/davidahmann/timeloop/core/model"
	"github.com/davidahmann/timeloop/core/seal"
)

const logFileMode = 0o600

// Log addresses one active log file. It holds no open descriptors; every call opens
// and closes the file, so a Log value is safe to copy.
type Log struct {
	Path   string
	Format codec.Format
}

func New(path string, format codec.Format) Log {
	return Log{Path: path, Format: format}
}

// Append writes one event record and fsyncs it. When key is non-nil the encoded event
// is sealed first and the record carries only {nonce, ciphertext}.
func (l Log) Append(event model.Event, key *seal.Key) error {
	body, err := codec.MarshalCompact(l.Format, event)
	if err != nil {
		return coreerrors.Serialization(fmt.Errorf("encode log record: %w", err), "record_encode_failed")
	}
	if key != nil {
		if body, err = seal.SealRecord(l.Format, key, body); err != nil {
			return err
		}
	}
	if err := fsx.AppendLocked(l.Path, codec.Frame(l.Format, body), logFileMode); err != nil {
		if coreerrors.CategoryOf(err) != "" {
			return err
		}
		return coreerrors.IO(err, "log_append_failed")
	}
	return nil
}

// Replay decodes every record in file order and hands it to apply. Any record that does
// not parse or authenticate aborts the replay. A missing log replays nothing.
func (l Log) Replay(key *seal.Key, apply func(model.Event)) (int, error) {
	// #nosec G304 -- log path is derived from the caller's snapshot path.
	file, err := os.Open(l.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, coreerrors.IO(fmt.Errorf("open event log: %w", err), "log_open_failed")
	}
	defer func() { _ = file.Close() }()

	reader := codec.NewRecordReader(l.Format, file)
	applied := 0
	for {
		body, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return applied, nil
		}
		if err != nil {
			return applied, coreerrors.Serialization(fmt.Errorf("event log: %w", err), "log_corrupt")
		}
		event, err := l.decode(body, key)
		if err != nil {
			return applied, fmt.Errorf("event log record %d: %w", reader.Position(), err)
		}
		apply(event)
		applied++
	}
}

func (l Log) decode(body []byte, key *seal.Key) (model.Event, error) {
	if key != nil {
		plaintext, err := seal.OpenRecord(l.Format, key, body)
		if err != nil {
			return model.Event{}, err
		}
		body = plaintext
	}
	var event model.Event
	if err := codec.Unmarshal(l.Format, body, &event); err != nil {
		return model.Event{}, coreerrors.Serialization(err, "log_record_invalid")
	}
	return event, nil
}

// Size is the active log's size in bytes, zero when absent.
func (l Log) Size() (int64, error) {
	size, err := fsx.FileSize(l.Path)
	if err != nil {
		return 0, coreerrors.IO(err, "log_stat_failed")
	}
	return size, nil
}

// Count stream-scans the active log and counts records without decoding them.
func (l Log) Count() (int, error) {
	// #nosec G304 -- log path is derived from the caller's snapshot path.
	file, err := os.Open(l.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, coreerrors.IO(fmt.Errorf("open event log: %w", err), "log_open_failed")
	}
	defer func() { _ = file.Close() }()
	count, err := codec.CountRecords(l.Format, file)
	if err != nil {
		return count, coreerrors.Serialization(err, "log_corrupt")
	}
	return count, nil
}

// Truncate empties the active log. Callers do this right after a snapshot has captured
// everything the log held.
func (l Log) Truncate() error {
	err := fsx.WithFileLock(l.Path, func() error {
		if _, statErr := os.Stat(l.Path); os.IsNotExist(statErr) {
			return nil
		}
		return os.Truncate(l.Path, 0)
	})
	if err != nil && coreerrors.CategoryOf(err) == "" {
		return coreerrors.IO(fmt.Errorf("truncate event log: %w", err), "log_truncate_failed")
	}
	return err
}

// Remove deletes the active log, used when a handle switches encodings.
func (l Log) Remove() error {
	if err := os.Remove(l.Path); err != nil && !os.IsNotExist(err) {
		return coreerrors.IO(fmt.Errorf("remove event log: %w", err), "log_remove_failed")
	}
	return nil
}
