// Package storage is the persistence core: a locked in-memory state container bound
// either to the process-wide singleton or to one snapshot file, persisted by atomic
// snapshot rewrites or by an append-only event log, optionally encrypted at rest.
package storage

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/awnumar/memguard"
	"github.com/davidahmann/timeloop/core/codec"
	coreerrors "github.com/davidahmann/timeloop/core/errors"
	"github.com/davidahmann/timeloop/core/eventlog"
	"github.com/davidahmann/timeloop/core/metrics"
	"github.com/davidahmann/timeloop/core/seal"
	"github.com/davidahmann/timeloop/core/state"
)

// store is one logical storage: the container, its lock, and the pending-writes counter.
// The singleton and every path-bound handle each own exactly one.
type store struct {
	mu       sync.RWMutex
	state    *state.State
	poisoned bool
	pending  atomic.Int64
}

func newStore(st *state.State) *store {
	return &store{state: st}
}

// Handle is the façade over one store. Handles are safe for concurrent use.
type Handle struct {
	store     *store
	release   func()
	path      string
	pathBound bool
	logger    *slog.Logger
	metrics   *metrics.Metrics
	closed    atomic.Bool

	// Guarded by store.mu.
	format     codec.Format
	appendOnly bool
	policy     eventlog.Policy
	kdf        seal.KDFParams
	key        *seal.Key

	compactorMu sync.Mutex
	compactor   *eventlog.Compactor
}

// Open binds a plaintext handle to path, loading the snapshot and replaying the event log
// when they exist.
func Open(path string, opts Options) (*Handle, error) {
	return open(path, nil, opts)
}

// OpenEncrypted binds an encrypted handle to path. An existing wrapper is opened with the
// salt it records; a missing file gets a fresh salt. A wrong passphrase or a corrupted
// wrapper fails with ErrDecryption.
func OpenEncrypted(path string, passphrase string, opts Options) (*Handle, error) {
	if passphrase == "" {
		return nil, invalidInput("empty_passphrase", "passphrase must not be empty")
	}
	return open(path, []byte(passphrase), opts)
}

func open(path string, passphrase []byte, opts Options) (*Handle, error) {
	if path == "" {
		return nil, invalidInput("empty_path", "storage path must not be empty")
	}
	absolute, err := filepath.Abs(path)
	if err != nil {
		return nil, invalidInput("invalid_path", "resolve storage path: %v", err)
	}
	resolved, err := opts.resolve(absolute)
	if err != nil {
		return nil, err
	}
	handle := newHandle(absolute, true, resolved)
	st, key, fresh, err := handle.load(passphrase)
	if err != nil {
		return nil, err
	}
	handle.store = newStore(st)
	handle.key = key
	handle.release = func() {}
	if fresh {
		// Persist the new salt before any log record is sealed under it. Records replayed
		// in plaintext are folded into the sealed snapshot.
		if err := handle.persistAndResetLogLocked(); err != nil {
			key.Destroy()
			return nil, err
		}
	}
	handle.restartCompactor()
	return handle, nil
}

func newHandle(path string, pathBound bool, opts Options) *Handle {
	handle := &Handle{
		path:       path,
		pathBound:  pathBound,
		logger:     opts.Logger,
		format:     opts.Format,
		appendOnly: opts.AppendOnly,
		policy:     opts.Policy,
		kdf:        opts.KDF,
	}
	if opts.Registerer != nil {
		handle.metrics = metrics.New(opts.Registerer)
	}
	return handle
}

func (h *Handle) log() eventlog.Log {
	return eventlog.New(codec.LogPath(h.path, h.format), h.format)
}

// load reads the snapshot (decrypting it when it is wrapped) and replays the event log.
// A nil passphrase means plaintext. fresh reports a newly generated salt that is not on
// disk yet.
func (h *Handle) load(passphrase []byte) (st *state.State, key *seal.Key, fresh bool, err error) {
	encrypted := passphrase != nil
	// #nosec G304 -- snapshot path is the caller's explicit storage path.
	raw, err := os.ReadFile(h.path)
	if err != nil && !os.IsNotExist(err) {
		return nil, nil, false, coreerrors.IO(fmt.Errorf("read snapshot: %w", err), "snapshot_read_failed")
	}

	st = state.New()
	switch {
	case len(raw) == 0:
		if encrypted {
			if key, err = freshKey(passphrase, h.kdf); err != nil {
				return nil, nil, false, err
			}
			fresh = true
		}
	default:
		envelope, wrapped := seal.DecodeEnvelope(h.format, raw)
		switch {
		case wrapped && !encrypted:
			return nil, nil, false, encryptedSnapshotError(h.path)
		case wrapped:
			params := h.kdf
			if envelope.KDF != nil {
				params = *envelope.KDF
				h.kdf = params
			}
			if key, err = seal.DeriveKey(passphrase, envelope.Salt, params); err != nil {
				return nil, nil, false, err
			}
			plaintext, openErr := envelope.Open(key)
			if openErr != nil {
				key.Destroy()
				return nil, nil, false, openErr
			}
			st, err = codec.DecodeSnapshot(h.format, plaintext)
			memguard.WipeBytes(plaintext)
			if err != nil {
				key.Destroy()
				return nil, nil, false, err
			}
		default:
			if st, err = codec.DecodeSnapshot(h.format, raw); err != nil {
				if encrypted {
					// Neither a readable wrapper nor a plaintext snapshot.
					return nil, nil, false, corruptedSnapshotError(h.path, err)
				}
				return nil, nil, false, err
			}
			if encrypted {
				if key, err = freshKey(passphrase, h.kdf); err != nil {
					return nil, nil, false, err
				}
				fresh = true
			}
		}
	}

	// A fresh key has never sealed anything, so an existing log is plaintext.
	replayKey := key
	if fresh {
		replayKey = nil
	}
	replayed, err := h.log().Replay(replayKey, st.PutEvent)
	if err != nil {
		key.Destroy()
		return nil, nil, false, err
	}
	h.metrics.Replayed(replayed)
	h.logger.Debug("storage loaded", "path", h.path, "format", h.format, "encrypted", key != nil,
		"sessions", st.SessionCount(), "events", st.EventCount(), "replayed", replayed)
	return st, key, fresh, nil
}

func freshKey(passphrase []byte, params seal.KDFParams) (*seal.Key, error) {
	salt, err := seal.NewSalt()
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(salt)
	return seal.DeriveKey(passphrase, salt, params)
}

// Close stops background compaction and wipes key material. Further calls fail with ErrClosed.
func (h *Handle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.stopCompactor()
	h.store.mu.Lock()
	h.key.Destroy()
	h.key = nil
	h.store.mu.Unlock()
	h.release()
	return nil
}

// Path is the snapshot file this handle persists to; empty for an in-memory singleton.
func (h *Handle) Path() string { return h.path }

// PathBound reports whether the handle owns an isolated store tied to one file.
func (h *Handle) PathBound() bool { return h.pathBound }

func (h *Handle) Format() codec.Format {
	h.store.mu.RLock()
	defer h.store.mu.RUnlock()
	return h.format
}

func (h *Handle) AppendOnly() bool {
	h.store.mu.RLock()
	defer h.store.mu.RUnlock()
	return h.appendOnly
}

func (h *Handle) Encrypted() bool {
	h.store.mu.RLock()
	defer h.store.mu.RUnlock()
	return h.key != nil
}

func (h *Handle) CompactionPolicy() eventlog.Policy {
	h.store.mu.RLock()
	defer h.store.mu.RUnlock()
	return h.policy
}

// PendingWrites is the number of mutations in flight on this handle's store. It is an
// observability signal only.
func (h *Handle) PendingWrites() int64 {
	return h.store.pending.Load()
}

// write runs fn under the store's write lock. A panic inside fn poisons the store so
// every later call fails instead of reading half-applied state.
func (h *Handle) write(op metrics.Op, fn func() error) (err error) {
	if h.closed.Load() {
		return closedError()
	}
	h.store.pending.Add(1)
	h.metrics.WriteStarted()
	defer func() {
		h.store.pending.Add(-1)
		h.metrics.WriteFinished(op, err)
	}()

	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	if h.store.poisoned {
		return poisonedError()
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			h.store.poisoned = true
			panic(recovered)
		}
	}()
	return fn()
}

func (h *Handle) read(fn func(st *state.State) error) error {
	if h.closed.Load() {
		return closedError()
	}
	h.store.mu.RLock()
	defer h.store.mu.RUnlock()
	if h.store.poisoned {
		return poisonedError()
	}
	return fn(h.store.state)
}
