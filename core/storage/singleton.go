package storage

import (
	"log/slog"
	"sync"

	"github.com/davidahmann/timeloop/core/codec"
	"github.com/davidahmann/timeloop/core/state"
)

// shared is the process-wide store behind every handle created by Default. It is built
// on first use and dropped when the last such handle closes.
var shared struct {
	mu     sync.Mutex
	store  *store
	path   string
	format codec.Format
	refs   int
}

// Default returns a handle on the process-wide storage, creating it on first use. Its
// snapshot is loaded best-effort from DefaultPath: a missing, unreadable or encrypted
// file leaves the storage empty, and in the unreadable cases the storage stays in memory
// so the existing file is never overwritten. Every handle from Default shares one state
// and one lock; Close releases this handle's reference.
func Default() *Handle {
	defaults := CurrentDefaults()
	opts := Options{
		Format:     defaults.Format,
		AppendOnly: defaults.AppendOnly,
		KDF:        defaults.KDF,
		Policy:     defaults.Policy,
		Logger:     slog.New(slog.DiscardHandler),
	}

	shared.mu.Lock()
	defer shared.mu.Unlock()
	if shared.store == nil {
		shared.store, shared.path = loadShared(opts)
		shared.format = opts.Format
	}
	shared.refs++
	// The file's encoding is fixed by whoever loaded it; later defaults cannot change it.
	opts.Format = shared.format

	handle := newHandle(shared.path, false, opts)
	handle.store = shared.store
	handle.release = releaseShared
	handle.restartCompactor()
	return handle
}

func loadShared(opts Options) (*store, string) {
	path, err := DefaultPath(opts.Format)
	if err != nil {
		return newStore(state.New()), ""
	}
	loader := newHandle(path, false, opts)
	st, _, _, err := loader.load(nil)
	if err != nil {
		opts.Logger.Debug("default storage starts empty", "path", path, "error", err)
		return newStore(state.New()), ""
	}
	return newStore(st), path
}

func releaseShared() {
	shared.mu.Lock()
	defer shared.mu.Unlock()
	shared.refs--
	if shared.refs <= 0 {
		shared.store = nil
		shared.path = ""
		shared.format = ""
		shared.refs = 0
	}
}

// SharedHandles is the number of open handles on the process-wide storage.
func SharedHandles() int {
	shared.mu.Lock()
	defer shared.mu.Unlock()
	return shared.refs
}
