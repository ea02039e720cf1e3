package storage

import (
	"github.com/davidahmann/timeloop/core/codec"
	"github.com/davidahmann/timeloop/core/state"
)

type Stats struct {
	Path          string       `json:"path,omitempty"`
	PathBound     bool         `json:"path_bound"`
	Format        codec.Format `json:"format"`
	Encrypted     bool         `json:"encrypted"`
	KeyID         string       `json:"key_id,omitempty"`
	AppendOnly    bool         `json:"append_only"`
	Sessions      int          `json:"sessions"`
	Branches      int          `json:"branches"`
	Events        int          `json:"events"`
	PendingWrites int64        `json:"pending_writes"`
	LogBytes      int64        `json:"log_bytes"`
	LogEvents     int          `json:"log_events"`
	Archives      int          `json:"archives"`
}

// Stats reports counts for the container and, in append-only mode, the size of the
// active log and the number of retained archives.
func (h *Handle) Stats() (Stats, error) {
	var stats Stats
	err := h.read(func(st *state.State) error {
		stats = Stats{
			Path:          h.path,
			PathBound:     h.pathBound,
			Format:        h.format,
			Encrypted:     h.key != nil,
			AppendOnly:    h.appendOnly,
			Sessions:      st.SessionCount(),
			Branches:      st.BranchCount(),
			Events:        st.EventCount(),
			PendingWrites: h.store.pending.Load(),
		}
		if h.key != nil {
			stats.KeyID = h.key.KeyID()
		}
		if h.path == "" {
			return nil
		}
		log := h.log()
		size, err := log.Size()
		if err != nil {
			return err
		}
		count, err := log.Count()
		if err != nil {
			return err
		}
		archives, err := log.Archives()
		if err != nil {
			return err
		}
		stats.LogBytes = size
		stats.LogEvents = count
		stats.Archives = len(archives)
		return nil
	})
	return stats, err
}
