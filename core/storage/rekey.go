package storage

import (
	"github.com/davidahmann/timeloop/core/metrics"
	"github.com/davidahmann/timeloop/core/seal"
)

// ChangePassphrase re-encrypts the current in-memory state under a key derived from the
// new passphrase and a brand-new salt, atomically replaces the snapshot, and only then
// wipes the superseded key and salt. A plaintext path-bound handle becomes encrypted.
func (h *Handle) ChangePassphrase(newPassphrase string) error {
	if !h.pathBound {
		return notPathBoundError()
	}
	if newPassphrase == "" {
		return invalidInput("empty_passphrase", "passphrase must not be empty")
	}
	return h.write(metrics.OpRekey, func() error {
		next, err := freshKey([]byte(newPassphrase), h.kdf)
		if err != nil {
			return err
		}
		previous := h.key
		h.key = next
		if err := h.persistSnapshotLocked(); err != nil {
			h.key = previous
			next.Destroy()
			return err
		}
		previous.Destroy()
		// Log records predate the new key in either append mode; the snapshot holds them.
		if err := h.log().Truncate(); err != nil {
			return err
		}
		h.logger.Debug("passphrase rotated", "path", h.path, "key_id", next.KeyID())
		return nil
	})
}

// KeyID fingerprints the storage salt, or is empty for a plaintext handle.
func (h *Handle) KeyID() string {
	h.store.mu.RLock()
	defer h.store.mu.RUnlock()
	if h.key == nil {
		return ""
	}
	return h.key.KeyID()
}

// KDFParams are the cost parameters used for this handle's key.
func (h *Handle) KDFParams() seal.KDFParams {
	h.store.mu.RLock()
	defer h.store.mu.RUnlock()
	return h.kdf
}
