package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/awnumar/memguard"
	"github.com/davidahmann/timeloop/core/codec"
	coreerrors "github.com/davidahmann/timeloop/core/errors"
	"github.com/davidahmann/timeloop/core/fsx"
	"github.com/davidahmann/timeloop/core/metrics"
	"github.com/davidahmann/timeloop/core/model"
	"github.com/davidahmann/timeloop/core/schema"
	"github.com/davidahmann/timeloop/core/schema/validate"
	"github.com/davidahmann/timeloop/core/seal"
	"github.com/davidahmann/timeloop/core/state"
	"github.com/gowebpki/jcs"
	"golang.org/x/sync/errgroup"
)

// exportWorkers bounds concurrent bundle writes in ExportAllSessions.
const exportWorkers = 4

// Bundle is one exported session with its events. Digest is the SHA-256 of the RFC 8785
// canonical JSON of the session and events, checked on import in either encoding.
type Bundle struct {
	SchemaID      string        `json:"schema_id"`
	SchemaVersion string        `json:"schema_version"`
	Session       model.Session `json:"session"`
	Events        []model.Event `json:"events"`
	ExportedAt    time.Time     `json:"exported_at"`
	Digest        string        `json:"digest"`
}

func bundleDigest(session model.Session, events []model.Event) (string, error) {
	content, err := json.Marshal(struct {
		Session model.Session `json:"session"`
		Events  []model.Event `json:"events"`
	}{Session: session, Events: events})
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(content)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// ExportSessionToFile writes the session and its events to path. The encoding follows
// the path's extension, else the handle's format. An encrypted handle seals the bundle
// under a key derived from its own key and a fresh export salt.
func (h *Handle) ExportSessionToFile(sessionID string, path string) error {
	return h.read(func(st *state.State) error {
		session, ok := st.Session(sessionID)
		if !ok {
			return notFound("session", sessionID)
		}
		events := st.Events(sessionID)
		digest, err := bundleDigest(session, events)
		if err != nil {
			return coreerrors.Serialization(fmt.Errorf("digest bundle: %w", err), "bundle_digest_failed")
		}
		format := codec.Detect(path, h.format)
		encoded, err := codec.Marshal(format, Bundle{
			SchemaID:      schema.BundleID,
			SchemaVersion: schema.SchemaVersion,
			Session:       session,
			Events:        events,
			ExportedAt:    time.Now().UTC(),
			Digest:        digest,
		})
		if err != nil {
			return coreerrors.Serialization(fmt.Errorf("encode bundle: %w", err), "bundle_encode_failed")
		}
		if h.key != nil {
			if encoded, err = h.sealExport(format, encoded); err != nil {
				return err
			}
		}
		if err := fsx.WriteFileAtomic(path, encoded, bundleFileMode); err != nil {
			return coreerrors.IO(err, "bundle_write_failed")
		}
		h.logger.Debug("session exported", "session_id", sessionID, "path", path, "events", len(events), "encrypted", h.key != nil)
		return nil
	})
}

// ExportAllSessions writes one bundle per session into dir, named "<session-id>.<ext>"
// after format, and returns the paths in session order. Sessions are exported
// concurrently; the first failure cancels the rest.
func (h *Handle) ExportAllSessions(ctx context.Context, dir string, format codec.Format) ([]string, error) {
	if !format.Valid() {
		return nil, invalidInput("invalid_format", "unsupported format %q", format)
	}
	sessions, err := h.ListSessions()
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(sessions))
	for i, session := range sessions {
		if session.ID != filepath.Base(session.ID) || session.ID == "." || session.ID == ".." {
			return nil, invalidInput("unsafe_session_id", "session id %q cannot name a file", session.ID)
		}
		paths[i] = filepath.Join(dir, session.ID+"."+string(format))
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(exportWorkers)
	for i, session := range sessions {
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			return h.ExportSessionToFile(session.ID, paths[i])
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

func (h *Handle) sealExport(format codec.Format, plaintext []byte) ([]byte, error) {
	defer memguard.WipeBytes(plaintext)
	exportSalt, err := seal.NewSalt()
	if err != nil {
		return nil, err
	}
	exportKey, err := h.key.ExportKey(exportSalt)
	if err != nil {
		return nil, err
	}
	defer exportKey.Destroy()
	nonce, ciphertext, err := exportKey.Seal(plaintext)
	if err != nil {
		return nil, err
	}
	params := h.key.Params()
	return seal.EncodeEnvelope(format, seal.Envelope{
		Salt:       exportSalt,
		Nonce:      nonce,
		Ciphertext: ciphertext,
		KeyID:      h.key.KeyID(),
		KDF:        &params,
	})
}

// ImportSessionFromFile reads a bundle and stores its session and events, replacing any
// with the same keys. An encrypted bundle must come from a storage with this handle's
// salt; anything else fails with ErrSaltMismatch before decryption is attempted.
func (h *Handle) ImportSessionFromFile(path string) (model.Session, error) {
	// #nosec G304 -- import path is an explicit caller-provided file.
	raw, err := os.ReadFile(path)
	if err != nil {
		return model.Session{}, coreerrors.IO(fmt.Errorf("read bundle: %w", err), "bundle_read_failed")
	}
	var imported model.Session
	err = h.write(metrics.OpImport, func() error {
		format := codec.Detect(path, h.format)
		bundle, err := h.decodeBundle(format, raw)
		if err != nil {
			return err
		}
		st := h.store.state
		undo := snapshotImportTargets(st, bundle)
		st.PutSession(bundle.Session)
		for _, event := range bundle.Events {
			st.PutEvent(event)
		}
		if err := h.persistAndResetLogLocked(); err != nil {
			undo()
			return err
		}
		imported = bundle.Session
		return nil
	})
	return imported, err
}

// snapshotImportTargets records what an import is about to overwrite and returns a func
// that puts it back.
func snapshotImportTargets(st *state.State, bundle Bundle) func() {
	session := bundle.Session
	previousSession, sessionExisted := st.Session(session.ID)
	type priorEvent struct {
		event   model.Event
		existed bool
	}
	prior := make([]priorEvent, len(bundle.Events))
	for i, event := range bundle.Events {
		previous, existed := st.Event(event.SessionID, event.SequenceNumber)
		prior[i] = priorEvent{event: previous, existed: existed}
	}
	return func() {
		// Walk backwards so a bundle repeating a key ends on the oldest value.
		for i := len(bundle.Events) - 1; i >= 0; i-- {
			event := bundle.Events[i]
			if prior[i].existed {
				st.PutEvent(prior[i].event)
			} else {
				st.RemoveEvent(event.SessionID, event.SequenceNumber)
			}
		}
		if sessionExisted {
			st.PutSession(previousSession)
		} else {
			st.DeleteSessionRecord(session.ID)
		}
	}
}

func (h *Handle) decodeBundle(format codec.Format, raw []byte) (Bundle, error) {
	payload := raw
	if envelope, wrapped := seal.DecodeEnvelope(format, raw); wrapped {
		if h.key == nil {
			return Bundle{}, coreerrors.Wrap(ErrEncryptedSnapshot, coreerrors.CategoryConfiguration, "passphrase_required", "import through an encrypted storage handle", false)
		}
		if envelope.KeyID != h.key.KeyID() {
			return Bundle{}, saltMismatchError(h.key.KeyID(), envelope.KeyID)
		}
		exportKey, err := h.key.ExportKey(envelope.Salt)
		if err != nil {
			return Bundle{}, err
		}
		defer exportKey.Destroy()
		plaintext, err := envelope.Open(exportKey)
		if err != nil {
			return Bundle{}, err
		}
		defer memguard.WipeBytes(plaintext)
		payload = plaintext
	}

	if format == codec.Text {
		if err := validate.ValidateJSON(schema.Bundle, payload); err != nil {
			return Bundle{}, coreerrors.Serialization(fmt.Errorf("bundle: %w", err), "bundle_schema_invalid")
		}
	}
	var bundle Bundle
	if err := codec.Unmarshal(format, payload, &bundle); err != nil {
		return Bundle{}, coreerrors.Serialization(fmt.Errorf("decode bundle: %w", err), "bundle_decode_failed")
	}
	if bundle.SchemaID != schema.BundleID {
		return Bundle{}, coreerrors.Serialization(fmt.Errorf("unexpected bundle schema %q", bundle.SchemaID), "bundle_schema_invalid")
	}
	digest, err := bundleDigest(bundle.Session, bundle.Events)
	if err != nil {
		return Bundle{}, coreerrors.Serialization(fmt.Errorf("digest bundle: %w", err), "bundle_digest_failed")
	}
	if digest != bundle.Digest {
		return Bundle{}, coreerrors.Serialization(ErrDigestMismatch, "bundle_digest_mismatch")
	}
	for _, event := range bundle.Events {
		if event.SessionID != bundle.Session.ID {
			return Bundle{}, invalidInput("bundle_foreign_event", "event %q belongs to session %q, not %q", event.ID, event.SessionID, bundle.Session.ID)
		}
	}
	return bundle, nil
}
