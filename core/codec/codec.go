// Package codec encodes storage documents in one of two interchangeable encodings:
// pretty-printed JSON (text) or CBOR (binary).
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	coreerrors "github.com/davidahmann/timeloop/core/errors"
	"github.com/davidahmann/timeloop/core/model"
	"github.com/davidahmann/timeloop/core/schema"
	"github.com/davidahmann/timeloop/core/schema/validate"
	"github.com/davidahmann/timeloop/core/state"
	"github.com/fxamacker/cbor/v2"
)

type Format string

const (
	Text   Format = "json"
	Binary Format = "cbor"
)

var (
	encMode, _ = cbor.EncOptions{Time: cbor.TimeRFC3339Nano, Sort: cbor.SortCoreDeterministic}.EncMode()
	decMode, _ = cbor.DecOptions{MaxArrayElements: 1 << 27, MaxMapPairs: 1 << 27}.DecMode()
)

// ParseFormat accepts the CLI spellings of both encodings.
func ParseFormat(raw string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "json", "text":
		return Text, nil
	case "cbor", "binary":
		return Binary, nil
	default:
		return "", coreerrors.Wrap(fmt.Errorf("unsupported persistence format %q", raw), coreerrors.CategoryInvalidInput, "unknown_format", "use json or cbor", false)
	}
}

func (f Format) Valid() bool {
	return f == Text || f == Binary
}

// Detect picks the encoding from the file extension, falling back when it says nothing.
func Detect(path string, fallback Format) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonl":
		return Text
	case ".cbor", ".bin":
		return Binary
	default:
		return fallback
	}
}

// LogPath derives the append-only log that sits next to a snapshot.
func LogPath(snapshotPath string, format Format) string {
	if format == Binary {
		return snapshotPath + ".events.cbor"
	}
	return snapshotPath + ".events.jsonl"
}

// Marshal encodes v. Text output is indented for snapshots and bundles.
func Marshal(format Format, v any) ([]byte, error) {
	if format == Binary {
		return encMode.Marshal(v)
	}
	return json.MarshalIndent(v, "", "  ")
}

// MarshalCompact encodes v without indentation, for log records.
func MarshalCompact(format Format, v any) ([]byte, error) {
	if format == Binary {
		return encMode.Marshal(v)
	}
	return json.Marshal(v)
}

func Unmarshal(format Format, data []byte, v any) error {
	if format == Binary {
		return decMode.Unmarshal(data, v)
	}
	decoder := json.NewDecoder(bytes.NewReader(data))
	if err := decoder.Decode(v); err != nil {
		return err
	}
	if decoder.More() {
		return fmt.Errorf("trailing data after document")
	}
	return nil
}

// Document is the serialized form of a full state container. Events are flattened and
// ordered by session then sequence so identical states encode identically.
type Document struct {
	SchemaID      string                 `json:"schema_id"`
	SchemaVersion string                 `json:"schema_version"`
	Sessions      []model.Session        `json:"sessions"`
	Branches      []model.TimelineBranch `json:"branches"`
	Events        []model.Event          `json:"events"`
}

func DocumentOf(st *state.State) Document {
	return Document{
		SchemaID:      schema.SnapshotID,
		SchemaVersion: schema.SchemaVersion,
		Sessions:      st.Sessions(),
		Branches:      st.Branches(),
		Events:        st.AllEvents(),
	}
}

func (d Document) State() *state.State {
	st := state.New()
	for _, session := range d.Sessions {
		st.PutSession(session)
	}
	for _, branch := range d.Branches {
		st.PutBranch(branch)
	}
	for _, event := range d.Events {
		st.PutEvent(event)
	}
	return st
}

func EncodeSnapshot(format Format, st *state.State) ([]byte, error) {
	encoded, err := Marshal(format, DocumentOf(st))
	if err != nil {
		return nil, coreerrors.Serialization(fmt.Errorf("encode snapshot: %w", err), "snapshot_encode_failed")
	}
	return encoded, nil
}

// DecodeSnapshot parses a plaintext snapshot. Text snapshots are checked against the
// embedded schema before they are decoded.
func DecodeSnapshot(format Format, data []byte) (*state.State, error) {
	if format == Text {
		if err := validate.ValidateJSON(schema.Snapshot, data); err != nil {
			return nil, coreerrors.Serialization(fmt.Errorf("snapshot: %w", err), "snapshot_schema_invalid")
		}
	}
	var document Document
	if err := Unmarshal(format, data, &document); err != nil {
		return nil, coreerrors.Serialization(fmt.Errorf("decode snapshot: %w", err), "snapshot_decode_failed")
	}
	if document.SchemaID != schema.SnapshotID {
		return nil, coreerrors.Serialization(fmt.Errorf("unexpected snapshot schema %q", document.SchemaID), "snapshot_schema_invalid")
	}
	return document.State(), nil
}
