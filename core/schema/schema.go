// Package schema embeds the JSON schemas for the structured-text storage documents.
package schema

import (
	"embed"
	"fmt"
)

type Name string

const (
	Snapshot Name = "snapshot"
	Bundle   Name = "bundle"
	Envelope Name = "envelope"
)

const (
	SnapshotID    = "timeloop.storage.snapshot"
	BundleID      = "timeloop.storage.export"
	SchemaVersion = "1.0.0"
)

//go:embed v1/storage/*.schema.json
var files embed.FS

// Raw returns the schema document registered under name.
func Raw(name Name) ([]byte, error) {
	data, err := files.ReadFile("v1/storage/" + string(name) + ".schema.json")
	if err != nil {
		return nil, fmt.Errorf("unknown schema %q: %w", name, err)
	}
	return data, nil
}
