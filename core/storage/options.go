package storage

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/davidahmann/timeloop/core/codec"
	coreerrors "github.com/davidahmann/timeloop/core/errors"
	"github.com/davidahmann/timeloop/core/eventlog"
	"github.com/davidahmann/timeloop/core/seal"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	homeEnv         = "TIMELOOP_HOME"
	snapshotName    = "state"
	snapshotMode    = 0o600
	bundleFileMode  = 0o600
	defaultAppendOn = false
)

// Defaults are the process-wide settings every handle starts from. Set them once at
// startup; handles already open keep what they were created with.
type Defaults struct {
	Format     codec.Format
	AppendOnly bool
	KDF        seal.KDFParams
	Policy     eventlog.Policy
}

func builtinDefaults() Defaults {
	return Defaults{
		Format:     codec.Text,
		AppendOnly: defaultAppendOn,
		KDF:        seal.DefaultKDFParams(),
		Policy:     eventlog.DefaultPolicy(),
	}
}

var (
	defaultsMu      sync.RWMutex
	processDefaults = builtinDefaults()
)

func (d Defaults) Validate() error {
	if !d.Format.Valid() {
		return coreerrors.Configuration(fmt.Errorf("unsupported format %q", d.Format), "invalid_format")
	}
	if err := d.KDF.Validate(); err != nil {
		return coreerrors.Configuration(err, "invalid_kdf_params")
	}
	return d.Policy.Validate()
}

// SetDefaults replaces the process-wide defaults after validating them.
func SetDefaults(defaults Defaults) error {
	if err := defaults.Validate(); err != nil {
		return err
	}
	defaultsMu.Lock()
	defer defaultsMu.Unlock()
	processDefaults = defaults
	return nil
}

func CurrentDefaults() Defaults {
	defaultsMu.RLock()
	defer defaultsMu.RUnlock()
	return processDefaults
}

// ResetDefaults restores the built-in defaults.
func ResetDefaults() {
	defaultsMu.Lock()
	defer defaultsMu.Unlock()
	processDefaults = builtinDefaults()
}

// Options configure one handle. An empty Format means "detect from the file extension,
// falling back to the process default".
type Options struct {
	Format     codec.Format
	AppendOnly bool
	KDF        seal.KDFParams
	Policy     eventlog.Policy
	Logger     *slog.Logger
	// Registerer receives the handle's metrics. Nil disables metrics.
	Registerer prometheus.Registerer
}

// DefaultOptions returns Options seeded from the current process-wide defaults.
func DefaultOptions() Options {
	defaults := CurrentDefaults()
	return Options{
		AppendOnly: defaults.AppendOnly,
		KDF:        defaults.KDF,
		Policy:     defaults.Policy,
	}
}

func (o Options) resolve(path string) (Options, error) {
	defaults := CurrentDefaults()
	if o.Format == "" {
		o.Format = codec.Detect(path, defaults.Format)
	}
	if !o.Format.Valid() {
		return o, coreerrors.Configuration(fmt.Errorf("unsupported format %q", o.Format), "invalid_format")
	}
	if o.KDF == (seal.KDFParams{}) {
		o.KDF = defaults.KDF
	}
	if err := o.KDF.Validate(); err != nil {
		return o, coreerrors.Configuration(err, "invalid_kdf_params")
	}
	if o.Policy == (eventlog.Policy{}) {
		o.Policy = defaults.Policy
	}
	if err := o.Policy.Validate(); err != nil {
		return o, err
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	return o, nil
}

// DefaultPath is where the process-wide storage lives: $TIMELOOP_HOME, then
// $XDG_DATA_HOME/timeloop, then ~/.local/share/timeloop.
func DefaultPath(format codec.Format) (string, error) {
	dir := strings.TrimSpace(os.Getenv(homeEnv))
	if dir == "" {
		if xdg := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); xdg != "" {
			dir = filepath.Join(xdg, "timeloop")
		}
	}
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", coreerrors.Configuration(fmt.Errorf("resolve default storage path: %w", err), "no_default_path")
		}
		dir = filepath.Join(home, ".local", "share", "timeloop")
	}
	ext := ".json"
	if format == codec.Binary {
		ext = ".cbor"
	}
	return filepath.Join(dir, snapshotName+ext), nil
}
