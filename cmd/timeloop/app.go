package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/davidahmann/timeloop/core/codec"
	"github.com/davidahmann/timeloop/core/config"
	coreerrors "github.com/davidahmann/timeloop/core/errors"
	"github.com/davidahmann/timeloop/core/storage"
	"github.com/spf13/cobra"
)

const (
	defaultPassphraseEnv    = "TIMELOOP_PASSPHRASE"
	defaultNewPassphraseEnv = "TIMELOOP_NEW_PASSPHRASE"
)

type globalFlags struct {
	file                   string
	format                 string
	appendEvents           bool
	disableAppendEvents    bool
	argon2MemoryKiB        uint32
	argon2Iterations       uint32
	argon2Parallelism      uint8
	maxLogSizeMB           int64
	maxEvents              int
	retentionCount         int
	compactionIntervalSecs int64
	passphraseEnv          string
	configPath             string
	json                   bool
	logLevel               string
}

type app struct {
	stdout io.Writer
	stderr io.Writer
	flags  globalFlags
	logger *slog.Logger
	config config.Config
	handle *storage.Handle
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{
		stdout: stdout,
		stderr: stderr,
		logger: slog.New(slog.DiscardHandler),
	}
}

func (a *app) bindGlobalFlags(root *cobra.Command) {
	flags := root.PersistentFlags()
	flags.StringVar(&a.flags.file, "file", "", "storage snapshot path (default: the process-wide storage)")
	flags.StringVar(&a.flags.format, "persistence-format", "", "snapshot encoding: json or cbor")
	flags.BoolVar(&a.flags.appendEvents, "append-events", false, "persist events to the append-only log (the default)")
	flags.BoolVar(&a.flags.disableAppendEvents, "disable-append-events", false, "rewrite the snapshot on every event instead of appending")
	flags.Uint32Var(&a.flags.argon2MemoryKiB, "argon2-memory-kib", 0, "Argon2id memory cost in KiB")
	flags.Uint32Var(&a.flags.argon2Iterations, "argon2-iterations", 0, "Argon2id iterations")
	flags.Uint8Var(&a.flags.argon2Parallelism, "argon2-parallelism", 0, "Argon2id parallelism")
	flags.Int64Var(&a.flags.maxLogSizeMB, "max-log-size-mb", 0, "rotate the event log beyond this size; 0 disables")
	flags.IntVar(&a.flags.maxEvents, "max-events", 0, "rotate the event log beyond this many records; 0 disables")
	flags.IntVar(&a.flags.retentionCount, "retention-count", 0, "rotated logs to keep")
	flags.Int64Var(&a.flags.compactionIntervalSecs, "compaction-interval-secs", 0, "background compaction interval; 0 disables")
	flags.StringVar(&a.flags.passphraseEnv, "passphrase-env", "", "environment variable holding the storage passphrase (default "+defaultPassphraseEnv+")")
	flags.StringVar(&a.flags.configPath, "config", "", "config file (default "+config.DefaultPath+" when present)")
	flags.BoolVar(&a.flags.json, "json", false, "emit JSON output")
	flags.StringVar(&a.flags.logLevel, "log-level", "warn", "log level for stderr diagnostics: debug, info, warn, error")
}

// configure runs before every command: logger, config file, then flags, with flags winning.
func (a *app) configure(cmd *cobra.Command) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(a.flags.logLevel))); err != nil {
		return invalidFlag("log-level", err)
	}
	a.logger = slog.New(slog.NewTextHandler(a.stderr, &slog.HandlerOptions{Level: level}))

	configPath, explicit := a.flags.configPath, a.flags.configPath != ""
	if !explicit {
		configPath = config.DefaultPath
	}
	loaded, err := config.Load(configPath, !explicit)
	if err != nil {
		return coreerrors.Configuration(err, "config_load_failed")
	}
	a.config = loaded

	storage.ResetDefaults()
	defaults := storage.CurrentDefaults()
	defaults.AppendOnly = true
	if err := loaded.Apply(&defaults); err != nil {
		return coreerrors.Configuration(err, "config_invalid")
	}
	if err := a.applyFlags(cmd, &defaults); err != nil {
		return err
	}
	if err := storage.SetDefaults(defaults); err != nil {
		return err
	}
	a.logger.Debug("storage defaults", "format", defaults.Format, "append_only", defaults.AppendOnly,
		"max_log_bytes", defaults.Policy.MaxLogBytes, "max_events", defaults.Policy.MaxEvents,
		"retention", defaults.Policy.RetentionCount, "interval", defaults.Policy.Interval)
	return nil
}

func (a *app) applyFlags(cmd *cobra.Command, defaults *storage.Defaults) error {
	flags := cmd.Flags()
	if flags.Changed("persistence-format") {
		format, err := codec.ParseFormat(a.flags.format)
		if err != nil {
			return err
		}
		defaults.Format = format
	}
	if a.flags.appendEvents && a.flags.disableAppendEvents {
		return invalidFlag("disable-append-events", fmt.Errorf("cannot be combined with --append-events"))
	}
	if a.flags.appendEvents {
		defaults.AppendOnly = true
	}
	if a.flags.disableAppendEvents {
		defaults.AppendOnly = false
	}
	if flags.Changed("argon2-memory-kib") {
		defaults.KDF.MemoryKiB = a.flags.argon2MemoryKiB
	}
	if flags.Changed("argon2-iterations") {
		defaults.KDF.Iterations = a.flags.argon2Iterations
	}
	if flags.Changed("argon2-parallelism") {
		defaults.KDF.Parallelism = a.flags.argon2Parallelism
	}
	if flags.Changed("max-log-size-mb") {
		defaults.Policy.MaxLogBytes = a.flags.maxLogSizeMB << 20
	}
	if flags.Changed("max-events") {
		defaults.Policy.MaxEvents = a.flags.maxEvents
	}
	if flags.Changed("retention-count") {
		defaults.Policy.RetentionCount = a.flags.retentionCount
	}
	if flags.Changed("compaction-interval-secs") {
		defaults.Policy.Interval = time.Duration(a.flags.compactionIntervalSecs) * time.Second
	}
	return nil
}

func (a *app) passphraseEnv() string {
	switch {
	case a.flags.passphraseEnv != "":
		return a.flags.passphraseEnv
	case a.config.Storage.PassphraseEnv != "":
		return a.config.Storage.PassphraseEnv
	default:
		return defaultPassphraseEnv
	}
}

// open returns the storage handle for this invocation, opening it on first use. A file
// path from --file or the config binds a handle to it; otherwise the process-wide
// storage is used. A non-empty passphrase variable makes the path-bound handle encrypted.
func (a *app) open() (*storage.Handle, error) {
	if a.handle != nil {
		return a.handle, nil
	}
	path := a.flags.file
	if path == "" {
		path = a.config.Storage.File
	}
	passphrase := os.Getenv(a.passphraseEnv())

	if path == "" {
		if passphrase != "" {
			return nil, coreerrors.Wrap(fmt.Errorf("encryption needs a storage file"), coreerrors.CategoryConfiguration, "passphrase_without_file", "pass --file with the passphrase", false)
		}
		a.handle = storage.Default()
		return a.handle, nil
	}

	opts := storage.DefaultOptions()
	opts.Logger = a.logger
	if a.flags.format != "" {
		opts.Format = storage.CurrentDefaults().Format
	}
	var (
		handle *storage.Handle
		err    error
	)
	if passphrase != "" {
		handle, err = storage.OpenEncrypted(path, passphrase, opts)
	} else {
		handle, err = storage.Open(path, opts)
	}
	if err != nil {
		return nil, err
	}
	a.handle = handle
	return handle, nil
}

func (a *app) close() {
	if a.handle == nil {
		return
	}
	if err := a.handle.Close(); err != nil {
		a.logger.Warn("close storage", "error", err)
	}
	a.handle = nil
}

// emit writes result as a JSON envelope in --json mode and through text otherwise.
func (a *app) emit(result any, text func(w io.Writer)) error {
	if a.flags.json {
		return writeJSON(a.stdout, okOutput{OK: true, Result: result})
	}
	text(a.stdout)
	return nil
}

func invalidFlag(name string, err error) error {
	return coreerrors.Wrap(fmt.Errorf("--%s: %w", name, err), coreerrors.CategoryInvalidInput, "invalid_flag", "", false)
}
