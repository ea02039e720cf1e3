// Package config loads the optional YAML project file that seeds storage defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/davidahmann/timeloop/core/codec"
	"github.com/davidahmann/timeloop/core/storage"
	"github.com/goccy/go-yaml"
)

const DefaultPath = ".timeloop/config.yaml"

type Config struct {
	Storage    StorageDefaults    `yaml:"storage"`
	KDF        KDFDefaults        `yaml:"kdf"`
	Compaction CompactionDefaults `yaml:"compaction"`
}

type StorageDefaults struct {
	File          string `yaml:"file"`
	Format        string `yaml:"format"`
	AppendOnly    *bool  `yaml:"append_only"`
	PassphraseEnv string `yaml:"passphrase_env"`
}

type KDFDefaults struct {
	MemoryKiB   uint32 `yaml:"memory_kib"`
	Iterations  uint32 `yaml:"iterations"`
	Parallelism uint8  `yaml:"parallelism"`
}

// CompactionDefaults use pointers so an explicit zero (threshold disabled) differs from unset.
type CompactionDefaults struct {
	MaxLogSizeMB   *int64 `yaml:"max_log_size_mb"`
	MaxEvents      *int   `yaml:"max_events"`
	RetentionCount *int   `yaml:"retention_count"`
	IntervalSecs   *int64 `yaml:"interval_secs"`
}

func Load(path string, allowMissing bool) (Config, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return Config{}, fmt.Errorf("config path is required")
	}

	// #nosec G304 -- config path is explicit local user input.
	content, err := os.ReadFile(trimmedPath)
	if err != nil {
		if os.IsNotExist(err) && allowMissing {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if len(strings.TrimSpace(string(content))) == 0 {
		return Config{}, nil
	}

	var configuration Config
	if err := yaml.Unmarshal(content, &configuration); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	configuration.normalize()
	return configuration, nil
}

func (configuration *Config) normalize() {
	configuration.Storage.File = strings.TrimSpace(configuration.Storage.File)
	configuration.Storage.Format = strings.ToLower(strings.TrimSpace(configuration.Storage.Format))
	configuration.Storage.PassphraseEnv = strings.TrimSpace(configuration.Storage.PassphraseEnv)
}

// Apply overlays every field the file sets onto defaults and validates the result.
// defaults is left untouched on error.
func (configuration Config) Apply(defaults *storage.Defaults) error {
	next := *defaults
	if configuration.Storage.Format != "" {
		format, err := codec.ParseFormat(configuration.Storage.Format)
		if err != nil {
			return fmt.Errorf("config storage.format: %w", err)
		}
		next.Format = format
	}
	if configuration.Storage.AppendOnly != nil {
		next.AppendOnly = *configuration.Storage.AppendOnly
	}
	if configuration.KDF.MemoryKiB > 0 {
		next.KDF.MemoryKiB = configuration.KDF.MemoryKiB
	}
	if configuration.KDF.Iterations > 0 {
		next.KDF.Iterations = configuration.KDF.Iterations
	}
	if configuration.KDF.Parallelism > 0 {
		next.KDF.Parallelism = configuration.KDF.Parallelism
	}
	compaction := configuration.Compaction
	if compaction.MaxLogSizeMB != nil {
		next.Policy.MaxLogBytes = *compaction.MaxLogSizeMB << 20
	}
	if compaction.MaxEvents != nil {
		next.Policy.MaxEvents = *compaction.MaxEvents
	}
	if compaction.RetentionCount != nil {
		next.Policy.RetentionCount = *compaction.RetentionCount
	}
	if compaction.IntervalSecs != nil {
		next.Policy.Interval = time.Duration(*compaction.IntervalSecs) * time.Second
	}
	if err := next.Validate(); err != nil {
		return err
	}
	*defaults = next
	return nil
}
