// Package zsconfig provides configuration management for zeroskip
// directories: on-disk batching and logging knobs read from a JSON
// file, independent of any particular directory's on-disk state.
package zsconfig

import (
	"encoding/json"
	"os"
)

// Config holds the tunables a zeroskip directory is opened with.
type Config struct {
	// RotateThreshold is the active file size, in bytes, at which Add
	// finalises it and opens a fresh one.
	RotateThreshold int64 `json:"rotate_threshold"`

	// WriteLockTimeoutMS bounds how long Add/Remove wait for the write
	// lock before giving up.
	WriteLockTimeoutMS int64 `json:"write_lock_timeout_ms"`

	// PackLockTimeoutMS bounds how long Repack waits for the pack lock.
	PackLockTimeoutMS int64 `json:"pack_lock_timeout_ms"`

	// BloomFalsePositiveRate is loaded and saved with the rest of the
	// configuration. Repack does not read it: dbfile.CreatePacked sizes
	// every packed file's Bloom filter for a fixed 1% false-positive rate.
	BloomFalsePositiveRate float64 `json:"bloom_false_positive_rate"`

	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string `json:"log_level"`
}

// DefaultConfig returns the configuration a directory is opened with
// when no config file is present.
func DefaultConfig() *Config {
	return &Config{
		RotateThreshold:        2 << 20, // 2 MiB, per spec.md §4.7
		WriteLockTimeoutMS:     5000,
		PackLockTimeoutMS:      5000,
		BloomFalsePositiveRate: 0.01,
		LogLevel:               "info",
	}
}

// Load loads configuration from a JSON file, falling back to
// DefaultConfig if path doesn't exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save saves the configuration to a JSON file.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
