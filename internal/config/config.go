package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for coldvault.
type Config struct {
	HostID     string           `toml:"host_id"`
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	Backends   []BackendConfig  `toml:"backends"`
	Encryption EncryptionConfig `toml:"encryption"`
	Database   DatabaseConfig   `toml:"database"`
	Staging    StagingConfig    `toml:"staging"`
	Filesystem FilesystemConfig `toml:"filesystem"`
	Compact    CompactConfig    `toml:"compact"`
	Retention  RetentionConfig  `toml:"retention"`

	// Roots lists the directories `coldvault backup` walks when invoked
	// with no path arguments. Populated by `coldvault dir init`.
	Roots []string `toml:"roots,omitempty"`
}

// EncryptionConfig holds paths to the age key pair used for encryption.
type EncryptionConfig struct {
	Type           string `toml:"type"`             // "age" (default) or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// FilesystemConfig holds filesystem-related settings.
type FilesystemConfig struct {
	Ignore []string `toml:"ignore"`
}

// BackendConfig represents configuration for a remote backend.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type BackendConfig struct {
	Type string `toml:"type"` // "memory", "s3", or "filesystem"
	Name string `toml:"name"`
	// Prefix is the filename prefix spec §6's naming scheme embeds ahead
	// of the volume type/guid segment.
	Prefix string `toml:"prefix"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket   string `toml:"s3_bucket,omitempty"`
	S3Region   string `toml:"s3_region,omitempty"`
	S3Endpoint string `toml:"s3_endpoint,omitempty"` // non-empty for S3-compatible providers

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSRoot string `toml:"fs_root,omitempty"`
}

// CompactConfig configures the delete/compact engine's decision rules,
// spec §4.5.
type CompactConfig struct {
	VolSize           int64   `toml:"vol_size"`
	WasteThreshold    float64 `toml:"waste_threshold"`     // fraction, e.g. 0.25
	SmallFileSize     int64   `toml:"small_file_size"`
	MaxSmallFileCount int     `toml:"max_small_file_count"`
}

// RetentionTimeframe is one (timeframe, interval) pair, TOML-friendly
// duration strings parsed by the caller into core.TimeframeInterval.
type RetentionTimeframe struct {
	Timeframe string `toml:"timeframe"` // e.g. "168h", "" means unbounded
	Interval  string `toml:"interval"`
}

// RetentionConfig configures the four retention removers of spec §4.8.
type RetentionConfig struct {
	ExplicitVersions []int                `toml:"explicit_versions,omitempty"`
	KeepTime         string               `toml:"keep_time,omitempty"` // duration string, e.g. "720h"
	KeepVersions     int                  `toml:"keep_versions,omitempty"`
	Policy           []RetentionTimeframe `toml:"policy,omitempty"`
	AllowFullRemoval bool                 `toml:"allow_full_removal"`
}

// DatabaseConfig represents configuration for the metadata database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// StagingConfig represents configuration for the staging area.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type StagingConfig struct {
	Type       string `toml:"type"`                  // "memory" or "filesystem"
	StagingDir string `toml:"staging_dir,omitempty"` // only used for type=filesystem
	MaxSize    int64  `toml:"max_size"`              // max total size in bytes; must be positive, defaults to 1MB
}

// NewConfig creates a new Config with the provided values and default key paths.
func NewConfig(hostID, baseDir string) *Config {
	return &Config{
		HostID:  hostID,
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Encryption: EncryptionConfig{
			PublicKeyPath:  filepath.Join(baseDir, "keys", "coldvault.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "coldvault.key"),
		},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
// This is an internal helper and should not be exported.
func writeToFile(path string, cfg *Config) error {
	// Ensure the directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Save overwrites an existing config file at path, used by `coldvault dir
// init` to persist a newly-added root. Unlike Init, it does not refuse to
// clobber an existing file.
func Save(path string, cfg *Config) error {
	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	// Check if config already exists
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
