package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestManager_ReadWrite_RoundTrip(t *testing.T) {
	original := &Config{
		HostID:  "test-host-abc",
		BaseDir: "/home/user/.local/share/coldvault",
		LogDir:  "/home/user/.local/share/coldvault/log",
		Backends: []BackendConfig{
			{Type: "filesystem", Name: "local", Prefix: "vault", FSRoot: "/backup/vault"},
		},
		Encryption: EncryptionConfig{
			PublicKeyPath:  "/home/user/.local/share/coldvault/keys/coldvault.pub",
			PrivateKeyPath: "/home/user/.local/share/coldvault/keys/coldvault.key",
		},
		Database: DatabaseConfig{Type: "sqlite", DataDir: "/home/user/.local/share/coldvault/db"},
		Staging:  StagingConfig{Type: "memory", MaxSize: 2048},
		Filesystem: FilesystemConfig{
			Ignore: []string{"*.log", ".git"},
		},
		Compact: CompactConfig{
			VolSize:           50 << 20,
			WasteThreshold:    0.25,
			SmallFileSize:     10 << 20,
			MaxSmallFileCount: 20,
		},
		Retention: RetentionConfig{
			KeepVersions:     5,
			AllowFullRemoval: false,
		},
	}

	var buf bytes.Buffer
	m := &Manager{}

	if err := m.Write(&buf, original); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := m.Read(&buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if got.HostID != original.HostID {
		t.Errorf("HostID = %q, want %q", got.HostID, original.HostID)
	}
	if got.BaseDir != original.BaseDir {
		t.Errorf("BaseDir = %q, want %q", got.BaseDir, original.BaseDir)
	}
	if got.LogDir != original.LogDir {
		t.Errorf("LogDir = %q, want %q", got.LogDir, original.LogDir)
	}
	if len(got.Backends) != 1 {
		t.Fatalf("len(Backends) = %d, want 1", len(got.Backends))
	}
	if got.Backends[0].Type != "filesystem" {
		t.Errorf("Backend.Type = %q, want %q", got.Backends[0].Type, "filesystem")
	}
	if got.Backends[0].FSRoot != "/backup/vault" {
		t.Errorf("Backend.FSRoot = %q, want %q", got.Backends[0].FSRoot, "/backup/vault")
	}
	if got.Encryption.PublicKeyPath != original.Encryption.PublicKeyPath {
		t.Errorf("Encryption.PublicKeyPath = %q, want %q", got.Encryption.PublicKeyPath, original.Encryption.PublicKeyPath)
	}
	if got.Encryption.PrivateKeyPath != original.Encryption.PrivateKeyPath {
		t.Errorf("Encryption.PrivateKeyPath = %q, want %q", got.Encryption.PrivateKeyPath, original.Encryption.PrivateKeyPath)
	}
	if got.Database.Type != "sqlite" {
		t.Errorf("Database.Type = %q, want %q", got.Database.Type, "sqlite")
	}
	if got.Staging.MaxSize != 2048 {
		t.Errorf("Staging.MaxSize = %d, want %d", got.Staging.MaxSize, 2048)
	}
	if len(got.Filesystem.Ignore) != 2 {
		t.Fatalf("len(Filesystem.Ignore) = %d, want 2", len(got.Filesystem.Ignore))
	}
	if got.Compact.VolSize != original.Compact.VolSize {
		t.Errorf("Compact.VolSize = %d, want %d", got.Compact.VolSize, original.Compact.VolSize)
	}
	if got.Retention.KeepVersions != 5 {
		t.Errorf("Retention.KeepVersions = %d, want 5", got.Retention.KeepVersions)
	}
}

func TestNewConfig(t *testing.T) {
	cfg := NewConfig("host-1", "/data/coldvault")

	if cfg.HostID != "host-1" {
		t.Errorf("HostID = %q, want %q", cfg.HostID, "host-1")
	}
	if cfg.BaseDir != "/data/coldvault" {
		t.Errorf("BaseDir = %q, want %q", cfg.BaseDir, "/data/coldvault")
	}
	if cfg.LogDir != "/data/coldvault/log" {
		t.Errorf("LogDir = %q, want %q", cfg.LogDir, "/data/coldvault/log")
	}
	if cfg.Encryption.PublicKeyPath != "/data/coldvault/keys/coldvault.pub" {
		t.Errorf("Encryption.PublicKeyPath = %q, want %q", cfg.Encryption.PublicKeyPath, "/data/coldvault/keys/coldvault.pub")
	}
	if cfg.Encryption.PrivateKeyPath != "/data/coldvault/keys/coldvault.key" {
		t.Errorf("Encryption.PrivateKeyPath = %q, want %q", cfg.Encryption.PrivateKeyPath, "/data/coldvault/keys/coldvault.key")
	}
}

func TestInit(t *testing.T) {
	t.Run("creates config file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "coldvault.toml")
		cfg := NewConfig("h1", dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		if _, err := os.Stat(path); err != nil {
			t.Fatalf("config file not created: %v", err)
		}
	})

	t.Run("fails if file already exists", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "coldvault.toml")
		cfg := NewConfig("h1", dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("first Init() error = %v", err)
		}

		err := Init(path, cfg)
		if err == nil {
			t.Fatal("second Init() expected error")
		}
	})
}

func TestReadFromFile(t *testing.T) {
	t.Run("reads valid config", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "coldvault.toml")
		cfg := NewConfig("read-test", dir)
		cfg.Database = DatabaseConfig{Type: "memory"}

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		got, err := ReadFromFile(path)
		if err != nil {
			t.Fatalf("ReadFromFile() error = %v", err)
		}
		if got.HostID != "read-test" {
			t.Errorf("HostID = %q, want %q", got.HostID, "read-test")
		}
	})

	t.Run("returns error for missing file", func(t *testing.T) {
		_, err := ReadFromFile("/nonexistent/path/coldvault.toml")
		if err == nil {
			t.Fatal("ReadFromFile() expected error for missing file")
		}
	})
}
