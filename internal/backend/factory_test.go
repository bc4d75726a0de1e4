package backend

import (
	"context"
	"testing"

	"coldvault/internal/config"
)

func TestNewFromConfig_Memory(t *testing.T) {
	b, err := NewFromConfig(context.Background(), config.BackendConfig{Type: "memory", Name: "test"})
	if err != nil {
		t.Fatalf("NewFromConfig() error = %v", err)
	}
	if _, ok := b.(*MemoryBackend); !ok {
		t.Fatalf("NewFromConfig() = %T, want *MemoryBackend", b)
	}
}

func TestNewFromConfig_Filesystem(t *testing.T) {
	b, err := NewFromConfig(context.Background(), config.BackendConfig{Type: "filesystem", FSRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("NewFromConfig() error = %v", err)
	}
	if _, ok := b.(*FilesystemBackend); !ok {
		t.Fatalf("NewFromConfig() = %T, want *FilesystemBackend", b)
	}
}

func TestNewFromConfig_FilesystemRequiresRoot(t *testing.T) {
	if _, err := NewFromConfig(context.Background(), config.BackendConfig{Type: "filesystem"}); err == nil {
		t.Fatal("NewFromConfig() with no fs_root, want error")
	}
}

func TestNewFromConfig_S3RequiresBucket(t *testing.T) {
	if _, err := NewFromConfig(context.Background(), config.BackendConfig{Type: "s3"}); err == nil {
		t.Fatal("NewFromConfig() with no s3_bucket, want error")
	}
}

func TestNewFromConfig_UnknownType(t *testing.T) {
	if _, err := NewFromConfig(context.Background(), config.BackendConfig{Type: "carrier-pigeon"}); err == nil {
		t.Fatal("NewFromConfig() with unknown type, want error")
	}
}
