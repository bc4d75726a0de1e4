package app

import (
	"log/slog"
	"path/filepath"
	"testing"

	"coldvault/internal/config"
	"coldvault/internal/testutil"
)

func TestHasPathPrefix(t *testing.T) {
	tests := []struct {
		path, prefix string
		want         bool
	}{
		{"docs/readme.md", "docs", true},
		{"docs/readme.md", "docs/readme.md", true},
		{"documents/readme.md", "docs", false},
		{"docs", "docs/readme.md", false},
		{"a/b/c", "a/b", true},
	}
	for _, tt := range tests {
		if got := hasPathPrefix(tt.path, tt.prefix); got != tt.want {
			t.Errorf("hasPathPrefix(%q, %q) = %v, want %v", tt.path, tt.prefix, got, tt.want)
		}
	}
}

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.toml")
	if err := config.Init(cfgPath, cfg); err != nil {
		t.Fatalf("config.Init() error = %v", err)
	}
	return &App{
		cfg:     cfg,
		cfgPath: cfgPath,
		fsmgr:   testutil.NewMockFilesystemManager(),
		logger:  slog.Default(),
	}
}

func TestAddDirectoryPersistsRoot(t *testing.T) {
	cfg := config.NewConfig("host1", t.TempDir())
	a := newTestApp(t, cfg)
	fsmgr := a.fsmgr.(*testutil.MockFilesystemManager)
	fsmgr.AddDirectory("/data/photos")

	abs, err := a.AddDirectory("/data/photos")
	if err != nil {
		t.Fatalf("AddDirectory() error = %v", err)
	}
	if len(a.cfg.Roots) != 1 || a.cfg.Roots[0] != abs {
		t.Fatalf("cfg.Roots = %v, want [%q]", a.cfg.Roots, abs)
	}

	// Registering the same root twice must not duplicate it.
	if _, err := a.AddDirectory("/data/photos"); err != nil {
		t.Fatalf("AddDirectory() second call error = %v", err)
	}
	if len(a.cfg.Roots) != 1 {
		t.Errorf("cfg.Roots = %v, want a single entry after re-adding the same root", a.cfg.Roots)
	}

	saved, err := config.ReadFromFile(a.cfgPath)
	if err != nil {
		t.Fatalf("ReadFromFile() error = %v", err)
	}
	if len(saved.Roots) != 1 || saved.Roots[0] != abs {
		t.Errorf("persisted Roots = %v, want [%q]", saved.Roots, abs)
	}
}

func TestRetentionPolicyParsesDurations(t *testing.T) {
	cfg := config.NewConfig("host1", t.TempDir())
	cfg.Retention = config.RetentionConfig{
		ExplicitVersions: []int{0, 2},
		KeepTime:         "720h",
		KeepVersions:     3,
		Policy: []config.RetentionTimeframe{
			{Timeframe: "168h", Interval: "24h"},
			{Timeframe: "", Interval: "168h"},
		},
		AllowFullRemoval: true,
	}
	a := newTestApp(t, cfg)

	policy, err := a.retentionPolicy()
	if err != nil {
		t.Fatalf("retentionPolicy() error = %v", err)
	}
	if !policy.ExplicitVersions[0] || !policy.ExplicitVersions[2] {
		t.Errorf("ExplicitVersions = %v, want {0,2}", policy.ExplicitVersions)
	}
	if policy.KeepTimeCutoff == nil {
		t.Fatal("KeepTimeCutoff = nil, want set")
	}
	if policy.KeepVersionsN == nil || *policy.KeepVersionsN != 3 {
		t.Errorf("KeepVersionsN = %v, want 3", policy.KeepVersionsN)
	}
	if len(policy.Timeframes) != 2 {
		t.Fatalf("Timeframes = %v, want 2 entries", policy.Timeframes)
	}
	if !policy.AllowFullRemoval {
		t.Error("AllowFullRemoval = false, want true")
	}
}

func TestRetentionPolicyRejectsBadDuration(t *testing.T) {
	cfg := config.NewConfig("host1", t.TempDir())
	cfg.Retention = config.RetentionConfig{KeepTime: "not-a-duration"}
	a := newTestApp(t, cfg)

	if _, err := a.retentionPolicy(); err == nil {
		t.Fatal("retentionPolicy() with malformed keep_time, want error")
	}
}
