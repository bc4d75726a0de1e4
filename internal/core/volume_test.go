package core

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"coldvault/internal/model"
)

func TestFilenameRoundTrip(t *testing.T) {
	f := VolumeFilename{
		Prefix:      "coldvault",
		Type:        model.VolumeBlocks,
		GUID:        uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		Time:        time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Compression: "zstd",
		Encryption:  "age",
	}
	name, err := GenerateFilename(f)
	if err != nil {
		t.Fatalf("GenerateFilename() error = %v", err)
	}

	got, err := ParseFilename(name)
	if err != nil {
		t.Fatalf("ParseFilename(%q) error = %v", name, err)
	}
	if got != f {
		t.Errorf("ParseFilename(%q) = %+v, want %+v", name, got, f)
	}
}

func TestFilenameRoundTripUnencrypted(t *testing.T) {
	f := VolumeFilename{
		Prefix:      "cv",
		Type:        model.VolumeFiles,
		GUID:        uuid.MustParse("22222222-2222-2222-2222-222222222222"),
		Time:        time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		Compression: "none",
	}
	name, err := GenerateFilename(f)
	if err != nil {
		t.Fatalf("GenerateFilename() error = %v", err)
	}
	got, err := ParseFilename(name)
	if err != nil {
		t.Fatalf("ParseFilename(%q) error = %v", name, err)
	}
	if got.Encryption != "" {
		t.Errorf("Encryption = %q, want empty", got.Encryption)
	}
	if got != f {
		t.Errorf("ParseFilename(%q) = %+v, want %+v", name, got, f)
	}
}

func TestParseFilenameRejectsGarbage(t *testing.T) {
	cases := []string{
		"nodashesatall",
		"prefix-time.zstd",
		"prefix-xguid-20260102T030405Z.zstd",
		"prefix-bnotaguid-20260102T030405Z.zstd",
		"prefix-b" + uuid.New().String() + "-notatime.zstd",
	}
	for _, name := range cases {
		if _, err := ParseFilename(name); err == nil {
			t.Errorf("ParseFilename(%q), want error", name)
		}
	}
}

func TestProbeFilenameFindsMatch(t *testing.T) {
	guid := uuid.New()
	orig := VolumeFilename{
		Prefix: "cv", Type: model.VolumeBlocks, GUID: guid,
		Time: time.Now().UTC(), Compression: "zstd", Encryption: "age",
	}
	name, err := GenerateFilename(orig)
	if err != nil {
		t.Fatalf("GenerateFilename() error = %v", err)
	}

	// The registry only knows the "none"/no-encryption variant.
	known := VolumeFilename{Prefix: orig.Prefix, Type: orig.Type, GUID: orig.GUID, Time: orig.Time, Compression: "none"}
	knownName, err := GenerateFilename(known)
	if err != nil {
		t.Fatalf("GenerateFilename() error = %v", err)
	}

	codecs := CodecSet{Compressions: []string{"zstd", "none"}, Encryptions: []string{"age", ""}}
	id, generated := ProbeFilename(name, codecs, func(candidate string) (int64, bool) {
		if candidate == knownName {
			return 7, true
		}
		return 0, false
	})
	if id != 7 || generated != knownName {
		t.Errorf("ProbeFilename() = (%d, %q), want (7, %q)", id, generated, knownName)
	}
}

func TestProbeFilenameNoMatch(t *testing.T) {
	name := "cv-b" + uuid.New().String() + "-20260102T030405Z.zstd"
	id, generated := ProbeFilename(name, CodecSet{Compressions: []string{"none"}, Encryptions: []string{""}}, func(string) (int64, bool) {
		return 0, false
	})
	if id != -1 || generated != name {
		t.Errorf("ProbeFilename() = (%d, %q), want (-1, %q)", id, generated, name)
	}
}
