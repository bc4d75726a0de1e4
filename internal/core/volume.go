package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"coldvault/internal/model"
)

// filenameTimeLayout is the ISO8601 form remote filenames embed,
// stripped of separators so the name itself stays filesystem-safe.
const filenameTimeLayout = "20060102T150405Z"

// typeCode is the single-letter volume type code spec §6 embeds in a
// remote filename: b (blocks), i (index), f (file-list).
func typeCode(t model.VolumeType) (byte, error) {
	switch t {
	case model.VolumeBlocks:
		return 'b', nil
	case model.VolumeIndex:
		return 'i', nil
	case model.VolumeFiles:
		return 'f', nil
	default:
		return 0, fmt.Errorf("unknown volume type %q", t)
	}
}

func typeFromCode(c byte) (model.VolumeType, error) {
	switch c {
	case 'b':
		return model.VolumeBlocks, nil
	case 'i':
		return model.VolumeIndex, nil
	case 'f':
		return model.VolumeFiles, nil
	default:
		return "", fmt.Errorf("unknown volume type code %q", c)
	}
}

// VolumeFilename is the parsed form of a remote object name, spec §6:
// "<prefix>-<type><guid>-<ISO8601 time>.<compression>[.<encryption>]".
type VolumeFilename struct {
	Prefix      string
	Type        model.VolumeType
	GUID        uuid.UUID
	Time        time.Time
	Compression string
	Encryption  string // empty if unencrypted
}

// GenerateFilename renders f in the canonical bit-exact form.
func GenerateFilename(f VolumeFilename) (string, error) {
	code, err := typeCode(f.Type)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s-%c%s-%s.%s",
		f.Prefix, code, f.GUID.String(), f.Time.UTC().Format(filenameTimeLayout), f.Compression)
	if f.Encryption != "" {
		name += "." + f.Encryption
	}
	return name, nil
}

// ParseFilename inverts GenerateFilename. It fails closed: any deviation
// from the exact "<prefix>-<t><guid>-<time>.<comp>[.<enc>]" shape is an
// error rather than a best-effort partial parse, since a mis-parsed
// remote filename can silently misfile a volume.
func ParseFilename(name string) (VolumeFilename, error) {
	rest := name
	lastDash := strings.LastIndex(rest, "-")
	if lastDash < 0 {
		return VolumeFilename{}, fmt.Errorf("parsing filename %q: missing time separator", name)
	}
	head, tail := rest[:lastDash], rest[lastDash+1:]

	typeSep := strings.LastIndex(head, "-")
	if typeSep < 0 {
		return VolumeFilename{}, fmt.Errorf("parsing filename %q: missing type separator", name)
	}
	prefix, typeAndGUID := head[:typeSep], head[typeSep+1:]
	if len(typeAndGUID) < 1 {
		return VolumeFilename{}, fmt.Errorf("parsing filename %q: empty type/guid segment", name)
	}
	vtype, err := typeFromCode(typeAndGUID[0])
	if err != nil {
		return VolumeFilename{}, fmt.Errorf("parsing filename %q: %w", name, err)
	}
	guid, err := uuid.Parse(typeAndGUID[1:])
	if err != nil {
		return VolumeFilename{}, fmt.Errorf("parsing filename %q: bad guid: %w", name, err)
	}

	parts := strings.SplitN(tail, ".", 3)
	if len(parts) < 2 {
		return VolumeFilename{}, fmt.Errorf("parsing filename %q: missing compression suffix", name)
	}
	ts, err := time.Parse(filenameTimeLayout, parts[0])
	if err != nil {
		return VolumeFilename{}, fmt.Errorf("parsing filename %q: bad timestamp: %w", name, err)
	}

	f := VolumeFilename{
		Prefix:      prefix,
		Type:        vtype,
		GUID:        guid,
		Time:        ts.UTC(),
		Compression: parts[1],
	}
	if len(parts) == 3 {
		f.Encryption = parts[2]
	}
	return f, nil
}

// CodecSet is the cross-product of loaded compression/encryption modules
// filename probing tries, spec §4.10.
type CodecSet struct {
	Compressions []string
	Encryptions  []string // callers should include "" for unencrypted
}

// ProbeFilename tries every (comp', enc') combination in codecs against
// the parsed form of name, regenerating the canonical filename for each
// and asking lookup whether a RemoteVolume by that name exists. lookup
// returns (id, true) on a hit. The first hit wins; if none hit, returns
// (-1, name) unchanged, per spec §4.10.
func ProbeFilename(name string, codecs CodecSet, lookup func(candidate string) (int64, bool)) (int64, string) {
	parsed, err := ParseFilename(name)
	if err != nil {
		return -1, name
	}

	for _, comp := range codecs.Compressions {
		for _, enc := range codecs.Encryptions {
			candidate := parsed
			candidate.Compression = comp
			candidate.Encryption = enc
			generated, err := GenerateFilename(candidate)
			if err != nil {
				continue
			}
			if id, ok := lookup(generated); ok {
				return id, generated
			}
		}
	}
	return -1, name
}
