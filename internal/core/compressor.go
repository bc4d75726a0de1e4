package core

import "io"

// Compressor names and implements one compression codec, identified by
// the string spec §6's filename format embeds after the volume guid/time
// segment (e.g. "zstd", "none"). Implementations live in internal/codec.
type Compressor interface {
	Name() string
	NewWriter(w io.Writer) (io.WriteCloser, error)
	NewReader(r io.Reader) (io.ReadCloser, error)
}

// CompressorRegistry resolves a codec name to its Compressor, the set
// ProbeFilename's CodecSet.Compressions is built from.
type CompressorRegistry struct {
	byName map[string]Compressor
	order  []string
}

func NewCompressorRegistry() *CompressorRegistry {
	return &CompressorRegistry{byName: make(map[string]Compressor)}
}

func (r *CompressorRegistry) Register(c Compressor) {
	if _, exists := r.byName[c.Name()]; !exists {
		r.order = append(r.order, c.Name())
	}
	r.byName[c.Name()] = c
}

func (r *CompressorRegistry) Get(name string) (Compressor, bool) {
	c, ok := r.byName[name]
	return c, ok
}

// Names returns every registered codec name in registration order, the
// candidate list filename probing cross-products against encryption
// suffixes (spec §4.10).
func (r *CompressorRegistry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
