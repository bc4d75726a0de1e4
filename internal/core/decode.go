package core

import (
	"bytes"
	"fmt"
	"io"
)

// DecodeVolume reverses BackupSession.compressAndEncrypt for a downloaded
// volume: decrypt (if the filename's encryption suffix says to) then
// decompress using the codec its filename names. Shared by RestoreSession
// and RecreateEngine, both of which only ever see a volume's bytes after
// Backend.Get has already fetched them whole.
func DecodeVolume(name string, raw []byte, compressor CompressorRegistry, encryptor Encryptor, passphrase string) ([]byte, error) {
	vf, err := ParseFilename(name)
	if err != nil {
		return nil, fmt.Errorf("parsing volume filename %s: %w", name, err)
	}

	plain := raw
	if vf.Encryption != "" {
		if encryptor == nil {
			return nil, fmt.Errorf("%s is encrypted but no encryptor is configured", name)
		}
		ctx, err := encryptor.Unlock(passphrase)
		if err != nil {
			return nil, fmt.Errorf("unlocking encryptor: %w", err)
		}
		var decrypted bytes.Buffer
		if err := ctx.Decrypt(bytes.NewReader(plain), &decrypted); err != nil {
			return nil, fmt.Errorf("decrypting %s: %w", name, err)
		}
		plain = decrypted.Bytes()
	}

	codec, ok := compressor.Get(vf.Compression)
	if !ok {
		return nil, fmt.Errorf("unknown compression codec %q for %s", vf.Compression, name)
	}
	cr, err := codec.NewReader(bytes.NewReader(plain))
	if err != nil {
		return nil, fmt.Errorf("decompressing %s: %w", name, err)
	}
	defer cr.Close()
	return io.ReadAll(cr)
}
