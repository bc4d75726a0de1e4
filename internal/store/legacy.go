package store

import (
	"crypto/rc4"
	"database/sql"
	"fmt"
	"io"
	"os"
)

// legacyRC4Marker is the byte sequence a pre-encryption-rewrite build
// wrote as the first 8 bytes of an RC4-encrypted database file, before
// the age-based encryptor replaced it.
var legacyRC4Marker = []byte("BTIDXRC4")

// IsLegacyRC4Encrypted reports whether the file at path starts with the
// marker a legacy RC4-encrypted database was written with.
func IsLegacyRC4Encrypted(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	header := make([]byte, len(legacyRC4Marker))
	n, err := io.ReadFull(f, header)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return false, fmt.Errorf("reading header of %s: %w", path, err)
	}
	return n == len(legacyRC4Marker) && string(header) == string(legacyRC4Marker), nil
}

// DecryptLegacyRC4 rewrites the RC4-encrypted database at path in place as
// a plain SQLite file, using passphrase as the RC4 key. It exists solely
// to let a database created by a build old enough to predate the
// age-based encryptor be opened by this one; new databases are never
// written this way.
//
// After decrypting it opens the result and runs a SELECT COUNT(*) FROM
// sqlite_master smoke test, refusing to leave a corrupt file in place if
// the passphrase was wrong.
func DecryptLegacyRC4(path, passphrase string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if len(raw) < len(legacyRC4Marker) || string(raw[:len(legacyRC4Marker)]) != string(legacyRC4Marker) {
		return fmt.Errorf("%s is not a legacy RC4-encrypted database", path)
	}
	ciphertext := raw[len(legacyRC4Marker):]

	cipher, err := rc4.NewCipher([]byte(passphrase))
	if err != nil {
		return fmt.Errorf("creating RC4 cipher: %w", err)
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.XORKeyStream(plaintext, ciphertext)

	tmpPath := path + ".decrypting"
	if err := os.WriteFile(tmpPath, plaintext, 0600); err != nil {
		return fmt.Errorf("writing decrypted database: %w", err)
	}

	if err := smokeTestSQLite(tmpPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("decrypted database failed smoke test, wrong passphrase?: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing %s with decrypted copy: %w", path, err)
	}
	return nil
}

// smokeTestSQLite runs the minimal query spec §4.9 relies on to detect a
// database that decrypted to garbage rather than valid SQLite pages.
func smokeTestSQLite(path string) error {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return err
	}
	defer db.Close()

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master").Scan(&count); err != nil {
		return err
	}
	return nil
}
