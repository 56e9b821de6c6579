// Package checksum fingerprints file contents so watchers can tell a real
// change from a rewrite of identical bytes.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

// Prefix starts every digest returned by this package.
const Prefix = "sha256:"

// Bytes returns the digest of data as "sha256:<hex>".
func Bytes(data []byte) string {
	hash := sha256.Sum256(data)
	return Prefix + hex.EncodeToString(hash[:])
}

// File streams the file at path through SHA-256. A missing file has the
// empty digest "" and no error.
func File(path string) (string, error) {
	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return Prefix + hex.EncodeToString(hasher.Sum(nil)), nil
}
