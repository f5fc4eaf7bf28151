package pakcache

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/zeebo/blake3"
)

var ErrUnknownVersionFormat = errors.New("unknown version format")

const (
	VersionPrefixSHA1   = "SHA1:"
	VersionPrefixBLAKE3 = "BLAKE3:"
)

// IsHashVersion reports whether a file version carries a content hash that VerifyFile can check.
func IsHashVersion(version string) bool {
	_, _, err := hasherFor(version)
	return err == nil
}

func hasherFor(version string) (hash.Hash, string, error) {
	switch {
	case strings.HasPrefix(version, VersionPrefixSHA1):
		return sha1.New(), version[len(VersionPrefixSHA1):], nil
	case strings.HasPrefix(version, VersionPrefixBLAKE3):
		return blake3.New(), version[len(VersionPrefixBLAKE3):], nil
	default:
		return nil, "", ErrUnknownVersionFormat
	}
}

// Version formats a digest the way manifests carry it, e.g. "SHA1:0A1B...".
func Version(prefix string, digest []byte) string {
	return prefix + strings.ToUpper(hex.EncodeToString(digest))
}

// VerifyFile hashes the file at path and compares the digest with the one encoded in version.
// Hex digits are compared case-insensitively. It returns ErrUnknownVersionFormat for versions
// that don't carry a supported hash.
func VerifyFile(path string, version string) (bool, error) {
	h, want, err := hasherFor(version)
	if err != nil {
		return false, err
	}

	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		return false, fmt.Errorf("hashing %s: %w", path, err)
	}

	return strings.EqualFold(hex.EncodeToString(h.Sum(nil)), want), nil
}

// Verify checks a cached file against its version.
func (c *Cache) Verify(name string, version string) (bool, error) {
	path, err := c.Path(name)
	if err != nil {
		return false, err
	}
	return VerifyFile(path, version)
}
