package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
)

// Calculate computes the SHA-256 hash of data and returns it as a hex string.
func Calculate(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CalculateReader computes the SHA-256 hash of everything readable from r.
func CalculateReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify reports whether data hashes to expected.
func Verify(data []byte, expected string) bool {
	return Calculate(data) == expected
}
