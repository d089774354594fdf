package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

// FingerprintLen is the length of a hex-encoded content fingerprint.
const FingerprintLen = sha256.Size * 2

// HashReader streams r through SHA-256 and returns the hex digest.
// Only read errors from r are returned.
func HashReader(r io.Reader) (string, error) {
	hash := sha256.New()
	if _, err := io.Copy(hash, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// CalculateFileSHA256 computes the SHA-256 hash of a file's content.
func CalculateFileSHA256(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	return HashReader(file)
}
