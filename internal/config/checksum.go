package config

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/zeebo/blake3"
)

// checksumSuffix names the sidecar written next to the document.
const checksumSuffix = ".b3sum"

// ComputeChecksum returns the hex BLAKE3 hash of data.
func ComputeChecksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// WriteChecksum writes the sidecar checksum file for the document at path.
func WriteChecksum(path string, data []byte) error {
	sum := ComputeChecksum(data)
	if err := os.WriteFile(path+checksumSuffix, []byte(sum+"\n"), 0o600); err != nil {
		return fmt.Errorf("write checksum: %w", err)
	}
	return nil
}

// VerifyChecksum compares the document bytes at path against its sidecar.
// A missing sidecar is not an error (documents predating checksums); a
// mismatch is, so callers can warn about out-of-band edits.
func VerifyChecksum(path string, data []byte) error {
	raw, err := os.ReadFile(path + checksumSuffix)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read checksum: %w", err)
	}

	expected := string(raw)
	if n := len(expected); n > 0 && expected[n-1] == '\n' {
		expected = expected[:n-1]
	}

	if actual := ComputeChecksum(data); actual != expected {
		return fmt.Errorf("checksum mismatch for %s: expected %s, got %s", path, expected, actual)
	}
	return nil
}
