package assessment

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

const digestPrefix = "sha256:"

// ContentDigest hashes the exact artifact bytes. No canonicalization is
// applied: documents differing only in key order or whitespace digest
// differently.
func ContentDigest(data []byte) string {
	sum := sha256.Sum256(data)
	return digestPrefix + hex.EncodeToString(sum[:])
}

// ConfigHash hashes the effective config. encoding/json writes map keys in
// sorted order at every depth, so equal configs always hash equally; ints
// and whole floats encode identically, which keeps values read back from
// JSON columns stable.
func ConfigHash(cfg map[string]any) (string, error) {
	if cfg == nil {
		cfg = map[string]any{}
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("hash plugin config: %w", err)
	}
	sum := sha256.Sum256(data)
	return digestPrefix + hex.EncodeToString(sum[:]), nil
}
