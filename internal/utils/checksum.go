package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

const checksumDomainPrefix = "graphsync/entity/v1/"

// ContentChecksum hashes the canonical JSON form of data with the entity type
// as domain separator: SHA256(domain + 0x00 + json).
func ContentChecksum(entityType string, data map[string]any) (string, error) {
	canonical, err := CanonicalJSON(data)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize content: %w", err)
	}
	return hashWithDomain(checksumDomainPrefix+entityType, canonical), nil
}

func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// CanonicalJSON marshals v after normalizing it, so values read back from
// either store encode identically. encoding/json sorts map keys.
func CanonicalJSON(v map[string]any) ([]byte, error) {
	if v == nil {
		v = map[string]any{}
	}
	normalized, err := NormalizeJSON(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(normalized)
}

// NormalizeJSON round-trips v through encoding/json so every number becomes
// float64 and every nested object becomes map[string]any.
func NormalizeJSON(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}
	out := map[string]any{}
	if string(raw) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal value: %w", err)
	}
	return out, nil
}

// DecodeObject parses a JSON object payload.
func DecodeObject(raw []byte) (map[string]any, error) {
	out := map[string]any{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func TruncateError(msg string) string {
	if len(msg) > 500 {
		return msg[:500]
	}
	return msg
}
