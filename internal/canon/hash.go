package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// The version suffix leaves room for an algorithm migration.
const (
	DomainIssue    = "vigil/issue/v1"
	DomainDocument = "vigil/document/v1"
)

// hashWithDomain computes SHA256(domain || 0x00 || data).
// The null separator keeps domain and payload from running into each other.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint computes the identity key of an issue from its type, detection
// method and detail payload. Two detections with equal inputs always map to
// the same fingerprint, whatever the key order of details.
func Fingerprint(issueType, method string, details map[string]any) (string, error) {
	if details == nil {
		details = map[string]any{}
	}
	data, err := MarshalCanonical(map[string]any{
		"type":    issueType,
		"method":  method,
		"details": details,
	})
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	return hashWithDomain(DomainIssue, data), nil
}

// MustFingerprint is like Fingerprint but panics on error.
// Use only in tests or when details are known to be JSON values.
func MustFingerprint(issueType, method string, details map[string]any) string {
	id, err := Fingerprint(issueType, method, details)
	if err != nil {
		panic(err)
	}
	return id
}

// Checksum hashes an arbitrary JSON value under the document domain.
func Checksum(v any) (string, error) {
	data, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("checksum: %w", err)
	}
	return hashWithDomain(DomainDocument, data), nil
}
