package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes keep digests of different kinds of values apart.
const (
	DomainState    = "roomsync/state/v1"
	DomainSnapshot = "roomsync/snapshot/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Digest returns the hex digest of v's canonical encoding under domain.
func Digest(domain string, v any) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", fmt.Errorf("digest: %w", err)
	}
	return hashWithDomain(domain, data), nil
}

// StateDigest is Digest under DomainState.
func StateDigest(v any) (string, error) {
	return Digest(DomainState, v)
}

// Equal reports whether a and b have identical canonical encodings.
func Equal(a, b any) (bool, error) {
	da, err := Marshal(a)
	if err != nil {
		return false, err
	}
	db, err := Marshal(b)
	if err != nil {
		return false, err
	}
	return string(da) == string(db), nil
}
