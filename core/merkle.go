package core

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// PillarHashLength is the hex length of a SHA-256 digest.
const PillarHashLength = 64

// PillarKind names the factor a pillar hash was captured from.
type PillarKind string

const (
	PillarFace        PillarKind = "face"
	PillarDevice      PillarKind = "device"
	PillarPalm        PillarKind = "palm"
	PillarPhoneAnchor PillarKind = "phone_anchor"
)

// Scheme names a fixed leaf order for a sovereign root.
type Scheme string

const (
	// SchemeFaceDevice is (face, device).
	SchemeFaceDevice Scheme = "face_device"
	// SchemeTriplePillar is (face, palm, phone_anchor).
	SchemeTriplePillar Scheme = "triple_pillar"
)

// NormalizePillarHash trims and lowercases h and checks it is 64 hex characters.
func NormalizePillarHash(h string) (string, error) {
	n := strings.ToLower(strings.TrimSpace(h))
	if len(n) != PillarHashLength {
		return "", ErrInvalidPillar
	}
	for i := 0; i < len(n); i++ {
		c := n[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", ErrInvalidPillar
		}
	}
	return n, nil
}

// HashHex returns the lowercase hex SHA-256 of s.
func HashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// ComputeRoot folds the ordered leaves into a Merkle root. Parents hash the
// concatenated hex strings of their children, not the raw digest bytes; roots
// already persisted depend on that convention. Odd levels duplicate their last
// node.
func ComputeRoot(leaves []string) (string, error) {
	if len(leaves) == 0 {
		return "", ErrEmptyLeaves
	}

	level := make([]string, len(leaves))
	for i, leaf := range leaves {
		n, err := NormalizePillarHash(leaf)
		if err != nil {
			return "", err
		}
		level[i] = n
	}

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]string, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, HashHex(level[i]+level[i+1]))
		}
		level = next
	}

	return level[0], nil
}

// SovereignRoot combines face, palm and phone anchor pillars, in that order.
func SovereignRoot(face, palm, phoneAnchor string) (string, error) {
	return ComputeRoot([]string{face, palm, phoneAnchor})
}

// FaceDeviceRoot combines the face and device pillars, in that order.
func FaceDeviceRoot(face, device string) (string, error) {
	return ComputeRoot([]string{face, device})
}

// identityAnchorSeparator is the ASCII unit separator.
const identityAnchorSeparator = "\x1f"

// IdentityAnchorHash derives the phone anchor pillar from a phone number and a device id.
func IdentityAnchorHash(phone, deviceID string) (string, error) {
	p := strings.TrimSpace(phone)
	d := strings.TrimSpace(deviceID)
	if p == "" || d == "" {
		return "", ErrMissingField
	}
	return HashHex(p + identityAnchorSeparator + d), nil
}
