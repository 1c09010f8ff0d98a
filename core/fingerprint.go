package core

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// VendorClass is the coarse device family derived from client metadata.
type VendorClass string

const (
	VendorSamsung VendorClass = "samsung"
	VendorApple   VendorClass = "apple"
	VendorAndroid VendorClass = "android"
	VendorUnknown VendorClass = "unknown"
)

// UniqueIDLength is the number of hex characters kept from the fingerprint digest.
const UniqueIDLength = 32

// DeviceFingerprint identifies one physical device for one identity.
type DeviceFingerprint struct {
	VendorClass VendorClass `json:"vendorClass"`
	UniqueID    string      `json:"uniqueId"`
}

// VendorRule maps client metadata to a vendor class when any of its tokens
// occurs in the metadata (case-insensitive).
type VendorRule struct {
	Class  VendorClass
	Tokens []string
}

// Matches reports whether the lowercased metadata contains one of the rule tokens.
func (r VendorRule) Matches(lowered string) bool {
	for _, token := range r.Tokens {
		if strings.Contains(lowered, token) {
			return true
		}
	}
	return false
}

// DefaultVendorRules is evaluated top to bottom; brand tokens come before the
// generic platform tokens they usually appear with.
var DefaultVendorRules = []VendorRule{
	{Class: VendorSamsung, Tokens: []string{"samsung", "sm-", "galaxy"}},
	{Class: VendorApple, Tokens: []string{"iphone", "ipad", "ipod", "macintosh", "mac os x"}},
	{Class: VendorAndroid, Tokens: []string{"pixel", "android"}},
}

// ClassifyVendor returns the class of the first matching rule, or VendorUnknown.
func ClassifyVendor(rules []VendorRule, clientMetadata string) VendorClass {
	lowered := strings.ToLower(clientMetadata)
	for _, rule := range rules {
		if rule.Matches(lowered) {
			return rule.Class
		}
	}
	return VendorUnknown
}

// DeriveFingerprint classifies clientMetadata with DefaultVendorRules and
// derives the per-identity device id.
func DeriveFingerprint(identityKey, clientMetadata string) DeviceFingerprint {
	return DeriveFingerprintWithRules(DefaultVendorRules, identityKey, clientMetadata)
}

// DeriveFingerprintWithRules is DeriveFingerprint with a caller supplied rule table.
func DeriveFingerprintWithRules(rules []VendorRule, identityKey, clientMetadata string) DeviceFingerprint {
	class := ClassifyVendor(rules, clientMetadata)
	sum := sha256.Sum256([]byte(identityKey + "|" + clientMetadata + "|" + string(class)))
	return DeviceFingerprint{
		VendorClass: class,
		UniqueID:    hex.EncodeToString(sum[:])[:UniqueIDLength],
	}
}
