package core

import "time"

// BindingDecision is the result of comparing a device with an identity's binding.
type BindingDecision string

const (
	DecisionMatch        BindingDecision = "match"
	DecisionNoBindingYet BindingDecision = "no_binding_yet"
	DecisionMismatch     BindingDecision = "mismatch"
)

// BindingOutcome is the user's answer to a mismatch.
type BindingOutcome string

const (
	OutcomeAuthorizeReplace BindingOutcome = "authorize_replace"
	OutcomeAddDevice        BindingOutcome = "add_device"
	OutcomeDeny             BindingOutcome = "deny"
)

// ParseBindingOutcome validates a client supplied outcome.
func ParseBindingOutcome(s string) (BindingOutcome, error) {
	switch o := BindingOutcome(s); o {
	case OutcomeAuthorizeReplace, OutcomeAddDevice, OutcomeDeny:
		return o, nil
	}
	return "", ErrUnknownOutcome
}

// DeviceBinding is the single primary device relation of an identity.
// SecondaryDevices holds devices added without replacing the primary.
type DeviceBinding struct {
	IdentityKey      string    `json:"identityKey"`
	PrimaryDeviceID  string    `json:"primaryDeviceId"`
	SecondaryDevices []string  `json:"secondaryDevices,omitempty"`
	AssignedAt       time.Time `json:"assignedAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// DeviceCount is the number of devices authorized for the identity.
func (b DeviceBinding) DeviceCount() int {
	return 1 + len(b.SecondaryDevices)
}

// HasSecondary reports whether deviceID was added as a secondary device.
func (b DeviceBinding) HasSecondary(deviceID string) bool {
	for _, d := range b.SecondaryDevices {
		if d == deviceID {
			return true
		}
	}
	return false
}

// BindingCheck is the decision for one (identity, device) pair.
type BindingCheck struct {
	Decision        BindingDecision `json:"decision"`
	PrimaryDeviceID string          `json:"primaryDeviceId,omitempty"`
	Primary         bool            `json:"primary"`
}

// DeviceRecord is the registry entry written on every device handshake.
type DeviceRecord struct {
	IdentityKey    string      `json:"identityKey"`
	UniqueID       string      `json:"uniqueId"`
	VendorClass    VendorClass `json:"vendorClass"`
	ClientMetadata string      `json:"clientMetadata"`
	FirstSeenAt    time.Time   `json:"firstSeenAt"`
	LastSeenAt     time.Time   `json:"lastSeenAt"`
}

// IdentityCommitment is the pillar set and sovereign root of a completed pipeline run.
type IdentityCommitment struct {
	IdentityKey   string                `json:"identityKey"`
	Scheme        Scheme                `json:"scheme"`
	Pillars       map[PillarKind]string `json:"pillars"`
	SovereignRoot string                `json:"sovereignRoot"`
	CommittedAt   time.Time             `json:"committedAt"`
}
