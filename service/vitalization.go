package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/layer-3/fortress/core"
	"github.com/layer-3/fortress/ports"
)

// DeviceBinder checks a device against the identity's binding and persists
// the binding together with the commitment of a finished run
type DeviceBinder interface {
	Check(ctx context.Context, identityKey, deviceID string) (core.BindingCheck, error)
	BindWithCommitment(ctx context.Context, identityKey, deviceID string, commitment core.IdentityCommitment) (core.BindingCheck, error)
}

// VitalizeRequest carries the pillar hashes captured by the client
type VitalizeRequest struct {
	IdentityKey     string
	DeviceID        string
	FaceHash        string
	DeviceHash      string
	PalmHash        string
	PhoneAnchorHash string
	Phone           string
}

// VitalizeResult describes where a vitalization attempt ended
type VitalizeResult struct {
	SessionID     string
	State         core.PipelineState
	Scheme        core.Scheme
	SovereignRoot string
	Binding       core.BindingCheck
	History       []core.Transition
}

// VitalizationService drives one identity pipeline run per request
type VitalizationService struct {
	binder      DeviceBinder
	commitments ports.CommitmentRepository
	callTimeout time.Duration
	now         func() time.Time
}

// NewVitalizationService creates a new vitalization service
func NewVitalizationService(binder DeviceBinder, commitments ports.CommitmentRepository, callTimeout time.Duration) *VitalizationService {
	return &VitalizationService{
		binder:      binder,
		commitments: commitments,
		callTimeout: callTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Vitalize walks the pipeline from face scan to a persisted sovereign root.
// The binding and the commitment are written together at the end, so a run
// that fails leaves no binding behind. Any failure leaves the session in
// StateError; the result is returned in both cases.
func (s *VitalizationService) Vitalize(ctx context.Context, req VitalizeRequest) (VitalizeResult, error) {
	session := core.NewIdentitySession(uuid.New().String(), req.IdentityKey)
	result := VitalizeResult{SessionID: session.ID}

	finish := func(err error) (VitalizeResult, error) {
		if err != nil {
			if failErr := session.Fail(err); failErr != nil {
				slog.Error("Failed to fail pipeline", "sessionID", session.ID, "error", failErr)
			}
			slog.Warn("Vitalization failed", "sessionID", session.ID, "identityKey", req.IdentityKey, "state", session.State(), "error", err)
		}
		result.State = session.State()
		result.History = session.History()
		return result, err
	}

	if err := session.Advance(core.StateFaceScanning); err != nil {
		return finish(err)
	}
	if err := requireKeys(req.IdentityKey, req.DeviceID); err != nil {
		return finish(err)
	}
	face, err := core.NormalizePillarHash(req.FaceHash)
	if err != nil {
		return finish(fmt.Errorf("face: %w", err))
	}

	if err := session.Advance(core.StateFaceVerified); err != nil {
		return finish(err)
	}

	if err := session.Advance(core.StateDeviceBinding); err != nil {
		return finish(err)
	}
	check, err := s.binder.Check(ctx, req.IdentityKey, req.DeviceID)
	if err != nil {
		return finish(err)
	}
	result.Binding = check
	if check.Decision == core.DecisionMismatch {
		return finish(core.ErrDeviceMismatch)
	}

	if err := session.Advance(core.StateHashGeneration); err != nil {
		return finish(err)
	}
	scheme, pillars, err := collectPillars(face, req)
	if err != nil {
		return finish(err)
	}
	root, err := rootFor(scheme, pillars)
	if err != nil {
		return finish(err)
	}

	commitment := core.IdentityCommitment{
		IdentityKey:   req.IdentityKey,
		Scheme:        scheme,
		Pillars:       pillars,
		SovereignRoot: root,
		CommittedAt:   s.now(),
	}
	check, err = s.binder.BindWithCommitment(ctx, req.IdentityKey, req.DeviceID, commitment)
	result.Binding = check
	if err != nil {
		return finish(err)
	}

	if err := session.Advance(core.StateCompleted); err != nil {
		return finish(err)
	}
	result.Scheme = scheme
	result.SovereignRoot = root

	slog.Info("Identity vitalized", "identityKey", req.IdentityKey, "scheme", scheme, "sessionID", session.ID)
	return finish(nil)
}

// Commitment returns the stored commitment of identityKey
func (s *VitalizationService) Commitment(ctx context.Context, identityKey string) (core.IdentityCommitment, error) {
	ctx, cancel := withTimeout(ctx, s.callTimeout)
	defer cancel()

	c, err := s.commitments.GetCommitment(ctx, identityKey)
	return c, transient(err)
}

// collectPillars picks the scheme from the supplied hashes. A palm hash
// selects the triple pillar scheme; otherwise face and device are combined.
func collectPillars(face string, req VitalizeRequest) (core.Scheme, map[core.PillarKind]string, error) {
	pillars := map[core.PillarKind]string{core.PillarFace: face}

	if strings.TrimSpace(req.PalmHash) != "" {
		palm, err := core.NormalizePillarHash(req.PalmHash)
		if err != nil {
			return "", nil, fmt.Errorf("palm: %w", err)
		}

		anchor := req.PhoneAnchorHash
		if strings.TrimSpace(anchor) == "" {
			anchor, err = core.IdentityAnchorHash(req.Phone, req.DeviceID)
			if err != nil {
				return "", nil, fmt.Errorf("phone anchor: %w", err)
			}
		}
		anchor, err = core.NormalizePillarHash(anchor)
		if err != nil {
			return "", nil, fmt.Errorf("phone anchor: %w", err)
		}

		pillars[core.PillarPalm] = palm
		pillars[core.PillarPhoneAnchor] = anchor
		return core.SchemeTriplePillar, pillars, nil
	}

	device, err := core.NormalizePillarHash(req.DeviceHash)
	if err != nil {
		return "", nil, fmt.Errorf("device: %w", err)
	}
	pillars[core.PillarDevice] = device
	return core.SchemeFaceDevice, pillars, nil
}

func rootFor(scheme core.Scheme, p map[core.PillarKind]string) (string, error) {
	switch scheme {
	case core.SchemeTriplePillar:
		return core.SovereignRoot(p[core.PillarFace], p[core.PillarPalm], p[core.PillarPhoneAnchor])
	case core.SchemeFaceDevice:
		return core.FaceDeviceRoot(p[core.PillarFace], p[core.PillarDevice])
	default:
		return "", fmt.Errorf("%w: unknown scheme %q", core.ErrValidation, scheme)
	}
}
