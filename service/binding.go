package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/layer-3/fortress/core"
	"github.com/layer-3/fortress/ports"
)

// BindingOptions tunes the device binding manager
type BindingOptions struct {
	MaxDevices  int
	CallTimeout time.Duration
	// Relay is woken after a rebind so the termination goes out without waiting a full interval
	Relay *TerminationRelay
}

// BindingService keeps each identity bound to exactly one primary device
type BindingService struct {
	repo    ports.BindingRepository
	channel ports.NotificationChannel
	relay   *TerminationRelay

	maxDevices  int
	callTimeout time.Duration
	now         func() time.Time
}

// NewBindingService creates a new binding service
func NewBindingService(repo ports.BindingRepository, channel ports.NotificationChannel, opts BindingOptions) *BindingService {
	if opts.MaxDevices <= 0 {
		opts.MaxDevices = DefaultMaxDevices
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	return &BindingService{
		repo:        repo,
		channel:     channel,
		relay:       opts.Relay,
		maxDevices:  opts.MaxDevices,
		callTimeout: opts.CallTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func requireKeys(identityKey, deviceID string) error {
	if strings.TrimSpace(identityKey) == "" {
		return fmt.Errorf("%w: identityKey", core.ErrMissingField)
	}
	if strings.TrimSpace(deviceID) == "" {
		return fmt.Errorf("%w: deviceId", core.ErrMissingField)
	}
	return nil
}

func decide(b core.DeviceBinding, deviceID string) core.BindingCheck {
	switch {
	case b.PrimaryDeviceID == deviceID:
		return core.BindingCheck{Decision: core.DecisionMatch, PrimaryDeviceID: b.PrimaryDeviceID, Primary: true}
	case b.HasSecondary(deviceID):
		return core.BindingCheck{Decision: core.DecisionMatch, PrimaryDeviceID: b.PrimaryDeviceID}
	default:
		return core.BindingCheck{Decision: core.DecisionMismatch, PrimaryDeviceID: b.PrimaryDeviceID}
	}
}

func (s *BindingService) getBinding(ctx context.Context, identityKey string) (core.DeviceBinding, error) {
	ctx, cancel := withTimeout(ctx, s.callTimeout)
	defer cancel()

	b, err := s.repo.GetBinding(ctx, identityKey)
	return b, transient(err)
}

// Check compares deviceID with the identity's binding
func (s *BindingService) Check(ctx context.Context, identityKey, deviceID string) (core.BindingCheck, error) {
	if err := requireKeys(identityKey, deviceID); err != nil {
		return core.BindingCheck{}, err
	}

	b, err := s.getBinding(ctx, identityKey)
	if errors.Is(err, core.ErrNotFound) {
		return core.BindingCheck{Decision: core.DecisionNoBindingYet}, nil
	}
	if err != nil {
		return core.BindingCheck{}, err
	}
	return decide(b, deviceID), nil
}

// Bind makes deviceID the primary device when the identity has none yet.
// Otherwise it reports Match or Mismatch and changes nothing.
func (s *BindingService) Bind(ctx context.Context, identityKey, deviceID string) (core.BindingCheck, error) {
	check, err := s.Check(ctx, identityKey, deviceID)
	if err != nil || check.Decision != core.DecisionNoBindingYet {
		return check, err
	}

	callCtx, cancel := withTimeout(ctx, s.callTimeout)
	defer cancel()
	stored, created, err := s.repo.CreateBinding(callCtx, core.DeviceBinding{
		IdentityKey:     identityKey,
		PrimaryDeviceID: deviceID,
		AssignedAt:      s.now(),
	})
	if err != nil {
		return core.BindingCheck{}, transient(err)
	}

	if created {
		slog.Info("Primary device bound", "identityKey", identityKey, "deviceID", deviceID)
	}
	// a concurrent creator may have won; evaluate against what is stored
	return decide(stored, deviceID), nil
}

// BindWithCommitment stores commitment and, when the identity has no binding
// yet, binds deviceID as primary in the same write. A device outside the
// stored binding gets ErrDeviceMismatch and nothing is written.
func (s *BindingService) BindWithCommitment(ctx context.Context, identityKey, deviceID string, commitment core.IdentityCommitment) (core.BindingCheck, error) {
	if err := requireKeys(identityKey, deviceID); err != nil {
		return core.BindingCheck{}, err
	}

	callCtx, cancel := withTimeout(ctx, s.callTimeout)
	defer cancel()
	stored, created, err := s.repo.CommitVitalization(callCtx, core.DeviceBinding{
		IdentityKey:     identityKey,
		PrimaryDeviceID: deviceID,
		AssignedAt:      s.now(),
	}, commitment)
	if errors.Is(err, core.ErrDeviceMismatch) {
		return decide(stored, deviceID), err
	}
	if err != nil {
		return core.BindingCheck{}, transient(err)
	}

	if created {
		slog.Info("Primary device bound", "identityKey", identityKey, "deviceID", deviceID)
	}
	return decide(stored, deviceID), nil
}

// Resolve applies the user's answer to a mismatch
func (s *BindingService) Resolve(ctx context.Context, identityKey, deviceID string, outcome core.BindingOutcome) (core.BindingCheck, error) {
	if err := requireKeys(identityKey, deviceID); err != nil {
		return core.BindingCheck{}, err
	}

	current, err := s.getBinding(ctx, identityKey)
	if errors.Is(err, core.ErrNotFound) {
		return core.BindingCheck{}, core.ErrNotVitalized
	}
	if err != nil {
		return core.BindingCheck{}, err
	}

	switch outcome {
	case core.OutcomeDeny:
		slog.Info("Device binding denied", "identityKey", identityKey, "deviceID", deviceID)
		return decide(current, deviceID), nil
	case core.OutcomeAuthorizeReplace:
		return s.replacePrimary(ctx, current, deviceID)
	case core.OutcomeAddDevice:
		return s.addDevice(ctx, current, deviceID)
	default:
		return core.BindingCheck{}, core.ErrUnknownOutcome
	}
}

func (s *BindingService) replacePrimary(ctx context.Context, current core.DeviceBinding, deviceID string) (core.BindingCheck, error) {
	if current.PrimaryDeviceID == deviceID {
		return decide(current, deviceID), nil
	}

	termination := core.TerminationEvent{
		ID:          uuid.New().String(),
		DeviceID:    current.PrimaryDeviceID,
		IdentityKey: current.IdentityKey,
		Reason:      core.TerminationReasonReplaced,
		IssuedAt:    s.now(),
	}

	callCtx, cancel := withTimeout(ctx, s.callTimeout)
	defer cancel()
	updated, err := s.repo.ReplacePrimary(callCtx, current.IdentityKey, current.PrimaryDeviceID, deviceID, termination)
	switch {
	case errors.Is(err, core.ErrNotFound):
		return core.BindingCheck{}, core.ErrNotVitalized
	case err != nil:
		return core.BindingCheck{}, transient(err)
	}

	slog.Info("Primary device replaced",
		"identityKey", current.IdentityKey,
		"previous", current.PrimaryDeviceID,
		"primary", deviceID,
		"terminationID", termination.ID)

	if s.relay != nil {
		s.relay.Kick()
	}
	return decide(updated, deviceID), nil
}

func (s *BindingService) addDevice(ctx context.Context, current core.DeviceBinding, deviceID string) (core.BindingCheck, error) {
	callCtx, cancel := withTimeout(ctx, s.callTimeout)
	defer cancel()

	updated, err := s.repo.AddSecondary(callCtx, current.IdentityKey, deviceID, s.maxDevices)
	switch {
	case errors.Is(err, core.ErrNotFound):
		return core.BindingCheck{}, core.ErrNotVitalized
	case errors.Is(err, core.ErrDeviceLimitExceeded):
		return core.BindingCheck{}, fmt.Errorf("%w: at most %d devices", core.ErrDeviceLimitExceeded, s.maxDevices)
	case err != nil:
		return core.BindingCheck{}, transient(err)
	}

	slog.Info("Secondary device added", "identityKey", current.IdentityKey, "deviceID", deviceID, "devices", updated.DeviceCount())
	return decide(updated, deviceID), nil
}

// RequestTerminate tells deviceID to drop its local session. Delivery is not
// awaited; the device acts on the event when it receives it.
func (s *BindingService) RequestTerminate(ctx context.Context, deviceID, reason string) (core.TerminationEvent, error) {
	if strings.TrimSpace(deviceID) == "" {
		return core.TerminationEvent{}, fmt.Errorf("%w: deviceId", core.ErrMissingField)
	}
	if reason == "" {
		reason = core.TerminationReasonRequest
	}

	event := core.TerminationEvent{
		ID:       uuid.New().String(),
		DeviceID: deviceID,
		Reason:   reason,
		IssuedAt: s.now(),
	}

	ctx, cancel := withTimeout(ctx, s.callTimeout)
	defer cancel()
	if err := s.channel.Publish(ctx, deviceID, event); err != nil {
		return core.TerminationEvent{}, transient(err)
	}

	slog.Info("Termination requested", "deviceID", deviceID, "reason", reason, "eventID", event.ID)
	return event, nil
}

// SubscribeTerminations delivers termination events addressed to deviceID until ctx is done
func (s *BindingService) SubscribeTerminations(ctx context.Context, deviceID string, handler ports.TerminationHandler) error {
	if strings.TrimSpace(deviceID) == "" {
		return fmt.Errorf("%w: deviceId", core.ErrMissingField)
	}
	return s.channel.Subscribe(ctx, deviceID, handler)
}
