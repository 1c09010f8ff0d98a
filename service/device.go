package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/layer-3/fortress/core"
	"github.com/layer-3/fortress/ports"
)

// DeviceService derives device fingerprints and keeps the device registry
type DeviceService struct {
	registry    ports.DeviceRegistry
	rules       []core.VendorRule
	callTimeout time.Duration
	now         func() time.Time
}

// NewDeviceService creates a new device service using the default vendor rules
func NewDeviceService(registry ports.DeviceRegistry, callTimeout time.Duration) *DeviceService {
	return &DeviceService{
		registry:    registry,
		rules:       core.DefaultVendorRules,
		callTimeout: callTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Handshake derives the fingerprint of the calling device and records it
func (s *DeviceService) Handshake(ctx context.Context, identityKey, clientMetadata string) (core.DeviceFingerprint, error) {
	if strings.TrimSpace(identityKey) == "" {
		return core.DeviceFingerprint{}, fmt.Errorf("%w: identityKey", core.ErrMissingField)
	}

	fp := core.DeriveFingerprintWithRules(s.rules, identityKey, clientMetadata)

	ctx, cancel := withTimeout(ctx, s.callTimeout)
	defer cancel()
	rec, err := s.registry.UpsertDevice(ctx, core.DeviceRecord{
		IdentityKey:    identityKey,
		UniqueID:       fp.UniqueID,
		VendorClass:    fp.VendorClass,
		ClientMetadata: clientMetadata,
		LastSeenAt:     s.now(),
	})
	if err != nil {
		return core.DeviceFingerprint{}, transient(err)
	}

	slog.Debug("Device handshake", "identityKey", identityKey, "uniqueID", fp.UniqueID, "vendor", fp.VendorClass, "firstSeenAt", rec.FirstSeenAt)
	return fp, nil
}

// Devices lists the devices seen for identityKey
func (s *DeviceService) Devices(ctx context.Context, identityKey string) ([]core.DeviceRecord, error) {
	if strings.TrimSpace(identityKey) == "" {
		return nil, fmt.Errorf("%w: identityKey", core.ErrMissingField)
	}

	ctx, cancel := withTimeout(ctx, s.callTimeout)
	defer cancel()
	records, err := s.registry.FindDevicesByIdentity(ctx, identityKey)
	if err != nil {
		return nil, transient(err)
	}
	return records, nil
}
