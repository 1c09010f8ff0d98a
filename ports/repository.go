package ports

import (
	"context"
	"time"

	"github.com/layer-3/fortress/core"
)

// BindingRepository persists the primary device relation of each identity
type BindingRepository interface {
	// GetBinding returns core.ErrNotFound when the identity has no binding
	GetBinding(ctx context.Context, identityKey string) (core.DeviceBinding, error)
	// CreateBinding inserts the binding if absent. created is false when a
	// binding already existed; the stored binding is returned either way.
	CreateBinding(ctx context.Context, binding core.DeviceBinding) (stored core.DeviceBinding, created bool, err error)
	// ReplacePrimary sets the new primary if the current one is still
	// expectedPrimary and enqueues termination in the same transaction.
	ReplacePrimary(ctx context.Context, identityKey, expectedPrimary, newPrimary string, termination core.TerminationEvent) (core.DeviceBinding, error)
	// AddSecondary appends deviceID while the identity has fewer than limit devices
	AddSecondary(ctx context.Context, identityKey, deviceID string, limit int) (core.DeviceBinding, error)
	// CommitVitalization inserts the binding if absent and upserts commitment
	// in one transaction. When a stored binding does not include
	// binding.PrimaryDeviceID it returns core.ErrDeviceMismatch and writes nothing.
	CommitVitalization(ctx context.Context, binding core.DeviceBinding, commitment core.IdentityCommitment) (stored core.DeviceBinding, created bool, err error)
}

// CommitmentRepository persists pillar hashes and sovereign roots
type CommitmentRepository interface {
	SaveCommitment(ctx context.Context, commitment core.IdentityCommitment) error
	GetCommitment(ctx context.Context, identityKey string) (core.IdentityCommitment, error)
}

// DeviceRegistry stores one record per derived device fingerprint
type DeviceRegistry interface {
	UpsertDevice(ctx context.Context, record core.DeviceRecord) (core.DeviceRecord, error)
	FindDevicesByIdentity(ctx context.Context, identityKey string) ([]core.DeviceRecord, error)
}

// TerminationOutbox holds termination events written together with a rebind
type TerminationOutbox interface {
	PendingTerminations(ctx context.Context, limit int) ([]core.TerminationEvent, error)
	MarkTerminationDelivered(ctx context.Context, eventID string, at time.Time) error
}

// Repository is the full persistence surface of the service
type Repository interface {
	BindingRepository
	CommitmentRepository
	DeviceRegistry
	TerminationOutbox
	Close() error
}
