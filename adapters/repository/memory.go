package repository

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/layer-3/fortress/core"
	"github.com/layer-3/fortress/ports"
)

// MemoryRepository implements Repository using in-memory maps. One mutex
// guards every table so rebinding and its outbox write are one critical section.
// The outbox only holds undelivered events.
type MemoryRepository struct {
	mu          sync.Mutex
	bindings    map[string]core.DeviceBinding
	commitments map[string]core.IdentityCommitment
	devices     map[string]map[string]core.DeviceRecord
	outbox      []core.TerminationEvent
	now         func() time.Time
}

// NewMemoryRepository creates a new in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		bindings:    make(map[string]core.DeviceBinding),
		commitments: make(map[string]core.IdentityCommitment),
		devices:     make(map[string]map[string]core.DeviceRecord),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func copyBinding(b core.DeviceBinding) core.DeviceBinding {
	if b.SecondaryDevices != nil {
		b.SecondaryDevices = append([]string(nil), b.SecondaryDevices...)
	}
	return b
}

// GetBinding returns the identity's binding
func (r *MemoryRepository) GetBinding(ctx context.Context, identityKey string) (core.DeviceBinding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bindings[identityKey]
	if !ok {
		return core.DeviceBinding{}, core.ErrNotFound
	}
	return copyBinding(b), nil
}

// CreateBinding stores binding unless the identity already has one
func (r *MemoryRepository) CreateBinding(ctx context.Context, binding core.DeviceBinding) (core.DeviceBinding, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, created := r.createBinding(binding)
	return copyBinding(stored), created, nil
}

func (r *MemoryRepository) createBinding(binding core.DeviceBinding) (core.DeviceBinding, bool) {
	if existing, ok := r.bindings[binding.IdentityKey]; ok {
		return existing, false
	}

	now := r.now()
	if binding.AssignedAt.IsZero() {
		binding.AssignedAt = now
	}
	binding.UpdatedAt = now
	binding.SecondaryDevices = nil
	r.bindings[binding.IdentityKey] = binding

	slog.Debug("Binding created", "identityKey", binding.IdentityKey, "primary", binding.PrimaryDeviceID)
	return binding, true
}

// CommitVitalization creates the binding if absent and stores the commitment,
// both under one lock. Nothing is written when the stored binding does not
// include binding.PrimaryDeviceID.
func (r *MemoryRepository) CommitVitalization(ctx context.Context, binding core.DeviceBinding, commitment core.IdentityCommitment) (core.DeviceBinding, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	deviceID := binding.PrimaryDeviceID
	if existing, ok := r.bindings[binding.IdentityKey]; ok {
		if existing.PrimaryDeviceID != deviceID && !existing.HasSecondary(deviceID) {
			return copyBinding(existing), false, core.ErrDeviceMismatch
		}
	}

	stored, created := r.createBinding(binding)
	r.saveCommitment(commitment)
	return copyBinding(stored), created, nil
}

// ReplacePrimary swaps the primary device and enqueues termination
func (r *MemoryRepository) ReplacePrimary(ctx context.Context, identityKey, expectedPrimary, newPrimary string, termination core.TerminationEvent) (core.DeviceBinding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bindings[identityKey]
	if !ok {
		return core.DeviceBinding{}, core.ErrNotFound
	}
	if b.PrimaryDeviceID != expectedPrimary {
		return core.DeviceBinding{}, core.ErrBindingConflict
	}

	now := r.now()
	secondaries := make([]string, 0, len(b.SecondaryDevices))
	for _, d := range b.SecondaryDevices {
		if d != newPrimary {
			secondaries = append(secondaries, d)
		}
	}
	b.PrimaryDeviceID = newPrimary
	b.SecondaryDevices = secondaries
	b.AssignedAt = now
	b.UpdatedAt = now
	r.bindings[identityKey] = b
	r.outbox = append(r.outbox, termination)

	return copyBinding(b), nil
}

// AddSecondary appends deviceID to the identity's secondary devices
func (r *MemoryRepository) AddSecondary(ctx context.Context, identityKey, deviceID string, limit int) (core.DeviceBinding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bindings[identityKey]
	if !ok {
		return core.DeviceBinding{}, core.ErrNotFound
	}
	if b.PrimaryDeviceID == deviceID || b.HasSecondary(deviceID) {
		return copyBinding(b), nil
	}
	if b.DeviceCount() >= limit {
		return core.DeviceBinding{}, core.ErrDeviceLimitExceeded
	}

	b = copyBinding(b)
	b.SecondaryDevices = append(b.SecondaryDevices, deviceID)
	b.UpdatedAt = r.now()
	r.bindings[identityKey] = b
	return copyBinding(b), nil
}

// SaveCommitment stores the identity's latest commitment
func (r *MemoryRepository) SaveCommitment(ctx context.Context, commitment core.IdentityCommitment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.saveCommitment(commitment)
	return nil
}

func (r *MemoryRepository) saveCommitment(commitment core.IdentityCommitment) {
	pillars := make(map[core.PillarKind]string, len(commitment.Pillars))
	for k, v := range commitment.Pillars {
		pillars[k] = v
	}
	commitment.Pillars = pillars
	r.commitments[commitment.IdentityKey] = commitment
}

// GetCommitment returns the identity's commitment
func (r *MemoryRepository) GetCommitment(ctx context.Context, identityKey string) (core.IdentityCommitment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.commitments[identityKey]
	if !ok {
		return core.IdentityCommitment{}, core.ErrNotFound
	}
	return c, nil
}

// UpsertDevice creates the record or refreshes its last seen time
func (r *MemoryRepository) UpsertDevice(ctx context.Context, record core.DeviceRecord) (core.DeviceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byID, ok := r.devices[record.IdentityKey]
	if !ok {
		byID = make(map[string]core.DeviceRecord)
		r.devices[record.IdentityKey] = byID
	}

	if record.LastSeenAt.IsZero() {
		record.LastSeenAt = r.now()
	}
	if existing, ok := byID[record.UniqueID]; ok {
		record.FirstSeenAt = existing.FirstSeenAt
	} else {
		record.FirstSeenAt = record.LastSeenAt
	}
	byID[record.UniqueID] = record
	return record, nil
}

// FindDevicesByIdentity lists the identity's devices, oldest first
func (r *MemoryRepository) FindDevicesByIdentity(ctx context.Context, identityKey string) ([]core.DeviceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	records := make([]core.DeviceRecord, 0, len(r.devices[identityKey]))
	for _, rec := range r.devices[identityKey] {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].FirstSeenAt.Equal(records[j].FirstSeenAt) {
			return records[i].UniqueID < records[j].UniqueID
		}
		return records[i].FirstSeenAt.Before(records[j].FirstSeenAt)
	})
	return records, nil
}

// PendingTerminations returns undelivered events in enqueue order
func (r *MemoryRepository) PendingTerminations(ctx context.Context, limit int) ([]core.TerminationEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.outbox)
	if limit >= 0 && limit < n {
		n = limit
	}
	return append([]core.TerminationEvent(nil), r.outbox[:n]...), nil
}

// MarkTerminationDelivered drops the event from the outbox
func (r *MemoryRepository) MarkTerminationDelivered(ctx context.Context, eventID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, e := range r.outbox {
		if e.ID == eventID {
			r.outbox = append(r.outbox[:i], r.outbox[i+1:]...)
			return nil
		}
	}
	return core.ErrNotFound
}

// OutboxLen returns the number of undelivered events
func (r *MemoryRepository) OutboxLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.outbox)
}

// Close is a no-op
func (r *MemoryRepository) Close() error {
	return nil
}

var _ ports.Repository = (*MemoryRepository)(nil)
