package service

import (
	"context"
	"testing"
	"time"

	"github.com/layer-3/fortress/adapters/repository"
	"github.com/layer-3/fortress/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceService_Handshake(t *testing.T) {
	repo := repository.NewMemoryRepository()
	svc := NewDeviceService(repo, time.Second)
	ctx := context.Background()
	meta := "Mozilla/5.0 (Linux; Android 14; SM-S918B)"

	fp, err := svc.Handshake(ctx, "user-1", meta)
	require.NoError(t, err)
	assert.Equal(t, core.VendorSamsung, fp.VendorClass)
	assert.Equal(t, core.DeriveFingerprint("user-1", meta), fp)

	again, err := svc.Handshake(ctx, "user-1", meta)
	require.NoError(t, err)
	assert.Equal(t, fp, again)

	devices, err := svc.Devices(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, fp.UniqueID, devices[0].UniqueID)
	assert.False(t, devices[0].LastSeenAt.Before(devices[0].FirstSeenAt))

	_, err = svc.Handshake(ctx, "", meta)
	assert.ErrorIs(t, err, core.ErrMissingField)
}
