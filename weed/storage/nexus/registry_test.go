package nexus

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seaweedfs/sw-block/weed/storage/bdev"
)

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(testOptions())
	id := uuid.NewString()

	n, err := reg.Create(ctx, CreateOptions{UUID: id, Name: "vol1", Children: []bdev.Device{newMem(t, "a")}})
	require.NoError(t, err)
	assert.Equal(t, id, n.UUID())

	_, err = reg.Create(ctx, CreateOptions{Name: "vol1", Children: []bdev.Device{newMem(t, "b")}})
	assert.ErrorIs(t, err, ErrExists)
	_, err = reg.Create(ctx, CreateOptions{Name: "bad"})
	assert.ErrorIs(t, err, ErrConfig)

	m, err := reg.Create(ctx, CreateOptions{Name: "vol0", Children: []bdev.Device{newMem(t, "c")}})
	require.NoError(t, err)

	got, err := reg.Lookup("vol1")
	require.NoError(t, err)
	assert.Same(t, n, got)
	got, err = reg.Lookup(id)
	require.NoError(t, err)
	assert.Same(t, n, got)

	list := reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, "vol0", list[0].Name())

	require.NoError(t, n.Destroy(ctx))
	_, err = reg.Lookup(id)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.AddChild(ctx, newMem(t, "d"))
	require.NoError(t, err)
	require.NoError(t, reg.Shutdown(ctx))
	assert.Empty(t, reg.List())
	assert.Equal(t, NexusShutdown, m.State())
}
