package mockbackend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockBackend_CreateListDestroyVM(t *testing.T) {
	dir := t.TempDir()
	b, err := New(dir)
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()

	id, err := b.CreateVM(ctx, map[string]interface{}{"brand": "lx"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	// give fsnotify a moment to deliver the create event
	time.Sleep(50 * time.Millisecond)
	assert.True(t, b.Dirty())
	assert.False(t, b.Dirty(), "dirty flag should clear after read")

	vms, err := b.ListVMs(ctx)
	require.NoError(t, err)
	require.Len(t, vms, 1)
	assert.Equal(t, id, vms[0].UUID)
	assert.Equal(t, "lx", vms[0].Brand)

	require.NoError(t, b.DestroyVM(ctx, id))
	vms, err = b.ListVMs(ctx)
	require.NoError(t, err)
	assert.Empty(t, vms)
}

func TestMockBackend_RebootUnknownVM(t *testing.T) {
	dir := t.TempDir()
	b, err := New(dir)
	require.NoError(t, err)
	defer b.Close()

	err = b.RebootVM(context.Background(), "nonexistent")
	assert.Error(t, err)
}
