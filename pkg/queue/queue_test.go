package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistry_Lookup(t *testing.T) {
	tests := []struct {
		name      string
		taskName  string
		wantQueue string
		wantErr   bool
	}{
		{name: "provisioner task", taskName: "vm_create", wantQueue: "provisioner_tasks"},
		{name: "image task", taskName: "image_import", wantQueue: "image_tasks"},
		{name: "nic task", taskName: "nic_update", wantQueue: "nic_tasks"},
		{name: "query task", taskName: "ping", wantQueue: "query_tasks"},
		{name: "unknown task", taskName: "does_not_exist", wantErr: true},
	}

	r := Default()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := r.Lookup(tt.taskName)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantQueue, d.Name)
		})
	}
}

func TestDefaultRegistry_Queue(t *testing.T) {
	r := Default()
	d, ok := r.Queue("provisioner_tasks")
	require.True(t, ok)
	assert.Equal(t, 4, d.MaxConcurrent)
	assert.True(t, d.LogParams)

	_, ok = r.Queue("nonexistent")
	assert.False(t, ok)
}

func TestDefaultRegistry_Names(t *testing.T) {
	r := Default()
	names := r.Names()
	assert.Len(t, names, 5)
	assert.Contains(t, names, "provisioner_tasks")
	assert.Contains(t, names, "query_tasks")
}
