package device

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDiscoveryAndLookup(t *testing.T) {
	r := NewRegistry()
	devices := []Info{
		{ID: "d1", Type: "camera", Name: "Main Cam"},
		{ID: "d2", Type: "mount", Name: "EQ6"},
	}
	data, err := json.Marshal(devices)
	require.NoError(t, err)
	require.NoError(t, r.ApplyDiscovery(data))

	assert.Equal(t, 2, r.Len())
	info, ok := r.Get("d1")
	require.True(t, ok)
	assert.Equal(t, "camera", info.Type)

	assert.True(t, r.HasDevice("d2"))
	assert.False(t, r.HasDevice("d3"))

	byType := r.DevicesByType("mount")
	require.Len(t, byType, 1)
	assert.Equal(t, "d2", byType[0].ID)
}

func TestSetDevicePropertiesUnknownDevice(t *testing.T) {
	r := NewRegistry()
	err := r.SetDeviceProperties("missing", json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestRemoveAndClear(t *testing.T) {
	r := NewRegistry()
	r.UpdateDeviceInfo(Info{ID: "d1", Type: "camera"})
	r.UpdateDeviceInfo(Info{ID: "d2", Type: "mount"})

	r.RemoveDevice("d1")
	assert.False(t, r.HasDevice("d1"))
	assert.Equal(t, 1, r.Len())

	r.ClearDeviceCache()
	assert.Equal(t, 0, r.Len())
}

func TestVisitAll(t *testing.T) {
	r := NewRegistry()
	r.UpdateDeviceInfo(Info{ID: "d1", Type: "camera"})
	r.UpdateDeviceInfo(Info{ID: "d2", Type: "mount"})

	count := 0
	visited := r.VisitAll(func(Info) bool {
		count++
		return true
	})
	assert.Equal(t, 2, visited)
	assert.Equal(t, 2, count)
}
