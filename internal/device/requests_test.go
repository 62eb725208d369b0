package device

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ElementAstro/hydrogen-clientcore/internal/message"
)

type fakeSender struct {
	resp *message.Message
	err  error
	sent *message.Message
}

func (f *fakeSender) SendAndWaitForResponse(_ context.Context, msg *message.Message, _ time.Duration) (*message.Message, error) {
	f.sent = msg
	return f.resp, f.err
}

func TestGetDevicePropertiesSendsCommandAndCachesResult(t *testing.T) {
	registry := NewRegistry()
	props, _ := json.Marshal(map[string]any{"ra": 10.5})
	sender := &fakeSender{resp: message.NewResponse("req-1", "success", "GET_PROPERTIES", props, nil)}
	mgr := NewManager(registry, sender, time.Second)

	resp, err := mgr.GetDeviceProperties(context.Background(), "scope1", []string{"ra"})
	require.NoError(t, err)
	assert.Equal(t, "success", resp.ResponsePayload.Status)

	require.NotNil(t, sender.sent)
	assert.Equal(t, message.Command, sender.sent.Kind)
	assert.Equal(t, "GET_PROPERTIES", sender.sent.CommandPayload.Command)
	assert.Equal(t, "scope1", sender.sent.DeviceID)

	info, ok := registry.Get("scope1")
	require.True(t, ok)
	assert.JSONEq(t, string(props), string(info.Properties))
}

func TestSetDevicePropertiesUpdatesExistingCacheEntry(t *testing.T) {
	registry := NewRegistry()
	registry.UpdateDeviceInfo(Info{ID: "scope1", Type: "mount"})

	props, _ := json.Marshal(map[string]any{"ra": 11.0})
	sender := &fakeSender{resp: message.NewResponse("req-1", "success", "SET_PROPERTIES", props, nil)}
	mgr := NewManager(registry, sender, time.Second)

	_, err := mgr.SetDeviceProperties(context.Background(), "scope1", json.RawMessage(`{"ra":11.0}`))
	require.NoError(t, err)

	assert.Equal(t, "SET_PROPERTIES", sender.sent.CommandPayload.Command)

	info, ok := registry.Get("scope1")
	require.True(t, ok)
	assert.Equal(t, "mount", info.Type)
	assert.JSONEq(t, string(props), string(info.Properties))
}

func TestDiscoverDevicesMergesResponseIntoCache(t *testing.T) {
	registry := NewRegistry()
	devices, _ := json.Marshal([]Info{{ID: "d1", Type: "camera"}})
	sender := &fakeSender{resp: message.NewDiscoveryResponse("req-1", devices)}
	mgr := NewManager(registry, sender, time.Second)

	require.NoError(t, mgr.DiscoverDevices(context.Background(), []string{"camera"}))
	assert.True(t, registry.HasDevice("d1"))
}
