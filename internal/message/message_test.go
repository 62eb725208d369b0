package message

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandRoundTrip(t *testing.T) {
	params, _ := json.Marshal(map[string]any{"speed": 5})
	msg := NewCommand("telescope-1", "SLEW", params, nil)
	msg.PriorityLevel = PriorityHigh
	msg.QoSLevel = AtLeastOnce

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded Message
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, msg.ID, decoded.ID)
	assert.Equal(t, Command, decoded.Kind)
	assert.Equal(t, "telescope-1", decoded.DeviceID)
	assert.Equal(t, AtLeastOnce, decoded.QoSLevel)
	assert.Equal(t, PriorityHigh, decoded.PriorityLevel)
	require.NotNil(t, decoded.CommandPayload)
	assert.Equal(t, "SLEW", decoded.CommandPayload.Command)
	assert.JSONEq(t, string(params), string(decoded.CommandPayload.Parameters))
}

func TestDefaultQoSAndPriorityOmittedFromWire(t *testing.T) {
	msg := NewEvent("dev-1", "STATUS", nil, nil)
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	_, hasQoS := raw["qos"]
	_, hasPriority := raw["priority"]
	assert.False(t, hasQoS, "default QoS should be omitted from the wire form")
	assert.False(t, hasPriority, "default priority should be omitted from the wire form")
}

func TestNonDefaultQoSAndPriorityEmitted(t *testing.T) {
	msg := NewCommand("dev-1", "STOP", nil, nil)
	msg.QoSLevel = ExactlyOnce
	msg.PriorityLevel = PriorityCritical

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.EqualValues(t, 2, raw["qos"])
	assert.EqualValues(t, 3, raw["priority"])
}

func TestLegacyNestedPayloadAccepted(t *testing.T) {
	legacy := []byte(`{
		"messageType": "COMMAND",
		"messageId": "11111111-1111-1111-1111-111111111111",
		"timestamp": "2026-01-01T00:00:00.000Z",
		"deviceId": "dev-2",
		"payload": {"command": "PARK", "parameters": {"force": true}}
	}`)

	var decoded Message
	require.NoError(t, json.Unmarshal(legacy, &decoded))
	require.NotNil(t, decoded.CommandPayload)
	assert.Equal(t, "PARK", decoded.CommandPayload.Command)
	assert.JSONEq(t, `{"force":true}`, string(decoded.CommandPayload.Parameters))
}

func TestUnmarshalMissingMessageTypeFails(t *testing.T) {
	var decoded Message
	err := json.Unmarshal([]byte(`{"messageId":"x"}`), &decoded)
	assert.Error(t, err)
}

func TestUnmarshalUnknownTypeFails(t *testing.T) {
	var decoded Message
	err := json.Unmarshal([]byte(`{"messageType":"BOGUS","messageId":"x","timestamp":"2026-01-01T00:00:00.000Z"}`), &decoded)
	assert.Error(t, err)
}

func TestIsExpired(t *testing.T) {
	msg := NewCommand("dev-1", "NOOP", nil, nil)
	msg.Timestamp = time.Now().Add(-2 * time.Second)
	msg.ExpireAfterSeconds = 1
	assert.True(t, msg.IsExpired(time.Now()))

	msg.ExpireAfterSeconds = 0
	assert.False(t, msg.IsExpired(time.Now()), "zero ExpireAfterSeconds means never expires")
}

func TestEveryVariantRoundTrips(t *testing.T) {
	variants := []*Message{
		NewCommand("d", "CMD", nil, nil),
		NewResponse("orig", "OK", "CMD", nil, nil),
		NewEvent("d", "EV", nil, nil),
		NewError("orig", "E1", "bad thing", nil),
		NewDiscoveryRequest([]string{"camera"}, nil),
		NewRegistration(nil),
		NewAuthentication("bearer-jwt", "token"),
	}
	for _, msg := range variants {
		data, err := json.Marshal(msg)
		require.NoError(t, err, msg.Kind)
		var decoded Message
		require.NoError(t, json.Unmarshal(data, &decoded), msg.Kind)
		assert.Equal(t, msg.Kind, decoded.Kind)
	}

	discoResp := NewDiscoveryResponse("orig", json.RawMessage(`[]`))
	data, err := json.Marshal(discoResp)
	require.NoError(t, err)
	var decoded Message
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, DiscoveryResponse, decoded.Kind)
}
