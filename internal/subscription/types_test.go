package subscription

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ElementAstro/hydrogen-clientcore/internal/message"
)

type syncDispatcher struct{}

func (syncDispatcher) Dispatch(fn func()) { fn() }

func TestSubscribeAndHandlePropertyChange(t *testing.T) {
	m := New(syncDispatcher{}, zerolog.Nop(), nil)

	got := make(chan string, 1)
	require.NoError(t, m.SubscribeToProperty("scope-1", "ra", func(deviceID, property string, value json.RawMessage) {
		got <- deviceID + "|" + property + "|" + string(value)
	}))

	assert.True(t, m.IsSubscribedToProperty("scope-1", "ra"))
	m.HandlePropertyChange("scope-1", "ra", json.RawMessage(`12.5`))

	select {
	case v := <-got:
		assert.Equal(t, "scope-1|ra|12.5", v)
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}

	stats := m.GetSubscriptionStats()
	assert.EqualValues(t, 1, stats.PropertyNotifications)
}

func TestUnsubscribeRemovesCallback(t *testing.T) {
	m := New(syncDispatcher{}, zerolog.Nop(), nil)
	require.NoError(t, m.SubscribeToEvent("d1", "SLEW_DONE", func(string, string, json.RawMessage) {}))
	assert.True(t, m.IsSubscribedToEvent("d1", "SLEW_DONE"))

	m.UnsubscribeFromEvent("d1", "SLEW_DONE")
	assert.False(t, m.IsSubscribedToEvent("d1", "SLEW_DONE"))
}

func TestInvalidDeviceIDRejected(t *testing.T) {
	m := New(syncDispatcher{}, zerolog.Nop(), nil)
	err := m.SubscribeToProperty("", "ra", func(string, string, json.RawMessage) {})
	assert.Error(t, err)

	err = m.SubscribeToProperty(strings.Repeat("a", 300), "ra", func(string, string, json.RawMessage) {})
	assert.Error(t, err)

	err = m.SubscribeToProperty("has space", "ra", func(string, string, json.RawMessage) {})
	assert.Error(t, err)
}

func TestInvalidPropertyNameRejected(t *testing.T) {
	m := New(syncDispatcher{}, zerolog.Nop(), nil)
	err := m.SubscribeToProperty("d1", strings.Repeat("p", 200), func(string, string, json.RawMessage) {})
	assert.Error(t, err)
}

func TestCallbackPanicIsCaughtAndCounted(t *testing.T) {
	m := New(syncDispatcher{}, zerolog.Nop(), nil)
	require.NoError(t, m.SubscribeToProperty("d1", "ra", func(string, string, json.RawMessage) {
		panic("boom")
	}))

	assert.NotPanics(t, func() {
		m.HandlePropertyChange("d1", "ra", json.RawMessage(`1`))
	})
	stats := m.GetSubscriptionStats()
	assert.EqualValues(t, 1, stats.CallbackErrors)
}

func TestClearDeviceSubscriptions(t *testing.T) {
	m := New(syncDispatcher{}, zerolog.Nop(), nil)
	require.NoError(t, m.SubscribeToProperty("d1", "ra", func(string, string, json.RawMessage) {}))
	require.NoError(t, m.SubscribeToEvent("d1", "EV", func(string, string, json.RawMessage) {}))
	require.NoError(t, m.SubscribeToProperty("d2", "dec", func(string, string, json.RawMessage) {}))

	m.ClearDeviceSubscriptions("d1")
	assert.False(t, m.IsSubscribedToProperty("d1", "ra"))
	assert.False(t, m.IsSubscribedToEvent("d1", "EV"))
	assert.True(t, m.IsSubscribedToProperty("d2", "dec"))
}

func TestDispatchEventMessageRoutesPropertyChanged(t *testing.T) {
	m := New(syncDispatcher{}, zerolog.Nop(), nil)
	got := make(chan string, 1)
	require.NoError(t, m.SubscribeToProperty("d1", "temp", func(deviceID, property string, value json.RawMessage) {
		got <- property + "=" + string(value)
	}))

	props, _ := json.Marshal(map[string]map[string]json.RawMessage{
		"temp": {"value": json.RawMessage(`-10.5`)},
		"dec":  {"value": json.RawMessage(`20.1`)},
	})
	msg := message.NewEvent("d1", "PROPERTY_CHANGED", props, nil)
	m.DispatchEventMessage(msg)

	select {
	case v := <-got:
		assert.Equal(t, "temp=-10.5", v)
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
}
