// Package subscription implements the Subscription Manager: property and
// event subscription bookkeeping, PROPERTY_CHANGED/event routing, and
// callback dispatch through a bounded worker pool.
package subscription

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/ElementAstro/hydrogen-clientcore/internal/message"
	"github.com/ElementAstro/hydrogen-clientcore/internal/telemetry"
)

const (
	maxDeviceIDLen = 256
	maxPropertyLen = 128
	maxEventLen    = 128
)

// PropertyCallback is invoked when a subscribed property changes.
type PropertyCallback func(deviceID, property string, value json.RawMessage)

// EventCallback is invoked when a subscribed event fires.
type EventCallback func(deviceID, event string, details json.RawMessage)

// Dispatcher runs a callback without blocking the caller. internal/client
// supplies the bounded worker pool implementation.
type Dispatcher interface {
	Dispatch(func())
}

// Stats mirrors subscription_manager.h's getSubscriptionStats().
type Stats struct {
	PropertySubscriptionCount int64
	EventSubscriptionCount    int64
	PropertyNotifications     int64
	EventNotifications        int64
	CallbackErrors            int64
}

// Manager tracks property/event subscriptions keyed by a composite string
// ("<deviceId>:property:<name>" / "<deviceId>:event:<name>").
type Manager struct {
	dispatcher Dispatcher

	mu         sync.RWMutex
	properties map[string]PropertyCallback
	events     map[string]EventCallback

	propSubs, eventSubs, propNotifs, eventNotifs, cbErrors atomic.Int64

	log     zerolog.Logger
	metrics *telemetry.Metrics
}

// New builds a Manager. dispatcher runs callbacks off the calling
// goroutine (the shared worker pool owned by internal/client).
func New(dispatcher Dispatcher, logger zerolog.Logger, metrics *telemetry.Metrics) *Manager {
	return &Manager{
		dispatcher: dispatcher,
		properties: make(map[string]PropertyCallback),
		events:     make(map[string]EventCallback),
		log:        logger.With().Str("component", "subscription").Logger(),
		metrics:    metrics,
	}
}

func makePropertyKey(deviceID, property string) string {
	return fmt.Sprintf("%s:property:%s", deviceID, property)
}

func makeEventKey(deviceID, event string) string {
	return fmt.Sprintf("%s:event:%s", deviceID, event)
}

func isValidDeviceID(deviceID string) bool {
	if deviceID == "" || len(deviceID) > maxDeviceIDLen {
		return false
	}
	for _, r := range deviceID {
		if !isAlnum(r) && r != '_' && r != '-' && r != '.' {
			return false
		}
	}
	return true
}

// isValidName validates property and event names against the same
// [A-Za-z0-9_\-.] class spec §4.4 uses for device IDs (only the Command
// Executor's command-name class in §4.6 omits the dot).
func isValidName(name string, maxLen int) bool {
	if name == "" || len(name) > maxLen {
		return false
	}
	for _, r := range name {
		if !isAlnum(r) && r != '_' && r != '-' && r != '.' {
			return false
		}
	}
	return true
}

func isAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// SubscribeToProperty registers cb for property changes on deviceID/property.
func (m *Manager) SubscribeToProperty(deviceID, property string, cb PropertyCallback) error {
	if !isValidDeviceID(deviceID) {
		return fmt.Errorf("subscription: invalid device ID %q", deviceID)
	}
	if !isValidName(property, maxPropertyLen) {
		return fmt.Errorf("subscription: invalid property name %q", property)
	}

	key := makePropertyKey(deviceID, property)
	m.mu.Lock()
	_, existed := m.properties[key]
	m.properties[key] = cb
	m.mu.Unlock()

	if !existed {
		m.propSubs.Add(1)
	}
	return nil
}

// UnsubscribeFromProperty removes a property subscription, if present.
func (m *Manager) UnsubscribeFromProperty(deviceID, property string) {
	key := makePropertyKey(deviceID, property)
	m.mu.Lock()
	_, existed := m.properties[key]
	delete(m.properties, key)
	m.mu.Unlock()
	if existed {
		m.propSubs.Add(-1)
	}
}

// SubscribeToEvent registers cb for the named event on deviceID.
func (m *Manager) SubscribeToEvent(deviceID, event string, cb EventCallback) error {
	if !isValidDeviceID(deviceID) {
		return fmt.Errorf("subscription: invalid device ID %q", deviceID)
	}
	if !isValidName(event, maxEventLen) {
		return fmt.Errorf("subscription: invalid event name %q", event)
	}

	key := makeEventKey(deviceID, event)
	m.mu.Lock()
	_, existed := m.events[key]
	m.events[key] = cb
	m.mu.Unlock()

	if !existed {
		m.eventSubs.Add(1)
	}
	return nil
}

// UnsubscribeFromEvent removes an event subscription, if present.
func (m *Manager) UnsubscribeFromEvent(deviceID, event string) {
	key := makeEventKey(deviceID, event)
	m.mu.Lock()
	_, existed := m.events[key]
	delete(m.events, key)
	m.mu.Unlock()
	if existed {
		m.eventSubs.Add(-1)
	}
}

// IsSubscribedToProperty reports whether a property subscription exists.
func (m *Manager) IsSubscribedToProperty(deviceID, property string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.properties[makePropertyKey(deviceID, property)]
	return ok
}

// IsSubscribedToEvent reports whether an event subscription exists.
func (m *Manager) IsSubscribedToEvent(deviceID, event string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.events[makeEventKey(deviceID, event)]
	return ok
}

// HandlePropertyChange routes a PROPERTY_CHANGED event message to the
// matching property subscription, if any.
func (m *Manager) HandlePropertyChange(deviceID, property string, value json.RawMessage) {
	m.mu.RLock()
	cb, ok := m.properties[makePropertyKey(deviceID, property)]
	m.mu.RUnlock()
	if !ok {
		return
	}
	m.propNotifs.Add(1)
	m.executeCallbackSafely(func() { cb(deviceID, property, value) })
}

// HandleEvent routes a generic event to the matching event subscription, if
// any.
func (m *Manager) HandleEvent(deviceID, event string, details json.RawMessage) {
	m.mu.RLock()
	cb, ok := m.events[makeEventKey(deviceID, event)]
	m.mu.RUnlock()
	if !ok {
		return
	}
	m.eventNotifs.Add(1)
	m.executeCallbackSafely(func() { cb(deviceID, event, details) })
}

// DispatchEventMessage inspects an EVENT message and routes it either as a
// PROPERTY_CHANGED property notification or a plain event notification.
func (m *Manager) DispatchEventMessage(msg *message.Message) {
	if msg.Kind != message.Event || msg.EventPayload == nil {
		return
	}
	if msg.EventPayload.Event == "PROPERTY_CHANGED" {
		var props map[string]struct {
			Value json.RawMessage `json:"value"`
		}
		if err := json.Unmarshal(msg.EventPayload.Properties, &props); err != nil {
			m.log.Warn().Err(err).Str("deviceId", msg.DeviceID).Msg("malformed PROPERTY_CHANGED payload")
			return
		}
		for name, entry := range props {
			m.HandlePropertyChange(msg.DeviceID, name, entry.Value)
		}
		return
	}
	m.HandleEvent(msg.DeviceID, msg.EventPayload.Event, msg.EventPayload.Details)
}

func (m *Manager) executeCallbackSafely(run func()) {
	wrapped := func() {
		defer func() {
			if r := recover(); r != nil {
				m.cbErrors.Add(1)
				if m.metrics != nil {
					m.metrics.CallbackErrors.Inc()
				}
				m.log.Error().Interface("panic", r).Msg("subscription callback panicked")
			}
		}()
		run()
	}
	if m.dispatcher != nil {
		m.dispatcher.Dispatch(wrapped)
		return
	}
	wrapped()
}

// GetPropertySubscriptions returns the property names subscribed for deviceID.
func (m *Manager) GetPropertySubscriptions(deviceID string) []string {
	prefix := deviceID + ":property:"
	m.mu.RLock()
	defer m.mu.RUnlock()
	var names []string
	for key := range m.properties {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			names = append(names, key[len(prefix):])
		}
	}
	return names
}

// GetEventSubscriptions returns the event names subscribed for deviceID.
func (m *Manager) GetEventSubscriptions(deviceID string) []string {
	prefix := deviceID + ":event:"
	m.mu.RLock()
	defer m.mu.RUnlock()
	var names []string
	for key := range m.events {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			names = append(names, key[len(prefix):])
		}
	}
	return names
}

// ClearDeviceSubscriptions removes every property/event subscription for
// deviceID.
func (m *Manager) ClearDeviceSubscriptions(deviceID string) {
	propPrefix := deviceID + ":property:"
	eventPrefix := deviceID + ":event:"
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.properties {
		if len(key) > len(propPrefix) && key[:len(propPrefix)] == propPrefix {
			delete(m.properties, key)
			m.propSubs.Add(-1)
		}
	}
	for key := range m.events {
		if len(key) > len(eventPrefix) && key[:len(eventPrefix)] == eventPrefix {
			delete(m.events, key)
			m.eventSubs.Add(-1)
		}
	}
}

// ClearAllSubscriptions removes every subscription.
func (m *Manager) ClearAllSubscriptions() {
	m.mu.Lock()
	m.properties = make(map[string]PropertyCallback)
	m.events = make(map[string]EventCallback)
	m.mu.Unlock()
	m.propSubs.Store(0)
	m.eventSubs.Store(0)
}

// GetSubscriptionStats returns a snapshot of subscription counters.
func (m *Manager) GetSubscriptionStats() Stats {
	return Stats{
		PropertySubscriptionCount: m.propSubs.Load(),
		EventSubscriptionCount:    m.eventSubs.Load(),
		PropertyNotifications:     m.propNotifs.Load(),
		EventNotifications:        m.eventNotifs.Load(),
		CallbackErrors:            m.cbErrors.Load(),
	}
}
