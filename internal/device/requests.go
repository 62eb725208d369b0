package device

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ElementAstro/hydrogen-clientcore/internal/message"
)

// Requester is the subset of *processor.Processor the Device Manager's
// network operations depend on.
type Requester interface {
	SendAndWaitForResponse(ctx context.Context, msg *message.Message, timeout time.Duration) (*message.Message, error)
}

// Manager layers the network-facing discovery/get/set-properties operations
// on top of a Registry cache.
type Manager struct {
	registry *Registry
	sender   Requester
	timeout  time.Duration
}

// NewManager builds a Manager bound to registry and sender.
func NewManager(registry *Registry, sender Requester, timeout time.Duration) *Manager {
	return &Manager{registry: registry, sender: sender, timeout: timeout}
}

// Registry exposes the underlying cache.
func (m *Manager) Registry() *Registry { return m.registry }

// DiscoverDevices sends a DISCOVERY_REQUEST, waits for the DISCOVERY_RESPONSE
// and merges the returned devices into the cache. Cache application also
// happens via the DISCOVERY_RESPONSE message handler registered by
// internal/client, independent of this call's own wait.
func (m *Manager) DiscoverDevices(ctx context.Context, typeFilter []string) error {
	msg := message.NewDiscoveryRequest(typeFilter, nil)
	resp, err := m.sender.SendAndWaitForResponse(ctx, msg, m.timeout)
	if err != nil {
		return fmt.Errorf("device: discovery request failed: %w", err)
	}
	if resp.DiscoveryResponsePayload == nil {
		return nil
	}
	return m.registry.ApplyDiscovery(resp.DiscoveryResponsePayload.Devices)
}

// GetDeviceProperties sends a targeted GET_PROPERTIES command for the named
// properties (all properties when propertyNames is empty) and returns the
// server's response, updating the cache with whatever properties it reports.
func (m *Manager) GetDeviceProperties(ctx context.Context, deviceID string, propertyNames []string) (*message.Message, error) {
	params, err := json.Marshal(struct {
		PropertyNames []string `json:"propertyNames,omitempty"`
	}{PropertyNames: propertyNames})
	if err != nil {
		return nil, fmt.Errorf("device: marshal GET_PROPERTIES parameters: %w", err)
	}

	msg := message.NewCommand(deviceID, "GET_PROPERTIES", params, nil)
	resp, err := m.sender.SendAndWaitForResponse(ctx, msg, m.timeout)
	if err != nil {
		return nil, fmt.Errorf("device: get properties for %q failed: %w", deviceID, err)
	}
	m.applyResponseProperties(deviceID, resp)
	return resp, nil
}

// SetDeviceProperties sends a targeted SET_PROPERTIES command and returns the
// server's response, updating the cache with the properties it confirms.
func (m *Manager) SetDeviceProperties(ctx context.Context, deviceID string, properties json.RawMessage) (*message.Message, error) {
	msg := message.NewCommand(deviceID, "SET_PROPERTIES", nil, properties)
	resp, err := m.sender.SendAndWaitForResponse(ctx, msg, m.timeout)
	if err != nil {
		return nil, fmt.Errorf("device: set properties for %q failed: %w", deviceID, err)
	}
	m.applyResponseProperties(deviceID, resp)
	return resp, nil
}

func (m *Manager) applyResponseProperties(deviceID string, resp *message.Message) {
	if resp.ResponsePayload == nil || len(resp.ResponsePayload.Properties) == 0 {
		return
	}
	if !m.registry.HasDevice(deviceID) {
		m.registry.UpdateDeviceInfo(Info{ID: deviceID, Properties: resp.ResponsePayload.Properties})
		return
	}
	_ = m.registry.SetDeviceProperties(deviceID, resp.ResponsePayload.Properties)
}
