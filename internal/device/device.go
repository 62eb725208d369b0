// Package device implements the Device Manager: a client-side cache of
// known devices populated by DISCOVERY_RESPONSE messages and queried by
// command/subscription callers.
package device

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Info describes a single device as reported by discovery.
type Info struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Name       string          `json:"name,omitempty"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

// Registry is the cached, read-mostly device table. Safe for concurrent
// use; VisitAll must not call back into Registry methods (mirrors the
// warning on webpa-common's device.Manager — doing so will deadlock).
type Registry struct {
	mu      sync.RWMutex
	devices map[string]Info
}

// NewRegistry builds an empty device cache.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]Info)}
}

// Len returns the number of cached devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Get returns the cached Info for id, if present.
func (r *Registry) Get(id string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.devices[id]
	return info, ok
}

// HasDevice reports whether id is in the cache.
func (r *Registry) HasDevice(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// DeviceIDs returns every cached device ID.
func (r *Registry) DeviceIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	return ids
}

// DevicesByType returns every cached device whose Type matches.
func (r *Registry) DevicesByType(deviceType string) []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Info
	for _, info := range r.devices {
		if info.Type == deviceType {
			out = append(out, info)
		}
	}
	return out
}

// VisitAll calls fn for every cached device until fn returns false. No
// method on Registry should be called from within fn, or a deadlock will
// likely occur.
func (r *Registry) VisitAll(fn func(Info) bool) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	visited := 0
	for _, info := range r.devices {
		visited++
		if !fn(info) {
			break
		}
	}
	return visited
}

// UpdateDeviceInfo inserts or replaces the cached entry for a device.
func (r *Registry) UpdateDeviceInfo(info Info) {
	if info.ID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[info.ID] = info
}

// ApplyDiscovery merges a DISCOVERY_RESPONSE payload's device list into the
// cache, overwriting any existing entry for the same ID.
func (r *Registry) ApplyDiscovery(devicesJSON json.RawMessage) error {
	var list []Info
	if err := json.Unmarshal(devicesJSON, &list); err != nil {
		return fmt.Errorf("device: invalid discovery response: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, info := range list {
		if info.ID == "" {
			continue
		}
		r.devices[info.ID] = info
	}
	return nil
}

// SetDeviceProperties replaces a cached device's Properties blob with
// properties; earlier values are not merged in. Returns an error if the
// device is unknown.
func (r *Registry) SetDeviceProperties(deviceID string, properties json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.devices[deviceID]
	if !ok {
		return fmt.Errorf("device: unknown device %q", deviceID)
	}
	info.Properties = properties
	r.devices[deviceID] = info
	return nil
}

// RemoveDevice evicts a single device from the cache.
func (r *Registry) RemoveDevice(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devices, deviceID)
}

// ClearDeviceCache empties the registry.
func (r *Registry) ClearDeviceCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = make(map[string]Info)
}
