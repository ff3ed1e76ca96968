// Package presence tracks which devices are reachable on the LAN right now.
//
// The registry is the sole owner of Device records. It holds device
// metadata rather than live connections: the Signaling Hub borrows records
// from here by device id, it does not keep its own copy.
package presence

import (
	"sync"
	"time"
)

// FormFactor is the device's physical class.
type FormFactor string

const (
	Laptop FormFactor = "laptop"
	Mobile FormFactor = "mobile"
	Tablet FormFactor = "tablet"
)

// Status is the device's reported availability.
type Status string

const (
	Available Status = "available"
	Busy      Status = "busy"
	Offline   Status = "offline"
)

// Device is one registered peer. Identifiers are opaque, client-assigned
// strings; case is preserved exactly.
type Device struct {
	ID       string
	Name     string
	Type     FormFactor
	Status   Status
	LastSeen time.Time
}

// reachable reports whether d counts as reachable right now, given window.
func (d Device) reachable(now time.Time, window time.Duration) bool {
	if d.Status == Offline {
		return false
	}
	return now.Sub(d.LastSeen) <= window
}

// Patch describes an update to an existing device's mutable fields. Nil
// fields are left unchanged.
type Patch struct {
	Name   *string
	Status *Status
}

// Registry is a concurrency-safe, in-memory presence table. The zero value
// is not usable; construct with New.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]Device
	window  time.Duration
	now     func() time.Time
}

// New creates an empty registry. Devices silent longer than window are
// treated as offline by ListReachable regardless of their stored Status.
func New(window time.Duration) *Registry {
	return &Registry{
		devices: make(map[string]Device),
		window:  window,
		now:     time.Now,
	}
}

// Register upserts a device record: status resets to Available and
// last-seen stamps to now.
func (r *Registry) Register(deviceID, name string, formFactor FormFactor) Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	d := Device{
		ID:       deviceID,
		Name:     name,
		Type:     formFactor,
		Status:   Available,
		LastSeen: r.now(),
	}
	r.devices[deviceID] = d
	return d
}

// Update applies patch to an existing device and stamps last-seen. Returns
// false if the device is unknown.
func (r *Registry) Update(deviceID string, patch Patch) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[deviceID]
	if !ok {
		return Device{}, false
	}
	if patch.Name != nil {
		d.Name = *patch.Name
	}
	if patch.Status != nil {
		d.Status = *patch.Status
	}
	d.LastSeen = r.now()
	r.devices[deviceID] = d
	return d, true
}

// MarkOffline sets status to Offline without removing the record, so a
// returning device keeps its name/type. A no-op if the device is unknown.
func (r *Registry) MarkOffline(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[deviceID]
	if !ok {
		return
	}
	d.Status = Offline
	r.devices[deviceID] = d
}

// Get returns the device record, if any.
func (r *Registry) Get(deviceID string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[deviceID]
	return d, ok
}

// ListReachable returns every device whose last-seen is within the liveness
// window and whose status is not Offline, excluding excludeID. Order is
// unspecified; callers that need a stable order should sort by ID.
func (r *Registry) ListReachable(excludeID string) []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	out := make([]Device, 0, len(r.devices))
	for id, d := range r.devices {
		if id == excludeID {
			continue
		}
		if d.reachable(now, r.window) {
			out = append(out, d)
		}
	}
	return out
}
