package bridge

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"time"

	"zigbee-matter-bridge/internal/codec"
	"zigbee-matter-bridge/internal/ncp"
)

// AttributeState is the cached state of one native attribute.
//
// Value is only ever set from a confirmed native value. Reported is the last
// value handed to the target side, Seq counts confirmed updates.
type AttributeState struct {
	Native    json.RawMessage
	Value     codec.Value
	HasValue  bool
	Reported  codec.Value
	HasReport bool
	Seq       uint64
	Updates   uint64 // native updates of any kind, representable or not
	Pending   *PendingWrite
	Gap       string // why the current native value could not be mapped
	UpdatedAt time.Time
}

// PendingWrite is an accepted target write not yet confirmed natively.
type PendingWrite struct {
	OpID   string
	Value  codec.Value
	Native json.RawMessage
}

// ClusterInstance is one native server cluster on an endpoint.
type ClusterInstance struct {
	ID         uint16
	Attributes map[uint16]*AttributeState
	Supported  map[uint16]bool // attributes listed in the capability snapshot
	Commands   map[uint8]bool
	Events     map[uint32]bool // target events the bridged cluster can raise
}

func newClusterInstance(c ncp.Cluster) *ClusterInstance {
	ci := &ClusterInstance{
		ID:         c.ID,
		Attributes: make(map[uint16]*AttributeState),
		Supported:  make(map[uint16]bool, len(c.Attributes)),
		Commands:   make(map[uint8]bool, len(c.Commands)),
		Events:     make(map[uint32]bool),
	}
	for _, a := range c.Attributes {
		ci.Supported[a] = true
	}
	for _, cmd := range c.Commands {
		ci.Commands[cmd] = true
	}
	return ci
}

// state returns the cache slot for an attribute, creating it if needed.
func (ci *ClusterInstance) state(id uint16) *AttributeState {
	st := ci.Attributes[id]
	if st == nil {
		st = &AttributeState{}
		ci.Attributes[id] = st
	}
	return st
}

// SupportsCommand reports whether the device accepts a native command. A
// snapshot that lists no commands is treated as "not advertised".
func (ci *ClusterInstance) SupportsCommand(id uint8) bool {
	return len(ci.Commands) == 0 || ci.Commands[id]
}

// SupportsAttribute reports whether the snapshot lists the attribute. A
// snapshot that lists no attributes is treated as "not advertised".
func (ci *ClusterInstance) SupportsAttribute(id uint16) bool {
	return len(ci.Supported) == 0 || ci.Supported[id]
}

// Endpoint is one native endpoint of a device.
type Endpoint struct {
	Index     uint8
	ProfileID uint16
	DeviceID  uint16
	Clusters  map[uint16]*ClusterInstance
}

// ClusterIDs returns the endpoint's native cluster IDs in ascending order.
func (ep *Endpoint) ClusterIDs() []uint16 {
	ids := make([]uint16, 0, len(ep.Clusters))
	for id := range ep.Clusters {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Device is a native device as tracked by the bridge.
type Device struct {
	IEEEAddress string
	Info        ncp.DeviceInfo
	Label       string
	Liveness    Liveness
	State       DeviceState
	Endpoints   []*Endpoint
	// Local holds attributes the bridge serves itself, keyed by target
	// attribute ID of the bridged device basic information cluster.
	Local    map[uint32]*AttributeState
	JoinedAt time.Time
	LastSeen time.Time

	fingerprint string
}

// Endpoint returns the endpoint with the given index, or nil.
func (d *Device) Endpoint(index uint8) *Endpoint {
	for _, ep := range d.Endpoints {
		if ep.Index == index {
			return ep
		}
	}
	return nil
}

// Name returns a human readable name for logging.
func (d *Device) Name() string {
	switch {
	case d.Label != "":
		return d.Label
	case d.Info.Model != "":
		return d.Info.Model
	}
	return d.IEEEAddress
}

// Registry is the authoritative set of known native devices. It is not safe
// for concurrent use; the controller serializes access.
type Registry struct {
	devices map[string]*Device
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]*Device)}
}

// Upsert records a capability snapshot. It reports whether anything changed:
// a new device, or an existing one whose snapshot differs. Re-applying an
// identical snapshot is a no-op. Cached attribute state survives for
// clusters that are still present.
func (r *Registry) Upsert(info ncp.DeviceInfo, now time.Time) (*Device, bool) {
	fp := fingerprint(info)
	dev, ok := r.devices[info.IEEEAddress]
	if ok && dev.fingerprint == fp {
		return dev, false
	}
	if !ok {
		dev = &Device{
			IEEEAddress: info.IEEEAddress,
			State:       StateDiscovered,
			Local:       make(map[uint32]*AttributeState),
			JoinedAt:    now,
		}
		r.devices[info.IEEEAddress] = dev
	}

	old := dev.Endpoints
	dev.Info = info
	dev.fingerprint = fp
	dev.Endpoints = make([]*Endpoint, 0, len(info.Endpoints))
	for _, e := range sortedEndpoints(info.Endpoints) {
		ep := &Endpoint{
			Index:     e.ID,
			ProfileID: e.ProfileID,
			DeviceID:  e.DeviceID,
			Clusters:  make(map[uint16]*ClusterInstance, len(e.Clusters)),
		}
		for _, c := range e.Clusters {
			ci := newClusterInstance(c)
			for _, prev := range old {
				if prev.Index == e.ID && prev.Clusters[c.ID] != nil {
					ci.Attributes = prev.Clusters[c.ID].Attributes
				}
			}
			ep.Clusters[c.ID] = ci
		}
		dev.Endpoints = append(dev.Endpoints, ep)
	}
	return dev, true
}

// Find returns the device with the given address.
func (r *Registry) Find(ieee string) (*Device, error) {
	dev, ok := r.devices[ieee]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", ieee, ErrNotFound)
	}
	return dev, nil
}

// Remove drops a device. It reports whether the device was known.
func (r *Registry) Remove(ieee string) bool {
	if _, ok := r.devices[ieee]; !ok {
		return false
	}
	delete(r.devices, ieee)
	return true
}

// List returns all devices ordered by address.
func (r *Registry) List() []*Device {
	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IEEEAddress < out[j].IEEEAddress })
	return out
}

// Len returns the number of known devices.
func (r *Registry) Len() int {
	return len(r.devices)
}

func sortedEndpoints(eps []ncp.Endpoint) []ncp.Endpoint {
	out := slices.Clone(eps)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// fingerprint hashes a normalized capability snapshot so that ordering
// differences in the gateway's report do not count as a change.
func fingerprint(info ncp.DeviceInfo) string {
	norm := info
	norm.Endpoints = sortedEndpoints(info.Endpoints)
	for i := range norm.Endpoints {
		ep := &norm.Endpoints[i]
		ep.Clusters = slices.Clone(ep.Clusters)
		sort.Slice(ep.Clusters, func(a, b int) bool { return ep.Clusters[a].ID < ep.Clusters[b].ID })
		for j := range ep.Clusters {
			c := &ep.Clusters[j]
			c.Attributes = slices.Clone(c.Attributes)
			slices.Sort(c.Attributes)
			c.Commands = slices.Clone(c.Commands)
			slices.Sort(c.Commands)
		}
	}
	data, _ := json.Marshal(norm)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
