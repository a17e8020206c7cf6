// Package ncp defines the interface to the native Zigbee network.
//
// The bridge never speaks the radio protocol itself. A Zigbee gateway
// (coordinator firmware plus its host stack) owns network formation,
// interviews and ZCL framing, and exposes devices, attribute reports and
// command/attribute requests to the bridge through this interface.
package ncp

import (
	"context"
	"encoding/json"
)

// NCP is the abstract interface for the native Zigbee side.
type NCP interface {
	// Devices returns the current inventory of interviewed devices.
	Devices(ctx context.Context) ([]DeviceInfo, error)

	// ZCL
	ReadAttributes(ctx context.Context, req ReadAttributesRequest) ([]AttributeResponse, error)
	WriteAttribute(ctx context.Context, req WriteAttributeRequest) error
	SendCommand(ctx context.Context, req ClusterCommandRequest) error

	// Subscribe streams attribute reports for one device until ctx is
	// cancelled. Reports on the channel keep the order the gateway sent them.
	Subscribe(ctx context.Context, ieee string) (<-chan AttributeReportEvent, error)

	// Indication callbacks
	OnDeviceJoined(handler func(DeviceJoinedEvent))
	OnDeviceLeft(handler func(DeviceLeftEvent))
	OnAvailability(handler func(AvailabilityEvent))

	// Lifecycle
	Close() error
}

// DeviceInfo is the capability snapshot of one interviewed device.
type DeviceInfo struct {
	IEEEAddress  string     `json:"ieee"`
	Manufacturer string     `json:"manufacturer,omitempty"`
	Model        string     `json:"model,omitempty"`
	SWBuildID    string     `json:"sw_build_id,omitempty"`
	PowerSource  string     `json:"power_source,omitempty"`
	Endpoints    []Endpoint `json:"endpoints"`
}

// Endpoint describes one native endpoint and its server clusters.
type Endpoint struct {
	ID        uint8     `json:"id"`
	ProfileID uint16    `json:"profile_id"`
	DeviceID  uint16    `json:"device_id"`
	Clusters  []Cluster `json:"clusters"`
}

// Cluster lists what a native server cluster supports.
type Cluster struct {
	ID         uint16   `json:"id"`
	Attributes []uint16 `json:"attributes,omitempty"`
	Commands   []uint8  `json:"commands,omitempty"`
}

// ReadAttributesRequest specifies which attributes to read.
type ReadAttributesRequest struct {
	IEEEAddress string   `json:"device"`
	Endpoint    uint8    `json:"endpoint"`
	ClusterID   uint16   `json:"cluster"`
	AttrIDs     []uint16 `json:"attributes"`
}

// AttributeResponse holds a single attribute read result.
type AttributeResponse struct {
	AttrID uint16          `json:"attribute"`
	Status uint8           `json:"status"`
	Value  json.RawMessage `json:"value,omitempty"`
}

// WriteAttributeRequest writes one attribute.
type WriteAttributeRequest struct {
	IEEEAddress string          `json:"device"`
	Endpoint    uint8           `json:"endpoint"`
	ClusterID   uint16          `json:"cluster"`
	AttrID      uint16          `json:"attribute"`
	Value       json.RawMessage `json:"value"`
}

// ClusterCommandRequest sends a cluster-specific command. Payload is a JSON
// object keyed by native field name.
type ClusterCommandRequest struct {
	IEEEAddress string          `json:"device"`
	Endpoint    uint8           `json:"endpoint"`
	ClusterID   uint16          `json:"cluster"`
	CommandID   uint8           `json:"command"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// DeviceJoinedEvent is emitted when a device joins or re-announces with a
// completed interview.
type DeviceJoinedEvent struct {
	Device DeviceInfo
}

// DeviceLeftEvent is emitted when a device leaves the network.
type DeviceLeftEvent struct {
	IEEEAddress string
}

// AvailabilityEvent is emitted when the gateway's liveness view of a device
// changes.
type AvailabilityEvent struct {
	IEEEAddress string
	Online      bool
}

// AttributeReportEvent carries one attribute value reported by a device.
type AttributeReportEvent struct {
	IEEEAddress string          `json:"device"`
	Endpoint    uint8           `json:"endpoint"`
	ClusterID   uint16          `json:"cluster"`
	AttrID      uint16          `json:"attribute"`
	Value       json.RawMessage `json:"value"`
	LQI         uint8           `json:"lqi,omitempty"`
}
