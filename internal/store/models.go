package store

import (
	"encoding/json"
	"time"
)

// Device is the persisted capability snapshot and last-known state of a
// bridged Zigbee device.
type Device struct {
	IEEEAddress  string           `json:"ieee_address"`
	Manufacturer string           `json:"manufacturer,omitempty"`
	Model        string           `json:"model,omitempty"`
	SWBuildID    string           `json:"sw_build_id,omitempty"`
	PowerSource  string           `json:"power_source,omitempty"`
	FriendlyName string           `json:"friendly_name,omitempty"`
	Endpoints    []Endpoint       `json:"endpoints,omitempty"`
	JoinedAt     time.Time        `json:"joined_at"`
	LastSeen     time.Time        `json:"last_seen"`
	Values       []AttributeValue `json:"values,omitempty"`
}

// Endpoint represents a native device endpoint.
type Endpoint struct {
	ID        uint8     `json:"id"`
	ProfileID uint16    `json:"profile_id"`
	DeviceID  uint16    `json:"device_id"`
	Clusters  []Cluster `json:"clusters"`
}

// Cluster is a native server cluster with its supported attributes and
// commands.
type Cluster struct {
	ID         uint16   `json:"id"`
	Attributes []uint16 `json:"attributes,omitempty"`
	Commands   []uint8  `json:"commands,omitempty"`
}

// AttributeValue is the last confirmed native value of one attribute.
type AttributeValue struct {
	Endpoint  uint8           `json:"endpoint"`
	Cluster   uint16          `json:"cluster"`
	Attribute uint16          `json:"attribute"`
	Value     json.RawMessage `json:"value"`
}

// SetValue replaces or appends the stored value of one attribute.
func (d *Device) SetValue(ep uint8, cluster, attr uint16, value json.RawMessage) {
	for i := range d.Values {
		v := &d.Values[i]
		if v.Endpoint == ep && v.Cluster == cluster && v.Attribute == attr {
			v.Value = value
			return
		}
	}
	d.Values = append(d.Values, AttributeValue{Endpoint: ep, Cluster: cluster, Attribute: attr, Value: value})
}

// Mapping ties a native (device, endpoint) pair to a target endpoint ID.
type Mapping struct {
	EndpointID  uint16   `json:"endpoint_id"`
	IEEEAddress string   `json:"ieee_address"`
	Index       uint8    `json:"index"`
	Clusters    []uint32 `json:"clusters"`
}
