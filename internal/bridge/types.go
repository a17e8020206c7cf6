package bridge

import (
	"fmt"
	"time"

	"zigbee-matter-bridge/internal/codec"
	"zigbee-matter-bridge/internal/datamodel"
)

// EndpointID is a target-side endpoint identifier.
type EndpointID uint16

// RootEndpoint is the bridge's own root/aggregator endpoint. Bridged
// endpoints are numbered from FirstEndpoint upwards.
const (
	RootEndpoint  EndpointID = 0
	FirstEndpoint EndpointID = 1
)

func (id EndpointID) String() string {
	return fmt.Sprintf("%d", uint16(id))
}

// Liveness is the native-side reachability of a device.
type Liveness uint8

const (
	LivenessUnknown Liveness = iota
	LivenessOnline
	LivenessOffline
)

func (l Liveness) String() string {
	switch l {
	case LivenessOnline:
		return "online"
	case LivenessOffline:
		return "offline"
	}
	return "unknown"
}

func (l Liveness) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Liveness) UnmarshalText(text []byte) error {
	for _, v := range []Liveness{LivenessUnknown, LivenessOnline, LivenessOffline} {
		if v.String() == string(text) {
			*l = v
			return nil
		}
	}
	return fmt.Errorf("unknown liveness %q", text)
}

// DeviceState is the bridge lifecycle state of a device.
type DeviceState uint8

const (
	StateDiscovered DeviceState = iota
	StateMapped
	StateActive
	StateOffline
	StateRemoved
)

func (s DeviceState) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateMapped:
		return "mapped"
	case StateActive:
		return "active"
	case StateOffline:
		return "offline"
	case StateRemoved:
		return "removed"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

func (s DeviceState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *DeviceState) UnmarshalText(text []byte) error {
	for v := StateDiscovered; v <= StateRemoved; v++ {
		if v.String() == string(text) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown device state %q", text)
}

// AttributeReport is the payload of EventAttributeReport.
type AttributeReport struct {
	Endpoint      EndpointID  `json:"endpoint"`
	DeviceID      string      `json:"device"`
	Cluster       uint32      `json:"cluster"`
	ClusterName   string      `json:"cluster_name"`
	Attribute     uint32      `json:"attribute"`
	AttributeName string      `json:"attribute_name"`
	Value         codec.Value `json:"value"`
	Seq           uint64      `json:"seq"`
	Time          time.Time   `json:"time"`
}

// ClusterEvent is the payload of EventClusterEvent.
type ClusterEvent struct {
	Endpoint    EndpointID     `json:"endpoint"`
	Cluster     uint32         `json:"cluster"`
	ClusterName string         `json:"cluster_name"`
	Event       uint32         `json:"event"`
	Name        string         `json:"name"`
	Data        map[string]any `json:"data,omitempty"`
	Time        time.Time      `json:"time"`
}

// EndpointInfo describes a target endpoint: the payload of
// EventEndpointAdded and EventEndpointRemoved.
type EndpointInfo struct {
	Endpoint   EndpointID           `json:"endpoint"`
	DeviceID   string               `json:"device"`
	Index      uint8                `json:"index"`
	DeviceType datamodel.DeviceType `json:"device_type"`
	Clusters   []uint32             `json:"clusters"`
	Label      string               `json:"label,omitempty"`
	Reachable  bool                 `json:"reachable"`
}

// DeviceStateChange is the payload of EventDeviceState.
type DeviceStateChange struct {
	DeviceID string      `json:"device"`
	State    DeviceState `json:"state"`
	Previous DeviceState `json:"previous"`
	Liveness Liveness    `json:"liveness"`
}

// OperationKind distinguishes command invocations from attribute writes.
type OperationKind string

const (
	KindInvoke OperationKind = "invoke"
	KindWrite  OperationKind = "write"
)

// OperationResult is the payload of EventCommandResult and EventWriteResult.
type OperationResult struct {
	ID            string        `json:"id"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	Kind          OperationKind `json:"kind"`
	Endpoint      EndpointID    `json:"endpoint"`
	Cluster       uint32        `json:"cluster"`
	Target        uint32        `json:"target"` // command or attribute ID
	Status        Status        `json:"status"`
	Error         string        `json:"error,omitempty"`
}

// CapabilityGap records something a device has that the target model cannot
// express: the payload of EventCapabilityGap.
type CapabilityGap struct {
	DeviceID  string     `json:"device"`
	Index     uint8      `json:"index"`
	Endpoint  EndpointID `json:"endpoint,omitempty"`
	Cluster   uint16     `json:"cluster"`
	Attribute *uint16    `json:"attribute,omitempty"`
	Reason    string     `json:"reason"`
	Time      time.Time  `json:"time"`
}
