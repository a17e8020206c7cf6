//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"slices"
	"strings"

	"zigbee-matter-bridge/internal/bridge"
	"zigbee-matter-bridge/internal/datamodel"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/bridge_00158D..._1/temperature/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers []string `json:"identifiers"`
	Name        string   `json:"name"`
	ViaDevice   string   `json:"via_device,omitempty"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name                      string   `json:"name"`
	UniqueID                  string   `json:"unique_id"`
	StateTopic                string   `json:"state_topic"`
	CommandTopic              string   `json:"command_topic,omitempty"`
	AvailabilityTopic         string   `json:"availability_topic"`
	ValueTemplate             string   `json:"value_template,omitempty"`
	StateValueTemplate        string   `json:"state_value_template,omitempty"`
	UnitOfMeasurement         string   `json:"unit_of_measurement,omitempty"`
	DeviceClass               string   `json:"device_class,omitempty"`
	StateClass                string   `json:"state_class,omitempty"`
	PayloadOn                 string   `json:"payload_on,omitempty"`
	PayloadOff                string   `json:"payload_off,omitempty"`
	BrightnessScale           int      `json:"brightness_scale,omitempty"`
	BrightnessStateTopic      string   `json:"brightness_state_topic,omitempty"`
	BrightnessValueTemplate   string   `json:"brightness_value_template,omitempty"`
	BrightnessCommandTopic    string   `json:"brightness_command_topic,omitempty"`
	BrightnessCommandTemplate string   `json:"brightness_command_template,omitempty"`
	SupportedColorModes       []string `json:"supported_color_modes,omitempty"`
	Device                    haDevice `json:"device"`
}

// endpointDisplayName returns a display name for a target endpoint.
func endpointDisplayName(info bridge.EndpointInfo) string {
	name := info.Label
	if name == "" {
		name = info.DeviceID
	}
	if info.Index > 1 {
		name = fmt.Sprintf("%s (%d)", name, info.Index)
	}
	return name
}

// endpointIdentifier returns the unique identifier for the HA device registry.
func endpointIdentifier(info bridge.EndpointInfo) string {
	return fmt.Sprintf("bridge_%s_%d", strings.TrimPrefix(info.DeviceID, "0x"), info.Index)
}

func attributeTopic(prefix string, ep bridge.EndpointID, cluster, attr string) string {
	return fmt.Sprintf("%s/%d/%s/%s", prefix, ep, cluster, attr)
}

func commandTopic(prefix string, ep bridge.EndpointID, cluster, command string) string {
	if command == "" {
		return fmt.Sprintf("%s/%d/%s/command", prefix, ep, cluster)
	}
	return fmt.Sprintf("%s/%d/%s/command/%s", prefix, ep, cluster, command)
}

type sensorSpec struct {
	cluster     uint32
	clusterName string
	attribute   string
	objectID    string
	suffix      string
	deviceClass string
	unit        string
	valueTmpl   string
}

var sensorSpecs = []sensorSpec{
	{datamodel.ClusterTemperatureMeasurement, "TemperatureMeasurement", "MeasuredValue",
		"temperature", "Temperature", "temperature", "°C", "{{ value_json.value / 100 }}"},
	{datamodel.ClusterRelativeHumidityMeasurement, "RelativeHumidityMeasurement", "MeasuredValue",
		"humidity", "Humidity", "humidity", "%", "{{ value_json.value / 100 }}"},
	{datamodel.ClusterPressureMeasurement, "PressureMeasurement", "MeasuredValue",
		"pressure", "Pressure", "pressure", "hPa", "{{ value_json.value }}"},
	{datamodel.ClusterIlluminanceMeasurement, "IlluminanceMeasurement", "MeasuredValue",
		"illuminance", "Illuminance", "illuminance", "lx", "{{ (10 ** ((value_json.value - 1) / 10000)) | round(0) }}"},
	{datamodel.ClusterPowerSource, "PowerSource", "BatPercentRemaining",
		"battery", "Battery", "battery", "%", "{{ value_json.value / 2 }}"},
}

// buildDiscovery generates HA discovery messages for a target endpoint from
// the clusters it exposes.
func buildDiscovery(info bridge.EndpointInfo, prefix string) []discoveryMsg {
	if len(info.Clusters) == 0 {
		return nil
	}

	avail := prefix + "/bridge/state"
	nodeID := endpointIdentifier(info)
	displayName := endpointDisplayName(info)
	haDev := haDevice{
		Identifiers: []string{nodeID},
		Name:        displayName,
		ViaDevice:   "matter_bridge",
	}
	has := func(id uint32) bool { return slices.Contains(info.Clusters, id) }

	var msgs []discoveryMsg

	// OnOff with LevelControl is a dimmable light; OnOff alone a switch.
	if has(datamodel.ClusterOnOff) && has(datamodel.ClusterLevelControl) {
		msgs = append(msgs, buildLight(nodeID, displayName, avail, haDev, prefix, info.Endpoint))
	} else if has(datamodel.ClusterOnOff) {
		msgs = append(msgs, buildSwitch(nodeID, displayName, avail, haDev, prefix, info.Endpoint))
	}

	for _, s := range sensorSpecs {
		if !has(s.cluster) {
			continue
		}
		msgs = append(msgs, buildSensor(nodeID, displayName, avail, haDev,
			attributeTopic(prefix, info.Endpoint, s.clusterName, s.attribute),
			s.objectID, s.suffix, s.deviceClass, s.unit, "measurement", s.valueTmpl))
	}

	if has(datamodel.ClusterOccupancySensing) {
		msgs = append(msgs, buildBinarySensor(nodeID, displayName, avail, haDev,
			attributeTopic(prefix, info.Endpoint, "OccupancySensing", "Occupancy"),
			"occupancy", "Occupancy", "occupancy",
			"{{ 'ON' if value_json.value | length > 0 else 'OFF' }}"))
	}

	// BooleanState true means contact, so the door is closed.
	if has(datamodel.ClusterBooleanState) {
		msgs = append(msgs, buildBinarySensor(nodeID, displayName, avail, haDev,
			attributeTopic(prefix, info.Endpoint, "BooleanState", "StateValue"),
			"contact", "Contact", "door",
			"{{ 'OFF' if value_json.value else 'ON' }}"))
	}

	return msgs
}

func buildSensor(nodeID, displayName, avail string, haDev haDevice, stateTopic,
	objectID, suffix, deviceClass, unit, stateClass, valueTmpl string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/sensor/%s/%s/config", nodeID, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          nodeID + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     valueTmpl,
		UnitOfMeasurement: unit,
		DeviceClass:       deviceClass,
		StateClass:        stateClass,
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildBinarySensor(nodeID, displayName, avail string, haDev haDevice, stateTopic,
	objectID, suffix, deviceClass, valueTmpl string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/binary_sensor/%s/%s/config", nodeID, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          nodeID + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     valueTmpl,
		DeviceClass:       deviceClass,
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

// The light and switch command topics take a bare command name ("On",
// "Off") as payload.
func buildLight(nodeID, displayName, avail string, haDev haDevice, prefix string, ep bridge.EndpointID) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/light/%s/light/config", nodeID)
	payload := haDiscovery{
		Name:                      displayName,
		UniqueID:                  nodeID + "_light",
		StateTopic:                attributeTopic(prefix, ep, "OnOff", "OnOff"),
		StateValueTemplate:        "{{ 'On' if value_json.value else 'Off' }}",
		CommandTopic:              commandTopic(prefix, ep, "OnOff", ""),
		PayloadOn:                 "On",
		PayloadOff:                "Off",
		AvailabilityTopic:         avail,
		BrightnessScale:           254,
		BrightnessStateTopic:      attributeTopic(prefix, ep, "LevelControl", "CurrentLevel"),
		BrightnessValueTemplate:   "{{ value_json.value }}",
		BrightnessCommandTopic:    commandTopic(prefix, ep, "LevelControl", "MoveToLevelWithOnOff"),
		BrightnessCommandTemplate: `{"fields":{"Level":{{ value }}}}`,
		SupportedColorModes:       []string{"brightness"},
		Device:                    haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildSwitch(nodeID, displayName, avail string, haDev haDevice, prefix string, ep bridge.EndpointID) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/switch/%s/switch/config", nodeID)
	payload := haDiscovery{
		Name:              displayName,
		UniqueID:          nodeID + "_switch",
		StateTopic:        attributeTopic(prefix, ep, "OnOff", "OnOff"),
		CommandTopic:      commandTopic(prefix, ep, "OnOff", ""),
		AvailabilityTopic: avail,
		ValueTemplate:     "{{ 'On' if value_json.value else 'Off' }}",
		PayloadOn:         "On",
		PayloadOff:        "Off",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

// buildRemoveDiscovery generates empty retained messages to remove an
// endpoint from HA.
func buildRemoveDiscovery(info bridge.EndpointInfo) []discoveryMsg {
	nodeID := endpointIdentifier(info)

	// Remove all possible component types.
	components := []struct{ comp, obj string }{
		{"light", "light"},
		{"switch", "switch"},
		{"binary_sensor", "occupancy"},
		{"binary_sensor", "contact"},
	}
	for _, s := range sensorSpecs {
		components = append(components, struct{ comp, obj string }{"sensor", s.objectID})
	}

	var msgs []discoveryMsg
	for _, c := range components {
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/%s/%s/%s/config", c.comp, nodeID, c.obj),
			Payload: nil, // empty retained = delete
		})
	}
	return msgs
}
