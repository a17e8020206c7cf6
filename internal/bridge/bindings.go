package bridge

import "zigbee-matter-bridge/internal/datamodel"

// AttributeBinding maps one native attribute onto a target attribute of the
// bound cluster.
//
// By default the native JSON value is decoded directly with the target
// attribute's type tag. Labels translates native enum labels to target
// labels. Numeric means the native side sends enumerations and bitmaps as
// integers. Scale multiplies a native integer into target units; writes
// divide back and must divide exactly.
type AttributeBinding struct {
	Native    uint16            `json:"native"`
	Attribute uint32            `json:"attribute"`
	Labels    map[string]string `json:"labels,omitempty"`
	Numeric   bool              `json:"numeric,omitempty"`
	Scale     int64             `json:"scale,omitempty"`
}

// FieldBinding maps a target command field to a native payload field.
// Divisor converts target units to native units and must divide exactly.
type FieldBinding struct {
	Target  string `json:"target"`
	Native  string `json:"native"`
	Divisor int64  `json:"divisor,omitempty"`
}

// CommandBinding maps a target command to a native command.
type CommandBinding struct {
	Command uint32         `json:"command"`
	Native  uint8          `json:"native"`
	Fields  []FieldBinding `json:"fields,omitempty"`
}

// ClusterBinding maps a native cluster onto a target cluster.
type ClusterBinding struct {
	Native     uint16             `json:"native"`
	Target     uint32             `json:"target"`
	Attributes []AttributeBinding `json:"attributes,omitempty"`
	Commands   []CommandBinding   `json:"commands,omitempty"`
}

func fields(pairs ...string) []FieldBinding {
	out := make([]FieldBinding, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, FieldBinding{Target: pairs[i], Native: pairs[i+1]})
	}
	return out
}

var levelOptions = []string{"OptionsMask", "options_mask", "OptionsOverride", "options_override"}

func withLevelOptions(pairs ...string) []FieldBinding {
	return fields(append(pairs, levelOptions...)...)
}

// StandardBindings covers the ZCL clusters the bridge exposes out of the box.
var StandardBindings = []ClusterBinding{
	{
		Native: 0x0003, Target: datamodel.ClusterIdentify,
		Attributes: []AttributeBinding{
			{Native: 0x0000, Attribute: 0x0000},
		},
		Commands: []CommandBinding{
			{Command: 0x00, Native: 0x00, Fields: fields("IdentifyTime", "identify_time")},
			{Command: 0x40, Native: 0x40, Fields: fields("EffectIdentifier", "effect_id", "EffectVariant", "effect_variant")},
		},
	},
	{
		Native: 0x0006, Target: datamodel.ClusterOnOff,
		Attributes: []AttributeBinding{
			{Native: 0x0000, Attribute: 0x0000},
			{Native: 0x4000, Attribute: 0x4000},
			{Native: 0x4001, Attribute: 0x4001},
			{Native: 0x4002, Attribute: 0x4002},
			{Native: 0x4003, Attribute: 0x4003, Numeric: true},
		},
		Commands: []CommandBinding{
			{Command: 0x00, Native: 0x00},
			{Command: 0x01, Native: 0x01},
			{Command: 0x02, Native: 0x02},
			{Command: 0x40, Native: 0x40, Fields: fields("EffectIdentifier", "effect_id", "EffectVariant", "effect_variant")},
			{Command: 0x41, Native: 0x41},
			{Command: 0x42, Native: 0x42, Fields: fields("OnOffControl", "on_off_control", "OnTime", "on_time", "OffWaitTime", "off_wait_time")},
		},
	},
	{
		Native: 0x0008, Target: datamodel.ClusterLevelControl,
		Attributes: []AttributeBinding{
			{Native: 0x0000, Attribute: 0x0000},
			{Native: 0x0001, Attribute: 0x0001},
			{Native: 0x0002, Attribute: 0x0002},
			{Native: 0x0003, Attribute: 0x0003},
			{Native: 0x000F, Attribute: 0x000F, Numeric: true},
			{Native: 0x0010, Attribute: 0x0010},
			{Native: 0x0011, Attribute: 0x0011},
			{Native: 0x4000, Attribute: 0x4000},
		},
		Commands: []CommandBinding{
			{Command: 0x00, Native: 0x00, Fields: withLevelOptions("Level", "level", "TransitionTime", "transition_time")},
			{Command: 0x01, Native: 0x01, Fields: withLevelOptions("MoveMode", "move_mode", "Rate", "rate")},
			{Command: 0x02, Native: 0x02, Fields: withLevelOptions("StepMode", "step_mode", "StepSize", "step_size", "TransitionTime", "transition_time")},
			{Command: 0x03, Native: 0x03, Fields: withLevelOptions()},
			{Command: 0x04, Native: 0x04, Fields: withLevelOptions("Level", "level", "TransitionTime", "transition_time")},
			{Command: 0x05, Native: 0x05, Fields: withLevelOptions("MoveMode", "move_mode", "Rate", "rate")},
			{Command: 0x06, Native: 0x06, Fields: withLevelOptions("StepMode", "step_mode", "StepSize", "step_size", "TransitionTime", "transition_time")},
			{Command: 0x07, Native: 0x07, Fields: withLevelOptions()},
		},
	},
	{
		Native: 0x0300, Target: datamodel.ClusterColorControl,
		Attributes: []AttributeBinding{
			{Native: 0x0000, Attribute: 0x0000},
			{Native: 0x0001, Attribute: 0x0001},
			{Native: 0x0002, Attribute: 0x0002},
			{Native: 0x0003, Attribute: 0x0003},
			{Native: 0x0004, Attribute: 0x0004},
			{Native: 0x0007, Attribute: 0x0007},
			{Native: 0x0008, Attribute: 0x0008, Numeric: true},
			{Native: 0x000F, Attribute: 0x000F, Numeric: true},
			{Native: 0x400B, Attribute: 0x400B},
			{Native: 0x400C, Attribute: 0x400C},
		},
		Commands: []CommandBinding{
			{Command: 0x00, Native: 0x00, Fields: fields("Hue", "hue", "Direction", "direction", "TransitionTime", "transition_time")},
			{Command: 0x03, Native: 0x03, Fields: fields("Saturation", "saturation", "TransitionTime", "transition_time")},
			{Command: 0x06, Native: 0x06, Fields: fields("Hue", "hue", "Saturation", "saturation", "TransitionTime", "transition_time")},
			{Command: 0x07, Native: 0x07, Fields: fields("ColorX", "color_x", "ColorY", "color_y", "TransitionTime", "transition_time")},
			{Command: 0x0A, Native: 0x0A, Fields: fields("ColorTemperatureMireds", "color_temperature", "TransitionTime", "transition_time")},
		},
	},
	{
		Native: 0x0102, Target: datamodel.ClusterWindowCovering,
		Attributes: []AttributeBinding{
			{Native: 0x0000, Attribute: 0x0000, Numeric: true},
			{Native: 0x0007, Attribute: 0x0007, Numeric: true},
			{Native: 0x0008, Attribute: 0x0008},
			{Native: 0x0009, Attribute: 0x0009},
			{Native: 0x0017, Attribute: 0x0017, Numeric: true},
		},
		Commands: []CommandBinding{
			{Command: 0x00, Native: 0x00},
			{Command: 0x01, Native: 0x01},
			{Command: 0x02, Native: 0x02},
			{Command: 0x05, Native: 0x05, Fields: []FieldBinding{{Target: "LiftPercent100thsValue", Native: "percentage", Divisor: 100}}},
			{Command: 0x08, Native: 0x08, Fields: []FieldBinding{{Target: "TiltPercent100thsValue", Native: "percentage", Divisor: 100}}},
		},
	},
	{
		Native: 0x0201, Target: datamodel.ClusterThermostat,
		Attributes: []AttributeBinding{
			{Native: 0x0000, Attribute: 0x0000},
			{Native: 0x0003, Attribute: 0x0003},
			{Native: 0x0004, Attribute: 0x0004},
			{Native: 0x0011, Attribute: 0x0011},
			{Native: 0x0012, Attribute: 0x0012},
			{Native: 0x001C, Attribute: 0x001C, Labels: map[string]string{
				"off": "Off", "auto": "Auto", "cool": "Cool", "heat": "Heat",
				"emergency_heating": "EmergencyHeat", "precooling": "Precooling",
				"fan_only": "FanOnly", "dry": "Dry", "sleep": "Sleep",
			}},
			{Native: 0x001E, Attribute: 0x001E, Numeric: true},
		},
		Commands: []CommandBinding{
			{Command: 0x00, Native: 0x00, Fields: fields("Mode", "mode", "Amount", "amount")},
		},
	},
	{
		Native: 0x0202, Target: datamodel.ClusterFanControl,
		Attributes: []AttributeBinding{
			{Native: 0x0000, Attribute: 0x0000, Labels: map[string]string{
				"off": "Off", "low": "Low", "medium": "Medium", "high": "High",
				"on": "On", "auto": "Auto", "smart": "Smart",
			}},
			{Native: 0x0001, Attribute: 0x0001, Numeric: true},
		},
	},
	{
		Native: 0x0101, Target: datamodel.ClusterDoorLock,
		Attributes: []AttributeBinding{
			{Native: 0x0000, Attribute: 0x0000, Numeric: true},
			{Native: 0x0001, Attribute: 0x0001, Numeric: true},
			{Native: 0x0002, Attribute: 0x0002},
			{Native: 0x0003, Attribute: 0x0003, Numeric: true},
		},
		Commands: []CommandBinding{
			{Command: 0x00, Native: 0x00, Fields: fields("PINCode", "pin_code")},
			{Command: 0x01, Native: 0x01, Fields: fields("PINCode", "pin_code")},
		},
	},
	{
		Native: 0x0402, Target: datamodel.ClusterTemperatureMeasurement,
		Attributes: []AttributeBinding{
			{Native: 0x0000, Attribute: 0x0000},
			{Native: 0x0001, Attribute: 0x0001},
			{Native: 0x0002, Attribute: 0x0002},
			{Native: 0x0003, Attribute: 0x0003},
		},
	},
	{
		Native: 0x0405, Target: datamodel.ClusterRelativeHumidityMeasurement,
		Attributes: []AttributeBinding{
			{Native: 0x0000, Attribute: 0x0000},
			{Native: 0x0001, Attribute: 0x0001},
			{Native: 0x0002, Attribute: 0x0002},
		},
	},
	{
		Native: 0x0403, Target: datamodel.ClusterPressureMeasurement,
		Attributes: []AttributeBinding{
			{Native: 0x0000, Attribute: 0x0000},
			{Native: 0x0001, Attribute: 0x0001},
			{Native: 0x0002, Attribute: 0x0002},
		},
	},
	{
		Native: 0x0400, Target: datamodel.ClusterIlluminanceMeasurement,
		Attributes: []AttributeBinding{
			{Native: 0x0000, Attribute: 0x0000},
			{Native: 0x0001, Attribute: 0x0001},
			{Native: 0x0002, Attribute: 0x0002},
		},
	},
	{
		Native: 0x0406, Target: datamodel.ClusterOccupancySensing,
		Attributes: []AttributeBinding{
			{Native: 0x0000, Attribute: 0x0000, Numeric: true},
			{Native: 0x0001, Attribute: 0x0001, Numeric: true},
		},
	},
	{
		// Binary Input: PresentValue
		Native: 0x000F, Target: datamodel.ClusterBooleanState,
		Attributes: []AttributeBinding{
			{Native: 0x0055, Attribute: 0x0000},
		},
	},
	{
		// Power Configuration: BatteryVoltage is in 100 mV units.
		Native: 0x0001, Target: datamodel.ClusterPowerSource,
		Attributes: []AttributeBinding{
			{Native: 0x0020, Attribute: 0x000B, Scale: 100},
			{Native: 0x0021, Attribute: 0x000C},
		},
	},
}
