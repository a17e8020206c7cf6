package clusters

import "zigbee-matter-bridge/internal/datamodel"

// Standard lists every cluster the bridge can expose.
var Standard = []datamodel.ClusterDef{
	Identify,
	OnOff,
	LevelControl,
	ColorControl,
	PowerSource,
	BridgedDeviceBasicInformation,
	BooleanState,
	DoorLock,
	WindowCovering,
	Thermostat,
	FanControl,
	IlluminanceMeasurement,
	TemperatureMeasurement,
	PressureMeasurement,
	RelativeHumidityMeasurement,
	OccupancySensing,
}
