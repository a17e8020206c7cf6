package datamodel

// Cluster IDs of the standard target clusters referenced by bridge logic.
const (
	ClusterIdentify                      uint32 = 0x0003
	ClusterOnOff                         uint32 = 0x0006
	ClusterLevelControl                  uint32 = 0x0008
	ClusterDescriptor                    uint32 = 0x001D
	ClusterPowerSource                   uint32 = 0x002F
	ClusterBridgedDeviceBasicInformation uint32 = 0x0039
	ClusterBooleanState                  uint32 = 0x0045
	ClusterDoorLock                      uint32 = 0x0101
	ClusterWindowCovering                uint32 = 0x0102
	ClusterThermostat                    uint32 = 0x0201
	ClusterFanControl                    uint32 = 0x0202
	ClusterColorControl                  uint32 = 0x0300
	ClusterIlluminanceMeasurement        uint32 = 0x0400
	ClusterTemperatureMeasurement        uint32 = 0x0402
	ClusterPressureMeasurement           uint32 = 0x0403
	ClusterRelativeHumidityMeasurement   uint32 = 0x0405
	ClusterOccupancySensing              uint32 = 0x0406
)

// DeviceType identifies what an endpoint presents itself as.
type DeviceType struct {
	ID   uint32 `json:"id"`
	Name string `json:"name"`
}

var (
	DeviceTypeAggregator         = DeviceType{0x000E, "Aggregator"}
	DeviceTypeBridgedNode        = DeviceType{0x0013, "BridgedNode"}
	DeviceTypeOnOffLight         = DeviceType{0x0100, "OnOffLight"}
	DeviceTypeDimmableLight      = DeviceType{0x0101, "DimmableLight"}
	DeviceTypeExtendedColorLight = DeviceType{0x010D, "ExtendedColorLight"}
	DeviceTypeOnOffPlugIn        = DeviceType{0x010A, "OnOffPlugInUnit"}
	DeviceTypeDoorLock           = DeviceType{0x000A, "DoorLock"}
	DeviceTypeWindowCovering     = DeviceType{0x0202, "WindowCovering"}
	DeviceTypeThermostat         = DeviceType{0x0301, "Thermostat"}
	DeviceTypeFan                = DeviceType{0x002B, "Fan"}
	DeviceTypeContactSensor      = DeviceType{0x0015, "ContactSensor"}
	DeviceTypeLightSensor        = DeviceType{0x0106, "LightSensor"}
	DeviceTypeOccupancySensor    = DeviceType{0x0107, "OccupancySensor"}
	DeviceTypeTemperatureSensor  = DeviceType{0x0302, "TemperatureSensor"}
	DeviceTypePressureSensor     = DeviceType{0x0305, "PressureSensor"}
	DeviceTypeHumiditySensor     = DeviceType{0x0307, "HumiditySensor"}
)

// ClassifyEndpoint picks the device type that best describes an endpoint
// from the target clusters it exposes. Actuator clusters win over sensors.
func ClassifyEndpoint(clusters []uint32) (DeviceType, bool) {
	has := make(map[uint32]bool, len(clusters))
	for _, c := range clusters {
		has[c] = true
	}

	switch {
	case has[ClusterDoorLock]:
		return DeviceTypeDoorLock, true
	case has[ClusterWindowCovering]:
		return DeviceTypeWindowCovering, true
	case has[ClusterThermostat]:
		return DeviceTypeThermostat, true
	case has[ClusterFanControl]:
		return DeviceTypeFan, true
	case has[ClusterColorControl]:
		return DeviceTypeExtendedColorLight, true
	case has[ClusterLevelControl] && has[ClusterOnOff]:
		return DeviceTypeDimmableLight, true
	case has[ClusterOnOff]:
		return DeviceTypeOnOffPlugIn, true
	case has[ClusterOccupancySensing]:
		return DeviceTypeOccupancySensor, true
	case has[ClusterBooleanState]:
		return DeviceTypeContactSensor, true
	case has[ClusterTemperatureMeasurement]:
		return DeviceTypeTemperatureSensor, true
	case has[ClusterRelativeHumidityMeasurement]:
		return DeviceTypeHumiditySensor, true
	case has[ClusterPressureMeasurement]:
		return DeviceTypePressureSensor, true
	case has[ClusterIlluminanceMeasurement]:
		return DeviceTypeLightSensor, true
	}
	return DeviceType{}, false
}
