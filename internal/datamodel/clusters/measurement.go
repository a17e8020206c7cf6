package clusters

import "zigbee-matter-bridge/internal/datamodel"

var TemperatureMeasurement = datamodel.ClusterDef{
	ID:       datamodel.ClusterTemperatureMeasurement,
	Name:     "TemperatureMeasurement",
	Revision: 4,
	Attributes: []datamodel.AttributeDef{
		{ID: 0x0000, Name: "MeasuredValue", Type: "temperature", Access: datamodel.AccessRead | datamodel.AccessReport},
		{ID: 0x0001, Name: "MinMeasuredValue", Type: "temperature", Access: datamodel.AccessRead},
		{ID: 0x0002, Name: "MaxMeasuredValue", Type: "temperature", Access: datamodel.AccessRead},
		{ID: 0x0003, Name: "Tolerance", Type: "uint16", Access: datamodel.AccessRead, Range: datamodel.Bounds(0, 2048)},
	},
}

var RelativeHumidityMeasurement = datamodel.ClusterDef{
	ID:       datamodel.ClusterRelativeHumidityMeasurement,
	Name:     "RelativeHumidityMeasurement",
	Revision: 3,
	Attributes: []datamodel.AttributeDef{
		{ID: 0x0000, Name: "MeasuredValue", Type: "uint16", Access: datamodel.AccessRead | datamodel.AccessReport, Range: datamodel.Bounds(0, 10000)},
		{ID: 0x0001, Name: "MinMeasuredValue", Type: "uint16", Access: datamodel.AccessRead},
		{ID: 0x0002, Name: "MaxMeasuredValue", Type: "uint16", Access: datamodel.AccessRead},
	},
}

var PressureMeasurement = datamodel.ClusterDef{
	ID:       datamodel.ClusterPressureMeasurement,
	Name:     "PressureMeasurement",
	Revision: 3,
	Attributes: []datamodel.AttributeDef{
		{ID: 0x0000, Name: "MeasuredValue", Type: "int16", Access: datamodel.AccessRead | datamodel.AccessReport},
		{ID: 0x0001, Name: "MinMeasuredValue", Type: "int16", Access: datamodel.AccessRead},
		{ID: 0x0002, Name: "MaxMeasuredValue", Type: "int16", Access: datamodel.AccessRead},
	},
}

var IlluminanceMeasurement = datamodel.ClusterDef{
	ID:       datamodel.ClusterIlluminanceMeasurement,
	Name:     "IlluminanceMeasurement",
	Revision: 3,
	Attributes: []datamodel.AttributeDef{
		{ID: 0x0000, Name: "MeasuredValue", Type: "uint16", Access: datamodel.AccessRead | datamodel.AccessReport, Range: datamodel.Bounds(0, 0xFFFE)},
		{ID: 0x0001, Name: "MinMeasuredValue", Type: "uint16", Access: datamodel.AccessRead},
		{ID: 0x0002, Name: "MaxMeasuredValue", Type: "uint16", Access: datamodel.AccessRead},
	},
}

var OccupancySensing = datamodel.ClusterDef{
	ID:       datamodel.ClusterOccupancySensing,
	Name:     "OccupancySensing",
	Revision: 4,
	Attributes: []datamodel.AttributeDef{
		{ID: 0x0000, Name: "Occupancy", Type: "OccupancySensing.OccupancyBitmap", Access: datamodel.AccessRead | datamodel.AccessReport},
		{ID: 0x0001, Name: "OccupancySensorType", Type: "OccupancySensing.OccupancySensorTypeEnum", Access: datamodel.AccessRead},
	},
}

var BooleanState = datamodel.ClusterDef{
	ID:       datamodel.ClusterBooleanState,
	Name:     "BooleanState",
	Revision: 1,
	Attributes: []datamodel.AttributeDef{
		{ID: 0x0000, Name: "StateValue", Type: "bool", Access: datamodel.AccessRead | datamodel.AccessReport},
	},
	Events: []datamodel.EventDef{
		{ID: 0x00, Name: "StateChange"},
	},
}
