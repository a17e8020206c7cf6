package clusters

import "zigbee-matter-bridge/internal/datamodel"

var Thermostat = datamodel.ClusterDef{
	ID:       datamodel.ClusterThermostat,
	Name:     "Thermostat",
	Revision: 6,
	Attributes: []datamodel.AttributeDef{
		{ID: 0x0000, Name: "LocalTemperature", Type: "temperature", Access: datamodel.AccessRead | datamodel.AccessReport},
		{ID: 0x0003, Name: "AbsMinHeatSetpointLimit", Type: "temperature", Access: datamodel.AccessRead},
		{ID: 0x0004, Name: "AbsMaxHeatSetpointLimit", Type: "temperature", Access: datamodel.AccessRead},
		{ID: 0x0011, Name: "OccupiedCoolingSetpoint", Type: "temperature", Access: datamodel.AccessRead | datamodel.AccessWrite | datamodel.AccessReport},
		{ID: 0x0012, Name: "OccupiedHeatingSetpoint", Type: "temperature", Access: datamodel.AccessRead | datamodel.AccessWrite | datamodel.AccessReport},
		{ID: 0x001C, Name: "SystemMode", Type: "Thermostat.SystemModeEnum", Access: datamodel.AccessRead | datamodel.AccessWrite | datamodel.AccessReport},
		{ID: 0x001E, Name: "ThermostatRunningMode", Type: "Thermostat.ThermostatRunningModeEnum", Access: datamodel.AccessRead},
	},
	Commands: []datamodel.CommandDef{
		{ID: 0x00, Name: "SetpointRaiseLower", Fields: []datamodel.FieldDef{
			{Name: "Mode", Type: "Thermostat.SetpointRaiseLowerModeEnum"},
			{Name: "Amount", Type: "int8"},
		}},
	},
}

var FanControl = datamodel.ClusterDef{
	ID:       datamodel.ClusterFanControl,
	Name:     "FanControl",
	Revision: 4,
	Attributes: []datamodel.AttributeDef{
		{ID: 0x0000, Name: "FanMode", Type: "FanControl.FanModeEnum", Access: datamodel.AccessRead | datamodel.AccessWrite | datamodel.AccessReport},
		{ID: 0x0001, Name: "FanModeSequence", Type: "FanControl.FanModeSequenceEnum", Access: datamodel.AccessRead},
		{ID: 0x0002, Name: "PercentSetting", Type: "percent", Access: datamodel.AccessRead | datamodel.AccessWrite},
		{ID: 0x0003, Name: "PercentCurrent", Type: "percent", Access: datamodel.AccessRead | datamodel.AccessReport},
	},
}
