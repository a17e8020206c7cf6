package clusters

import "zigbee-matter-bridge/internal/datamodel"

var Identify = datamodel.ClusterDef{
	ID:       datamodel.ClusterIdentify,
	Name:     "Identify",
	Revision: 4,
	Attributes: []datamodel.AttributeDef{
		{ID: 0x0000, Name: "IdentifyTime", Type: "uint16", Access: datamodel.AccessRead | datamodel.AccessWrite},
		{ID: 0x0001, Name: "IdentifyType", Type: "Identify.IdentifyTypeEnum", Access: datamodel.AccessRead},
	},
	Commands: []datamodel.CommandDef{
		{ID: 0x00, Name: "Identify", Fields: []datamodel.FieldDef{
			{Name: "IdentifyTime", Type: "uint16"},
		}},
		{ID: 0x40, Name: "TriggerEffect", Fields: []datamodel.FieldDef{
			{Name: "EffectIdentifier", Type: "Identify.EffectIdentifierEnum"},
			{Name: "EffectVariant", Type: "uint8"},
		}},
	},
}

var PowerSource = datamodel.ClusterDef{
	ID:       datamodel.ClusterPowerSource,
	Name:     "PowerSource",
	Revision: 2,
	Attributes: []datamodel.AttributeDef{
		{ID: 0x0000, Name: "Status", Type: "PowerSource.PowerSourceStatusEnum", Access: datamodel.AccessRead},
		{ID: 0x000B, Name: "BatVoltage", Type: "uint32", Access: datamodel.AccessRead | datamodel.AccessReport},
		{ID: 0x000C, Name: "BatPercentRemaining", Type: "uint8", Access: datamodel.AccessRead | datamodel.AccessReport, Range: datamodel.Bounds(0, 200)},
		{ID: 0x000E, Name: "BatChargeLevel", Type: "PowerSource.BatChargeLevelEnum", Access: datamodel.AccessRead},
	},
}

// BridgedDeviceBasicInformation is served by the bridge itself for every
// bridged device; its values come from the native identity and liveness.
var BridgedDeviceBasicInformation = datamodel.ClusterDef{
	ID:       datamodel.ClusterBridgedDeviceBasicInformation,
	Name:     "BridgedDeviceBasicInformation",
	Revision: 4,
	Attributes: []datamodel.AttributeDef{
		{ID: 0x0001, Name: "VendorName", Type: "string", Access: datamodel.AccessRead},
		{ID: 0x0003, Name: "ProductName", Type: "string", Access: datamodel.AccessRead},
		{ID: 0x0005, Name: "NodeLabel", Type: "string", Access: datamodel.AccessRead | datamodel.AccessWrite | datamodel.AccessReport},
		{ID: 0x000A, Name: "SoftwareVersionString", Type: "string", Access: datamodel.AccessRead},
		{ID: 0x0011, Name: "Reachable", Type: "bool", Access: datamodel.AccessRead | datamodel.AccessReport},
		{ID: 0x0012, Name: "UniqueID", Type: "string", Access: datamodel.AccessRead},
	},
	Events: []datamodel.EventDef{
		{ID: 0x00, Name: "StartUp"},
		{ID: 0x01, Name: "ShutDown"},
		{ID: 0x03, Name: "ReachableChanged"},
	},
}
