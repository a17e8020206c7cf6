package clusters

import "zigbee-matter-bridge/internal/datamodel"

var WindowCovering = datamodel.ClusterDef{
	ID:       datamodel.ClusterWindowCovering,
	Name:     "WindowCovering",
	Revision: 5,
	Attributes: []datamodel.AttributeDef{
		{ID: 0x0000, Name: "Type", Type: "WindowCovering.TypeEnum", Access: datamodel.AccessRead},
		{ID: 0x0007, Name: "ConfigStatus", Type: "WindowCovering.ConfigStatusBitmap", Access: datamodel.AccessRead},
		{ID: 0x0008, Name: "CurrentPositionLiftPercentage", Type: "percent", Access: datamodel.AccessRead | datamodel.AccessReport},
		{ID: 0x0009, Name: "CurrentPositionTiltPercentage", Type: "percent", Access: datamodel.AccessRead | datamodel.AccessReport},
		{ID: 0x000E, Name: "CurrentPositionLiftPercent100ths", Type: "percent100ths", Access: datamodel.AccessRead | datamodel.AccessReport},
		{ID: 0x000F, Name: "CurrentPositionTiltPercent100ths", Type: "percent100ths", Access: datamodel.AccessRead | datamodel.AccessReport},
		{ID: 0x0017, Name: "Mode", Type: "WindowCovering.ModeBitmap", Access: datamodel.AccessRead | datamodel.AccessWrite},
	},
	Commands: []datamodel.CommandDef{
		{ID: 0x00, Name: "UpOrOpen"},
		{ID: 0x01, Name: "DownOrClose"},
		{ID: 0x02, Name: "StopMotion"},
		{ID: 0x05, Name: "GoToLiftPercentage", Fields: []datamodel.FieldDef{
			{Name: "LiftPercent100thsValue", Type: "percent100ths"},
		}},
		{ID: 0x08, Name: "GoToTiltPercentage", Fields: []datamodel.FieldDef{
			{Name: "TiltPercent100thsValue", Type: "percent100ths"},
		}},
	},
}
