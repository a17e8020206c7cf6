package clusters

import "zigbee-matter-bridge/internal/datamodel"

var options = []datamodel.FieldDef{
	{Name: "OptionsMask", Type: "LevelControl.OptionsBitmap", Optional: true},
	{Name: "OptionsOverride", Type: "LevelControl.OptionsBitmap", Optional: true},
}

func withOptions(fields ...datamodel.FieldDef) []datamodel.FieldDef {
	return append(fields, options...)
}

var LevelControl = datamodel.ClusterDef{
	ID:       datamodel.ClusterLevelControl,
	Name:     "LevelControl",
	Revision: 5,
	Attributes: []datamodel.AttributeDef{
		{ID: 0x0000, Name: "CurrentLevel", Type: "uint8", Access: datamodel.AccessRead | datamodel.AccessReport, Range: datamodel.Bounds(0, 254)},
		{ID: 0x0001, Name: "RemainingTime", Type: "uint16", Access: datamodel.AccessRead},
		{ID: 0x0002, Name: "MinLevel", Type: "uint8", Access: datamodel.AccessRead},
		{ID: 0x0003, Name: "MaxLevel", Type: "uint8", Access: datamodel.AccessRead},
		{ID: 0x000F, Name: "Options", Type: "LevelControl.OptionsBitmap", Access: datamodel.AccessRead | datamodel.AccessWrite},
		{ID: 0x0010, Name: "OnOffTransitionTime", Type: "uint16", Access: datamodel.AccessRead | datamodel.AccessWrite},
		{ID: 0x0011, Name: "OnLevel", Type: "uint8", Access: datamodel.AccessRead | datamodel.AccessWrite, Range: datamodel.Bounds(1, 254)},
		{ID: 0x4000, Name: "StartUpCurrentLevel", Type: "uint8", Access: datamodel.AccessRead | datamodel.AccessWrite},
	},
	Commands: []datamodel.CommandDef{
		{ID: 0x00, Name: "MoveToLevel", Fields: withOptions(
			datamodel.FieldDef{Name: "Level", Type: "uint8", Range: datamodel.Bounds(0, 254)},
			datamodel.FieldDef{Name: "TransitionTime", Type: "uint16", Optional: true},
		)},
		{ID: 0x01, Name: "Move", Fields: withOptions(
			datamodel.FieldDef{Name: "MoveMode", Type: "LevelControl.MoveModeEnum"},
			datamodel.FieldDef{Name: "Rate", Type: "uint8", Optional: true},
		)},
		{ID: 0x02, Name: "Step", Fields: withOptions(
			datamodel.FieldDef{Name: "StepMode", Type: "LevelControl.StepModeEnum"},
			datamodel.FieldDef{Name: "StepSize", Type: "uint8"},
			datamodel.FieldDef{Name: "TransitionTime", Type: "uint16", Optional: true},
		)},
		{ID: 0x03, Name: "Stop", Fields: withOptions()},
		{ID: 0x04, Name: "MoveToLevelWithOnOff", Fields: withOptions(
			datamodel.FieldDef{Name: "Level", Type: "uint8", Range: datamodel.Bounds(0, 254)},
			datamodel.FieldDef{Name: "TransitionTime", Type: "uint16", Optional: true},
		)},
		{ID: 0x05, Name: "MoveWithOnOff", Fields: withOptions(
			datamodel.FieldDef{Name: "MoveMode", Type: "LevelControl.MoveModeEnum"},
			datamodel.FieldDef{Name: "Rate", Type: "uint8", Optional: true},
		)},
		{ID: 0x06, Name: "StepWithOnOff", Fields: withOptions(
			datamodel.FieldDef{Name: "StepMode", Type: "LevelControl.StepModeEnum"},
			datamodel.FieldDef{Name: "StepSize", Type: "uint8"},
			datamodel.FieldDef{Name: "TransitionTime", Type: "uint16", Optional: true},
		)},
		{ID: 0x07, Name: "StopWithOnOff", Fields: withOptions()},
	},
}
