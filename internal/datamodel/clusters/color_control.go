package clusters

import "zigbee-matter-bridge/internal/datamodel"

var ColorControl = datamodel.ClusterDef{
	ID:       datamodel.ClusterColorControl,
	Name:     "ColorControl",
	Revision: 6,
	Attributes: []datamodel.AttributeDef{
		{ID: 0x0000, Name: "CurrentHue", Type: "uint8", Access: datamodel.AccessRead | datamodel.AccessReport, Range: datamodel.Bounds(0, 254)},
		{ID: 0x0001, Name: "CurrentSaturation", Type: "uint8", Access: datamodel.AccessRead | datamodel.AccessReport, Range: datamodel.Bounds(0, 254)},
		{ID: 0x0002, Name: "RemainingTime", Type: "uint16", Access: datamodel.AccessRead},
		{ID: 0x0003, Name: "CurrentX", Type: "uint16", Access: datamodel.AccessRead | datamodel.AccessReport, Range: datamodel.Bounds(0, 0xFEFF)},
		{ID: 0x0004, Name: "CurrentY", Type: "uint16", Access: datamodel.AccessRead | datamodel.AccessReport, Range: datamodel.Bounds(0, 0xFEFF)},
		{ID: 0x0007, Name: "ColorTemperatureMireds", Type: "uint16", Access: datamodel.AccessRead | datamodel.AccessReport, Range: datamodel.Bounds(0, 0xFEFF)},
		{ID: 0x0008, Name: "ColorMode", Type: "ColorControl.ColorModeEnum", Access: datamodel.AccessRead},
		{ID: 0x000F, Name: "Options", Type: "ColorControl.OptionsBitmap", Access: datamodel.AccessRead | datamodel.AccessWrite},
		{ID: 0x400B, Name: "ColorTempPhysicalMinMireds", Type: "uint16", Access: datamodel.AccessRead},
		{ID: 0x400C, Name: "ColorTempPhysicalMaxMireds", Type: "uint16", Access: datamodel.AccessRead},
	},
	Commands: []datamodel.CommandDef{
		{ID: 0x00, Name: "MoveToHue", Fields: []datamodel.FieldDef{
			{Name: "Hue", Type: "uint8", Range: datamodel.Bounds(0, 254)},
			{Name: "Direction", Type: "ColorControl.DirectionEnum"},
			{Name: "TransitionTime", Type: "uint16", Optional: true},
		}},
		{ID: 0x03, Name: "MoveToSaturation", Fields: []datamodel.FieldDef{
			{Name: "Saturation", Type: "uint8", Range: datamodel.Bounds(0, 254)},
			{Name: "TransitionTime", Type: "uint16", Optional: true},
		}},
		{ID: 0x06, Name: "MoveToHueAndSaturation", Fields: []datamodel.FieldDef{
			{Name: "Hue", Type: "uint8", Range: datamodel.Bounds(0, 254)},
			{Name: "Saturation", Type: "uint8", Range: datamodel.Bounds(0, 254)},
			{Name: "TransitionTime", Type: "uint16", Optional: true},
		}},
		{ID: 0x07, Name: "MoveToColor", Fields: []datamodel.FieldDef{
			{Name: "ColorX", Type: "uint16", Range: datamodel.Bounds(0, 0xFEFF)},
			{Name: "ColorY", Type: "uint16", Range: datamodel.Bounds(0, 0xFEFF)},
			{Name: "TransitionTime", Type: "uint16", Optional: true},
		}},
		{ID: 0x0A, Name: "MoveToColorTemperature", Fields: []datamodel.FieldDef{
			{Name: "ColorTemperatureMireds", Type: "uint16", Range: datamodel.Bounds(0, 0xFEFF)},
			{Name: "TransitionTime", Type: "uint16", Optional: true},
		}},
	},
}
