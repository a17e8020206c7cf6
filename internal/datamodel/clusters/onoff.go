package clusters

import "zigbee-matter-bridge/internal/datamodel"

var OnOff = datamodel.ClusterDef{
	ID:       datamodel.ClusterOnOff,
	Name:     "OnOff",
	Revision: 6,
	Attributes: []datamodel.AttributeDef{
		{ID: 0x0000, Name: "OnOff", Type: "bool", Access: datamodel.AccessRead | datamodel.AccessReport},
		{ID: 0x4000, Name: "GlobalSceneControl", Type: "bool", Access: datamodel.AccessRead},
		{ID: 0x4001, Name: "OnTime", Type: "uint16", Access: datamodel.AccessRead | datamodel.AccessWrite},
		{ID: 0x4002, Name: "OffWaitTime", Type: "uint16", Access: datamodel.AccessRead | datamodel.AccessWrite},
		{ID: 0x4003, Name: "StartUpOnOff", Type: "OnOff.StartUpOnOffEnum", Access: datamodel.AccessRead | datamodel.AccessWrite},
	},
	Commands: []datamodel.CommandDef{
		{ID: 0x00, Name: "Off"},
		{ID: 0x01, Name: "On"},
		{ID: 0x02, Name: "Toggle"},
		{ID: 0x40, Name: "OffWithEffect", Fields: []datamodel.FieldDef{
			{Name: "EffectIdentifier", Type: "OnOff.EffectIdentifierEnum"},
			{Name: "EffectVariant", Type: "uint8"},
		}},
		{ID: 0x41, Name: "OnWithRecallGlobalScene"},
		{ID: 0x42, Name: "OnWithTimedOff", Fields: []datamodel.FieldDef{
			{Name: "OnOffControl", Type: "OnOff.OnOffControlBitmap"},
			{Name: "OnTime", Type: "uint16", Range: datamodel.Bounds(0, 0xFFFE)},
			{Name: "OffWaitTime", Type: "uint16", Range: datamodel.Bounds(0, 0xFFFE)},
		}},
	},
}
