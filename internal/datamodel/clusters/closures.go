package clusters

import "zigbee-matter-bridge/internal/datamodel"

var DoorLock = datamodel.ClusterDef{
	ID:       datamodel.ClusterDoorLock,
	Name:     "DoorLock",
	Revision: 7,
	Attributes: []datamodel.AttributeDef{
		{ID: 0x0000, Name: "LockState", Type: "DoorLock.LockStateEnum", Access: datamodel.AccessRead | datamodel.AccessReport},
		{ID: 0x0001, Name: "LockType", Type: "DoorLock.LockTypeEnum", Access: datamodel.AccessRead},
		{ID: 0x0002, Name: "ActuatorEnabled", Type: "bool", Access: datamodel.AccessRead},
		{ID: 0x0003, Name: "DoorState", Type: "DoorLock.DoorStateEnum", Access: datamodel.AccessRead | datamodel.AccessReport},
	},
	Commands: []datamodel.CommandDef{
		{ID: 0x00, Name: "LockDoor", Fields: []datamodel.FieldDef{
			{Name: "PINCode", Type: "string", Optional: true},
		}},
		{ID: 0x01, Name: "UnlockDoor", Fields: []datamodel.FieldDef{
			{Name: "PINCode", Type: "string", Optional: true},
		}},
	},
	Events: []datamodel.EventDef{
		{ID: 0x00, Name: "DoorLockAlarm"},
		{ID: 0x02, Name: "LockOperation"},
	},
}
