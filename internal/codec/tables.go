package codec

// Label tables for the enumeration and bitmap types used by the standard
// target clusters. Tags are qualified by cluster name.

func init() {
	for _, t := range []*EnumTable{
		NewEnum("Identify.IdentifyTypeEnum",
			Label{"None", 0}, Label{"LightOutput", 1}, Label{"VisibleIndicator", 2},
			Label{"AudibleBeep", 3}, Label{"Display", 4}, Label{"Actuator", 5}),
		NewEnum("Identify.EffectIdentifierEnum",
			Label{"Blink", 0x00}, Label{"Breathe", 0x01}, Label{"Okay", 0x02},
			Label{"ChannelChange", 0x0B}, Label{"FinishEffect", 0xFE}, Label{"StopEffect", 0xFF}),

		NewEnum("OnOff.StartUpOnOffEnum",
			Label{"Off", 0}, Label{"On", 1}, Label{"Toggle", 2}),
		NewEnum("OnOff.EffectIdentifierEnum",
			Label{"DelayedAllOff", 0}, Label{"DyingLight", 1}),

		NewEnum("LevelControl.MoveModeEnum",
			Label{"Up", 0}, Label{"Down", 1}),
		NewEnum("LevelControl.StepModeEnum",
			Label{"Up", 0}, Label{"Down", 1}),

		NewEnum("ColorControl.ColorModeEnum",
			Label{"CurrentHueAndCurrentSaturation", 0}, Label{"CurrentXAndCurrentY", 1},
			Label{"ColorTemperatureMireds", 2}),
		NewEnum("ColorControl.DirectionEnum",
			Label{"Shortest", 0}, Label{"Longest", 1}, Label{"Up", 2}, Label{"Down", 3}),

		NewEnum("WindowCovering.TypeEnum",
			Label{"Rollershade", 0}, Label{"Rollershade2Motor", 1}, Label{"RollershadeExterior", 2},
			Label{"RollershadeExterior2Motor", 3}, Label{"Drapery", 4}, Label{"Awning", 5},
			Label{"Shutter", 6}, Label{"TiltBlindTiltOnly", 7}, Label{"TiltBlindLift", 8},
			Label{"ProjectorScreen", 9}, Label{"Unknown", 0xFF}),

		NewEnum("Thermostat.SystemModeEnum",
			Label{"Off", 0}, Label{"Auto", 1}, Label{"Cool", 3}, Label{"Heat", 4},
			Label{"EmergencyHeat", 5}, Label{"Precooling", 6}, Label{"FanOnly", 7},
			Label{"Dry", 8}, Label{"Sleep", 9}),
		NewEnum("Thermostat.ThermostatRunningModeEnum",
			Label{"Off", 0}, Label{"Cool", 3}, Label{"Heat", 4}),
		NewEnum("Thermostat.SetpointRaiseLowerModeEnum",
			Label{"Heat", 0}, Label{"Cool", 1}, Label{"Both", 2}),

		NewEnum("FanControl.FanModeEnum",
			Label{"Off", 0}, Label{"Low", 1}, Label{"Medium", 2}, Label{"High", 3},
			Label{"On", 4}, Label{"Auto", 5}, Label{"Smart", 6}),
		NewEnum("FanControl.FanModeSequenceEnum",
			Label{"OffLowMedHigh", 0}, Label{"OffLowHigh", 1}, Label{"OffLowMedHighAuto", 2},
			Label{"OffLowHighAuto", 3}, Label{"OffHighAuto", 4}, Label{"OffHigh", 5}),

		NewEnum("DoorLock.LockStateEnum",
			Label{"NotFullyLocked", 0}, Label{"Locked", 1}, Label{"Unlocked", 2}, Label{"Unlatched", 3}),
		NewEnum("DoorLock.LockTypeEnum",
			Label{"DeadBolt", 0}, Label{"Magnetic", 1}, Label{"Other", 2}, Label{"Mortise", 3},
			Label{"Rim", 4}, Label{"LatchBolt", 5}, Label{"CylindricalLock", 6},
			Label{"TubularLock", 7}, Label{"InterconnectedLock", 8}, Label{"DeadLatch", 9},
			Label{"DoorFurniture", 10}, Label{"Eurocylinder", 11}),
		NewEnum("DoorLock.DoorStateEnum",
			Label{"DoorOpen", 0}, Label{"DoorClosed", 1}, Label{"DoorJammed", 2},
			Label{"DoorForcedOpen", 3}, Label{"DoorUnspecifiedError", 4}, Label{"DoorAjar", 5}),

		NewEnum("OccupancySensing.OccupancySensorTypeEnum",
			Label{"PIR", 0}, Label{"Ultrasonic", 1}, Label{"PIRAndUltrasonic", 2}, Label{"PhysicalContact", 3}),

		NewEnum("PowerSource.PowerSourceStatusEnum",
			Label{"Unspecified", 0}, Label{"Active", 1}, Label{"Standby", 2}, Label{"Unavailable", 3}),
		NewEnum("PowerSource.BatChargeLevelEnum",
			Label{"OK", 0}, Label{"Warning", 1}, Label{"Critical", 2}),
	} {
		RegisterEnum(t)
	}

	for _, t := range []*BitmapTable{
		NewBitmap("OnOff.OnOffControlBitmap",
			Label{"AcceptOnlyWhenOn", 0x01}),
		NewBitmap("LevelControl.OptionsBitmap",
			Label{"ExecuteIfOff", 0x01}, Label{"CoupleColorTempToLevel", 0x02}),
		NewBitmap("ColorControl.OptionsBitmap",
			Label{"ExecuteIfOff", 0x01}),
		NewBitmap("WindowCovering.ModeBitmap",
			Label{"MotorDirectionReversed", 0x01}, Label{"CalibrationMode", 0x02},
			Label{"MaintenanceMode", 0x04}, Label{"LedFeedback", 0x08}),
		NewBitmap("WindowCovering.ConfigStatusBitmap",
			Label{"Operational", 0x01}, Label{"OnlineReserved", 0x02}, Label{"LiftMovementReversed", 0x04},
			Label{"LiftPositionAware", 0x08}, Label{"TiltPositionAware", 0x10},
			Label{"LiftEncoderControlled", 0x20}, Label{"TiltEncoderControlled", 0x40}),
		NewBitmap("OccupancySensing.OccupancyBitmap",
			Label{"Occupied", 0x01}),
	} {
		RegisterBitmap(t)
	}
}
