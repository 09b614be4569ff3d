package ecat

// Device register addresses.
const (
	RegType                     uint16 = 0x0000
	RegRevision                 uint16 = 0x0001
	RegBuild                    uint16 = 0x0002
	RegFMMUsSupported           uint16 = 0x0004
	RegSyncManagersSupported    uint16 = 0x0005
	RegRAMSize                  uint16 = 0x0006
	RegPortDescriptor           uint16 = 0x0007
	RegFeatures                 uint16 = 0x0008
	RegConfiguredStationAddress uint16 = 0x0010
	RegConfiguredStationAlias   uint16 = 0x0012
	RegDLControl                uint16 = 0x0100
	RegDLStatus                 uint16 = 0x0110
	RegALControl                uint16 = 0x0120
	RegALStatus                 uint16 = 0x0130
	RegALStatusCode             uint16 = 0x0134
	RegPDIControl               uint16 = 0x0140
	RegEEPROMControl            uint16 = 0x0502
	RegEEPROMAddress            uint16 = 0x0504
	RegEEPROMData               uint16 = 0x0508
	RegFMMUBase                 uint16 = 0x0600
	RegSyncManagerBase          uint16 = 0x0800
	RegDCReceiveTime            uint16 = 0x0900
	RegDCSystemTime             uint16 = 0x0910
	RegDCSystemTimeOffset       uint16 = 0x0920
	RegDCSystemTimeDelay        uint16 = 0x0928
	RegDCSystemTimeDifference   uint16 = 0x092C
	RegDCCyclicUnitControl      uint16 = 0x0980
	RegDCActivation             uint16 = 0x0981
	RegDCStartTime              uint16 = 0x0990
	RegDCSync0CycleTime         uint16 = 0x09A0
	RegDCSync1CycleTime         uint16 = 0x09A4
)

// Sync manager channel layout.
const (
	SyncManagerLen        = 8
	SMOffsetPhysStart     = 0
	SMOffsetLength        = 2
	SMOffsetControl       = 4
	SMOffsetStatus        = 5
	SMOffsetActivate      = 6
	SMOffsetPDIControl    = 7
	SMStatusMailboxFull   = 0x08
	SMActivateEnable      = 0x01
	SMControlModeMailbox  = 0x02
	SMControlDirWrite     = 0x04
	SMControlWatchdog     = 0x40
	FeatureDCSupported    = 0x0004
	FeatureDC64BitSupport = 0x0008
)

// FMMU entry layout.
const (
	FMMULen                 = 16
	FMMUOffsetLogStart      = 0
	FMMUOffsetLength        = 4
	FMMUOffsetLogStartBit   = 6
	FMMUOffsetLogEndBit     = 7
	FMMUOffsetPhysStart     = 8
	FMMUOffsetPhysStartBit  = 10
	FMMUOffsetType          = 11
	FMMUOffsetActivate      = 12
	FMMUActivateEnable      = 0x01
)

// SyncManagerAddr returns the register base of sync manager channel i.
func SyncManagerAddr(i uint8) uint16 {
	return RegSyncManagerBase + uint16(i)*SyncManagerLen
}

// FMMUAddr returns the register base of FMMU channel i.
func FMMUAddr(i uint8) uint16 {
	return RegFMMUBase + uint16(i)*FMMULen
}
