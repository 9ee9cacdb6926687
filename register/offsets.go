package register

// ExtCSDSize is the length of the EXT_CSD register in bytes.
const ExtCSDSize = 512

// EXT_CSD byte offsets (JESD84-B51).
const (
	ExtCSDCMDQModeEn           = 15
	ExtCSDBarrierCtrl          = 31
	ExtCSDFlushCache           = 32
	ExtCSDCacheCtrl            = 33
	ExtCSDPowerOffNotification = 34
	ExtCSDPackedFailureIndex   = 35
	ExtCSDPackedCmdStatus      = 36
	ExtCSDExpEventsStatus      = 54
	ExtCSDExpEventsCtrl        = 56
	ExtCSDDataSectorSize       = 61
	ExtCSDEnhStartAddr         = 136
	ExtCSDEnhSizeMult          = 140
	ExtCSDGPSizeMult           = 143
	ExtCSDPartitionSettingDone = 155
	ExtCSDPartitionAttribute   = 156
	ExtCSDPartitionSupport     = 160
	ExtCSDHPIMgmt              = 161
	ExtCSDRstNFunction         = 162
	ExtCSDBKOPSEn              = 163
	ExtCSDBKOPSStart           = 164
	ExtCSDWrRelParam           = 166
	ExtCSDRPMBMult             = 168
	ExtCSDFWConfig             = 169
	ExtCSDBootWP               = 173
	ExtCSDEraseGroupDef        = 175
	ExtCSDPartConfig           = 179
	ExtCSDErasedMemCont        = 181
	ExtCSDBusWidth             = 183
	ExtCSDStrobeSupport        = 184
	ExtCSDHSTiming             = 185
	ExtCSDPowerClass           = 187
	ExtCSDRev                  = 192
	ExtCSDStructure            = 194
	ExtCSDCardType             = 196
	ExtCSDDriverStrength       = 197
	ExtCSDOutOfInterruptTime   = 198
	ExtCSDPartSwitchTime       = 199
	ExtCSDPwrCl52_195          = 200
	ExtCSDPwrCl26_195          = 201
	ExtCSDPwrCl52_360          = 202
	ExtCSDPwrCl26_360          = 203
	ExtCSDSecCnt               = 212
	ExtCSDSATimeout            = 217
	ExtCSDHCWPGrpSize          = 221
	ExtCSDRelWrSecC            = 222
	ExtCSDEraseTimeoutMult     = 223
	ExtCSDHCEraseGrpSize       = 224
	ExtCSDBootMult             = 226
	ExtCSDSecTrimMult          = 229
	ExtCSDSecEraseMult         = 230
	ExtCSDSecFeatureSupport    = 231
	ExtCSDTrimMult             = 232
	ExtCSDPwrCl200_195         = 236
	ExtCSDPwrCl200_360         = 237
	ExtCSDPwrClDDR52_195       = 238
	ExtCSDPwrClDDR52_360       = 239
	ExtCSDCacheFlushPolicy     = 240
	ExtCSDBKOPSStatus          = 246
	ExtCSDPowerOffLongTime     = 247
	ExtCSDGenericCMD6Time      = 248
	ExtCSDCacheSize            = 249
	ExtCSDPwrClDDR200_360      = 253
	ExtCSDFirmwareVersion      = 254
	ExtCSDPreEOLInfo           = 267
	ExtCSDLifeTimeEstTypA      = 268
	ExtCSDLifeTimeEstTypB      = 269
	ExtCSDCMDQDepth            = 307
	ExtCSDCMDQSupport          = 308
	ExtCSDBarrierSupport       = 486
	ExtCSDSupportedMode        = 493
	ExtCSDTagUnitSize          = 498
	ExtCSDDataTagSupport       = 499
	ExtCSDMaxPackedWrites      = 500
	ExtCSDMaxPackedReads       = 501
	ExtCSDBKOPSSupport         = 502
	ExtCSDHPIFeatures          = 503
)

// EXT_CSD revisions.
const (
	ExtCSDRevV4_41 = 5
	ExtCSDRevV4_5  = 6
	ExtCSDRevV5_0  = 7
	ExtCSDRevV5_1  = 8
)

// SWITCH access modes and command sets.
const (
	SwitchAccessCommandSet = 0
	SwitchAccessSetBits    = 1
	SwitchAccessClearBits  = 2
	SwitchAccessWriteByte  = 3

	CmdSetNormal = 0
)

// BUS_WIDTH values.
const (
	BusWidth1Bit   = 0
	BusWidth4Bit   = 1
	BusWidth8Bit   = 2
	BusWidthDDR4   = 5
	BusWidthDDR8   = 6
	BusWidthStrobe = 1 << 7
)

// HS_TIMING values. The selected driver strength goes in the upper nibble.
const (
	TimingBackwardsCompatible = 0
	TimingHS                  = 1
	TimingHS200               = 2
	TimingHS400               = 3
	TimingDriverStrengthShift = 4
)

// POWER_CLASS nibbles.
const (
	PowerClass8BitMask  = 0xF0
	PowerClass8BitShift = 4
	PowerClass4BitMask  = 0x0F
)

// PART_CONFIG partition access values.
const (
	PartConfigAccessMask  = 0x7
	PartConfigAccessUser  = 0
	PartConfigAccessBoot0 = 1
	PartConfigAccessRPMB  = 3
	PartConfigAccessGP0   = 4
)

// POWER_OFF_NOTIFICATION values.
const (
	NoPowerNotification = 0
	PowerOn             = 1
	PowerOffShort       = 2
	PowerOffLong        = 3
)

// Miscellaneous field bits.
const (
	PartSupportPartEn        = 1 << 0
	PartSupportEnhAttrEn     = 1 << 1
	PartAttributeEnhUsr      = 1 << 0
	PartSettingCompleted     = 1 << 0
	HPIFeatureSupported      = 1 << 0
	HPIFeatureStopTransmit   = 1 << 1
	BKOPSSupported           = 1 << 0
	BKOPSManualEn            = 1 << 0
	BKOPSAutoEn              = 1 << 1
	BKOPSLevel2              = 2
	RstNEnMask               = 0x3
	RstNEnabled              = 1
	WrRelParamEnRPMBRelWr    = 1 << 4
	PackedEventEn            = 1 << 3
	CacheCtrlEnable          = 1 << 0
	BarrierCtrlEnable        = 1 << 0
	DataTagSupported         = 1 << 0
	SupportedModeFFU         = 1 << 0
	FWConfigUpdateDisable    = 1 << 0
	EraseGroupDefEnable      = 1 << 0
	CMDQModeEnable           = 1 << 0
	MinPartSwitchTimeMs      = 300
	ExtCSDStructureMaxLegacy = 2
)
