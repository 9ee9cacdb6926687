package register

import (
	"encoding/binary"
	"fmt"
	"time"

	"go.viam.com/emmc/mmcerr"
)

// PowerClasses are the nine raw power class bytes. Each byte holds the 4-bit bus class in its low
// nibble and the 8-bit bus class in its high nibble.
type PowerClasses struct {
	PwrCl26_195  uint8
	PwrCl52_195  uint8
	PwrCl26_360  uint8
	PwrCl52_360  uint8
	PwrCl200_195 uint8
	PwrCl200_360 uint8
	DDR52_195    uint8
	DDR52_360    uint8
	DDR200_360   uint8
}

// ExtCSD is the decoded view of the 512-byte EXT_CSD register. Fields introduced after the
// device's revision are left at their zero value.
type ExtCSD struct {
	Rev       uint8
	Structure uint8

	Sectors uint32
	// SectorAddressed is set when the device is larger than 2 GiB.
	SectorAddressed bool
	CardType        CardType
	DriverStrength  uint8

	PartConfig     uint8
	PartSwitchTime time.Duration
	// SleepAwakeTimeout is zero when the device leaves it undefined.
	SleepAwakeTimeout time.Duration
	EraseGroupDef     uint8
	HCEraseTimeout    time.Duration
	// HCEraseSize is the high capacity erase unit in 512-byte sectors.
	HCEraseSize uint32
	HCWPGrpSize uint8
	RelSectors  uint8
	BootMult    uint8

	PartitionSettingCompleted bool
	PartitionSupport          uint8
	PartitionAttribute        uint8
	// EnhancedAreaOffset is in bytes and EnhancedAreaSize in KiB. Both are -1 when the device
	// defines no enhanced user area.
	EnhancedAreaOffset int64
	EnhancedAreaSize   int64
	GPPartitionSizes   [numGPPartitions]uint64
	SecTrimMult        uint8
	SecEraseMult       uint8
	SecFeatureSupport  uint8
	TrimTimeout        time.Duration
	BootROLock         uint8
	BootROLockable     bool
	PowerClass         PowerClasses

	HPI bool
	// HPICmd is the opcode used to interrupt the device.
	HPICmd             uint32
	OutOfInterruptTime time.Duration
	BKOPS              bool
	BKOPSEnable        uint8
	BKOPSStatus        uint8
	RelParam           uint8
	RstNFunction       uint8
	RPMBMult           uint8

	ErasedByte byte

	GenericCMD6Time  time.Duration
	PowerOffLongTime time.Duration
	// CacheSize is in KiB.
	CacheSize       uint32
	DataSectorSize  uint32
	DataTagUnitSize uint32
	MaxPackedWrites uint8
	MaxPackedReads  uint8

	StrobeSupport         bool
	CMDQSupport           bool
	CMDQDepth             uint32
	FWVersion             uint8
	BarrierSupport        bool
	CacheFlushPolicy      uint8
	EnhancedRPMBSupported bool
	FWRev                 [8]byte
	FFUCapable            bool
	PreEOLInfo            uint8
	LifeTimeEstA          uint8
	LifeTimeEstB          uint8

	// Quirks are the fixups that matched this device.
	Quirks     Quirk
	Partitions []Partition

	// Raw is a copy of the register as read.
	Raw []byte
}

// DecodeOptions carries what the decoder needs to know beyond the register itself.
type DecodeOptions struct {
	// CSDStructure is the CSD structure version; 3 means the version lives in EXT_CSD.
	CSDStructure uint8
	CID          CID
	Fixups       []Fixup
	// Quirks already known for the device.
	Quirks Quirk
	// BrokenHPI is the platform's request to never use HPI. It is honored from revision 5 on.
	BrokenHPI bool
	// BlockAddressed is set when the card is already known to be sector addressed.
	BlockAddressed      bool
	BootPartitionAccess bool
	CMD23               bool
}

const sectorAddressingThreshold = (2 << 30) / 512

// DefaultCMD6Timeout stands in for GENERIC_CMD6_TIME on devices that predate it.
const DefaultCMD6Timeout = 500 * time.Millisecond

const (
	hpiStopTransmission = 12
	hpiSendStatus       = 13
)

// DecodeExtCSD decodes a raw EXT_CSD read from the device.
func DecodeExtCSD(raw []byte, opts DecodeOptions) (*ExtCSD, error) {
	if len(raw) != ExtCSDSize {
		return nil, mmcerr.Errorf(mmcerr.InvalidRegister, "EXT_CSD is %d bytes, want %d", len(raw), ExtCSDSize)
	}
	ext := &ExtCSD{
		Structure:          raw[ExtCSDStructure],
		Rev:                raw[ExtCSDRev],
		EnhancedAreaOffset: -1,
		EnhancedAreaSize:   -1,
		Raw:                append([]byte(nil), raw...),
	}
	if opts.CSDStructure == CSDStructureExtCSD && ext.Structure > ExtCSDStructureMaxLegacy {
		return nil, mmcerr.Errorf(mmcerr.InvalidRegister, "unrecognised EXT_CSD structure version %d", ext.Structure)
	}
	ext.Quirks = opts.Quirks | ApplyFixups(opts.Fixups, opts.CID, ext.Rev)

	if ext.Rev >= 2 {
		ext.Sectors = binary.LittleEndian.Uint32(raw[ExtCSDSecCnt:])
	}
	ext.SectorAddressed = opts.BlockAddressed || ext.Sectors > sectorAddressingThreshold
	ext.CardType = CardType(raw[ExtCSDCardType])
	ext.DriverStrength = raw[ExtCSDDriverStrength]
	ext.HCWPGrpSize = raw[ExtCSDHCWPGrpSize]
	ext.PartitionSupport = raw[ExtCSDPartitionSupport]

	if ext.Rev >= 3 {
		decodeRev3(ext, raw, opts)
	}
	if ext.Rev >= 4 {
		decodeRev4(ext, raw)
	}

	hpiFeatures := raw[ExtCSDHPIFeatures]
	hpiUsable := hpiFeatures&HPIFeatureSupported != 0 && ext.Quirks&QuirkBrokenHPI == 0
	if hpiUsable {
		setHPI(ext, raw)
	}

	if ext.Rev >= ExtCSDRevV4_41 {
		if opts.BrokenHPI {
			ext.HPI = false
			ext.HPICmd = 0
			ext.OutOfInterruptTime = 0
		} else if hpiUsable {
			setHPI(ext, raw)
		}
		if raw[ExtCSDBKOPSSupport]&BKOPSSupported != 0 && ext.HPI {
			ext.BKOPS = true
			ext.BKOPSEnable = raw[ExtCSDBKOPSEn]
			ext.BKOPSStatus = raw[ExtCSDBKOPSStatus]
		}
		ext.RelParam = raw[ExtCSDWrRelParam]
		ext.RstNFunction = raw[ExtCSDRstNFunction]
		// Some vendors set REL_WR_SEC_C to 0x10 to advertise faster RPMB writes without
		// supporting reliable RPMB writes; only the WR_REL_PARAM bit is trusted.
		if ext.RelParam&WrRelParamEnRPMBRelWr == 0 {
			ext.RelSectors = 1
		}
		ext.RPMBMult = raw[ExtCSDRPMBMult]
		if ext.RPMBMult != 0 && opts.CMD23 {
			ext.Partitions = append(ext.Partitions, Partition{
				Name:    "rpmb",
				PartCfg: PartConfigAccessRPMB,
				Size:    uint64(ext.RPMBMult) << 17,
				Area:    AreaRPMB,
			})
		}
	}

	if raw[ExtCSDErasedMemCont] != 0 {
		ext.ErasedByte = 0xFF
	}

	ext.DataSectorSize = 512
	if ext.Rev >= ExtCSDRevV4_5 {
		ext.GenericCMD6Time = 10 * time.Millisecond * time.Duration(raw[ExtCSDGenericCMD6Time])
		ext.PowerOffLongTime = 10 * time.Millisecond * time.Duration(raw[ExtCSDPowerOffLongTime])
		ext.CacheSize = binary.LittleEndian.Uint32(raw[ExtCSDCacheSize:])
		if raw[ExtCSDDataSectorSize] == 1 {
			ext.DataSectorSize = 4096
		}
		if raw[ExtCSDDataTagSupport]&DataTagSupported != 0 && raw[ExtCSDTagUnitSize] <= 8 {
			ext.DataTagUnitSize = (1 << raw[ExtCSDTagUnitSize]) * ext.DataSectorSize
		}
		ext.MaxPackedWrites = raw[ExtCSDMaxPackedWrites]
		ext.MaxPackedReads = raw[ExtCSDMaxPackedReads]
	}

	if ext.Rev >= ExtCSDRevV5_0 {
		// Enhanced strobe arrived with v5.1, but some v5.0 devices support it.
		ext.StrobeSupport = raw[ExtCSDStrobeSupport] != 0
		ext.CMDQSupport = raw[ExtCSDCMDQSupport]&1 != 0
		if ext.CMDQSupport {
			ext.CMDQDepth = uint32(raw[ExtCSDCMDQDepth]) + 1
		}
		ext.FWVersion = raw[ExtCSDFirmwareVersion]
		ext.BarrierSupport = raw[ExtCSDBarrierSupport]&1 != 0
		ext.CacheFlushPolicy = raw[ExtCSDCacheFlushPolicy]
		ext.EnhancedRPMBSupported = ext.RelParam&WrRelParamEnRPMBRelWr != 0
		copy(ext.FWRev[:], raw[ExtCSDFirmwareVersion:ExtCSDFirmwareVersion+len(ext.FWRev)])
		ext.FFUCapable = raw[ExtCSDSupportedMode]&SupportedModeFFU != 0 &&
			raw[ExtCSDFWConfig]&FWConfigUpdateDisable == 0
		ext.PreEOLInfo = raw[ExtCSDPreEOLInfo]
		ext.LifeTimeEstA = raw[ExtCSDLifeTimeEstTypA]
		ext.LifeTimeEstB = raw[ExtCSDLifeTimeEstTypB]
	}

	if ext.GenericCMD6Time == 0 {
		ext.GenericCMD6Time = DefaultCMD6Timeout
	}

	// A device that leaves PART_SWITCH_TIME undefined is given the generic switch time; either
	// way some devices report values too low to be safe.
	if ext.PartSwitchTime == 0 {
		ext.PartSwitchTime = ext.GenericCMD6Time
	}
	if ext.PartSwitchTime < MinPartSwitchTimeMs*time.Millisecond {
		ext.PartSwitchTime = MinPartSwitchTimeMs * time.Millisecond
	}
	return ext, nil
}

func decodeRev3(ext *ExtCSD, raw []byte, opts DecodeOptions) {
	ext.PartConfig = raw[ExtCSDPartConfig]
	ext.PartSwitchTime = 10 * time.Millisecond * time.Duration(raw[ExtCSDPartSwitchTime])
	if shift := raw[ExtCSDSATimeout]; shift > 0 && shift <= 0x17 {
		ext.SleepAwakeTimeout = 100 * time.Nanosecond * time.Duration(uint32(1)<<shift)
	}
	ext.EraseGroupDef = raw[ExtCSDEraseGroupDef]
	ext.HCEraseTimeout = 300 * time.Millisecond * time.Duration(raw[ExtCSDEraseTimeoutMult])
	ext.HCEraseSize = uint32(raw[ExtCSDHCEraseGrpSize]) << 10
	ext.RelSectors = raw[ExtCSDRelWrSecC]
	ext.BootMult = raw[ExtCSDBootMult]
	if ext.BootMult != 0 && opts.BootPartitionAccess {
		ext.Partitions = append(ext.Partitions, bootPartitions(ext.BootMult)...)
	}
}

func decodeRev4(ext *ExtCSD, raw []byte) {
	ext.PartitionSettingCompleted = raw[ExtCSDPartitionSettingDone]&PartSettingCompleted != 0
	ext.PartitionAttribute = raw[ExtCSDPartitionAttribute]
	hcEraseGrp := uint64(raw[ExtCSDHCEraseGrpSize])
	hcWPGrp := uint64(raw[ExtCSDHCWPGrpSize])

	if ext.PartitionSupport&PartSupportEnhAttrEn != 0 && ext.PartitionAttribute&PartAttributeEnhUsr != 0 &&
		ext.PartitionSettingCompleted {
		// Byte 139 is the most significant.
		offset := int64(binary.LittleEndian.Uint32(raw[ExtCSDEnhStartAddr:]))
		if ext.SectorAddressed {
			offset <<= 9
		}
		ext.EnhancedAreaOffset = offset
		ext.EnhancedAreaSize = int64(le24(raw, ExtCSDEnhSizeMult)*hcEraseGrp*hcWPGrp) << 9
	}

	if ext.PartitionSupport&PartSupportPartEn != 0 {
		for idx := 0; idx < numGPPartitions; idx++ {
			mult := le24(raw, ExtCSDGPSizeMult+idx*3)
			if mult == 0 {
				continue
			}
			if !ext.PartitionSettingCompleted {
				break
			}
			size := mult * hcEraseGrp * hcWPGrp << 19
			ext.GPPartitionSizes[idx] = size
			ext.Partitions = append(ext.Partitions, Partition{
				Name:    fmt.Sprintf("gp%d", idx),
				PartCfg: uint8(PartConfigAccessGP0 + idx),
				Size:    size,
				Area:    AreaGP,
			})
		}
	}

	ext.SecTrimMult = raw[ExtCSDSecTrimMult]
	ext.SecEraseMult = raw[ExtCSDSecEraseMult]
	ext.SecFeatureSupport = raw[ExtCSDSecFeatureSupport]
	ext.TrimTimeout = 300 * time.Millisecond * time.Duration(raw[ExtCSDTrimMult])
	ext.BootROLock = raw[ExtCSDBootWP]
	ext.BootROLockable = true
	ext.PowerClass = PowerClasses{
		PwrCl26_195:  raw[ExtCSDPwrCl26_195],
		PwrCl52_195:  raw[ExtCSDPwrCl52_195],
		PwrCl26_360:  raw[ExtCSDPwrCl26_360],
		PwrCl52_360:  raw[ExtCSDPwrCl52_360],
		PwrCl200_195: raw[ExtCSDPwrCl200_195],
		PwrCl200_360: raw[ExtCSDPwrCl200_360],
		DDR52_195:    raw[ExtCSDPwrClDDR52_195],
		DDR52_360:    raw[ExtCSDPwrClDDR52_360],
		DDR200_360:   raw[ExtCSDPwrClDDR200_360],
	}
}

func setHPI(ext *ExtCSD, raw []byte) {
	ext.HPI = true
	if raw[ExtCSDHPIFeatures]&HPIFeatureStopTransmit != 0 {
		ext.HPICmd = hpiStopTransmission
	} else {
		ext.HPICmd = hpiSendStatus
	}
	ext.OutOfInterruptTime = 10 * time.Millisecond * time.Duration(raw[ExtCSDOutOfInterruptTime])
}

// le24 reads a 3-byte multiplier stored least significant byte first.
func le24(raw []byte, off int) uint64 {
	return uint64(raw[off+2])<<16 | uint64(raw[off+1])<<8 | uint64(raw[off])
}

// DisableEnhancedArea marks the enhanced user area as undefined.
func (ext *ExtCSD) DisableEnhancedArea() {
	ext.EnhancedAreaOffset = -1
	ext.EnhancedAreaSize = -1
}
