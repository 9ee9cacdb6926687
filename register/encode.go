package register

import (
	"encoding/binary"
	"math/bits"
	"time"
)

// EncodeExtCSD builds a raw EXT_CSD from a decoded view. Decoding the result with the same
// options yields the same view.
func EncodeExtCSD(ext *ExtCSD) []byte {
	raw := make([]byte, ExtCSDSize)
	raw[ExtCSDRev] = ext.Rev
	raw[ExtCSDStructure] = ext.Structure
	binary.LittleEndian.PutUint32(raw[ExtCSDSecCnt:], ext.Sectors)
	raw[ExtCSDCardType] = byte(ext.CardType)
	raw[ExtCSDDriverStrength] = ext.DriverStrength
	raw[ExtCSDHCWPGrpSize] = ext.HCWPGrpSize
	raw[ExtCSDPartitionSupport] = ext.PartitionSupport

	raw[ExtCSDPartConfig] = ext.PartConfig
	raw[ExtCSDPartSwitchTime] = units(ext.PartSwitchTime, 10*time.Millisecond)
	if ext.SleepAwakeTimeout > 0 {
		raw[ExtCSDSATimeout] = byte(log2(uint64(ext.SleepAwakeTimeout / (100 * time.Nanosecond))))
	}
	raw[ExtCSDEraseGroupDef] = ext.EraseGroupDef
	raw[ExtCSDEraseTimeoutMult] = units(ext.HCEraseTimeout, 300*time.Millisecond)
	raw[ExtCSDHCEraseGrpSize] = byte(ext.HCEraseSize >> 10)
	raw[ExtCSDRelWrSecC] = ext.RelSectors
	raw[ExtCSDBootMult] = ext.BootMult

	if ext.PartitionSettingCompleted {
		raw[ExtCSDPartitionSettingDone] = PartSettingCompleted
	}
	raw[ExtCSDPartitionAttribute] = ext.PartitionAttribute
	groups := uint64(raw[ExtCSDHCEraseGrpSize]) * uint64(ext.HCWPGrpSize)
	if ext.EnhancedAreaOffset >= 0 {
		offset := ext.EnhancedAreaOffset
		if ext.SectorAddressed {
			offset >>= 9
		}
		binary.LittleEndian.PutUint32(raw[ExtCSDEnhStartAddr:], uint32(offset))
		if groups > 0 {
			putLE24(raw, ExtCSDEnhSizeMult, uint64(ext.EnhancedAreaSize>>9)/groups)
		}
	}
	for idx, size := range ext.GPPartitionSizes {
		if size > 0 && groups > 0 {
			putLE24(raw, ExtCSDGPSizeMult+idx*3, (size>>19)/groups)
		}
	}
	raw[ExtCSDSecTrimMult] = ext.SecTrimMult
	raw[ExtCSDSecEraseMult] = ext.SecEraseMult
	raw[ExtCSDSecFeatureSupport] = ext.SecFeatureSupport
	raw[ExtCSDTrimMult] = units(ext.TrimTimeout, 300*time.Millisecond)
	raw[ExtCSDBootWP] = ext.BootROLock
	raw[ExtCSDPwrCl26_195] = ext.PowerClass.PwrCl26_195
	raw[ExtCSDPwrCl52_195] = ext.PowerClass.PwrCl52_195
	raw[ExtCSDPwrCl26_360] = ext.PowerClass.PwrCl26_360
	raw[ExtCSDPwrCl52_360] = ext.PowerClass.PwrCl52_360
	raw[ExtCSDPwrCl200_195] = ext.PowerClass.PwrCl200_195
	raw[ExtCSDPwrCl200_360] = ext.PowerClass.PwrCl200_360
	raw[ExtCSDPwrClDDR52_195] = ext.PowerClass.DDR52_195
	raw[ExtCSDPwrClDDR52_360] = ext.PowerClass.DDR52_360
	raw[ExtCSDPwrClDDR200_360] = ext.PowerClass.DDR200_360

	if ext.HPI {
		features := byte(HPIFeatureSupported)
		if ext.HPICmd == hpiStopTransmission {
			features |= HPIFeatureStopTransmit
		}
		raw[ExtCSDHPIFeatures] = features
		raw[ExtCSDOutOfInterruptTime] = units(ext.OutOfInterruptTime, 10*time.Millisecond)
	}
	if ext.BKOPS {
		raw[ExtCSDBKOPSSupport] = BKOPSSupported
		raw[ExtCSDBKOPSEn] = ext.BKOPSEnable
		raw[ExtCSDBKOPSStatus] = ext.BKOPSStatus
	}
	raw[ExtCSDWrRelParam] = ext.RelParam
	raw[ExtCSDRstNFunction] = ext.RstNFunction
	raw[ExtCSDRPMBMult] = ext.RPMBMult
	if ext.ErasedByte != 0 {
		raw[ExtCSDErasedMemCont] = 1
	}

	raw[ExtCSDGenericCMD6Time] = units(ext.GenericCMD6Time, 10*time.Millisecond)
	raw[ExtCSDPowerOffLongTime] = units(ext.PowerOffLongTime, 10*time.Millisecond)
	binary.LittleEndian.PutUint32(raw[ExtCSDCacheSize:], ext.CacheSize)
	if ext.DataSectorSize == 4096 {
		raw[ExtCSDDataSectorSize] = 1
	}
	if ext.DataTagUnitSize > 0 && ext.DataSectorSize > 0 {
		raw[ExtCSDDataTagSupport] = DataTagSupported
		raw[ExtCSDTagUnitSize] = byte(log2(uint64(ext.DataTagUnitSize / ext.DataSectorSize)))
	}
	raw[ExtCSDMaxPackedWrites] = ext.MaxPackedWrites
	raw[ExtCSDMaxPackedReads] = ext.MaxPackedReads

	if ext.StrobeSupport {
		raw[ExtCSDStrobeSupport] = 1
	}
	if ext.CMDQSupport {
		raw[ExtCSDCMDQSupport] = 1
		if ext.CMDQDepth > 0 {
			raw[ExtCSDCMDQDepth] = byte(ext.CMDQDepth - 1)
		}
	}
	copy(raw[ExtCSDFirmwareVersion:], ext.FWRev[:])
	if raw[ExtCSDFirmwareVersion] == 0 {
		raw[ExtCSDFirmwareVersion] = ext.FWVersion
	}
	if ext.BarrierSupport {
		raw[ExtCSDBarrierSupport] = 1
	}
	raw[ExtCSDCacheFlushPolicy] = ext.CacheFlushPolicy
	if ext.FFUCapable {
		raw[ExtCSDSupportedMode] = SupportedModeFFU
	}
	raw[ExtCSDPreEOLInfo] = ext.PreEOLInfo
	raw[ExtCSDLifeTimeEstTypA] = ext.LifeTimeEstA
	raw[ExtCSDLifeTimeEstTypB] = ext.LifeTimeEstB
	return raw
}

func units(d, unit time.Duration) byte {
	return byte(d / unit)
}

func log2(v uint64) int {
	if v == 0 {
		return 0
	}
	return bits.Len64(v) - 1
}

func putLE24(raw []byte, off int, v uint64) {
	raw[off] = byte(v)
	raw[off+1] = byte(v >> 8)
	raw[off+2] = byte(v >> 16)
}
