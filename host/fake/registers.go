package fake

import (
	"go.viam.com/emmc/host"
	"go.viam.com/emmc/register"
)

// DefaultOCR is the window of a dual voltage, sector addressed device.
const DefaultOCR = host.OCRHighCapacity | 0x00FF8080

// DefaultCID returns the CID of a 5 GiB device.
func DefaultCID() [4]uint32 {
	raw, err := register.EncodeCID(register.CID{
		ManfID:   register.ManfIDSamsung,
		OEMID:    0x0100,
		ProdName: "BJTD4R",
		PRV:      0x12,
		Serial:   0x1c2d3e4f,
		Month:    6,
		Year:     2002,
	}, register.CSDSpecVer4)
	if err != nil {
		panic(err)
	}
	return raw
}

// DefaultCSD returns a CSD that defers to EXT_CSD for capacity.
func DefaultCSD() [4]uint32 {
	return register.EncodeCSD(register.CSDFields{
		Structure:    register.CSDStructureExtCSD,
		MMCAVersion:  register.CSDSpecVer4,
		TaccExp:      1,
		TaccMant:     0xf,
		NSAC:         1,
		TranExp:      2,
		TranMant:     6,
		CmdClass:     0x8f5,
		ReadBlkBits:  9,
		CSize:        0xfff,
		CSizeMult:    7,
		EraseGrpSize: 31,
		EraseGrpMult: 31,
		R2WFactor:    2,
		WriteBlkBits: 9,
	})
}

// DefaultExtCSD returns the EXT_CSD of a v5.1 device supporting every timing at 1.8V.
func DefaultExtCSD() []byte {
	raw := make([]byte, register.ExtCSDSize)
	raw[register.ExtCSDRev] = register.ExtCSDRevV5_1
	raw[register.ExtCSDStructure] = 2
	raw[register.ExtCSDCardType] = byte(register.CardTypeHS | register.CardTypeDDR52_1V8 |
		register.CardTypeHS200_1V8 | register.CardTypeHS400_1V8)
	raw[register.ExtCSDDriverStrength] = 0x1f
	// 0xa00000 sectors
	raw[register.ExtCSDSecCnt+2] = 0xa0
	raw[register.ExtCSDHCEraseGrpSize] = 1
	raw[register.ExtCSDHCWPGrpSize] = 16
	raw[register.ExtCSDEraseTimeoutMult] = 2
	raw[register.ExtCSDBootMult] = 32
	raw[register.ExtCSDRPMBMult] = 32
	raw[register.ExtCSDPartSwitchTime] = 5
	raw[register.ExtCSDGenericCMD6Time] = 25
	raw[register.ExtCSDPowerOffLongTime] = 100
	raw[register.ExtCSDOutOfInterruptTime] = 10
	raw[register.ExtCSDSATimeout] = 0x11
	raw[register.ExtCSDHPIFeatures] = register.HPIFeatureSupported
	raw[register.ExtCSDBKOPSSupport] = register.BKOPSSupported
	raw[register.ExtCSDBKOPSEn] = register.BKOPSManualEn
	raw[register.ExtCSDRstNFunction] = register.RstNEnabled
	raw[register.ExtCSDWrRelParam] = register.WrRelParamEnRPMBRelWr
	raw[register.ExtCSDRelWrSecC] = 1
	// 512 KiB cache
	raw[register.ExtCSDCacheSize+1] = 0x02
	raw[register.ExtCSDMaxPackedWrites] = 8
	raw[register.ExtCSDMaxPackedReads] = 8
	raw[register.ExtCSDStrobeSupport] = 1
	raw[register.ExtCSDCMDQSupport] = 1
	raw[register.ExtCSDCMDQDepth] = 31
	raw[register.ExtCSDBarrierSupport] = 1
	raw[register.ExtCSDPwrCl52_360] = 0x21
	raw[register.ExtCSDPwrClDDR52_360] = 0x43
	raw[register.ExtCSDPwrCl200_195] = 0x65
	raw[register.ExtCSDPwrClDDR200_360] = 0x87
	raw[register.ExtCSDFirmwareVersion] = 0x03
	raw[register.ExtCSDPreEOLInfo] = 1
	raw[register.ExtCSDLifeTimeEstTypA] = 2
	raw[register.ExtCSDLifeTimeEstTypB] = 1
	return raw
}

// NewDefaultCard returns a device built from the default registers.
func NewDefaultCard() *Card {
	return NewCard(DefaultCID(), DefaultCSD(), DefaultOCR, DefaultExtCSD())
}

// DefaultCapabilities describes an 8-bit controller capable of every timing at 1.8V.
func DefaultCapabilities() host.Capabilities {
	return host.Capabilities{
		Caps: host.CapHighSpeed | host.CapDDR52_1V8 | host.CapHS200_1V8 | host.CapHS400_1V8 |
			host.Cap4BitData | host.Cap8BitData | host.CapEnhancedStrobe | host.CapWaitWhileBusy |
			host.CapSleepAwake | host.CapHCEraseSize | host.CapCMD23 | host.CapHWReset,
		FMin:     400000,
		FMax:     200000000,
		FInit:    400000,
		OCRAvail: host.VDD32_33 | host.VDD33_34,
	}
}
