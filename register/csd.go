package register

import (
	"go.viam.com/emmc/mmcerr"
)

// CSD is the decoded card specific data register.
type CSD struct {
	Structure   uint8
	MMCAVersion uint8
	TaccNs      uint32
	TaccClks    uint32
	// MaxDTR is the legacy maximum transfer rate in Hz.
	MaxDTR   uint32
	CmdClass uint16
	// Capacity is in blocks of 1<<ReadBlkBits bytes.
	Capacity      uint32
	ReadBlkBits   uint8
	ReadPartial   bool
	WriteMisalign bool
	ReadMisalign  bool
	DSRImp        bool
	R2WFactor     uint8
	WriteBlkBits  uint8
	WritePartial  bool
	// EraseSize is in 512-byte sectors; zero when the write block is smaller than a sector.
	EraseSize uint32
}

// CSDStructureExtCSD means the register version is carried in EXT_CSD.
const CSDStructureExtCSD = 3

// CSDSpecVer4 is the first MMCA version that has an EXT_CSD.
const CSDSpecVer4 = 4

// MagicCapacity is the CSD capacity reported by devices larger than 2 GiB, whose real size lives
// in EXT_CSD.
const MagicCapacity = 4096 * 512

var (
	tranExp = [8]uint32{10000, 100000, 1000000, 10000000, 0, 0, 0, 0}

	tranMant = [16]uint32{0, 10, 12, 13, 15, 20, 25, 30, 35, 40, 45, 50, 55, 60, 70, 80}

	taccExp = [8]uint32{1, 10, 100, 1000, 10000, 100000, 1000000, 10000000}

	taccMant = [16]uint32{0, 10, 12, 13, 15, 20, 25, 30, 35, 40, 45, 50, 55, 60, 70, 80}
)

// DecodeCSD decodes a raw CSD. Structure version 0 is rejected.
func DecodeCSD(raw [4]uint32) (CSD, error) {
	var csd CSD
	structure := Unstuff(raw, 126, 2)
	if structure == 0 {
		return CSD{}, mmcerr.Errorf(mmcerr.InvalidRegister, "unrecognised CSD structure version %d", structure)
	}
	csd.Structure = uint8(structure)
	csd.MMCAVersion = uint8(Unstuff(raw, 122, 4))

	m := Unstuff(raw, 115, 4)
	e := Unstuff(raw, 112, 3)
	csd.TaccNs = (taccExp[e]*taccMant[m] + 9) / 10
	csd.TaccClks = Unstuff(raw, 104, 8) * 100

	m = Unstuff(raw, 99, 4)
	e = Unstuff(raw, 96, 3)
	csd.MaxDTR = tranExp[e] * tranMant[m]
	csd.CmdClass = uint16(Unstuff(raw, 84, 12))

	e = Unstuff(raw, 47, 3)
	m = Unstuff(raw, 62, 12)
	csd.Capacity = (1 + m) << (e + 2)

	csd.ReadBlkBits = uint8(Unstuff(raw, 80, 4))
	csd.ReadPartial = Unstuff(raw, 79, 1) != 0
	csd.WriteMisalign = Unstuff(raw, 78, 1) != 0
	csd.ReadMisalign = Unstuff(raw, 77, 1) != 0
	csd.DSRImp = Unstuff(raw, 76, 1) != 0
	csd.R2WFactor = uint8(Unstuff(raw, 26, 3))
	csd.WriteBlkBits = uint8(Unstuff(raw, 22, 4))
	csd.WritePartial = Unstuff(raw, 21, 1) != 0

	if csd.WriteBlkBits >= 9 {
		a := Unstuff(raw, 42, 5)
		b := Unstuff(raw, 37, 5)
		csd.EraseSize = (a + 1) * (b + 1) << (csd.WriteBlkBits - 9)
	}
	return csd, nil
}

// CSDFields are the raw bit fields of a CSD, for building registers.
type CSDFields struct {
	Structure    uint8
	MMCAVersion  uint8
	TaccExp      uint8
	TaccMant     uint8
	NSAC         uint8
	TranExp      uint8
	TranMant     uint8
	CmdClass     uint16
	ReadBlkBits  uint8
	DSRImp       bool
	CSize        uint16
	CSizeMult    uint8
	EraseGrpSize uint8
	EraseGrpMult uint8
	R2WFactor    uint8
	WriteBlkBits uint8
}

// EncodeCSD builds a raw CSD from its bit fields.
func EncodeCSD(f CSDFields) [4]uint32 {
	var raw [4]uint32
	stuff(&raw, 126, 2, uint32(f.Structure))
	stuff(&raw, 122, 4, uint32(f.MMCAVersion))
	stuff(&raw, 115, 4, uint32(f.TaccMant))
	stuff(&raw, 112, 3, uint32(f.TaccExp))
	stuff(&raw, 104, 8, uint32(f.NSAC))
	stuff(&raw, 99, 4, uint32(f.TranMant))
	stuff(&raw, 96, 3, uint32(f.TranExp))
	stuff(&raw, 84, 12, uint32(f.CmdClass))
	stuff(&raw, 80, 4, uint32(f.ReadBlkBits))
	if f.DSRImp {
		stuff(&raw, 76, 1, 1)
	}
	stuff(&raw, 62, 12, uint32(f.CSize))
	stuff(&raw, 47, 3, uint32(f.CSizeMult))
	stuff(&raw, 42, 5, uint32(f.EraseGrpSize))
	stuff(&raw, 37, 5, uint32(f.EraseGrpMult))
	stuff(&raw, 26, 3, uint32(f.R2WFactor))
	stuff(&raw, 22, 4, uint32(f.WriteBlkBits))
	return raw
}
