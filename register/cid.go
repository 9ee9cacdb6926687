package register

import (
	"strings"

	"go.viam.com/emmc/mmcerr"
)

// CID is the decoded card identification register.
type CID struct {
	ManfID uint32
	OEMID  uint16
	// ProdName is up to 7 characters for MMCA versions 0-1 and 6 otherwise.
	ProdName string
	PRV      uint8
	HWRev    uint8
	FWRev    uint8
	Serial   uint32
	Month    uint8
	Year     uint16
}

const cidYearBase = 1997

// DecodeCID decodes a raw CID. The layout depends on the MMCA version from the CSD.
func DecodeCID(raw [4]uint32, mmcaVersion uint8) (CID, error) {
	var cid CID
	switch mmcaVersion {
	case 0, 1:
		cid.ManfID = Unstuff(raw, 104, 24)
		cid.ProdName = prodName(raw, 7)
		cid.HWRev = uint8(Unstuff(raw, 44, 4))
		cid.FWRev = uint8(Unstuff(raw, 40, 4))
		cid.Serial = Unstuff(raw, 16, 24)
	case 2, 3, 4:
		cid.ManfID = Unstuff(raw, 120, 8)
		cid.OEMID = uint16(Unstuff(raw, 104, 16))
		cid.ProdName = prodName(raw, 6)
		cid.PRV = uint8(Unstuff(raw, 48, 8))
		cid.Serial = Unstuff(raw, 16, 32)
	default:
		return CID{}, mmcerr.Errorf(mmcerr.InvalidRegister, "card has unknown MMCA version %d", mmcaVersion)
	}
	cid.Month = uint8(Unstuff(raw, 12, 4))
	cid.Year = uint16(Unstuff(raw, 8, 4)) + cidYearBase
	return cid, nil
}

// ApplyEpochFix moves the manufacturing year into the 2013-2025 window used by devices that
// report EXT_CSD revision 5 or later (JESD84-B451).
func (cid *CID) ApplyEpochFix(extCSDRev uint8) {
	if extCSDRev >= ExtCSDRevV4_41 && cid.Year < 2010 {
		cid.Year += 16
	}
}

func prodName(raw [4]uint32, n int) string {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		c := byte(Unstuff(raw, uint(96-8*i), 8))
		if c == 0 {
			break
		}
		sb.WriteByte(c)
	}
	return sb.String()
}

// EncodeCID builds a raw CID for the given MMCA version. Years are encoded relative to 1997,
// before any epoch fix.
func EncodeCID(cid CID, mmcaVersion uint8) ([4]uint32, error) {
	var raw [4]uint32
	n := 6
	switch mmcaVersion {
	case 0, 1:
		n = 7
		stuff(&raw, 104, 24, cid.ManfID)
		stuff(&raw, 44, 4, uint32(cid.HWRev))
		stuff(&raw, 40, 4, uint32(cid.FWRev))
		stuff(&raw, 16, 24, cid.Serial)
	case 2, 3, 4:
		stuff(&raw, 120, 8, cid.ManfID)
		stuff(&raw, 104, 16, uint32(cid.OEMID))
		stuff(&raw, 48, 8, uint32(cid.PRV))
		stuff(&raw, 16, 32, cid.Serial)
	default:
		return raw, mmcerr.Errorf(mmcerr.InvalidRegister, "card has unknown MMCA version %d", mmcaVersion)
	}
	for i := 0; i < n && i < len(cid.ProdName); i++ {
		stuff(&raw, uint(96-8*i), 8, uint32(cid.ProdName[i]))
	}
	stuff(&raw, 12, 4, uint32(cid.Month))
	if cid.Year >= cidYearBase {
		stuff(&raw, 8, 4, uint32(cid.Year-cidYearBase))
	}
	return raw, nil
}
