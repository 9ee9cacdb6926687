package register

import "strings"

// Quirk is a bitmap of device workarounds.
type Quirk uint32

// Device quirks.
const (
	// QuirkBrokenHPI disables High Priority Interrupt even when EXT_CSD advertises it.
	QuirkBrokenHPI Quirk = 1 << iota
	// QuirkCacheDisable keeps the volatile cache off.
	QuirkCacheDisable
)

// Manufacturer ids used by the fixup table.
const (
	ManfIDSandisk  = 0x02
	ManfIDToshiba  = 0x11
	ManfIDMicron   = 0x13
	ManfIDSamsung  = 0x15
	ManfIDKingston = 0x70
	ManfIDHynix    = 0x90

	// AnyID matches every manufacturer or OEM id.
	AnyID = ^uint32(0)
)

// A Fixup adds quirks to devices matching its identity and EXT_CSD revision range.
type Fixup struct {
	// Name matches product names with this prefix; empty matches all.
	Name   string
	ManfID uint32
	OEMID  uint32
	MinRev uint8
	MaxRev uint8
	Quirks Quirk
}

// ExtCSDFixups is the static fixup table applied once the EXT_CSD revision is known.
var ExtCSDFixups = []Fixup{
	{Name: "MMC16G", ManfID: ManfIDKingston, OEMID: AnyID, MinRev: 0, MaxRev: ExtCSDRevV4_41, Quirks: QuirkBrokenHPI},
	{Name: "MMC16G", ManfID: ManfIDKingston, OEMID: AnyID, MinRev: 0, MaxRev: 0xFF, Quirks: QuirkCacheDisable},
	{ManfID: ManfIDHynix, OEMID: 0x014a, MinRev: ExtCSDRevV4_41, MaxRev: ExtCSDRevV4_41, Quirks: QuirkBrokenHPI},
}

// Matches reports whether the fixup applies to the device.
func (f Fixup) Matches(cid CID, rev uint8) bool {
	if f.ManfID != AnyID && f.ManfID != cid.ManfID {
		return false
	}
	if f.OEMID != AnyID && f.OEMID != uint32(cid.OEMID) {
		return false
	}
	if f.Name != "" && !strings.HasPrefix(cid.ProdName, f.Name) {
		return false
	}
	return rev >= f.MinRev && rev <= f.MaxRev
}

// ApplyFixups returns the quirks of every matching entry in table.
func ApplyFixups(table []Fixup, cid CID, rev uint8) Quirk {
	var q Quirk
	for _, f := range table {
		if f.Matches(cid, rev) {
			q |= f.Quirks
		}
	}
	return q
}
