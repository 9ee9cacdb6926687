package card

import (
	"encoding/hex"
	"fmt"

	"github.com/samber/lo"
)

// An Attribute is a named readout for upper layers.
type Attribute struct {
	Name  string
	Value string
}

// Attributes returns the card's readouts in a stable order.
func (c *Card) Attributes() []Attribute {
	ext := &c.ExtCSD
	fwrev := fmt.Sprintf("0x%x", c.CID.FWRev)
	if ext.Rev >= 7 {
		fwrev = "0x" + hex.EncodeToString(ext.FWRev[:])
	}
	return []Attribute{
		{"cid", fmt.Sprintf("%08x%08x%08x%08x", c.RawCID[0], c.RawCID[1], c.RawCID[2], c.RawCID[3])},
		{"csd", fmt.Sprintf("%08x%08x%08x%08x", c.RawCSD[0], c.RawCSD[1], c.RawCSD[2], c.RawCSD[3])},
		{"date", fmt.Sprintf("%02d/%04d", c.CID.Month, c.CID.Year)},
		{"erase_size", fmt.Sprintf("%d", uint64(c.EraseSize)<<9)},
		{"preferred_erase_size", fmt.Sprintf("%d", uint64(c.PrefErase)<<9)},
		{"fwrev", fwrev},
		{"ffu_capable", fmt.Sprintf("%d", lo.Ternary(ext.FFUCapable, 1, 0))},
		{"hwrev", fmt.Sprintf("0x%x", c.CID.HWRev)},
		{"manfid", fmt.Sprintf("0x%06x", c.CID.ManfID)},
		{"name", c.CID.ProdName},
		{"oemid", fmt.Sprintf("0x%04x", c.CID.OEMID)},
		{"prv", fmt.Sprintf("0x%x", c.CID.PRV)},
		{"rev", fmt.Sprintf("0x%x", ext.Rev)},
		{"pre_eol_info", fmt.Sprintf("%02x", ext.PreEOLInfo)},
		{"life_time", fmt.Sprintf("0x%02x 0x%02x", ext.LifeTimeEstA, ext.LifeTimeEstB)},
		{"serial", fmt.Sprintf("0x%08x", c.CID.Serial)},
		{"enhanced_area_offset", fmt.Sprintf("%d", ext.EnhancedAreaOffset)},
		{"enhanced_area_size", fmt.Sprintf("%d", ext.EnhancedAreaSize)},
		{"raw_rpmb_size_mult", fmt.Sprintf("%#x", ext.RPMBMult)},
		{"enhanced_rpmb_supported", fmt.Sprintf("%#x", lo.Ternary(ext.EnhancedRPMBSupported, 1, 0))},
		{"rel_sectors", fmt.Sprintf("%#x", ext.RelSectors)},
	}
}

// Attribute returns a single readout by name.
func (c *Card) Attribute(name string) (string, bool) {
	attr, ok := lo.Find(c.Attributes(), func(a Attribute) bool { return a.Name == name })
	return attr.Value, ok
}
