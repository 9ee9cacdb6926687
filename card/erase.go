package card

// SetEraseSize derives the erase unit and the preferred erase size from the registers.
func (c *Card) SetEraseSize() {
	if c.ExtCSD.EraseGroupDef&1 != 0 {
		c.EraseSize = c.ExtCSD.HCEraseSize
	} else {
		c.EraseSize = c.CSD.EraseSize
	}
	c.PrefErase = c.preferredErase()
}

func (c *Card) preferredErase() uint32 {
	if c.ExtCSD.HCEraseSize != 0 {
		return c.ExtCSD.HCEraseSize
	}
	if c.EraseSize == 0 {
		return 0
	}
	var pref uint32
	switch mib := c.csdCapacityMiB(); {
	case mib < 128:
		pref = 512 * 1024 / 512
	case mib < 512:
		pref = 1024 * 1024 / 512
	case mib < 1024:
		pref = 2 * 1024 * 1024 / 512
	default:
		pref = 4 * 1024 * 1024 / 512
	}
	if pref < c.EraseSize {
		return c.EraseSize
	}
	if rem := pref % c.EraseSize; rem != 0 {
		pref += c.EraseSize - rem
	}
	return pref
}

func (c *Card) csdCapacityMiB() uint64 {
	sectors := uint64(c.CSD.Capacity)
	if c.CSD.ReadBlkBits >= 9 {
		sectors <<= c.CSD.ReadBlkBits - 9
	}
	return sectors >> 11
}
