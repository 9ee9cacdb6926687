// Package speed negotiates bus timing, width, signaling voltage and clock between a card and its
// host, and moves a running card between modes for clock scaling.
package speed

import (
	"go.viam.com/emmc/card"
	"go.viam.com/emmc/host"
	"go.viam.com/emmc/register"
)

// modeCaps pairs each CARD_TYPE bit with the host capability that makes it usable.
var modeCaps = []struct {
	cardType register.CardType
	caps     host.Caps
}{
	{register.CardTypeHS26, host.CapHighSpeed},
	{register.CardTypeHS52, host.CapHighSpeed},
	{register.CardTypeDDR52_1V8, host.CapDDR52_1V8},
	{register.CardTypeDDR52_1V2, host.CapDDR52_1V2},
	{register.CardTypeHS200_1V8, host.CapHS200_1V8},
	{register.CardTypeHS200_1V2, host.CapHS200_1V2},
	{register.CardTypeHS400_1V8, host.CapHS400_1V8},
	{register.CardTypeHS400_1V2, host.CapHS400_1V2},
}

// Resolve intersects the card's CARD_TYPE with the host capabilities and derives the maximum
// rates of the surviving modes.
//
// Modes that cannot run on the host's data lines are dropped as well: DDR52 and HS200 need a
// 4- or 8-bit bus and HS400 needs an 8-bit bus.
func Resolve(caps host.Caps, cardType register.CardType) card.Available {
	var avail card.Available
	for _, m := range modeCaps {
		if cardType&m.cardType != 0 && caps.Any(m.caps) {
			avail.Types |= m.cardType
		}
	}
	if !caps.Any(host.Cap4BitData | host.Cap8BitData) {
		avail.Types &^= register.CardTypeDDR52 | register.CardTypeHS200 | register.CardTypeHS400
	}
	if !caps.Has(host.Cap8BitData) {
		avail.Types &^= register.CardTypeHS400
	}

	switch {
	case avail.Types&register.CardTypeHS52 != 0, avail.Types.Has(register.CardTypeDDR52):
		avail.HSMaxDTR = register.HighSpeed52MaxDTR
	case avail.Types&register.CardTypeHS26 != 0:
		avail.HSMaxDTR = register.HighSpeed26MaxDTR
	}
	if avail.Types.Has(register.CardTypeHS200 | register.CardTypeHS400) {
		avail.HS200MaxDTR = register.HS200MaxDTR
	}
	return avail
}
