package register

import "strings"

// CardType is the CARD_TYPE byte: the timing modes and voltages a device supports.
type CardType uint8

// CARD_TYPE bits.
const (
	CardTypeHS26      CardType = 1 << 0
	CardTypeHS52      CardType = 1 << 1
	CardTypeDDR52_1V8 CardType = 1 << 2
	CardTypeDDR52_1V2 CardType = 1 << 3
	CardTypeHS200_1V8 CardType = 1 << 4
	CardTypeHS200_1V2 CardType = 1 << 5
	CardTypeHS400_1V8 CardType = 1 << 6
	CardTypeHS400_1V2 CardType = 1 << 7

	CardTypeHS    = CardTypeHS26 | CardTypeHS52
	CardTypeDDR52 = CardTypeDDR52_1V8 | CardTypeDDR52_1V2
	CardTypeHS200 = CardTypeHS200_1V8 | CardTypeHS200_1V2
	CardTypeHS400 = CardTypeHS400_1V8 | CardTypeHS400_1V2
)

// Mode anchors, in Hz.
const (
	HighSpeed26MaxDTR  = 26000000
	HighSpeed52MaxDTR  = 52000000
	HighSpeedDDRMaxDTR = 52000000
	HS200MaxDTR        = 200000000
)

// Has reports whether any bit of mask is set.
func (t CardType) Has(mask CardType) bool {
	return t&mask != 0
}

func (t CardType) String() string {
	var names []string
	for _, n := range []struct {
		bit  CardType
		name string
	}{
		{CardTypeHS26, "HS26"},
		{CardTypeHS52, "HS52"},
		{CardTypeDDR52_1V8, "DDR52_1V8"},
		{CardTypeDDR52_1V2, "DDR52_1V2"},
		{CardTypeHS200_1V8, "HS200_1V8"},
		{CardTypeHS200_1V2, "HS200_1V2"},
		{CardTypeHS400_1V8, "HS400_1V8"},
		{CardTypeHS400_1V2, "HS400_1V2"},
	} {
		if t&n.bit != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, "|")
}
