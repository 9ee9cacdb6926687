// Package card holds the record the engine keeps for a bound eMMC device.
package card

import (
	"sort"
	"strings"

	"github.com/samber/lo"

	"go.viam.com/emmc/host"
	"go.viam.com/emmc/register"
)

// Flags are the boolean features and conditions of a card.
type Flags uint32

// Card flags.
const (
	FlagBlockAddr Flags = 1 << iota
	FlagSleeping
	FlagSuspended
	FlagDoingBKOPS
	FlagCMDQ
	FlagCache
	FlagBarrier
	FlagHPI
	FlagPackedEvent
	FlagPONArmed
)

var flagNames = map[Flags]string{
	FlagBlockAddr:   "blockaddr",
	FlagSleeping:    "sleeping",
	FlagSuspended:   "suspended",
	FlagDoingBKOPS:  "doing-bkops",
	FlagCMDQ:        "cmdq",
	FlagCache:       "cache",
	FlagBarrier:     "barrier",
	FlagHPI:         "hpi",
	FlagPackedEvent: "packed-event",
	FlagPONArmed:    "pon-armed",
}

func (f Flags) String() string {
	names := lo.FilterMap(lo.Keys(flagNames), func(bit Flags, _ int) (string, bool) {
		return flagNames[bit], f&bit != 0
	})
	sort.Strings(names)
	return strings.Join(names, "|")
}

// RCA is the relative card address the engine assigns on native buses.
const RCA = 1

// Available is the intersection of what the card and the host support.
type Available struct {
	Types       register.CardType
	HSMaxDTR    uint32
	HS200MaxDTR uint32
}

// Negotiated is the operating envelope currently programmed into card and host.
type Negotiated struct {
	Timing        host.Timing
	BusWidth      host.BusWidth
	SignalVoltage host.SignalVoltage
	Clock         uint32
	DriveStrength int
	// PartitionAccess is the PART_CONFIG access value in effect.
	PartitionAccess uint8
}

// BKOPSState tracks background operations between runtime suspend attempts.
type BKOPSState struct {
	NeedsBKOPS   bool
	NeedsCheck   bool
	RetryCounter int
}

// A Card is the engine's record of a bound device. It must only be mutated while the host is
// claimed.
type Card struct {
	RawCID [4]uint32
	RawCSD [4]uint32
	CID    register.CID
	CSD    register.CSD
	// ExtCSD is zero valued when the device has none or it could not be read.
	ExtCSD register.ExtCSD

	// OCR is the voltage window selected for the card.
	OCR uint32
	RCA uint16

	Available  Available
	Negotiated Negotiated
	flags      Flags

	// CachedIOS and CachedExtCSD are captured before sleep for partial re-initialization.
	CachedIOS    host.IOS
	CachedExtCSD register.MutableFields

	Quirks  register.Quirk
	PONType PONType

	// EraseSize and PrefErase are in 512-byte sectors.
	EraseSize  uint32
	PrefErase  uint32
	ErasedByte byte

	ClkScalingLowest  uint32
	ClkScalingHighest uint32

	// HostPacked records that the host can issue packed commands.
	HostPacked  bool
	PackedStats []uint64
	BKOPS       BKOPSState

	state State
}

// New returns a record for a card that has just returned its CID.
func New(rawCID [4]uint32, ocr uint32) *Card {
	return &Card{
		RawCID: rawCID,
		OCR:    ocr,
		RCA:    RCA,
		Negotiated: Negotiated{
			BusWidth: host.BusWidth1,
		},
		state: StatePoweredOff,
	}
}

// Has reports whether every flag in f is set.
func (c *Card) Has(f Flags) bool {
	return c.flags&f == f
}

// Set sets the given flags.
func (c *Card) Set(f Flags) {
	c.flags |= f
}

// Clear clears the given flags.
func (c *Card) Clear(f Flags) {
	c.flags &^= f
}

// Flags returns all flags.
func (c *Card) Flags() Flags {
	return c.flags
}

// HasExtCSD reports whether an EXT_CSD was read from the device.
func (c *Card) HasExtCSD() bool {
	return len(c.ExtCSD.Raw) == register.ExtCSDSize
}

// Capacity returns the user area size in bytes.
func (c *Card) Capacity() uint64 {
	if c.ExtCSD.Sectors != 0 && c.Has(FlagBlockAddr) {
		return uint64(c.ExtCSD.Sectors) << 9
	}
	return uint64(c.CSD.Capacity) << c.CSD.ReadBlkBits
}

// Partitions returns the hardware partitions published for the card.
func (c *Card) Partitions() []register.Partition {
	return append([]register.Partition(nil), c.ExtCSD.Partitions...)
}
