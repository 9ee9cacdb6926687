package host

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Caps is a bitmap of controller capabilities.
type Caps uint64

// Controller capabilities.
const (
	CapLegacy Caps = 1 << iota
	CapHS26
	CapHS52
	CapDDR52_1V8
	CapDDR52_1V2
	CapHS200_1V8
	CapHS200_1V2
	CapHS400_1V8
	CapHS400_1V2
	Cap4BitData
	Cap8BitData
	CapEnhancedStrobe
	CapHS400PostTuning
	CapWaitWhileBusy
	CapBusWidthTest
	CapRuntimePM
	CapAggressivePM
	CapRuntimeResume
	CapSleepAwake
	CapHCEraseSize
	CapPackedCmd
	CapCMDQ
	CapClockScaling
	CapHWReset
	CapSPI
	CapCMD23
	CapNoBootPartAccess
	CapFullPowerCycle
)

// CapHighSpeed is either high speed SDR capability. A controller that can clock at 26 MHz with
// high speed timing can also run the 52 MHz mode.
const CapHighSpeed = CapHS26 | CapHS52

var capNames = map[Caps]string{
	CapLegacy:           "legacy",
	CapHS26:             "hs26",
	CapHS52:             "hs52",
	CapDDR52_1V8:        "ddr52_1v8",
	CapDDR52_1V2:        "ddr52_1v2",
	CapHS200_1V8:        "hs200_1v8",
	CapHS200_1V2:        "hs200_1v2",
	CapHS400_1V8:        "hs400_1v8",
	CapHS400_1V2:        "hs400_1v2",
	Cap4BitData:         "4bit",
	Cap8BitData:         "8bit",
	CapEnhancedStrobe:   "enhanced_strobe",
	CapHS400PostTuning:  "hs400_post_tuning",
	CapWaitWhileBusy:    "wait_while_busy",
	CapBusWidthTest:     "bus_width_test",
	CapRuntimePM:        "runtime_pm",
	CapAggressivePM:     "aggressive_pm",
	CapRuntimeResume:    "runtime_resume",
	CapSleepAwake:       "sleep_awake",
	CapHCEraseSize:      "hc_erase_size",
	CapPackedCmd:        "packed_cmd",
	CapCMDQ:             "cmdq",
	CapClockScaling:     "clock_scaling",
	CapHWReset:          "hw_reset",
	CapSPI:              "spi",
	CapCMD23:            "cmd23",
	CapNoBootPartAccess: "no_boot_part_access",
	CapFullPowerCycle:   "full_power_cycle",
}

// Has reports whether every bit of want is set.
func (c Caps) Has(want Caps) bool {
	return c&want == want
}

// Any reports whether at least one bit of want is set.
func (c Caps) Any(want Caps) bool {
	return c&want != 0
}

// Names lists the set capabilities in alphabetical order.
func (c Caps) Names() []string {
	names := lo.FilterMap(lo.Keys(capNames), func(bit Caps, _ int) (string, bool) {
		return capNames[bit], c.Has(bit)
	})
	sort.Strings(names)
	return names
}

func (c Caps) String() string {
	return strings.Join(c.Names(), "|")
}

// ParseCaps builds a bitmap from capability names as printed by Names.
func ParseCaps(names []string) (Caps, error) {
	byName := lo.Invert(capNames)
	var caps Caps
	for _, name := range names {
		bit, ok := byName[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return 0, errors.Errorf("unknown host capability %q", name)
		}
		caps |= bit
	}
	return caps, nil
}
