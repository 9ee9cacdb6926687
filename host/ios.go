package host

import "fmt"

// Timing is the bus timing mode.
type Timing int

// Timing modes, ordered from slowest to fastest.
const (
	TimingLegacy Timing = iota
	TimingHS
	TimingDDR52
	TimingHS200
	TimingHS400
)

func (t Timing) String() string {
	switch t {
	case TimingLegacy:
		return "legacy"
	case TimingHS:
		return "HS"
	case TimingDDR52:
		return "DDR52"
	case TimingHS200:
		return "HS200"
	case TimingHS400:
		return "HS400"
	default:
		return fmt.Sprintf("timing(%d)", int(t))
	}
}

// BusWidth is the number of data lines.
type BusWidth uint8

// Bus widths.
const (
	BusWidth1 BusWidth = 1
	BusWidth4 BusWidth = 4
	BusWidth8 BusWidth = 8
)

// BusMode is the command line drive mode.
type BusMode int

// Bus modes.
const (
	BusModeOpenDrain BusMode = iota
	BusModePushPull
)

// SignalVoltage is the I/O signaling level.
type SignalVoltage int

// Signaling voltages.
const (
	SignalVoltage330 SignalVoltage = iota
	SignalVoltage180
	SignalVoltage120
)

func (v SignalVoltage) String() string {
	switch v {
	case SignalVoltage330:
		return "3.3V"
	case SignalVoltage180:
		return "1.8V"
	case SignalVoltage120:
		return "1.2V"
	default:
		return fmt.Sprintf("voltage(%d)", int(v))
	}
}

// PowerMode is the controller's supply state.
type PowerMode int

// Power modes.
const (
	PowerOff PowerMode = iota
	PowerUp
	PowerOn
)

// IOS is the controller's current bus settings.
type IOS struct {
	Clock uint32
	// VDD is the OCR bit number of the supplied voltage.
	VDD            uint
	PowerMode      PowerMode
	BusMode        BusMode
	BusWidth       BusWidth
	Timing         Timing
	SignalVoltage  SignalVoltage
	DriverType     int
	EnhancedStrobe bool
}

// OCR voltage window bits.
const (
	VDD165_195 uint32 = 1 << 7
	VDD20_21   uint32 = 1 << 8
	VDD27_28   uint32 = 1 << 15
	VDD32_33   uint32 = 1 << 20
	VDD33_34   uint32 = 1 << 21
	VDD35_36   uint32 = 1 << 23

	// OCRHighCapacity is set by hosts that handle sector addressing and by cards that need it.
	OCRHighCapacity uint32 = 1 << 30
	// OCRReady is clear while the card is still powering up.
	OCRReady uint32 = 1 << 31
)
