// Package fake implements a simulated host controller and eMMC device for tests and the
// simulator command.
package fake

import (
	"context"
	"math/bits"
	"sync"

	"github.com/pkg/errors"

	"go.viam.com/emmc/host"
	"go.viam.com/emmc/mmcerr"
	"go.viam.com/emmc/register"
)

// Switch is a SWITCH the host forwarded to the device.
type Switch struct {
	Index uint8
	Value uint8
}

// Host is a simulated host controller with at most one device on its bus.
type Host struct {
	mu   sync.Mutex
	name string
	caps host.Capabilities
	ios  host.IOS
	card *Card

	// TuningErr, StrobeErr, CMDQEnableErr and HWResetErr make the matching operations fail.
	TuningErr     error
	StrobeErr     error
	CMDQEnableErr error
	HWResetErr    error
	// FailVoltages makes switching to these signal voltages fail.
	FailVoltages map[host.SignalVoltage]bool
	// DriveStrength and DriverType are returned by SelectDriveStrength.
	DriveStrength int
	DriverType    int

	cmdqEnabled bool
	cmdqHalted  bool

	commands       []host.Command
	switches       []Switch
	violations     int
	tunings        int
	strobes        int
	clockHolds     int
	clockReleases  int
	powerCycles    int
	voltageHistory []host.SignalVoltage
}

// NewHost returns a powered-off host with card, which may be nil, on its bus.
func NewHost(name string, caps host.Capabilities, card *Card) *Host {
	return &Host{name: name, caps: caps, card: card}
}

// Name returns the host name.
func (h *Host) Name() string {
	return h.name
}

// Capabilities returns the host capabilities.
func (h *Host) Capabilities() host.Capabilities {
	return h.caps
}

// IOS returns the current bus settings.
func (h *Host) IOS() host.IOS {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ios
}

// Card returns the device on the bus.
func (h *Host) Card() *Card {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.card
}

// InsertCard puts a device on the bus. A nil card removes it.
func (h *Host) InsertCard(c *Card) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.card = c
	if c != nil && h.ios.PowerMode == host.PowerOn {
		c.powerUp()
	}
}

func (h *Host) spi() bool {
	return h.caps.Caps.Has(host.CapSPI)
}

// checkQueue reports a legacy command issued while the command queue engine owns the bus.
func (h *Host) checkQueue(cmd host.Command) error {
	if h.cmdqEnabled && !h.cmdqHalted {
		h.violations++
		return mmcerr.Errorf(mmcerr.IOError, "CMD%d issued with command queue running", cmd.Opcode)
	}
	return nil
}

// SendCommand issues a command without a data phase.
func (h *Host) SendCommand(ctx context.Context, cmd host.Command) (host.Response, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return host.Response{}, err
	}
	h.commands = append(h.commands, cmd)
	if err := h.checkQueue(cmd); err != nil {
		return host.Response{}, err
	}
	if cmd.Opcode == host.CmdSwitch {
		h.switches = append(h.switches, Switch{Index: uint8(cmd.Arg >> 16), Value: uint8(cmd.Arg >> 8)})
	}
	if h.card == nil {
		return host.Response{}, mmcerr.Errorf(mmcerr.Timeout, "no card, CMD%d timed out", cmd.Opcode)
	}
	return h.card.command(cmd, h.ios, h.spi())
}

// SendDataCommand issues a command with a data phase.
func (h *Host) SendDataCommand(ctx context.Context, cmd host.Command, data *host.Data) (host.Response, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return host.Response{}, err
	}
	h.commands = append(h.commands, cmd)
	if err := h.checkQueue(cmd); err != nil {
		return host.Response{}, err
	}
	if data == nil || len(data.Buf) < data.BlockSize*data.Blocks {
		return host.Response{}, errors.New("data buffer shorter than transfer")
	}
	if h.card == nil {
		return host.Response{}, mmcerr.Errorf(mmcerr.Timeout, "no card, CMD%d timed out", cmd.Opcode)
	}
	return h.card.data(cmd, data, h.ios, h.spi())
}

// SetClock sets the bus clock.
func (h *Host) SetClock(hz uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ios.Clock = hz
}

// SetBusWidth sets the bus width.
func (h *Host) SetBusWidth(width host.BusWidth) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ios.BusWidth = width
}

// SetTiming sets the bus timing.
func (h *Host) SetTiming(timing host.Timing) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ios.Timing = timing
	if timing != host.TimingHS400 {
		h.ios.EnhancedStrobe = false
	}
}

// SetBusMode sets the command line mode.
func (h *Host) SetBusMode(mode host.BusMode) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ios.BusMode = mode
}

// SetSignalVoltage switches the I/O voltage if the host supports it.
func (h *Host) SetSignalVoltage(ctx context.Context, voltage host.SignalVoltage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var supported bool
	switch voltage {
	case host.SignalVoltage330:
		supported = true
	case host.SignalVoltage180:
		supported = h.caps.Caps.Any(host.CapDDR52_1V8 | host.CapHS200_1V8 | host.CapHS400_1V8)
	case host.SignalVoltage120:
		supported = h.caps.Caps.Any(host.CapDDR52_1V2 | host.CapHS200_1V2 | host.CapHS400_1V2)
	}
	if !supported || h.FailVoltages[voltage] {
		return errors.Errorf("%s cannot switch to %s", h.name, voltage)
	}
	h.ios.SignalVoltage = voltage
	h.voltageHistory = append(h.voltageHistory, voltage)
	return nil
}

// SetDriverType sets the host driver type.
func (h *Host) SetDriverType(driverType int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ios.DriverType = driverType
}

// SetInitialState returns the bus to its power-up settings.
func (h *Host) SetInitialState() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.initialState()
}

func (h *Host) initialState() {
	h.ios.BusMode = host.BusModeOpenDrain
	h.ios.BusWidth = host.BusWidth1
	h.ios.Timing = host.TimingLegacy
	h.ios.DriverType = 0
	h.ios.EnhancedStrobe = false
}

// PowerUp powers the bus at the highest voltage in ocr.
func (h *Host) PowerUp(ocr uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.powerUp(ocr)
}

func (h *Host) powerUp(ocr uint32) {
	if ocr != 0 {
		h.ios.VDD = uint(31 - bits.LeadingZeros32(ocr))
	} else if h.caps.OCRAvail != 0 {
		h.ios.VDD = uint(31 - bits.LeadingZeros32(h.caps.OCRAvail))
	}
	h.initialState()
	h.ios.SignalVoltage = host.SignalVoltage330
	h.ios.Clock = h.caps.FInit
	h.ios.PowerMode = host.PowerOn
	h.cmdqEnabled = false
	h.cmdqHalted = false
	if h.card != nil {
		h.card.powerUp()
	}
}

// PowerOff removes bus power.
func (h *Host) PowerOff() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.powerOff()
}

func (h *Host) powerOff() {
	h.ios.Clock = 0
	h.ios.VDD = 0
	h.ios.PowerMode = host.PowerOff
	h.initialState()
	h.cmdqEnabled = false
	if h.card != nil {
		h.card.powerOff()
	}
}

// PowerCycle removes and restores bus power.
func (h *Host) PowerCycle(ocr uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.powerCycles++
	h.powerOff()
	h.powerUp(ocr)
}

// HWReset pulses the reset line of a device that has it enabled.
func (h *Host) HWReset(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.caps.Caps.Has(host.CapHWReset) {
		return mmcerr.New(mmcerr.HostUnsupported, "no reset line")
	}
	if h.HWResetErr != nil {
		return h.HWResetErr
	}
	h.initialState()
	h.ios.Clock = h.caps.FInit
	if c := h.card; c != nil && c.ext != nil &&
		c.ext[register.ExtCSDRstNFunction]&register.RstNEnMask == register.RstNEnabled {
		c.reset()
	}
	return nil
}

// ExecuteTuning runs the tuning procedure, which needs both sides in HS200 or HS400 timing.
func (h *Host) ExecuteTuning(ctx context.Context, opcode uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands = append(h.commands, host.Command{Opcode: opcode, RespType: host.RespR1})
	if h.TuningErr != nil {
		return h.TuningErr
	}
	if h.card == nil || h.card.state != host.StateTransfer {
		return mmcerr.New(mmcerr.Timeout, "tuning block not returned")
	}
	width, _ := h.card.width()
	cardTiming := h.card.timing()
	if h.ios.Timing < host.TimingHS200 || cardTiming < host.TimingHS200 ||
		h.ios.BusWidth != width || h.card.BrokenWidths[width] {
		return errors.Errorf("tuning failed at %s with device at %s", h.ios.Timing, cardTiming)
	}
	h.tunings++
	return nil
}

// EnhancedStrobe switches data sampling to the strobe line.
func (h *Host) EnhancedStrobe(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.caps.Caps.Has(host.CapEnhancedStrobe) {
		return mmcerr.New(mmcerr.HostUnsupported, "no enhanced strobe")
	}
	if h.StrobeErr != nil {
		return h.StrobeErr
	}
	h.strobes++
	h.ios.EnhancedStrobe = true
	return nil
}

// SelectDriveStrength returns the configured strength and driver type.
func (h *Host) SelectDriveStrength(maxDTR uint32, cardDriverTypes uint8) (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cardDriverTypes&(1<<uint(h.DriveStrength)) == 0 {
		return 0, 0
	}
	return h.DriveStrength, h.DriverType
}

// CMDQEnable starts the command queue engine.
func (h *Host) CMDQEnable(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.caps.Caps.Has(host.CapCMDQ) {
		return mmcerr.New(mmcerr.HostUnsupported, "no command queue engine")
	}
	if h.CMDQEnableErr != nil {
		return h.CMDQEnableErr
	}
	h.cmdqEnabled = true
	h.cmdqHalted = false
	return nil
}

// CMDQDisable stops the command queue engine.
func (h *Host) CMDQDisable(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cmdqEnabled = false
	h.cmdqHalted = false
}

// CMDQHalt halts or resumes the command queue engine.
func (h *Host) CMDQHalt(ctx context.Context, halt bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.cmdqEnabled {
		return errors.New("command queue not enabled")
	}
	h.cmdqHalted = halt
	return nil
}

// ClockHold counts a clock gating hold.
func (h *Host) ClockHold() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clockHolds++
}

// ClockRelease counts a clock gating release.
func (h *Host) ClockRelease() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clockReleases++
}

// Stats are counters of what the host has done.
type Stats struct {
	Tunings        int
	Strobes        int
	ClockHolds     int
	ClockReleases  int
	PowerCycles    int
	CMDQViolations int
	CMDQEnabled    bool
	CMDQHalted     bool
}

// Stats returns the host counters.
func (h *Host) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{
		Tunings:        h.tunings,
		Strobes:        h.strobes,
		ClockHolds:     h.clockHolds,
		ClockReleases:  h.clockReleases,
		PowerCycles:    h.powerCycles,
		CMDQViolations: h.violations,
		CMDQEnabled:    h.cmdqEnabled,
		CMDQHalted:     h.cmdqHalted,
	}
}

// Commands returns every command issued so far.
func (h *Host) Commands() []host.Command {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]host.Command(nil), h.commands...)
}

// Switches returns every SWITCH issued so far.
func (h *Host) Switches() []Switch {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Switch(nil), h.switches...)
}

// VoltageHistory returns every signal voltage successfully switched to.
func (h *Host) VoltageHistory() []host.SignalVoltage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]host.SignalVoltage(nil), h.voltageHistory...)
}

// ResetLog clears the command and switch logs.
func (h *Host) ResetLog() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands = nil
	h.switches = nil
	h.voltageHistory = nil
}
