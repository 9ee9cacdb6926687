package fake

import (
	"go.viam.com/emmc/host"
	"go.viam.com/emmc/mmcerr"
	"go.viam.com/emmc/register"
)

// Card is a simulated eMMC device. Its fields may be changed between commands to inject faults;
// the owning Host serializes access.
type Card struct {
	CID [4]uint32
	CSD [4]uint32
	// OCR is the voltage window and, for devices above 2 GiB, the sector mode bit.
	OCR uint32

	// BusyPolls is how many CMD1 polls report busy after a reset.
	BusyPolls int
	// PrgPolls is how many status reads report programming after a SWITCH.
	PrgPolls int
	// BKOPSPolls is how many status reads report programming after BKOPS_START.
	BKOPSPolls int
	// RejectSwitch makes SWITCH fail with SWITCH_ERROR for these EXT_CSD indices.
	RejectSwitch map[uint8]bool
	// BrokenWidths corrupts data transfers at these widths even when card and host agree.
	BrokenWidths map[host.BusWidth]bool
	// NoResponse makes these opcodes time out.
	NoResponse map[uint32]bool
	// LosePowerInSleep resets the whole device when power is removed while it sleeps.
	LosePowerInSleep bool
	// ResetRegistersInSleep resets the volatile EXT_CSD fields when power is removed while it
	// sleeps, leaving the device asleep.
	ResetRegistersInSleep bool

	ext      []byte
	defaults []byte

	powered  bool
	state    host.CardState
	rca      uint16
	errBits  uint32
	busyLeft int
	prgLeft  int
	busTest  []byte
	// blockLen is the last CMD16 argument since reset; 0 when none was sent.
	blockLen uint32
}

// volatileFields are reset by CMD0, hardware reset and power loss.
var volatileFields = []int{
	register.ExtCSDCMDQModeEn,
	register.ExtCSDBarrierCtrl,
	register.ExtCSDCacheCtrl,
	register.ExtCSDPowerOffNotification,
	register.ExtCSDExpEventsCtrl,
	register.ExtCSDHPIMgmt,
	register.ExtCSDEraseGroupDef,
	register.ExtCSDBusWidth,
	register.ExtCSDHSTiming,
	register.ExtCSDPowerClass,
}

// writableFields are the EXT_CSD bytes a SWITCH may change.
var writableFields = map[uint8]bool{
	register.ExtCSDCMDQModeEn:           true,
	register.ExtCSDBarrierCtrl:          true,
	register.ExtCSDFlushCache:           true,
	register.ExtCSDCacheCtrl:            true,
	register.ExtCSDPowerOffNotification: true,
	register.ExtCSDExpEventsCtrl:        true,
	register.ExtCSDHPIMgmt:              true,
	register.ExtCSDBKOPSEn:              true,
	register.ExtCSDBKOPSStart:           true,
	register.ExtCSDEraseGroupDef:        true,
	register.ExtCSDPartConfig:           true,
	register.ExtCSDBusWidth:             true,
	register.ExtCSDHSTiming:             true,
	register.ExtCSDPowerClass:           true,
}

// NewCard returns a powered-off device with the given registers.
func NewCard(cid, csd [4]uint32, ocr uint32, extCSD []byte) *Card {
	c := &Card{
		CID:        cid,
		CSD:        csd,
		OCR:        ocr,
		BusyPolls:  2,
		PrgPolls:   1,
		BKOPSPolls: 3,
	}
	if extCSD != nil {
		c.ext = append([]byte(nil), extCSD...)
		c.defaults = append([]byte(nil), extCSD...)
	}
	return c
}

// ExtCSD returns a copy of the device's current EXT_CSD.
func (c *Card) ExtCSD() []byte {
	return append([]byte(nil), c.ext...)
}

// SetExtCSDByte changes a byte of the device's EXT_CSD directly, as firmware would.
func (c *Card) SetExtCSDByte(index int, value byte) {
	c.ext[index] = value
}

// State returns the device's current state.
func (c *Card) State() host.CardState {
	return c.state
}

// Programming reports whether the device is busy programming.
func (c *Card) Programming() bool {
	return c.prgLeft > 0
}

func (c *Card) resetVolatile() {
	if c.ext == nil {
		return
	}
	for _, idx := range volatileFields {
		c.ext[idx] = c.defaults[idx]
	}
	c.ext[register.ExtCSDPartConfig] &^= register.PartConfigAccessMask
}

func (c *Card) reset() {
	c.state = host.StateIdle
	c.rca = 0
	c.errBits = 0
	c.busyLeft = c.BusyPolls
	c.prgLeft = 0
	c.busTest = nil
	c.blockLen = 0
	c.resetVolatile()
}

func (c *Card) powerUp() {
	if c.powered {
		return
	}
	c.powered = true
	if c.state == host.StateSleep {
		return
	}
	c.reset()
}

func (c *Card) powerOff() {
	c.powered = false
	if c.state != host.StateSleep {
		return
	}
	switch {
	case c.LosePowerInSleep:
		c.reset()
	case c.ResetRegistersInSleep:
		c.resetVolatile()
	}
}

// width returns the bus width the device has been switched to.
func (c *Card) width() (host.BusWidth, bool) {
	if c.ext == nil {
		return host.BusWidth1, false
	}
	switch c.ext[register.ExtCSDBusWidth] &^ register.BusWidthStrobe {
	case register.BusWidth4Bit:
		return host.BusWidth4, false
	case register.BusWidth8Bit:
		return host.BusWidth8, false
	case register.BusWidthDDR4:
		return host.BusWidth4, true
	case register.BusWidthDDR8:
		return host.BusWidth8, true
	default:
		return host.BusWidth1, false
	}
}

// timing returns the timing the device expects from the host.
func (c *Card) timing() host.Timing {
	if c.ext == nil {
		return host.TimingLegacy
	}
	switch c.ext[register.ExtCSDHSTiming] & 0xF {
	case register.TimingHS:
		if _, ddr := c.width(); ddr {
			return host.TimingDDR52
		}
		return host.TimingHS
	case register.TimingHS200:
		return host.TimingHS200
	case register.TimingHS400:
		return host.TimingHS400
	default:
		return host.TimingLegacy
	}
}

// linkOK reports whether data sent under ios reaches the device intact.
func (c *Card) linkOK(ios host.IOS) bool {
	width, _ := c.width()
	if ios.BusWidth != width || c.BrokenWidths[width] {
		return false
	}
	want := c.timing()
	// Legacy and high speed timing interoperate at low clocks.
	if want <= host.TimingHS && ios.Timing <= host.TimingHS {
		return true
	}
	return want == ios.Timing
}

func (c *Card) status() uint32 {
	status := host.StatusWithState(c.errBits, c.state)
	if c.state == host.StateTransfer {
		status |= host.R1ReadyForData
	}
	return status
}

// r1 returns the status for an R1 response and clears the error bits it reported.
func (c *Card) r1() host.Response {
	resp := host.Response{c.status()}
	c.errBits = 0
	return resp
}

func (c *Card) illegal(cmd host.Command) error {
	c.errBits |= host.R1IllegalCommand
	return mmcerr.Errorf(mmcerr.Timeout, "no response to CMD%d in state %d", cmd.Opcode, c.state)
}

func (c *Card) addressed(arg uint32) bool {
	return uint16(arg>>16) == c.rca
}

func (c *Card) command(cmd host.Command, ios host.IOS, spi bool) (host.Response, error) {
	if !c.powered || c.NoResponse[cmd.Opcode] {
		return host.Response{}, mmcerr.Errorf(mmcerr.Timeout, "no response to CMD%d", cmd.Opcode)
	}
	if c.state == host.StateSleep && cmd.Opcode != host.CmdSleepAwake && cmd.Opcode != host.CmdGoIdleState {
		return host.Response{}, c.illegal(cmd)
	}

	switch cmd.Opcode {
	case host.CmdGoIdleState:
		c.reset()
		return host.Response{}, nil

	case host.CmdSendOpCond:
		if c.state != host.StateIdle {
			return host.Response{}, c.illegal(cmd)
		}
		if spi {
			if c.busyLeft > 0 {
				c.busyLeft--
				return host.Response{1}, nil
			}
			// An SPI device is addressed by chip select and never leaves the transfer state.
			c.state = host.StateTransfer
			return host.Response{0}, nil
		}
		if cmd.Arg == 0 {
			return host.Response{c.OCR}, nil
		}
		if cmd.Arg&c.OCR&0x00FFFF80 == 0 {
			c.state = host.StateDisconnect
			return host.Response{c.OCR}, nil
		}
		if c.busyLeft > 0 {
			c.busyLeft--
			return host.Response{c.OCR &^ host.OCRReady}, nil
		}
		c.state = host.StateReady
		return host.Response{c.OCR | host.OCRReady}, nil

	case host.CmdSPIReadOCR:
		return host.Response{0, c.OCR | host.OCRReady}, nil

	case host.CmdSPICRCOnOff:
		return c.r1(), nil

	case host.CmdAllSendCID:
		if c.state != host.StateReady {
			return host.Response{}, c.illegal(cmd)
		}
		c.state = host.StateIdent
		return c.CID, nil

	case host.CmdSetRelativeAddr:
		if c.state != host.StateIdent {
			return host.Response{}, c.illegal(cmd)
		}
		resp := c.r1()
		c.rca = uint16(cmd.Arg >> 16)
		c.state = host.StateStandby
		return resp, nil

	case host.CmdSetDSR:
		return host.Response{}, nil

	case host.CmdSendCID, host.CmdSendCSD:
		if !spi && (c.state != host.StateStandby || !c.addressed(cmd.Arg)) {
			return host.Response{}, c.illegal(cmd)
		}
		if cmd.Opcode == host.CmdSendCID {
			return c.CID, nil
		}
		return c.CSD, nil

	case host.CmdSelectCard:
		if !c.addressed(cmd.Arg) {
			if c.state == host.StateTransfer || c.state == host.StateProgramming {
				c.state = host.StateStandby
			}
			return host.Response{}, nil
		}
		if c.state != host.StateStandby {
			return host.Response{}, c.illegal(cmd)
		}
		resp := c.r1()
		c.state = host.StateTransfer
		return resp, nil

	case host.CmdSleepAwake:
		if !c.addressed(cmd.Arg) {
			return host.Response{}, c.illegal(cmd)
		}
		if cmd.Arg&(1<<15) != 0 {
			if c.state != host.StateStandby {
				return host.Response{}, c.illegal(cmd)
			}
			resp := c.r1()
			c.state = host.StateSleep
			return resp, nil
		}
		if c.state != host.StateSleep {
			return host.Response{}, c.illegal(cmd)
		}
		c.state = host.StateStandby
		return c.r1(), nil

	case host.CmdSwitch:
		if c.state != host.StateTransfer || c.ext == nil {
			return host.Response{}, c.illegal(cmd)
		}
		resp := c.r1()
		c.doSwitch(uint8(cmd.Arg>>16), uint8(cmd.Arg>>8), uint8(cmd.Arg>>24)&3)
		return resp, nil

	case host.CmdSendStatus:
		if !spi && !c.addressed(cmd.Arg) {
			return host.Response{}, c.illegal(cmd)
		}
		if cmd.Arg&1 != 0 && c.prgLeft > 0 {
			c.prgLeft = 0
		}
		if c.prgLeft > 0 {
			c.prgLeft--
			return host.Response{host.StatusWithState(c.errBits, host.StateProgramming)}, nil
		}
		return c.r1(), nil

	case host.CmdStopTransmission:
		if cmd.Arg&1 != 0 {
			c.prgLeft = 0
		}
		return c.r1(), nil

	case host.CmdSetBlockLen:
		if c.state != host.StateTransfer {
			return host.Response{}, c.illegal(cmd)
		}
		c.blockLen = cmd.Arg
		return c.r1(), nil

	default:
		return host.Response{}, c.illegal(cmd)
	}
}

func (c *Card) doSwitch(index, value, access uint8) {
	// Queued transfers are 512-byte blocks, so the block length has to be set before CMDQ mode.
	cmdqWithoutBlockLen := index == register.ExtCSDCMDQModeEn && value != 0 && c.blockLen != register.ExtCSDSize
	if access != register.SwitchAccessWriteByte || !writableFields[index] || c.RejectSwitch[index] ||
		!validSwitch(c.ext, index, value) || cmdqWithoutBlockLen {
		c.errBits |= host.R1SwitchError
		return
	}
	c.prgLeft = c.PrgPolls
	switch index {
	case register.ExtCSDFlushCache:
		return
	case register.ExtCSDBKOPSStart:
		c.prgLeft = c.BKOPSPolls
		c.ext[register.ExtCSDBKOPSStatus] = 0
		return
	}
	c.ext[index] = value
}

func validSwitch(ext []byte, index, value uint8) bool {
	cardType := register.CardType(ext[register.ExtCSDCardType])
	switch index {
	case register.ExtCSDBusWidth:
		switch value &^ register.BusWidthStrobe {
		case register.BusWidth1Bit, register.BusWidth4Bit, register.BusWidth8Bit:
		case register.BusWidthDDR4, register.BusWidthDDR8:
			if !cardType.Has(register.CardTypeDDR52) {
				return false
			}
		default:
			return false
		}
		if value&register.BusWidthStrobe != 0 && ext[register.ExtCSDStrobeSupport] == 0 {
			return false
		}
		return true
	case register.ExtCSDHSTiming:
		switch value & 0xF {
		case register.TimingBackwardsCompatible:
			return true
		case register.TimingHS:
			return cardType.Has(register.CardTypeHS)
		case register.TimingHS200:
			return cardType.Has(register.CardTypeHS200)
		case register.TimingHS400:
			return cardType.Has(register.CardTypeHS400)
		}
		return false
	case register.ExtCSDCMDQModeEn:
		return value <= 1 && (value == 0 || ext[register.ExtCSDCMDQSupport]&1 != 0)
	case register.ExtCSDPowerOffNotification:
		return value <= register.PowerOffLong
	case register.ExtCSDPartConfig:
		return value&register.PartConfigAccessMask <= register.PartConfigAccessGP0+3
	}
	return true
}

// data services a command with a data phase.
func (c *Card) data(cmd host.Command, data *host.Data, ios host.IOS, spi bool) (host.Response, error) {
	switch cmd.Opcode {
	case host.CmdSendCID, host.CmdSendCSD:
		if !spi {
			return host.Response{}, c.illegal(cmd)
		}
		resp, err := c.command(cmd, ios, spi)
		if err != nil {
			return resp, err
		}
		for i, w := range resp {
			data.Buf[i*4] = byte(w >> 24)
			data.Buf[i*4+1] = byte(w >> 16)
			data.Buf[i*4+2] = byte(w >> 8)
			data.Buf[i*4+3] = byte(w)
		}
		return c.r1(), nil
	}

	if !c.powered || c.NoResponse[cmd.Opcode] {
		return host.Response{}, mmcerr.Errorf(mmcerr.Timeout, "no response to CMD%d", cmd.Opcode)
	}
	if c.state != host.StateTransfer {
		return host.Response{}, c.illegal(cmd)
	}

	switch cmd.Opcode {
	case host.CmdSendExtCSD:
		if c.ext == nil {
			return host.Response{}, c.illegal(cmd)
		}
		resp := c.r1()
		copy(data.Buf, c.ext)
		if !spi && !c.linkOK(ios) {
			corrupt(data.Buf)
		}
		return resp, nil

	case host.CmdBusTestW:
		resp := c.r1()
		c.busTest = append([]byte(nil), data.Buf...)
		return resp, nil

	case host.CmdBusTestR:
		resp := c.r1()
		for i := range data.Buf {
			var b byte
			if i < len(c.busTest) {
				b = c.busTest[i]
			}
			data.Buf[i] = ^b
		}
		width, _ := c.width()
		if ios.BusWidth != width || c.BrokenWidths[width] {
			corrupt(data.Buf)
		}
		c.busTest = nil
		return resp, nil

	default:
		return host.Response{}, c.illegal(cmd)
	}
}

// corrupt garbles a transfer the way a mismatched bus does.
func corrupt(buf []byte) {
	for i := range buf {
		buf[i] = ^buf[i] ^ byte(i)
	}
}
