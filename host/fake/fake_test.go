package fake

import (
	"context"
	"errors"
	"testing"

	"go.viam.com/test"

	"go.viam.com/emmc/host"
	"go.viam.com/emmc/mmcerr"
	"go.viam.com/emmc/register"
)

func send(t *testing.T, h *Host, opcode, arg uint32) host.Response {
	t.Helper()
	resp, err := h.SendCommand(context.Background(), host.Command{Opcode: opcode, Arg: arg, RespType: host.RespR1})
	test.That(t, err, test.ShouldBeNil)
	return resp
}

func toTransfer(t *testing.T, h *Host) {
	t.Helper()
	h.PowerUp(DefaultCapabilities().OCRAvail)
	send(t, h, host.CmdGoIdleState, 0)
	for {
		resp := send(t, h, host.CmdSendOpCond, host.VDD33_34|host.OCRHighCapacity)
		if resp[0]&host.OCRReady != 0 {
			break
		}
	}
	send(t, h, host.CmdAllSendCID, 0)
	send(t, h, host.CmdSetRelativeAddr, 1<<16)
	send(t, h, host.CmdSelectCard, 1<<16)
}

func switchArg(index, value uint8) uint32 {
	return register.SwitchAccessWriteByte<<24 | uint32(index)<<16 | uint32(value)<<8
}

func TestVolatileFields(t *testing.T) {
	dev := NewDefaultCard()
	h := NewHost("test", DefaultCapabilities(), dev)
	toTransfer(t, h)

	send(t, h, host.CmdSwitch, switchArg(register.ExtCSDHSTiming, register.TimingHS))
	send(t, h, host.CmdSwitch, switchArg(register.ExtCSDBKOPSEn, register.BKOPSManualEn|register.BKOPSAutoEn))
	test.That(t, dev.ExtCSD()[register.ExtCSDHSTiming], test.ShouldEqual, byte(register.TimingHS))

	send(t, h, host.CmdGoIdleState, 0)
	test.That(t, dev.State(), test.ShouldEqual, host.StateIdle)
	test.That(t, dev.ExtCSD()[register.ExtCSDHSTiming], test.ShouldEqual, byte(0))
	test.That(t, dev.ExtCSD()[register.ExtCSDBKOPSEn], test.ShouldEqual, byte(register.BKOPSManualEn|register.BKOPSAutoEn))
}

func TestSwitchValidation(t *testing.T) {
	dev := NewDefaultCard()
	dev.SetExtCSDByte(register.ExtCSDCardType, byte(register.CardTypeHS))
	h := NewHost("test", DefaultCapabilities(), dev)
	toTransfer(t, h)

	send(t, h, host.CmdSwitch, switchArg(register.ExtCSDHSTiming, register.TimingHS200))
	status := send(t, h, host.CmdSendStatus, 1<<16)
	test.That(t, status[0]&host.R1SwitchError, test.ShouldNotEqual, 0)
	// cleared once reported
	status = send(t, h, host.CmdSendStatus, 1<<16)
	test.That(t, status[0]&host.R1SwitchError, test.ShouldEqual, 0)

	send(t, h, host.CmdSwitch, switchArg(register.ExtCSDRev, 1))
	status = send(t, h, host.CmdSendStatus, 1<<16)
	test.That(t, status[0]&host.R1SwitchError, test.ShouldNotEqual, 0)
}

func TestCMDQModeNeedsBlockLen(t *testing.T) {
	dev := NewDefaultCard()
	h := NewHost("test", DefaultCapabilities(), dev)
	toTransfer(t, h)

	send(t, h, host.CmdSwitch, switchArg(register.ExtCSDCMDQModeEn, register.CMDQModeEnable))
	status := send(t, h, host.CmdSendStatus, 1<<16)
	test.That(t, status[0]&host.R1SwitchError, test.ShouldNotEqual, 0)
	test.That(t, dev.ExtCSD()[register.ExtCSDCMDQModeEn], test.ShouldEqual, byte(0))

	send(t, h, host.CmdSetBlockLen, 256)
	send(t, h, host.CmdSwitch, switchArg(register.ExtCSDCMDQModeEn, register.CMDQModeEnable))
	status = send(t, h, host.CmdSendStatus, 1<<16)
	test.That(t, status[0]&host.R1SwitchError, test.ShouldNotEqual, 0)

	send(t, h, host.CmdSetBlockLen, register.ExtCSDSize)
	send(t, h, host.CmdSwitch, switchArg(register.ExtCSDCMDQModeEn, register.CMDQModeEnable))
	status = send(t, h, host.CmdSendStatus, 1<<16)
	test.That(t, status[0]&host.R1SwitchError, test.ShouldEqual, 0)
	test.That(t, dev.ExtCSD()[register.ExtCSDCMDQModeEn], test.ShouldEqual, byte(1))

	// CMD0 forgets the block length along with CMDQ mode.
	send(t, h, host.CmdGoIdleState, 0)
	test.That(t, dev.ExtCSD()[register.ExtCSDCMDQModeEn], test.ShouldEqual, byte(0))
}

func TestSleepPowerLoss(t *testing.T) {
	for _, tc := range []struct {
		name      string
		configure func(*Card)
		state     host.CardState
		timing    byte
	}{
		{"retained", func(*Card) {}, host.StateSleep, register.TimingHS},
		{"registers reset", func(c *Card) { c.ResetRegistersInSleep = true }, host.StateSleep, 0},
		{"power lost", func(c *Card) { c.LosePowerInSleep = true }, host.StateIdle, 0},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			dev := NewDefaultCard()
			tc.configure(dev)
			h := NewHost("test", DefaultCapabilities(), dev)
			toTransfer(t, h)
			send(t, h, host.CmdSwitch, switchArg(register.ExtCSDHSTiming, register.TimingHS))
			send(t, h, host.CmdSelectCard, 0)
			send(t, h, host.CmdSleepAwake, 1<<16|1<<15)

			h.PowerOff()
			h.PowerUp(host.VDD33_34)
			test.That(t, dev.State(), test.ShouldEqual, tc.state)
			test.That(t, dev.ExtCSD()[register.ExtCSDHSTiming], test.ShouldEqual, tc.timing)
		})
	}
}

func TestDataIntegrity(t *testing.T) {
	ctx := context.Background()
	dev := NewDefaultCard()
	h := NewHost("test", DefaultCapabilities(), dev)
	toTransfer(t, h)

	read := func() []byte {
		buf := make([]byte, register.ExtCSDSize)
		_, err := h.SendDataCommand(ctx, host.Command{Opcode: host.CmdSendExtCSD, RespType: host.RespR1},
			&host.Data{Buf: buf, Direction: host.DataRead, BlockSize: len(buf), Blocks: 1})
		test.That(t, err, test.ShouldBeNil)
		return buf
	}
	test.That(t, read(), test.ShouldResemble, dev.ExtCSD())

	// host still at one bit
	send(t, h, host.CmdSwitch, switchArg(register.ExtCSDBusWidth, register.BusWidth8Bit))
	test.That(t, read(), test.ShouldNotResemble, dev.ExtCSD())

	h.SetBusWidth(host.BusWidth8)
	test.That(t, read(), test.ShouldResemble, dev.ExtCSD())
}

func TestCommandQueueOrdering(t *testing.T) {
	ctx := context.Background()
	caps := DefaultCapabilities()
	caps.Caps |= host.CapCMDQ
	h := NewHost("test", caps, NewDefaultCard())
	toTransfer(t, h)

	test.That(t, h.CMDQEnable(ctx), test.ShouldBeNil)
	_, err := h.SendCommand(ctx, host.Command{Opcode: host.CmdSendStatus, Arg: 1 << 16, RespType: host.RespR1})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, h.Stats().CMDQViolations, test.ShouldEqual, 1)

	test.That(t, h.CMDQHalt(ctx, true), test.ShouldBeNil)
	send(t, h, host.CmdSendStatus, 1<<16)
	test.That(t, h.CMDQHalt(ctx, false), test.ShouldBeNil)
	test.That(t, h.Stats().CMDQViolations, test.ShouldEqual, 1)
}

func TestSignalVoltage(t *testing.T) {
	ctx := context.Background()
	h := NewHost("test", DefaultCapabilities(), nil)
	test.That(t, h.SetSignalVoltage(ctx, host.SignalVoltage120), test.ShouldNotBeNil)
	test.That(t, h.SetSignalVoltage(ctx, host.SignalVoltage180), test.ShouldBeNil)
	h.FailVoltages = map[host.SignalVoltage]bool{host.SignalVoltage330: true}
	test.That(t, h.SetSignalVoltage(ctx, host.SignalVoltage330), test.ShouldNotBeNil)
	test.That(t, h.IOS().SignalVoltage, test.ShouldEqual, host.SignalVoltage180)

	_, err := h.SendCommand(ctx, host.Command{Opcode: host.CmdGoIdleState})
	test.That(t, errors.Is(err, mmcerr.Timeout), test.ShouldBeTrue)
}
