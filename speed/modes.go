package speed

import (
	"context"

	"go.viam.com/emmc/host"
	"go.viam.com/emmc/mmcerr"
	"go.viam.com/emmc/ops"
	"go.viam.com/emmc/register"
)

// modeSwitch is the wait policy for HS_TIMING changes. The status read that follows may come back
// with a bad CRC while host and card timings disagree.
func modeSwitch(sendStatus bool) ops.SwitchPolicy {
	return ops.SwitchPolicy{UseBusySignal: true, SendStatus: sendStatus, IgnoreCRC: true}
}

// lowSignalVoltage moves the I/O lines to 1.2V if the available modes in v12 allow it, falling
// back to 1.8V if v18 allows it.
func lowSignalVoltage(ctx context.Context, s *ops.Session, v12, v18 register.CardType) error {
	avail := s.Card.Available.Types
	err := mmcerr.New(mmcerr.HostUnsupported, "no low signal voltage available")
	if avail&v12 != 0 {
		err = s.SetSignalVoltage(ctx, host.SignalVoltage120)
	}
	if err != nil && avail&v18 != 0 {
		err = s.SetSignalVoltage(ctx, host.SignalVoltage180)
	}
	return err
}

func hsTiming(mode uint8, driveStrength int) uint8 {
	return mode | uint8(driveStrength)<<register.TimingDriverStrengthShift
}

// SelectHS switches the card and host to high speed SDR timing.
func SelectHS(ctx context.Context, s *ops.Session) error {
	err := s.SwitchWith(ctx, register.ExtCSDHSTiming, register.TimingHS,
		s.Card.ExtCSD.GenericCMD6Time, ops.SwitchPolicy{UseBusySignal: true, IgnoreCRC: true})
	if err != nil {
		s.Logger.CWarnw(ctx, "switch to high speed failed", "error", err)
		return err
	}
	s.SetTiming(host.TimingHS)
	return s.SwitchStatus(ctx, false)
}

// SelectHSDDR moves a high speed card on a 4- or 8-bit bus to DDR52. It does nothing when DDR52
// is unavailable or the bus is one bit wide.
func SelectHSDDR(ctx context.Context, s *ops.Session) error {
	if !s.Card.Available.Types.Has(register.CardTypeDDR52) {
		return nil
	}
	width := s.Host.IOS().BusWidth
	if width == host.BusWidth1 {
		return nil
	}
	bits := uint8(register.BusWidthDDR4)
	if width == host.BusWidth8 {
		bits = register.BusWidthDDR8
	}
	err := s.SwitchWith(ctx, register.ExtCSDBusWidth, bits, s.Card.ExtCSD.GenericCMD6Time,
		ops.SwitchPolicy{UseBusySignal: true})
	if err != nil {
		s.Logger.CWarnw(ctx, "switch to DDR bus width failed", "width", width, "error", err)
		return err
	}

	if err := lowSignalVoltage(ctx, s, register.CardTypeDDR52_1V2, register.CardTypeDDR52_1V8); err != nil {
		// DDR52 is also specified at 3.3V signaling.
		if err := s.SetSignalVoltage(ctx, host.SignalVoltage330); err != nil {
			return err
		}
	}

	s.SetTiming(host.TimingDDR52)
	return s.SwitchStatus(ctx, false)
}

// SelectDriverType negotiates the drive strength used for HS200 and HS400 and programs the
// matching host driver type.
func SelectDriverType(s *ops.Session) {
	// Driver type 0 is mandatory for every device.
	cardTypes := s.Card.ExtCSD.DriverStrength | 1
	strength, driverType := s.Host.SelectDriveStrength(s.Card.Available.HS200MaxDTR, cardTypes)
	s.Card.Negotiated.DriveStrength = strength
	if driverType != 0 {
		s.SetDriverType(driverType)
	}
}

// SelectHS200 moves the card to HS200. The signal voltage is restored if the switch fails. A
// card that refuses the timing change is left in its previous timing and BadMessage is returned.
func SelectHS200(ctx context.Context, s *ops.Session) error {
	oldVoltage := s.Host.IOS().SignalVoltage

	if err := lowSignalVoltage(ctx, s, register.CardTypeHS200_1V2, register.CardTypeHS200_1V8); err != nil {
		return err
	}

	SelectDriverType(s)
	sendStatus := !s.Caps().Has(host.CapWaitWhileBusy)

	err := selectHS200Timing(ctx, s, sendStatus)
	if err == nil {
		return nil
	}
	if verr := s.SetSignalVoltage(ctx, oldVoltage); verr != nil {
		s.Logger.Errorw("could not restore signal voltage after failed HS200 switch",
			"voltage", oldVoltage, "error", verr)
		return mmcerr.Errorf(mmcerr.IOError, "restoring signal voltage %s: %v", oldVoltage, verr)
	}
	return err
}

func selectHS200Timing(ctx context.Context, s *ops.Session, sendStatus bool) error {
	if _, err := SelectBusWidth(ctx, s); err != nil {
		return err
	}
	err := s.SwitchWith(ctx, register.ExtCSDHSTiming,
		hsTiming(register.TimingHS200, s.Card.Negotiated.DriveStrength),
		s.Card.ExtCSD.GenericCMD6Time, modeSwitch(sendStatus))
	if err != nil {
		return err
	}
	oldTiming := s.Host.IOS().Timing
	s.SetTiming(host.TimingHS200)
	if sendStatus {
		return nil
	}
	err = s.SwitchStatus(ctx, true)
	// The card stays in its previous timing when it refuses the switch.
	if mmcerr.KindOf(err) == mmcerr.BadMessage {
		s.SetTiming(oldTiming)
	}
	return err
}

// SelectHS400 moves the card to HS400, either from HS200 after tuning or directly through enhanced
// strobe when the card supports it. It does nothing when HS400 is not possible.
func SelectHS400(ctx context.Context, s *ops.Session) error {
	c := s.Card
	caps := s.Caps()
	avail := c.Available.Types
	strobe := c.ExtCSD.StrobeSupport
	cmd6 := c.ExtCSD.GenericCMD6Time

	if strobe {
		if !avail.Has(register.CardTypeHS400) || !caps.Has(host.Cap8BitData) {
			return nil
		}
		if err := lowSignalVoltage(ctx, s, register.CardTypeHS200_1V2, register.CardTypeHS200_1V8); err != nil {
			return err
		}
	} else if !avail.Has(register.CardTypeHS400) || s.Host.IOS().BusWidth != host.BusWidth8 {
		return nil
	}

	sendStatus := !caps.Has(host.CapWaitWhileBusy)

	// HS400 is entered from high speed timing at no more than 52 MHz.
	err := s.SwitchWith(ctx, register.ExtCSDHSTiming, register.TimingHS, cmd6, modeSwitch(sendStatus))
	if err != nil {
		s.Logger.CWarnw(ctx, "switch to high speed for HS400 failed", "error", err)
		return err
	}
	s.SetTiming(host.TimingHS)
	s.SetClock(c.Available.HSMaxDTR)
	if !sendStatus {
		if err := s.SwitchStatus(ctx, false); err != nil {
			return err
		}
	}

	bits := uint8(register.BusWidthDDR8)
	if strobe {
		if _, err := SelectBusWidth(ctx, s); err != nil {
			return err
		}
		bits |= register.BusWidthStrobe
	}
	if err := s.Switch(ctx, register.ExtCSDBusWidth, bits, cmd6); err != nil {
		s.Logger.CWarnw(ctx, "switch to DDR 8-bit bus width failed", "error", err)
		return err
	}

	err = s.SwitchWith(ctx, register.ExtCSDHSTiming, hsTiming(register.TimingHS400, c.Negotiated.DriveStrength),
		cmd6, modeSwitch(sendStatus))
	if err != nil {
		s.Logger.CWarnw(ctx, "switch to HS400 failed", "error", err)
		return err
	}
	s.SetTiming(host.TimingHS400)
	SetBusSpeed(s)

	switch {
	case strobe && caps.Has(host.CapEnhancedStrobe):
		if err := s.EnhancedStrobe(ctx); err != nil {
			s.Logger.CWarnw(ctx, "enhanced strobe calibration failed", "error", err)
		}
	case caps.Has(host.CapHS400PostTuning):
		if err := s.Tune(ctx); err != nil {
			s.Logger.CWarnw(ctx, "tuning after HS400 switch failed", "error", err)
		}
	}

	if !sendStatus {
		return s.SwitchStatus(ctx, false)
	}
	return nil
}

// HS200ToHS400 returns a card that was scaled down to HS200 back to HS400.
func HS200ToHS400(ctx context.Context, s *ops.Session) error {
	return SelectHS400(ctx, s)
}

// HS400ToHS200 drops a card from HS400 to HS200 by way of high speed timing, leaving the bus at
// 8 bits SDR. The caller is expected to re-tune.
func HS400ToHS200(ctx context.Context, s *ops.Session) error {
	c := s.Card
	cmd6 := c.ExtCSD.GenericCMD6Time
	sendStatus := !s.Caps().Has(host.CapWaitWhileBusy)
	status := func() error {
		if sendStatus {
			return nil
		}
		return s.SwitchStatus(ctx, false)
	}

	// Reduce the frequency to HS first.
	err := s.SwitchWith(ctx, register.ExtCSDHSTiming, register.TimingHS, cmd6, modeSwitch(sendStatus))
	if err != nil {
		return err
	}
	s.SetTiming(host.TimingDDR52)
	s.SetClock(c.Available.HSMaxDTR)
	if err := status(); err != nil {
		return err
	}

	err = s.SwitchWith(ctx, register.ExtCSDBusWidth, register.BusWidth8Bit, cmd6, modeSwitch(sendStatus))
	if err != nil {
		return err
	}
	s.SetTiming(host.TimingHS)
	if err := status(); err != nil {
		return err
	}

	err = s.SwitchWith(ctx, register.ExtCSDHSTiming, hsTiming(register.TimingHS200, c.Negotiated.DriveStrength),
		cmd6, modeSwitch(sendStatus))
	if err != nil {
		return err
	}
	s.SetTiming(host.TimingHS200)
	if err := status(); err != nil {
		return err
	}
	SetBusSpeed(s)
	return nil
}
