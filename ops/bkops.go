package ops

import (
	"context"
	"time"

	"go.viam.com/emmc/card"
	"go.viam.com/emmc/host"
	"go.viam.com/emmc/mmcerr"
	"go.viam.com/emmc/register"
)

// CacheFlushTimeout bounds a FLUSH_CACHE switch.
const CacheFlushTimeout = 30 * time.Second

// InterruptHPI interrupts an ongoing program operation with the card's HPI command and waits for
// it to return to the transfer state.
func (s *Session) InterruptHPI(ctx context.Context) error {
	c := s.Card
	if c == nil || !c.ExtCSD.HPI {
		return mmcerr.New(mmcerr.HostUnsupported, "card does not support HPI")
	}
	status, err := s.SendStatus(ctx, false)
	if err != nil {
		return err
	}
	switch state := host.StatusState(status); state {
	case host.StateIdle, host.StateReady, host.StateStandby, host.StateTransfer:
		return nil
	case host.StateProgramming:
	default:
		return mmcerr.Errorf(mmcerr.StatusError, "HPI not allowed in card state %d", state)
	}

	cmd := host.Command{Opcode: c.ExtCSD.HPICmd, Arg: uint32(c.RCA)<<16 | 1, RespType: host.RespR1}
	if cmd.Opcode == host.CmdStopTransmission {
		cmd.RespType = host.RespR1B
	}
	if _, err := s.Host.SendCommand(ctx, cmd); err != nil {
		return mmcerr.Wrap(err, "sending HPI")
	}

	deadline := s.Clock.Now().Add(c.ExtCSD.OutOfInterruptTime)
	for {
		status, err := s.SendStatus(ctx, false)
		if err != nil {
			return err
		}
		if host.StatusState(status) == host.StateTransfer {
			return nil
		}
		if s.Clock.Now().After(deadline) {
			return mmcerr.Errorf(mmcerr.Timeout, "card did not leave programming within %s of HPI",
				c.ExtCSD.OutOfInterruptTime)
		}
		if err := s.Sleep(ctx, busyPollInterval); err != nil {
			return err
		}
	}
}

// SupportsAutoBKOPS reports whether the card runs background operations on its own.
func (s *Session) SupportsAutoBKOPS() bool {
	return s.Card != nil && s.Card.ExtCSD.Rev >= register.ExtCSDRevV5_1
}

// CheckBKOPS reads the background operations status and records whether the card wants time.
func (s *Session) CheckBKOPS(ctx context.Context) error {
	c := s.Card
	if c == nil || !c.ExtCSD.BKOPS || c.Has(card.FlagDoingBKOPS) {
		return nil
	}
	raw, err := s.GetExtCSD(ctx)
	if err != nil {
		return err
	}
	c.ExtCSD.BKOPSStatus = raw[register.ExtCSDBKOPSStatus]
	c.BKOPS.NeedsBKOPS = c.ExtCSD.BKOPSStatus >= register.BKOPSLevel2
	if c.BKOPS.NeedsBKOPS {
		s.Logger.CDebugw(ctx, "card requests background operations", "level", c.ExtCSD.BKOPSStatus)
	}
	return nil
}

// StartManualBKOPS starts background operations without waiting for them to finish.
func (s *Session) StartManualBKOPS(ctx context.Context) error {
	c := s.Card
	s.HoldRetune()
	defer s.ReleaseRetune()
	err := s.SwitchWith(ctx, register.ExtCSDBKOPSStart, 1, 0, SwitchPolicy{})
	if err != nil {
		return mmcerr.Wrap(err, "starting background operations")
	}
	c.Set(card.FlagDoingBKOPS)
	c.BKOPS.NeedsBKOPS = false
	return nil
}

// StopBKOPS interrupts running background operations.
func (s *Session) StopBKOPS(ctx context.Context) error {
	c := s.Card
	if c == nil || !c.Has(card.FlagDoingBKOPS) {
		return nil
	}
	if err := s.InterruptHPI(ctx); err != nil {
		return mmcerr.Wrap(err, "stopping background operations")
	}
	c.Clear(card.FlagDoingBKOPS)
	return nil
}

// SetAutoBKOPS turns automatic background operations on or off.
func (s *Session) SetAutoBKOPS(ctx context.Context, enable bool) error {
	c := s.Card
	if !s.SupportsAutoBKOPS() || !c.ExtCSD.BKOPS {
		return mmcerr.New(mmcerr.HostUnsupported, "card has no automatic background operations")
	}
	value := c.ExtCSD.BKOPSEnable
	if enable {
		value |= register.BKOPSAutoEn
	} else {
		value &^= register.BKOPSAutoEn
	}
	if err := s.Switch(ctx, register.ExtCSDBKOPSEn, value, c.ExtCSD.GenericCMD6Time); err != nil {
		return mmcerr.Wrap(err, "setting BKOPS_EN")
	}
	c.ExtCSD.BKOPSEnable = value
	return nil
}

// FlushCache writes back the card's volatile cache when it is on.
func (s *Session) FlushCache(ctx context.Context) error {
	c := s.Card
	if c == nil || !c.Has(card.FlagCache) || c.Quirks&register.QuirkCacheDisable != 0 {
		return nil
	}
	return mmcerr.Wrap(s.Switch(ctx, register.ExtCSDFlushCache, 1, CacheFlushTimeout), "flushing cache")
}

// PowerOffNotify writes POWER_OFF_NOTIFICATION and disarms further notifications whatever the
// outcome.
func (s *Session) PowerOffNotify(ctx context.Context, value uint8) error {
	c := s.Card
	timeout := c.ExtCSD.GenericCMD6Time
	if value == register.PowerOffLong {
		timeout = c.ExtCSD.PowerOffLongTime
	}
	err := s.SwitchWith(ctx, register.ExtCSDPowerOffNotification, value, timeout,
		SwitchPolicy{UseBusySignal: true})
	c.Clear(card.FlagPONArmed)
	if err != nil {
		return mmcerr.Wrapf(err, "power off notification timed out after %s", timeout)
	}
	return nil
}

// CanPowerOffNotify reports whether a notification is armed on the card.
func (s *Session) CanPowerOffNotify() bool {
	return s.Card != nil && s.Card.Has(card.FlagPONArmed)
}
