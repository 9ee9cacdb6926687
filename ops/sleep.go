package ops

import (
	"context"
	"time"

	"go.viam.com/emmc/card"
	"go.viam.com/emmc/host"
	"go.viam.com/emmc/mmcerr"
	"go.viam.com/emmc/register"
)

// CanSleepAwake reports whether the card may be put to sleep with CMD5.
func (s *Session) CanSleepAwake() bool {
	return s.Caps().Has(host.CapSleepAwake) && s.Card != nil && s.Card.ExtCSD.Rev >= 3
}

// SleepAwake sends CMD5. Going to sleep deselects the card first; waking selects it again.
func (s *Session) SleepAwake(ctx context.Context, sleep bool) error {
	if s.Card == nil {
		return mmcerr.New(mmcerr.HostUnsupported, "no card bound")
	}
	c := s.Card
	timeout := roundUpMs(c.ExtCSD.SleepAwakeTimeout)

	// CMD5 and the deselect are only accepted with the user area selected.
	if c.ExtCSD.Rev >= 3 && c.Negotiated.PartitionAccess != register.PartConfigAccessUser {
		cfg := c.ExtCSD.PartConfig &^ register.PartConfigAccessMask
		if err := s.Switch(ctx, register.ExtCSDPartConfig, cfg, c.ExtCSD.PartSwitchTime); err != nil {
			return mmcerr.Wrap(err, "switching back to the user partition")
		}
		c.ExtCSD.PartConfig = cfg
		c.Negotiated.PartitionAccess = cfg & register.PartConfigAccessMask
	}

	// Tuning needs a selected card.
	s.HoldRetune()
	defer s.ReleaseRetune()

	if sleep {
		if err := s.Deselect(ctx); err != nil {
			return err
		}
	}

	cmd := host.Command{Opcode: host.CmdSleepAwake, Arg: uint32(c.RCA) << 16, RespType: host.RespR1}
	if sleep {
		cmd.Arg |= 1 << 15
	}
	caps := s.Host.Capabilities()
	if caps.MaxBusyTimeout == 0 || timeout <= caps.MaxBusyTimeout {
		cmd.RespType = host.RespR1B
		cmd.BusyTimeout = timeout
	}
	if _, err := s.Host.SendCommand(ctx, cmd); err != nil {
		return mmcerr.Wrap(err, "CMD5")
	}

	// Status cannot be polled while the card sleeps, so without a timed busy wait the full
	// timeout is slept.
	if cmd.BusyTimeout == 0 || !caps.Caps.Has(host.CapWaitWhileBusy) {
		if err := s.Sleep(ctx, timeout); err != nil {
			return err
		}
	}

	if sleep {
		c.Set(card.FlagSleeping)
		return nil
	}
	if err := s.Select(ctx); err != nil {
		return err
	}
	c.Clear(card.FlagSleeping)
	return nil
}

func roundUpMs(d time.Duration) time.Duration {
	return (d + time.Millisecond - 1) / time.Millisecond * time.Millisecond
}
