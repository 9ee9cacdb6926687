package ops

import (
	"context"
	"time"

	"go.viam.com/emmc/host"
	"go.viam.com/emmc/mmcerr"
	"go.viam.com/emmc/register"
	"go.viam.com/emmc/utils"
)

// DefaultSwitchTimeout bounds a SWITCH whose EXT_CSD gives no better figure.
const DefaultSwitchTimeout = 10 * time.Minute

// SwitchPolicy controls how a SWITCH waits for the card to finish.
type SwitchPolicy struct {
	// UseBusySignal waits on the busy signal or status. Without it the switch returns as soon as
	// the command is accepted.
	UseBusySignal bool
	// SendStatus polls CMD13 while the card is programming. Without it the full timeout is slept.
	SendStatus bool
	// IgnoreCRC accepts status responses with a bad CRC.
	IgnoreCRC bool
}

// DefaultSwitchPolicy waits for the busy signal and polls status.
var DefaultSwitchPolicy = SwitchPolicy{UseBusySignal: true, SendStatus: true}

// Switch writes value into the EXT_CSD byte at index and waits for the card to finish.
func (s *Session) Switch(ctx context.Context, index, value uint8, timeout time.Duration) error {
	return s.SwitchWith(ctx, index, value, timeout, DefaultSwitchPolicy)
}

// SwitchWith is Switch with an explicit wait policy.
func (s *Session) SwitchWith(
	ctx context.Context,
	index, value uint8,
	timeout time.Duration,
	policy SwitchPolicy,
) error {
	caps := s.Host.Capabilities()
	useR1B := policy.UseBusySignal
	// A busy wait the host cannot time is replaced by status polling.
	if timeout > 0 && caps.MaxBusyTimeout > 0 && timeout > caps.MaxBusyTimeout {
		useR1B = false
	}
	cmd := host.Command{
		Opcode: host.CmdSwitch,
		Arg: register.SwitchAccessWriteByte<<24 | uint32(index)<<16 | uint32(value)<<8 |
			register.CmdSetNormal,
		RespType: host.RespR1,
		Retries:  3,
	}
	if useR1B {
		cmd.RespType = host.RespR1B
		cmd.BusyTimeout = timeout
	}
	if _, err := s.Host.SendCommand(ctx, cmd); err != nil {
		return mmcerr.Wrapf(err, "SWITCH EXT_CSD[%d]=%#x", index, value)
	}

	if !policy.UseBusySignal {
		return nil
	}
	if useR1B && caps.Caps.Has(host.CapWaitWhileBusy) {
		return nil
	}
	if timeout == 0 {
		timeout = DefaultSwitchTimeout
	}
	if !policy.SendStatus {
		return s.Sleep(ctx, timeout)
	}

	status, err := s.waitWhileProgramming(ctx, timeout, policy.IgnoreCRC, "switch")
	if err != nil {
		return mmcerr.Wrapf(err, "SWITCH EXT_CSD[%d]=%#x", index, value)
	}
	return mmcerr.Wrapf(s.SwitchStatusError(status), "SWITCH EXT_CSD[%d]=%#x", index, value)
}

// busyPollInterval spaces out status reads while the card is busy.
const busyPollInterval = time.Millisecond

// waitWhileProgramming polls status until the card leaves the programming state and returns the
// last status read.
func (s *Session) waitWhileProgramming(ctx context.Context, timeout time.Duration, ignoreCRC bool, op string) (uint32, error) {
	deadline := s.Clock.Now().Add(timeout)
	done := utils.SlowLogger(ctx, s.Clock, "waiting for card to finish programming", s.Logger, "op", op)
	defer done()
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		status, err := s.SendStatus(ctx, ignoreCRC)
		if err != nil {
			return 0, err
		}
		if host.StatusState(status) != host.StateProgramming {
			return status, nil
		}
		if s.Clock.Now().After(deadline) {
			return status, mmcerr.Errorf(mmcerr.Timeout, "card still programming after %s", timeout)
		}
		if err := s.Sleep(ctx, busyPollInterval); err != nil {
			return 0, err
		}
	}
}

// SwitchStatus reads the card status and checks it for the outcome of the last SWITCH.
func (s *Session) SwitchStatus(ctx context.Context, ignoreCRC bool) error {
	status, err := s.SendStatus(ctx, ignoreCRC)
	if err != nil {
		return err
	}
	return s.SwitchStatusError(status)
}

// SwitchStatusError maps the error bits of a status read after a SWITCH. A refused switch is
// BadMessage; any other error bit is StatusError.
func (s *Session) SwitchStatusError(status uint32) error {
	if status&host.R1SwitchError != 0 {
		return mmcerr.Errorf(mmcerr.BadMessage, "card refused switch, status %#08x", status)
	}
	if status&host.R1ErrorMask != 0 {
		return mmcerr.Errorf(mmcerr.StatusError, "unexpected status %#08x after switch", status)
	}
	return nil
}
