package ops

import (
	"context"

	"go.viam.com/emmc/host"
	"go.viam.com/emmc/mmcerr"
)

// Tune runs the host's sampling point search for HS200. A host without tuning support is not an
// error.
func (s *Session) Tune(ctx context.Context) error {
	if s.RetuneHeld() {
		return mmcerr.New(mmcerr.Busy, "re-tuning is held")
	}
	s.Host.ClockHold()
	defer s.Host.ClockRelease()
	err := s.Host.ExecuteTuning(ctx, host.CmdSendTuningBlockHS200)
	if mmcerr.KindOf(err) == mmcerr.HostUnsupported {
		s.Logger.CDebugw(ctx, "host has no tuning, skipping", "host", s.Host.Name())
		return nil
	}
	return mmcerr.Wrap(err, "tuning")
}

// EnhancedStrobe asks the host to switch its data sampling to the strobe line.
func (s *Session) EnhancedStrobe(ctx context.Context) error {
	s.Host.ClockHold()
	defer s.Host.ClockRelease()
	return mmcerr.Wrap(s.Host.EnhancedStrobe(ctx), "enabling enhanced strobe on host")
}

// CMDQEnable turns on the host's command queue engine.
func (s *Session) CMDQEnable(ctx context.Context) error {
	return mmcerr.Wrap(s.Host.CMDQEnable(ctx), "enabling host command queue")
}

// CMDQDisable turns off the host's command queue engine.
func (s *Session) CMDQDisable(ctx context.Context) {
	s.Host.CMDQDisable(ctx)
}

// CMDQHalt halts or resumes the host's command queue so legacy commands can be issued.
func (s *Session) CMDQHalt(ctx context.Context, halt bool) error {
	return mmcerr.Wrap(s.Host.CMDQHalt(ctx, halt), "halting host command queue")
}

// HWReset pulses the card's reset line.
func (s *Session) HWReset(ctx context.Context) error {
	return mmcerr.Wrap(s.Host.HWReset(ctx), "hardware reset")
}
