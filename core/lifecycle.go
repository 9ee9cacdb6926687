package core

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/emmc/card"
	"go.viam.com/emmc/host"
	"go.viam.com/emmc/mmcerr"
	"go.viam.com/emmc/register"
	"go.viam.com/emmc/speed"
)

// resumeSettle is how long the bus stays off between resume attempts.
const resumeSettle = 5 * time.Millisecond

// Suspend quiesces the card and removes its power. Cards that support it are put to sleep first so
// that resume can skip full initialization.
func (c *Controller) Suspend(ctx context.Context) error {
	ctx, release, err := c.lease.Claim(ctx)
	if err != nil {
		return err
	}
	defer release()
	return c.suspend(ctx)
}

func (c *Controller) suspend(ctx context.Context) error {
	s := c.session
	cd := s.Card
	if cd == nil {
		return mmcerr.New(mmcerr.HostUnsupported, "no card attached")
	}
	if cd.Has(card.FlagSuspended) {
		return nil
	}

	scaling := c.scaler.Active()
	if scaling {
		c.scaler.Suspend()
	}

	if err := c.quiesce(ctx); err != nil {
		if scaling && !c.scalingMasked {
			c.scaler.Resume()
		}
		return err
	}

	s.PowerOff()
	next := card.StateSuspended
	if cd.Has(card.FlagSleeping) {
		next = card.StateSleeping
	}
	if err := cd.Transition(next); err != nil {
		return err
	}
	c.logger.CDebugw(ctx, "card suspended", "state", next)
	return nil
}

// quiesce stops the command queue and background work, flushes the cache, and puts the card to
// sleep or deselects it. On failure the command queue is restarted.
func (c *Controller) quiesce(ctx context.Context) (err error) {
	s := c.session
	cd := s.Card
	cmdq := cd.Has(card.FlagCMDQ)
	if cmdq {
		if err := s.CMDQHalt(ctx, true); err != nil {
			return err
		}
		s.Host.ClockHold()
		s.CMDQDisable(ctx)
		s.Host.ClockRelease()
		defer func() {
			if err == nil {
				return
			}
			s.Host.ClockHold()
			rerr := s.CMDQEnable(ctx)
			s.Host.ClockRelease()
			if rerr == nil {
				rerr = s.CMDQHalt(ctx, false)
			}
			err = multierr.Combine(err, rerr)
		}()
	}

	if err := s.StopBKOPS(ctx); err != nil {
		return err
	}
	if err := s.FlushCache(ctx); err != nil {
		return err
	}

	if !s.CanSleepAwake() {
		if s.IsSPI() {
			return nil
		}
		return s.Deselect(ctx)
	}

	s.Host.ClockHold()
	defer s.Host.ClockRelease()
	cd.CachedIOS = s.Host.IOS()
	raw, err := s.GetExtCSD(ctx)
	if err != nil {
		c.logger.CWarnw(ctx, "could not snapshot EXT_CSD before sleep", "error", err)
	} else {
		cd.CachedExtCSD = register.SnapshotMutable(raw)
	}
	return s.SleepAwake(ctx, true)
}

// Resume powers the card back up. A sleeping card is woken and its bus settings restored; a card
// that lost its state, or never slept, is initialized again. Attempts that fail are retried after
// a power cycle.
func (c *Controller) Resume(ctx context.Context) error {
	ctx, release, err := c.lease.Claim(ctx)
	if err != nil {
		return err
	}
	defer release()

	// The bus is resumed on first access instead.
	if c.host.Capabilities().Caps.Has(host.CapRuntimeResume) {
		return nil
	}
	return c.resume(ctx)
}

func (c *Controller) resume(ctx context.Context) error {
	s := c.session
	cd := s.Card
	if cd == nil {
		return mmcerr.New(mmcerr.HostUnsupported, "no card attached")
	}
	if !cd.Has(card.FlagSuspended) {
		return nil
	}

	s.PowerUp(cd.OCR)
	var errs error
	resumed := false
	for attempt := 0; attempt < c.cfg.ResumeRetries; attempt++ {
		path, err := c.tryResume(ctx)
		if err == nil {
			ResumeTotal.WithLabelValues(path).Inc()
			resumed = true
			break
		}
		errs = multierr.Combine(errs, err)
		c.logger.CWarnw(ctx, "resume attempt failed, power cycling", "attempt", attempt+1, "error", err)

		s.PowerOff()
		if err := s.Sleep(ctx, resumeSettle); err != nil {
			return multierr.Combine(errs, err)
		}
		s.PowerUp(cd.OCR)
		if ocr, err := s.SelectVoltage(cd.OCR); err == nil {
			cd.OCR = ocr
		}
	}
	if !resumed {
		ResumeTotal.WithLabelValues("failed").Inc()
		return errors.Wrapf(errs, "card did not resume after %d attempts", c.cfg.ResumeRetries)
	}

	if cd.Has(card.FlagCMDQ) {
		if err := s.CMDQHalt(ctx, false); err != nil {
			c.logger.CWarnw(ctx, "command queue did not restart after resume", "error", err)
		}
	}
	if c.scaler.Enabled() && !c.scalingMasked {
		c.scaler.Resume()
	}
	return nil
}

// tryResume makes one attempt at bringing the card back and reports which path did it.
func (c *Controller) tryResume(ctx context.Context) (string, error) {
	s := c.session
	cd := s.Card
	if s.CanSleepAwake() && cd.Has(card.FlagSleeping) {
		err := s.SleepAwake(ctx, false)
		if err == nil {
			err = c.partialInit(ctx)
		}
		if err == nil {
			return "partial", nil
		}
		c.logger.CDebugw(ctx, "partial init failed, falling back to full init", "error", err)
	}
	cd.Clear(card.FlagSleeping)
	if err := c.initCard(ctx, cd.OCR, cd); err != nil {
		return "", err
	}
	return "full", nil
}

// partialInit restores the bus settings that were in effect before sleep and confirms the card
// kept its configuration.
func (c *Controller) partialInit(ctx context.Context) error {
	s := c.session
	cd := s.Card
	ios := cd.CachedIOS

	s.Host.ClockHold()
	defer s.Host.ClockRelease()

	if ios.SignalVoltage != s.Host.IOS().SignalVoltage {
		if err := s.SetSignalVoltage(ctx, ios.SignalVoltage); err != nil {
			return err
		}
	}
	s.SetBusMode(ios.BusMode)
	s.SetDriverType(ios.DriverType)
	s.SetBusWidth(ios.BusWidth)
	s.SetTiming(ios.Timing)
	clk := ios.Clock
	if c.scaler.Enabled() && c.scaler.CurrFreq() != 0 {
		clk = c.scaler.CurrFreq()
	}
	s.SetClock(clk)

	switch ios.Timing {
	case host.TimingHS400:
		if cd.ExtCSD.StrobeSupport && s.Caps().Has(host.CapEnhancedStrobe) {
			if err := s.EnhancedStrobe(ctx); err != nil {
				return err
			}
		} else if err := s.Tune(ctx); err != nil {
			c.logger.CWarnw(ctx, "tuning after wake failed", "error", err)
		}
	case host.TimingHS200:
		if err := s.Tune(ctx); err != nil {
			c.logger.CWarnw(ctx, "tuning after wake failed", "error", err)
		}
	}

	raw, err := s.GetExtCSD(ctx)
	if err != nil {
		return err
	}
	if register.SnapshotMutable(raw) != cd.CachedExtCSD {
		return mmcerr.New(mmcerr.IOError, "EXT_CSD changed during sleep")
	}

	if cd.Has(card.FlagCMDQ) {
		if err := c.restartCMDQ(ctx); err != nil {
			c.logger.CWarnw(ctx, "command queue not restarted after wake", "error", err)
			cd.Clear(card.FlagCMDQ)
		}
	}
	return cd.Transition(card.StateOperational)
}

// restartCMDQ starts the host queue engine again for a card that kept CMDQ mode through sleep.
// The queue is left halted for resume to release.
func (c *Controller) restartCMDQ(ctx context.Context) error {
	s := c.session
	if err := s.SetBlockLen(ctx, register.ExtCSDSize); err != nil {
		return err
	}
	if err := s.CMDQEnable(ctx); err != nil {
		return err
	}
	return s.CMDQHalt(ctx, true)
}

// RuntimeSuspend suspends an idle card on hosts that allow aggressive power management. It backs
// off with Busy while the card wants time for background operations or a hibernation is in
// progress.
func (c *Controller) RuntimeSuspend(ctx context.Context) error {
	ctx, release, err := c.lease.Claim(ctx)
	if err != nil {
		return err
	}
	defer release()

	if !c.host.Capabilities().Caps.Has(host.CapAggressivePM) {
		return nil
	}
	if c.hibernating.Load() > 0 {
		return mmcerr.New(mmcerr.Busy, "hibernation in progress")
	}
	if c.session.Card == nil {
		return nil
	}
	if c.processBKOPS(ctx) {
		return mmcerr.New(mmcerr.Busy, "card is running background operations")
	}
	if err := c.suspend(ctx); err != nil {
		c.logger.CWarnw(ctx, "runtime suspend failed", "error", err)
		return err
	}
	return nil
}

// processBKOPS gives the card time for background operations before it is suspended. It returns
// true while suspend should be deferred; after the retry limit the card is suspended anyway.
func (c *Controller) processBKOPS(ctx context.Context) bool {
	s := c.session
	cd := s.Card
	if cd.Has(card.FlagSuspended) {
		return false
	}

	err := c.withQueueHalted(ctx, func() error {
		if cd.Has(card.FlagDoingBKOPS) {
			status, err := s.SendStatus(ctx, false)
			if err != nil {
				return err
			}
			if host.StatusState(status) != host.StateProgramming {
				cd.Clear(card.FlagDoingBKOPS)
			}
		} else if err := s.CheckBKOPS(ctx); err != nil {
			return err
		}
		if cd.BKOPS.NeedsBKOPS && !s.SupportsAutoBKOPS() {
			return s.StartManualBKOPS(ctx)
		}
		return nil
	})
	if err != nil {
		c.logger.CDebugw(ctx, "background operations check failed", "error", err)
	}

	if !cd.BKOPS.NeedsBKOPS && !cd.Has(card.FlagDoingBKOPS) {
		cd.BKOPS.RetryCounter = 0
		return false
	}
	if cd.BKOPS.RetryCounter < c.cfg.BKOPSDeferLimit {
		cd.BKOPS.RetryCounter++
		cd.BKOPS.NeedsCheck = true
		return true
	}
	c.logger.CDebugw(ctx, "background operations still running, suspending anyway",
		"retries", cd.BKOPS.RetryCounter)
	cd.BKOPS.RetryCounter = 0
	return false
}

// RuntimeResume resumes a runtime suspended card.
func (c *Controller) RuntimeResume(ctx context.Context) error {
	ctx, release, err := c.lease.Claim(ctx)
	if err != nil {
		return err
	}
	defer release()

	if !c.host.Capabilities().Caps.Any(host.CapAggressivePM | host.CapRuntimeResume) {
		return nil
	}
	if c.session.Card == nil {
		return nil
	}
	if err := c.resume(ctx); err != nil {
		c.logger.CWarnw(ctx, "runtime resume failed", "error", err)
		return err
	}
	return nil
}

// Alive reports whether the card still answers a status request.
func (c *Controller) Alive(ctx context.Context) error {
	ctx, release, err := c.lease.Claim(ctx)
	if err != nil {
		return err
	}
	defer release()
	return c.alive(ctx)
}

func (c *Controller) alive(ctx context.Context) error {
	if c.session.Card == nil {
		return mmcerr.New(mmcerr.HostUnsupported, "no card attached")
	}
	return c.withQueueHalted(ctx, func() error {
		_, err := c.session.SendStatus(ctx, false)
		return err
	})
}

// Detect removes the card if it no longer answers. Suspended cards are not probed.
func (c *Controller) Detect(ctx context.Context) error {
	ctx, release, err := c.lease.Claim(ctx)
	if err != nil {
		return err
	}
	defer release()

	cd := c.session.Card
	if cd == nil || cd.Has(card.FlagSuspended) {
		return nil
	}
	if err := c.alive(ctx); err != nil {
		c.logger.CWarnw(ctx, "card stopped responding, removing it", "attach_id", c.attachID, "error", err)
		return c.removeLocked(ctx)
	}
	return nil
}

// Remove forgets the card and powers the bus off.
func (c *Controller) Remove(ctx context.Context) error {
	ctx, release, err := c.lease.Claim(ctx)
	if err != nil {
		return err
	}
	defer release()
	return c.removeLocked(ctx)
}

func (c *Controller) removeLocked(ctx context.Context) error {
	s := c.session
	c.scaler.Stop()
	if s.Card != nil && s.Card.Has(card.FlagCMDQ) {
		s.CMDQDisable(ctx)
	}
	if s.Card != nil {
		c.logger.Infow("card removed", "attach_id", c.attachID)
	}
	s.Card = nil
	s.PowerOff()
	return nil
}

// ChangeBusSpeed moves the card to hz within its scaling window.
func (c *Controller) ChangeBusSpeed(ctx context.Context, hz uint32) (uint32, error) {
	ctx, release, err := c.lease.Claim(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	if c.scalingMasked {
		return 0, mmcerr.New(mmcerr.Busy, "clock scaling is masked for hibernation")
	}
	var got uint32
	err = c.withQueueHalted(ctx, func() error {
		var err error
		got, err = c.scaler.ChangeBusSpeed(ctx, c.session, hz)
		return err
	})
	return got, err
}

// Reset re-initializes the card, through its reset line when the card has it enabled and through
// a power cycle otherwise.
func (c *Controller) Reset(ctx context.Context) error {
	ctx, release, err := c.lease.Claim(ctx)
	if err != nil {
		return err
	}
	defer release()

	s := c.session
	cd := s.Card
	if cd == nil {
		return mmcerr.New(mmcerr.HostUnsupported, "no card attached")
	}
	if cd.Has(card.FlagCMDQ) {
		s.CMDQDisable(ctx)
	}

	caps := c.host.Capabilities()
	hwReset := caps.Caps.Has(host.CapHWReset) &&
		cd.ExtCSD.RstNFunction&register.RstNEnMask == register.RstNEnabled
	if hwReset {
		s.SetClock(caps.FInit)
		if err := s.HWReset(ctx); err != nil {
			c.logger.CWarnw(ctx, "hardware reset failed, power cycling instead", "error", err)
			hwReset = false
		} else {
			s.SetInitialState()
		}
	}
	if !hwReset {
		s.PowerCycle(cd.OCR)
	}

	scaling := c.scaler.Active()
	if scaling {
		c.scaler.Suspend()
	}
	if err := c.initCard(ctx, cd.OCR, cd); err != nil {
		return err
	}
	if scaling {
		c.scaler.Resume()
	}
	c.logger.CDebugw(ctx, "card reset", "hardware", hwReset)
	return nil
}

// Shutdown prepares the card for the system going down. Cards with power off notification armed
// are told whether power is about to be cut.
func (c *Controller) Shutdown(ctx context.Context, kind card.ShutdownKind) error {
	ctx, release, err := c.lease.Claim(ctx)
	if err != nil {
		return err
	}
	defer release()

	s := c.session
	cd := s.Card
	if cd == nil {
		return nil
	}
	if c.scaler.Enabled() {
		c.scaler.Stop()
	}
	cd.PONType = kind.PONType()
	if !s.CanPowerOffNotify() || cd.Has(card.FlagSuspended) {
		return nil
	}
	err = c.withQueueHalted(ctx, func() error {
		return s.PowerOffNotify(ctx, cd.PONType.NotificationValue())
	})
	if err != nil {
		c.logger.CWarnw(ctx, "power off notification failed", "kind", kind, "error", err)
		return err
	}
	c.logger.CDebugw(ctx, "power off notification sent", "kind", kind, "pon", cd.PONType)
	return nil
}

// PreHibernate runs the card at its fastest clock and masks clock scaling until PostHibernate.
func (c *Controller) PreHibernate(ctx context.Context) error {
	ctx, release, err := c.lease.Claim(ctx)
	if err != nil {
		return err
	}
	defer release()

	c.hibernating.Inc()
	c.scalingCached = c.scaler.Enabled()
	if cd := c.session.Card; cd != nil && c.scaler.Active() {
		err = c.withQueueHalted(ctx, func() error {
			_, err := c.scaler.ChangeBusSpeed(ctx, c.session, cd.ClkScalingHighest)
			return err
		})
		if err != nil {
			c.logger.CWarnw(ctx, "could not raise clock before hibernation", "error", err)
		}
		c.scaler.Suspend()
	}
	c.scalingMasked = true
	c.host.ClockHold()
	return nil
}

// PostHibernate undoes PreHibernate.
func (c *Controller) PostHibernate(ctx context.Context) error {
	ctx, release, err := c.lease.Claim(ctx)
	if err != nil {
		return err
	}
	defer release()

	if c.hibernating.Load() == 0 {
		return errors.New("post hibernate without pre hibernate")
	}
	c.scalingMasked = false
	if c.scalingCached && c.scaler.Enabled() {
		c.scaler.Resume()
	}
	c.hibernating.Dec()
	c.host.ClockRelease()
	return nil
}

// ScalingActive reports whether clock scaling is running.
func (c *Controller) ScalingActive(ctx context.Context) (bool, error) {
	_, release, err := c.lease.Claim(ctx)
	if err != nil {
		return false, err
	}
	defer release()
	return c.scaler.Active(), nil
}

// MaxDTR returns the highest clock the card's current timing allows.
func (c *Controller) MaxDTR(ctx context.Context) (uint32, error) {
	_, release, err := c.lease.Claim(ctx)
	if err != nil {
		return 0, err
	}
	defer release()
	if c.session.Card == nil {
		return 0, mmcerr.New(mmcerr.HostUnsupported, "no card attached")
	}
	return speed.MaxDTR(c.session), nil
}
