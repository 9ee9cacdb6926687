package core

import (
	"context"

	"github.com/pkg/errors"

	"go.viam.com/emmc/card"
	"go.viam.com/emmc/host"
	"go.viam.com/emmc/mmcerr"
	"go.viam.com/emmc/register"
	"go.viam.com/emmc/speed"
	"go.viam.com/emmc/utils"
)

// errCMDQFallback asks initCard to start over with the command queue off.
var errCMDQFallback = errors.New("command queue could not be enabled")

// initCard brings the card at ocr from idle to operational. When old is set the card is being
// re-initialized after a reset, power loss or sleep, and its identity must not have changed.
func (c *Controller) initCard(ctx context.Context, ocr uint32, old *card.Card) error {
	s := c.session
	guard := utils.NewGuard(func() {
		if old == nil {
			s.Card = nil
		}
	})
	defer guard.OnFail()

	err := c.initCardOnce(ctx, ocr, old)
	if errors.Is(err, errCMDQFallback) {
		c.logger.CWarnw(ctx, "re-initializing card with command queue disabled", "error", err)
		cd := s.Card
		cd.ExtCSD.CMDQSupport = false
		s.SetInitialState()
		s.SetClock(c.host.Capabilities().FInit)
		err = c.initCardOnce(ctx, ocr, cd)
	}
	if err != nil {
		return err
	}
	guard.Success()
	return nil
}

func (c *Controller) initCardOnce(ctx context.Context, ocr uint32, old *card.Card) error {
	s := c.session
	caps := c.host.Capabilities()
	spi := s.IsSPI()

	if !spi {
		s.SetBusMode(host.BusModeOpenDrain)
	}
	// Back to idle so the card accepts the high capacity probe.
	if err := s.GoIdle(ctx); err != nil {
		return err
	}
	rocr, err := s.SendOpCond(ctx, ocr|host.OCRHighCapacity)
	if err != nil {
		return err
	}
	if spi {
		if err := s.SPISetCRC(ctx, c.cfg.SPICRC); err != nil {
			return err
		}
		if rocr, err = s.SPIReadOCR(ctx, true); err != nil {
			return err
		}
	}

	var rawCID [4]uint32
	if spi {
		rawCID, err = s.SendCID(ctx)
	} else {
		rawCID, err = s.AllSendCID(ctx)
	}
	if err != nil {
		return err
	}

	cd := old
	if old != nil {
		if rawCID != old.RawCID {
			return mmcerr.New(mmcerr.CardChanged, "card identity changed")
		}
	} else {
		cd = card.New(rawCID, ocr)
		cd.HostPacked = caps.Caps.Has(host.CapPackedCmd)
	}
	s.Card = cd
	if err := cd.Transition(card.StateIdentifying); err != nil {
		return err
	}

	if !spi {
		if err := s.SetRelativeAddr(ctx); err != nil {
			return err
		}
		s.SetBusMode(host.BusModePushPull)
	}

	if old == nil {
		if cd.RawCSD, err = s.SendCSD(ctx); err != nil {
			return err
		}
		if cd.CSD, err = register.DecodeCSD(cd.RawCSD); err != nil {
			return err
		}
		if cd.CID, err = register.DecodeCID(rawCID, cd.CSD.MMCAVersion); err != nil {
			return err
		}
	}

	if cd.CSD.DSRImp && caps.DSRRequested {
		if err := s.SetDSR(ctx, caps.DSR); err != nil {
			return err
		}
	}
	if !spi {
		if err := s.Select(ctx); err != nil {
			return err
		}
	}
	if err := cd.Transition(card.StateConfiguring); err != nil {
		return err
	}

	if old == nil {
		if err := c.readExtCSD(ctx, rocr); err != nil {
			return err
		}
	}

	if err := c.configureErase(ctx); err != nil {
		return err
	}
	if err := c.restoreUserPartition(ctx); err != nil {
		return err
	}

	cd.Clear(card.FlagHPI | card.FlagCache | card.FlagBarrier | card.FlagPackedEvent |
		card.FlagCMDQ | card.FlagPONArmed)

	if cd.ExtCSD.Rev >= register.ExtCSDRevV4_5 {
		if err := c.armPowerOffNotify(ctx); err != nil {
			return err
		}
	}

	if err := c.selectBusSpeed(ctx); err != nil {
		return err
	}
	c.setScalingBounds()

	// A power class the card refuses only costs performance.
	_ = speed.SelectPowerClass(ctx, s)

	if err := c.enableHPI(ctx); err != nil {
		return err
	}
	if err := c.enableCache(ctx); err != nil {
		return err
	}
	if err := c.enablePackedEvents(ctx); err != nil {
		return err
	}

	if s.SupportsAutoBKOPS() && cd.ExtCSD.BKOPS && !c.cfg.DisableAutoBKOPS {
		if err := s.SetAutoBKOPS(ctx, true); err != nil {
			c.logger.CDebugw(ctx, "automatic background operations not enabled", "error", err)
			FeatureRefusalsTotal.WithLabelValues("auto_bkops").Inc()
		}
	}

	if cd.ExtCSD.CMDQSupport && caps.Caps.Has(host.CapCMDQ) && !c.cfg.DisableCMDQ {
		if err := c.selectCMDQ(ctx); err != nil {
			FeatureRefusalsTotal.WithLabelValues("cmdq").Inc()
			return errors.Wrap(errCMDQFallback, err.Error())
		}
	}

	if err := cd.Transition(card.StateOperational); err != nil {
		return err
	}
	InitTimingTotal.WithLabelValues(cd.Negotiated.Timing.String()).Inc()
	c.logger.CDebugw(ctx, "card initialized",
		"timing", cd.Negotiated.Timing, "width", cd.Negotiated.BusWidth, "flags", cd.Flags())
	return nil
}

// readExtCSD fetches and decodes EXT_CSD for a newly found card and derives its addressing mode
// and erase geometry. A card that cannot report its size any other way is refused when EXT_CSD is
// unreadable.
func (c *Controller) readExtCSD(ctx context.Context, rocr uint32) error {
	s := c.session
	cd := s.Card
	caps := c.host.Capabilities()

	if cd.CSD.Structure == register.CSDStructureExtCSD {
		raw, err := s.GetExtCSD(ctx)
		switch {
		case err == nil:
			ext, err := register.DecodeExtCSD(raw, register.DecodeOptions{
				CSDStructure:        cd.CSD.Structure,
				CID:                 cd.CID,
				Fixups:              register.ExtCSDFixups,
				Quirks:              cd.Quirks,
				BrokenHPI:           c.cfg.BrokenHPI,
				BlockAddressed:      cd.Has(card.FlagBlockAddr),
				BootPartitionAccess: !caps.Caps.Has(host.CapNoBootPartAccess),
				CMD23:               caps.Caps.Has(host.CapCMD23),
			})
			if err != nil {
				return err
			}
			cd.ExtCSD = *ext
			cd.CID.ApplyEpochFix(ext.Rev)
			cd.Quirks = ext.Quirks
			cd.ErasedByte = ext.ErasedByte
			cd.Available = speed.Resolve(caps.Caps, ext.CardType)
		case cd.CSD.Capacity == register.MagicCapacity:
			return mmcerr.Wrap(err, "EXT_CSD is needed for the capacity of this card but is unreadable")
		default:
			c.logger.CWarnw(ctx, "EXT_CSD unreadable, continuing with reduced capabilities", "error", err)
		}
	}

	if cd.ExtCSD.SectorAddressed || rocr&host.OCRHighCapacity != 0 {
		cd.Set(card.FlagBlockAddr)
	}
	cd.SetEraseSize()
	return nil
}

func (c *Controller) configureErase(ctx context.Context) error {
	s := c.session
	cd := s.Card
	ext := &cd.ExtCSD
	if !ext.PartitionSettingCompleted && (ext.Rev < 3 || !s.Caps().Has(host.CapHCEraseSize)) {
		return nil
	}
	err := s.Switch(ctx, register.ExtCSDEraseGroupDef, register.EraseGroupDefEnable, ext.GenericCMD6Time)
	switch {
	case err == nil:
		ext.EraseGroupDef = register.EraseGroupDefEnable
		cd.SetEraseSize()
	case refused(err, "erase_group_def"):
		// Without high capacity erase groups the enhanced area cannot be addressed.
		c.logger.CWarnw(ctx, "card refused ERASE_GROUP_DEF, dropping the enhanced area", "error", err)
		ext.DisableEnhancedArea()
	default:
		return err
	}
	return nil
}

// restoreUserPartition switches access back to the user area if the boot loader left another
// partition selected.
func (c *Controller) restoreUserPartition(ctx context.Context) error {
	s := c.session
	cd := s.Card
	ext := &cd.ExtCSD
	if ext.PartConfig&register.PartConfigAccessMask != 0 {
		cfg := ext.PartConfig &^ register.PartConfigAccessMask
		err := s.Switch(ctx, register.ExtCSDPartConfig, cfg, ext.PartSwitchTime)
		switch {
		case err == nil:
			ext.PartConfig = cfg
		case mmcerr.KindOf(err) == mmcerr.BadMessage:
			c.logger.CWarnw(ctx, "card refused switch to the user partition", "error", err)
		default:
			return err
		}
	}
	cd.Negotiated.PartitionAccess = ext.PartConfig & register.PartConfigAccessMask
	return nil
}

// refused reports whether err is the card turning down an optional feature, which only costs the
// feature. It counts the refusal.
func refused(err error, feature string) bool {
	if mmcerr.KindOf(err) != mmcerr.BadMessage {
		return false
	}
	FeatureRefusalsTotal.WithLabelValues(feature).Inc()
	return true
}

func (c *Controller) armPowerOffNotify(ctx context.Context) error {
	s := c.session
	cd := s.Card
	err := s.Switch(ctx, register.ExtCSDPowerOffNotification, register.PowerOn, cd.ExtCSD.GenericCMD6Time)
	switch {
	case err == nil:
		cd.Set(card.FlagPONArmed)
	case refused(err, "pon"):
		c.logger.CDebugw(ctx, "power off notification not armed", "error", err)
	default:
		return errors.Wrap(err, "arming power off notification")
	}
	return nil
}

// selectBusSpeed runs timing selection and the bus width and DDR steps that go with it. Only the
// bus width search is allowed to fail.
func (c *Controller) selectBusSpeed(ctx context.Context) error {
	s := c.session
	if err := speed.SelectTiming(ctx, s); err != nil {
		return err
	}
	switch s.Card.Negotiated.Timing {
	case host.TimingHS200:
		if err := speed.HS200Tuning(ctx, s); err != nil {
			return err
		}
		return speed.SelectHS400(ctx, s)
	case host.TimingHS400:
		return nil
	}

	width, err := speed.SelectBusWidth(ctx, s)
	if err != nil {
		c.logger.CWarnw(ctx, "bus width selection failed, staying at 1 bit", "error", err)
		return nil
	}
	if width != 0 && width != host.BusWidth1 && s.Card.Negotiated.Timing == host.TimingHS {
		return speed.SelectHSDDR(ctx, s)
	}
	return nil
}

func (c *Controller) setScalingBounds() {
	cd := c.session.Card
	cd.ClkScalingLowest = c.host.Capabilities().FMin
	switch avail := cd.Available.Types; {
	case avail.Has(register.CardTypeHS200 | register.CardTypeHS400):
		cd.ClkScalingHighest = cd.Available.HS200MaxDTR
	case avail.Has(register.CardTypeHS | register.CardTypeDDR52):
		cd.ClkScalingHighest = cd.Available.HSMaxDTR
	default:
		cd.ClkScalingHighest = cd.CSD.MaxDTR
	}
}

func (c *Controller) enableHPI(ctx context.Context) error {
	s := c.session
	cd := s.Card
	if !cd.ExtCSD.HPI {
		return nil
	}
	err := s.Switch(ctx, register.ExtCSDHPIMgmt, 1, cd.ExtCSD.GenericCMD6Time)
	switch {
	case err == nil:
		cd.Set(card.FlagHPI)
	case refused(err, "hpi"):
		c.logger.CWarnw(ctx, "card refused HPI enable", "error", err)
	default:
		return errors.Wrap(err, "enabling HPI")
	}
	return nil
}

// enableCache turns the volatile cache on when HPI is usable, since a cache flush can only be
// interrupted through HPI. Otherwise it makes sure the cache is off, and failing to do so is fatal.
func (c *Controller) enableCache(ctx context.Context) error {
	s := c.session
	cd := s.Card
	ext := &cd.ExtCSD
	if ext.CacheSize == 0 {
		return nil
	}
	if !cd.Has(card.FlagHPI) || cd.Quirks&register.QuirkCacheDisable != 0 {
		err := s.Switch(ctx, register.ExtCSDCacheCtrl, 0, ext.GenericCMD6Time)
		return errors.Wrap(err, "disabling cache")
	}

	err := s.Switch(ctx, register.ExtCSDCacheCtrl, register.CacheCtrlEnable, ext.GenericCMD6Time)
	switch {
	case err == nil:
		cd.Set(card.FlagCache)
	case refused(err, "cache"):
		c.logger.CWarnw(ctx, "card refused cache enable", "size_kib", ext.CacheSize, "error", err)
		return nil
	default:
		return errors.Wrap(err, "enabling cache")
	}

	if !ext.BarrierSupport {
		return nil
	}
	err = s.Switch(ctx, register.ExtCSDBarrierCtrl, register.BarrierCtrlEnable, ext.GenericCMD6Time)
	switch {
	case err == nil:
		cd.Set(card.FlagBarrier)
	case refused(err, "barrier"):
		c.logger.CWarnw(ctx, "card refused barrier enable", "error", err)
	default:
		return errors.Wrap(err, "enabling barrier")
	}
	return nil
}

func (c *Controller) enablePackedEvents(ctx context.Context) error {
	s := c.session
	cd := s.Card
	ext := &cd.ExtCSD
	if ext.MaxPackedWrites < 3 || ext.MaxPackedReads < 5 || !s.Caps().Has(host.CapPackedCmd) {
		return nil
	}
	err := s.Switch(ctx, register.ExtCSDExpEventsCtrl, register.PackedEventEn, ext.GenericCMD6Time)
	switch {
	case err == nil:
		cd.Set(card.FlagPackedEvent)
	case refused(err, "packed_event"):
		c.logger.CWarnw(ctx, "packed event reporting not enabled", "error", err)
	default:
		return errors.Wrap(err, "enabling packed events")
	}
	return nil
}

// selectCMDQ switches the card into command queue mode and starts the host's queue engine. If the
// host cannot start it, the card is switched back and an error returned.
func (c *Controller) selectCMDQ(ctx context.Context) error {
	s := c.session
	cd := s.Card
	if err := s.SetBlockLen(ctx, register.ExtCSDSize); err != nil {
		return err
	}
	if err := s.Switch(ctx, register.ExtCSDCMDQModeEn, register.CMDQModeEnable, cd.ExtCSD.GenericCMD6Time); err != nil {
		return errors.Wrap(err, "enabling command queue on card")
	}
	cd.Set(card.FlagCMDQ)

	s.Host.ClockHold()
	err := s.CMDQEnable(ctx)
	s.Host.ClockRelease()
	if err == nil {
		c.logger.CDebugw(ctx, "command queue enabled", "depth", cd.ExtCSD.CMDQDepth)
		return nil
	}

	c.logger.CWarnw(ctx, "host command queue failed to start, switching card back", "error", err)
	cd.Clear(card.FlagCMDQ)
	if serr := s.Switch(ctx, register.ExtCSDCMDQModeEn, 0, cd.ExtCSD.GenericCMD6Time); serr != nil {
		c.logger.CWarnw(ctx, "disabling command queue on card failed", "error", serr)
	}
	return err
}
