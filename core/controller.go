// Package core drives a card through its lifecycle on one host: attach and initialization,
// suspend and resume, runtime power management, reset, shutdown and removal detection.
package core

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"go.viam.com/emmc/card"
	"go.viam.com/emmc/host"
	"go.viam.com/emmc/logging"
	"go.viam.com/emmc/mmcerr"
	"go.viam.com/emmc/ops"
	"go.viam.com/emmc/register"
	"go.viam.com/emmc/speed"
)

// BusOps are the lifecycle operations a bus layer invokes on an attached card. Every operation
// claims the host for its duration.
type BusOps interface {
	// Detect checks that the card still answers and removes it when it does not.
	Detect(ctx context.Context) error
	Remove(ctx context.Context) error
	Suspend(ctx context.Context) error
	Resume(ctx context.Context) error
	RuntimeSuspend(ctx context.Context) error
	RuntimeResume(ctx context.Context) error
	Alive(ctx context.Context) error
	// ChangeBusSpeed moves a scaling card to hz and returns the frequency requested of it.
	ChangeBusSpeed(ctx context.Context, hz uint32) (uint32, error)
	Reset(ctx context.Context) error
	Shutdown(ctx context.Context, kind card.ShutdownKind) error
	PreHibernate(ctx context.Context) error
	PostHibernate(ctx context.Context) error
}

var _ BusOps = (*Controller)(nil)

// A Controller owns one host and the card attached to it.
type Controller struct {
	name   string
	host   host.Host
	lease  *host.Lease
	cfg    Config
	logger logging.Logger
	clock  clock.Clock

	session *ops.Session
	scaler  speed.Scaler
	// scalingMasked is set between PreHibernate and PostHibernate.
	scalingMasked bool
	scalingCached bool
	hibernating   atomic.Int32

	attachID   uuid.UUID
	detectorMu sync.Mutex
	detector   *detector

	closeOnce sync.Once
}

// NewController returns a controller for h. No card is attached until Attach is called.
func NewController(h host.Host, cfg *Config, logger logging.Logger, clk clock.Clock) (*Controller, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	if _, err := cfg.Validate("emmc"); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}
	logger = logger.Sublogger(h.Name())
	c := &Controller{
		name:    h.Name(),
		host:    h,
		lease:   host.NewLease(),
		cfg:     *cfg,
		logger:  logger,
		clock:   clk,
		session: ops.NewSession(h, logger, clk),
	}
	c.scaler.LowerDDR52 = cfg.ScaleDownDDR52
	logging.RegisterLogger(c.loggerName(), logger)
	return c, nil
}

// LoggerName is the name a controller registers its logger under for the host named hostName.
func LoggerName(hostName string) string {
	return "emmc." + hostName
}

func (c *Controller) loggerName() string {
	return LoggerName(c.name)
}

// Name is the host's name.
func (c *Controller) Name() string {
	return c.name
}

// Lease returns the host's lease. Claiming it blocks every lifecycle operation.
func (c *Controller) Lease() *host.Lease {
	return c.lease
}

// Close stops removal polling and releases the controller's logger. The card is left as it is.
func (c *Controller) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		c.detectorMu.Lock()
		if c.detector != nil {
			err = c.detector.close()
		}
		c.detectorMu.Unlock()
		logging.DeregisterLogger(c.loggerName())
	})
	return err
}

// Card returns the attached card record, or nil. The record must not be modified.
func (c *Controller) Card(ctx context.Context) (*card.Card, error) {
	_, release, err := c.lease.Claim(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return c.session.Card, nil
}

// Partitions returns the hardware partitions published for the attached card.
func (c *Controller) Partitions(ctx context.Context) ([]register.Partition, error) {
	cd, err := c.Card(ctx)
	if err != nil {
		return nil, err
	}
	if cd == nil {
		return nil, mmcerr.New(mmcerr.HostUnsupported, "no card attached")
	}
	return cd.Partitions(), nil
}

// Attributes returns the identity attributes of the attached card.
func (c *Controller) Attributes(ctx context.Context) ([]card.Attribute, error) {
	cd, err := c.Card(ctx)
	if err != nil {
		return nil, err
	}
	if cd == nil {
		return nil, mmcerr.New(mmcerr.HostUnsupported, "no card attached")
	}
	return cd.Attributes(), nil
}

// Attach powers the bus, probes for a card and initializes it. A card whose voltage window does
// not overlap the host's is left powered off with no record created.
func (c *Controller) Attach(ctx context.Context) (err error) {
	ctx, release, err := c.lease.Claim(ctx)
	if err != nil {
		return err
	}
	defer release()

	defer func() {
		result := "ok"
		if err != nil {
			result = mmcerr.KindOf(err).String()
		}
		AttachTotal.WithLabelValues(result).Inc()
	}()

	if c.session.Card != nil {
		return errors.Errorf("host %q already has a card attached", c.name)
	}
	c.attachID = uuid.New()
	s := c.session
	caps := c.host.Capabilities()

	s.PowerUp(caps.OCRAvail)
	if !s.IsSPI() {
		s.SetBusMode(host.BusModeOpenDrain)
	}
	if err := s.GoIdle(ctx); err != nil {
		s.PowerOff()
		return err
	}
	ocr, err := s.SendOpCond(ctx, 0)
	if err == nil && s.IsSPI() {
		ocr, err = s.SPIReadOCR(ctx, true)
	}
	if err != nil {
		s.PowerOff()
		return err
	}

	rocr, err := s.SelectVoltage(ocr)
	if err != nil {
		c.logger.CWarnw(ctx, "card voltage window does not overlap the host's, leaving it off",
			"card_ocr", ocr, "host_ocr", caps.OCRAvail, "error", err)
		s.PowerOff()
		return err
	}

	if err := c.initCard(ctx, rocr, nil); err != nil {
		c.logger.Errorw("card initialization failed", "attach_id", c.attachID, "error", err)
		s.PowerOff()
		return err
	}

	if caps.Caps.Has(host.CapClockScaling) && !c.cfg.DisableClockScaling {
		c.scaler.Start(s.Card.Negotiated.Clock)
	}
	c.detectorMu.Lock()
	if c.detector == nil {
		det, err := newDetector(c, !c.cfg.DisableDetect)
		if err != nil {
			c.detectorMu.Unlock()
			return multierr.Combine(err, c.removeLocked(ctx))
		}
		c.detector = det
	}
	c.detectorMu.Unlock()

	cd := s.Card
	c.logger.Infow("card attached",
		"attach_id", c.attachID,
		"name", cd.CID.ProdName,
		"timing", cd.Negotiated.Timing,
		"width", cd.Negotiated.BusWidth,
		"clock", cd.Negotiated.Clock,
		"flags", cd.Flags())
	return nil
}

// withQueueHalted runs fn with the command queue halted when it is on, so legacy commands can be
// issued.
func (c *Controller) withQueueHalted(ctx context.Context, fn func() error) error {
	cd := c.session.Card
	if cd == nil || !cd.Has(card.FlagCMDQ) {
		return fn()
	}
	if err := c.session.CMDQHalt(ctx, true); err != nil {
		return err
	}
	err := fn()
	if uerr := c.session.CMDQHalt(ctx, false); uerr != nil {
		err = multierr.Combine(err, errors.Wrap(uerr, "resuming command queue"))
	}
	return err
}

// Retune re-runs sampling point tuning for the card's current timing. HS400 without enhanced
// strobe is tuned by stepping down to HS200 and back.
func (c *Controller) Retune(ctx context.Context) error {
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
	if s.RetuneHeld() {
		return mmcerr.New(mmcerr.Busy, "re-tuning is held")
	}
	return c.withQueueHalted(ctx, func() error {
		switch cd.Negotiated.Timing {
		case host.TimingHS200:
			return s.Tune(ctx)
		case host.TimingHS400:
			if cd.ExtCSD.StrobeSupport && s.Caps().Has(host.CapEnhancedStrobe) {
				return nil
			}
			if err := speed.HS400ToHS200(ctx, s); err != nil {
				return err
			}
			if err := s.Tune(ctx); err != nil {
				return err
			}
			return speed.HS200ToHS400(ctx, s)
		default:
			return nil
		}
	})
}
