package core

import (
	"context"

	"github.com/bep/debounce"
	"github.com/go-co-op/gocron/v2"
	"go.uber.org/atomic"
)

// A detector periodically checks that the attached card still answers, and coalesces card-detect
// events raised by the host into a single check.
type detector struct {
	c         *Controller
	scheduler gocron.Scheduler
	debounced func(f func())
	running   atomic.Bool
}

// newDetector returns a detector for c. It polls only when poll is set.
func newDetector(c *Controller, poll bool) (*detector, error) {
	d := &detector{
		c:         c,
		debounced: debounce.New(c.cfg.DetectDebounce),
	}
	if !poll {
		return d, nil
	}
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	d.scheduler = scheduler
	_, err = scheduler.NewJob(
		gocron.DurationJob(c.cfg.DetectInterval),
		gocron.NewTask(d.check),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, err
	}
	scheduler.Start()
	return d, nil
}

// check runs one detection pass unless one is already underway.
func (d *detector) check() {
	if !d.running.CompareAndSwap(false, true) {
		return
	}
	defer d.running.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), d.c.cfg.DetectInterval)
	defer cancel()
	if err := d.c.Detect(ctx); err != nil {
		d.c.logger.Debugw("card detection pass failed", "error", err)
	}
}

func (d *detector) close() error {
	if d.scheduler == nil {
		return nil
	}
	return d.scheduler.Shutdown()
}

// NotifyCardEvent tells the controller the host saw a card-detect change. Bursts of events within
// the debounce window run one check. Events before the first attach are ignored.
func (c *Controller) NotifyCardEvent() {
	c.detectorMu.Lock()
	d := c.detector
	c.detectorMu.Unlock()
	if d == nil {
		return
	}
	d.debounced(d.check)
}
