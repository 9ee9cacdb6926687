// Package ops implements the card command set on top of a host controller.
package ops

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"periph.io/x/conn/v3/physic"

	"go.viam.com/emmc/card"
	"go.viam.com/emmc/host"
	"go.viam.com/emmc/logging"
	"go.viam.com/emmc/mmcerr"
)

// A Session binds a host controller to the card currently being driven through it. A Session is
// not safe for concurrent use; callers serialize access by claiming the host's Lease.
type Session struct {
	Host   host.Host
	Card   *card.Card
	Logger logging.Logger
	Clock  clock.Clock

	retuneHold int
}

// NewSession returns a session with no card bound yet.
func NewSession(h host.Host, logger logging.Logger, clk clock.Clock) *Session {
	if clk == nil {
		clk = clock.New()
	}
	return &Session{Host: h, Logger: logger, Clock: clk}
}

// Caps returns the host capability bits.
func (s *Session) Caps() host.Caps {
	return s.Host.Capabilities().Caps
}

// IsSPI reports whether the host talks to the card over SPI.
func (s *Session) IsSPI() bool {
	return s.Caps().Has(host.CapSPI)
}

// Sleep waits for d on the session clock.
func (s *Session) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := s.Clock.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Session) rca() uint32 {
	if s.Card == nil {
		return card.RCA << 16
	}
	return uint32(s.Card.RCA) << 16
}

// HoldRetune stops re-tuning until the matching ReleaseRetune.
func (s *Session) HoldRetune() {
	s.retuneHold++
}

// ReleaseRetune undoes one HoldRetune.
func (s *Session) ReleaseRetune() {
	if s.retuneHold > 0 {
		s.retuneHold--
	}
}

// RetuneHeld reports whether re-tuning is currently held off.
func (s *Session) RetuneHeld() bool {
	return s.retuneHold > 0
}

func frequency(hz uint32) physic.Frequency {
	return physic.Frequency(hz) * physic.Hertz
}

// SetClock programs the bus clock, capped at the host's maximum.
func (s *Session) SetClock(hz uint32) {
	caps := s.Host.Capabilities()
	if hz != 0 && hz < caps.FMin {
		s.Logger.Warnw("clock below host minimum", "clock", frequency(hz), "f_min", frequency(caps.FMin))
	}
	if caps.FMax != 0 && hz > caps.FMax {
		hz = caps.FMax
	}
	s.Host.SetClock(hz)
	if s.Card != nil {
		s.Card.Negotiated.Clock = hz
	}
	s.Logger.Debugw("set clock", "clock", frequency(hz))
}

// SetTiming programs the host timing.
func (s *Session) SetTiming(timing host.Timing) {
	s.Host.SetTiming(timing)
	if s.Card != nil {
		s.Card.Negotiated.Timing = timing
	}
	s.Logger.Debugw("set timing", "timing", timing)
}

// SetBusWidth programs the host bus width.
func (s *Session) SetBusWidth(width host.BusWidth) {
	s.Host.SetBusWidth(width)
	if s.Card != nil {
		s.Card.Negotiated.BusWidth = width
	}
	s.Logger.Debugw("set bus width", "width", width)
}

// SetBusMode programs the command line drive mode.
func (s *Session) SetBusMode(mode host.BusMode) {
	s.Host.SetBusMode(mode)
}

// SetSignalVoltage switches the I/O signaling voltage. On failure the host keeps its previous
// voltage.
func (s *Session) SetSignalVoltage(ctx context.Context, voltage host.SignalVoltage) error {
	old := s.Host.IOS().SignalVoltage
	if err := s.Host.SetSignalVoltage(ctx, voltage); err != nil {
		s.Logger.CDebugw(ctx, "signal voltage switch failed", "from", old, "to", voltage, "error", err)
		return mmcerr.Wrapf(err, "switching signal voltage to %s", voltage)
	}
	if s.Card != nil {
		s.Card.Negotiated.SignalVoltage = voltage
	}
	s.Logger.Debugw("set signal voltage", "voltage", voltage)
	return nil
}

// SetDriverType programs the host driver type.
func (s *Session) SetDriverType(driverType int) {
	s.Host.SetDriverType(driverType)
}

// SetInitialState returns the host to its post power-up bus settings.
func (s *Session) SetInitialState() {
	s.Host.SetInitialState()
	if s.Card != nil {
		s.Card.Negotiated.Timing = host.TimingLegacy
		s.Card.Negotiated.BusWidth = host.BusWidth1
	}
}

// PowerUp powers the bus with the given OCR window.
func (s *Session) PowerUp(ocr uint32) {
	s.Host.PowerUp(ocr)
	s.resetNegotiated()
}

// PowerOff removes bus power.
func (s *Session) PowerOff() {
	s.Host.PowerOff()
	s.resetNegotiated()
}

// PowerCycle removes and restores bus power.
func (s *Session) PowerCycle(ocr uint32) {
	s.Host.PowerCycle(ocr)
	s.resetNegotiated()
}

func (s *Session) resetNegotiated() {
	if s.Card == nil {
		return
	}
	ios := s.Host.IOS()
	s.Card.Negotiated.Timing = ios.Timing
	s.Card.Negotiated.BusWidth = ios.BusWidth
	s.Card.Negotiated.SignalVoltage = ios.SignalVoltage
	s.Card.Negotiated.Clock = ios.Clock
}
