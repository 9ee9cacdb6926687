package speed

import (
	"context"

	"go.viam.com/emmc/host"
	"go.viam.com/emmc/mmcerr"
	"go.viam.com/emmc/ops"
	"go.viam.com/emmc/register"
)

// A Scaler changes the bus clock of an operating card at runtime, reshaping the bus mode when the
// new frequency needs it. Its methods must be called with the host claimed.
type Scaler struct {
	// LowerDDR52 makes scaling down from HS400 land in DDR52 rather than high speed SDR.
	LowerDDR52 bool

	enabled   bool
	suspended bool
	currFreq  uint32
}

// Start enables scaling from the given current frequency.
func (sc *Scaler) Start(currFreq uint32) {
	sc.enabled = true
	sc.suspended = false
	sc.currFreq = currFreq
}

// Stop disables scaling until the next Start.
func (sc *Scaler) Stop() {
	sc.enabled = false
}

// Suspend pauses scaling without forgetting the current frequency.
func (sc *Scaler) Suspend() {
	sc.suspended = true
}

// Resume undoes Suspend.
func (sc *Scaler) Resume() {
	sc.suspended = false
}

// Enabled reports whether Start was called and Stop was not.
func (sc *Scaler) Enabled() bool {
	return sc.enabled
}

// Active reports whether the scaler will accept frequency changes.
func (sc *Scaler) Active() bool {
	return sc.enabled && !sc.suspended
}

// CurrFreq is the last frequency successfully applied.
func (sc *Scaler) CurrFreq() uint32 {
	return sc.currFreq
}

// Clamp limits hz to the card's scaling window.
func Clamp(s *ops.Session, hz uint32) uint32 {
	c := s.Card
	if c.ClkScalingHighest != 0 && hz > c.ClkScalingHighest {
		hz = c.ClkScalingHighest
	}
	if hz < c.ClkScalingLowest {
		hz = c.ClkScalingLowest
	}
	return hz
}

// ChangeBusSpeed moves the bus to hz, clamped into the card's scaling window, and returns the
// frequency requested of the card.
func (sc *Scaler) ChangeBusSpeed(ctx context.Context, s *ops.Session, hz uint32) (uint32, error) {
	if s.Card == nil {
		return 0, mmcerr.New(mmcerr.HostUnsupported, "no card to scale")
	}
	if !sc.Active() {
		return 0, mmcerr.New(mmcerr.Busy, "clock scaling is not running")
	}
	hz = Clamp(s, hz)
	timing := s.Card.Negotiated.Timing
	s.Logger.CDebugw(ctx, "changing bus speed", "from", sc.currFreq, "to", hz, "timing", timing)

	var err error
	switch {
	case timing == host.TimingHS400 && hz == register.HS200MaxDTR:
		SetBusSpeed(s)
	case timing == host.TimingHS400, timing != host.TimingHS200 && hz == register.HS200MaxDTR:
		if hz == register.HS200MaxDTR {
			err = sc.scaleHigh(ctx, s)
		} else {
			err = sc.scaleLow(ctx, s, hz)
		}
	case timing == host.TimingHS200:
		s.SetClock(hz)
		if err = HS200Tuning(ctx, s); err != nil {
			s.Logger.CWarnw(ctx, "tuning failed after clock change, reverting", "clock", sc.currFreq, "error", err)
			s.SetClock(sc.currFreq)
		}
	default:
		actual := hz
		if timing == host.TimingDDR52 && hz != register.HighSpeedDDRMaxDTR {
			actual = hz / 2
		}
		s.SetClock(actual)
	}
	if err != nil {
		return hz, err
	}
	sc.currFreq = hz
	return hz, nil
}

// scaleLow brings an HS400 card down to a mode that can run at freq.
func (sc *Scaler) scaleLow(ctx context.Context, s *ops.Session, freq uint32) error {
	s.SetTiming(host.TimingLegacy)
	s.SetClock(register.HighSpeed26MaxDTR)

	if sc.LowerDDR52 && s.Card.Available.Types.Has(register.CardTypeDDR52) {
		err := selectHSDDR52(ctx, s)
		if err == nil {
			return nil
		}
		s.Logger.CWarnw(ctx, "scaling down to DDR52 failed, trying high speed", "error", err)
	}

	if err := SelectHS(ctx, s); err != nil {
		return err
	}
	if _, err := SelectBusWidth(ctx, s); err != nil {
		return err
	}
	s.SetClock(freq)
	return nil
}

func selectHSDDR52(ctx context.Context, s *ops.Session) error {
	if err := SelectHS(ctx, s); err != nil {
		s.Logger.CDebugw(ctx, "high speed switch before DDR52 failed", "error", err)
	}
	if _, err := SelectBusWidth(ctx, s); err != nil {
		return err
	}
	err := SelectHSDDR(ctx, s)
	s.SetClock(register.HighSpeedDDRMaxDTR)
	return err
}

// scaleHigh brings a card up to HS200, and on to HS400 when available.
func (sc *Scaler) scaleHigh(ctx context.Context, s *ops.Session) error {
	c := s.Card
	if c.Negotiated.Timing == host.TimingDDR52 {
		s.SetTiming(host.TimingLegacy)
		s.SetClock(register.HighSpeed26MaxDTR)
	}

	if !c.ExtCSD.StrobeSupport {
		if !c.Available.Types.Has(register.CardTypeHS200) {
			return mmcerr.New(mmcerr.HostUnsupported, "card cannot run HS200")
		}
		if err := SelectHS200(ctx, s); err != nil {
			return err
		}
		SetBusSpeed(s)
		if err := HS200Tuning(ctx, s); err != nil {
			return err
		}
		if !c.Available.Types.Has(register.CardTypeHS400) {
			return nil
		}
	}
	return SelectHS400(ctx, s)
}
