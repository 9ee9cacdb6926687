package speed

import (
	"context"

	"go.viam.com/emmc/host"
	"go.viam.com/emmc/mmcerr"
	"go.viam.com/emmc/ops"
	"go.viam.com/emmc/register"
)

// MaxDTR is the highest clock the card's current timing allows.
func MaxDTR(s *ops.Session) uint32 {
	c := s.Card
	switch c.Negotiated.Timing {
	case host.TimingHS200, host.TimingHS400:
		return c.Available.HS200MaxDTR
	case host.TimingHS, host.TimingDDR52:
		return c.Available.HSMaxDTR
	default:
		return c.CSD.MaxDTR
	}
}

// SetBusSpeed clocks the bus at the maximum rate of the current timing.
func SetBusSpeed(s *ops.Session) {
	s.SetClock(MaxDTR(s))
}

// HS200Tuning runs sampling point tuning for HS200. When the card is headed for HS400 on an
// 8-bit bus the host is told so first, since some controllers tune differently for it.
func HS200Tuning(ctx context.Context, s *ops.Session) error {
	if s.Card.Available.Types.Has(register.CardTypeHS400) && s.Host.IOS().BusWidth == host.BusWidth8 {
		s.SetTiming(host.TimingHS400)
	}
	return s.Tune(ctx)
}

// SelectTiming picks the fastest timing available to the card and host, switches to it and sets
// the bus clock. A card that refuses the mode switch stays at its previous timing.
func SelectTiming(ctx context.Context, s *ops.Session) error {
	c := s.Card
	if !c.HasExtCSD() {
		SetBusSpeed(s)
		return nil
	}

	avail := c.Available.Types
	caps := s.Caps()
	var err error
	switch {
	case c.ExtCSD.StrobeSupport && avail.Has(register.CardTypeHS400) &&
		caps.Has(host.Cap8BitData|host.CapEnhancedStrobe):
		err = SelectHS400(ctx, s)
	case avail.Has(register.CardTypeHS200):
		err = SelectHS200(ctx, s)
	case avail.Has(register.CardTypeHS):
		err = SelectHS(ctx, s)
	}

	switch {
	case err == nil:
	case mmcerr.KindOf(err) == mmcerr.BadMessage:
		s.Logger.CWarnw(ctx, "card refused timing switch, continuing at previous timing",
			"timing", s.Host.IOS().Timing, "error", err)
	default:
		return err
	}

	SetBusSpeed(s)
	return nil
}
