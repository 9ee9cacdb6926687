package speed

import (
	"context"

	"go.viam.com/emmc/host"
	"go.viam.com/emmc/mmcerr"
	"go.viam.com/emmc/ops"
	"go.viam.com/emmc/register"
)

var busWidthBits = map[host.BusWidth]uint8{
	host.BusWidth1: register.BusWidth1Bit,
	host.BusWidth4: register.BusWidth4Bit,
	host.BusWidth8: register.BusWidth8Bit,
}

// SelectBusWidth switches to the widest SDR data bus that both sides support and that passes
// verification. It returns zero without error when the card has no EXT_CSD or the host has no
// wide bus. When every candidate fails the bus is put back to one bit and the last error is
// returned.
func SelectBusWidth(ctx context.Context, s *ops.Session) (host.BusWidth, error) {
	caps := s.Caps()
	if !s.Card.HasExtCSD() || !caps.Any(host.Cap4BitData|host.Cap8BitData) {
		return 0, nil
	}

	candidates := []host.BusWidth{host.BusWidth4}
	if caps.Has(host.Cap8BitData) {
		candidates = []host.BusWidth{host.BusWidth8, host.BusWidth4}
	}

	var err error
	for _, width := range candidates {
		// The card may refuse a width it does not support; the narrower one is still worth a try.
		err = s.Switch(ctx, register.ExtCSDBusWidth, busWidthBits[width], s.Card.ExtCSD.GenericCMD6Time)
		if err != nil {
			s.Logger.CDebugw(ctx, "card refused bus width", "width", width, "error", err)
			continue
		}
		s.SetBusWidth(width)

		if caps.Has(host.CapBusWidthTest) {
			err = s.BusTest(ctx, width)
		} else {
			err = compareExtCSD(ctx, s, width)
		}
		if err == nil {
			s.Logger.CDebugw(ctx, "bus width selected", "width", width)
			return width, nil
		}
		s.Logger.CWarnw(ctx, "bus width failed verification", "width", width, "error", err)
	}

	if serr := s.Switch(ctx, register.ExtCSDBusWidth, register.BusWidth1Bit, s.Card.ExtCSD.GenericCMD6Time); serr != nil {
		s.Logger.CWarnw(ctx, "could not return card to 1-bit bus", "error", serr)
	}
	s.SetBusWidth(host.BusWidth1)
	return 0, err
}

// compareExtCSD reads EXT_CSD over the new bus and checks it against the copy read at 1 bit.
func compareExtCSD(ctx context.Context, s *ops.Session, width host.BusWidth) error {
	if width == host.BusWidth1 {
		return nil
	}
	raw, err := s.GetExtCSD(ctx)
	if err != nil {
		return err
	}
	if !register.SameReadOnlyFields(s.Card.ExtCSD.Raw, raw) {
		return mmcerr.Errorf(mmcerr.IOError, "EXT_CSD read at %d-bit does not match", width)
	}
	return nil
}
