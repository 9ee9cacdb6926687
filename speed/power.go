package speed

import (
	"context"

	"go.viam.com/emmc/host"
	"go.viam.com/emmc/mmcerr"
	"go.viam.com/emmc/ops"
	"go.viam.com/emmc/register"
)

// PowerClass looks up the power class the card needs for the given supply, clock and bus. It
// returns zero when the card asks for no particular class.
func PowerClass(pc register.PowerClasses, vdd uint, clock uint32, width host.BusWidth, ddr bool) (uint8, error) {
	var raw uint8
	switch supply := uint32(1) << vdd; {
	case supply == host.VDD165_195:
		switch {
		case clock <= register.HighSpeed26MaxDTR:
			raw = pc.PwrCl26_195
		case clock <= register.HighSpeed52MaxDTR:
			raw = pc.PwrCl52_195
			if ddr {
				raw = pc.DDR52_195
			}
		case clock <= register.HS200MaxDTR:
			raw = pc.PwrCl200_195
		}
	case supply >= host.VDD27_28 && supply <= host.VDD35_36:
		switch {
		case clock <= register.HighSpeed26MaxDTR:
			raw = pc.PwrCl26_360
		case clock <= register.HighSpeed52MaxDTR:
			raw = pc.PwrCl52_360
			if ddr {
				raw = pc.DDR52_360
			}
		case clock <= register.HS200MaxDTR:
			raw = pc.PwrCl200_360
			if ddr && width == host.BusWidth8 {
				raw = pc.DDR200_360
			}
		}
	default:
		return 0, mmcerr.Errorf(mmcerr.HostUnsupported, "no power class defined for supply OCR bit %d", vdd)
	}

	if width == host.BusWidth8 {
		return (raw & register.PowerClass8BitMask) >> register.PowerClass8BitShift, nil
	}
	return raw & register.PowerClass4BitMask, nil
}

// SelectPowerClass writes the power class matching the current bus settings. Cards without
// EXT_CSD and 1-bit buses are left alone.
func SelectPowerClass(ctx context.Context, s *ops.Session) error {
	ios := s.Host.IOS()
	if !s.Card.HasExtCSD() || ios.BusWidth == host.BusWidth1 {
		return nil
	}
	ddr := s.Card.Available.Types.Has(register.CardTypeDDR52)
	class, err := PowerClass(s.Card.ExtCSD.PowerClass, ios.VDD, ios.Clock, ios.BusWidth, ddr)
	if err != nil {
		s.Logger.CWarnw(ctx, "power class selection skipped", "error", err)
		return err
	}
	if class == 0 {
		return nil
	}
	err = s.Switch(ctx, register.ExtCSDPowerClass, class, s.Card.ExtCSD.GenericCMD6Time)
	if err != nil {
		s.Logger.CWarnw(ctx, "power class switch failed", "class", class, "error", err)
		return err
	}
	s.Logger.CDebugw(ctx, "power class selected", "class", class)
	return nil
}
