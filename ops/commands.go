package ops

import (
	"context"
	"math/bits"
	"time"

	"go.viam.com/emmc/host"
	"go.viam.com/emmc/mmcerr"
	"go.viam.com/emmc/register"
)

const (
	opCondTries    = 100
	opCondInterval = 10 * time.Millisecond
	// R1SPIIdle is set in an SPI R1 response while the card is still initializing.
	R1SPIIdle = 1 << 0
)

// GoIdle resets the card to the idle state.
func (s *Session) GoIdle(ctx context.Context) error {
	// SPI cards sample chip select on CMD0 to pick the bus protocol.
	if _, err := s.Host.SendCommand(ctx, host.Command{Opcode: host.CmdGoIdleState, RespType: host.RespNone}); err != nil {
		return mmcerr.Wrap(err, "CMD0")
	}
	return s.Sleep(ctx, time.Millisecond)
}

// SendOpCond sends CMD1. With ocr zero it probes once and returns the card's OCR; otherwise it
// repeats until the card reports ready or the attempts run out.
func (s *Session) SendOpCond(ctx context.Context, ocr uint32) (uint32, error) {
	spi := s.IsSPI()
	cmd := host.Command{Opcode: host.CmdSendOpCond, RespType: host.RespR3}
	if !spi {
		cmd.Arg = ocr
	}
	var resp host.Response
	var err error
	for i := 0; i < opCondTries; i++ {
		resp, err = s.Host.SendCommand(ctx, cmd)
		if err != nil {
			return 0, mmcerr.Wrap(err, "CMD1")
		}
		if ocr == 0 {
			break
		}
		if spi {
			if resp[0]&R1SPIIdle == 0 {
				break
			}
		} else if resp[0]&host.OCRReady != 0 {
			break
		}
		err = mmcerr.New(mmcerr.Timeout, "card did not leave busy during power up")
		if sleepErr := s.Sleep(ctx, opCondInterval); sleepErr != nil {
			return 0, sleepErr
		}
	}
	if err != nil {
		return 0, err
	}
	if spi {
		return 0, nil
	}
	return resp[0], nil
}

// SPIReadOCR reads the OCR over SPI. highCapacity asks the card to report the capacity bit.
func (s *Session) SPIReadOCR(ctx context.Context, highCapacity bool) (uint32, error) {
	var arg uint32
	if highCapacity {
		arg = 1 << 30
	}
	resp, err := s.Host.SendCommand(ctx, host.Command{Opcode: host.CmdSPIReadOCR, Arg: arg, RespType: host.RespR3})
	if err != nil {
		return 0, mmcerr.Wrap(err, "CMD58")
	}
	return resp[1], nil
}

// SPISetCRC turns CRC checking of SPI traffic on or off.
func (s *Session) SPISetCRC(ctx context.Context, on bool) error {
	var arg uint32
	if on {
		arg = 1
	}
	_, err := s.Host.SendCommand(ctx, host.Command{Opcode: host.CmdSPICRCOnOff, Arg: arg, RespType: host.RespR1})
	return mmcerr.Wrap(err, "CMD59")
}

// AllSendCID asks every card on the bus for its CID.
func (s *Session) AllSendCID(ctx context.Context) ([4]uint32, error) {
	resp, err := s.Host.SendCommand(ctx, host.Command{Opcode: host.CmdAllSendCID, RespType: host.RespR2})
	if err != nil {
		return [4]uint32{}, mmcerr.Wrap(err, "CMD2")
	}
	return resp, nil
}

// SendCID reads the CID of the addressed card. Over SPI the register comes back as a data block.
func (s *Session) SendCID(ctx context.Context) ([4]uint32, error) {
	return s.sendRegister(ctx, host.CmdSendCID, "CMD10")
}

// SendCSD reads the CSD of the addressed card.
func (s *Session) SendCSD(ctx context.Context) ([4]uint32, error) {
	return s.sendRegister(ctx, host.CmdSendCSD, "CMD9")
}

func (s *Session) sendRegister(ctx context.Context, opcode uint32, name string) ([4]uint32, error) {
	if !s.IsSPI() {
		resp, err := s.Host.SendCommand(ctx, host.Command{Opcode: opcode, Arg: s.rca(), RespType: host.RespR2})
		if err != nil {
			return [4]uint32{}, mmcerr.Wrap(err, name)
		}
		return resp, nil
	}
	buf := make([]byte, 16)
	data := &host.Data{Buf: buf, Direction: host.DataRead, BlockSize: len(buf), Blocks: 1}
	if _, err := s.Host.SendDataCommand(ctx, host.Command{Opcode: opcode, RespType: host.RespR1}, data); err != nil {
		return [4]uint32{}, mmcerr.Wrap(err, name)
	}
	var words [4]uint32
	for i := range words {
		words[i] = uint32(buf[i*4])<<24 | uint32(buf[i*4+1])<<16 | uint32(buf[i*4+2])<<8 | uint32(buf[i*4+3])
	}
	return words, nil
}

// SetRelativeAddr assigns the session card's RCA.
func (s *Session) SetRelativeAddr(ctx context.Context) error {
	_, err := s.Host.SendCommand(ctx, host.Command{Opcode: host.CmdSetRelativeAddr, Arg: s.rca(), RespType: host.RespR1})
	return mmcerr.Wrap(err, "CMD3")
}

// SetDSR programs the driver stage register.
func (s *Session) SetDSR(ctx context.Context, dsr uint16) error {
	arg := uint32(dsr)<<16 | 0xFFFF
	_, err := s.Host.SendCommand(ctx, host.Command{Opcode: host.CmdSetDSR, Arg: arg, RespType: host.RespNone})
	return mmcerr.Wrap(err, "CMD4")
}

// Select moves the session card into the transfer state.
func (s *Session) Select(ctx context.Context) error {
	_, err := s.Host.SendCommand(ctx, host.Command{Opcode: host.CmdSelectCard, Arg: s.rca(), RespType: host.RespR1})
	return mmcerr.Wrap(err, "CMD7 select")
}

// Deselect returns every card to standby.
func (s *Session) Deselect(ctx context.Context) error {
	_, err := s.Host.SendCommand(ctx, host.Command{Opcode: host.CmdSelectCard, RespType: host.RespNone})
	return mmcerr.Wrap(err, "CMD7 deselect")
}

// GetExtCSD reads the 512-byte EXT_CSD.
func (s *Session) GetExtCSD(ctx context.Context) ([]byte, error) {
	buf := make([]byte, register.ExtCSDSize)
	data := &host.Data{Buf: buf, Direction: host.DataRead, BlockSize: register.ExtCSDSize, Blocks: 1}
	if _, err := s.Host.SendDataCommand(ctx, host.Command{Opcode: host.CmdSendExtCSD, RespType: host.RespR1}, data); err != nil {
		return nil, mmcerr.Wrap(err, "CMD8")
	}
	return buf, nil
}

// SendStatus reads the card status. ignoreCRC accepts a response with a bad CRC, which the card
// may produce while its timing is being changed.
func (s *Session) SendStatus(ctx context.Context, ignoreCRC bool) (uint32, error) {
	cmd := host.Command{Opcode: host.CmdSendStatus, RespType: host.RespR1, Retries: 3, IgnoreCRC: ignoreCRC}
	if !s.IsSPI() {
		cmd.Arg = s.rca()
	}
	resp, err := s.Host.SendCommand(ctx, cmd)
	if err != nil {
		return 0, mmcerr.Wrap(err, "CMD13")
	}
	return resp[0], nil
}

// SetBlockLen sets the block length for byte addressed transfers.
func (s *Session) SetBlockLen(ctx context.Context, n uint32) error {
	_, err := s.Host.SendCommand(ctx, host.Command{Opcode: host.CmdSetBlockLen, Arg: n, RespType: host.RespR1})
	return mmcerr.Wrap(err, "CMD16")
}

// SelectVoltage narrows ocr to the two adjacent windows the host will supply. It returns an error
// of kind NoCompatibleVoltage when nothing overlaps.
func (s *Session) SelectVoltage(ocr uint32) (uint32, error) {
	if ocr&0x7F != 0 {
		s.Logger.Warnw("card claims to support voltages below the defined range, ignoring them")
		ocr &^= 0x7F
	}
	caps := s.Host.Capabilities()
	ocr &= caps.OCRAvail
	if ocr == 0 {
		return 0, mmcerr.Errorf(mmcerr.NoCompatibleVoltage, "no overlap with host OCR window %#08x", caps.OCRAvail)
	}
	if caps.Caps.Has(host.CapFullPowerCycle) {
		bit := bits.TrailingZeros32(ocr)
		ocr &= 3 << bit
		s.PowerCycle(ocr)
		return ocr, nil
	}
	bit := 31 - bits.LeadingZeros32(ocr)
	ocr &= 3 << bit
	if uint(bit) != s.Host.IOS().VDD {
		s.Logger.Warnw("card voltage window exceeds the supplied voltage", "vdd", s.Host.IOS().VDD, "card_bit", bit)
	}
	return ocr, nil
}
