package ops

import (
	"context"

	"go.viam.com/emmc/host"
	"go.viam.com/emmc/mmcerr"
)

var (
	busTestPattern8 = []byte{0x55, 0xAA, 0, 0, 0, 0, 0, 0}
	busTestPattern4 = []byte{0x5A, 0, 0, 0}
)

// BusTest writes a pattern with CMD19 and reads back its inversion with CMD14 at the given width.
func (s *Session) BusTest(ctx context.Context, width host.BusWidth) error {
	var pattern []byte
	switch width {
	case host.BusWidth8:
		pattern = busTestPattern8
	case host.BusWidth4:
		pattern = busTestPattern4
	default:
		return mmcerr.Errorf(mmcerr.HostUnsupported, "no bus test for %d-bit bus", width)
	}

	out := append([]byte(nil), pattern...)
	write := &host.Data{Buf: out, Direction: host.DataWrite, BlockSize: len(out), Blocks: 1}
	if _, err := s.Host.SendDataCommand(ctx, host.Command{Opcode: host.CmdBusTestW, RespType: host.RespR1}, write); err != nil {
		return mmcerr.Wrap(err, "CMD19 bus test write")
	}

	in := make([]byte, len(pattern))
	read := &host.Data{Buf: in, Direction: host.DataRead, BlockSize: len(in), Blocks: 1}
	if _, err := s.Host.SendDataCommand(ctx, host.Command{Opcode: host.CmdBusTestR, RespType: host.RespR1}, read); err != nil {
		return mmcerr.Wrap(err, "CMD14 bus test read")
	}
	// Only the bytes carried on the active lines are meaningful.
	for i := 0; i < len(pattern)/4; i++ {
		if pattern[i]^in[i] != 0xFF {
			return mmcerr.Errorf(mmcerr.IOError, "bus test failed at %d-bit width: got %#02x for %#02x", width, in[i], pattern[i])
		}
	}
	return nil
}
