// Package host defines the controller-side interface the eMMC engine drives.
package host

import (
	"context"
	"time"
)

// A Host is an MMC host controller. Every method other than the accessors must only be called
// while the caller holds the host's Lease.
//
// HWReset, ExecuteTuning, EnhancedStrobe and the CMDQ methods are optional; a controller that
// does not implement one returns an error of kind mmcerr.HostUnsupported.
type Host interface {
	Name() string
	Capabilities() Capabilities
	IOS() IOS

	// SendCommand issues a command without a data phase.
	SendCommand(ctx context.Context, cmd Command) (Response, error)
	// SendDataCommand issues a command with a data phase; data.Buf is filled for reads.
	SendDataCommand(ctx context.Context, cmd Command, data *Data) (Response, error)

	SetClock(hz uint32)
	SetBusWidth(width BusWidth)
	SetTiming(timing Timing)
	SetBusMode(mode BusMode)
	SetSignalVoltage(ctx context.Context, voltage SignalVoltage) error
	SetDriverType(driverType int)
	// SetInitialState returns the controller to its post power-up defaults.
	SetInitialState()

	PowerUp(ocr uint32)
	PowerOff()
	PowerCycle(ocr uint32)

	HWReset(ctx context.Context) error
	ExecuteTuning(ctx context.Context, opcode uint32) error
	EnhancedStrobe(ctx context.Context) error
	// SelectDriveStrength picks a driver strength from the card's mask for the given rate. It
	// returns the strength to write to HS_TIMING and the host driver type to program.
	SelectDriveStrength(maxDTR uint32, cardDriverTypes uint8) (strength, driverType int)

	CMDQEnable(ctx context.Context) error
	CMDQDisable(ctx context.Context)
	CMDQHalt(ctx context.Context, halt bool) error

	// ClockHold and ClockRelease suppress automatic clock gating while a mode change reprograms
	// the controller.
	ClockHold()
	ClockRelease()
}

// Capabilities describe what a controller can do. They do not change during a session.
type Capabilities struct {
	Caps Caps

	FMin  uint32
	FMax  uint32
	FInit uint32

	// OCRAvail is the OCR voltage window the controller can supply.
	OCRAvail uint32

	// MaxBusyTimeout is the longest busy signal the controller can wait on; zero means no limit.
	MaxBusyTimeout time.Duration

	DSR          uint16
	DSRRequested bool
}
