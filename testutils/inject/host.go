// Package inject provides hosts whose methods can be overridden per test.
package inject

import (
	"context"

	"go.viam.com/emmc/host"
)

// Host is an injected host controller.
type Host struct {
	host.Host
	SendCommandFunc      func(ctx context.Context, cmd host.Command) (host.Response, error)
	SendDataCommandFunc  func(ctx context.Context, cmd host.Command, data *host.Data) (host.Response, error)
	SetSignalVoltageFunc func(ctx context.Context, voltage host.SignalVoltage) error
	PowerUpFunc          func(ocr uint32)
	HWResetFunc          func(ctx context.Context) error
	ExecuteTuningFunc    func(ctx context.Context, opcode uint32) error
	CMDQEnableFunc       func(ctx context.Context) error
}

// SendCommand calls the injected SendCommand or the real version.
func (h *Host) SendCommand(ctx context.Context, cmd host.Command) (host.Response, error) {
	if h.SendCommandFunc == nil {
		return h.Host.SendCommand(ctx, cmd)
	}
	return h.SendCommandFunc(ctx, cmd)
}

// SendDataCommand calls the injected SendDataCommand or the real version.
func (h *Host) SendDataCommand(ctx context.Context, cmd host.Command, data *host.Data) (host.Response, error) {
	if h.SendDataCommandFunc == nil {
		return h.Host.SendDataCommand(ctx, cmd, data)
	}
	return h.SendDataCommandFunc(ctx, cmd, data)
}

// SetSignalVoltage calls the injected SetSignalVoltage or the real version.
func (h *Host) SetSignalVoltage(ctx context.Context, voltage host.SignalVoltage) error {
	if h.SetSignalVoltageFunc == nil {
		return h.Host.SetSignalVoltage(ctx, voltage)
	}
	return h.SetSignalVoltageFunc(ctx, voltage)
}

// PowerUp calls the injected PowerUp or the real version.
func (h *Host) PowerUp(ocr uint32) {
	if h.PowerUpFunc == nil {
		h.Host.PowerUp(ocr)
		return
	}
	h.PowerUpFunc(ocr)
}

// HWReset calls the injected HWReset or the real version.
func (h *Host) HWReset(ctx context.Context) error {
	if h.HWResetFunc == nil {
		return h.Host.HWReset(ctx)
	}
	return h.HWResetFunc(ctx)
}

// ExecuteTuning calls the injected ExecuteTuning or the real version.
func (h *Host) ExecuteTuning(ctx context.Context, opcode uint32) error {
	if h.ExecuteTuningFunc == nil {
		return h.Host.ExecuteTuning(ctx, opcode)
	}
	return h.ExecuteTuningFunc(ctx, opcode)
}

// CMDQEnable calls the injected CMDQEnable or the real version.
func (h *Host) CMDQEnable(ctx context.Context) error {
	if h.CMDQEnableFunc == nil {
		return h.Host.CMDQEnable(ctx)
	}
	return h.CMDQEnableFunc(ctx)
}
