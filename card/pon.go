package card

import "go.viam.com/emmc/register"

// PONType is the kind of power-off notification to send at shutdown.
type PONType int

// Power-off notification kinds.
const (
	PONNone PONType = iota
	PONShort
	PONLong
)

// NotificationValue returns the POWER_OFF_NOTIFICATION value for the kind.
func (p PONType) NotificationValue() uint8 {
	switch p {
	case PONShort:
		return register.PowerOffShort
	case PONLong:
		return register.PowerOffLong
	case PONNone:
	}
	return register.NoPowerNotification
}

// ShutdownKind is why the system is going down.
type ShutdownKind int

// Shutdown kinds.
const (
	ShutdownReboot ShutdownKind = iota
	ShutdownHalt
	ShutdownPowerOff
)

func (k ShutdownKind) String() string {
	switch k {
	case ShutdownReboot:
		return "reboot"
	case ShutdownHalt:
		return "halt"
	case ShutdownPowerOff:
		return "poweroff"
	default:
		return "unknown"
	}
}

// PONType maps a shutdown kind to a notification: a restart only needs the short one.
func (k ShutdownKind) PONType() PONType {
	if k == ShutdownReboot {
		return PONShort
	}
	return PONLong
}
