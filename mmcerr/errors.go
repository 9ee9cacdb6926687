// Package mmcerr defines the error kinds reported by the eMMC engine.
//
// A Kind is itself an error, so wrapped errors can be matched with errors.Is:
//
//	if errors.Is(err, mmcerr.BadMessage) { ... }
package mmcerr

import (
	"github.com/pkg/errors"
)

// Kind classifies an engine failure.
type Kind int

const (
	// InvalidRegister means a decoder found a field in an undefined range.
	InvalidRegister Kind = iota + 1
	// CardChanged means the CID did not match on re-initialization.
	CardChanged
	// NoCompatibleVoltage means the card and host OCR windows do not intersect.
	NoCompatibleVoltage
	// Timeout means a command or busy wait ran past its deadline.
	Timeout
	// BadMessage means the card refused a SWITCH.
	BadMessage
	// StatusError means the status read after a SWITCH carried error bits.
	StatusError
	// HostUnsupported means the host lacks an operation or capability needed to continue.
	HostUnsupported
	// Busy means the operation was deferred, e.g. runtime suspend with background ops pending.
	Busy
	// IOError is a transport failure reported by the host controller.
	IOError
)

var kindNames = map[Kind]string{
	InvalidRegister:     "invalid register",
	CardChanged:         "card changed",
	NoCompatibleVoltage: "no compatible voltage",
	Timeout:             "timeout",
	BadMessage:          "bad message",
	StatusError:         "status error",
	HostUnsupported:     "host unsupported",
	Busy:                "busy",
	IOError:             "i/o error",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

func (k Kind) Error() string {
	return k.String()
}

// New returns an error of kind k with the given message.
func New(k Kind, msg string) error {
	return errors.Wrap(k, msg)
}

// Errorf returns an error of kind k with a formatted message.
func Errorf(k Kind, format string, args ...interface{}) error {
	return errors.Wrapf(k, format, args...)
}

// Wrap annotates err with a message. Errors that do not carry a Kind yet are classified as IOError,
// since anything unclassified comes from the host transport.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	if KindOf(err) == 0 {
		return errors.Wrap(&hostError{cause: err}, msg)
	}
	return errors.Wrap(err, msg)
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if KindOf(err) == 0 {
		return errors.Wrapf(&hostError{cause: err}, format, args...)
	}
	return errors.Wrapf(err, format, args...)
}

// KindOf returns the Kind carried by err, or 0 if there is none.
func KindOf(err error) Kind {
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	var he *hostError
	if errors.As(err, &he) {
		return IOError
	}
	return 0
}

// hostError classifies an untyped host failure as IOError while keeping the original cause.
type hostError struct {
	cause error
}

func (e *hostError) Error() string {
	return e.cause.Error()
}

func (e *hostError) Unwrap() error {
	return e.cause
}

func (e *hostError) Is(target error) bool {
	return target == IOError
}
