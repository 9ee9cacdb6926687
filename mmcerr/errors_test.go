package mmcerr

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"
)

func TestKinds(t *testing.T) {
	err := Errorf(BadMessage, "switch index %d refused", 33)
	test.That(t, err.Error(), test.ShouldEqual, "switch index 33 refused: bad message")
	test.That(t, errors.Is(err, BadMessage), test.ShouldBeTrue)
	test.That(t, errors.Is(err, StatusError), test.ShouldBeFalse)
	test.That(t, KindOf(err), test.ShouldEqual, BadMessage)

	wrapped := Wrap(err, "enabling cache")
	test.That(t, errors.Is(wrapped, BadMessage), test.ShouldBeTrue)
	test.That(t, wrapped.Error(), test.ShouldContainSubstring, "enabling cache")

	test.That(t, Wrap(nil, "nothing"), test.ShouldBeNil)
	test.That(t, KindOf(errors.New("plain")), test.ShouldEqual, Kind(0))
	test.That(t, Kind(99).String(), test.ShouldEqual, "unknown")
}

func TestHostErrorsBecomeIOError(t *testing.T) {
	cause := fmt.Errorf("dma fault")
	err := Wrapf(cause, "CMD%d", 8)
	test.That(t, errors.Is(err, IOError), test.ShouldBeTrue)
	test.That(t, errors.Is(err, cause), test.ShouldBeTrue)
	test.That(t, KindOf(err), test.ShouldEqual, IOError)
	test.That(t, err.Error(), test.ShouldEqual, "CMD8: dma fault")
}
