package utils

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"go.viam.com/emmc/logging"
)

func TestGuard(t *testing.T) {
	released := false
	func() {
		guard := NewGuard(func() { released = true })
		defer guard.OnFail()
	}()
	test.That(t, released, test.ShouldBeTrue)

	released = false
	func() {
		guard := NewGuard(func() { released = true })
		defer guard.OnFail()
		guard.Success()
	}()
	test.That(t, released, test.ShouldBeFalse)

	released = false
	err := func() error {
		guard := NewGuard(func() { released = true })
		defer guard.OnFail()
		if err := errors.New("init failed"); err != nil {
			return err
		}
		guard.Success()
		return nil
	}()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, released, test.ShouldBeTrue)

	releases := 0
	guard := NewGuard(func() { releases++ })
	guard.OnFail()
	guard.OnFail()
	test.That(t, releases, test.ShouldEqual, 1)
}

func TestSlowLogger(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	mock := clock.NewMock()

	done := SlowLogger(context.Background(), mock, "waiting for card", logger, "opcode", 6)
	defer done()

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		mock.Add(2 * time.Second)
		test.That(tb, logs.FilterMessage("waiting for card").Len(), test.ShouldBeGreaterThan, 0)
	})
	entry := logs.FilterMessage("waiting for card").All()[0]
	test.That(t, entry.ContextMap()["opcode"], test.ShouldEqual, int64(6))
	test.That(t, entry.ContextMap()["time_elapsed"], test.ShouldNotBeEmpty)
}
