package core

import (
	"context"
	"testing"
	"time"

	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"go.viam.com/emmc/host/fake"
	"go.viam.com/emmc/logging"
)

func TestDetectPolling(t *testing.T) {
	cfg := testConfig()
	cfg.DisableDetect = false
	cfg.DetectInterval = 20 * time.Millisecond
	c, h, _ := attached(t, fake.DefaultCapabilities(), fake.NewDefaultCard(), cfg)

	h.InsertCard(nil)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		cd, err := c.Card(context.Background())
		test.That(tb, err, test.ShouldBeNil)
		test.That(tb, cd, test.ShouldBeNil)
	})
}

func TestNotifyCardEvent(t *testing.T) {
	h := fake.NewHost("test", fake.DefaultCapabilities(), fake.NewDefaultCard())
	cfg := testConfig()
	cfg.DetectDebounce = 10 * time.Millisecond
	c, err := NewController(h, cfg, logging.NewTestLogger(t), nil)
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, c.Close(context.Background()), test.ShouldBeNil)
	}()

	// Nothing to check before a card is attached.
	c.NotifyCardEvent()
	test.That(t, c.Attach(context.Background()), test.ShouldBeNil)

	h.InsertCard(nil)
	for i := 0; i < 5; i++ {
		c.NotifyCardEvent()
	}
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		cd, err := c.Card(context.Background())
		test.That(tb, err, test.ShouldBeNil)
		test.That(tb, cd, test.ShouldBeNil)
	})
}
