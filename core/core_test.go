package core

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.viam.com/test"

	"go.viam.com/emmc/card"
	"go.viam.com/emmc/host"
	"go.viam.com/emmc/host/fake"
	"go.viam.com/emmc/logging"
	"go.viam.com/emmc/mmcerr"
	"go.viam.com/emmc/register"
	"go.viam.com/emmc/testutils/inject"
)

func testConfig() *Config {
	cfg := NewConfig()
	cfg.DisableDetect = true
	return cfg
}

func newTestController(t *testing.T, h host.Host, cfg *Config) *Controller {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	c, err := NewController(h, cfg, logging.NewTestLogger(t), nil)
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() {
		test.That(t, c.Close(context.Background()), test.ShouldBeNil)
	})
	return c
}

// attached returns a controller with dev attached and initialized.
func attached(t *testing.T, caps host.Capabilities, dev *fake.Card, cfg *Config) (*Controller, *fake.Host, *card.Card) {
	t.Helper()
	h := fake.NewHost("test", caps, dev)
	c := newTestController(t, h, cfg)
	test.That(t, c.Attach(context.Background()), test.ShouldBeNil)
	cd, err := c.Card(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cd, test.ShouldNotBeNil)
	return c, h, cd
}

func extWith(edit func(raw []byte)) []byte {
	raw := fake.DefaultExtCSD()
	edit(raw)
	return raw
}

func cardWithExt(edit func(raw []byte)) *fake.Card {
	return fake.NewCard(fake.DefaultCID(), fake.DefaultCSD(), fake.DefaultOCR, extWith(edit))
}

func noStrobeCard() *fake.Card {
	return cardWithExt(func(raw []byte) { raw[register.ExtCSDStrobeSupport] = 0 })
}

func countOpcode(cmds []host.Command, opcode uint32) int {
	var n int
	for _, cmd := range cmds {
		if cmd.Opcode == opcode {
			n++
		}
	}
	return n
}

// cmdqAfterBlockLen reports whether every switch into CMDQ mode came after a CMD16 setting
// 512-byte blocks, counting from the last CMD0.
func cmdqAfterBlockLen(cmds []host.Command) bool {
	var blockLen uint32
	for _, cmd := range cmds {
		switch cmd.Opcode {
		case host.CmdGoIdleState:
			blockLen = 0
		case host.CmdSetBlockLen:
			blockLen = cmd.Arg
		case host.CmdSwitch:
			if uint8(cmd.Arg>>16) == register.ExtCSDCMDQModeEn && uint8(cmd.Arg>>8) != 0 &&
				blockLen != register.ExtCSDSize {
				return false
			}
		}
	}
	return true
}

func switchesTo(h *fake.Host, index uint8) []fake.Switch {
	var out []fake.Switch
	for _, sw := range h.Switches() {
		if sw.Index == index {
			out = append(out, sw)
		}
	}
	return out
}

func TestAttachLegacyHost(t *testing.T) {
	caps := host.Capabilities{
		Caps:     host.CapHS26 | host.Cap4BitData,
		FMin:     400000,
		FMax:     52000000,
		FInit:    400000,
		OCRAvail: host.VDD32_33 | host.VDD33_34,
	}
	dev := cardWithExt(func(raw []byte) {
		raw[register.ExtCSDRev] = register.ExtCSDRevV4_41
		raw[register.ExtCSDCardType] = byte(register.CardTypeHS26 | register.CardTypeHS52 | register.CardTypeDDR52_1V8)
	})
	_, h, cd := attached(t, caps, dev, nil)

	test.That(t, cd.State(), test.ShouldEqual, card.StateOperational)
	test.That(t, cd.Negotiated.BusWidth, test.ShouldEqual, host.BusWidth4)
	test.That(t, cd.Negotiated.Timing, test.ShouldEqual, host.TimingHS)
	test.That(t, cd.Negotiated.Clock, test.ShouldEqual, uint32(register.HighSpeed52MaxDTR))
	test.That(t, h.IOS().SignalVoltage, test.ShouldEqual, host.SignalVoltage330)
	test.That(t, cd.Has(card.FlagCache), test.ShouldBeFalse)
	test.That(t, cd.Has(card.FlagHPI), test.ShouldBeTrue)
	test.That(t, cd.Has(card.FlagPONArmed), test.ShouldBeFalse)
	test.That(t, cd.ClkScalingHighest, test.ShouldEqual, uint32(register.HighSpeed52MaxDTR))
}

func TestAttachHS400(t *testing.T) {
	t.Run("through HS200 tuning", func(t *testing.T) {
		caps := fake.DefaultCapabilities()
		caps.Caps |= host.CapCMDQ
		before := testutil.ToFloat64(InitTimingTotal.WithLabelValues("HS400"))
		_, h, cd := attached(t, caps, noStrobeCard(), nil)

		test.That(t, cd.Negotiated.Timing, test.ShouldEqual, host.TimingHS400)
		test.That(t, cd.Negotiated.BusWidth, test.ShouldEqual, host.BusWidth8)
		test.That(t, cd.Negotiated.SignalVoltage, test.ShouldEqual, host.SignalVoltage180)
		test.That(t, h.Stats().Tunings, test.ShouldEqual, 1)
		test.That(t, h.Stats().Strobes, test.ShouldEqual, 0)

		test.That(t, cd.Has(card.FlagCMDQ), test.ShouldBeTrue)
		test.That(t, cd.ExtCSD.CMDQDepth, test.ShouldEqual, uint32(32))
		test.That(t, h.Stats().CMDQEnabled, test.ShouldBeTrue)
		test.That(t, countOpcode(h.Commands(), host.CmdSetBlockLen), test.ShouldEqual, 1)
		test.That(t, cmdqAfterBlockLen(h.Commands()), test.ShouldBeTrue)
		test.That(t, cd.Has(card.FlagHPI|card.FlagCache|card.FlagBarrier|card.FlagPONArmed), test.ShouldBeTrue)
		test.That(t, cd.Has(card.FlagBlockAddr), test.ShouldBeTrue)
		test.That(t, cd.ExtCSD.EraseGroupDef, test.ShouldEqual, uint8(register.EraseGroupDefEnable))
		test.That(t, cd.ClkScalingHighest, test.ShouldEqual, uint32(register.HS200MaxDTR))
		test.That(t, testutil.ToFloat64(InitTimingTotal.WithLabelValues("HS400")), test.ShouldEqual, before+1)
	})

	t.Run("enhanced strobe", func(t *testing.T) {
		_, h, cd := attached(t, fake.DefaultCapabilities(), fake.NewDefaultCard(), nil)
		test.That(t, cd.Negotiated.Timing, test.ShouldEqual, host.TimingHS400)
		test.That(t, h.Stats().Tunings, test.ShouldEqual, 0)
		test.That(t, h.Stats().Strobes, test.ShouldEqual, 1)
		test.That(t, h.IOS().EnhancedStrobe, test.ShouldBeTrue)
		test.That(t, h.Card().ExtCSD()[register.ExtCSDBusWidth]&register.BusWidthStrobe, test.ShouldNotEqual, byte(0))
	})
}

func TestAttachNoCompatibleVoltage(t *testing.T) {
	caps := fake.DefaultCapabilities()
	caps.OCRAvail = host.VDD165_195
	dev := fake.NewCard(fake.DefaultCID(), fake.DefaultCSD(), 0x00FF8000, fake.DefaultExtCSD())
	h := fake.NewHost("test", caps, dev)
	c := newTestController(t, h, nil)

	label := mmcerr.NoCompatibleVoltage.String()
	before := testutil.ToFloat64(AttachTotal.WithLabelValues(label))
	err := c.Attach(context.Background())
	test.That(t, errors.Is(err, mmcerr.NoCompatibleVoltage), test.ShouldBeTrue)
	test.That(t, testutil.ToFloat64(AttachTotal.WithLabelValues(label)), test.ShouldEqual, before+1)

	cd, err := c.Card(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cd, test.ShouldBeNil)
	test.That(t, h.IOS().PowerMode, test.ShouldEqual, host.PowerOff)
}

func TestAttachQuirks(t *testing.T) {
	kingston := func(rev uint8) *fake.Card {
		cid, err := register.EncodeCID(register.CID{
			ManfID:   register.ManfIDKingston,
			OEMID:    0x0100,
			ProdName: "MMC16G",
			PRV:      0x10,
			Serial:   0x01020304,
			Month:    3,
			Year:     2012,
		}, register.CSDSpecVer4)
		test.That(t, err, test.ShouldBeNil)
		ext := extWith(func(raw []byte) { raw[register.ExtCSDRev] = rev })
		return fake.NewCard(cid, fake.DefaultCSD(), fake.DefaultOCR, ext)
	}

	t.Run("broken HPI", func(t *testing.T) {
		_, h, cd := attached(t, fake.DefaultCapabilities(), kingston(register.ExtCSDRevV4_41), nil)
		test.That(t, cd.Quirks, test.ShouldEqual, register.QuirkBrokenHPI|register.QuirkCacheDisable)
		test.That(t, cd.ExtCSD.HPI, test.ShouldBeFalse)
		test.That(t, cd.Has(card.FlagHPI), test.ShouldBeFalse)
		test.That(t, cd.Has(card.FlagCache), test.ShouldBeFalse)
		test.That(t, switchesTo(h, register.ExtCSDHPIMgmt), test.ShouldBeEmpty)
	})

	t.Run("cache disabled", func(t *testing.T) {
		_, h, cd := attached(t, fake.DefaultCapabilities(), kingston(register.ExtCSDRevV4_5), nil)
		test.That(t, cd.Quirks, test.ShouldEqual, register.QuirkCacheDisable)
		test.That(t, cd.ExtCSD.CacheSize, test.ShouldBeGreaterThan, uint32(0))
		test.That(t, cd.Has(card.FlagHPI), test.ShouldBeTrue)
		test.That(t, cd.Has(card.FlagCache), test.ShouldBeFalse)
		test.That(t, switchesTo(h, register.ExtCSDCacheCtrl), test.ShouldResemble,
			[]fake.Switch{{Index: register.ExtCSDCacheCtrl, Value: 0}})
	})
}

func TestAttachCMDQFallback(t *testing.T) {
	caps := fake.DefaultCapabilities()
	caps.Caps |= host.CapCMDQ
	h := fake.NewHost("test", caps, fake.NewDefaultCard())
	h.CMDQEnableErr = errors.New("queue engine fault")
	c := newTestController(t, h, nil)

	before := testutil.ToFloat64(FeatureRefusalsTotal.WithLabelValues("cmdq"))
	test.That(t, c.Attach(context.Background()), test.ShouldBeNil)
	cd, err := c.Card(context.Background())
	test.That(t, err, test.ShouldBeNil)

	test.That(t, switchesTo(h, register.ExtCSDCMDQModeEn), test.ShouldResemble, []fake.Switch{
		{Index: register.ExtCSDCMDQModeEn, Value: 1},
		{Index: register.ExtCSDCMDQModeEn, Value: 0},
	})
	// One probe during attach and one per initialization pass.
	test.That(t, countOpcode(h.Commands(), host.CmdGoIdleState), test.ShouldEqual, 3)
	test.That(t, countOpcode(h.Commands(), host.CmdSetBlockLen), test.ShouldEqual, 1)
	test.That(t, cmdqAfterBlockLen(h.Commands()), test.ShouldBeTrue)
	test.That(t, cd.Has(card.FlagCMDQ), test.ShouldBeFalse)
	test.That(t, cd.ExtCSD.CMDQSupport, test.ShouldBeFalse)
	test.That(t, cd.State(), test.ShouldEqual, card.StateOperational)
	test.That(t, cd.Negotiated.Timing, test.ShouldEqual, host.TimingHS400)
	test.That(t, h.Stats().CMDQEnabled, test.ShouldBeFalse)
	test.That(t, testutil.ToFloat64(FeatureRefusalsTotal.WithLabelValues("cmdq")), test.ShouldEqual, before+1)
}

func TestAttachFeatureRefusals(t *testing.T) {
	caps := fake.DefaultCapabilities()
	caps.Caps &^= host.CapWaitWhileBusy
	dev := fake.NewDefaultCard()
	dev.RejectSwitch = map[uint8]bool{
		register.ExtCSDHPIMgmt:              true,
		register.ExtCSDPowerOffNotification: true,
		register.ExtCSDEraseGroupDef:        true,
	}
	before := testutil.ToFloat64(FeatureRefusalsTotal.WithLabelValues("hpi"))
	_, _, cd := attached(t, caps, dev, nil)

	test.That(t, cd.State(), test.ShouldEqual, card.StateOperational)
	test.That(t, cd.Has(card.FlagHPI), test.ShouldBeFalse)
	test.That(t, cd.Has(card.FlagPONArmed), test.ShouldBeFalse)
	// Without HPI the cache stays off.
	test.That(t, cd.Has(card.FlagCache), test.ShouldBeFalse)
	test.That(t, cd.ExtCSD.EraseGroupDef, test.ShouldEqual, uint8(0))
	test.That(t, testutil.ToFloat64(FeatureRefusalsTotal.WithLabelValues("hpi")), test.ShouldEqual, before+1)
}

func TestRefusedOnlyCountsRejectedSwitch(t *testing.T) {
	before := testutil.ToFloat64(FeatureRefusalsTotal.WithLabelValues("test"))
	test.That(t, refused(mmcerr.New(mmcerr.BadMessage, "switch error"), "test"), test.ShouldBeTrue)
	for _, kind := range []mmcerr.Kind{mmcerr.StatusError, mmcerr.Timeout, mmcerr.IOError} {
		test.That(t, refused(mmcerr.New(kind, "failed"), "test"), test.ShouldBeFalse)
	}
	test.That(t, refused(nil, "test"), test.ShouldBeFalse)
	test.That(t, testutil.ToFloat64(FeatureRefusalsTotal.WithLabelValues("test")), test.ShouldEqual, before+1)
}

// smallCSD describes a 512 MiB device whose size fits in the CSD.
func smallCSD() [4]uint32 {
	return register.EncodeCSD(register.CSDFields{
		Structure:    register.CSDStructureExtCSD,
		MMCAVersion:  register.CSDSpecVer4,
		TaccExp:      1,
		TaccMant:     0xf,
		NSAC:         1,
		TranExp:      2,
		TranMant:     6,
		CmdClass:     0x8f5,
		ReadBlkBits:  9,
		CSize:        0x7ff,
		CSizeMult:    7,
		EraseGrpSize: 31,
		EraseGrpMult: 31,
		R2WFactor:    2,
		WriteBlkBits: 9,
	})
}

func TestAttachUnreadableExtCSD(t *testing.T) {
	noExtCSD := map[uint32]bool{host.CmdSendExtCSD: true}

	t.Run("high capacity OCR selects sector addressing", func(t *testing.T) {
		dev := fake.NewCard(fake.DefaultCID(), smallCSD(), fake.DefaultOCR, fake.DefaultExtCSD())
		dev.NoResponse = noExtCSD
		_, _, cd := attached(t, fake.DefaultCapabilities(), dev, nil)

		test.That(t, cd.ExtCSD.Sectors, test.ShouldEqual, uint32(0))
		test.That(t, cd.Has(card.FlagBlockAddr), test.ShouldBeTrue)
		test.That(t, cd.State(), test.ShouldEqual, card.StateOperational)
	})

	t.Run("byte addressed OCR", func(t *testing.T) {
		dev := fake.NewCard(fake.DefaultCID(), smallCSD(), fake.DefaultOCR&^host.OCRHighCapacity, fake.DefaultExtCSD())
		dev.NoResponse = noExtCSD
		_, _, cd := attached(t, fake.DefaultCapabilities(), dev, nil)

		test.That(t, cd.Has(card.FlagBlockAddr), test.ShouldBeFalse)
	})

	t.Run("size only in EXT_CSD", func(t *testing.T) {
		dev := fake.NewDefaultCard()
		dev.NoResponse = noExtCSD
		h := fake.NewHost("test", fake.DefaultCapabilities(), dev)
		c := newTestController(t, h, nil)

		test.That(t, c.Attach(context.Background()), test.ShouldNotBeNil)
		cd, err := c.Card(context.Background())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, cd, test.ShouldBeNil)
	})
}

func TestAttachSPI(t *testing.T) {
	caps := host.Capabilities{
		Caps:     host.CapSPI,
		FMin:     400000,
		FMax:     25000000,
		FInit:    400000,
		OCRAvail: host.VDD32_33 | host.VDD33_34,
	}
	cfg := testConfig()
	cfg.SPICRC = true
	_, h, cd := attached(t, caps, fake.NewDefaultCard(), cfg)

	test.That(t, cd.State(), test.ShouldEqual, card.StateOperational)
	test.That(t, cd.Negotiated.Timing, test.ShouldEqual, host.TimingLegacy)
	test.That(t, cd.Negotiated.BusWidth, test.ShouldEqual, host.BusWidth1)
	cmds := h.Commands()
	test.That(t, countOpcode(cmds, host.CmdSPICRCOnOff), test.ShouldEqual, 1)
	test.That(t, countOpcode(cmds, host.CmdSetRelativeAddr), test.ShouldEqual, 0)
	test.That(t, countOpcode(cmds, host.CmdSelectCard), test.ShouldEqual, 0)
}

func TestAttachTwice(t *testing.T) {
	c, _, _ := attached(t, fake.DefaultCapabilities(), fake.NewDefaultCard(), nil)
	test.That(t, c.Attach(context.Background()), test.ShouldNotBeNil)

	parts, err := c.Partitions(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, parts, test.ShouldNotBeEmpty)
	attrs, err := c.Attributes(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, attrs, test.ShouldNotBeEmpty)

	_, ok := logging.LoggerNamed("emmc.test")
	test.That(t, ok, test.ShouldBeTrue)
}

func TestSuspendResume(t *testing.T) {
	ctx := context.Background()
	caps := fake.DefaultCapabilities()
	caps.Caps |= host.CapCMDQ

	t.Run("partial", func(t *testing.T) {
		c, h, cd := attached(t, caps, fake.NewDefaultCard(), nil)

		test.That(t, c.Suspend(ctx), test.ShouldBeNil)
		test.That(t, cd.State(), test.ShouldEqual, card.StateSleeping)
		test.That(t, cd.Has(card.FlagSuspended|card.FlagSleeping), test.ShouldBeTrue)
		test.That(t, h.Card().State(), test.ShouldEqual, host.StateSleep)
		test.That(t, h.IOS().PowerMode, test.ShouldEqual, host.PowerOff)
		test.That(t, h.Stats().CMDQEnabled, test.ShouldBeFalse)
		test.That(t, cd.CachedIOS.Timing, test.ShouldEqual, host.TimingHS400)

		// A second suspend is a no-op.
		test.That(t, c.Suspend(ctx), test.ShouldBeNil)

		h.ResetLog()
		before := testutil.ToFloat64(ResumeTotal.WithLabelValues("partial"))
		test.That(t, c.Resume(ctx), test.ShouldBeNil)
		test.That(t, testutil.ToFloat64(ResumeTotal.WithLabelValues("partial")), test.ShouldEqual, before+1)

		test.That(t, countOpcode(h.Commands(), host.CmdGoIdleState), test.ShouldEqual, 0)
		test.That(t, cd.State(), test.ShouldEqual, card.StateOperational)
		test.That(t, cd.Has(card.FlagSuspended), test.ShouldBeFalse)
		test.That(t, h.IOS().Timing, test.ShouldEqual, host.TimingHS400)
		test.That(t, h.IOS().BusWidth, test.ShouldEqual, host.BusWidth8)
		test.That(t, h.IOS().SignalVoltage, test.ShouldEqual, host.SignalVoltage180)
		test.That(t, h.Stats().Strobes, test.ShouldEqual, 2)
		test.That(t, h.Stats().CMDQEnabled, test.ShouldBeTrue)
		test.That(t, h.Stats().CMDQHalted, test.ShouldBeFalse)
		test.That(t, h.Stats().ClockHolds, test.ShouldEqual, h.Stats().ClockReleases)

		test.That(t, c.Alive(ctx), test.ShouldBeNil)
		test.That(t, h.Stats().CMDQViolations, test.ShouldEqual, 0)
	})

	t.Run("full after power loss", func(t *testing.T) {
		dev := fake.NewDefaultCard()
		dev.LosePowerInSleep = true
		c, h, cd := attached(t, caps, dev, nil)

		test.That(t, c.Suspend(ctx), test.ShouldBeNil)
		h.ResetLog()
		before := testutil.ToFloat64(ResumeTotal.WithLabelValues("full"))
		test.That(t, c.Resume(ctx), test.ShouldBeNil)
		test.That(t, testutil.ToFloat64(ResumeTotal.WithLabelValues("full")), test.ShouldEqual, before+1)

		test.That(t, countOpcode(h.Commands(), host.CmdGoIdleState), test.ShouldEqual, 1)
		test.That(t, cd.State(), test.ShouldEqual, card.StateOperational)
		test.That(t, cd.Has(card.FlagSleeping), test.ShouldBeFalse)
		test.That(t, cd.Has(card.FlagCMDQ), test.ShouldBeTrue)
		test.That(t, cmdqAfterBlockLen(h.Commands()), test.ShouldBeTrue)
		test.That(t, h.Stats().CMDQEnabled, test.ShouldBeTrue)
		test.That(t, cd.Negotiated.Timing, test.ShouldEqual, host.TimingHS400)
	})

	t.Run("full after registers reset", func(t *testing.T) {
		dev := fake.NewDefaultCard()
		dev.ResetRegistersInSleep = true
		c, _, cd := attached(t, caps, dev, nil)

		test.That(t, c.Suspend(ctx), test.ShouldBeNil)
		before := testutil.ToFloat64(ResumeTotal.WithLabelValues("full"))
		test.That(t, c.Resume(ctx), test.ShouldBeNil)
		test.That(t, testutil.ToFloat64(ResumeTotal.WithLabelValues("full")), test.ShouldEqual, before+1)
		test.That(t, cd.State(), test.ShouldEqual, card.StateOperational)
	})

	t.Run("without sleep", func(t *testing.T) {
		noSleep := fake.DefaultCapabilities()
		noSleep.Caps &^= host.CapSleepAwake
		c, h, cd := attached(t, noSleep, fake.NewDefaultCard(), nil)

		test.That(t, c.Suspend(ctx), test.ShouldBeNil)
		test.That(t, cd.State(), test.ShouldEqual, card.StateSuspended)
		test.That(t, countOpcode(h.Commands(), host.CmdSleepAwake), test.ShouldEqual, 0)

		before := testutil.ToFloat64(ResumeTotal.WithLabelValues("full"))
		test.That(t, c.Resume(ctx), test.ShouldBeNil)
		test.That(t, testutil.ToFloat64(ResumeTotal.WithLabelValues("full")), test.ShouldEqual, before+1)
		test.That(t, cd.State(), test.ShouldEqual, card.StateOperational)
	})

	t.Run("card gone", func(t *testing.T) {
		cfg := testConfig()
		cfg.ResumeRetries = 2
		c, h, cd := attached(t, caps, fake.NewDefaultCard(), cfg)

		test.That(t, c.Suspend(ctx), test.ShouldBeNil)
		h.InsertCard(nil)
		before := testutil.ToFloat64(ResumeTotal.WithLabelValues("failed"))
		test.That(t, c.Resume(ctx), test.ShouldNotBeNil)
		test.That(t, testutil.ToFloat64(ResumeTotal.WithLabelValues("failed")), test.ShouldEqual, before+1)
		test.That(t, cd.Has(card.FlagSuspended), test.ShouldBeTrue)
	})

	t.Run("runtime resume host", func(t *testing.T) {
		rr := fake.DefaultCapabilities()
		rr.Caps |= host.CapRuntimeResume
		c, _, cd := attached(t, rr, fake.NewDefaultCard(), nil)

		test.That(t, c.Suspend(ctx), test.ShouldBeNil)
		test.That(t, c.Resume(ctx), test.ShouldBeNil)
		test.That(t, cd.Has(card.FlagSuspended), test.ShouldBeTrue)
		test.That(t, c.RuntimeResume(ctx), test.ShouldBeNil)
		test.That(t, cd.State(), test.ShouldEqual, card.StateOperational)
	})
}

func TestRuntimeSuspendBKOPS(t *testing.T) {
	ctx := context.Background()
	caps := fake.DefaultCapabilities()
	caps.Caps |= host.CapAggressivePM
	// Revision 7 cards need background operations started by the host.
	rev7 := func() *fake.Card {
		return cardWithExt(func(raw []byte) { raw[register.ExtCSDRev] = register.ExtCSDRevV5_0 })
	}

	t.Run("deferred until done", func(t *testing.T) {
		c, h, cd := attached(t, caps, rev7(), nil)
		h.Card().SetExtCSDByte(register.ExtCSDBKOPSStatus, register.BKOPSLevel2)

		for i := 0; i < 4; i++ {
			err := c.RuntimeSuspend(ctx)
			test.That(t, errors.Is(err, mmcerr.Busy), test.ShouldBeTrue)
			test.That(t, cd.Has(card.FlagDoingBKOPS), test.ShouldBeTrue)
		}
		test.That(t, switchesTo(h, register.ExtCSDBKOPSStart), test.ShouldHaveLength, 1)
		test.That(t, c.RuntimeSuspend(ctx), test.ShouldBeNil)
		test.That(t, cd.Has(card.FlagDoingBKOPS), test.ShouldBeFalse)
		test.That(t, cd.BKOPS.RetryCounter, test.ShouldEqual, 0)
		test.That(t, cd.State(), test.ShouldEqual, card.StateSleeping)

		test.That(t, c.RuntimeResume(ctx), test.ShouldBeNil)
		test.That(t, cd.State(), test.ShouldEqual, card.StateOperational)
	})

	t.Run("retry limit", func(t *testing.T) {
		cfg := testConfig()
		cfg.BKOPSDeferLimit = 1
		c, h, cd := attached(t, caps, rev7(), cfg)
		h.Card().SetExtCSDByte(register.ExtCSDBKOPSStatus, register.BKOPSLevel2)

		test.That(t, errors.Is(c.RuntimeSuspend(ctx), mmcerr.Busy), test.ShouldBeTrue)
		// The limit is reached; background operations are interrupted through HPI.
		test.That(t, c.RuntimeSuspend(ctx), test.ShouldBeNil)
		test.That(t, cd.Has(card.FlagDoingBKOPS), test.ShouldBeFalse)
		test.That(t, cd.State(), test.ShouldEqual, card.StateSleeping)
	})

	t.Run("not aggressive", func(t *testing.T) {
		c, _, cd := attached(t, fake.DefaultCapabilities(), rev7(), nil)
		test.That(t, c.RuntimeSuspend(ctx), test.ShouldBeNil)
		test.That(t, cd.State(), test.ShouldEqual, card.StateOperational)
	})
}

func TestReset(t *testing.T) {
	ctx := context.Background()

	t.Run("hardware reset", func(t *testing.T) {
		c, h, cd := attached(t, fake.DefaultCapabilities(), fake.NewDefaultCard(), nil)
		test.That(t, c.Reset(ctx), test.ShouldBeNil)
		test.That(t, h.Stats().PowerCycles, test.ShouldEqual, 0)
		test.That(t, cd.State(), test.ShouldEqual, card.StateOperational)
		test.That(t, cd.Negotiated.Timing, test.ShouldEqual, host.TimingHS400)
	})

	t.Run("power cycle without reset line", func(t *testing.T) {
		caps := fake.DefaultCapabilities()
		caps.Caps &^= host.CapHWReset
		c, h, cd := attached(t, caps, fake.NewDefaultCard(), nil)
		test.That(t, c.Reset(ctx), test.ShouldBeNil)
		test.That(t, h.Stats().PowerCycles, test.ShouldEqual, 1)
		test.That(t, cd.State(), test.ShouldEqual, card.StateOperational)
	})

	t.Run("reset line fails", func(t *testing.T) {
		fh := fake.NewHost("test", fake.DefaultCapabilities(), fake.NewDefaultCard())
		ih := &inject.Host{Host: fh}
		var resets int
		ih.HWResetFunc = func(ctx context.Context) error {
			resets++
			return errors.New("reset line stuck")
		}
		c := newTestController(t, ih, nil)
		test.That(t, c.Attach(ctx), test.ShouldBeNil)
		test.That(t, c.Reset(ctx), test.ShouldBeNil)
		test.That(t, resets, test.ShouldEqual, 1)
		test.That(t, fh.Stats().PowerCycles, test.ShouldEqual, 1)
	})

	t.Run("card swapped", func(t *testing.T) {
		c, h, _ := attached(t, fake.DefaultCapabilities(), fake.NewDefaultCard(), nil)
		other := fake.NewDefaultCard()
		other.CID[3] ^= 0xff00
		h.InsertCard(other)
		err := c.Reset(ctx)
		test.That(t, errors.Is(err, mmcerr.CardChanged), test.ShouldBeTrue)
	})
}

func TestShutdown(t *testing.T) {
	ctx := context.Background()
	for _, tc := range []struct {
		kind  card.ShutdownKind
		value uint8
		pon   card.PONType
	}{
		{card.ShutdownReboot, register.PowerOffShort, card.PONShort},
		{card.ShutdownHalt, register.PowerOffLong, card.PONLong},
		{card.ShutdownPowerOff, register.PowerOffLong, card.PONLong},
	} {
		tc := tc
		t.Run(tc.kind.String(), func(t *testing.T) {
			c, h, cd := attached(t, fake.DefaultCapabilities(), fake.NewDefaultCard(), nil)
			test.That(t, cd.Has(card.FlagPONArmed), test.ShouldBeTrue)
			h.ResetLog()

			test.That(t, c.Shutdown(ctx, tc.kind), test.ShouldBeNil)
			test.That(t, h.Switches(), test.ShouldResemble, []fake.Switch{
				{Index: register.ExtCSDPowerOffNotification, Value: tc.value},
			})
			test.That(t, cd.PONType, test.ShouldEqual, tc.pon)
			test.That(t, cd.Has(card.FlagPONArmed), test.ShouldBeFalse)

			// Notification is one-shot.
			h.ResetLog()
			test.That(t, c.Shutdown(ctx, tc.kind), test.ShouldBeNil)
			test.That(t, h.Switches(), test.ShouldBeEmpty)
		})
	}
}

func TestClockScaling(t *testing.T) {
	ctx := context.Background()
	caps := fake.DefaultCapabilities()
	caps.Caps |= host.CapClockScaling | host.CapAggressivePM

	t.Run("change bus speed", func(t *testing.T) {
		c, _, cd := attached(t, caps, fake.NewDefaultCard(), nil)
		active, err := c.ScalingActive(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, active, test.ShouldBeTrue)

		hz, err := c.ChangeBusSpeed(ctx, 50000000)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, hz, test.ShouldEqual, uint32(50000000))
		test.That(t, cd.Negotiated.Timing, test.ShouldEqual, host.TimingHS)

		hz, err = c.ChangeBusSpeed(ctx, 400000000)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, hz, test.ShouldEqual, uint32(register.HS200MaxDTR))
		test.That(t, cd.Negotiated.Timing, test.ShouldEqual, host.TimingHS400)

		maxDTR, err := c.MaxDTR(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, maxDTR, test.ShouldEqual, uint32(register.HS200MaxDTR))
	})

	t.Run("disabled by config", func(t *testing.T) {
		cfg := testConfig()
		cfg.DisableClockScaling = true
		c, _, _ := attached(t, caps, fake.NewDefaultCard(), cfg)
		_, err := c.ChangeBusSpeed(ctx, 50000000)
		test.That(t, errors.Is(err, mmcerr.Busy), test.ShouldBeTrue)
	})

	t.Run("hibernate", func(t *testing.T) {
		c, h, _ := attached(t, caps, fake.NewDefaultCard(), nil)
		_, err := c.ChangeBusSpeed(ctx, 50000000)
		test.That(t, err, test.ShouldBeNil)

		test.That(t, c.PreHibernate(ctx), test.ShouldBeNil)
		maxDTR, err := c.MaxDTR(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, maxDTR, test.ShouldEqual, uint32(register.HS200MaxDTR))

		_, err = c.ChangeBusSpeed(ctx, 50000000)
		test.That(t, errors.Is(err, mmcerr.Busy), test.ShouldBeTrue)
		test.That(t, errors.Is(c.RuntimeSuspend(ctx), mmcerr.Busy), test.ShouldBeTrue)
		active, err := c.ScalingActive(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, active, test.ShouldBeFalse)

		test.That(t, c.PostHibernate(ctx), test.ShouldBeNil)
		active, err = c.ScalingActive(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, active, test.ShouldBeTrue)
		test.That(t, h.Stats().ClockHolds, test.ShouldEqual, h.Stats().ClockReleases)

		test.That(t, c.PostHibernate(ctx), test.ShouldNotBeNil)
	})
}

func TestRetune(t *testing.T) {
	ctx := context.Background()

	t.Run("HS200", func(t *testing.T) {
		dev := cardWithExt(func(raw []byte) {
			raw[register.ExtCSDCardType] = byte(register.CardTypeHS | register.CardTypeHS200_1V8)
		})
		fh := fake.NewHost("test", fake.DefaultCapabilities(), dev)
		ih := &inject.Host{Host: fh}
		var tunings int
		ih.ExecuteTuningFunc = func(ctx context.Context, opcode uint32) error {
			tunings++
			test.That(t, opcode, test.ShouldEqual, host.CmdSendTuningBlockHS200)
			return fh.ExecuteTuning(ctx, opcode)
		}
		c := newTestController(t, ih, nil)
		test.That(t, c.Attach(ctx), test.ShouldBeNil)
		cd, err := c.Card(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, cd.Negotiated.Timing, test.ShouldEqual, host.TimingHS200)
		test.That(t, tunings, test.ShouldEqual, 1)

		test.That(t, c.Retune(ctx), test.ShouldBeNil)
		test.That(t, tunings, test.ShouldEqual, 2)
	})

	t.Run("HS400 through HS200", func(t *testing.T) {
		c, h, cd := attached(t, fake.DefaultCapabilities(), noStrobeCard(), nil)
		before := h.Stats().Tunings
		test.That(t, c.Retune(ctx), test.ShouldBeNil)
		test.That(t, h.Stats().Tunings, test.ShouldBeGreaterThan, before)
		test.That(t, cd.Negotiated.Timing, test.ShouldEqual, host.TimingHS400)
	})

	t.Run("enhanced strobe", func(t *testing.T) {
		c, h, _ := attached(t, fake.DefaultCapabilities(), fake.NewDefaultCard(), nil)
		test.That(t, c.Retune(ctx), test.ShouldBeNil)
		test.That(t, h.Stats().Tunings, test.ShouldEqual, 0)
	})

	t.Run("no card", func(t *testing.T) {
		c := newTestController(t, fake.NewHost("test", fake.DefaultCapabilities(), nil), nil)
		test.That(t, errors.Is(c.Retune(ctx), mmcerr.HostUnsupported), test.ShouldBeTrue)
	})
}

func TestDetectAndRemove(t *testing.T) {
	ctx := context.Background()

	t.Run("alive", func(t *testing.T) {
		c, h, _ := attached(t, fake.DefaultCapabilities(), fake.NewDefaultCard(), nil)
		test.That(t, c.Alive(ctx), test.ShouldBeNil)
		test.That(t, c.Detect(ctx), test.ShouldBeNil)
		cd, err := c.Card(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, cd, test.ShouldNotBeNil)

		h.InsertCard(nil)
		test.That(t, c.Alive(ctx), test.ShouldNotBeNil)
		test.That(t, c.Detect(ctx), test.ShouldBeNil)
		cd, err = c.Card(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, cd, test.ShouldBeNil)
		test.That(t, h.IOS().PowerMode, test.ShouldEqual, host.PowerOff)
	})

	t.Run("suspended card is not probed", func(t *testing.T) {
		c, h, _ := attached(t, fake.DefaultCapabilities(), fake.NewDefaultCard(), nil)
		test.That(t, c.Suspend(ctx), test.ShouldBeNil)
		h.ResetLog()
		test.That(t, c.Detect(ctx), test.ShouldBeNil)
		test.That(t, h.Commands(), test.ShouldBeEmpty)
	})

	t.Run("remove", func(t *testing.T) {
		caps := fake.DefaultCapabilities()
		caps.Caps |= host.CapCMDQ
		c, h, _ := attached(t, caps, fake.NewDefaultCard(), nil)
		test.That(t, c.Remove(ctx), test.ShouldBeNil)
		test.That(t, h.Stats().CMDQEnabled, test.ShouldBeFalse)
		cd, err := c.Card(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, cd, test.ShouldBeNil)
		test.That(t, errors.Is(c.Suspend(ctx), mmcerr.HostUnsupported), test.ShouldBeTrue)

		// The bus can be attached again.
		test.That(t, c.Attach(ctx), test.ShouldBeNil)
	})
}
