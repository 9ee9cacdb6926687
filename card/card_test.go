package card

import (
	"testing"

	"go.viam.com/test"

	"go.viam.com/emmc/register"
)

func TestTransitions(t *testing.T) {
	c := New([4]uint32{1, 2, 3, 4}, 0xff8000)
	test.That(t, c.State(), test.ShouldEqual, StatePoweredOff)
	test.That(t, c.RCA, test.ShouldEqual, RCA)

	err := c.Transition(StateOperational)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "powered off -> operational")

	c.HostPacked = true
	c.ExtCSD.MaxPackedWrites = 8
	for _, s := range []State{StateIdentifying, StateConfiguring, StateOperational} {
		test.That(t, c.Transition(s), test.ShouldBeNil)
	}
	test.That(t, len(c.PackedStats), test.ShouldEqual, 9)

	t.Run("sleeping then partial init", func(t *testing.T) {
		test.That(t, c.Transition(StateSleeping), test.ShouldBeNil)
		test.That(t, c.Has(FlagSleeping|FlagSuspended), test.ShouldBeTrue)
		c.PackedStats[1] = 5
		test.That(t, c.Transition(StateOperational), test.ShouldBeNil)
		test.That(t, c.Has(FlagSuspended), test.ShouldBeFalse)
		test.That(t, c.PackedStats[1], test.ShouldEqual, 5)
	})

	t.Run("suspended needs full init", func(t *testing.T) {
		test.That(t, c.Transition(StateSuspended), test.ShouldBeNil)
		test.That(t, c.Transition(StateOperational), test.ShouldNotBeNil)
		test.That(t, c.Transition(StateIdentifying), test.ShouldBeNil)
	})
}

func TestFlags(t *testing.T) {
	c := New([4]uint32{}, 0)
	c.Set(FlagHPI | FlagCache)
	test.That(t, c.Has(FlagHPI), test.ShouldBeTrue)
	test.That(t, c.Has(FlagHPI|FlagBarrier), test.ShouldBeFalse)
	test.That(t, c.Flags().String(), test.ShouldEqual, "cache|hpi")
	c.Clear(FlagCache)
	test.That(t, c.Flags(), test.ShouldEqual, FlagHPI)
}

func TestShutdownKind(t *testing.T) {
	test.That(t, ShutdownReboot.PONType(), test.ShouldEqual, PONShort)
	test.That(t, ShutdownHalt.PONType(), test.ShouldEqual, PONLong)
	test.That(t, ShutdownPowerOff.PONType(), test.ShouldEqual, PONLong)
	test.That(t, PONLong.NotificationValue(), test.ShouldEqual, register.PowerOffLong)
	test.That(t, PONShort.NotificationValue(), test.ShouldEqual, register.PowerOffShort)
	test.That(t, PONNone.NotificationValue(), test.ShouldEqual, register.NoPowerNotification)
}

func TestEraseSize(t *testing.T) {
	for _, tc := range []struct {
		name      string
		capacity  uint32
		eraseSize uint32
		hcErase   uint32
		groupDef  uint8
		wantErase uint32
		wantPref  uint32
	}{
		{name: "small card", capacity: 64 << 11, eraseSize: 32, wantErase: 32, wantPref: 1024},
		{name: "mid card", capacity: 256 << 11, eraseSize: 32, wantErase: 32, wantPref: 2048},
		{name: "rounded up", capacity: 768 << 11, eraseSize: 3000, wantErase: 3000, wantPref: 6000},
		{name: "large card", capacity: 4096 << 11, eraseSize: 1024, wantErase: 1024, wantPref: 8192},
		{name: "erase unit above preference", capacity: 64 << 11, eraseSize: 4096, wantErase: 4096, wantPref: 4096},
		{name: "no erase unit", capacity: 64 << 11, wantPref: 0},
		{name: "high capacity erase", capacity: 64 << 11, eraseSize: 32, hcErase: 1024, groupDef: 1, wantErase: 1024, wantPref: 1024},
		{name: "high capacity without group def", capacity: 64 << 11, eraseSize: 32, hcErase: 1024, wantErase: 32, wantPref: 1024},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			c := New([4]uint32{}, 0)
			c.CSD.Capacity = tc.capacity
			c.CSD.ReadBlkBits = 9
			c.CSD.EraseSize = tc.eraseSize
			c.ExtCSD.HCEraseSize = tc.hcErase
			c.ExtCSD.EraseGroupDef = tc.groupDef
			c.SetEraseSize()
			test.That(t, c.EraseSize, test.ShouldEqual, tc.wantErase)
			test.That(t, c.PrefErase, test.ShouldEqual, tc.wantPref)
		})
	}
}

func TestAttributes(t *testing.T) {
	c := New([4]uint32{0x15010042, 0x4a544434, 0x5212dead, 0xbeef7310}, 0)
	c.CID = register.CID{
		ManfID: 0x15, OEMID: 0x0100, ProdName: "BJTD4R", PRV: 0x12, HWRev: 0, FWRev: 2,
		Serial: 0xdeadbeef, Month: 7, Year: 2016,
	}
	c.EraseSize = 1024
	c.PrefErase = 1024
	c.ExtCSD = register.ExtCSD{
		Rev:                   register.ExtCSDRevV5_1,
		FWRev:                 [8]byte{0x03, 0, 0, 0, 0, 0, 0, 0x01},
		FFUCapable:            true,
		PreEOLInfo:            1,
		LifeTimeEstA:          2,
		LifeTimeEstB:          1,
		EnhancedAreaOffset:    -1,
		EnhancedAreaSize:      -1,
		RPMBMult:              32,
		EnhancedRPMBSupported: false,
		RelSectors:            1,
	}

	want := map[string]string{
		"cid":                     "150100424a5444345212deadbeef7310",
		"date":                    "07/2016",
		"erase_size":              "524288",
		"preferred_erase_size":    "524288",
		"fwrev":                   "0x0300000000000001",
		"ffu_capable":             "1",
		"hwrev":                   "0x0",
		"manfid":                  "0x000015",
		"name":                    "BJTD4R",
		"oemid":                   "0x0100",
		"prv":                     "0x12",
		"rev":                     "0x8",
		"pre_eol_info":            "01",
		"life_time":               "0x02 0x01",
		"serial":                  "0xdeadbeef",
		"enhanced_area_offset":    "-1",
		"enhanced_area_size":      "-1",
		"raw_rpmb_size_mult":      "0x20",
		"enhanced_rpmb_supported": "0x0",
		"rel_sectors":             "0x1",
	}
	for name, value := range want {
		got, ok := c.Attribute(name)
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, got, test.ShouldEqual, value)
	}
	_, ok := c.Attribute("nope")
	test.That(t, ok, test.ShouldBeFalse)

	c.ExtCSD.Rev = register.ExtCSDRevV4_5
	fwrev, _ := c.Attribute("fwrev")
	test.That(t, fwrev, test.ShouldEqual, "0x2")
}
