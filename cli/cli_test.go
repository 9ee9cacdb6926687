package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"go.viam.com/test"

	"go.viam.com/emmc/host"
	"go.viam.com/emmc/register"
)

func runApp(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	color.NoColor = true
	var out, errOut bytes.Buffer
	err := NewApp(&out, &errOut).Run(append([]string{"emmcsim"}, args...))
	return out.String(), errOut.String(), err
}

func TestParseSimConfig(t *testing.T) {
	conf, err := ParseSimConfig(map[string]interface{}{
		"name":             "mmc1",
		"caps":             []interface{}{"hs26", "4bit"},
		"f_max":            52000000,
		"ocr_avail":        "0x300000",
		"max_busy_timeout": "3s",
		"card": map[string]interface{}{
			"name":    "MMC16G",
			"manfid":  register.ManfIDKingston,
			"ext_csd": map[string]interface{}{"192": 5, "0xc4": "0x07"},
		},
		"engine": map[string]interface{}{"disable_cmdq": true},
	})
	test.That(t, err, test.ShouldBeNil)
	_, err = conf.Validate("sim")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, conf.Name, test.ShouldEqual, "mmc1")
	test.That(t, conf.OCRAvail, test.ShouldEqual, host.VDD32_33|host.VDD33_34)
	test.That(t, conf.MaxBusyTimeout, test.ShouldEqual, 3*time.Second)
	// Unset fields keep their defaults.
	test.That(t, conf.FMin, test.ShouldEqual, uint32(400000))

	caps, err := conf.Capabilities()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, caps.Caps, test.ShouldEqual, host.CapHS26|host.Cap4BitData)
	test.That(t, caps.FInit, test.ShouldEqual, uint32(400000))

	h, err := conf.NewHost("")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, h.Name(), test.ShouldEqual, "mmc1")
	ext := h.Card().ExtCSD()
	test.That(t, ext[register.ExtCSDRev], test.ShouldEqual, byte(5))
	test.That(t, ext[register.ExtCSDCardType], test.ShouldEqual, byte(7))
	cid, err := register.DecodeCID(h.Card().CID, register.CSDSpecVer4)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cid.ProdName, test.ShouldEqual, "MMC16G")
	test.That(t, cid.ManfID, test.ShouldEqual, uint32(register.ManfIDKingston))
}

func TestSimConfigValidate(t *testing.T) {
	conf := DefaultSimConfig()
	_, err := conf.Validate("sim")
	test.That(t, err, test.ShouldBeNil)

	conf.Caps = []string{"warp_speed"}
	_, err = conf.Validate("sim")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "warp_speed")

	conf = DefaultSimConfig()
	test.That(t, conf.AddExtCSDOverrides([]string{"600=1"}), test.ShouldBeNil)
	_, err = conf.Validate("sim")
	test.That(t, err, test.ShouldNotBeNil)

	conf = DefaultSimConfig()
	test.That(t, conf.AddExtCSDOverrides([]string{"196"}), test.ShouldNotBeNil)

	conf = DefaultSimConfig()
	conf.Engine = map[string]interface{}{"resume_retries": -1}
	_, err = conf.Validate("sim")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "sim.engine")
}

func TestParseFrequency(t *testing.T) {
	hz, err := parseFrequency("52MHz")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, hz, test.ShouldEqual, uint32(52000000))
	_, err = parseFrequency("fast")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestAttachCommand(t *testing.T) {
	out, _, err := runApp(t, "attach")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "HS400")
	test.That(t, out, test.ShouldContainSubstring, "BJTD4R")
	test.That(t, out, test.ShouldContainSubstring, "boot0")

	out, _, err = runApp(t, "--caps", "hs26", "--caps", "4bit", "attach")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "HS")
	test.That(t, out, test.ShouldNotContainSubstring, "HS400")
	test.That(t, out, test.ShouldContainSubstring, "4 bit")
}

func TestTraceFlag(t *testing.T) {
	_, errOut, err := runApp(t, "--trace", "mmc0", "--caps", "hs26", "--caps", "4bit", "attach")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, errOut, test.ShouldContainSubstring, "bus width selected")

	_, errOut, err = runApp(t, "--trace", "mmc7", "--caps", "hs26", "--caps", "4bit", "attach")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, errOut, test.ShouldNotContainSubstring, "bus width selected")
}

func TestLogLevelFlag(t *testing.T) {
	_, errOut, err := runApp(t, "--log-level", "mmc0=debug", "--caps", "hs26", "--caps", "4bit", "attach")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, errOut, test.ShouldContainSubstring, "bus width selected")

	_, _, err = runApp(t, "--log-level", "mmc0", "attach")
	test.That(t, err, test.ShouldNotBeNil)
	_, _, err = runApp(t, "--log-level", "mmc0=loud", "attach")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestAttachCommandConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sim.json")
	test.That(t, os.WriteFile(path, []byte(`{
		"name": "mmcblk9",
		"card": {"ext_csd": {"184": 0}},
		"engine": {"disable_clock_scaling": true}
	}`), 0o600), test.ShouldBeNil)

	out, _, err := runApp(t, "--config", path, "attach")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "mmcblk9")
	test.That(t, out, test.ShouldContainSubstring, "HS400")

	_, _, err = runApp(t, "--config", filepath.Join(t.TempDir(), "missing.json"), "attach")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestCycleCommand(t *testing.T) {
	out, _, err := runApp(t, "cycle", "--count", "2")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, strings.Count(out, "ok"), test.ShouldBeGreaterThanOrEqualTo, 4)
	test.That(t, out, test.ShouldContainSubstring, "resume #2")
	test.That(t, out, test.ShouldNotContainSubstring, "FAILED")
}

func TestScaleCommand(t *testing.T) {
	out, _, err := runApp(t, "scale", "--freq", "50MHz", "--freq", "200MHz")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "50MHz")
	test.That(t, out, test.ShouldContainSubstring, "HS400")

	_, _, err = runApp(t, "scale", "--freq", "fast")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestShutdownCommand(t *testing.T) {
	out, _, err := runApp(t, "shutdown", "--kind", "reboot")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "SWITCH EXT_CSD[34] = 0x2")

	_, _, err = runApp(t, "shutdown", "--kind", "nap")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestSimulateCommand(t *testing.T) {
	out, _, err := runApp(t, "simulate", "--hosts", "3")
	test.That(t, err, test.ShouldBeNil)
	for _, name := range []string{"mmc0-0", "mmc0-1", "mmc0-2"} {
		test.That(t, out, test.ShouldContainSubstring, name)
	}
	test.That(t, out, test.ShouldContainSubstring, "lifecycle time over 3 hosts")

	out, _, err = runApp(t, "--ext-csd", "192=7", "simulate", "--hosts", "2")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "mmc0-1")
}

func TestLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "emmcsim.log")
	_, _, err := runApp(t, "--log-file", path, "--log-level", "mmc0=debug", "attach")
	test.That(t, err, test.ShouldBeNil)

	//nolint:gosec
	contents, err := os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(contents), test.ShouldContainSubstring, "mmc0")
}

func TestSchemaCommand(t *testing.T) {
	out, _, err := runApp(t, "schema")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "ocr_avail")
	test.That(t, out, test.ShouldContainSubstring, "lose_power_in_sleep")
}
