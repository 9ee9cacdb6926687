package cli

import (
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"github.com/spf13/cast"

	"go.viam.com/emmc/core"
	"go.viam.com/emmc/host"
	"go.viam.com/emmc/host/fake"
	"go.viam.com/emmc/register"
)

// SimConfig describes one simulated host and the card on its bus.
type SimConfig struct {
	Name string `json:"name"`
	// Caps are host capability names; empty means every mode at 1.8V on an 8-bit bus.
	Caps           []string      `json:"caps"`
	FMin           uint32        `json:"f_min"`
	FMax           uint32        `json:"f_max"`
	FInit          uint32        `json:"f_init"`
	OCRAvail       uint32        `json:"ocr_avail"`
	MaxBusyTimeout time.Duration `json:"max_busy_timeout"`

	Card SimCardConfig `json:"card"`
	// Engine is decoded by core.ParseConfig.
	Engine map[string]interface{} `json:"engine"`
}

// SimCardConfig describes the simulated card.
type SimCardConfig struct {
	ManfID   uint32 `json:"manfid"`
	ProdName string `json:"name"`
	Serial   uint32 `json:"serial"`
	OCR      uint32 `json:"ocr"`
	// ExtCSD overrides bytes of the default EXT_CSD, keyed by index. Both keys and values may be
	// written in hex.
	ExtCSD map[string]interface{} `json:"ext_csd"`

	LosePowerInSleep      bool `json:"lose_power_in_sleep"`
	ResetRegistersInSleep bool `json:"reset_registers_in_sleep"`
	CMDQFails             bool `json:"cmdq_fails"`
}

// DefaultSimConfig is a dual voltage host with every mode and a default card.
func DefaultSimConfig() *SimConfig {
	caps := fake.DefaultCapabilities()
	return &SimConfig{
		Name:     "mmc0",
		Caps:     append(caps.Caps.Names(), host.CapCMDQ.String(), host.CapClockScaling.String()),
		FMin:     caps.FMin,
		FMax:     caps.FMax,
		FInit:    caps.FInit,
		OCRAvail: caps.OCRAvail,
	}
}

// ReadSimConfig loads a JSON simulator config from path over the defaults.
func ReadSimConfig(path string) (*SimConfig, error) {
	//nolint:gosec
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading simulator config")
	}
	var attrs map[string]interface{}
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return nil, errors.Wrapf(err, "parsing simulator config %q", path)
	}
	return ParseSimConfig(attrs)
}

// ParseSimConfig decodes a JSON-shaped attribute map over the defaults.
func ParseSimConfig(attrs map[string]interface{}) (*SimConfig, error) {
	conf := DefaultSimConfig()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           conf,
		WeaklyTypedInput: true,
		ZeroFields:       true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(attrs); err != nil {
		return nil, errors.Wrap(err, "decoding simulator config")
	}
	return conf, nil
}

// Validate ensures all parts of the config are valid.
func (conf *SimConfig) Validate(path string) ([]string, error) {
	if conf.Name == "" {
		return nil, errors.Errorf("error validating %q: %q is required", path, "name")
	}
	if _, err := host.ParseCaps(conf.Caps); err != nil {
		return nil, errors.Wrapf(err, "error validating %q", path)
	}
	if conf.FMin == 0 || conf.FMax < conf.FMin {
		return nil, errors.Errorf("error validating %q: need 0 < f_min <= f_max, got %d and %d",
			path, conf.FMin, conf.FMax)
	}
	if conf.OCRAvail == 0 {
		return nil, errors.Errorf("error validating %q: %q is required", path, "ocr_avail")
	}
	if _, err := conf.Card.overrides(); err != nil {
		return nil, errors.Wrapf(err, "error validating %q", path+".card")
	}
	engine, err := core.ParseConfig(conf.Engine)
	if err != nil {
		return nil, err
	}
	return engine.Validate(path + ".engine")
}

// AddExtCSDOverrides merges INDEX=VALUE pairs into the card's EXT_CSD overrides.
func (conf *SimConfig) AddExtCSDOverrides(pairs []string) error {
	if conf.Card.ExtCSD == nil {
		conf.Card.ExtCSD = map[string]interface{}{}
	}
	for _, pair := range pairs {
		index, value, ok := strings.Cut(pair, "=")
		if !ok {
			return errors.Errorf("EXT_CSD override %q is not INDEX=VALUE", pair)
		}
		conf.Card.ExtCSD[strings.TrimSpace(index)] = strings.TrimSpace(value)
	}
	return nil
}

// Capabilities returns the host capabilities described by the config.
func (conf *SimConfig) Capabilities() (host.Capabilities, error) {
	caps, err := host.ParseCaps(conf.Caps)
	if err != nil {
		return host.Capabilities{}, err
	}
	finit := conf.FInit
	if finit == 0 {
		finit = conf.FMin
	}
	return host.Capabilities{
		Caps:           caps,
		FMin:           conf.FMin,
		FMax:           conf.FMax,
		FInit:          finit,
		OCRAvail:       conf.OCRAvail,
		MaxBusyTimeout: conf.MaxBusyTimeout,
	}, nil
}

// NewHost builds the simulated host and card. name replaces the configured host name when set.
func (conf *SimConfig) NewHost(name string) (*fake.Host, error) {
	caps, err := conf.Capabilities()
	if err != nil {
		return nil, err
	}
	dev, err := conf.Card.newCard()
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = conf.Name
	}
	h := fake.NewHost(name, caps, dev)
	if conf.Card.CMDQFails {
		h.CMDQEnableErr = errors.New("simulated command queue engine fault")
	}
	return h, nil
}

func (conf *SimCardConfig) overrides() (map[int]byte, error) {
	out := make(map[int]byte, len(conf.ExtCSD))
	for key, raw := range conf.ExtCSD {
		index, err := cast.ToIntE(key)
		if err != nil {
			return nil, errors.Wrapf(err, "EXT_CSD index %q", key)
		}
		if index < 0 || index >= register.ExtCSDSize {
			return nil, errors.Errorf("EXT_CSD index %d out of range", index)
		}
		value, err := cast.ToUint8E(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "EXT_CSD[%d] value %v", index, raw)
		}
		out[index] = value
	}
	return out, nil
}

func (conf *SimCardConfig) newCard() (*fake.Card, error) {
	cid := fake.DefaultCID()
	if conf.ManfID != 0 || conf.ProdName != "" || conf.Serial != 0 {
		decoded, err := register.DecodeCID(cid, register.CSDSpecVer4)
		if err != nil {
			return nil, err
		}
		if conf.ManfID != 0 {
			decoded.ManfID = conf.ManfID
		}
		if conf.ProdName != "" {
			decoded.ProdName = conf.ProdName
		}
		if conf.Serial != 0 {
			decoded.Serial = conf.Serial
		}
		if cid, err = register.EncodeCID(decoded, register.CSDSpecVer4); err != nil {
			return nil, err
		}
	}

	ext := fake.DefaultExtCSD()
	overrides, err := conf.overrides()
	if err != nil {
		return nil, err
	}
	for index, value := range overrides {
		ext[index] = value
	}

	ocr := conf.OCR
	if ocr == 0 {
		ocr = fake.DefaultOCR
	}
	dev := fake.NewCard(cid, fake.DefaultCSD(), ocr, ext)
	dev.LosePowerInSleep = conf.LosePowerInSleep
	dev.ResetRegistersInSleep = conf.ResetRegistersInSleep
	return dev, nil
}
