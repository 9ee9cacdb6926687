package core

import (
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
)

// Config defaults.
const (
	DefaultDetectInterval  = 2 * time.Second
	DefaultDetectDebounce  = 200 * time.Millisecond
	DefaultResumeRetries   = 3
	DefaultBKOPSDeferLimit = 20
)

// Config is the engine policy for one host.
type Config struct {
	// SPICRC turns on CRC checking when the host talks SPI.
	SPICRC bool `json:"spi_crc,omitempty"`
	// BrokenHPI is the platform's request to never use HPI.
	BrokenHPI bool `json:"broken_hpi,omitempty"`
	// DisableAutoBKOPS leaves automatic background operations off even when the card has them.
	DisableAutoBKOPS bool `json:"disable_auto_bkops,omitempty"`
	// DisableCMDQ keeps the command queue off.
	DisableCMDQ bool `json:"disable_cmdq,omitempty"`
	// DisableClockScaling keeps clock scaling off on hosts that support it.
	DisableClockScaling bool `json:"disable_clock_scaling,omitempty"`
	// ScaleDownDDR52 makes scaling down from HS400 land in DDR52.
	ScaleDownDDR52 bool `json:"scale_down_ddr52,omitempty"`

	// DisableDetect turns off periodic removal checks. Card-detect events are still handled.
	DisableDetect bool `json:"disable_detect,omitempty"`
	// DetectInterval is how often the card is checked for removal.
	DetectInterval time.Duration `json:"detect_interval,omitempty"`
	// DetectDebounce coalesces card-detect events from the host.
	DetectDebounce time.Duration `json:"detect_debounce,omitempty"`

	ResumeRetries   int `json:"resume_retries,omitempty"`
	BKOPSDeferLimit int `json:"bkops_defer_limit,omitempty"`
}

// NewConfig returns a config with every default applied.
func NewConfig() *Config {
	conf := &Config{}
	conf.applyDefaults()
	return conf
}

// ParseConfig decodes a JSON-shaped attribute map into a config. Durations may be given as
// strings such as "500ms".
func ParseConfig(attributes map[string]interface{}) (*Config, error) {
	var conf Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:    "json",
		Result:     &conf,
		DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(attributes); err != nil {
		return nil, errors.Wrap(err, "decoding engine config")
	}
	conf.applyDefaults()
	return &conf, nil
}

func (conf *Config) applyDefaults() {
	if conf.DetectInterval == 0 {
		conf.DetectInterval = DefaultDetectInterval
	}
	if conf.DetectDebounce == 0 {
		conf.DetectDebounce = DefaultDetectDebounce
	}
	if conf.ResumeRetries == 0 {
		conf.ResumeRetries = DefaultResumeRetries
	}
	if conf.BKOPSDeferLimit == 0 {
		conf.BKOPSDeferLimit = DefaultBKOPSDeferLimit
	}
}

// Validate ensures all parts of the config are valid.
func (conf *Config) Validate(path string) ([]string, error) {
	if conf.DetectInterval < 0 {
		return nil, newValidationError(path, "detect_interval", "must not be negative")
	}
	if conf.DetectDebounce < 0 {
		return nil, newValidationError(path, "detect_debounce", "must not be negative")
	}
	if conf.ResumeRetries < 0 {
		return nil, newValidationError(path, "resume_retries", "must not be negative")
	}
	if conf.BKOPSDeferLimit < 0 {
		return nil, newValidationError(path, "bkops_defer_limit", "must not be negative")
	}
	return nil, nil
}

func newValidationError(path, field, msg string) error {
	return errors.Errorf("error validating %q: %q %s", path, field, msg)
}
