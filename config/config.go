// Copyright 2016 by Thorsten von Eicken, see LICENSE file

// Package config holds the settings of the pertest command, loaded from a YAML file on top of
// built-in defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/tve/pertest/pert"
	"github.com/tve/pertest/sx1276"
)

// Config is the complete configuration.
type Config struct {
	Radio RadioConfig `yaml:"radio"`
	Test  TestConfig  `yaml:"test"`
	MQTT  MQTTConfig  `yaml:"mqtt"`
	Log   LogConfig   `yaml:"log"`
}

// RadioConfig selects and sets up the radio hardware.
type RadioConfig struct {
	SPI       string   `yaml:"spi"`        // SPI port name for spireg, empty for the first one
	IntrPin   string   `yaml:"intr_pin"`   // GPIO connected to DIO0
	CSMuxPin  string   `yaml:"cs_mux_pin"` // optional GPIO driving a chip select demux
	CSMux     int      `yaml:"cs_mux"`     // demux output of the radio, 0 or 1
	SpeedHz   int64    `yaml:"speed_hz"`   // SPI clock
	Freq      uint32   `yaml:"freq"`       // center frequency in Hz, Khz, or Mhz
	Config    string   `yaml:"config"`     // entry of sx1276.Configs
	Power     int      `yaml:"power"`      // output power in dBm
	Sync      string   `yaml:"sync"`       // sync byte, e.g. "0x12"
	TxTimeout Duration `yaml:"tx_timeout"`
	Realtime  bool     `yaml:"realtime"` // run the dispatcher on a realtime thread
	Priority  int      `yaml:"priority"` // realtime priority
	Button    string   `yaml:"button"`   // optional GPIO with a push button starting a run
}

// TestConfig holds the protocol timing and the run started by the local trigger.
type TestConfig struct {
	Kind       string   `yaml:"kind"`  // "throughput" or "signal"
	Count      int      `yaml:"count"` // packets per run
	Throughput Duration `yaml:"throughput_window"`
	Signal     Duration `yaml:"signal_window"`
	Debounce   Duration `yaml:"debounce"` // minimum time between two button presses
}

// MQTTConfig sets up report publishing and remote start.
type MQTTConfig struct {
	Broker   string `yaml:"broker"` // e.g. "tcp://localhost:1883", empty disables MQTT
	Prefix   string `yaml:"prefix"` // topic prefix
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	QoS      byte   `yaml:"qos"`
}

// LogConfig controls logging output, the rotation settings apply when File is set.
type LogConfig struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	File       string `yaml:"file"`        // log file path (optional)
	MaxSize    int    `yaml:"max_size"`    // megabytes
	MaxBackups int    `yaml:"max_backups"` // number of old log files to keep
	MaxAge     int    `yaml:"max_age"`     // days
}

// Duration wraps time.Duration for YAML unmarshaling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the time.Duration value
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// Default returns the stock test settings: 920Mhz at 14dBm, 500Khz
// bandwidth with SF7 and 4/5 coding, 100ms windows, and a signal run of 100 packets.
func Default() *Config {
	return &Config{
		Radio: RadioConfig{
			IntrPin:   "GPIO25",
			CSMux:     0,
			SpeedHz:   4000000,
			Freq:      920000000,
			Config:    "bw500cr45sf128",
			Power:     14,
			Sync:      "0x12",
			TxTimeout: Duration(2 * time.Second),
			Priority:  10,
		},
		Test: TestConfig{
			Kind:       pert.Signal.String(),
			Count:      100,
			Throughput: Duration(pert.DefaultTimeouts.Throughput),
			Signal:     Duration(pert.DefaultTimeouts.Signal),
			Debounce:   Duration(300 * time.Millisecond),
		},
		MQTT: MQTTConfig{
			Prefix: "pertest",
			QoS:    1,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config")
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config %s", path)
	}
	return cfg, nil
}

// Validate reports every problem of the configuration in one error.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, v ...interface{}) { problems = append(problems, fmt.Sprintf(format, v...)) }

	if _, err := pert.ParseTest(c.Test.Kind); err != nil {
		add("test.kind: unknown test %q", c.Test.Kind)
	}
	if c.Test.Count < 1 || c.Test.Count > pert.MaxCount {
		add("test.count: %d outside 1..%d", c.Test.Count, pert.MaxCount)
	}
	if c.Test.Throughput <= 0 {
		add("test.throughput_window: must be positive")
	}
	if c.Test.Signal <= 0 {
		add("test.signal_window: must be positive")
	}
	if _, ok := sx1276.Configs[c.Radio.Config]; !ok {
		add("radio.config: unknown modem config %q", c.Radio.Config)
	}
	if _, err := c.Radio.SyncByte(); err != nil {
		add("radio.sync: %s", err)
	}
	if c.Radio.Power < 2 || c.Radio.Power > 20 {
		add("radio.power: %ddBm outside 2..20", c.Radio.Power)
	}
	if c.Radio.CSMux != 0 && c.Radio.CSMux != 1 {
		add("radio.cs_mux: must be 0 or 1, not %d", c.Radio.CSMux)
	}
	if c.Radio.TxTimeout <= 0 {
		add("radio.tx_timeout: must be positive")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("log.level: unknown level %q", c.Log.Level)
	}
	if c.MQTT.QoS > 2 {
		add("mqtt.qos: %d outside 0..2", c.MQTT.QoS)
	}

	if len(problems) > 0 {
		return errors.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Marshal returns the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	return data, errors.Wrap(err, "marshaling config")
}

// SyncByte parses the sync setting, decimal or 0x-prefixed hex.
func (r *RadioConfig) SyncByte() (byte, error) {
	v, err := strconv.ParseUint(r.Sync, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("bad sync byte %q", r.Sync)
	}
	return byte(v), nil
}

// Timeouts returns the listening windows of the machine.
func (t *TestConfig) Timeouts() pert.Timeouts {
	return pert.Timeouts{Throughput: t.Throughput.Duration(), Signal: t.Signal.Duration()}
}
