// Package config loads the homecage configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultConfigFile = "homecage.yaml"

// Config holds the settings for one tube.
type Config struct {
	Cage             int    `yaml:"cage"`
	DataDir          string `yaml:"data_dir"`
	ProfilesFile     string `yaml:"profiles"`
	LedgerFile       string `yaml:"ledger"`
	Simulated        bool   `yaml:"simulated"`
	RequireBeamBreak bool   `yaml:"require_beam_break"`

	Log     LogConfig     `yaml:"log"`
	Device  DeviceConfig  `yaml:"device"`
	RFID    RFIDConfig    `yaml:"rfid"`
	Camera  CameraConfig  `yaml:"camera"`
	Session SessionConfig `yaml:"session"`
	Homing  HomingConfig  `yaml:"homing"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LogConfig holds log settings.
type LogConfig struct {
	File       string `yaml:"file"`
	Level      string `yaml:"level"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// DeviceConfig holds the microcontroller serial link settings.
type DeviceConfig struct {
	Port         string        `yaml:"port"`
	BaudRate     int           `yaml:"baud_rate"`
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
	SettleDelay  time.Duration `yaml:"settle_delay"`
	ResetPulse   time.Duration `yaml:"reset_pulse"`
}

// RFIDConfig holds the tag reader settings.
type RFIDConfig struct {
	Port      string `yaml:"port"`
	BaudRate  int    `yaml:"baud_rate"`
	TagLength int    `yaml:"tag_length"`
	// Trailing is the number of checksum bytes between tag and terminator.
	Trailing      int           `yaml:"trailing"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// CameraConfig describes the external capture program.
type CameraConfig struct {
	Command          string        `yaml:"command"`
	Args             []string      `yaml:"args,omitempty"`
	CheckArgs        []string      `yaml:"check_args,omitempty"`
	WorkDir          string        `yaml:"workdir"`
	ReadyMarker      string        `yaml:"ready_marker"`
	DropMarker       string        `yaml:"drop_marker"`
	StartTimeout     time.Duration `yaml:"start_timeout"`
	StopTimeout      time.Duration `yaml:"stop_timeout"`
	RecoveryInterval time.Duration `yaml:"recovery_interval"`
}

// SessionConfig holds session timing.
type SessionConfig struct {
	InterTrialInterval time.Duration `yaml:"inter_trial_interval"`
	StallTimeout       time.Duration `yaml:"stall_timeout"`
	FinalizeTimeout    time.Duration `yaml:"finalize_timeout"`
}

// HomingConfig schedules stepper re-zeroing while idle.
type HomingConfig struct {
	Schedule string `yaml:"schedule"`
}

// MetricsConfig holds the metrics listener address. Empty disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Cage:         1,
		DataDir:      "AnimalSessions",
		ProfilesFile: "profiles.yaml",
		LedgerFile:   "AnimalSessions/ledger.db",
		Log: LogConfig{
			File:       "logs/homecage.log",
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 10,
			MaxAgeDays: 90,
		},
		Device: DeviceConfig{
			Port:         "/dev/ttyACM0",
			BaudRate:     9600,
			ReadyTimeout: 10 * time.Second,
			SettleDelay:  50 * time.Millisecond,
			ResetPulse:   100 * time.Millisecond,
		},
		RFID: RFIDConfig{
			Port:          "/dev/ttyUSB0",
			BaudRate:      9600,
			TagLength:     12,
			Trailing:      1,
			RetryInterval: time.Second,
		},
		Camera: CameraConfig{
			Command:          "./SessionVideo",
			CheckArgs:        []string{"--check"},
			WorkDir:          ".",
			ReadyMarker:      "Acquiring images",
			DropMarker:       "Image incomplete",
			StartTimeout:     15 * time.Second,
			StopTimeout:      10 * time.Second,
			RecoveryInterval: time.Minute,
		},
		Session: SessionConfig{
			InterTrialInterval: 10 * time.Second,
			StallTimeout:       30 * time.Minute,
			FinalizeTimeout:    30 * time.Second,
		},
		Homing: HomingConfig{
			Schedule: "0 3 * * *",
		},
	}
}

// LoadConfigFrom loads configuration from path. It always returns a usable
// config: when the file is missing or corrupt the defaults are returned
// together with an error describing why.
func LoadConfigFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Default(), fmt.Errorf("read config, using defaults: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return Default(), fmt.Errorf("parse config %s, using defaults: %w", path, err)
	}
	if fixed := cfg.normalize(); len(fixed) > 0 {
		return cfg, fmt.Errorf("config %s: invalid values replaced by defaults: %v", path, fixed)
	}
	return cfg, nil
}

// normalize replaces invalid values with defaults and returns the names of
// the fields it replaced.
func (c *Config) normalize() []string {
	def := Default()
	var fixed []string
	fix := func(name string, bad bool, apply func()) {
		if bad {
			apply()
			fixed = append(fixed, name)
		}
	}

	fix("cage", c.Cage < 1, func() { c.Cage = def.Cage })
	fix("data_dir", c.DataDir == "", func() { c.DataDir = def.DataDir })
	fix("ledger", c.LedgerFile == "", func() { c.LedgerFile = def.LedgerFile })
	fix("device.baud_rate", c.Device.BaudRate <= 0, func() { c.Device.BaudRate = def.Device.BaudRate })
	fix("device.ready_timeout", c.Device.ReadyTimeout <= 0, func() { c.Device.ReadyTimeout = def.Device.ReadyTimeout })
	fix("device.settle_delay", c.Device.SettleDelay < 0, func() { c.Device.SettleDelay = def.Device.SettleDelay })
	fix("device.reset_pulse", c.Device.ResetPulse <= 0, func() { c.Device.ResetPulse = def.Device.ResetPulse })
	fix("rfid.baud_rate", c.RFID.BaudRate <= 0, func() { c.RFID.BaudRate = def.RFID.BaudRate })
	fix("rfid.tag_length", c.RFID.TagLength <= 0, func() { c.RFID.TagLength = def.RFID.TagLength })
	fix("rfid.trailing", c.RFID.Trailing < 0, func() { c.RFID.Trailing = def.RFID.Trailing })
	fix("rfid.retry_interval", c.RFID.RetryInterval <= 0, func() { c.RFID.RetryInterval = def.RFID.RetryInterval })
	fix("camera.command", c.Camera.Command == "", func() { c.Camera.Command = def.Camera.Command })
	fix("camera.start_timeout", c.Camera.StartTimeout <= 0, func() { c.Camera.StartTimeout = def.Camera.StartTimeout })
	fix("camera.stop_timeout", c.Camera.StopTimeout <= 0, func() { c.Camera.StopTimeout = def.Camera.StopTimeout })
	fix("camera.recovery_interval", c.Camera.RecoveryInterval <= 0, func() { c.Camera.RecoveryInterval = def.Camera.RecoveryInterval })
	fix("session.inter_trial_interval", c.Session.InterTrialInterval <= 0, func() { c.Session.InterTrialInterval = def.Session.InterTrialInterval })
	fix("session.stall_timeout", c.Session.StallTimeout <= 0, func() { c.Session.StallTimeout = def.Session.StallTimeout })
	fix("session.finalize_timeout", c.Session.FinalizeTimeout <= 0, func() { c.Session.FinalizeTimeout = def.Session.FinalizeTimeout })
	return fixed
}

// SaveTo saves configuration to a specific file
func (c *Config) SaveTo(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Exists returns true if a config file exists at path
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
