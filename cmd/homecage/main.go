package main

import (
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	"go.uber.org/zap"

	"github.com/gwillem/homecage/pkg/config"
	"github.com/gwillem/homecage/pkg/logging"
)

type Options struct {
	Config string `short:"c" long:"config" description:"Configuration file (default homecage.yaml)"`

	Run     RunCommand     `command:"run" description:"Run the tube controller"`
	Setup   SetupCommand   `command:"setup" description:"Detect serial ports and write the configuration"`
	History HistoryCommand `command:"history" description:"List recorded sessions"`
	Zero    ZeroCommand    `command:"zero" description:"Re-zero the stepper carriage"`
}

var opts Options
var parser = flags.NewParser(&opts, flags.Default)

func main() {
	parser.LongDescription = "homecage - unattended reaching-task controller for one home-cage tube"

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
		}
		os.Exit(1)
	}
}

// loadConfig reads the configuration file. Problems with the file are
// reported but never fatal: the defaults are used instead.
func loadConfig() *config.Config {
	cfg, err := config.LoadConfigFrom(configPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	return cfg
}

func configPath() string {
	if opts.Config == "" {
		return config.DefaultConfigFile
	}
	return opts.Config
}

func newLogger(cfg *config.Config, console bool) (*zap.Logger, error) {
	return logging.New(logging.Options{
		File:       cfg.Log.File,
		Level:      cfg.Log.Level,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Console:    console,
	})
}
