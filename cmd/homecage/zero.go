package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/gwillem/homecage/pkg/device"
)

// ZeroCommand re-homes the stepper carriage. Opening the port reboots the
// board, which lowers both arms before the explicit zero is sent.
type ZeroCommand struct{}

func (c *ZeroCommand) Execute(args []string) error {
	cfg := loadConfig()

	log, err := newLogger(cfg, true)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	link, err := device.Open(ctx, deviceConfig(cfg), log)
	if err != nil {
		return fmt.Errorf("connect to device: %w", err)
	}
	defer link.Close()

	if err := link.Send(ctx, device.Zero()); err != nil {
		return fmt.Errorf("zero stepper: %w", err)
	}

	fmt.Println(successStyle.Render("Stepper zeroed."))
	fmt.Println(dimStyle.Render(link.State().String()))
	return nil
}
