package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/gwillem/homecage/pkg/config"
	"github.com/gwillem/homecage/pkg/device"
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	subHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	successStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

const handshakeTimeout = 3 * time.Second

type SetupCommand struct{}

func (c *SetupCommand) Execute(args []string) error {
	fmt.Println(headerStyle.Render("homecage setup"))
	fmt.Println(dimStyle.Render("━━━━━━━━━━━━━━"))
	fmt.Println()

	path := configPath()

	// Start from the existing file so hand-edited settings survive.
	cfg, err := config.LoadConfigFrom(path)
	if config.Exists(path) {
		fmt.Printf("Updating %s\n", path)
		if err != nil {
			fmt.Println(dimStyle.Render(err.Error()))
		}
	}

	ports := listPorts()
	if len(ports) == 0 {
		fmt.Println("No serial ports found.")
		fmt.Println("Make sure the tube controller and tag reader are plugged in.")
		return nil
	}

	fmt.Println("Looking for the tube controller...")
	ready := findControllers(ports, cfg)
	fmt.Println()

	devicePort := cfg.Device.Port
	rfidPort := cfg.RFID.Port
	cage := strconv.Itoa(cfg.Cage)
	command := cfg.Camera.Command

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Tube controller port").
				Description("Ports marked READY answered the boot handshake").
				Options(portOptions(ports, ready)...).
				Value(&devicePort),
			huh.NewSelect[string]().
				Title("Tag reader port").
				Options(portOptions(ports, nil)...).
				Value(&rfidPort),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Cage number").
				Value(&cage).
				Validate(func(s string) error {
					if n, err := strconv.Atoi(s); err != nil || n < 1 {
						return fmt.Errorf("enter a positive number")
					}
					return nil
				}),
			huh.NewInput().
				Title("Capture program").
				Description("Started with the video path as its last argument").
				Value(&command),
		),
	)
	if err := form.Run(); err != nil {
		fmt.Println()
		return nil
	}

	if devicePort == rfidPort {
		return fmt.Errorf("tube controller and tag reader cannot share %s", devicePort)
	}

	cfg.Device.Port = devicePort
	cfg.RFID.Port = rfidPort
	cfg.Cage, _ = strconv.Atoi(cage)
	cfg.Camera.Command = strings.TrimSpace(command)

	if err := cfg.SaveTo(path); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	fmt.Println(dimStyle.Render("━━━━━━━━━━━━━━━━━━━━━"))
	fmt.Println(successStyle.Render("Setup complete!"))
	fmt.Printf("  Controller: %s\n", cfg.Device.Port)
	fmt.Printf("  Tag reader: %s\n", cfg.RFID.Port)
	fmt.Printf("  Cage:       %d\n", cfg.Cage)
	fmt.Printf("Configuration saved to %s\n", path)
	fmt.Println()
	fmt.Println("Start the tube with: " + headerStyle.Render("homecage run"))
	return nil
}

func listPorts() []string {
	ports, err := serial.GetPortsList()
	if err != nil {
		fmt.Printf("Error listing ports: %v\n", err)
		return nil
	}
	var out []string
	for _, p := range ports {
		// Skip Bluetooth ports on macOS
		if strings.Contains(p, "Bluetooth") {
			continue
		}
		out = append(out, p)
	}
	return out
}

// findControllers opens each port and waits briefly for the boot handshake.
// Opening the port resets the board, so this is only safe while no session
// is running.
func findControllers(ports []string, cfg *config.Config) map[string]bool {
	ready := make(map[string]bool)
	for _, p := range ports {
		dc := deviceConfig(cfg)
		dc.Port = p
		dc.ReadyTimeout = handshakeTimeout

		ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout+time.Second)
		link, err := device.Open(ctx, dc, zap.NewNop())
		cancel()
		if err != nil {
			continue
		}
		link.Close()
		ready[p] = true
		fmt.Printf("  Found tube controller on %s\n", p)
	}
	if len(ready) == 0 {
		fmt.Println(dimStyle.Render("  No port answered READY."))
	}
	return ready
}

func portOptions(ports []string, ready map[string]bool) []huh.Option[string] {
	options := make([]huh.Option[string], 0, len(ports))
	for _, p := range ports {
		label := p
		if ready[p] {
			label += " (READY)"
		}
		options = append(options, huh.NewOption(label, p))
	}
	return options
}
