package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gwillem/homecage/pkg/camera"
	"github.com/gwillem/homecage/pkg/config"
	"github.com/gwillem/homecage/pkg/device"
	"github.com/gwillem/homecage/pkg/ledger"
	"github.com/gwillem/homecage/pkg/metrics"
	"github.com/gwillem/homecage/pkg/profile"
	"github.com/gwillem/homecage/pkg/recorder"
	"github.com/gwillem/homecage/pkg/rfid"
	"github.com/gwillem/homecage/pkg/session"
)

type RunCommand struct {
	TUI      bool `long:"tui" description:"Show the live monitor instead of console logs"`
	Simulate bool `long:"simulate" description:"Run against the simulated device; tags and beam events come from stdin or the monitor keys"`
}

func deviceConfig(cfg *config.Config) device.Config {
	return device.Config{
		Port:         cfg.Device.Port,
		BaudRate:     cfg.Device.BaudRate,
		ReadyTimeout: cfg.Device.ReadyTimeout,
		SettleDelay:  cfg.Device.SettleDelay,
		ResetPulse:   cfg.Device.ResetPulse,
	}
}

func (c *RunCommand) Execute(args []string) error {
	cfg := loadConfig()

	log, err := newLogger(cfg, !c.TUI)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	profiles, err := profile.Load(cfg.ProfilesFile, log)
	if err != nil {
		return fmt.Errorf("load profiles: %w", err)
	}

	store, err := ledger.Open(cfg.LedgerFile)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer store.Close()

	rec, err := recorder.New(cfg.DataDir, log)
	if err != nil {
		return err
	}

	m := metrics.New(cfg.Cage)

	cam := camera.NewSupervisor(camera.Config{
		Command:      cfg.Camera.Command,
		Args:         cfg.Camera.Args,
		CheckArgs:    cfg.Camera.CheckArgs,
		WorkDir:      cfg.Camera.WorkDir,
		ReadyMarker:  cfg.Camera.ReadyMarker,
		DropMarker:   cfg.Camera.DropMarker,
		StartTimeout: cfg.Camera.StartTimeout,
		StopTimeout:  cfg.Camera.StopTimeout,
	}, log)
	cam.OnFrameDrop(m.FrameDrops.Inc)

	var (
		link   *device.Link
		sim    *device.Simulator
		tags   <-chan string
		reader *rfid.Reader
	)
	simulated := cfg.Simulated
	if c.Simulate {
		simulated = true
		sim = device.NewSimulator(device.SimOptions{})
		link = device.New(sim, deviceConfig(cfg), log)
		readyCtx, cancel := context.WithTimeout(ctx, cfg.Device.ReadyTimeout)
		err = link.WaitReady(readyCtx)
		cancel()
	} else {
		link, err = device.Open(ctx, deviceConfig(cfg), log)
	}
	if err != nil {
		return fmt.Errorf("connect to device: %w", err)
	}
	defer link.Close()

	if !c.Simulate {
		reader = rfid.Open(rfid.Config{
			Port:          cfg.RFID.Port,
			BaudRate:      cfg.RFID.BaudRate,
			TagLength:     cfg.RFID.TagLength,
			Trailing:      cfg.RFID.Trailing,
			RetryInterval: cfg.RFID.RetryInterval,
		}, log)
		defer reader.Close()
		tags = reader.Tags()
	}

	var simTags chan string
	if c.Simulate {
		simTags = make(chan string, 1)
		tags = simTags
	}

	sopts := session.Options{
		Device:   link,
		Camera:   cam,
		Profiles: profiles,
		Ledger:   store,
		Recorder: rec,
		Metrics:  m,
		Log:      log,
	}
	if reader != nil {
		sopts.RFID = reader
	}
	mgr, err := session.NewManager(session.Config{
		Cage:               cfg.Cage,
		Simulated:          simulated,
		RequireBeamBreak:   cfg.RequireBeamBreak,
		InterTrialInterval: cfg.Session.InterTrialInterval,
		StallTimeout:       cfg.Session.StallTimeout,
		FinalizeTimeout:    cfg.Session.FinalizeTimeout,
		RecoveryInterval:   cfg.Camera.RecoveryInterval,
		HomingSchedule:     cfg.Homing.Schedule,
	}, sopts)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return mgr.Run(gctx, tags) })
	// Only the control loop may end the process; the others log and degrade.
	g.Go(func() error {
		profiles.Watch(gctx)
		return nil
	})
	g.Go(func() error { return m.Serve(gctx, cfg.Metrics.Listen, log) })
	if reader != nil {
		g.Go(func() error {
			reader.Run(gctx)
			return nil
		})
	}

	log.Info("controller running",
		zap.Int("cage", cfg.Cage),
		zap.Bool("simulated", simulated),
		zap.Int("animals", len(profiles.All())))

	if c.TUI {
		var ctrl *simControl
		if sim != nil {
			ctrl = &simControl{sim: sim, tags: simTags, profiles: profiles}
		}
		p := tea.NewProgram(newMonitorModel(mgr, cfg.Cage, ctrl), tea.WithAltScreen())
		if _, err := p.Run(); err != nil {
			log.Error("monitor failed", zap.Error(err))
		}
		cancel()
	} else if sim != nil {
		go feedSimulator(gctx, os.Stdin, sim, simTags, log)
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// simControl lets the monitor drive the simulated tube.
type simControl struct {
	sim      *device.Simulator
	tags     chan<- string
	profiles *profile.Registry
}

// tag injects the tag of the n-th profile.
func (s *simControl) tag(n int) (string, bool) {
	all := s.profiles.All()
	if n < 0 || n >= len(all) {
		return "", false
	}
	select {
	case s.tags <- all[n].Tag:
	default:
	}
	return all[n].Tag, true
}

// feedSimulator reads commands for the simulated tube: "enter", "exit", or
// anything else as a tag.
func feedSimulator(ctx context.Context, r io.Reader, sim *device.Simulator, tags chan<- string, log *zap.Logger) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch strings.ToLower(line) {
		case "":
			continue
		case "enter":
			sim.Enter()
		case "exit":
			sim.Exit()
		default:
			select {
			case tags <- strings.ToUpper(line):
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
				log.Warn("controller busy, tag dropped", zap.String("tag", line))
			}
		}
	}
}
