// Package camera supervises the external capture program that records each
// session. Frames are clocked by the camera's hardware trigger line; the host
// only starts the program and asks it to stop.
package camera

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// SentinelName is the file whose existence makes the capture loop exit.
const SentinelName = "KILL"

var ErrAlreadyRecording = errors.New("camera already recording")

// InitError reports that the capture program did not come up.
type InitError struct {
	Reason string
	Err    error
}

func (e *InitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("camera init failed: %s: %v", e.Reason, e.Err)
	}
	return "camera init failed: " + e.Reason
}

func (e *InitError) Unwrap() error { return e.Err }

// Config describes the capture program.
type Config struct {
	Command      string
	Args         []string
	CheckArgs    []string
	WorkDir      string
	ReadyMarker  string
	DropMarker   string
	StartTimeout time.Duration
	StopTimeout  time.Duration
}

// Handle is one running capture process.
type Handle struct {
	PID          int
	TriggerArmed bool
	SentinelPath string
	OutputPath   string
	Started      time.Time

	cmd   *exec.Cmd
	stdin io.WriteCloser
	done  chan struct{}
	err   error
}

// Supervisor owns at most one capture process at a time.
type Supervisor struct {
	cfg Config
	log *zap.Logger

	mu      sync.Mutex
	handle  *Handle
	healthy bool
	lastErr error

	drops  atomic.Int64
	onDrop func()
}

// NewSupervisor returns a supervisor for the configured capture program.
func NewSupervisor(cfg Config, log *zap.Logger) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = "."
	}
	return &Supervisor{
		cfg:     cfg,
		log:     log.Named("camera"),
		healthy: true,
	}
}

// OnFrameDrop registers a callback run for every incomplete frame the
// capture program reports.
func (s *Supervisor) OnFrameDrop(fn func()) {
	s.onDrop = fn
}

// Healthy reports whether the last start or check succeeded.
func (s *Supervisor) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}

// FrameDrops returns the number of incomplete frames reported so far.
func (s *Supervisor) FrameDrops() int64 {
	return s.drops.Load()
}

// Handle returns the running capture process, or nil.
func (s *Supervisor) Handle() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

func (s *Supervisor) sentinelPath() string {
	return filepath.Join(s.cfg.WorkDir, SentinelName)
}

// Start launches the capture program writing to path and waits until it
// reports that acquisition has begun.
func (s *Supervisor) Start(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle != nil {
		return ErrAlreadyRecording
	}

	// A sentinel left from a previous run would stop the new process at once.
	if err := os.Remove(s.sentinelPath()); err != nil && !os.IsNotExist(err) {
		return s.failInit("remove stale sentinel", err)
	}

	// The program runs in WorkDir; a relative path would land there.
	path, err := filepath.Abs(path)
	if err != nil {
		return s.failInit("resolve output path", err)
	}

	args := append(append([]string(nil), s.cfg.Args...), path)
	cmd := exec.Command(s.cfg.Command, args...)
	cmd.Dir = s.cfg.WorkDir
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return s.failInit("stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return s.failInit("stdout pipe", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return s.failInit("start capture program", err)
	}

	h := &Handle{
		PID:          cmd.Process.Pid,
		SentinelPath: s.sentinelPath(),
		OutputPath:   path,
		Started:      time.Now(),
		cmd:          cmd,
		stdin:        stdin,
		done:         make(chan struct{}),
	}

	ready := make(chan struct{})
	go func() {
		// Wait closes stdout, so it may only run once every line is read.
		s.scan(stdout, ready)
		h.err = cmd.Wait()
		close(h.done)
	}()

	timer := time.NewTimer(s.cfg.StartTimeout)
	defer timer.Stop()

	started := func() error {
		h.TriggerArmed = true
		s.handle = h
		s.healthy = true
		s.lastErr = nil
		s.log.Info("recording started", zap.Int("pid", h.PID), zap.String("output", path))
		return nil
	}

	select {
	case <-ready:
		return started()
	case <-h.done:
		// done follows the last output line, so a ready marker is already seen.
		select {
		case <-ready:
			return started()
		default:
		}
		return s.failInit("capture program exited before acquiring", h.err)
	case <-timer.C:
		s.kill(h)
		return s.failInit("no acquisition within "+s.cfg.StartTimeout.String(), nil)
	case <-ctx.Done():
		s.kill(h)
		return s.failInit("start cancelled", ctx.Err())
	}
}

func (s *Supervisor) failInit(reason string, err error) error {
	initErr := &InitError{Reason: reason, Err: err}
	s.healthy = false
	s.lastErr = initErr
	s.log.Error("camera init failed", zap.String("reason", reason), zap.Error(err))
	return initErr
}

// scan follows the capture program's output for the ready and frame drop
// markers.
func (s *Supervisor) scan(stdout io.Reader, ready chan struct{}) {
	var once sync.Once
	sc := bufio.NewScanner(stdout)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case s.cfg.ReadyMarker != "" && strings.Contains(line, s.cfg.ReadyMarker):
			once.Do(func() { close(ready) })
		case s.cfg.DropMarker != "" && strings.Contains(line, s.cfg.DropMarker):
			s.log.Warn("camera frame dropped", zap.String("line", line))
			if s.onDrop != nil {
				s.onDrop()
			}
			s.drops.Add(1)
		default:
			s.log.Debug("capture output", zap.String("line", line))
		}
	}
}

// Stop ends the recording. It sends the in-band stop line, creates the
// sentinel file, and kills the process if it has not exited within the stop
// timeout. Stop is a no-op when nothing is recording.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.handle
	if h == nil {
		return nil
	}
	s.handle = nil

	// The capture loop polls for the sentinel; the stdin line is honoured
	// only by builds that read it.
	_, _ = io.WriteString(h.stdin, "TERM\n")
	_ = h.stdin.Close()

	var errs []error
	if err := os.WriteFile(h.SentinelPath, nil, 0o644); err != nil {
		errs = append(errs, fmt.Errorf("create sentinel: %w", err))
	}

	timer := time.NewTimer(s.cfg.StopTimeout)
	defer timer.Stop()

	select {
	case <-h.done:
	case <-timer.C:
		s.log.Warn("capture program ignored stop, killing", zap.Int("pid", h.PID))
		s.kill(h)
	case <-ctx.Done():
		s.kill(h)
	}

	if err := os.Remove(h.SentinelPath); err != nil && !os.IsNotExist(err) {
		errs = append(errs, fmt.Errorf("remove sentinel: %w", err))
	}
	h.TriggerArmed = false
	s.log.Info("recording stopped", zap.Int("pid", h.PID), zap.Duration("duration", time.Since(h.Started)))
	return errors.Join(errs...)
}

func (s *Supervisor) kill(h *Handle) {
	_ = h.cmd.Process.Kill()
	<-h.done
}

// Check runs the capture program with the check arguments. Success marks the
// camera healthy again.
func (s *Supervisor) Check(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle != nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.StartTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.cfg.Command, s.cfg.CheckArgs...)
	cmd.Dir = s.cfg.WorkDir
	if out, err := cmd.CombinedOutput(); err != nil {
		s.lastErr = &InitError{Reason: "check failed", Err: err}
		s.log.Debug("camera check failed", zap.Error(err), zap.ByteString("output", out))
		return s.lastErr
	}

	s.healthy = true
	s.lastErr = nil
	s.log.Info("camera recovered")
	return nil
}
