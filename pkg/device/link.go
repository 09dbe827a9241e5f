package device

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

var (
	ErrLinkUnavailable = errors.New("device link unavailable")
	ErrStallTimeout    = errors.New("no TERM within stall timeout")
	ErrNotActive       = errors.New("device not in an active session")
	ErrMoveAborted     = errors.New("stepper move aborted by limit switch")
	ErrDeviceReset     = errors.New("device rebooted during session")
	ErrClosed          = errors.New("device link closed")
)

// Port is the byte channel to the microcontroller. Ports opened with
// go.bug.st/serial satisfy it.
type Port interface {
	io.ReadWriteCloser
	ResetInputBuffer() error
	SetDTR(dtr bool) error
}

// Config holds serial link settings.
type Config struct {
	Port         string
	BaudRate     int
	ReadyTimeout time.Duration
	SettleDelay  time.Duration
	ResetPulse   time.Duration
}

// Link is the framed command/response channel to the microcontroller.
// Writes are serialized so at most one command is in flight.
type Link struct {
	port Port
	cfg  Config
	log  *zap.Logger

	writeMu sync.Mutex

	stateMu sync.RWMutex
	state   State

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// Open opens the serial port and blocks until the device reports READY.
func Open(ctx context.Context, cfg Config, log *zap.Logger) (*Link, error) {
	port, err := serial.Open(cfg.Port, &serial.Mode{BaudRate: cfg.BaudRate})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrLinkUnavailable, cfg.Port, err)
	}

	l := New(port, cfg, log)

	readyCtx, cancel := context.WithTimeout(ctx, cfg.ReadyTimeout)
	defer cancel()
	if err := l.WaitReady(readyCtx); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

// New wraps an already open port and starts reading device lines.
func New(port Port, cfg Config, log *zap.Logger) *Link {
	if log == nil {
		log = zap.NewNop()
	}
	l := &Link{
		port:   port,
		cfg:    cfg,
		log:    log.Named("device"),
		events: make(chan Event, 32),
		done:   make(chan struct{}),
	}
	go l.readLoop()
	return l
}

// Close closes the serial port.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.port.Close()
	})
	return err
}

// Events returns the single-consumer queue of device events.
func (l *Link) Events() <-chan Event {
	return l.events
}

// State returns the host's current view of the device.
func (l *Link) State() State {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	return l.state
}

func (l *Link) setState(fn func(State) State) {
	l.stateMu.Lock()
	l.state = fn(l.state)
	l.stateMu.Unlock()
}

func (l *Link) readLoop() {
	defer close(l.events)

	r := bufio.NewReader(l.port)
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			l.handleLine(line)
		}
		if err != nil {
			select {
			case <-l.done:
			default:
				l.log.Warn("device read failed", zap.Error(err))
			}
			return
		}
	}
}

func (l *Link) handleLine(line string) {
	kind, ok := ParseLine(line)
	if !ok {
		l.log.Debug("discarding device line", zap.String("line", line))
		return
	}
	l.setState(func(s State) State { return s.observe(kind) })

	select {
	case l.events <- Event{Kind: kind, At: time.Now()}:
	case <-l.done:
	}
}

// WaitReady blocks until the device reports READY.
func (l *Link) WaitReady(ctx context.Context) error {
	for {
		select {
		case ev, ok := <-l.events:
			if !ok {
				return fmt.Errorf("%w: %v", ErrLinkUnavailable, ErrClosed)
			}
			if ev.Kind == EventReady {
				return nil
			}
		case <-ctx.Done():
			return fmt.Errorf("%w: waiting for READY: %v", ErrLinkUnavailable, ctx.Err())
		}
	}
}

func (l *Link) write(b ...byte) error {
	if _, err := l.port.Write(b); err != nil {
		return fmt.Errorf("write %q: %w", b, err)
	}
	return nil
}

// SendStart writes the start code for mode. An authorized start puts the
// device in its active mode.
func (l *Link) SendStart(mode StartMode) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if err := l.write(mode.Byte()); err != nil {
		return err
	}
	if mode.Authorized {
		l.setState(func(s State) State {
			s.Mode = ModeActive
			return s
		})
	}
	return nil
}

// Send writes cmd. Stepper commands write the level digit after the settle
// delay. Pellet presentations are refused unless the device is active.
func (l *Link) Send(ctx context.Context, cmd Command) error {
	op, operand, err := cmd.Encode()
	if err != nil {
		return err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if cmd.Kind == PresentPellet && l.State().Mode != ModeActive {
		return ErrNotActive
	}

	if err := l.write(op); err != nil {
		return err
	}
	if len(operand) == 0 {
		l.setState(func(s State) State { return s.apply(cmd) })
		return nil
	}

	// The target is recorded before the operand goes out so an ABORT in
	// reply to it is never overwritten.
	l.setState(func(s State) State { return s.apply(cmd) })
	// The opcode is on the wire; the operand always follows.
	time.Sleep(l.cfg.SettleDelay)
	if err := l.write(operand...); err != nil {
		l.setState(func(s State) State {
			s.StepperKnown = false
			return s
		})
		return err
	}
	return nil
}

// AwaitTermination blocks until the device reports TERM. Running out of time
// is never success: it returns ErrStallTimeout.
func (l *Link) AwaitTermination(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-l.events:
			if !ok {
				return ErrClosed
			}
			switch ev.Kind {
			case EventTerminated:
				return nil
			case EventReady:
				return ErrDeviceReset
			case EventMoveAborted:
				l.log.Warn("stepper move aborted during session")
			}
		case <-timer.C:
			return fmt.Errorf("%w after %s", ErrStallTimeout, timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Drain discards buffered input and queued events.
func (l *Link) Drain() error {
	err := l.port.ResetInputBuffer()
	for {
		select {
		case ev, ok := <-l.events:
			if !ok {
				return err
			}
			l.log.Debug("drained device event", zap.Stringer("event", ev.Kind))
		default:
			return err
		}
	}
}

// Reset pulses DTR to reboot the microcontroller and waits for READY. The
// boot sequence lowers both arms and re-zeroes the stepper.
func (l *Link) Reset(ctx context.Context) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.setState(func(s State) State {
		return State{Mode: ModeBooting, BeamBroken: s.BeamBroken}
	})
	if err := l.port.SetDTR(false); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	time.Sleep(l.cfg.ResetPulse)
	if err := l.port.SetDTR(true); err != nil {
		return fmt.Errorf("reset: %w", err)
	}

	readyCtx, cancel := context.WithTimeout(ctx, l.cfg.ReadyTimeout)
	defer cancel()
	return l.WaitReady(readyCtx)
}
