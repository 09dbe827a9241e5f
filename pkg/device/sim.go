package device

import (
	"io"
	"sync"
	"time"
)

// SimOptions configures the simulated firmware.
type SimOptions struct {
	// ExitAfter ends every session this long after the start code, as if
	// the animal left the tube. Zero waits for Exit.
	ExitAfter time.Duration
	// Stall suppresses TERM, modelling a wedged beam sensor.
	Stall bool
	// StuckLimit makes every stepper move report ABORT.
	StuckLimit bool
}

// Simulator models the reaching-tube firmware: every host byte is read and
// dispatched through a finite opcode table with an explicit idle/active
// mode flag. It satisfies Port so a Link can drive it in place of a serial
// port.
type Simulator struct {
	opts SimOptions

	out *io.PipeReader
	dev *io.PipeWriter

	mu         sync.Mutex
	state      State
	awaitLevel bool
	dtr        bool
	received   []byte

	closed    chan struct{}
	closeOnce sync.Once
}

// NewSimulator boots a simulated device. It reports READY once the host
// starts reading.
func NewSimulator(opts SimOptions) *Simulator {
	out, dev := io.Pipe()
	s := &Simulator{
		opts:   opts,
		out:    out,
		dev:    dev,
		state:  homed(),
		dtr:    true,
		closed: make(chan struct{}),
	}
	go s.emit("READY")
	return s
}

// Read returns device output.
func (s *Simulator) Read(p []byte) (int, error) {
	return s.out.Read(p)
}

// Write dispatches host bytes one at a time. Each byte has taken effect,
// and any reply has been read by the host, when Write returns.
func (s *Simulator) Write(p []byte) (int, error) {
	for i, b := range p {
		select {
		case <-s.closed:
			return i, io.ErrClosedPipe
		default:
		}
		if line := s.dispatch(b); line != "" {
			s.emit(line)
		}
	}
	return len(p), nil
}

// Close stops the firmware loop.
func (s *Simulator) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.out.Close()
		s.dev.Close()
	})
	return nil
}

// ResetInputBuffer is a no-op: the pipe holds no buffered output.
func (s *Simulator) ResetInputBuffer() error {
	return nil
}

// SetDTR reboots the firmware on a low to high transition.
func (s *Simulator) SetDTR(dtr bool) error {
	s.mu.Lock()
	reboot := !s.dtr && dtr
	s.dtr = dtr
	if reboot {
		beam := s.state.BeamBroken
		s.state = homed()
		s.state.BeamBroken = beam
		s.awaitLevel = false
	}
	s.mu.Unlock()

	if reboot {
		go s.emit("READY")
	}
	return nil
}

// Received returns every byte the host has written.
func (s *Simulator) Received() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.received...)
}

// State returns the simulated hardware state.
func (s *Simulator) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Enter breaks the beam.
func (s *Simulator) Enter() {
	s.mu.Lock()
	s.state.BeamBroken = true
	s.mu.Unlock()
	s.emit("ENTER")
}

// Exit restores the beam. An active session ends: the arms are lowered and
// TERM is reported unless the simulator stalls.
func (s *Simulator) Exit() {
	s.mu.Lock()
	wasActive := s.state.Mode == ModeActive
	s.state.BeamBroken = false
	if wasActive {
		s.state.Mode = ModeIdle
		s.state.RightRaised = false
		s.state.LeftRaised = false
	}
	s.mu.Unlock()

	if wasActive && !s.opts.Stall {
		s.emit("TERM")
		return
	}
	s.emit("EXIT")
}

// Emit writes a raw line to the host.
func (s *Simulator) Emit(line string) {
	s.emit(line)
}

func (s *Simulator) emit(line string) {
	// Fails only after Close.
	_, _ = s.dev.Write([]byte(line + "\n"))
}

// dispatch executes one host byte and returns a line to report, if any.
func (s *Simulator) dispatch(b byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, b)

	if s.awaitLevel {
		s.awaitLevel = false
		if b < '0' || b > '0'+MaxLevel {
			return ""
		}
		if s.opts.StuckLimit {
			s.state.StepperKnown = false
			return "ABORT"
		}
		s.state.StepperLevel = int(b - '0')
		s.state.StepperKnown = true
		return ""
	}

	switch b {
	case OpStartLive, OpStartSimulated:
		s.state.Mode = ModeActive
		if s.opts.ExitAfter > 0 {
			time.AfterFunc(s.opts.ExitAfter, s.Exit)
		}
	case OpRejectLive, OpRejectSim:
		s.state.Mode = ModeIdle
	case OpPresentRight:
		if s.state.Mode == ModeActive {
			s.state.RightRaised = true
		}
	case OpPresentLeft:
		if s.state.Mode == ModeActive {
			s.state.LeftRaised = true
		}
	case OpMoveStepper:
		s.awaitLevel = true
	default:
	}
	return ""
}
