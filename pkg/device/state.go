package device

import "fmt"

// Mode is the firmware session mode as tracked by the host.
type Mode int

const (
	ModeBooting Mode = iota
	ModeIdle
	ModeActive
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeActive:
		return "active"
	}
	return "booting"
}

// State is the host's view of the device. It only changes as the result of
// a completed write or a received device line, never mid-motion.
type State struct {
	Mode         Mode
	StepperLevel int
	StepperKnown bool
	RightRaised  bool
	LeftRaised   bool
	BeamBroken   bool
}

// ArmsLowered reports whether neither presentation arm is raised.
func (s State) ArmsLowered() bool {
	return !s.RightRaised && !s.LeftRaised
}

func (s State) String() string {
	level := "unknown"
	if s.StepperKnown {
		level = fmt.Sprintf("%d", s.StepperLevel)
	}
	return fmt.Sprintf("mode=%s stepper=%s right=%t left=%t", s.Mode, level, s.RightRaised, s.LeftRaised)
}

// homed is the state after the firmware's boot self-homing.
func homed() State {
	return State{Mode: ModeIdle, StepperLevel: 0, StepperKnown: true}
}

// apply returns the state after cmd has been written.
func (s State) apply(cmd Command) State {
	switch cmd.Kind {
	case PresentPellet:
		if cmd.Side == Right {
			s.RightRaised = true
		} else {
			s.LeftRaised = true
		}
	case MoveStepper, ZeroStepper:
		s.StepperLevel = cmd.TargetLevel()
		s.StepperKnown = true
	}
	return s
}

// observe returns the state after the device reported ev.
func (s State) observe(ev EventKind) State {
	switch ev {
	case EventReady:
		h := homed()
		h.BeamBroken = s.BeamBroken
		return h
	case EventTerminated:
		s.Mode = ModeIdle
		s.RightRaised = false
		s.LeftRaised = false
		s.BeamBroken = false
	case EventTubeEntered:
		s.BeamBroken = true
	case EventTubeExited:
		s.BeamBroken = false
	case EventMoveAborted:
		s.StepperKnown = false
	}
	return s
}
