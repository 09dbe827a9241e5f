// Package device talks to the reaching-tube microcontroller over a serial link.
package device

import (
	"fmt"
)

// Side identifies one of the two pellet presentation arms.
type Side string

// Presentation arms.
const (
	Right Side = "right"
	Left  Side = "left"
)

// Valid reports whether s names a known arm.
func (s Side) Valid() bool {
	return s == Right || s == Left
}

// Stepper levels accepted by the firmware. Level 0 is the home position
// against the limit switch.
const (
	MinLevel = 0
	MaxLevel = 6
)

// Host to device opcodes.
const (
	OpStartLive      byte = 'A'
	OpRejectLive     byte = 'Y'
	OpStartSimulated byte = 'S'
	OpRejectSim      byte = 'Z'
	OpPresentRight   byte = '1'
	OpPresentLeft    byte = '2'
	OpMoveStepper    byte = '3'
)

// StartMode selects the start code sent when a tag has been resolved.
type StartMode struct {
	Authorized bool
	Simulated  bool
}

// Byte returns the single-byte start code for the mode.
func (m StartMode) Byte() byte {
	switch {
	case m.Authorized && m.Simulated:
		return OpStartSimulated
	case m.Authorized:
		return OpStartLive
	case m.Simulated:
		return OpRejectSim
	default:
		return OpRejectLive
	}
}

func (m StartMode) String() string {
	return string([]byte{m.Byte()})
}

// CommandKind discriminates Command.
type CommandKind int

const (
	PresentPellet CommandKind = iota + 1
	MoveStepper
	ZeroStepper
)

func (k CommandKind) String() string {
	switch k {
	case PresentPellet:
		return "PresentPellet"
	case MoveStepper:
		return "MoveStepper"
	case ZeroStepper:
		return "ZeroStepper"
	default:
		return fmt.Sprintf("CommandKind(%d)", int(k))
	}
}

// Command is a single host to device request.
type Command struct {
	Kind  CommandKind
	Side  Side
	Level int
}

// Present returns a pellet presentation command for the given arm.
func Present(side Side) Command {
	return Command{Kind: PresentPellet, Side: side}
}

// Move returns a stepper move to a discrete distance level.
func Move(level int) Command {
	return Command{Kind: MoveStepper, Level: level}
}

// Zero returns a stepper re-zero command.
func Zero() Command {
	return Command{Kind: ZeroStepper}
}

// Encode returns the opcode byte and, for stepper commands, the operand
// byte that follows it after the settle delay.
func (c Command) Encode() (op byte, operand []byte, err error) {
	switch c.Kind {
	case PresentPellet:
		switch c.Side {
		case Right:
			return OpPresentRight, nil, nil
		case Left:
			return OpPresentLeft, nil, nil
		}
		return 0, nil, fmt.Errorf("present pellet: unknown side %q", c.Side)
	case MoveStepper:
		if c.Level < MinLevel || c.Level > MaxLevel {
			return 0, nil, fmt.Errorf("move stepper: level %d out of range", c.Level)
		}
		return OpMoveStepper, []byte{byte('0' + c.Level)}, nil
	case ZeroStepper:
		return OpMoveStepper, []byte{'0'}, nil
	}
	return 0, nil, fmt.Errorf("unknown command %v", c.Kind)
}

// TargetLevel is the stepper level the command leaves the carriage at, or -1
// for commands that do not move the stepper.
func (c Command) TargetLevel() int {
	switch c.Kind {
	case MoveStepper:
		return c.Level
	case ZeroStepper:
		return 0
	}
	return -1
}

func (c Command) String() string {
	switch c.Kind {
	case PresentPellet:
		return fmt.Sprintf("PresentPellet(%s)", c.Side)
	case MoveStepper:
		return fmt.Sprintf("MoveStepper(%d)", c.Level)
	case ZeroStepper:
		return "ZeroStepper"
	}
	return c.Kind.String()
}
