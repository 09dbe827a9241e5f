// Package session runs reaching-task sessions: it admits one authenticated
// animal at a time, positions the stepper, records video, presents pellets
// until the animal leaves and files the session's data.
package session

import (
	"time"

	"github.com/gwillem/homecage/pkg/device"
)

// Phase is the manager's position in a session's lifecycle.
type Phase int

const (
	Idle Phase = iota
	Authenticating
	Positioning
	Recording
	Active
	Terminating
	Finalizing
)

var phaseNames = [...]string{
	Idle:           "idle",
	Authenticating: "authenticating",
	Positioning:    "positioning",
	Recording:      "recording",
	Active:         "active",
	Terminating:    "terminating",
	Finalizing:     "finalizing",
}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "unknown"
}

// PhaseNames lists every phase name, for metrics.
func PhaseNames() []string {
	return phaseNames[:]
}

// Reason is why a session ended.
type Reason string

const (
	ReasonExited  Reason = "exited"
	ReasonAborted Reason = "aborted"
	ReasonFault   Reason = "fault"
)

// Session is one animal's visit to the tube.
type Session struct {
	ID      string
	Tag     string
	Name    string
	Cage    int
	Seq     int
	Side    device.Side
	Level   int
	Started time.Time
	Ended   time.Time
	Trials  int
	Reason  Reason
	Err     error
}

// Status is a snapshot published to monitors.
type Status struct {
	Phase     Phase
	Session   *Session
	Device    device.State
	GateOpen  bool
	Completed int
	At        time.Time
}
