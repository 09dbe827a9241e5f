package device

import (
	"strings"
	"time"
)

// EventKind discriminates Event.
type EventKind int

const (
	EventReady EventKind = iota + 1
	EventTubeEntered
	EventTubeExited
	EventTerminated
	EventMoveAborted
)

func (k EventKind) String() string {
	switch k {
	case EventReady:
		return "Ready"
	case EventTubeEntered:
		return "TubeEntered"
	case EventTubeExited:
		return "TubeExited"
	case EventTerminated:
		return "SessionTerminatedByDevice"
	case EventMoveAborted:
		return "MoveAborted"
	}
	return "Unknown"
}

// Event is an unsolicited message from the device.
type Event struct {
	Kind EventKind
	At   time.Time
}

// Device to host line tokens.
var lineEvents = map[string]EventKind{
	"READY": EventReady,
	"TERM":  EventTerminated,
	"ENTER": EventTubeEntered,
	"EXIT":  EventTubeExited,
	"ABORT": EventMoveAborted,
}

// ParseLine maps a raw device line to an event. Lines that are not part of
// the protocol return false and are dropped by the caller.
func ParseLine(line string) (EventKind, bool) {
	token := strings.TrimFunc(line, func(r rune) bool {
		return r < '!' || r > '~'
	})
	kind, ok := lineEvents[strings.ToUpper(token)]
	return kind, ok
}
