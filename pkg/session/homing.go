package session

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions, an optional seconds
// field and descriptors such as @hourly.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Homing fires on a cron schedule so the idle controller can re-zero the
// stepper. Ticks are dropped while the previous one is unhandled.
type Homing struct {
	cron  *cron.Cron
	ticks chan time.Time
}

// NewHoming parses schedule. An empty schedule returns nil; a nil *Homing
// never fires.
func NewHoming(schedule string) (*Homing, error) {
	if schedule == "" {
		return nil, nil
	}
	h := &Homing{
		cron:  cron.New(cron.WithParser(cronParser)),
		ticks: make(chan time.Time, 1),
	}
	if _, err := h.cron.AddFunc(schedule, h.fire); err != nil {
		return nil, fmt.Errorf("homing schedule %q: %w", schedule, err)
	}
	return h, nil
}

func (h *Homing) fire() {
	select {
	case h.ticks <- time.Now():
	default:
	}
}

// C returns the tick channel.
func (h *Homing) C() <-chan time.Time {
	if h == nil {
		return nil
	}
	return h.ticks
}

// Start starts the cron ticker.
func (h *Homing) Start() {
	if h != nil {
		h.cron.Start()
	}
}

// Stop stops the cron ticker.
func (h *Homing) Stop() {
	if h != nil {
		h.cron.Stop()
	}
}
