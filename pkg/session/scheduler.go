package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gwillem/homecage/pkg/device"
)

// Sender issues device commands.
type Sender interface {
	Send(ctx context.Context, cmd device.Command) error
}

// SchedulerState is the pellet scheduler's state.
type SchedulerState int

const (
	Armed SchedulerState = iota
	Presenting
	Cooldown
	Cancelled
)

func (s SchedulerState) String() string {
	switch s {
	case Armed:
		return "armed"
	case Presenting:
		return "presenting"
	case Cooldown:
		return "cooldown"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// PelletScheduler presents a pellet at the start of a session and then once
// per interval, measured from the session start so delays do not
// accumulate.
type PelletScheduler struct {
	dev      Sender
	side     device.Side
	interval time.Duration
	log      *zap.Logger
	onTrial  func(trials int)

	// mu is held across every send so Cancel can wait out an in-flight one.
	mu     sync.Mutex
	state  SchedulerState
	trials int

	cancelled chan struct{}
	done      chan struct{}
}

// NewPelletScheduler returns an armed scheduler for side.
func NewPelletScheduler(dev Sender, side device.Side, interval time.Duration, log *zap.Logger) *PelletScheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &PelletScheduler{
		dev:       dev,
		side:      side,
		interval:  interval,
		log:       log,
		cancelled: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// OnTrial registers a callback run after each presentation, with the mutex
// held.
func (p *PelletScheduler) OnTrial(fn func(trials int)) {
	p.onTrial = fn
}

// State returns the scheduler's state.
func (p *PelletScheduler) State() SchedulerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Trials returns the number of pellets presented.
func (p *PelletScheduler) Trials() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.trials
}

// Run presents pellets from start until Cancel, ctx is done or the device
// leaves its active mode.
func (p *PelletScheduler) Run(ctx context.Context, start time.Time) {
	defer close(p.done)

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for n := 0; ; n++ {
		due := start.Add(time.Duration(n) * p.interval)
		if late := time.Since(due); p.interval > 0 && late >= p.interval {
			skipped := int(late / p.interval)
			p.log.Warn("pellet slots missed", zap.Int("skipped", skipped))
			n += skipped
			due = start.Add(time.Duration(n) * p.interval)
		}

		timer.Reset(time.Until(due))
		select {
		case <-timer.C:
		case <-p.cancelled:
			return
		case <-ctx.Done():
			return
		}

		if !p.present(ctx) {
			return
		}
	}
}

func (p *PelletScheduler) present(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == Cancelled {
		return false
	}
	p.state = Presenting
	err := p.dev.Send(ctx, device.Present(p.side))
	switch {
	case err == nil:
		p.trials++
		p.log.Info("pellet presented", zap.String("side", string(p.side)), zap.Int("trial", p.trials))
		if p.onTrial != nil {
			p.onTrial(p.trials)
		}
	case errors.Is(err, device.ErrNotActive), ctx.Err() != nil:
		p.state = Cancelled
		return false
	default:
		p.log.Error("present pellet failed", zap.Error(err))
	}
	p.state = Cooldown
	return true
}

// Cancel stops the scheduler. It returns after any send in flight has
// completed; no command is issued afterwards.
func (p *PelletScheduler) Cancel() {
	p.mu.Lock()
	p.state = Cancelled
	select {
	case <-p.cancelled:
	default:
		close(p.cancelled)
	}
	p.mu.Unlock()
}

// Done is closed when Run has returned.
func (p *PelletScheduler) Done() <-chan struct{} {
	return p.done
}
