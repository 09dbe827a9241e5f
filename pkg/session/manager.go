package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gwillem/homecage/pkg/device"
	"github.com/gwillem/homecage/pkg/ledger"
	"github.com/gwillem/homecage/pkg/logging"
	"github.com/gwillem/homecage/pkg/metrics"
	"github.com/gwillem/homecage/pkg/profile"
	"github.com/gwillem/homecage/pkg/recorder"
)

// Device is the microcontroller link.
type Device interface {
	Sender
	State() device.State
	Events() <-chan device.Event
	SendStart(mode device.StartMode) error
	AwaitTermination(ctx context.Context, timeout time.Duration) error
	Drain() error
	Reset(ctx context.Context) error
}

// Camera records a session's video.
type Camera interface {
	Start(ctx context.Context, path string) error
	Stop(ctx context.Context) error
	Check(ctx context.Context) error
	FrameDrops() int64
}

// Profiles looks up animals by tag.
type Profiles interface {
	Lookup(tag string) (profile.Profile, bool)
}

// Ledger stores sequence numbers and finished sessions.
type Ledger interface {
	NextSequence(ctx context.Context, tag string) (int, error)
	RecordSession(ctx context.Context, r ledger.Record) error
}

// Flusher discards buffered tag reads.
type Flusher interface {
	Flush() error
}

// Config holds session timing and identity.
type Config struct {
	Cage               int
	Simulated          bool
	RequireBeamBreak   bool
	InterTrialInterval time.Duration
	StallTimeout       time.Duration
	FinalizeTimeout    time.Duration
	RecoveryInterval   time.Duration
	HomingSchedule     string
}

// Options are the manager's collaborators. Metrics and RFID are optional.
type Options struct {
	Device   Device
	Camera   Camera
	Profiles Profiles
	Ledger   Ledger
	Recorder *recorder.Recorder
	RFID     Flusher
	Metrics  *metrics.Metrics
	Log      *zap.Logger
}

// Manager owns the session lifecycle. All transitions happen on the
// goroutine running Run (or HandleTag).
type Manager struct {
	cfg      Config
	dev      Device
	cam      Camera
	profiles Profiles
	ledger   Ledger
	rec      *recorder.Recorder
	rfid     Flusher
	metrics  *metrics.Metrics
	log      *zap.Logger

	gate   *Gate
	homing *Homing

	mu        sync.RWMutex
	phase     Phase
	current   *Session
	completed int

	stateCh chan Status
	logCh   chan string
}

// NewManager wires a manager. It fails only on an invalid homing schedule.
func NewManager(cfg Config, opts Options) (*Manager, error) {
	homing, err := NewHoming(cfg.HomingSchedule)
	if err != nil {
		return nil, err
	}
	if cfg.RecoveryInterval <= 0 {
		cfg.RecoveryInterval = time.Minute
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = 30 * time.Second
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		cfg:      cfg,
		dev:      opts.Device,
		cam:      opts.Camera,
		profiles: opts.Profiles,
		ledger:   opts.Ledger,
		rec:      opts.Recorder,
		rfid:     opts.RFID,
		metrics:  opts.Metrics,
		log:      log.Named("session"),
		gate:     NewGate(cfg.RequireBeamBreak),
		homing:   homing,
		stateCh:  make(chan Status, 1),
		logCh:    make(chan string, 10),
	}, nil
}

// Gate returns the admission gate.
func (m *Manager) Gate() *Gate {
	return m.gate
}

// States returns a channel that receives status updates.
func (m *Manager) States() <-chan Status {
	return m.stateCh
}

// Logs returns a channel that receives short operator messages.
func (m *Manager) Logs() <-chan string {
	return m.logCh
}

// Status returns the current status.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Status{
		Phase:     m.phase,
		Device:    m.dev.State(),
		GateOpen:  m.gate.Open(),
		Completed: m.completed,
		At:        time.Now(),
	}
	if m.current != nil {
		s := *m.current
		st.Session = &s
	}
	return st
}

func (m *Manager) logf(format string, args ...any) {
	msg := fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
	select {
	case m.logCh <- msg:
	default:
	}
}

func (m *Manager) publish() {
	st := m.Status()
	select {
	case m.stateCh <- st:
	default:
		// Replace the stale update.
		select {
		case <-m.stateCh:
		default:
		}
		select {
		case m.stateCh <- st:
		default:
		}
	}
}

func (m *Manager) setPhase(p Phase, s *Session) {
	m.mu.Lock()
	m.phase = p
	m.current = s
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.SetState(p.String(), PhaseNames())
	}
	m.publish()
}

// update mutates the current session under the status lock.
func (m *Manager) update(fn func()) {
	m.mu.Lock()
	fn()
	m.mu.Unlock()
}

func (m *Manager) fault(err error) {
	if m.metrics != nil {
		m.metrics.Faults.WithLabelValues(string(Classify(err))).Inc()
	}
}

// Run is the control loop. It waits for tags while idle, runs one session
// per admitted tag, tracks device events, retries a faulted camera or
// device and re-zeroes the stepper on the homing schedule. It returns nil
// when ctx is done and an error only if the device link is lost.
func (m *Manager) Run(ctx context.Context, tags <-chan string) error {
	m.homing.Start()
	defer m.homing.Stop()

	recovery := time.NewTicker(m.cfg.RecoveryInterval)
	defer recovery.Stop()

	m.logf("Controller started for cage %d", m.cfg.Cage)
	m.setPhase(Idle, nil)

	events := m.dev.Events()
	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil

		case tag, ok := <-tags:
			if !ok {
				tags = nil
				continue
			}
			if _, err := m.HandleTag(ctx, tag); err != nil {
				m.log.Warn("tag not served", zap.String("tag", tag), zap.String("kind", string(Classify(err))), zap.Error(err))
			}

		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("%w: %v", device.ErrLinkUnavailable, device.ErrClosed)
			}
			m.observe(ev)

		case <-recovery.C:
			m.recover(ctx)

		case <-m.homing.C():
			m.rezero(ctx)
		}
	}
}

func (m *Manager) observe(ev device.Event) {
	switch ev.Kind {
	case device.EventReady:
		m.gate.ClearDeviceFault()
		m.logf("Device ready")
	case device.EventTubeEntered:
		m.gate.ObserveBeam(true)
	case device.EventTubeExited, device.EventTerminated:
		m.gate.ObserveBeam(false)
	case device.EventMoveAborted:
		m.fault(device.ErrMoveAborted)
		m.logf("Stepper move aborted by limit switch")
		m.log.Warn("stepper move aborted while idle")
	}
	m.log.Debug("device event", zap.Stringer("event", ev.Kind))
	m.publish()
}

// recover retries whatever keeps the gate closed.
func (m *Manager) recover(ctx context.Context) {
	if m.gate.CameraFault() != nil {
		if err := m.cam.Check(ctx); err == nil {
			m.gate.ClearCameraFault()
			m.logf("Camera recovered, admitting animals again")
			m.publish()
		}
	}
	if m.gate.DeviceFault() != nil {
		if err := m.dev.Reset(ctx); err == nil {
			m.gate.ClearDeviceFault()
			m.logf("Device recovered after reset")
			m.publish()
		}
	}
}

func (m *Manager) rezero(ctx context.Context) {
	if !m.gate.Open() {
		return
	}
	if err := m.dev.Send(ctx, device.Zero()); err != nil {
		m.log.Warn("scheduled re-zero failed", zap.Error(err))
		return
	}
	m.log.Info("stepper re-zeroed")
	m.publish()
}

func (m *Manager) reject() {
	mode := device.StartMode{Authorized: false, Simulated: m.cfg.Simulated}
	if err := m.dev.SendStart(mode); err != nil {
		m.log.Warn("send reject code", zap.Error(err))
	}
}

// run carries one session through its phases.
type run struct {
	sess      *Session
	art       recorder.Artifacts
	log       *zap.Logger
	closeLog  func() error
	recording bool
	dropsBase int64
}

// HandleTag serves one tag read: unknown tags and tags arriving while the
// gate is closed are rejected, otherwise a full session runs before
// HandleTag returns.
func (m *Manager) HandleTag(ctx context.Context, tag string) (*Session, error) {
	// A tag read during a session must not touch the session's status.
	m.gate.ObserveBeam(m.dev.State().BeamBroken)
	admitErr := m.gate.TryAcquire()
	if errors.Is(admitErr, ErrOccupied) {
		m.log.Debug("tag dropped, tube occupied", zap.String("tag", tag))
		return nil, admitErr
	}
	if admitErr == nil {
		defer m.gate.Release()
	}

	m.setPhase(Authenticating, nil)
	defer m.setPhase(Idle, nil)

	p, ok := m.profiles.Lookup(tag)
	if !ok {
		m.reject()
		if m.metrics != nil {
			m.metrics.UnknownTags.Inc()
		}
		m.logf("Unknown tag %s", tag)
		return nil, fmt.Errorf("%w: %s", ErrUnknownTag, tag)
	}
	if admitErr != nil {
		m.reject()
		m.logf("%s not admitted: %v", p.Name, admitErr)
		return nil, admitErr
	}

	setting := MapDifficulty(p)
	if setting.Clamped {
		m.log.Warn("difficulty out of range, clamped",
			zap.String("tag", p.Tag), zap.Int("requested", setting.Requested), zap.Int("level", setting.Level))
	}

	s := &Session{
		Tag:     p.Tag,
		Name:    p.Name,
		Cage:    m.cfg.Cage,
		Side:    setting.Side,
		Level:   setting.Level,
		Started: time.Now(),
	}
	m.logf("Recognised %s (%s)", p.Name, p.Tag)

	seq, err := m.ledger.NextSequence(ctx, p.Tag)
	if err != nil {
		m.reject()
		m.fault(err)
		return nil, fmt.Errorf("reserve sequence: %w", err)
	}
	s.Seq = seq
	s.ID = recorder.DirName(s.Started, p.Tag, m.cfg.Cage, seq)

	art, err := m.rec.Allocate(s.ID)
	if err != nil {
		m.reject()
		m.fault(err)
		return nil, err
	}

	r := &run{sess: s, art: art, log: m.log, closeLog: func() error { return nil }}
	if evlog, closeFn, err := logging.NewEventLog(art.Events); err != nil {
		m.log.Warn("session event log unavailable", zap.Error(err))
	} else {
		r.log = m.log.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
			return zapcore.NewTee(c, evlog.Core())
		}))
		r.closeLog = closeFn
	}
	r.log = r.log.With(zap.String("session", s.ID))

	m.execute(ctx, r)
	m.finalize(ctx, r)

	if s.Err != nil {
		return s, s.Err
	}
	return s, nil
}

// execute runs Positioning through Terminating.
func (m *Manager) execute(ctx context.Context, r *run) {
	s := r.sess
	m.setPhase(Positioning, s)
	r.log.Info("session started",
		zap.String("tag", s.Tag), zap.String("name", s.Name),
		zap.String("side", string(s.Side)), zap.Int("level", s.Level), zap.Int("seq", s.Seq))

	if err := m.dev.Send(ctx, device.Move(s.Level)); err != nil {
		m.reject()
		m.fail(ctx, r, fmt.Errorf("position stepper: %w", err))
		return
	}

	m.setPhase(Recording, s)
	r.dropsBase = m.cam.FrameDrops()
	if err := m.cam.Start(ctx, r.art.Video); err != nil {
		m.reject()
		if ctx.Err() == nil {
			m.gate.SetCameraFault(err)
			m.logf("Camera failed to start, closing the tube: %v", err)
		}
		m.fail(ctx, r, err)
		return
	}
	r.recording = true
	r.log.Info("recording", zap.String("video", r.art.Video))

	if !m.dev.State().StepperKnown {
		m.reject()
		m.fail(ctx, r, device.ErrMoveAborted)
		return
	}

	m.setPhase(Active, s)
	mode := device.StartMode{Authorized: true, Simulated: m.cfg.Simulated}
	if err := m.dev.SendStart(mode); err != nil {
		m.fail(ctx, r, fmt.Errorf("send start code: %w", err))
		return
	}
	r.log.Info("start code sent", zap.Stringer("mode", mode))

	sched := NewPelletScheduler(m.dev, s.Side, m.cfg.InterTrialInterval, r.log)
	sched.OnTrial(func(n int) {
		m.update(func() { s.Trials = n })
		if m.metrics != nil {
			m.metrics.Trials.Inc()
		}
		m.publish()
	})
	schedCtx, cancelSched := context.WithCancel(ctx)
	go sched.Run(schedCtx, time.Now())

	err := m.dev.AwaitTermination(ctx, m.cfg.StallTimeout)

	m.setPhase(Terminating, s)
	sched.Cancel()
	cancelSched()
	<-sched.Done()

	switch {
	case err == nil:
		m.update(func() { s.Reason = ReasonExited })
		r.log.Info("device reported TERM")
	case ctx.Err() != nil:
		m.update(func() { s.Reason, s.Err = ReasonAborted, ctx.Err() })
		r.log.Warn("session aborted by operator")
	default:
		m.update(func() { s.Reason, s.Err = ReasonFault, err })
	}

	m.stopCamera(r)
	if err := m.dev.Drain(); err != nil {
		r.log.Warn("drain device input", zap.Error(err))
	}
	if s.Reason != ReasonExited {
		m.makeSafe(r)
	}
}

// fail moves a session that broke before or during Active to Terminating.
// A cancelled ctx means the operator stopped it, which is not a fault.
func (m *Manager) fail(ctx context.Context, r *run, err error) {
	s := r.sess
	if ctx.Err() != nil {
		m.update(func() { s.Reason, s.Err = ReasonAborted, ctx.Err() })
		r.log.Warn("session aborted by operator", zap.Error(err))
	} else {
		m.update(func() { s.Reason, s.Err = ReasonFault, err })
	}
	m.setPhase(Terminating, s)
	m.stopCamera(r)
	if err := m.dev.Drain(); err != nil {
		r.log.Warn("drain device input", zap.Error(err))
	}
	m.makeSafe(r)
}

func (m *Manager) stopCamera(r *run) {
	if !r.recording {
		return
	}
	if err := m.cam.Stop(context.Background()); err != nil {
		r.log.Warn("camera stop", zap.Error(err))
	}
	r.recording = false
}

// makeSafe re-zeroes the stepper and reboots the device, whose boot homing
// lowers both arms. A device that does not come back keeps the gate closed.
func (m *Manager) makeSafe(r *run) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.FinalizeTimeout)
	defer cancel()

	if err := m.dev.Send(ctx, device.Zero()); err != nil {
		r.log.Warn("re-zero stepper", zap.Error(err))
	}
	if err := m.dev.Reset(ctx); err != nil {
		m.gate.SetDeviceFault(err)
		m.fault(err)
		r.log.Error("device did not come back after reset", zap.Error(err))
		m.logf("Device unresponsive after reset, tube closed")
		return
	}
	r.log.Info("device reset, arms lowered")
}

// finalize files the session's data and counters.
func (m *Manager) finalize(ctx context.Context, r *run) {
	s := r.sess
	m.update(func() { s.Ended = time.Now() })
	m.setPhase(Finalizing, s)

	fields := []zap.Field{
		zap.String("reason", string(s.Reason)),
		zap.Int("trials", s.Trials),
		zap.Duration("duration", s.Ended.Sub(s.Started)),
	}
	if s.Reason == ReasonFault {
		m.fault(s.Err)
		r.log.Error("session fault", append(fields, zap.String("kind", string(Classify(s.Err))), zap.Error(s.Err))...)
	} else {
		r.log.Info("session ended", append(fields, zap.Error(s.Err))...)
	}
	if err := r.closeLog(); err != nil {
		m.log.Warn("close session event log", zap.Error(err))
	}

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.FinalizeTimeout)
	defer cancel()

	sum := recorder.Summary{
		ID:         s.ID,
		Tag:        s.Tag,
		Name:       s.Name,
		Cage:       s.Cage,
		Seq:        s.Seq,
		Side:       string(s.Side),
		Level:      s.Level,
		Started:    s.Started,
		Ended:      s.Ended,
		Trials:     s.Trials,
		Reason:     string(s.Reason),
		FrameDrops: m.cam.FrameDrops() - r.dropsBase,
	}
	if s.Err != nil {
		sum.Error = s.Err.Error()
	}

	var errs []error
	if err := m.rec.Finalize(r.art, sum); err != nil {
		errs = append(errs, fmt.Errorf("finalize artifacts: %w", err))
	}
	if err := m.ledger.RecordSession(fctx, ledger.Record{
		ID:      s.ID,
		Tag:     s.Tag,
		Cage:    s.Cage,
		Seq:     s.Seq,
		Started: s.Started,
		Ended:   s.Ended,
		Trials:  s.Trials,
		Reason:  string(s.Reason),
		Dir:     r.art.Dir,
	}); err != nil {
		errs = append(errs, fmt.Errorf("record session: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		m.fault(err)
		m.log.Error("session data not fully saved", zap.String("session", s.ID), zap.Error(err))
	}

	if m.rfid != nil {
		if err := m.rfid.Flush(); err != nil {
			m.log.Warn("flush rfid reader", zap.Error(err))
		}
	}
	if m.metrics != nil {
		m.metrics.Sessions.WithLabelValues(string(s.Reason)).Inc()
	}

	m.update(func() { m.completed++ })
	m.logf("%s finished: %s, %d trials", s.Name, s.Reason, s.Trials)
}

// shutdown leaves the device in its safe state.
func (m *Manager) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.FinalizeTimeout)
	defer cancel()
	if err := m.dev.Reset(ctx); err != nil {
		m.log.Warn("reset device on shutdown", zap.Error(err))
	}
	m.logf("Controller stopped")
}
