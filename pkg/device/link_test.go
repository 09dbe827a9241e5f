package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLink(t *testing.T, opts SimOptions) (*Link, *Simulator) {
	t.Helper()

	sim := NewSimulator(opts)
	l := New(sim, Config{
		ReadyTimeout: time.Second,
		SettleDelay:  time.Millisecond,
		ResetPulse:   time.Millisecond,
	}, nil)
	t.Cleanup(func() { l.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.WaitReady(ctx))
	return l, sim
}

func TestStartMode_Byte(t *testing.T) {
	tests := []struct {
		mode StartMode
		want byte
	}{
		{StartMode{Authorized: true}, 'A'},
		{StartMode{}, 'Y'},
		{StartMode{Authorized: true, Simulated: true}, 'S'},
		{StartMode{Simulated: true}, 'Z'},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.mode.Byte(), "%+v", tt.mode)
	}
}

func TestCommand_Encode(t *testing.T) {
	tests := []struct {
		cmd     Command
		op      byte
		operand []byte
		wantErr bool
	}{
		{Present(Right), '1', nil, false},
		{Present(Left), '2', nil, false},
		{Present("up"), 0, nil, true},
		{Move(0), '3', []byte{'0'}, false},
		{Move(6), '3', []byte{'6'}, false},
		{Move(7), 0, nil, true},
		{Move(-1), 0, nil, true},
		{Zero(), '3', []byte{'0'}, false},
	}

	for _, tt := range tests {
		op, operand, err := tt.cmd.Encode()
		if tt.wantErr {
			assert.Error(t, err, tt.cmd.String())
			continue
		}
		require.NoError(t, err, tt.cmd.String())
		assert.Equal(t, tt.op, op, tt.cmd.String())
		assert.Equal(t, tt.operand, operand, tt.cmd.String())
	}
}

func TestParseLine(t *testing.T) {
	tests := []struct {
		line string
		want EventKind
		ok   bool
	}{
		{"READY\n", EventReady, true},
		{"TERM\r\n", EventTerminated, true},
		{"  term \n", EventTerminated, true},
		{"\x00\xffTERM\n", EventTerminated, true},
		{"ENTER\n", EventTubeEntered, true},
		{"EXIT\n", EventTubeExited, true},
		{"ABORT\n", EventMoveAborted, true},
		{"TERMINATE\n", 0, false},
		{"\n", 0, false},
		{"steps=1200\n", 0, false},
	}

	for _, tt := range tests {
		got, ok := ParseLine(tt.line)
		assert.Equal(t, tt.ok, ok, "%q", tt.line)
		assert.Equal(t, tt.want, got, "%q", tt.line)
	}
}

func TestLink_ReadyHomesState(t *testing.T) {
	l, _ := newTestLink(t, SimOptions{})

	s := l.State()
	assert.Equal(t, ModeIdle, s.Mode)
	assert.True(t, s.StepperKnown)
	assert.Equal(t, 0, s.StepperLevel)
	assert.True(t, s.ArmsLowered())
}

func TestLink_WaitReadyTimeout(t *testing.T) {
	sim := NewSimulator(SimOptions{})
	l := New(sim, Config{}, nil)
	defer l.Close()

	// Consume the boot READY so the next wait has nothing to see.
	require.NoError(t, l.WaitReady(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.WaitReady(ctx)
	assert.ErrorIs(t, err, ErrLinkUnavailable)
}

func TestLink_MoveStepper(t *testing.T) {
	l, sim := newTestLink(t, SimOptions{})

	require.NoError(t, l.Send(context.Background(), Move(3)))

	assert.Equal(t, []byte("33"), sim.Received())
	assert.Equal(t, 3, l.State().StepperLevel)
	require.Eventually(t, func() bool {
		return sim.State().StepperLevel == 3
	}, time.Second, time.Millisecond)
}

func TestLink_ZeroIsIdempotent(t *testing.T) {
	l, sim := newTestLink(t, SimOptions{})
	ctx := context.Background()

	require.NoError(t, l.Send(ctx, Move(5)))
	require.NoError(t, l.Send(ctx, Move(0)))
	once := l.State()
	require.NoError(t, l.Send(ctx, Move(0)))
	twice := l.State()

	assert.Equal(t, once, twice)
	assert.Equal(t, 0, twice.StepperLevel)
	require.Eventually(t, func() bool {
		s := sim.State()
		return s.StepperKnown && s.StepperLevel == 0
	}, time.Second, time.Millisecond)
}

func TestLink_PresentRequiresActive(t *testing.T) {
	l, sim := newTestLink(t, SimOptions{})

	err := l.Send(context.Background(), Present(Left))
	assert.ErrorIs(t, err, ErrNotActive)
	assert.Empty(t, sim.Received())

	require.NoError(t, l.SendStart(StartMode{Authorized: true}))
	require.NoError(t, l.Send(context.Background(), Present(Left)))
	assert.Equal(t, []byte("A2"), sim.Received())
	assert.True(t, l.State().LeftRaised)
}

func TestLink_AwaitTermination(t *testing.T) {
	l, sim := newTestLink(t, SimOptions{})
	ctx := context.Background()

	require.NoError(t, l.SendStart(StartMode{Authorized: true}))
	require.NoError(t, l.Send(ctx, Present(Right)))
	// Written bytes take effect before the write returns.
	require.Equal(t, ModeActive, sim.State().Mode)

	go func() {
		sim.Emit("garbage")
		sim.Exit()
	}()

	require.NoError(t, l.AwaitTermination(ctx, time.Second))
	s := l.State()
	assert.Equal(t, ModeIdle, s.Mode)
	assert.True(t, s.ArmsLowered())

	err := l.Send(ctx, Present(Right))
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestLink_AwaitTerminationStall(t *testing.T) {
	l, sim := newTestLink(t, SimOptions{Stall: true})

	require.NoError(t, l.SendStart(StartMode{Authorized: true}))
	sim.Exit()

	err := l.AwaitTermination(context.Background(), 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrStallTimeout)
}

func TestLink_AwaitTerminationCancelled(t *testing.T) {
	l, _ := newTestLink(t, SimOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.AwaitTermination(ctx, time.Second)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestLink_ResetLowersArms(t *testing.T) {
	l, sim := newTestLink(t, SimOptions{})
	ctx := context.Background()

	require.NoError(t, l.Send(ctx, Move(4)))
	require.NoError(t, l.SendStart(StartMode{Authorized: true}))
	require.NoError(t, l.Send(ctx, Present(Right)))
	require.Eventually(t, func() bool { return sim.State().RightRaised }, time.Second, time.Millisecond)

	require.NoError(t, l.Reset(ctx))

	assert.Equal(t, homed(), l.State())
	assert.True(t, sim.State().ArmsLowered())
	assert.Equal(t, 0, sim.State().StepperLevel)
}

func TestLink_StuckLimitMarksPositionUnknown(t *testing.T) {
	l, _ := newTestLink(t, SimOptions{StuckLimit: true})

	require.NoError(t, l.Send(context.Background(), Move(2)))
	require.Eventually(t, func() bool {
		return !l.State().StepperKnown
	}, time.Second, time.Millisecond)

	// The reply to the operand must not be undone by the completed write.
	time.Sleep(20 * time.Millisecond)
	assert.False(t, l.State().StepperKnown)
}

func TestLink_Drain(t *testing.T) {
	l, sim := newTestLink(t, SimOptions{})

	sim.Enter()
	require.Eventually(t, func() bool { return len(l.events) == 1 }, time.Second, time.Millisecond)
	require.NoError(t, l.Drain())

	select {
	case ev := <-l.Events():
		t.Fatalf("unexpected event after drain: %v", ev.Kind)
	default:
	}
	assert.True(t, l.State().BeamBroken)
}

func TestSimulator_ExitRightAfterStartReportsTerm(t *testing.T) {
	for i := 0; i < 20; i++ {
		l, sim := newTestLink(t, SimOptions{})

		require.NoError(t, l.SendStart(StartMode{Authorized: true}))
		go sim.Exit()

		require.NoError(t, l.AwaitTermination(context.Background(), time.Second), "run %d", i)
	}
}
