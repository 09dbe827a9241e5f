package camera

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCapture behaves like the capture program: it refuses to start unless
// camera_ok exists, reports a dropped frame, and loops until the sentinel
// appears.
const fakeCapture = `#!/bin/sh
if [ "$1" = "--check" ]; then
  [ -f camera_ok ]
  exit $?
fi
if [ ! -f camera_ok ]; then
  echo "no cameras found"
  exit 255
fi
echo "Acquiring images..."
echo "Image incomplete with image status 4"
: > "$1"
while [ ! -f KILL ]; do sleep 0.05; done
echo "stopped"
`

// burstCapture reports many dropped frames and exits without waiting.
const burstCapture = `#!/bin/sh
echo "Acquiring images..."
i=0
while [ $i -lt 50 ]; do echo "Image incomplete"; i=$((i+1)); done
: > "$1"
`

const stubbornCapture = `#!/bin/sh
trap '' TERM
echo "Acquiring images..."
while true; do sleep 0.05; done
`

func newSupervisor(t *testing.T, script string) (*Supervisor, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "capture.sh")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))

	s := NewSupervisor(Config{
		Command:      path,
		CheckArgs:    []string{"--check"},
		WorkDir:      dir,
		ReadyMarker:  "Acquiring images",
		DropMarker:   "Image incomplete",
		StartTimeout: 2 * time.Second,
		StopTimeout:  2 * time.Second,
	}, nil)
	return s, dir
}

func TestSupervisor_StartStop(t *testing.T) {
	s, dir := newSupervisor(t, fakeCapture)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "camera_ok"), nil, 0o644))

	var drops atomic.Int32
	s.OnFrameDrop(func() { drops.Add(1) })

	out := filepath.Join(dir, "session.avi")
	require.NoError(t, s.Start(context.Background(), out))

	h := s.Handle()
	require.NotNil(t, h)
	assert.True(t, h.TriggerArmed)
	assert.NotZero(t, h.PID)
	assert.Equal(t, filepath.Join(dir, SentinelName), h.SentinelPath)

	assert.ErrorIs(t, s.Start(context.Background(), out), ErrAlreadyRecording)

	require.Eventually(t, func() bool { return s.FrameDrops() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), drops.Load())

	require.NoError(t, s.Stop(context.Background()))
	assert.Nil(t, s.Handle())
	assert.FileExists(t, out)
	assert.NoFileExists(t, h.SentinelPath)
	assert.True(t, s.Healthy())

	// Stop without a recording is a no-op.
	assert.NoError(t, s.Stop(context.Background()))
}

func TestSupervisor_StaleSentinelRemoved(t *testing.T) {
	s, dir := newSupervisor(t, fakeCapture)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "camera_ok"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, SentinelName), nil, 0o644))

	require.NoError(t, s.Start(context.Background(), filepath.Join(dir, "a.avi")))
	require.NoError(t, s.Stop(context.Background()))
}

func TestSupervisor_InitFailureAndCheck(t *testing.T) {
	s, dir := newSupervisor(t, fakeCapture)

	err := s.Start(context.Background(), filepath.Join(dir, "a.avi"))
	var initErr *InitError
	require.True(t, errors.As(err, &initErr), "got %v", err)
	assert.False(t, s.Healthy())
	assert.Nil(t, s.Handle())

	assert.Error(t, s.Check(context.Background()))
	assert.False(t, s.Healthy())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "camera_ok"), nil, 0o644))
	require.NoError(t, s.Check(context.Background()))
	assert.True(t, s.Healthy())
}

func TestSupervisor_StartTimeout(t *testing.T) {
	s, dir := newSupervisor(t, "#!/bin/sh\nsleep 5\n")
	s.cfg.StartTimeout = 200 * time.Millisecond

	start := time.Now()
	err := s.Start(context.Background(), filepath.Join(dir, "a.avi"))
	var initErr *InitError
	require.ErrorAs(t, err, &initErr)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, s.Healthy())
}

func TestSupervisor_StopKillsStubbornProcess(t *testing.T) {
	s, dir := newSupervisor(t, stubbornCapture)
	s.cfg.StopTimeout = 200 * time.Millisecond

	require.NoError(t, s.Start(context.Background(), filepath.Join(dir, "a.avi")))

	start := time.Now()
	require.NoError(t, s.Stop(context.Background()))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Nil(t, s.Handle())
}

func TestSupervisor_OutputPathIndependentOfWorkDir(t *testing.T) {
	base := t.TempDir()
	t.Chdir(base)

	workDir := filepath.Join(base, "camdir")
	require.NoError(t, os.MkdirAll(workDir, 0o755))
	script := filepath.Join(workDir, "capture.sh")
	require.NoError(t, os.WriteFile(script, []byte(fakeCapture), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "camera_ok"), nil, 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(base, "AnimalSessions"), 0o755))

	s := NewSupervisor(Config{
		Command:      script,
		WorkDir:      workDir,
		ReadyMarker:  "Acquiring images",
		StartTimeout: 2 * time.Second,
		StopTimeout:  2 * time.Second,
	}, nil)

	rel := filepath.Join("AnimalSessions", "x.avi")
	require.NoError(t, s.Start(context.Background(), rel))
	require.NoError(t, s.Stop(context.Background()))

	assert.FileExists(t, filepath.Join(base, rel))
	assert.NoFileExists(t, filepath.Join(workDir, rel))
}

func TestSupervisor_CountsEveryLineBeforeExit(t *testing.T) {
	s, dir := newSupervisor(t, burstCapture)

	require.NoError(t, s.Start(context.Background(), filepath.Join(dir, "session.avi")))
	require.NoError(t, s.Stop(context.Background()))
	assert.EqualValues(t, 50, s.FrameDrops())
}
