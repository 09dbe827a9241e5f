package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/homecage/pkg/device"
)

type recordingSender struct {
	mu     sync.Mutex
	active bool
	sent   []device.Command
	times  []time.Time
	delay  time.Duration
}

func (r *recordingSender) Send(ctx context.Context, cmd device.Command) error {
	time.Sleep(r.delay)
	r.mu.Lock()
	defer r.mu.Unlock()
	if cmd.Kind == device.PresentPellet && !r.active {
		return device.ErrNotActive
	}
	r.sent = append(r.sent, cmd)
	r.times = append(r.times, time.Now())
	return nil
}

func (r *recordingSender) setActive(v bool) {
	r.mu.Lock()
	r.active = v
	r.mu.Unlock()
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func TestPelletScheduler_PresentsOnSchedule(t *testing.T) {
	dev := &recordingSender{active: true}
	p := NewPelletScheduler(dev, device.Left, 40*time.Millisecond, nil)

	start := time.Now()
	go p.Run(context.Background(), start)

	require.Eventually(t, func() bool { return dev.count() >= 3 }, time.Second, 5*time.Millisecond)
	p.Cancel()
	<-p.Done()

	dev.mu.Lock()
	defer dev.mu.Unlock()
	assert.Equal(t, device.Present(device.Left), dev.sent[0])
	// Slots are anchored at the session start.
	assert.Less(t, dev.times[0].Sub(start), 30*time.Millisecond)
	assert.GreaterOrEqual(t, dev.times[2].Sub(start), 80*time.Millisecond)
	assert.Equal(t, len(dev.sent), p.Trials())
	assert.Equal(t, Cancelled, p.State())
}

func TestPelletScheduler_NothingAfterCancel(t *testing.T) {
	dev := &recordingSender{active: true, delay: 20 * time.Millisecond}
	p := NewPelletScheduler(dev, device.Right, 10*time.Millisecond, nil)

	go p.Run(context.Background(), time.Now())
	require.Eventually(t, func() bool { return dev.count() >= 1 }, time.Second, time.Millisecond)

	p.Cancel()
	n := dev.count()
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, n, dev.count())

	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Cancel")
	}
}

func TestPelletScheduler_StopsWhenDeviceInactive(t *testing.T) {
	dev := &recordingSender{active: true}
	p := NewPelletScheduler(dev, device.Right, 10*time.Millisecond, nil)

	go p.Run(context.Background(), time.Now())
	require.Eventually(t, func() bool { return dev.count() >= 1 }, time.Second, time.Millisecond)
	dev.setActive(false)

	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("Run did not stop when device went idle")
	}
	assert.Equal(t, Cancelled, p.State())
}

func TestPelletScheduler_OnTrial(t *testing.T) {
	dev := &recordingSender{active: true}
	p := NewPelletScheduler(dev, device.Left, time.Hour, nil)

	got := make(chan int, 1)
	p.OnTrial(func(n int) { got <- n })

	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx, time.Now())

	select {
	case n := <-got:
		assert.Equal(t, 1, n)
	case <-time.After(time.Second):
		t.Fatal("no trial at session start")
	}
	cancel()
	<-p.Done()
}
