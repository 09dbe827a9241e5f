package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gwillem/homecage/pkg/config"
	"github.com/gwillem/homecage/pkg/device"
	"github.com/gwillem/homecage/pkg/ledger"
	"github.com/gwillem/homecage/pkg/profile"
)

func TestFeedSimulator(t *testing.T) {
	sim := device.NewSimulator(device.SimOptions{})
	link := device.New(sim, device.Config{ReadyTimeout: time.Second}, nil)
	defer link.Close()

	tags := make(chan string, 1)
	input := strings.NewReader("\nenter\n002fbe737b99\n")

	feedSimulator(context.Background(), input, sim, tags, zap.NewNop())

	assert.True(t, sim.State().BeamBroken)
	select {
	case tag := <-tags:
		assert.Equal(t, "002FBE737B99", tag)
	default:
		t.Fatal("no tag forwarded")
	}
}

func TestSimControl_Tag(t *testing.T) {
	tags := make(chan string, 1)
	ctrl := &simControl{
		tags: tags,
		profiles: profile.NewRegistry(
			profile.Profile{Tag: "002FBE737B99", Name: "Alice", Side: device.Left, Difficulty: 3},
		),
	}

	tag, ok := ctrl.tag(0)
	require.True(t, ok)
	assert.Equal(t, "002FBE737B99", tag)
	assert.Equal(t, "002FBE737B99", <-tags)

	_, ok = ctrl.tag(1)
	assert.False(t, ok)
}

func TestDeviceConfig(t *testing.T) {
	cfg := config.Default()
	dc := deviceConfig(cfg)
	assert.Equal(t, cfg.Device.Port, dc.Port)
	assert.Equal(t, cfg.Device.BaudRate, dc.BaudRate)
	assert.Equal(t, cfg.Device.ReadyTimeout, dc.ReadyTimeout)
}

func TestRenderHistory(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 30, 0, 0, time.Local)
	out := renderHistory([]ledger.Record{
		{Tag: "002FBE737B99", Cage: 1, Seq: 4, Started: start, Ended: start.Add(95 * time.Second), Trials: 9, Reason: "exited"},
		{Tag: "0782B182D6", Cage: 1, Seq: 1, Started: start, Ended: start, Reason: "fault"},
	})

	for _, want := range []string{"Started", "002FBE737B99", "0782B182D6", "1m35s", "exited", "fault"} {
		assert.Contains(t, out, want)
	}
}

func TestPortOptions(t *testing.T) {
	options := portOptions([]string{"/dev/ttyACM0", "/dev/ttyUSB0"}, map[string]bool{"/dev/ttyACM0": true})
	require.Len(t, options, 2)
	assert.Equal(t, "/dev/ttyACM0 (READY)", options[0].Key)
	assert.Equal(t, "/dev/ttyACM0", options[0].Value)
	assert.Equal(t, "/dev/ttyUSB0", options[1].Key)
}
