package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New(2)
	m.Sessions.WithLabelValues("exited").Inc()
	m.Sessions.WithLabelValues("fault").Inc()
	m.Sessions.WithLabelValues("exited").Inc()
	m.Trials.Add(5)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Sessions.WithLabelValues("exited")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.Trials))

	m.SetState("active", []string{"idle", "active"})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.State.WithLabelValues("active")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.State.WithLabelValues("idle")))
}

func TestServe(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	m := New(1)
	m.UnknownTags.Inc()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx, addr, nil) }()

	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		body = string(b)
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)
	assert.True(t, strings.Contains(body, `homecage_unknown_tags_total{cage="1"} 1`), body)

	cancel()
	assert.NoError(t, <-done)
}

func TestServe_Disabled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, New(1).Serve(ctx, "", nil))
}

func TestServe_BusyAddressDoesNotFail(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	done := make(chan error, 1)
	go func() { done <- New(1).Serve(context.Background(), l.Addr().String(), nil) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not give up on a busy address")
	}
}
