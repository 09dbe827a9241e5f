// Package metrics exposes session counters for Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds the controller's collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	Sessions    *prometheus.CounterVec
	Trials      prometheus.Counter
	Faults      *prometheus.CounterVec
	UnknownTags prometheus.Counter
	FrameDrops  prometheus.Counter
	State       *prometheus.GaugeVec
}

// New registers all collectors. cage is attached as a constant label.
func New(cage int) *Metrics {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"cage": strconv.Itoa(cage)}

	m := &Metrics{
		Registry: reg,
		Sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "homecage_sessions_total",
			Help:        "Finished sessions by termination reason.",
			ConstLabels: labels,
		}, []string{"reason"}),
		Trials: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "homecage_trials_total",
			Help:        "Pellet presentations sent to the device.",
			ConstLabels: labels,
		}),
		Faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "homecage_faults_total",
			Help:        "Faults by kind.",
			ConstLabels: labels,
		}, []string{"kind"}),
		UnknownTags: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "homecage_unknown_tags_total",
			Help:        "Tags read that match no animal profile.",
			ConstLabels: labels,
		}),
		FrameDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "homecage_camera_frame_drops_total",
			Help:        "Incomplete frames reported by the capture program.",
			ConstLabels: labels,
		}),
		State: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "homecage_state",
			Help:        "1 for the controller's current state, 0 otherwise.",
			ConstLabels: labels,
		}, []string{"state"}),
	}
	reg.MustRegister(m.Sessions, m.Trials, m.Faults, m.UnknownTags, m.FrameDrops, m.State)
	return m
}

// SetState marks state as current and every other known state as not.
func (m *Metrics) SetState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.State.WithLabelValues(s).Set(v)
	}
}

// Serve exposes /metrics on addr until ctx is done. An empty addr disables
// the listener. A listener that cannot start or fails is logged and Serve
// returns nil: the tube keeps running without metrics.
func (m *Metrics) Serve(ctx context.Context, addr string, log *zap.Logger) error {
	if addr == "" {
		<-ctx.Done()
		return nil
	}
	if log == nil {
		log = zap.NewNop()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info("metrics listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		log.Error("metrics listener failed, continuing without metrics", zap.String("addr", addr), zap.Error(err))
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("metrics shutdown", zap.Error(err))
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics listener", zap.Error(err))
		}
		return nil
	}
}
