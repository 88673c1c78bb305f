// Package metrics exposes pipeline counters in Prometheus format.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Recorder methods are safe to call on a nil receiver.
type Recorder struct {
	registry      *prometheus.Registry
	items         *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	idlePolls     prometheus.Counter
}

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callnote_items_total",
			Help: "Work items by terminal state.",
		}, []string{"state"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "callnote_stage_duration_seconds",
			Help:    "Wall time spent in each pipeline stage.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 900, 1800, 3600},
		}, []string{"stage"}),
		idlePolls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callnote_idle_polls_total",
			Help: "Queue fetches that returned no work item.",
		}),
	}
	r.registry.MustRegister(r.items, r.stageDuration, r.idlePolls)
	return r
}

func (r *Recorder) ItemFinished(state string) {
	if r == nil {
		return
	}
	r.items.WithLabelValues(state).Inc()
}

func (r *Recorder) ObserveStage(stage string, d time.Duration) {
	if r == nil {
		return
	}
	r.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (r *Recorder) IdlePoll() {
	if r == nil {
		return
	}
	r.idlePolls.Inc()
}

func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Serve blocks until ctx is done, then shuts the listener down.
func (r *Recorder) Serve(ctx context.Context, addr string, log *logrus.Entry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("metrics listener started")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
