package middleware

import (
	"context"
	"objrpc/message"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors MetricsMiddleware records into.
type Metrics struct {
	Calls    *prometheus.CounterVec   // labels: method, status
	Duration *prometheus.HistogramVec // labels: method
}

// NewMetrics creates the call collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Remote calls handled, by method and status.",
		}, []string{"method", "status"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Time spent dispatching a remote call.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.Calls, m.Duration} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// Middleware records every call passing through it.
func (m *Metrics) Middleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			m.Duration.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())
			m.Calls.WithLabelValues(req.Method, resp.Status.String()).Inc()
			return resp
		}
	}
}
