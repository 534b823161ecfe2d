package interceptors

import (
	"iter"
	"time"

	"github.com/forattini-dev/raffel-sub005"
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollectors bundles the three series the core auto-registers (§4.5
// "Metrics"): a request counter, a duration histogram, and an error
// counter, keyed as the spec requires.
type MetricsCollectors struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ErrorsTotal     *prometheus.CounterVec
}

// NewMetricsCollectors builds the collectors and registers them against reg.
// Pass prometheus.DefaultRegisterer for process-wide metrics, or a fresh
// prometheus.NewRegistry() in tests to avoid collisions across test runs.
func NewMetricsCollectors(reg prometheus.Registerer) *MetricsCollectors {
	c := &MetricsCollectors{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "requests_total",
			Help: "Total number of Raffel requests dispatched, by procedure and status.",
		}, []string{"procedure", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "request_duration_seconds",
			Help:    "Raffel request handling duration in seconds, by procedure.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"procedure"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "request_errors_total",
			Help: "Total number of Raffel request errors, by procedure and error code.",
		}, []string{"procedure", "code"}),
	}
	reg.MustRegister(c.RequestsTotal, c.RequestDuration, c.ErrorsTotal)
	return c
}

// Metrics records success/error and duration around next() (§4.5).
func Metrics(c *MetricsCollectors) raffel.Interceptor {
	return func(ctx *raffel.Context, envelope *raffel.Envelope, next raffel.Next) (any, iter.Seq2[any, error], error) {
		start := time.Now()
		result, stream, err := next(ctx, envelope.Payload)
		duration := time.Since(start)

		c.RequestDuration.WithLabelValues(envelope.Procedure).Observe(duration.Seconds())

		if err != nil {
			mapped := raffel.DefaultErrorTransformer(err)
			c.RequestsTotal.WithLabelValues(envelope.Procedure, "error").Inc()
			c.ErrorsTotal.WithLabelValues(envelope.Procedure, string(mapped.Code)).Inc()
			return result, stream, err
		}

		c.RequestsTotal.WithLabelValues(envelope.Procedure, "ok").Inc()
		return result, stream, nil
	}
}
