// Package metrics records upstream generation outcomes as prometheus
// collectors and as performance_metrics rows.
package metrics

import (
	"context"
	"time"

	"github.com/nerdneilsfield/imagegen-broker/internal/storage"
	"github.com/nerdneilsfield/imagegen-broker/pkg/imageapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

const (
	namespace = "imagegen_broker"

	// saveTimeout bounds the metric row insert so a slow database does not
	// hold the request.
	saveTimeout = 5 * time.Second
)

// Sink persists one performance metric row; *storage.MetricRepository satisfies it.
type Sink interface {
	SaveMetric(ctx context.Context, m *storage.PerformanceMetric) error
}

type Recorder struct {
	sink   Sink
	logger *zap.Logger

	generations      *prometheus.CounterVec
	generationErrors *prometheus.CounterVec
	duration         *prometheus.HistogramVec
	upstreamDuration *prometheus.HistogramVec
	attempts         prometheus.Histogram
	images           prometheus.Counter
	outcomes         *prometheus.CounterVec
	reservations     *prometheus.CounterVec
}

// NewRecorder registers the collectors on reg. sink may be nil, in which
// case only the collectors are updated.
func NewRecorder(reg prometheus.Registerer, sink Sink, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)
	return &Recorder{
		sink:   sink,
		logger: logger.Named("metrics"),
		generations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "generations_total",
			Help:      "Upstream generation calls by operation, model and result.",
		}, []string{"operation", "model", "result"}),
		generationErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "errors_total",
			Help:      "Failed upstream generation calls by error type.",
		}, []string{"operation", "error_type"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "generation_duration_seconds",
			Help:      "Total time of a generation call including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~256s
		}, []string{"operation"}),
		upstreamDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "request_duration_seconds",
			Help:      "Time spent in upstream attempts and retry delays.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{"operation"}),
		attempts: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "attempts",
			Help:      "Attempts needed per generation call.",
			Buckets:   []float64{1, 2, 3, 4, 5},
		}),
		images: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "images_total",
			Help:      "Images returned by the upstream provider.",
		}),
		outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "outcomes_total",
			Help:      "Broker request outcomes by mode and result code.",
		}, []string{"mode", "code"}),
		reservations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "reservations_total",
			Help:      "Credit reservations by final state.",
		}, []string{"state"}),
	}
}

func seconds(d time.Duration) float64 { return d.Seconds() }

// ObserveGeneration implements imageapi.Observer.
func (r *Recorder) ObserveGeneration(ctx context.Context, o imageapi.Observation) {
	result := "success"
	if !o.Success {
		result = "failure"
		r.generationErrors.WithLabelValues(o.Operation, o.ErrorType).Inc()
	}
	r.generations.WithLabelValues(o.Operation, o.Model, result).Inc()
	r.duration.WithLabelValues(o.Operation).Observe(seconds(o.Timing.Total))
	if o.Attempts > 0 {
		r.upstreamDuration.WithLabelValues(o.Operation).Observe(seconds(o.Timing.Upstream))
		r.attempts.Observe(float64(o.Attempts))
	}
	r.images.Add(float64(o.ImageCount))

	if r.sink == nil {
		return
	}
	row := &storage.PerformanceMetric{
		Operation:      o.Operation,
		Model:          o.Model,
		PromptLength:   o.PromptLength,
		ImageSize:      o.ImageSize,
		ImageCount:     o.ImageCount,
		GenerationTime: seconds(o.Timing.Total),
		UpstreamTime:   seconds(o.Timing.Upstream),
		QueueTime:      seconds(o.Timing.Queue),
		ConnectTime:    seconds(o.Timing.Connect),
		ReadTime:       seconds(o.Timing.Read),
		Attempts:       o.Attempts,
		Success:        o.Success,
		ErrorType:      o.ErrorType,
		ErrorMessage:   o.ErrorMessage,
	}
	if o.UserID != 0 {
		uid := o.UserID
		row.UserID = &uid
	}

	// 请求已取消时仍然记录
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	if err := r.sink.SaveMetric(saveCtx, row); err != nil {
		r.logger.Warn("failed to save performance metric", zap.String("operation", o.Operation), zap.Error(err))
	}
}

// ObserveOutcome counts one broker request by mode and result code.
func (r *Recorder) ObserveOutcome(mode, code string) {
	r.outcomes.WithLabelValues(mode, code).Inc()
}

// ObserveReservation counts a reservation reaching state (settled, refunded, recovered).
func (r *Recorder) ObserveReservation(state string) {
	r.reservations.WithLabelValues(state).Inc()
}
