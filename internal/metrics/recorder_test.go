package metrics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerdneilsfield/imagegen-broker/internal/storage"
	"github.com/nerdneilsfield/imagegen-broker/pkg/imageapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memorySink struct {
	mu     sync.Mutex
	rows   []*storage.PerformanceMetric
	ctxErr error
	err    error
}

func (s *memorySink) SaveMetric(ctx context.Context, m *storage.PerformanceMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctxErr = ctx.Err()
	s.rows = append(s.rows, m)
	return s.err
}

func TestRecorder_Success(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := &memorySink{}
	r := NewRecorder(reg, sink, nil)

	r.ObserveGeneration(context.Background(), imageapi.Observation{
		UserID:       42,
		Operation:    imageapi.OperationTextToImage,
		Model:        "nano-banana",
		PromptLength: 12,
		ImageSize:    "1024x1024",
		ImageCount:   2,
		Attempts:     1,
		Success:      true,
		Timing: imageapi.Timing{
			Queue:    10 * time.Millisecond,
			Upstream: 1500 * time.Millisecond,
			Total:    2 * time.Second,
		},
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(r.generations.WithLabelValues(imageapi.OperationTextToImage, "nano-banana", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.images))
	assert.Equal(t, 0, testutil.CollectAndCount(r.generationErrors))

	require.Len(t, sink.rows, 1)
	row := sink.rows[0]
	require.NotNil(t, row.UserID)
	assert.Equal(t, int64(42), *row.UserID)
	assert.True(t, row.Success)
	assert.Equal(t, 2.0, row.GenerationTime)
	assert.Equal(t, 1.5, row.UpstreamTime)
	assert.Equal(t, 12, row.PromptLength)
}

func TestRecorder_FailureSurvivesCanceledRequest(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := &memorySink{}
	r := NewRecorder(reg, sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.ObserveGeneration(ctx, imageapi.Observation{
		Operation:    imageapi.OperationImageToImage,
		Model:        "nano-banana-hd",
		ImageSize:    imageapi.AutoSize,
		Attempts:     3,
		ErrorType:    imageapi.MetricTimeout,
		ErrorMessage: "no response within 3m0s",
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(r.generationErrors.WithLabelValues(imageapi.OperationImageToImage, imageapi.MetricTimeout)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.generations.WithLabelValues(imageapi.OperationImageToImage, "nano-banana-hd", "failure")))

	require.Len(t, sink.rows, 1)
	assert.NoError(t, sink.ctxErr)
	assert.Nil(t, sink.rows[0].UserID)
	assert.Equal(t, imageapi.MetricTimeout, sink.rows[0].ErrorType)
}

func TestRecorder_SinkErrorIsLogged(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg, &memorySink{err: errors.New("disk full")}, nil)

	assert.NotPanics(t, func() {
		r.ObserveGeneration(context.Background(), imageapi.Observation{Operation: imageapi.OperationTextToImage, Success: true})
	})
}

func TestRecorder_NilSinkAndOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg, nil, nil)
	r.ObserveGeneration(context.Background(), imageapi.Observation{Operation: imageapi.OperationTextToImage, Success: true})

	r.ObserveOutcome("text_to_image", "success")
	r.ObserveOutcome("text_to_image", "success")
	r.ObserveOutcome("text_to_image", "insufficient_credits")
	r.ObserveReservation("refunded")

	assert.Equal(t, 2.0, testutil.ToFloat64(r.outcomes.WithLabelValues("text_to_image", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.outcomes.WithLabelValues("text_to_image", "insufficient_credits")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.reservations.WithLabelValues("refunded")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "imagegen_broker_broker_outcomes_total")
}
