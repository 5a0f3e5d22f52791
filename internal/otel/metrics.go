package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the digest daemon's instruments.
type Metrics struct {
	MessagesBuffered   metric.Int64Counter
	SummaryTriggered   metric.Int64Counter
	SummaryFailed      metric.Int64Counter
	SummarySkipped     metric.Int64Counter
	CompletionDuration metric.Float64Histogram
	PersistDuration    metric.Float64Histogram
	SummaryInFlight    metric.Int64UpDownCounter
	RequestDuration    metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.MessagesBuffered, err = meter.Int64Counter("chatdigest.messages.buffered",
		metric.WithDescription("Messages appended to conversation buffers"),
	)
	if err != nil {
		return nil, err
	}

	m.SummaryTriggered, err = meter.Int64Counter("chatdigest.summary.triggered",
		metric.WithDescription("Summaries claimed, by trigger reason"),
	)
	if err != nil {
		return nil, err
	}

	m.SummaryFailed, err = meter.Int64Counter("chatdigest.summary.failed",
		metric.WithDescription("Summaries that failed, by failure reason"),
	)
	if err != nil {
		return nil, err
	}

	m.SummarySkipped, err = meter.Int64Counter("chatdigest.summary.skipped",
		metric.WithDescription("Triggers that did not start a run, by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.CompletionDuration, err = meter.Float64Histogram("chatdigest.completion.duration",
		metric.WithDescription("Completion call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.PersistDuration, err = meter.Float64Histogram("chatdigest.persist.duration",
		metric.WithDescription("Store save duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SummaryInFlight, err = meter.Int64UpDownCounter("chatdigest.summary.inflight",
		metric.WithDescription("Summaries currently running"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestDuration, err = meter.Float64Histogram("chatdigest.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NoopMetrics returns instruments that record nothing.
func NoopMetrics() *Metrics {
	m, err := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	if err != nil {
		// The noop meter never fails.
		panic(err)
	}
	return m
}

// WithReason is the attribute option for reason-labelled counters.
func WithReason(reason string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("reason", reason))
}

// WithOutcome is the attribute option for the skipped counter.
func WithOutcome(outcome string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("outcome", outcome))
}

// RecordDuration records the time since start on h.
func RecordDuration(ctx context.Context, h metric.Float64Histogram, start time.Time, opts ...metric.RecordOption) {
	h.Record(ctx, time.Since(start).Seconds(), opts...)
}
