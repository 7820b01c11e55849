package coordinator

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	fetches     metric.Int64Counter
	submissions metric.Int64Counter
	chunks      metric.Int64Counter
	bytes       metric.Int64Histogram
	gauge       metric.Registration
}

func newMetrics(c *Coordinator, meter metric.Meter) (*metrics, error) {
	if meter == nil {
		meter = otel.Meter("github.com/loqalabs/loqa-recorder/coordinator")
	}
	fetches, err := meter.Int64Counter("recorder.fetches", metric.WithDescription("Work item fetches by result"))
	if err != nil {
		return nil, err
	}
	submissions, err := meter.Int64Counter("recorder.submissions", metric.WithDescription("Recording submissions by result"))
	if err != nil {
		return nil, err
	}
	chunks, err := meter.Int64Counter("recorder.chunks", metric.WithDescription("Audio chunks buffered"))
	if err != nil {
		return nil, err
	}
	size, err := meter.Int64Histogram("recorder.submission.bytes",
		metric.WithDescription("Size of submitted recordings"),
		metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}
	buffered, err := meter.Int64ObservableGauge("recorder.buffer.bytes", metric.WithDescription("Bytes currently buffered"))
	if err != nil {
		return nil, err
	}
	reg, err := meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(buffered, int64(c.Snapshot().Bytes))
		return nil
	}, buffered)
	if err != nil {
		return nil, err
	}
	return &metrics{fetches: fetches, submissions: submissions, chunks: chunks, bytes: size, gauge: reg}, nil
}

func (m *metrics) close() error {
	if m == nil || m.gauge == nil {
		return nil
	}
	err := m.gauge.Unregister()
	m.gauge = nil
	return err
}

func (c *Coordinator) countFetch(ctx context.Context, result string) {
	if c.metrics == nil {
		return
	}
	c.metrics.fetches.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (c *Coordinator) countSubmission(ctx context.Context, result string, size int) {
	if c.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("result", result))
	c.metrics.submissions.Add(ctx, 1, attrs)
	c.metrics.bytes.Record(ctx, int64(size), attrs)
}
