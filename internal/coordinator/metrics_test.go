package coordinator

import (
	"context"
	"testing"

	"github.com/loqalabs/loqa-recorder/internal/capture"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func bufferGaugePoints(t *testing.T, reader *sdkmetric.ManualReader) []metricdata.DataPoint[int64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	var points []metricdata.DataPoint[int64]
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "recorder.buffer.bytes" {
				continue
			}
			if g, ok := m.Data.(metricdata.Gauge[int64]); ok {
				points = append(points, g.DataPoints...)
			}
		}
	}
	return points
}

func TestCloseUnregistersBufferGauge(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	ctrl := capture.NewController(&testDevice{}, capture.ControllerOptions{}, newLogger())
	coord := New(Options{
		Capture:  ctrl,
		Fetcher:  &fakeFetcher{},
		Uploader: &fakeUploader{},
		Meter:    provider.Meter("test"),
	}, newLogger())
	coord.OnBufferChanged(capture.BufferInfo{Chunks: 1, Bytes: 4096})

	points := bufferGaugePoints(t, reader)
	if len(points) != 1 || points[0].Value != 4096 {
		t.Fatalf("expected buffered bytes gauge, got %+v", points)
	}

	if err := coord.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if points := bufferGaugePoints(t, reader); len(points) != 0 {
		t.Fatalf("expected gauge callback to be removed, got %+v", points)
	}
	if err := coord.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
