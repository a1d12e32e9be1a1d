package metrics

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestDisabledExporterRecordsNothing(t *testing.T) {
	e, err := NewExporter(false, "node-1", "coral/metrics/node-1", noop.NewMeterProvider().Meter("test"), zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error building disabled exporter: %v", err)
	}
	e.RecordProcessedFrame(context.Background(), 0.01)
	e.RecordDroppedFrame(context.Background(), "queue_full")
	if e.processFramesSeen != 0 || len(e.dropFramesSeen) != 0 {
		t.Fatalf("expected disabled exporter to record nothing, got %d processed and %v dropped", e.processFramesSeen, e.dropFramesSeen)
	}
	if e.client != nil {
		t.Fatalf("expected disabled exporter to never dial a broker")
	}
}

func TestEnabledExporterAccumulatesSnapshot(t *testing.T) {
	e, err := NewExporter(true, "node-1", "coral/metrics/node-1", noop.NewMeterProvider().Meter("test"), zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error building exporter: %v", err)
	}
	e.RecordProcessedFrame(context.Background(), 0.02)
	e.RecordDroppedFrame(context.Background(), "sender_error")

	if e.processFramesSeen != 1 {
		t.Fatalf("expected 1 processed frame recorded, got %d", e.processFramesSeen)
	}
	if e.dropFramesSeen["sender_error"] != 1 {
		t.Fatalf("expected 1 sender_error drop recorded, got %d", e.dropFramesSeen["sender_error"])
	}
}
