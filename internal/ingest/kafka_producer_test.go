package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/bus-ridership-hub/internal/models"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestPublishTelemetryRoundTrip(t *testing.T) {
	w := &fakeWriter{}
	p := NewKafkaProducerWithWriter(w)
	at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	in := models.BusTelemetry{DeviceID: "bus-7", BusNumber: "143", Position: models.Coord{Lat: 37.5, Lon: 127}, ReportedAt: at}

	if err := p.PublishTelemetry(context.Background(), in); err != nil {
		t.Fatal(err)
	}
	if len(w.msgs) != 1 || string(w.msgs[0].Key) != "bus-7" {
		t.Fatalf("unexpected messages %+v", w.msgs)
	}
	out, err := DecodeTelemetry(w.msgs[0])
	if err != nil {
		t.Fatal(err)
	}
	if out.BusNumber != "143" || out.Position != in.Position || !out.ReportedAt.Equal(at) {
		t.Fatalf("unexpected decode %+v", out)
	}
}

func TestPublishTelemetryWrapsErrors(t *testing.T) {
	boom := errors.New("broker down")
	p := NewKafkaProducerWithWriter(&fakeWriter{err: boom})
	err := p.PublishTelemetry(context.Background(), models.BusTelemetry{DeviceID: "bus-1"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestDecodeTelemetryRejectsGarbage(t *testing.T) {
	if _, err := DecodeTelemetry(kafka.Message{Value: []byte("{")}); err == nil {
		t.Fatal("expected error for bad json")
	}
	if _, err := DecodeTelemetry(kafka.Message{Value: []byte(`{"bus_number":"1"}`)}); err == nil {
		t.Fatal("expected error for missing id")
	}
}
