package eventstore

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-recorder/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openSession(t *testing.T, maxEvents int) *Store {
	t.Helper()
	es, err := Open(context.Background(), config.JournalConfig{RetentionMode: "session", MaxEvents: maxEvents}, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	es, err := Open(ctx, config.JournalConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "s", Type: TypeItemFetched}); err != nil {
		t.Fatalf("append: %v", err)
	}
	events, err := es.ListEvents(ctx, 10)
	if err != nil || len(events) != 0 {
		t.Fatalf("expected nothing stored, got %d events (%v)", len(events), err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	es := openSession(t, 0)
	ctx := context.Background()
	at := time.Date(2025, 3, 1, 12, 0, 0, 500, time.UTC)

	if err := es.AppendEvent(ctx, Event{SessionID: "s1", FileName: "utt_1", Type: TypeItemFetched, Payload: []byte("hello"), CreatedAt: at}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "s1", FileName: "utt_1", Type: TypeSubmitted}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "s2", Type: TypeWorkComplete}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != TypeItemFetched || events[1].Type != TypeSubmitted {
		t.Fatalf("unexpected order %s, %s", events[0].Type, events[1].Type)
	}
	if string(events[0].Payload) != "hello" || events[0].FileName != "utt_1" {
		t.Fatalf("unexpected event %+v", events[0])
	}
	if !events[0].CreatedAt.Equal(at) {
		t.Fatalf("created_at round trip: got %v want %v", events[0].CreatedAt, at)
	}
}

func TestPruneKeepsNewestEvents(t *testing.T) {
	es := openSession(t, 3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := es.AppendEvent(ctx, Event{SessionID: "s", Type: TypeRecordingStarted, Payload: []byte{byte(i)}}); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	events, err := es.ListEvents(ctx, 100)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events after prune, got %d", len(events))
	}
	if events[0].Payload[0] != 2 || events[2].Payload[0] != 4 {
		t.Fatalf("expected newest events kept, got %v..%v", events[0].Payload, events[2].Payload)
	}
}

func TestListEventsLimitReturnsNewest(t *testing.T) {
	es := openSession(t, 0)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if err := es.AppendEvent(ctx, Event{SessionID: "s", Type: TypeRecordingStopped, Payload: []byte{byte(i)}}); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	events, err := es.ListEvents(ctx, 2)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 || events[0].Payload[0] != 2 || events[1].Payload[0] != 3 {
		t.Fatalf("unexpected events %+v", events)
	}
}
