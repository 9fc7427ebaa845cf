package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-kitten/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTemp(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	cfg.Path = filepath.Join(t.TempDir(), "events.db")
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.AppendRequest(ctx, Request{Token: "t"}); err != nil {
		t.Fatalf("ephemeral append should be a no-op: %v", err)
	}
	if _, err := es.GetRequest(ctx, "t"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows, got %v", err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	ctx := context.Background()
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})

	token := "token-123"
	if err := es.AppendRequest(ctx, Request{Token: token, Text: "Hello", VoiceID: 3, Speed: 1.5}); err != nil {
		t.Fatalf("append request: %v", err)
	}
	for _, typ := range []string{"state.generating", "state.playing", "state.ready"} {
		if err := es.AppendEvent(ctx, Event{Token: token, Type: typ, Payload: []byte(typ)}); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}

	req, err := es.GetRequest(ctx, token)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if req.Text != "Hello" || req.VoiceID != 3 || req.Speed != 1.5 {
		t.Fatalf("unexpected request: %+v", req)
	}

	events, err := es.ListRequestEvents(ctx, token, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Type != "state.generating" || events[2].Type != "state.ready" {
		t.Fatalf("events out of order: %+v", events)
	}
	if string(events[1].Payload) != "state.playing" {
		t.Fatalf("unexpected payload: %s", events[1].Payload)
	}
}

func TestAppendEventRequiresRequest(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})
	if err := es.AppendEvent(context.Background(), Event{Token: "unknown", Type: "state.ready"}); err == nil {
		t.Fatalf("expected foreign key violation")
	}
}

func TestPruneByDaysAndRequests(t *testing.T) {
	ctx := context.Background()
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxRequests: 1})

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendRequest(ctx, Request{Token: "old", Text: "a"}); err != nil {
		t.Fatalf("append request: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{Token: "old", Type: "state.ready"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	for _, token := range []string{"mid", "new"} {
		if err := es.AppendRequest(ctx, Request{Token: token, Text: "b"}); err != nil {
			t.Fatalf("append request: %v", err)
		}
		es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 1, 0, time.UTC) }
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListRequestEvents(ctx, "old", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old request pruned")
	}
	recent, err := es.ListRecentRequests(ctx, 10)
	if err != nil {
		t.Fatalf("list requests: %v", err)
	}
	if len(recent) != 1 || recent[0].Token != "new" {
		t.Fatalf("expected only newest request kept, got %+v", recent)
	}
}

func TestRecorderFlushesOnClose(t *testing.T) {
	ctx := context.Background()
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})
	rec := NewRecorder(es, 16, newLogger())

	rec.RecordRequest(Request{Token: "abc", Text: "hi"})
	rec.RecordEvent(Event{Token: "abc", Type: "state.generating"})
	rec.RecordEvent(Event{Token: "abc", Type: "state.playing"})
	rec.Close()

	events, err := es.ListRequestEvents(ctx, "abc", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}

	rec.RecordEvent(Event{Token: "abc", Type: "late"})
	if rec.Dropped() != 1 {
		t.Fatalf("expected record after close to be dropped, got %d", rec.Dropped())
	}
}

func TestRecorderCloseWhileRecording(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})
	rec := NewRecorder(es, 32, newLogger())

	const writers, perWriter = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				rec.RecordRequest(Request{Token: fmt.Sprintf("w%d-%d", w, i), Text: "x"})
			}
		}(w)
	}
	rec.Close()
	wg.Wait()
	rec.Close()

	stored, err := es.ListRecentRequests(context.Background(), writers*perWriter)
	if err != nil {
		t.Fatalf("list requests: %v", err)
	}
	if got := int64(len(stored)) + rec.Dropped(); got != writers*perWriter {
		t.Fatalf("expected every record stored or dropped, got %d stored + %d dropped", len(stored), rec.Dropped())
	}
}
