package eventstore

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type record struct {
	req *Request
	evt *Event
}

// Recorder writes to a Store off the caller's goroutine. Records are
// dropped, not queued without bound, when the writer falls behind.
type Recorder struct {
	store   *Store
	log     *slog.Logger
	queue   chan record
	dropped atomic.Int64

	// mu guards closed and the close of queue; senders hold it shared.
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewRecorder(store *Store, buffer int, log *slog.Logger) *Recorder {
	if buffer <= 0 {
		buffer = 256
	}
	r := &Recorder{
		store: store,
		log:   log.With(slog.String("component", "event-recorder")),
		queue: make(chan record, buffer),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) RecordRequest(req Request) {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	r.enqueue(record{req: &req})
}

func (r *Recorder) RecordEvent(evt Event) {
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}
	r.enqueue(record{evt: &evt})
}

func (r *Recorder) enqueue(rec record) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.queue <- rec:
	default:
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			r.log.Warn("event recorder queue full, dropping", slog.Int64("dropped", n))
		}
	}
}

// Dropped counts records discarded because the queue was full or closed.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

func (r *Recorder) run() {
	defer close(r.done)
	ctx := context.Background()
	for rec := range r.queue {
		var err error
		switch {
		case rec.req != nil:
			err = r.store.AppendRequest(ctx, *rec.req)
		case rec.evt != nil:
			err = r.store.AppendEvent(ctx, *rec.evt)
		}
		if err != nil {
			r.log.Warn("event store write failed", slog.String("error", err.Error()))
		}
	}
}

// Close flushes queued records and stops the writer.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	<-r.done
}
