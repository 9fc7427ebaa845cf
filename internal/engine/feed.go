package engine

import (
	"context"
	"sync"
	"time"
)

// Transition is one published state change. Seq starts at 1 and increases
// by one per transition.
type Transition struct {
	Seq   uint64    `json:"seq"`
	From  State     `json:"from"`
	To    State     `json:"to"`
	Token Token     `json:"token,omitempty"`
	At    time.Time `json:"at"`
}

// Feed is the observable engine state. Only the coordination goroutine
// publishes; any number of readers poll Current or wait with Since. The
// most recent limit transitions are retained.
type Feed struct {
	mu      sync.Mutex
	current State
	seq     uint64
	history []Transition
	limit   int
	wake    chan struct{}
}

func NewFeed(initial State, limit int) *Feed {
	if limit <= 0 {
		limit = 256
	}
	return &Feed{current: initial, limit: limit, wake: make(chan struct{})}
}

func (f *Feed) publish(to State, token Token) Transition {
	f.mu.Lock()
	f.seq++
	tr := Transition{Seq: f.seq, From: f.current, To: to, Token: token, At: time.Now().UTC()}
	f.current = to
	f.history = append(f.history, tr)
	if over := len(f.history) - f.limit; over > 0 {
		f.history = append(f.history[:0], f.history[over:]...)
	}
	wake := f.wake
	f.wake = make(chan struct{})
	f.mu.Unlock()

	close(wake)
	return tr
}

// Current returns the latest state and the sequence number that produced it.
func (f *Feed) Current() (State, uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, f.seq
}

// Since returns the retained transitions with Seq > seq, oldest first, and
// a channel that is closed on the next publish.
func (f *Feed) Since(seq uint64) ([]Transition, <-chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Transition
	for i, tr := range f.history {
		if tr.Seq > seq {
			out = append([]Transition(nil), f.history[i:]...)
			break
		}
	}
	return out, f.wake
}

// Wait blocks until at least one transition newer than seq exists.
func (f *Feed) Wait(ctx context.Context, seq uint64) ([]Transition, error) {
	for {
		trs, wake := f.Since(seq)
		if len(trs) > 0 {
			return trs, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		}
	}
}

// Subscribe delivers every transition published after the call, in order,
// until ctx is done. A reader that falls more than the retention window
// behind observes a gap in Seq.
func (f *Feed) Subscribe(ctx context.Context) <-chan Transition {
	out := make(chan Transition, 16)
	_, last := f.Current()
	go func() {
		defer close(out)
		for {
			trs, err := f.Wait(ctx, last)
			if err != nil {
				return
			}
			for _, tr := range trs {
				select {
				case out <- tr:
					last = tr.Seq
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
