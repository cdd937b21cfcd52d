// README: Dispatcher contract plus no-op and in-memory implementations.
package notify

import (
	"context"
	"log/slog"
	"sync"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, e Event) error
}

// Send delivers e and only logs failures; notification trouble never fails
// the operation that produced the event.
func Send(ctx context.Context, d Dispatcher, logger *slog.Logger, e Event) {
	if d == nil {
		return
	}
	if err := d.Dispatch(ctx, e); err != nil && logger != nil {
		logger.Warn("notification dispatch failed",
			"kind", string(e.Kind), "entity_id", string(e.EntityID), "err", err)
	}
}

type Nop struct{}

func (Nop) Dispatch(context.Context, Event) error { return nil }

// Recorder keeps every dispatched event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Dispatch(_ context.Context, e Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events of kind k were recorded.
func (r *Recorder) Count(k Kind) int {
	n := 0
	for _, e := range r.Events() {
		if e.Kind == k {
			n++
		}
	}
	return n
}
