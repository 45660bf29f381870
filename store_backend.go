package relaycache

import (
	"context"
	"errors"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/eljojo/relaycache/types"
	"github.com/eljojo/relaycache/utilities"
)

// ErrNotFound is returned by a Backend when an event is not stored.
var ErrNotFound = errors.New("event not found")

// ErrClosed is returned by operations on a closed store or loader.
var ErrClosed = errors.New("closed")

// ErrTimeout is returned when a remote source stops answering.
var ErrTimeout = utilities.ErrTimeout

// ErrSubscriptionClosed is returned when a source ends a request with a
// CLOSED message instead of end-of-stored-events.
var ErrSubscriptionClosed = errors.New("subscription closed by source")

// Backend is a persistent event store the EventStore writes through to.
//
// Implementations only persist: replacement, deletion and expiration rules are
// applied by the EventStore before anything reaches the backend.
type Backend interface {
	// Save stores an event. Saving an already stored id is a no-op.
	Save(ctx context.Context, ev *nostr.Event) error

	// Delete removes an event by id. Deleting an unknown id is not an error.
	Delete(ctx context.Context, id types.EventID) error

	// Get loads one event, or returns ErrNotFound.
	Get(ctx context.Context, id types.EventID) (*nostr.Event, error)

	// Query returns events matching the filter, newest first.
	Query(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error)
}

// Evictor is optionally implemented by backends with their own capacity.
// Evict removes the oldest events beyond max, skipping ids for which keep
// reports true, and returns how many were removed.
type Evictor interface {
	Evict(ctx context.Context, max int, keep func(id types.EventID) bool) (int, error)
}

// backendWrites is the write-through work of one store mutation. It is
// collected under the store lock and applied after the lock is released.
type backendWrites struct {
	saves   []*nostr.Event
	deletes []types.EventID
	ticket  uint64
	sealed  bool
}

// writeOrder hands out tickets under the store lock, so backend writes land
// in the order of the index mutations they mirror without holding that lock.
type writeOrder struct {
	mu      sync.Mutex
	cond    *sync.Cond
	next    uint64
	serving uint64
}

func newWriteOrder() *writeOrder {
	o := &writeOrder{}
	o.cond = sync.NewCond(&o.mu)
	return o
}

func (o *writeOrder) take() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.next
	o.next++
	return t
}

func (o *writeOrder) wait(ticket uint64) {
	o.mu.Lock()
	for o.serving != ticket {
		o.cond.Wait()
	}
	o.mu.Unlock()
}

func (o *writeOrder) done() {
	o.mu.Lock()
	o.serving++
	o.cond.Broadcast()
	o.mu.Unlock()
}

func (s *EventStore) queueSaveLocked(w *backendWrites, ev *nostr.Event) {
	if s.cfg.Backend != nil {
		w.saves = append(w.saves, ev)
	}
}

// sealLocked takes a ticket for w if it has anything to write.
func (s *EventStore) sealLocked(w *backendWrites) {
	if len(w.saves) == 0 && len(w.deletes) == 0 {
		return
	}
	w.ticket = s.writes.take()
	w.sealed = true
}

// flush applies w once every earlier ticket has been applied.
func (s *EventStore) flush(w *backendWrites) {
	if !w.sealed {
		return
	}
	s.writes.wait(w.ticket)
	defer s.writes.done()

	for _, ev := range w.saves {
		ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
		if err := s.cfg.Backend.Save(ctx, ev); err != nil {
			s.log.Warn("backend save %s: %v", types.EventID(ev.ID).Short(), err)
		}
		cancel()
	}
	for _, id := range w.deletes {
		ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
		if err := s.cfg.Backend.Delete(ctx, id); err != nil {
			s.log.Warn("backend delete %s: %v", id.Short(), err)
		}
		cancel()
	}
}
