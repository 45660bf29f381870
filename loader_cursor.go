package relaycache

import (
	"context"
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

// Direction is which way a cursor loader walks through time.
type Direction int

const (
	// Backward loads older events, moving the cursor towards the past.
	Backward Direction = iota
	// Forward loads newer events, moving the cursor towards the present.
	Forward
)

func (d Direction) String() string {
	if d == Forward {
		return "forward"
	}
	return "backward"
}

// block is one request issued by a cursor loader.
type block struct {
	done   chan struct{}
	events int
	err    error
}

func (b *block) wait(ctx context.Context) bool {
	select {
	case <-b.done:
		return true
	case <-ctx.Done():
		return false
	}
}

// cursorLoader is the per-source, per-direction state machine.
//
// The cursor is the oldest (backward) or newest (forward) timestamp seen so
// far. A request runs only when the window extends past the cursor, at most
// one is in flight, and the first block with no new events exhausts the loader
// for good.
type cursorLoader struct {
	source   string
	dir      Direction
	base     nostr.Filter
	pageSize int
	request  RequestFunc
	now      func() nostr.Timestamp
	deliver  func(ctx context.Context, ev *nostr.Event)
	onError  func(source string, dir Direction, err error)
	log      *ServiceLog

	mu        sync.Mutex
	cursor    nostr.Timestamp
	edge      map[string]struct{} // ids already seen at exactly cursor
	started   bool
	loading   bool
	exhausted bool
}

// update evaluates a new window and returns the block it started, or nil.
func (l *cursorLoader) update(ctx context.Context, wg *sync.WaitGroup, w Window) *block {
	l.mu.Lock()
	if l.exhausted {
		l.mu.Unlock()
		return nil
	}
	if !l.started {
		l.cursor = l.initialCursor(w)
		l.started = true
	}
	if !l.wants(w) {
		l.mu.Unlock()
		return nil
	}
	if l.loading {
		l.mu.Unlock()
		l.log.Debug("%s %s: block in flight, window %s dropped", l.source, l.dir, w)
		return nil
	}
	l.loading = true
	filter := MergeFilters(l.base, l.boundLocked())
	l.mu.Unlock()

	b := &block{done: make(chan struct{})}
	wg.Add(1)
	go l.run(ctx, wg, filter, b)
	return b
}

func (l *cursorLoader) initialCursor(w Window) nostr.Timestamp {
	bound := w.Until
	if l.dir == Forward {
		bound = w.Since
	}
	if bound != nil {
		return *bound
	}
	return l.now()
}

func (l *cursorLoader) wants(w Window) bool {
	if l.dir == Forward {
		return w.Until != nil && *w.Until > l.cursor
	}
	return w.Since != nil && *w.Since < l.cursor
}

func (l *cursorLoader) boundLocked() nostr.Filter {
	bound := nostr.Filter{Limit: l.pageSize}
	if l.dir == Forward {
		bound.Since = At(l.cursor)
	} else {
		bound.Until = At(l.cursor)
	}
	return bound
}

func (l *cursorLoader) run(ctx context.Context, wg *sync.WaitGroup, filter nostr.Filter, b *block) {
	defer wg.Done()
	defer close(b.done)

	err := l.request(ctx, filter, func(ev *nostr.Event) {
		if ev == nil {
			return
		}
		l.mu.Lock()
		if ctx.Err() != nil || !l.advanceLocked(ev) {
			l.mu.Unlock()
			return
		}
		l.mu.Unlock()
		b.events++
		l.deliver(ctx, ev)
	})

	l.mu.Lock()
	l.loading = false
	if ctx.Err() != nil {
		// cancelled: whatever the source reported no longer counts
		l.mu.Unlock()
		b.err = ctx.Err()
		return
	}
	if err == nil && b.events == 0 {
		l.exhausted = true
	}
	exhausted := l.exhausted
	l.mu.Unlock()

	b.err = err
	switch {
	case err != nil:
		l.onError(l.source, l.dir, err)
	case exhausted:
		l.log.Info("🏁 %s %s exhausted", l.source, l.dir)
	default:
		l.log.Debug("📦 %s %s loaded %d event(s)", l.source, l.dir, b.events)
	}
}

// advanceLocked moves the cursor past ev and reports whether ev is new.
// Bounds are inclusive, so every block repeats the events sitting exactly on
// the cursor; those are remembered in edge and not counted twice.
func (l *cursorLoader) advanceLocked(ev *nostr.Event) bool {
	at := ev.CreatedAt
	moved := (l.dir == Forward && at > l.cursor) || (l.dir == Backward && at < l.cursor)
	if moved {
		l.cursor = at
		l.edge = nil
	}
	if at != l.cursor {
		return true
	}
	if _, seen := l.edge[ev.ID]; seen {
		return false
	}
	if l.edge == nil {
		l.edge = make(map[string]struct{})
	}
	l.edge[ev.ID] = struct{}{}
	return true
}

func (l *cursorLoader) state() (cursor nostr.Timestamp, loading, exhausted bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cursor, l.loading, l.exhausted
}
