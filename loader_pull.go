package relaycache

import (
	"context"
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

// PullLoader is the request/response face of a backward-only TimelineLoader,
// for callers that ask for "the next block" instead of pushing windows.
type PullLoader struct {
	t *TimelineLoader

	mu        sync.Mutex
	active    map[chan *nostr.Event]context.Context
	exhausted bool

	// held for reading while sending, for writing while closing a stream
	sendMu sync.RWMutex
}

// NewPullLoader builds a pull loader over sources. Forward loading is always
// disabled.
func NewPullLoader(base nostr.Filter, sources []Source, opts LoaderOptions) *PullLoader {
	p := &PullLoader{active: make(map[chan *nostr.Event]context.Context)}
	opts.NoForward = true
	opts.NoBackward = false
	opts.deliver = p.deliver
	p.t = NewTimelineLoader(base, sources, opts)
	return p
}

// deliver hands an event to every in-flight Request stream.
func (p *PullLoader) deliver(ctx context.Context, ev *nostr.Event) {
	p.sendMu.RLock()
	defer p.sendMu.RUnlock()

	p.mu.Lock()
	targets := make(map[chan *nostr.Event]context.Context, len(p.active))
	for ch, reqCtx := range p.active {
		targets[ch] = reqCtx
	}
	p.mu.Unlock()

	for ch, reqCtx := range targets {
		select {
		case ch <- ev:
		case <-reqCtx.Done():
		case <-ctx.Done():
			return
		}
	}
}

// Request loads the next block older than the cursor, or back to since when
// given. The returned stream carries the events of every cycle in flight
// and closes when this cycle has settled.
//
// Once a cycle settles with no new events from any source, the loader is
// exhausted and every later call returns an already closed stream.
func (p *PullLoader) Request(ctx context.Context, since *nostr.Timestamp) <-chan *nostr.Event {
	ch := make(chan *nostr.Event)

	p.mu.Lock()
	if p.exhausted {
		p.mu.Unlock()
		close(ch)
		return ch
	}
	p.active[ch] = ctx
	p.mu.Unlock()

	w := Window{Since: since}
	if w.Since == nil {
		// earliest possible since: always past the cursor, so a block is requested
		w.Since = At(0)
	}
	blocks := p.t.update(w)

	go p.settle(ctx, ch, blocks)
	return ch
}

func (p *PullLoader) settle(ctx context.Context, ch chan *nostr.Event, blocks []*block) {
	completed := true
	events, failed := 0, false
	for _, b := range blocks {
		if !b.wait(ctx) {
			completed = false
			break
		}
		events += b.events
		if b.err != nil {
			failed = true
		}
	}

	p.mu.Lock()
	delete(p.active, ch)
	if completed && !failed && events == 0 && (len(blocks) > 0 || p.t.Exhausted(Backward)) {
		if !p.exhausted {
			p.t.log.Info("🏁 pull loader exhausted")
		}
		p.exhausted = true
	}
	p.mu.Unlock()

	p.sendMu.Lock()
	close(ch)
	p.sendMu.Unlock()
}

// Exhausted reports whether a cycle has come back empty.
func (p *PullLoader) Exhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exhausted
}

// Close cancels in-flight requests and waits for them.
func (p *PullLoader) Close() {
	p.t.Close()
}
