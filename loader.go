package relaycache

import (
	"context"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// DefaultPageSize is the block size a loader asks each source for.
const DefaultPageSize = 100

// RequestFunc runs one request against a source. It calls emit for every
// matching event and returns once the source has sent everything it has
// stored (EOSE), or with an error. It must stop early when ctx is cancelled.
// emit is never called concurrently and never after the function returns.
type RequestFunc func(ctx context.Context, filter nostr.Filter, emit func(*nostr.Event)) error

// Source is a named place a timeline can load events from.
type Source struct {
	Name    string
	Request RequestFunc
}

// LoaderOptions tunes a TimelineLoader.
type LoaderOptions struct {
	// PageSize is the limit put on every request; defaults to DefaultPageSize.
	PageSize int

	// NoBackward and NoForward disable one direction for every source.
	NoBackward bool
	NoForward  bool

	// OnError is told about failed requests. Defaults to a logged warning.
	OnError func(source string, dir Direction, err error)

	// Buffer is the capacity of the merged output channel.
	Buffer int

	now     func() time.Time
	deliver func(ctx context.Context, ev *nostr.Event)
}

// TimelineLoader fills a sliding window from several sources at once.
//
// Each source gets a backward and a forward cursor loader. Update pushes a
// new window to all of them; events from every source come out of Events in
// arrival order, without deduplication.
type TimelineLoader struct {
	log     *ServiceLog
	loaders []*cursorLoader
	out     chan *nostr.Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	window Window
	closed bool
}

// NewTimelineLoader prepares loaders for every source. Nothing is requested
// until the first Update.
func NewTimelineLoader(base nostr.Filter, sources []Source, opts LoaderOptions) *TimelineLoader {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.now == nil {
		opts.now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &TimelineLoader{
		log:    Log("loader"),
		out:    make(chan *nostr.Event, opts.Buffer),
		ctx:    ctx,
		cancel: cancel,
	}

	onError := opts.OnError
	if onError == nil {
		onError = func(source string, dir Direction, err error) {
			t.log.Warn("⚠️ %s %s request failed: %v", source, dir, err)
		}
	}
	deliver := opts.deliver
	if deliver == nil {
		deliver = t.send
	}
	now := func() nostr.Timestamp { return nostr.Timestamp(opts.now().Unix()) }

	var dirs []Direction
	if !opts.NoBackward {
		dirs = append(dirs, Backward)
	}
	if !opts.NoForward {
		dirs = append(dirs, Forward)
	}
	for _, src := range sources {
		for _, dir := range dirs {
			t.loaders = append(t.loaders, &cursorLoader{
				source:   src.Name,
				dir:      dir,
				base:     base,
				pageSize: opts.PageSize,
				request:  src.Request,
				now:      now,
				deliver:  deliver,
				onError:  onError,
				log:      t.log,
			})
		}
	}
	return t
}

func (t *TimelineLoader) send(ctx context.Context, ev *nostr.Event) {
	select {
	case t.out <- ev:
	case <-ctx.Done():
	}
}

// Events is the merged output of every source. It is closed by Close.
func (t *TimelineLoader) Events() <-chan *nostr.Event {
	return t.out
}

// Update pushes a new window to every cursor loader.
func (t *TimelineLoader) Update(w Window) {
	t.update(w)
}

func (t *TimelineLoader) update(w Window) []*block {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.window = w
	var started []*block
	for _, l := range t.loaders {
		if b := l.update(t.ctx, &t.wg, w); b != nil {
			started = append(started, b)
		}
	}
	return started
}

// Window returns the most recently pushed window.
func (t *TimelineLoader) Window() Window {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.window
}

// Exhausted reports whether every loader in direction dir has run dry.
func (t *TimelineLoader) Exhausted(dir Direction) bool {
	found := false
	for _, l := range t.loaders {
		if l.dir != dir {
			continue
		}
		found = true
		if _, _, exhausted := l.state(); !exhausted {
			return false
		}
	}
	return found
}

// LoaderState is a snapshot of one cursor loader.
type LoaderState struct {
	Source    string          `json:"source"`
	Direction string          `json:"direction"`
	Cursor    nostr.Timestamp `json:"cursor"`
	Loading   bool            `json:"loading"`
	Exhausted bool            `json:"exhausted"`
}

// States snapshots every cursor loader, in source order.
func (t *TimelineLoader) States() []LoaderState {
	states := make([]LoaderState, 0, len(t.loaders))
	for _, l := range t.loaders {
		cursor, loading, exhausted := l.state()
		states = append(states, LoaderState{
			Source:    l.source,
			Direction: l.dir.String(),
			Cursor:    cursor,
			Loading:   loading,
			Exhausted: exhausted,
		})
	}
	return states
}

// Close cancels in-flight requests and waits for them to finish. Results
// arriving after Close never move a cursor. Events is closed on return.
func (t *TimelineLoader) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()
	close(t.out)
}

// Sink feeds every event the loader emits into ingest until the loader is
// closed, and returns how many were accepted.
func Sink(events <-chan *nostr.Event, ingest func(*nostr.Event) bool) int {
	accepted := 0
	for ev := range events {
		if ingest(ev) {
			accepted++
		}
	}
	return accepted
}
