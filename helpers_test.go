package relaycache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"github.com/eljojo/relaycache/utilities/keyring"
)

// testEvent builds an unsigned event. Most store logic never looks at
// signatures, so fixtures can use readable ids like "x1".
func testEvent(id, pubkey string, kind int, createdAt int64, tags ...nostr.Tag) *nostr.Event {
	return &nostr.Event{
		ID:        id,
		PubKey:    pubkey,
		Kind:      kind,
		CreatedAt: nostr.Timestamp(createdAt),
		Tags:      nostr.Tags(tags),
		Content:   "content of " + id,
	}
}

func deletion(id, pubkey string, createdAt int64, tags ...nostr.Tag) *nostr.Event {
	return testEvent(id, pubkey, nostr.KindDeletion, createdAt, tags...)
}

func expiresAt(at int64) nostr.Tag {
	return nostr.Tag{ExpirationTag, strconv.FormatInt(at, 10)}
}

// signedEvent builds a real signed event.
func signedEvent(t *testing.T, signer Signer, kind int, createdAt int64, content string, tags ...nostr.Tag) *nostr.Event {
	t.Helper()
	ev := &nostr.Event{
		Kind:      kind,
		CreatedAt: nostr.Timestamp(createdAt),
		Tags:      nostr.Tags(tags),
		Content:   content,
	}
	require.NoError(t, signer.Sign(ev))
	return ev
}

func newSigner() Signer {
	return keyring.Generate()
}

func newTestStore(t *testing.T, cfg StoreConfig) *EventStore {
	t.Helper()
	s := NewEventStore(cfg)
	t.Cleanup(s.Close)
	return s
}

// offsetClock is a wall clock shifted by a settable offset, so tests can
// jump forward without waiting while timers still run in real time.
type offsetClock struct {
	mu     sync.Mutex
	offset time.Duration
}

func (c *offsetClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().Add(c.offset)
}

func (c *offsetClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset += d
}

// receive waits for one value or fails the test.
func receive[T any](t *testing.T, ch <-chan T, within time.Duration) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(within):
		var zero T
		t.Fatalf("nothing received within %s", within)
		return zero
	}
}

// nothing asserts that no value arrives for a while.
func nothing[T any](t *testing.T, ch <-chan T, wait time.Duration) {
	t.Helper()
	select {
	case v, ok := <-ch:
		if ok {
			t.Fatalf("unexpected value %v", v)
		}
	case <-time.After(wait):
	}
}

func ids(events []*nostr.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.ID
	}
	return out
}

// fakeSource scripts the responses of a source, one block per call.
type fakeSource struct {
	mu       sync.Mutex
	blocks   [][]*nostr.Event
	errs     []error
	requests []nostr.Filter
	gate     chan struct{} // when set, each request waits for a value
}

func (f *fakeSource) push(events ...*nostr.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks = append(f.blocks, events)
	f.errs = append(f.errs, nil)
}

func (f *fakeSource) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks = append(f.blocks, nil)
	f.errs = append(f.errs, err)
}

func (f *fakeSource) calls() []nostr.Filter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]nostr.Filter(nil), f.requests...)
}

func (f *fakeSource) request(ctx context.Context, filter nostr.Filter, emit func(*nostr.Event)) error {
	f.mu.Lock()
	f.requests = append(f.requests, filter)
	var (
		block []*nostr.Event
		err   error
	)
	if len(f.blocks) > 0 {
		block, err = f.blocks[0], f.errs[0]
		f.blocks, f.errs = f.blocks[1:], f.errs[1:]
	}
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, ev := range block {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		emit(ev)
	}
	return err
}

func (f *fakeSource) source(name string) Source {
	return Source{Name: name, Request: f.request}
}

// collect drains a loader into a slice until it is closed.
func collect(events <-chan *nostr.Event) func() []*nostr.Event {
	var (
		mu  sync.Mutex
		got []*nostr.Event
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			mu.Lock()
			got = append(got, ev)
			mu.Unlock()
		}
	}()
	return func() []*nostr.Event {
		<-done
		mu.Lock()
		defer mu.Unlock()
		return got
	}
}

func eventually(t *testing.T, cond func() bool, msg string, args ...any) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, fmt.Sprintf(msg, args...))
}
