package relaycache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitBlocks(t *testing.T, blocks []*block) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, b := range blocks {
		require.True(t, b.wait(ctx), "block never finished")
	}
}

func state(t *testing.T, l *TimelineLoader, source string, dir Direction) LoaderState {
	t.Helper()
	for _, st := range l.States() {
		if st.Source == source && st.Direction == dir.String() {
			return st
		}
	}
	t.Fatalf("no loader for %s %s", source, dir)
	return LoaderState{}
}

func TestTimelineLoader_BackwardUntilExhausted(t *testing.T) {
	src := &fakeSource{}
	src.push(testEvent("e900", "P", 1, 900), testEvent("e800", "P", 1, 800))
	src.push()

	base := nostr.Filter{Kinds: []int{1}}
	l := NewTimelineLoader(base, []Source{src.source("relay")}, LoaderOptions{PageSize: 2, NoForward: true, Buffer: 16})
	defer l.Close()

	blocks := l.update(Window{Since: At(850), Until: At(1000)})
	require.Len(t, blocks, 1)
	waitBlocks(t, blocks)

	st := state(t, l, "relay", Backward)
	assert.Equal(t, nostr.Timestamp(800), st.Cursor)
	assert.False(t, st.Exhausted)
	assert.Equal(t, "e900", receive(t, l.Events(), time.Second).ID)
	assert.Equal(t, "e800", receive(t, l.Events(), time.Second).ID)

	calls := src.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, nostr.Timestamp(1000), *calls[0].Until)
	assert.Nil(t, calls[0].Since)
	assert.Equal(t, 2, calls[0].Limit)
	assert.Equal(t, []int{1}, calls[0].Kinds, "the base filter is kept")

	blocks = l.update(Window{Since: At(700), Until: At(1000)})
	require.Len(t, blocks, 1)
	waitBlocks(t, blocks)
	assert.True(t, state(t, l, "relay", Backward).Exhausted)
	assert.True(t, l.Exhausted(Backward))
	assert.Equal(t, nostr.Timestamp(800), *src.calls()[1].Until)

	assert.Empty(t, l.update(Window{Since: At(500), Until: At(1000)}), "exhausted loaders never ask again")
	assert.Len(t, src.calls(), 2)
}

func TestTimelineLoader_NoRequestInsideCursor(t *testing.T) {
	src := &fakeSource{}
	l := NewTimelineLoader(nostr.Filter{}, []Source{src.source("relay")}, LoaderOptions{NoForward: true})
	defer l.Close()

	assert.Empty(t, l.update(Window{Since: At(1000), Until: At(1000)}))
	assert.Empty(t, l.update(Window{Until: At(1000)}), "no since, nothing to load backwards")
	assert.Empty(t, src.calls())
}

// splitSource answers backward and forward requests from different scripts.
func splitSource(backward, forward *fakeSource) Source {
	return Source{Name: "relay", Request: func(ctx context.Context, f nostr.Filter, emit func(*nostr.Event)) error {
		if f.Until != nil {
			return backward.request(ctx, f, emit)
		}
		return forward.request(ctx, f, emit)
	}}
}

func TestTimelineLoader_DirectionsExhaustIndependently(t *testing.T) {
	back, fwd := &fakeSource{}, &fakeSource{}
	back.push() // nothing older
	fwd.push(testEvent("e1050", "P", 1, 1050))
	fwd.push()

	l := NewTimelineLoader(nostr.Filter{}, []Source{splitSource(back, fwd)}, LoaderOptions{Buffer: 16})
	defer l.Close()

	waitBlocks(t, l.update(Window{Since: At(1000), Until: At(1100)}))
	assert.True(t, l.Exhausted(Backward))
	assert.False(t, l.Exhausted(Forward))
	assert.Equal(t, nostr.Timestamp(1050), state(t, l, "relay", Forward).Cursor)
	assert.Equal(t, nostr.Timestamp(1000), *fwd.calls()[0].Since)

	waitBlocks(t, l.update(Window{Since: At(1000), Until: At(1200)}))
	assert.True(t, l.Exhausted(Forward))
	assert.Equal(t, nostr.Timestamp(1050), *fwd.calls()[1].Since)
	assert.Len(t, back.calls(), 1)
}

func TestTimelineLoader_ErrorDoesNotExhaust(t *testing.T) {
	src := &fakeSource{}
	src.fail(errors.New("relay hiccup"))
	src.push(testEvent("e900", "P", 1, 900))

	var failures []error
	l := NewTimelineLoader(nostr.Filter{}, []Source{src.source("relay")}, LoaderOptions{
		NoForward: true,
		Buffer:    16,
		OnError:   func(_ string, _ Direction, err error) { failures = append(failures, err) },
	})
	defer l.Close()

	w := Window{Since: At(500), Until: At(1000)}
	waitBlocks(t, l.update(w))
	require.Len(t, failures, 1)
	assert.False(t, l.Exhausted(Backward))
	assert.Equal(t, nostr.Timestamp(1000), state(t, l, "relay", Backward).Cursor)

	// the same window retries from the same cursor
	waitBlocks(t, l.update(w))
	assert.Equal(t, nostr.Timestamp(900), state(t, l, "relay", Backward).Cursor)
	assert.Equal(t, nostr.Timestamp(1000), *src.calls()[1].Until)
}

func TestTimelineLoader_OneBlockInFlight(t *testing.T) {
	src := &fakeSource{gate: make(chan struct{})}
	src.push(testEvent("e900", "P", 1, 900))

	l := NewTimelineLoader(nostr.Filter{}, []Source{src.source("relay")}, LoaderOptions{NoForward: true, Buffer: 16})
	defer l.Close()

	first := l.update(Window{Since: At(500), Until: At(1000)})
	require.Len(t, first, 1)
	assert.True(t, state(t, l, "relay", Backward).Loading)

	assert.Empty(t, l.update(Window{Since: At(100), Until: At(1000)}), "dropped while loading")
	assert.Len(t, src.calls(), 1)

	src.gate <- struct{}{}
	waitBlocks(t, first)
	assert.False(t, state(t, l, "relay", Backward).Loading)
	assert.Equal(t, Window{Since: At(100), Until: At(1000)}, l.Window(), "the latest window is still remembered")
}

func TestTimelineLoader_CloseCancelsInFlight(t *testing.T) {
	src := &fakeSource{gate: make(chan struct{})}
	src.push(testEvent("e900", "P", 1, 900))

	l := NewTimelineLoader(nostr.Filter{}, []Source{src.source("relay")}, LoaderOptions{NoForward: true})
	blocks := l.update(Window{Since: At(500), Until: At(1000)})
	require.Len(t, blocks, 1)

	done := make(chan struct{})
	go func() {
		l.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}

	_, ok := <-l.Events()
	assert.False(t, ok, "events closed")
	assert.ErrorIs(t, blocks[0].err, context.Canceled)

	st := state(t, l, "relay", Backward)
	assert.Equal(t, nostr.Timestamp(1000), st.Cursor, "cancelled results never move the cursor")
	assert.False(t, st.Exhausted)

	assert.Empty(t, l.update(Window{Since: At(100)}))
	l.Close()
}

func TestTimelineLoader_MergesSources(t *testing.T) {
	a, b := &fakeSource{}, &fakeSource{}
	a.push(testEvent("a1", "P", 1, 900))
	b.push(testEvent("b1", "Q", 1, 950), testEvent("b2", "Q", 1, 600))

	l := NewTimelineLoader(nostr.Filter{}, []Source{a.source("a"), b.source("b")}, LoaderOptions{NoForward: true})
	results := collect(l.Events())

	blocks := l.update(Window{Since: At(500), Until: At(1000)})
	require.Len(t, blocks, 2)
	go func() {
		for _, b := range blocks {
			<-b.done
		}
		l.Close()
	}()

	assert.ElementsMatch(t, []string{"a1", "b1", "b2"}, ids(results()))
	assert.Equal(t, nostr.Timestamp(900), state(t, l, "a", Backward).Cursor)
	assert.Equal(t, nostr.Timestamp(600), state(t, l, "b", Backward).Cursor)
}

func TestSink(t *testing.T) {
	events := make(chan *nostr.Event, 3)
	events <- testEvent("a", "P", 1, 1)
	events <- testEvent("b", "P", 1, 2)
	events <- testEvent("a", "P", 1, 1)
	close(events)

	s := newTestStore(t, StoreConfig{})
	assert.Equal(t, 2, Sink(events, s.Insert))
	assert.Equal(t, 2, s.Len())
}

func TestMergeFilters(t *testing.T) {
	base := nostr.Filter{
		Kinds:   []int{1, 6},
		Authors: []string{"P"},
		Tags:    nostr.TagMap{"t": {"go"}},
		Since:   At(100),
		Until:   At(2000),
		Limit:   50,
		Search:  "base",
	}
	bound := nostr.Filter{
		Kinds: []int{6, 7},
		Tags:  nostr.TagMap{"t": {"go", "zig"}, "p": {"Q"}},
		Since: At(50),
		Until: At(1000),
		Limit: 100,
	}

	m := MergeFilters(base, bound)
	assert.Equal(t, []int{1, 6, 7}, m.Kinds)
	assert.Equal(t, []string{"P"}, m.Authors)
	assert.Equal(t, []string{"go", "zig"}, m.Tags["t"])
	assert.Equal(t, []string{"Q"}, m.Tags["p"])
	assert.Equal(t, nostr.Timestamp(100), *m.Since, "the later since wins")
	assert.Equal(t, nostr.Timestamp(1000), *m.Until, "the earlier until wins")
	assert.Equal(t, 50, m.Limit)
	assert.Equal(t, "base", m.Search)

	// inputs are untouched
	assert.Equal(t, []string{"go"}, base.Tags["t"])
	*m.Since = 1
	assert.Equal(t, nostr.Timestamp(100), *base.Since)

	empty := MergeFilters(nostr.Filter{}, nostr.Filter{Limit: 10})
	assert.Nil(t, empty.Since)
	assert.Nil(t, empty.Until)
	assert.Nil(t, empty.Kinds)
	assert.Nil(t, empty.Tags)
	assert.Equal(t, 10, empty.Limit)
}

func TestWindowString(t *testing.T) {
	assert.Equal(t, "[-∞, +∞]", Window{}.String())
	assert.Equal(t, "[10, 20]", Window{Since: At(10), Until: At(20)}.String())
}

func drain(ch <-chan *nostr.Event) []*nostr.Event {
	var out []*nostr.Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestPullLoader_RequestsUntilEmpty(t *testing.T) {
	src := &fakeSource{}
	src.push(testEvent("e900", "P", 1, 900), testEvent("e800", "P", 1, 800))
	src.push(testEvent("e700", "P", 1, 700))
	src.push()

	p := NewPullLoader(nostr.Filter{}, []Source{src.source("relay")}, LoaderOptions{PageSize: 2})
	defer p.Close()
	ctx := context.Background()

	assert.Equal(t, []string{"e900", "e800"}, ids(drain(p.Request(ctx, nil))))
	assert.False(t, p.Exhausted())
	assert.Equal(t, []string{"e700"}, ids(drain(p.Request(ctx, nil))))
	assert.Equal(t, nostr.Timestamp(800), *src.calls()[1].Until)

	assert.Empty(t, drain(p.Request(ctx, nil)))
	assert.True(t, p.Exhausted())

	assert.Empty(t, drain(p.Request(ctx, nil)))
	assert.Len(t, src.calls(), 3, "an exhausted pull loader stops asking")
}

func TestPullLoader_SinceBeforeCursorOnly(t *testing.T) {
	src := &fakeSource{}
	src.push(testEvent("e900", "P", 1, 900))

	p := NewPullLoader(nostr.Filter{}, []Source{src.source("relay")}, LoaderOptions{})
	defer p.Close()
	ctx := context.Background()

	assert.Len(t, drain(p.Request(ctx, At(500))), 1)

	// since is past the cursor: nothing to ask, but not exhausted either
	assert.Empty(t, drain(p.Request(ctx, At(950))))
	assert.False(t, p.Exhausted())
	assert.Len(t, src.calls(), 1)
}

func TestPullLoader_FailureIsNotExhaustion(t *testing.T) {
	src := &fakeSource{}
	src.fail(errors.New("boom"))
	src.push(testEvent("e900", "P", 1, 900))

	p := NewPullLoader(nostr.Filter{}, []Source{src.source("relay")}, LoaderOptions{
		OnError: func(string, Direction, error) {},
	})
	defer p.Close()
	ctx := context.Background()

	assert.Empty(t, drain(p.Request(ctx, nil)))
	assert.False(t, p.Exhausted())
	assert.Len(t, drain(p.Request(ctx, nil)), 1)
}

func TestPullLoader_CancelledRequestCloses(t *testing.T) {
	src := &fakeSource{gate: make(chan struct{})}
	src.push(testEvent("e900", "P", 1, 900))

	p := NewPullLoader(nostr.Filter{}, []Source{src.source("relay")}, LoaderOptions{})
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	stream := p.Request(ctx, nil)
	cancel()

	select {
	case _, ok := <-stream:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed after cancel")
	}
	assert.False(t, p.Exhausted())
}

func TestTimelineLoader_BoundaryEventsAreNotNew(t *testing.T) {
	src := &fakeSource{}
	src.push(testEvent("e900", "P", 1, 900), testEvent("e800", "P", 1, 800))
	// until is inclusive: a real relay repeats e800, plus a sibling from the same second
	src.push(testEvent("e800", "P", 1, 800), testEvent("f800", "P", 1, 800))
	src.push(testEvent("e800", "P", 1, 800), testEvent("f800", "P", 1, 800))

	l := NewTimelineLoader(nostr.Filter{}, []Source{src.source("relay")}, LoaderOptions{NoForward: true, Buffer: 16})
	defer l.Close()

	w := Window{Since: At(0), Until: At(1000)}
	waitBlocks(t, l.update(w))
	waitBlocks(t, l.update(w))
	assert.False(t, l.Exhausted(Backward), "f800 was new")

	waitBlocks(t, l.update(w))
	assert.True(t, l.Exhausted(Backward), "only repeats")

	var got []string
	for len(l.Events()) > 0 {
		got = append(got, (<-l.Events()).ID)
	}
	assert.Equal(t, []string{"e900", "e800", "f800"}, got)
}
