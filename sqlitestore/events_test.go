package sqlitestore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eljojo/relaycache"
	"github.com/eljojo/relaycache/types"
	"github.com/eljojo/relaycache/utilities"
)

func openTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	db, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, opts)
}

func testEvent(id string, kind int, createdAt int64, tags ...nostr.Tag) *nostr.Event {
	return &nostr.Event{
		ID:        id,
		PubKey:    "alice",
		Kind:      kind,
		CreatedAt: nostr.Timestamp(createdAt),
		Tags:      nostr.Tags(tags),
		Content:   "content of " + id,
		Sig:       "sig",
	}
}

func TestOpenMemory(t *testing.T) {
	db, err := OpenMemory()
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, ":memory:", db.Path)

	v, err := db.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)

	for _, table := range []string{"schema_versions", "events", "event_tags"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		assert.NoError(t, err, "table %q", table)
	}
}

func TestOpen_ReopenKeepsEventsAndSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "events.db")
	ctx := context.Background()

	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, New(db, Options{}).Save(ctx, testEvent("e1", 1, 100)))
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()

	v, err := db.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)

	ev, err := New(db, Options{}).Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "content of e1", ev.Content)
}

func TestSaveGetDelete(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()

	ev := testEvent("e1", 1, 100, nostr.Tag{"t", "go"})
	require.NoError(t, s.Save(ctx, ev))
	// saving again is a no-op
	require.NoError(t, s.Save(ctx, ev))

	got, err := s.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, ev.Tags, got.Tags)
	assert.Equal(t, ev.CreatedAt, got.CreatedAt)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.Delete(ctx, "e1"))
	require.NoError(t, s.Delete(ctx, "never-stored"))

	_, err = s.Get(ctx, "e1")
	assert.ErrorIs(t, err, relaycache.ErrNotFound)

	var tags int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM event_tags").Scan(&tags))
	assert.Zero(t, tags, "tags go with their event")
}

func TestQuery_Filters(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, testEvent("a", 1, 100, nostr.Tag{"t", "go"})))
	require.NoError(t, s.Save(ctx, testEvent("b", 1, 200, nostr.Tag{"t", "rust"})))
	require.NoError(t, s.Save(ctx, testEvent("c", 7, 300, nostr.Tag{"e", "a"})))
	bob := testEvent("d", 1, 400)
	bob.PubKey = "bob"
	require.NoError(t, s.Save(ctx, bob))

	ids := func(events []*nostr.Event) []string {
		out := make([]string, len(events))
		for i, ev := range events {
			out[i] = ev.ID
		}
		return out
	}

	all, err := s.Query(ctx, nostr.Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "c", "b", "a"}, ids(all), "newest first")

	byKind, err := s.Query(ctx, nostr.Filter{Kinds: []int{1}, Authors: []string{"alice"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, ids(byKind))

	byTag, err := s.Query(ctx, nostr.Filter{Tags: nostr.TagMap{"t": {"go", "zig"}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(byTag))

	window, err := s.Query(ctx, nostr.Filter{Since: relaycache.At(150), Until: relaycache.At(300)})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b"}, ids(window), "bounds are inclusive")

	limited, err := s.Query(ctx, nostr.Filter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "c"}, ids(limited))

	byID, err := s.Query(ctx, nostr.Filter{IDs: []string{"a", "missing"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(byID))
}

func TestSealedAtRest(t *testing.T) {
	enc := utilities.NewEncryptorFromPassphrase("seed")
	s := openTestStore(t, Options{Encryptor: enc})
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, testEvent("e1", 1, 100, nostr.Tag{"t", "secret-topic"})))

	var (
		raw    []byte
		sealed bool
	)
	require.NoError(t, s.db.QueryRow("SELECT raw, sealed FROM events WHERE id = 'e1'").Scan(&raw, &sealed))
	assert.True(t, sealed)
	assert.NotContains(t, string(raw), "content of e1")

	got, err := s.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "content of e1", got.Content)

	// the tag index is still usable
	found, err := s.Query(ctx, nostr.Filter{Tags: nostr.TagMap{"t": {"secret-topic"}}})
	require.NoError(t, err)
	assert.Len(t, found, 1)

	// same database, no key
	keyless := New(s.db, Options{})
	_, err = keyless.Get(ctx, "e1")
	assert.ErrorIs(t, err, ErrSealed)
}

func TestEvict_OldestFirstSkippingKept(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, s.Save(ctx, testEvent(fmt.Sprintf("e%d", i), 1, int64(i*100))))
	}

	keep := func(id types.EventID) bool { return id == "e1" }
	n, err := s.Evict(ctx, 3, keep)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for id, want := range map[types.EventID]bool{"e1": true, "e2": false, "e3": false, "e4": true, "e5": true} {
		_, err := s.Get(ctx, id)
		if want {
			assert.NoError(t, err, "%s should survive", id)
		} else {
			assert.ErrorIs(t, err, relaycache.ErrNotFound, "%s should be evicted", id)
		}
	}

	// under the cap: nothing to do
	n, err = s.Evict(ctx, 10, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRetry_TransientErrors(t *testing.T) {
	assert.True(t, isTransientSQLiteErr(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.False(t, isTransientSQLiteErr(errors.New("UNIQUE constraint failed")))
	assert.False(t, isTransientSQLiteErr(nil))

	cfg := retryConfig{maxRetries: 2, baseDelay: 1, maxDelay: 1}

	calls := 0
	err := retryOp(cfg, func() error {
		calls++
		if calls < 3 {
			return errors.New("SQLITE_BUSY")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	permanent := errors.New("no such table")
	err = retryOp(cfg, func() error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestEvict_InterruptedScanDeletesNothing(t *testing.T) {
	s := openTestStore(t, Options{})
	for i := 1; i <= 5; i++ {
		require.NoError(t, s.Save(context.Background(), testEvent(fmt.Sprintf("e%d", i), 1, int64(100*i))))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	keep := func(types.EventID) bool {
		cancel()
		// let database/sql notice the cancellation and close the rows
		time.Sleep(50 * time.Millisecond)
		return false
	}

	n, err := s.Evict(ctx, 1, keep)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, n)

	count, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, count, "a cut-short scan must not look like fewer victims")
}
