package relaycache

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/eljojo/relaycache/types"
)

// backendTimeout bounds every write-through call to the persistent backend.
const backendTimeout = 5 * time.Second

// StoreConfig configures an EventStore. The zero value is an unbounded,
// memory-only store.
type StoreConfig struct {
	// MaxEvents caps the in-memory index; 0 means unbounded.
	// Claimed events and deletions are never evicted, so the cap is soft.
	MaxEvents int

	// Backend is an optional persistent store written through on every change.
	Backend Backend

	// BackendMaxEvents caps the backend when it implements Evictor; 0 disables.
	BackendMaxEvents int

	// Buffer is the per-subscriber notification buffer.
	Buffer int

	now func() time.Time
}

// Update is published when a replaceable or addressable event is superseded.
type Update struct {
	Old *nostr.Event
	New *nostr.Event
}

// EventStore is the local event cache.
//
// It applies the replacement rules, consults the delete and expiration
// managers on every read and write, and publishes insert/update/remove
// notifications. All index mutation happens under one lock, so the store has
// a single writer at a time no matter how many goroutines feed it.
type EventStore struct {
	cfg StoreConfig
	log *ServiceLog

	// registry of stored events, keyed by id
	entries map[types.EventID]*entry
	// newest version per replacement key
	replaceable map[types.Address]*entry
	// newest version ever accepted per key, kept after eviction
	newest map[types.Address]replaceMark
	mu     sync.RWMutex

	writes *writeOrder

	deletes     *DeleteManager
	expirations *ExpirationManager

	claims  map[types.EventID]int
	claimMu sync.Mutex

	inserted *Broadcaster[*nostr.Event]
	updated  *Broadcaster[Update]
	removed  *Broadcaster[*nostr.Event]

	closeOnce sync.Once
}

// replaceMark remembers the newest accepted version of a replacement key.
type replaceMark struct {
	at nostr.Timestamp
	id types.EventID
}

// admits reports whether ev may take the key when no version is in memory:
// it must be newer than the mark, or be the marked version itself.
func (m replaceMark) admits(ev *nostr.Event) bool {
	return ev.CreatedAt > m.at || (ev.CreatedAt == m.at && types.EventID(ev.ID) == m.id)
}

// NewEventStore creates a store and starts listening for expirations.
func NewEventStore(cfg StoreConfig) *EventStore {
	now := cfg.now
	if now == nil {
		now = time.Now
	}
	s := &EventStore{
		cfg:         cfg,
		log:         Log("store"),
		entries:     make(map[types.EventID]*entry),
		replaceable: make(map[types.Address]*entry),
		newest:      make(map[types.Address]replaceMark),
		writes:      newWriteOrder(),
		deletes:     NewDeleteManager(),
		claims:      make(map[types.EventID]int),
		inserted:    NewBroadcaster[*nostr.Event]("store inserts", cfg.Buffer),
		updated:     NewBroadcaster[Update]("store updates", cfg.Buffer),
		removed:     NewBroadcaster[*nostr.Event]("store removals", cfg.Buffer),
	}
	s.expirations = newExpirationManager(now, s.removeExpired)
	return s
}

// removeExpired is called by the expiration manager with every due id.
func (s *EventStore) removeExpired(ids []types.EventID) {
	for _, id := range ids {
		if s.Remove(id) {
			s.log.Debug("⌛ removed expired event %s", id.Short())
		}
	}
}

// Close stops expiration handling and closes every notification stream.
func (s *EventStore) Close() {
	s.closeOnce.Do(func() {
		s.expirations.Close()
		s.deletes.Close()
		s.inserted.Close()
		s.updated.Close()
		s.removed.Close()
	})
}

// Inserted subscribes to accepted events. Nothing is replayed.
func (s *EventStore) Inserted() *Subscription[*nostr.Event] {
	return s.inserted.Subscribe()
}

// Updated subscribes to replacements of replaceable and addressable events.
func (s *EventStore) Updated() *Subscription[Update] {
	return s.updated.Subscribe()
}

// Removed subscribes to events leaving the store for any reason.
func (s *EventStore) Removed() *Subscription[*nostr.Event] {
	return s.removed.Subscribe()
}

// Deletes exposes the store's delete manager for read-only checks.
func (s *EventStore) Deletes() *DeleteManager {
	return s.deletes
}

// Expirations exposes the store's expiration manager for read-only checks.
func (s *EventStore) Expirations() *ExpirationManager {
	return s.expirations
}

// Insert adds ev and reports whether it was accepted.
//
// An event is rejected when it is ephemeral, already expired, deleted by its
// author, already stored, or older than (or as old as) the stored version of
// its replacement key. Inserting a deletion removes the events it targets.
func (s *EventStore) Insert(ev *nostr.Event) bool {
	return s.insert(ev, true)
}

func (s *EventStore) insert(ev *nostr.Event, persist bool) bool {
	if ev == nil || ev.ID == "" {
		return false
	}
	if ClassifyKind(ev.Kind) == KindClassEphemeral {
		return false
	}
	if s.expirations.Check(ev) {
		return false
	}

	id := types.EventID(ev.ID)
	e := newEntry(ev)

	s.mu.Lock()
	if s.deletes.Check(ev) {
		s.mu.Unlock()
		return false
	}
	if _, ok := s.entries[id]; ok {
		s.mu.Unlock()
		return false
	}

	var old *entry
	if key := ReplaceableKey(ev); key != "" {
		if cur := s.replaceable[key]; cur != nil {
			if cur.event.CreatedAt >= ev.CreatedAt {
				s.mu.Unlock()
				return false
			}
			old = cur
			delete(s.entries, types.EventID(old.event.ID))
		} else if mark, ok := s.newest[key]; ok && !mark.admits(ev) {
			// a newer version was evicted or removed; it still wins
			s.mu.Unlock()
			return false
		}
		s.replaceable[key] = e
		s.newest[key] = replaceMark{at: ev.CreatedAt, id: id}
	}
	s.entries[id] = e

	var purged []*entry
	if ev.Kind == nostr.KindDeletion {
		purged = s.applyDeletionLocked(ev, s.deletes.add(ev, e.Pointers()))
	}

	var w backendWrites
	if persist {
		s.queueSaveLocked(&w, ev)
	}
	s.inserted.Publish(ev)
	if old != nil {
		s.dropLocked(old, &w)
		s.updated.Publish(Update{Old: old.event, New: ev})
	}
	for _, p := range purged {
		s.dropLocked(p, &w)
	}
	over := s.cfg.MaxEvents > 0 && len(s.entries) > s.cfg.MaxEvents
	s.sealLocked(&w)
	s.mu.Unlock()
	s.flush(&w)

	s.expirations.Track(ev)
	if old != nil {
		s.expirations.Forget(types.EventID(old.event.ID))
	}
	for _, p := range purged {
		s.expirations.Forget(types.EventID(p.event.ID))
		s.log.Debug("🗑️ %s deleted by its author", types.EventID(p.event.ID).Short())
	}
	if over {
		s.Prune()
	}
	return true
}

// applyDeletionLocked unindexes the stored events a deletion applies to.
func (s *EventStore) applyDeletionLocked(deletion *nostr.Event, applied []Pointer) []*entry {
	author := types.Pubkey(deletion.PubKey)
	var purged []*entry
	for _, p := range applied {
		var target *entry
		if p.IsCoordinate() {
			target = s.replaceable[AddressFor(p.Kind, author, p.Identifier)]
		} else {
			target = s.entries[p.ID]
		}
		if target == nil || target.event.Kind == nostr.KindDeletion {
			continue
		}
		if target.event.PubKey != deletion.PubKey {
			if !p.IsCoordinate() {
				// another author's event under the same id: not ours to delete
				continue
			}
			panic("relaycache: deletion matched a coordinate of a different author")
		}
		if !s.deletes.Check(target.event) {
			continue
		}
		s.unindexLocked(target)
		purged = append(purged, target)
	}
	return purged
}

// Remove drops an event regardless of claims and reports whether it was stored.
// Eviction goes through Prune, which respects claims.
func (s *EventStore) Remove(id types.EventID) bool {
	s.mu.Lock()
	e := s.entries[id]
	if e == nil {
		s.mu.Unlock()
		return false
	}
	var w backendWrites
	s.unindexLocked(e)
	s.dropLocked(e, &w)
	s.sealLocked(&w)
	s.mu.Unlock()

	s.flush(&w)
	s.expirations.Forget(id)
	return true
}

// unindexLocked removes e from both indexes without notifying.
func (s *EventStore) unindexLocked(e *entry) {
	delete(s.entries, types.EventID(e.event.ID))
	if key := ReplaceableKey(e.event); key != "" && s.replaceable[key] == e {
		delete(s.replaceable, key)
	}
}

// dropLocked finishes a removal: the notification, plus a backend delete
// queued on w when w is not nil.
func (s *EventStore) dropLocked(e *entry, w *backendWrites) {
	if w != nil && s.cfg.Backend != nil {
		w.deletes = append(w.deletes, types.EventID(e.event.ID))
	}
	s.removed.Publish(e.event)
}

// Has reports whether id is indexed in memory, without any read filtering.
func (s *EventStore) Has(id types.EventID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[id]
	return ok
}

// Len returns the number of events held in memory.
func (s *EventStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Get returns a stored event by id, or nil. Deleted events are hidden and
// expired events are removed on the way out. On a memory miss the backend is
// consulted and a hit is re-indexed.
func (s *EventStore) Get(id types.EventID) *nostr.Event {
	s.mu.RLock()
	e := s.entries[id]
	s.mu.RUnlock()

	if e == nil {
		return s.hydrate(id)
	}
	return s.visible(e)
}

// GetReplaceable returns the newest stored version of a coordinate, or nil.
func (s *EventStore) GetReplaceable(kind int, pubkey types.Pubkey, identifier string) *nostr.Event {
	if !IsReplaceableClass(kind) {
		return nil
	}
	if ClassifyKind(kind) == KindClassReplaceable {
		identifier = ""
	}
	s.mu.RLock()
	e := s.replaceable[AddressFor(kind, pubkey, identifier)]
	s.mu.RUnlock()
	if e == nil {
		return nil
	}
	return s.visible(e)
}

// visible applies the read-surface rules to one entry.
func (s *EventStore) visible(e *entry) *nostr.Event {
	if s.deletes.Check(e.event) {
		return nil
	}
	if at, ok := e.Expiration(); ok && s.expirations.due(at) {
		s.Remove(types.EventID(e.event.ID))
		return nil
	}
	return e.event
}

func (s *EventStore) hydrate(id types.EventID) *nostr.Event {
	if s.cfg.Backend == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
	defer cancel()
	ev, err := s.cfg.Backend.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.log.Warn("backend get %s: %v", id.Short(), err)
		}
		return nil
	}
	if s.insert(ev, false) {
		return ev
	}
	// rejected (stale, deleted, expired) or inserted concurrently by someone else
	s.mu.RLock()
	e := s.entries[id]
	s.mu.RUnlock()
	if e == nil {
		return nil
	}
	return s.visible(e)
}

// Query returns the stored events matching filter, newest first, honouring
// filter.Limit. Deleted events are hidden and expired ones are removed.
func (s *EventStore) Query(filter nostr.Filter) []*nostr.Event {
	now := nostr.Timestamp(s.expirations.now().Unix())

	s.mu.RLock()
	var (
		matched []*nostr.Event
		expired []types.EventID
	)
	consider := func(e *entry) {
		if !filter.Matches(e.event) {
			return
		}
		if at, ok := e.Expiration(); ok && at <= now {
			expired = append(expired, types.EventID(e.event.ID))
			return
		}
		if s.deletes.Check(e.event) {
			return
		}
		matched = append(matched, e.event)
	}
	if len(filter.IDs) > 0 {
		for _, id := range filter.IDs {
			if e := s.entries[types.EventID(id)]; e != nil {
				consider(e)
			}
		}
	} else {
		for _, e := range s.entries {
			consider(e)
		}
	}
	s.mu.RUnlock()

	for _, id := range expired {
		s.Remove(id)
	}

	sortNewestFirst(matched)
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched
}

func sortNewestFirst(events []*nostr.Event) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt != events[j].CreatedAt {
			return events[i].CreatedAt > events[j].CreatedAt
		}
		return events[i].ID < events[j].ID
	})
}

// --- Claims ---

// Claim protects id from eviction. Claims are counted; each Claim needs a
// matching Unclaim.
func (s *EventStore) Claim(id types.EventID) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()
	s.claims[id]++
}

// Unclaim releases one claim on id. Releasing more than was claimed panics.
func (s *EventStore) Unclaim(id types.EventID) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()
	n := s.claims[id] - 1
	if n < 0 {
		panic("relaycache: unclaim of " + string(id) + " without a matching claim")
	}
	if n == 0 {
		delete(s.claims, id)
		return
	}
	s.claims[id] = n
}

// IsClaimed reports whether anything currently claims id.
func (s *EventStore) IsClaimed(id types.EventID) bool {
	return s.ClaimCount(id) > 0
}

// ClaimCount returns the number of outstanding claims on id.
func (s *EventStore) ClaimCount(id types.EventID) int {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()
	return s.claims[id]
}

// StoreStats is a point-in-time summary of the store.
type StoreStats struct {
	Events      int            `json:"events"`
	Replaceable int            `json:"replaceable"`
	Claimed     int            `json:"claimed"`
	Expiring    int            `json:"expiring"`
	ByKind      map[int]int    `json:"by_kind"`
	Subscribers map[string]int `json:"subscribers"`
}

// Stats summarizes the store for the inspector.
func (s *EventStore) Stats() StoreStats {
	st := StoreStats{
		ByKind: make(map[int]int),
		Subscribers: map[string]int{
			"inserted": s.inserted.Len(),
			"updated":  s.updated.Len(),
			"removed":  s.removed.Len(),
		},
	}
	s.mu.RLock()
	st.Events = len(s.entries)
	st.Replaceable = len(s.replaceable)
	for _, e := range s.entries {
		st.ByKind[e.event.Kind]++
	}
	s.mu.RUnlock()

	s.claimMu.Lock()
	st.Claimed = len(s.claims)
	s.claimMu.Unlock()

	st.Expiring = s.expirations.Pending()
	return st
}
