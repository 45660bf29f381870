package relaycache

import (
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"github.com/sirupsen/logrus"

	"github.com/eljojo/relaycache/types"
)

// Deletion is published once for every pointer a deletion event applied.
type Deletion struct {
	Author  types.Pubkey
	Pointer Pointer
	Until   nostr.Timestamp // created_at of the deletion event
}

// DeleteManager remembers author-issued deletions and answers whether an
// event has been deleted. A deletion only ever applies to events by the same
// author as the deletion itself; pubkeys named inside tags are never trusted.
type DeleteManager struct {
	ids    map[types.Pubkey]map[types.EventID]struct{}
	coords map[types.Pubkey]map[string]nostr.Timestamp // "kind|identifier" -> newest deletion
	mu     sync.RWMutex

	deleted *Broadcaster[Deletion]
}

// NewDeleteManager creates an empty delete manager.
func NewDeleteManager() *DeleteManager {
	return &DeleteManager{
		ids:     make(map[types.Pubkey]map[types.EventID]struct{}),
		coords:  make(map[types.Pubkey]map[string]nostr.Timestamp),
		deleted: NewBroadcaster[Deletion]("deletions", 0),
	}
}

// Add records the pointers of a deletion event and returns the ones applied.
// Events of any other kind are ignored.
func (m *DeleteManager) Add(ev *nostr.Event) []Pointer {
	return m.add(ev, DeletionPointers(ev))
}

// add is Add with pointers already parsed (the store passes its memoized copy).
func (m *DeleteManager) add(ev *nostr.Event, pointers []Pointer) []Pointer {
	if ev.Kind != nostr.KindDeletion || len(pointers) == 0 {
		return nil
	}
	author := types.Pubkey(ev.PubKey)

	m.mu.Lock()
	applied := make([]Pointer, 0, len(pointers))
	for _, p := range pointers {
		if p.IsCoordinate() {
			if p.Pubkey != author {
				logrus.Debugf("🗑️ skipping a-tag %s: not authored by %s", p, author.Short())
				continue
			}
			byCoord := m.coords[author]
			if byCoord == nil {
				byCoord = make(map[string]nostr.Timestamp)
				m.coords[author] = byCoord
			}
			key := p.Coordinate()
			if existing, ok := byCoord[key]; !ok || ev.CreatedAt > existing {
				byCoord[key] = ev.CreatedAt
			}
		} else {
			byID := m.ids[author]
			if byID == nil {
				byID = make(map[types.EventID]struct{})
				m.ids[author] = byID
			}
			byID[p.ID] = struct{}{}
		}
		applied = append(applied, p)
	}
	m.mu.Unlock()

	for _, p := range applied {
		m.deleted.Publish(Deletion{Author: author, Pointer: p, Until: ev.CreatedAt})
	}
	return applied
}

// Check reports whether ev has been deleted by its author.
//
// Replaceable and addressable events are deleted when a deletion for their
// coordinate is at least as new as the event; republishing later un-deletes.
// Regular events are deleted when their id was named by their author.
func (m *DeleteManager) Check(ev *nostr.Event) bool {
	author := types.Pubkey(ev.PubKey)

	m.mu.RLock()
	defer m.mu.RUnlock()

	if IsReplaceableClass(ev.Kind) {
		until, ok := m.coords[author][coordinateKey(ev.Kind, Identifier(ev))]
		return ok && until >= ev.CreatedAt
	}
	_, ok := m.ids[author][types.EventID(ev.ID)]
	return ok
}

// DeletedUntil returns the newest deletion timestamp recorded for a coordinate.
func (m *DeleteManager) DeletedUntil(author types.Pubkey, kind int, identifier string) (nostr.Timestamp, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	until, ok := m.coords[author][coordinateKey(kind, identifier)]
	return until, ok
}

// Filter returns the events that are not deleted.
func (m *DeleteManager) Filter(events []*nostr.Event) []*nostr.Event {
	kept := make([]*nostr.Event, 0, len(events))
	for _, ev := range events {
		if !m.Check(ev) {
			kept = append(kept, ev)
		}
	}
	return kept
}

// Deleted subscribes to applied pointers.
func (m *DeleteManager) Deleted() *Subscription[Deletion] {
	return m.deleted.Subscribe()
}

// Close closes every Deleted subscription.
func (m *DeleteManager) Close() {
	m.deleted.Close()
}
