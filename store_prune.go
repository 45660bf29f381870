package relaycache

import (
	"context"
	"sort"

	"github.com/nbd-wtf/go-nostr"

	"github.com/eljojo/relaycache/types"
)

// evictionPriority returns the eviction priority for an event.
// Lower numbers = more important (evicted last).
// Priority 0 events are NEVER evicted.
func evictionPriority(ev *nostr.Event) int {
	// deletions keep vetoing their targets for as long as they are stored
	if ev.Kind == nostr.KindDeletion {
		return 0
	}

	// profiles, follow lists, addressable documents: one per key, cheap to keep
	if IsReplaceableClass(ev.Kind) {
		return 1
	}

	// self-expiring events are going away anyway
	if _, ok := ExpirationOf(ev); ok {
		return 3
	}

	return 2
}

// Prune evicts events until the store is back within MaxEvents and returns
// how many were evicted. Claimed events and priority-0 events are skipped,
// so the store may stay above its cap. Within a priority the oldest go first.
func (s *EventStore) Prune() int {
	if s.cfg.MaxEvents <= 0 {
		return s.pruneBackend()
	}

	s.mu.Lock()
	excess := len(s.entries) - s.cfg.MaxEvents
	if excess <= 0 {
		s.mu.Unlock()
		return s.pruneBackend()
	}

	var claimed, pinned int
	candidates := make([]*entry, 0, len(s.entries))
	for id, e := range s.entries {
		switch {
		case evictionPriority(e.event) == 0:
			pinned++
		case s.IsClaimed(id):
			claimed++
		default:
			candidates = append(candidates, e)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		pi, pj := evictionPriority(candidates[i].event), evictionPriority(candidates[j].event)
		if pi != pj {
			return pi > pj
		}
		return candidates[i].event.CreatedAt < candidates[j].event.CreatedAt
	})
	if len(candidates) > excess {
		candidates = candidates[:excess]
	}

	// evicted events stay in the backend; only memory is reclaimed here
	for _, e := range candidates {
		s.unindexLocked(e)
		s.dropLocked(e, nil)
	}
	s.mu.Unlock()

	for _, e := range candidates {
		s.expirations.Forget(types.EventID(e.event.ID))
	}
	if len(candidates) > 0 {
		s.log.Debug("🧹 evicted %d of %d over cap (%d claimed, %d deletions kept)", len(candidates), excess, claimed, pinned)
	}
	return len(candidates) + s.pruneBackend()
}

// pruneBackend trims the persistent backend with the same claim gate.
func (s *EventStore) pruneBackend() int {
	evictor, ok := s.cfg.Backend.(Evictor)
	if !ok || s.cfg.BackendMaxEvents <= 0 {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
	defer cancel()
	n, err := evictor.Evict(ctx, s.cfg.BackendMaxEvents, s.keepInBackend)
	if err != nil {
		s.log.Warn("backend evict: %v", err)
	}
	return n
}

// keepInBackend protects claimed events and anything that is still a deletion.
func (s *EventStore) keepInBackend(id types.EventID) bool {
	if s.IsClaimed(id) {
		return true
	}
	s.mu.RLock()
	e := s.entries[id]
	s.mu.RUnlock()
	return e != nil && evictionPriority(e.event) == 0
}
