package relaycache

import (
	"container/heap"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/sirupsen/logrus"

	"github.com/eljojo/relaycache/types"
)

// ExpirationManager schedules the removal of events carrying an expiration tag.
//
// A single timer is armed for the nearest pending deadline; when it fires
// every due id is emitted once and the timer is re-armed for the next
// deadline. Idle cost is one heap entry per pending event.
//
// The owner's onExpire callback sees every id. Expired() subscribers are
// observers and may miss ids when their buffer is full.
type ExpirationManager struct {
	now func() time.Time

	pending map[types.EventID]nostr.Timestamp
	queue   expiryQueue
	timer   *time.Timer
	armed   nostr.Timestamp
	gen     uint64 // bumped on every re-arm; stale timers see a different value
	closed  bool
	mu      sync.Mutex

	onExpire func(ids []types.EventID)
	firing   sync.WaitGroup
	expired  *Broadcaster[types.EventID]
}

// NewExpirationManager creates a manager driven by the wall clock.
func NewExpirationManager() *ExpirationManager {
	return newExpirationManager(time.Now, nil)
}

func newExpirationManager(now func() time.Time, onExpire func([]types.EventID)) *ExpirationManager {
	return &ExpirationManager{
		now:      now,
		pending:  make(map[types.EventID]nostr.Timestamp),
		onExpire: onExpire,
		expired:  NewBroadcaster[types.EventID]("expirations", 0),
	}
}

// Check reports whether ev carries an expiration that is not in the future.
// It depends only on the tag and the clock, never on Track.
func (m *ExpirationManager) Check(ev *nostr.Event) bool {
	at, ok := ExpirationOf(ev)
	return ok && m.due(at)
}

func (m *ExpirationManager) due(at nostr.Timestamp) bool {
	return !time.Unix(int64(at), 0).After(m.now())
}

// Track starts watching ev. Events without a valid expiration tag are ignored;
// events already past their expiration are emitted immediately.
func (m *ExpirationManager) Track(ev *nostr.Event) {
	at, ok := ExpirationOf(ev)
	if !ok {
		return
	}
	m.track(types.EventID(ev.ID), at)
}

func (m *ExpirationManager) track(id types.EventID, at nostr.Timestamp) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.due(at) {
		m.firing.Add(1)
		m.mu.Unlock()
		m.emit([]types.EventID{id})
		return
	}
	defer m.mu.Unlock()
	if _, ok := m.pending[id]; ok {
		return
	}
	m.pending[id] = at
	heap.Push(&m.queue, expiryItem{id: id, at: at})
	m.rearmLocked()
}

// Forget stops watching id. Check is unaffected.
func (m *ExpirationManager) Forget(id types.EventID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[id]; !ok {
		return
	}
	delete(m.pending, id)
	m.rearmLocked()
}

// Pending returns how many events are scheduled.
func (m *ExpirationManager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Expired subscribes to expiry notifications.
func (m *ExpirationManager) Expired() *Subscription[types.EventID] {
	return m.expired.Subscribe()
}

// Close stops the timer, waits for emissions in progress and closes every
// Expired subscription.
func (m *ExpirationManager) Close() {
	m.mu.Lock()
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.pending = make(map[types.EventID]nostr.Timestamp)
	m.queue = nil
	m.mu.Unlock()
	m.firing.Wait()
	m.expired.Close()
}

// emit hands ids to the owner, then to observers. The caller holds a firing slot.
func (m *ExpirationManager) emit(ids []types.EventID) {
	defer m.firing.Done()
	if m.onExpire != nil {
		m.onExpire(ids)
	}
	for _, id := range ids {
		m.expired.Publish(id)
	}
}

// rearmLocked drops forgotten heads and points the timer at the nearest deadline.
func (m *ExpirationManager) rearmLocked() {
	for m.queue.Len() > 0 {
		head := m.queue[0]
		if at, ok := m.pending[head.id]; ok && at == head.at {
			break
		}
		heap.Pop(&m.queue)
	}

	if m.queue.Len() == 0 {
		if m.timer != nil {
			m.timer.Stop()
			m.timer = nil
			m.gen++
		}
		return
	}

	next := m.queue[0].at
	if m.timer != nil && m.armed == next {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	m.armed = next
	m.gen++
	gen := m.gen
	m.timer = time.AfterFunc(time.Unix(int64(next), 0).Sub(m.now()), func() {
		m.fire(gen)
	})
}

func (m *ExpirationManager) fire(gen uint64) {
	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	var due []types.EventID
	for m.queue.Len() > 0 {
		head := m.queue[0]
		at, ok := m.pending[head.id]
		if !ok || at != head.at {
			heap.Pop(&m.queue)
			continue
		}
		if !m.due(head.at) {
			break
		}
		heap.Pop(&m.queue)
		delete(m.pending, head.id)
		due = append(due, head.id)
	}
	m.timer = nil
	m.rearmLocked()
	if len(due) == 0 {
		m.mu.Unlock()
		return
	}
	m.firing.Add(1)
	m.mu.Unlock()

	logrus.Debugf("⌛ %d event(s) expired", len(due))
	m.emit(due)
}

type expiryItem struct {
	id types.EventID
	at nostr.Timestamp
}

// expiryQueue is a min-heap ordered by deadline.
type expiryQueue []expiryItem

func (q expiryQueue) Len() int           { return len(q) }
func (q expiryQueue) Less(i, j int) bool { return q[i].at < q[j].at }
func (q expiryQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }

func (q *expiryQueue) Push(x any) {
	*q = append(*q, x.(expiryItem))
}

func (q *expiryQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}
