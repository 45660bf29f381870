package utilities

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Correlator tracks pending requests and routes response frames to them.
//
// A request may receive any number of frames; the caller decides which frame
// ends it. The timeout is an idle timeout: every frame pushes the deadline
// back, so a long but steady stream does not expire.
//
// Example:
//
//	id, frames := c.Send(func(id string) error { return publish(id, req) })
//	defer c.Cancel(id)
//	for r := range frames { ... }
type Correlator[Resp any] struct {
	pending map[string]*pendingRequest[Resp]
	mu      sync.Mutex
	timeout time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

type pendingRequest[Resp any] struct {
	ch      chan Result[Resp]
	abandon chan struct{}
	once    sync.Once
	expires time.Time
}

func (p *pendingRequest[Resp]) drop() {
	p.once.Do(func() { close(p.abandon) })
}

// Result is one frame delivered to a pending request.
type Result[Resp any] struct {
	Response Resp
	Err      error // ErrTimeout if the request went idle for too long
}

// ErrTimeout is returned when a request times out.
var ErrTimeout = errors.New("request timed out")

// NewCorrelator creates a correlator with the given idle timeout.
func NewCorrelator[Resp any](timeout time.Duration) *Correlator[Resp] {
	c := &Correlator[Resp]{
		pending: make(map[string]*pendingRequest[Resp]),
		timeout: timeout,
		stop:    make(chan struct{}),
	}
	go c.reapLoop() // Clean up timed-out requests
	return c
}

// Send registers a request under a fresh id and calls publish with it.
//
// The returned channel receives every frame for that id. The caller must
// call Cancel(id) when done reading, whatever the outcome.
func (c *Correlator[Resp]) Send(publish func(id string) error) (string, <-chan Result[Resp]) {
	id := uuid.NewString()
	p := &pendingRequest[Resp]{
		ch:      make(chan Result[Resp], 16),
		abandon: make(chan struct{}),
		expires: time.Now().Add(c.timeout),
	}

	c.mu.Lock()
	c.pending[id] = p
	c.mu.Unlock()

	if err := publish(id); err != nil {
		// Failed to publish - clean up and report
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		p.ch <- Result[Resp]{Err: err}
		return id, p.ch
	}

	return id, p.ch
}

// Receive routes a frame to its pending request. final removes the request
// after delivery. Returns false if nothing is waiting for requestID (late
// frame, already timed out or cancelled).
func (c *Correlator[Resp]) Receive(requestID string, resp Resp, final bool) bool {
	c.mu.Lock()
	p, ok := c.pending[requestID]
	if ok {
		if final {
			delete(c.pending, requestID)
		} else {
			p.expires = time.Now().Add(c.timeout)
		}
	}
	c.mu.Unlock()

	if !ok {
		logrus.Debugf("[correlator] frame for %s has no pending request", requestID)
		return false
	}

	select {
	case p.ch <- Result[Resp]{Response: resp}:
		return true
	case <-p.abandon:
		return false
	}
}

// Cancel forgets a request and unblocks any delivery still aimed at it.
func (c *Correlator[Resp]) Cancel(requestID string) {
	c.mu.Lock()
	p, ok := c.pending[requestID]
	delete(c.pending, requestID)
	c.mu.Unlock()
	if ok {
		p.drop()
	}
}

// Pending returns the number of requests still waiting.
func (c *Correlator[Resp]) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close stops the reaper. Pending requests are left to their callers.
func (c *Correlator[Resp]) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// reapLoop runs in the background and times out idle requests.
func (c *Correlator[Resp]) reapLoop() {
	interval := c.timeout / 4
	if interval <= 0 || interval > time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}

		var expired []*pendingRequest[Resp]
		c.mu.Lock()
		now := time.Now()
		for id, req := range c.pending {
			if now.After(req.expires) {
				expired = append(expired, req)
				delete(c.pending, id)
			}
		}
		c.mu.Unlock()

		for _, req := range expired {
			select {
			case req.ch <- Result[Resp]{Err: ErrTimeout}:
			case <-req.abandon:
			}
		}
	}
}
