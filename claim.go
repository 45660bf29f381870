package relaycache

import (
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/eljojo/relaycache/types"
)

// Claimer is the part of a store that claim tracking needs.
type Claimer interface {
	Claim(id types.EventID)
	Unclaim(id types.EventID)
}

// ClaimedStream passes events through while holding a claim on the latest one.
type ClaimedStream struct {
	// C carries every value read from the input, nil markers included.
	C <-chan *nostr.Event

	out    chan *nostr.Event
	cancel chan struct{}
	done   chan struct{}
	once   sync.Once
}

// ClaimLatest wraps a stream of "the event currently of interest" so that the
// claimer protects exactly that event.
//
// Every non-nil event is claimed when it arrives; the previously claimed event
// is released afterwards, so there is never a moment where neither is held.
// Re-emitting the same id changes nothing. A nil value passes through and
// keeps the current claim. When the input closes or Close is called, the
// current claim is released exactly once.
func ClaimLatest(claimer Claimer, in <-chan *nostr.Event) *ClaimedStream {
	out := make(chan *nostr.Event)
	s := &ClaimedStream{
		C:      out,
		out:    out,
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.run(claimer, in)
	return s
}

func (s *ClaimedStream) run(claimer Claimer, in <-chan *nostr.Event) {
	defer close(s.done)
	defer close(s.out)

	var current types.EventID
	defer func() {
		if current != "" {
			claimer.Unclaim(current)
		}
	}()

	for {
		select {
		case <-s.cancel:
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			if ev != nil {
				if id := types.EventID(ev.ID); id != current {
					claimer.Claim(id)
					if current != "" {
						claimer.Unclaim(current)
					}
					current = id
				}
			}
			select {
			case s.out <- ev:
			case <-s.cancel:
				return
			}
		}
	}
}

// Close unsubscribes. When it returns the claim has already been released.
func (s *ClaimedStream) Close() {
	s.once.Do(func() {
		close(s.cancel)
	})
	<-s.done
}

// Done is closed once the stream has finished and released its claim.
func (s *ClaimedStream) Done() <-chan struct{} {
	return s.done
}
