package relaycache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

const relayConnectTimeout = 10 * time.Second

// RelaySource loads events from one websocket relay. The connection is made
// on first use and remade when it drops.
type RelaySource struct {
	url string
	log *ServiceLog

	mu    sync.Mutex
	relay *nostr.Relay
}

// NewRelaySource returns a source for url. Nothing is dialled yet.
func NewRelaySource(url string) *RelaySource {
	return &RelaySource{
		url: nostr.NormalizeURL(url),
		log: Log("relay").With("relay", url),
	}
}

// Source returns the loader source for this relay.
func (r *RelaySource) Source() Source {
	return Source{Name: r.url, Request: r.Request}
}

// URL is the normalized relay url.
func (r *RelaySource) URL() string {
	return r.url
}

func (r *RelaySource) connect(ctx context.Context) (*nostr.Relay, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.relay != nil && r.relay.IsConnected() {
		return r.relay, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, relayConnectTimeout)
	defer cancel()
	relay, err := nostr.RelayConnect(dialCtx, r.url)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", r.url, err)
	}
	r.log.Info("🔌 connected to %s", r.url)
	r.relay = relay
	return relay, nil
}

// Request subscribes with filter and emits stored events until the relay
// signals EOSE. A CLOSED from the relay is returned as ErrSubscriptionClosed.
func (r *RelaySource) Request(ctx context.Context, filter nostr.Filter, emit func(*nostr.Event)) error {
	relay, err := r.connect(ctx)
	if err != nil {
		return err
	}

	sub, err := relay.Subscribe(ctx, nostr.Filters{filter})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", r.url, err)
	}
	defer sub.Unsub()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events:
			if !ok {
				if err := ctx.Err(); err != nil {
					return err
				}
				return fmt.Errorf("%s: subscription ended before EOSE", r.url)
			}
			emit(ev)
		case <-sub.EndOfStoredEvents:
			r.drain(sub, emit)
			return nil
		case reason := <-sub.ClosedReason:
			return fmt.Errorf("%w: %s: %s", ErrSubscriptionClosed, r.url, reason)
		}
	}
}

// drain emits events that were queued before EOSE was seen.
func (r *RelaySource) drain(sub *nostr.Subscription, emit func(*nostr.Event)) {
	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			emit(ev)
		default:
			return
		}
	}
}

// Close drops the connection, if any.
func (r *RelaySource) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.relay != nil {
		if err := r.relay.Close(); err != nil {
			r.log.Debug("close %s: %v", r.url, err)
		}
		r.relay = nil
	}
}
