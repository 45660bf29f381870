package relaycache

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/eljojo/relaycache/types"
)

// KindClass is the storage class of an event kind, derived from its numeric range.
type KindClass int

const (
	KindClassRegular     KindClass = iota // stored by id, every version kept
	KindClassReplaceable                  // one version per (author, kind)
	KindClassAddressable                  // one version per (author, kind, d-tag)
	KindClassEphemeral                    // never stored
)

// String returns a short name for logs.
func (c KindClass) String() string {
	switch c {
	case KindClassReplaceable:
		return "replaceable"
	case KindClassAddressable:
		return "addressable"
	case KindClassEphemeral:
		return "ephemeral"
	default:
		return "regular"
	}
}

// ClassifyKind maps a kind number to its storage class.
func ClassifyKind(kind int) KindClass {
	switch {
	case nostr.IsReplaceableKind(kind):
		return KindClassReplaceable
	case nostr.IsAddressableKind(kind):
		return KindClassAddressable
	case nostr.IsEphemeralKind(kind):
		return KindClassEphemeral
	default:
		return KindClassRegular
	}
}

// IsReplaceableClass reports whether only the newest version of kind is retained.
func IsReplaceableClass(kind int) bool {
	c := ClassifyKind(kind)
	return c == KindClassReplaceable || c == KindClassAddressable
}

// Identifier returns the d-tag of an addressable event ("" when absent or
// when the kind is not addressable).
func Identifier(ev *nostr.Event) string {
	if ClassifyKind(ev.Kind) != KindClassAddressable {
		return ""
	}
	return ev.Tags.GetD()
}

// AddressFor formats the replacement key for a coordinate.
func AddressFor(kind int, pubkey types.Pubkey, identifier string) types.Address {
	return types.Address(fmt.Sprintf("%d:%s:%s", kind, pubkey, identifier))
}

// ReplaceableKey returns the replacement key of ev, or "" for kinds that are
// stored by id.
func ReplaceableKey(ev *nostr.Event) types.Address {
	if !IsReplaceableClass(ev.Kind) {
		return ""
	}
	return AddressFor(ev.Kind, types.Pubkey(ev.PubKey), Identifier(ev))
}

// ExpirationTag is the single-value tag carrying a self-declared expiry.
const ExpirationTag = "expiration"

// ExpirationOf parses the expiration tag. Missing or unparseable tags report ok=false.
func ExpirationOf(ev *nostr.Event) (at nostr.Timestamp, ok bool) {
	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[0] != ExpirationTag {
			continue
		}
		n, err := strconv.ParseInt(tag[1], 10, 64)
		if err != nil || n < 0 {
			return 0, false
		}
		return nostr.Timestamp(n), true
	}
	return 0, false
}

// memo is a lazily computed slot stored next to an event.
type memo[T any] struct {
	once  sync.Once
	value T
}

func (m *memo[T]) get(compute func() T) T {
	m.once.Do(func() {
		m.value = compute()
	})
	return m.value
}

type expiry struct {
	at nostr.Timestamp
	ok bool
}

// entry wraps a stored event with its derived, cached attributes. Entries are
// owned by the store's registry; the event itself is never mutated.
type entry struct {
	event *nostr.Event

	pointers   memo[[]Pointer]
	expiration memo[expiry]
}

func newEntry(ev *nostr.Event) *entry {
	return &entry{event: ev}
}

// Pointers returns the deletion pointers of a kind-5 event, parsed once.
func (e *entry) Pointers() []Pointer {
	return e.pointers.get(func() []Pointer {
		return DeletionPointers(e.event)
	})
}

// Expiration returns the parsed expiration tag, parsed once.
func (e *entry) Expiration() (nostr.Timestamp, bool) {
	x := e.expiration.get(func() expiry {
		at, ok := ExpirationOf(e.event)
		return expiry{at: at, ok: ok}
	})
	return x.at, x.ok
}
