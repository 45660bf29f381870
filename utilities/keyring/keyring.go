// Package keyring holds the local signing identity and a book of known
// authors.
//
// Keyring is the central place for:
//   - Signing (our identity signs drafts)
//   - Verification (check ids and signatures of others' events)
//   - Naming (register and look up display names for pubkeys)
//
// The cache core never signs anything; keyring is consumed by the CLI and by
// tests that need real signed events.
package keyring

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/eljojo/relaycache/types"
)

// ErrBadKey is returned when a key cannot be parsed.
var ErrBadKey = errors.New("invalid key")

// Keyring manages our identity and the names of authors we know.
type Keyring struct {
	// Our identity
	secretKey string
	publicKey types.Pubkey

	// Others' names, keyed by hex pubkey
	names map[types.Pubkey]string
	mu    sync.RWMutex
}

// New creates a Keyring from a secret key, in hex or nsec form.
func New(secret string) (*Keyring, error) {
	sk, err := ParseSecretKey(secret)
	if err != nil {
		return nil, err
	}
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	return &Keyring{
		secretKey: sk,
		publicKey: types.Pubkey(pk),
		names:     make(map[types.Pubkey]string),
	}, nil
}

// Generate creates a Keyring with a fresh random identity.
func Generate() *Keyring {
	kr, err := New(nostr.GeneratePrivateKey())
	if err != nil {
		// a freshly generated key always parses
		panic("keyring: generated key rejected: " + err.Error())
	}
	return kr
}

// === Our Identity ===

// PublicKey returns our hex public key.
func (k *Keyring) PublicKey() types.Pubkey {
	return k.publicKey
}

// Npub returns our public key in bech32 form.
func (k *Keyring) Npub() string {
	return FormatPublicKey(k.publicKey)
}

// Sign fills in author, id and signature of a draft.
func (k *Keyring) Sign(draft *nostr.Event) error {
	if draft.CreatedAt == 0 {
		draft.CreatedAt = nostr.Now()
	}
	if draft.Tags == nil {
		draft.Tags = nostr.Tags{}
	}
	draft.PubKey = string(k.publicKey)
	return draft.Sign(k.secretKey)
}

// === Others' Names ===

// Register stores a display name for a pubkey. Registering again overwrites.
func (k *Keyring) Register(pubkey types.Pubkey, name string) {
	if pubkey == "" || name == "" {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.names[pubkey] = name
}

// RegisterNpub parses a bech32 or hex pubkey and registers a name for it.
func (k *Keyring) RegisterNpub(npub, name string) error {
	pk, err := ParsePublicKey(npub)
	if err != nil {
		return err
	}
	k.Register(pk, name)
	return nil
}

// Lookup returns the registered name for a pubkey, or "".
// Our own key is always known as "me" unless registered otherwise.
func (k *Keyring) Lookup(pubkey types.Pubkey) string {
	k.mu.RLock()
	name, ok := k.names[pubkey]
	k.mu.RUnlock()
	if ok {
		return name
	}
	if pubkey == k.publicKey {
		return "me"
	}
	return ""
}

// DisplayName returns the registered name or a shortened npub.
func (k *Keyring) DisplayName(pubkey types.Pubkey) string {
	if name := k.Lookup(pubkey); name != "" {
		return name
	}
	npub := FormatPublicKey(pubkey)
	if len(npub) > 16 {
		return npub[:12] + "…" + npub[len(npub)-4:]
	}
	return npub
}

// Count returns the number of registered names.
func (k *Keyring) Count() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.names)
}

// === Verification ===

// Verify checks that the event id matches its content and that it carries a
// valid signature from its author.
func Verify(ev *nostr.Event) bool {
	if ev == nil || ev.GetID() != ev.ID {
		return false
	}
	ok, err := ev.CheckSignature()
	return err == nil && ok
}

// === Utility ===

// ParseSecretKey accepts a hex secret key or an nsec.
func ParseSecretKey(s string) (string, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "nsec1") {
		prefix, value, err := nip19.Decode(s)
		if err != nil || prefix != "nsec" {
			return "", fmt.Errorf("%w: %q", ErrBadKey, s)
		}
		sk, _ := value.(string)
		return sk, nil
	}
	if len(s) != 64 || !isHex(s) {
		return "", fmt.Errorf("%w: secret key must be 64 hex chars or nsec", ErrBadKey)
	}
	return strings.ToLower(s), nil
}

// ParsePublicKey accepts a hex pubkey or an npub.
func ParsePublicKey(s string) (types.Pubkey, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "npub1") {
		prefix, value, err := nip19.Decode(s)
		if err != nil || prefix != "npub" {
			return "", fmt.Errorf("%w: %q", ErrBadKey, s)
		}
		pk, _ := value.(string)
		return types.Pubkey(pk), nil
	}
	if len(s) != 64 || !isHex(s) {
		return "", fmt.Errorf("%w: pubkey must be 64 hex chars or npub", ErrBadKey)
	}
	return types.Pubkey(strings.ToLower(s)), nil
}

// FormatPublicKey encodes a pubkey as npub, falling back to hex.
func FormatPublicKey(pubkey types.Pubkey) string {
	npub, err := nip19.EncodePublicKey(string(pubkey))
	if err != nil {
		return string(pubkey)
	}
	return npub
}

func isHex(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
