package relaycache

import (
	"github.com/nbd-wtf/go-nostr"

	"github.com/eljojo/relaycache/types"
)

// Signer turns drafts into signed events. The cache itself never signs;
// applications built on it publish through a Signer and then Insert the
// result so it shows up locally before any relay echoes it back.
// keyring.Keyring is the bundled implementation.
type Signer interface {
	PublicKey() types.Pubkey
	Sign(draft *nostr.Event) error
}

// SignAndInsert signs a draft and inserts it into the store. It returns the
// signing error, if any, and whether the store accepted the event.
func SignAndInsert(signer Signer, store *EventStore, draft *nostr.Event) (bool, error) {
	if err := signer.Sign(draft); err != nil {
		return false, err
	}
	return store.Insert(draft), nil
}
