package relaycache

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nbd-wtf/go-nostr"

	"github.com/eljojo/relaycache/types"
)

// Pointer targets either a regular event by id (ID set) or a replaceable /
// addressable coordinate (Kind + Identifier, with the author named by Pubkey).
type Pointer struct {
	ID types.EventID `json:"id,omitempty"`

	Kind       int          `json:"kind,omitempty"`
	Pubkey     types.Pubkey `json:"pubkey,omitempty"`
	Identifier string       `json:"identifier,omitempty"`
}

// IsCoordinate reports whether p targets a coordinate rather than an id.
func (p Pointer) IsCoordinate() bool {
	return p.ID == ""
}

// Coordinate returns the "kind|identifier" key used by the delete manager.
func (p Pointer) Coordinate() string {
	return coordinateKey(p.Kind, p.Identifier)
}

// String renders the pointer as it appears in a tag.
func (p Pointer) String() string {
	if p.IsCoordinate() {
		return fmt.Sprintf("%d:%s:%s", p.Kind, p.Pubkey, p.Identifier)
	}
	return string(p.ID)
}

func coordinateKey(kind int, identifier string) string {
	return strconv.Itoa(kind) + "|" + identifier
}

// DeletionPointers parses the e and a tags of a deletion event. Tags with
// missing or malformed values are skipped.
func DeletionPointers(ev *nostr.Event) []Pointer {
	if ev.Kind != nostr.KindDeletion {
		return nil
	}
	var pointers []Pointer
	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[1] == "" {
			continue
		}
		switch tag[0] {
		case "e":
			pointers = append(pointers, Pointer{ID: types.EventID(tag[1])})
		case "a":
			if p, ok := ParseCoordinate(tag[1]); ok {
				pointers = append(pointers, p)
			}
		}
	}
	return pointers
}

// ParseCoordinate parses "kind:pubkey:identifier". The identifier may be
// empty or contain colons.
func ParseCoordinate(value string) (Pointer, bool) {
	parts := strings.SplitN(value, ":", 3)
	if len(parts) < 2 {
		return Pointer{}, false
	}
	kind, err := strconv.Atoi(parts[0])
	if err != nil || kind < 0 {
		return Pointer{}, false
	}
	if !IsReplaceableClass(kind) {
		return Pointer{}, false
	}
	if parts[1] == "" {
		return Pointer{}, false
	}
	p := Pointer{Kind: kind, Pubkey: types.Pubkey(parts[1])}
	// replaceable kinds have no identifier; whatever follows is ignored
	if len(parts) == 3 && ClassifyKind(kind) == KindClassAddressable {
		p.Identifier = parts[2]
	}
	return p, true
}
