package types

// Pubkey is a type-safe wrapper for an author's hex public key
type Pubkey string

// EventID is a type-safe wrapper for a hex event id
type EventID string

// Address is the replacement key of a replaceable or addressable event,
// formatted as "kind:pubkey:identifier"
type Address string

// String converts Pubkey to string
func (p Pubkey) String() string {
	return string(p)
}

// String converts EventID to string
func (id EventID) String() string {
	return string(id)
}

// String converts Address to string
func (a Address) String() string {
	return string(a)
}

// Short returns the first 8 characters, for logs.
func (id EventID) Short() string {
	if len(id) <= 8 {
		return string(id)
	}
	return string(id[:8])
}

// Short returns the first 8 characters, for logs.
func (p Pubkey) Short() string {
	if len(p) <= 8 {
		return string(p)
	}
	return string(p[:8])
}
