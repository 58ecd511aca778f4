// Package credential holds the shared credentials a presence scanner uses to
// decrypt inbound encrypted-identity advertisements, and the local
// credential a device uses to encrypt its own (spec.md §3).
package credential

import "github.com/google/nearby-sub006/internal/presence/ldt"

// IdentityType classifies which encrypted-identity DE a credential applies
// to (spec.md §4.3's PrivateIdentity/ContactsIdentity DE types, plus the
// unencrypted Public case used for the allow-list).
type IdentityType int

const (
	Public IdentityType = iota
	PrivateGroup
	Contacts
)

// SharedCredential is a group member's decryption material, broadcast
// out-of-band (key exchange is out of scope, see spec.md §1's UKEY2
// exclusion) and held by every other group member's scanner.
type SharedCredential struct {
	ID                       string
	IdentityType             IdentityType
	KeySeed                  [ldt.KeySeedSize]byte
	MetadataEncryptionKeyTag [ldt.TagSize]byte
}

// Cipher builds the ldt.Cipher this credential decrypts with.
func (c SharedCredential) Cipher() (*ldt.Cipher, error) {
	return ldt.New(c.KeySeed, c.MetadataEncryptionKeyTag)
}

// LocalCredential is the device's own credential, used to encrypt
// advertisements it broadcasts under a given identity type.
type LocalCredential struct {
	SharedCredential
	MetadataKey [14]byte
}

// Store indexes shared credentials by identity type, so the codec can try
// every candidate in a bucket against an inbound encrypted DE (spec.md
// §4.3's "attempt decryption against each candidate SharedCredential in the
// identity bucket").
type Store struct {
	byIdentity map[IdentityType][]SharedCredential
}

// NewStore builds an empty Store.
func NewStore() *Store {
	return &Store{byIdentity: make(map[IdentityType][]SharedCredential)}
}

// Add registers a shared credential under its identity type.
func (s *Store) Add(c SharedCredential) {
	s.byIdentity[c.IdentityType] = append(s.byIdentity[c.IdentityType], c)
}

// CandidatesFor returns every shared credential registered for identityType,
// in registration order.
func (s *Store) CandidatesFor(identityType IdentityType) []SharedCredential {
	return s.byIdentity[identityType]
}
