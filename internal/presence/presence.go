// Package presence implements the advertisement codec and scan-filter logic
// for Nearby Presence advertisements: a versioned sequence of DataElements,
// some plaintext and at most one identity-carrying DE whose body is
// encrypted against a shared credential (spec.md §3, §4.3).
package presence

import (
	"github.com/google/nearby-sub006/internal/bwuerr"
	"github.com/google/nearby-sub006/internal/presence/action"
	"github.com/google/nearby-sub006/internal/presence/credential"
	"github.com/google/nearby-sub006/internal/presence/datael"
)

// Version is the only advertisement format version this codec understands.
const Version uint8 = 0

// maxAdvertisementBytes is the legacy BLE advertisement payload ceiling
// (spec.md §4.3).
const maxAdvertisementBytes = 27

// saltSize is the length in bytes of the per-advertisement salt.
const saltSize = 2

// metadataKeySize is the length in bytes of the cleartext metadata key
// carried alongside an encrypted identity DE's ciphertext.
const metadataKeySize = 14

// Advertisement is a decoded presence advertisement. DataElements holds
// every DE except the identity DE itself, in wire order; an identity DE
// that decrypted successfully contributes IdentityType, MetadataKey and
// MatchedCredentialID and has its inner DEs decoded and appended to
// DataElements alongside the outer ones, as if they'd been transmitted in
// the clear.
type Advertisement struct {
	Version             uint8
	IdentityType        credential.IdentityType
	MetadataKey         [metadataKeySize]byte
	HasIdentity         bool
	MatchedCredentialID string
	DataElements        []datael.DataElement
}

// Codec encodes and decodes advertisements against a set of known
// credentials.
type Codec struct {
	Credentials *credential.Store
}

// NewCodec builds a Codec backed by store (used to trial-decrypt inbound
// encrypted identity DEs against every candidate credential).
func NewCodec(store *credential.Store) *Codec {
	return &Codec{Credentials: store}
}

// Encode serializes elements as a public (unencrypted) advertisement: a
// version byte followed by each DE in order, bounded by the legacy BLE
// payload ceiling.
func (c *Codec) Encode(elements []datael.DataElement) ([]byte, error) {
	out := []byte{Version}
	var err error
	for _, de := range elements {
		out, err = datael.Encode(out, de)
		if err != nil {
			return nil, err
		}
	}
	if len(out) > maxAdvertisementBytes {
		return nil, bwuerr.New(bwuerr.Protocol, "advertisement exceeds legacy BLE payload limit")
	}
	return out, nil
}

// EncodeEncrypted serializes elements as the inner DE sequence of an
// encrypted identity advertisement: it encrypts the inner bytes under
// local's credential, frames the result as salt||metadata_key||ciphertext
// inside a PrivateIdentity or ContactsIdentity DE (depending on
// local.IdentityType), and prepends a plaintext Salt DE as spec.md §4.3's
// worked examples do.
func (c *Codec) EncodeEncrypted(elements []datael.DataElement, salt [saltSize]byte, local *credential.LocalCredential) ([]byte, error) {
	var inner []byte
	var err error
	for _, de := range elements {
		inner, err = datael.Encode(inner, de)
		if err != nil {
			return nil, err
		}
	}

	cipher, err := local.Cipher()
	if err != nil {
		return nil, err
	}
	ciphertext, err := cipher.Encrypt(inner, salt[:])
	if err != nil {
		return nil, err
	}

	identityType, err := identityDEType(local.IdentityType)
	if err != nil {
		return nil, err
	}

	value := make([]byte, 0, saltSize+metadataKeySize+len(ciphertext))
	value = append(value, salt[:]...)
	value = append(value, local.MetadataKey[:]...)
	value = append(value, ciphertext...)

	out := []byte{Version}
	out, err = datael.Encode(out, datael.DataElement{Type: datael.Salt, Value: salt[:]})
	if err != nil {
		return nil, err
	}
	out, err = datael.Encode(out, datael.DataElement{Type: identityType, Value: value})
	if err != nil {
		return nil, err
	}
	if len(out) > maxAdvertisementBytes {
		return nil, bwuerr.New(bwuerr.Protocol, "advertisement exceeds legacy BLE payload limit")
	}
	return out, nil
}

func identityDEType(t credential.IdentityType) (datael.Type, error) {
	switch t {
	case credential.PrivateGroup:
		return datael.PrivateIdentity, nil
	case credential.Contacts:
		return datael.ContactsIdentity, nil
	default:
		return 0, bwuerr.New(bwuerr.Protocol, "identity type has no encrypted DE encoding")
	}
}

// Decode parses wire into an Advertisement, trial-decrypting any encrypted
// identity DE it finds against every credential this Codec knows about.
// Non-identity DEs are preserved exactly as parsed, byte-exact with what
// Encode/EncodeEncrypted produced — DEs like TxPowerOrAction are not
// expanded into their decoded bits here; callers interested in an Action
// DE's flags call action.Decode on its Value explicitly.
func (c *Codec) Decode(wire []byte) (Advertisement, error) {
	if len(wire) == 0 {
		return Advertisement{}, bwuerr.New(bwuerr.Protocol, "advertisement is empty")
	}
	if len(wire) > maxAdvertisementBytes {
		return Advertisement{}, bwuerr.New(bwuerr.Protocol, "advertisement exceeds legacy BLE payload limit")
	}
	if wire[0] != Version {
		return Advertisement{}, bwuerr.New(bwuerr.Protocol, "unsupported advertisement version")
	}

	adv := Advertisement{Version: wire[0]}
	rest := wire[1:]
	for len(rest) > 0 {
		var de datael.DataElement
		var err error
		de, rest, err = datael.Decode(rest)
		if err != nil {
			return Advertisement{}, err
		}
		if !de.Type.IsIdentity() {
			adv.DataElements = append(adv.DataElements, de)
			continue
		}
		if err := c.decryptIdentity(&adv, de); err != nil {
			return Advertisement{}, err
		}
	}
	return adv, nil
}

func (c *Codec) decryptIdentity(adv *Advertisement, de datael.DataElement) error {
	if len(de.Value) < saltSize+metadataKeySize {
		return bwuerr.New(bwuerr.Protocol, "encrypted identity DE too short")
	}
	salt := de.Value[:saltSize]
	metadataKey := de.Value[saltSize : saltSize+metadataKeySize]
	ciphertext := de.Value[saltSize+metadataKeySize:]

	identityType, err := identityTypeFor(de.Type)
	if err != nil {
		return err
	}

	var candidates []credential.SharedCredential
	if c.Credentials != nil {
		candidates = c.Credentials.CandidatesFor(identityType)
	}

	for _, cred := range candidates {
		cipher, err := cred.Cipher()
		if err != nil {
			continue
		}
		plaintext, err := cipher.DecryptAndVerify(ciphertext, salt, metadataKey)
		if err != nil {
			continue
		}

		adv.IdentityType = identityType
		adv.HasIdentity = true
		adv.MatchedCredentialID = cred.ID
		copy(adv.MetadataKey[:], metadataKey)

		inner := plaintext
		for len(inner) > 0 {
			var innerDE datael.DataElement
			innerDE, inner, err = datael.Decode(inner)
			if err != nil {
				return err
			}
			adv.DataElements = append(adv.DataElements, innerDE)
		}
		return nil
	}

	return bwuerr.New(bwuerr.Credential, "no credential decrypts identity DE")
}

func identityTypeFor(t datael.Type) (credential.IdentityType, error) {
	switch t {
	case datael.PrivateIdentity:
		return credential.PrivateGroup, nil
	case datael.ContactsIdentity:
		return credential.Contacts, nil
	default:
		return 0, bwuerr.New(bwuerr.Protocol, "DE type is not an identity type")
	}
}

// ScanFilter reports whether an Advertisement satisfies some matching
// criterion (spec.md §4.3).
type ScanFilter interface {
	Matches(adv Advertisement) bool
}

// PresenceScanFilter matches an advertisement iff it carries every DE in
// ExtendedProperties (type and value both compared).
type PresenceScanFilter struct {
	ExtendedProperties []datael.DataElement
}

// Matches implements ScanFilter.
func (f PresenceScanFilter) Matches(adv Advertisement) bool {
	for _, want := range f.ExtendedProperties {
		if !containsDE(adv.DataElements, want) {
			return false
		}
	}
	return true
}

func containsDE(elements []datael.DataElement, want datael.DataElement) bool {
	for _, de := range elements {
		if de.Type == want.Type && bytesEqual(de.Value, want.Value) {
			return true
		}
	}
	return false
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// LegacyPresenceScanFilter matches an advertisement iff it carries an
// Action or TxPowerOrAction DE whose decoded bits intersect Actions. An
// empty Actions list is a wildcard (matches any advertisement carrying
// such a DE, and also one carrying none, mirroring the legacy scanner's
// permissive default).
type LegacyPresenceScanFilter struct {
	Actions []action.Bit
}

// Matches implements ScanFilter.
func (f LegacyPresenceScanFilter) Matches(adv Advertisement) bool {
	if len(f.Actions) == 0 {
		return true
	}
	for _, de := range adv.DataElements {
		if de.Type != datael.TxPowerOrAction && de.Type != datael.Action {
			continue
		}
		enc := action.CombinedTxAction
		if de.Type == datael.Action {
			enc = action.PureAction
		}
		set, err := action.Decode(de.Value, enc)
		if err != nil {
			continue
		}
		for _, bit := range f.Actions {
			if set.Has(bit) {
				return true
			}
		}
	}
	return false
}

// ScanRequest selects which advertisements a scan session surfaces: the
// decoded identity type must be in IdentityAllowList (empty means any),
// and, if any Filters are given, at least one must match.
type ScanRequest struct {
	IdentityAllowList []credential.IdentityType
	Filters           []ScanFilter
}

// Matches reports whether adv satisfies this request.
func (r ScanRequest) Matches(adv Advertisement) bool {
	if len(r.IdentityAllowList) > 0 {
		allowed := false
		for _, t := range r.IdentityAllowList {
			if adv.HasIdentity && adv.IdentityType == t {
				allowed = true
				break
			}
			if !adv.HasIdentity && t == credential.Public {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	if len(r.Filters) == 0 {
		return true
	}
	for _, f := range r.Filters {
		if f.Matches(adv) {
			return true
		}
	}
	return false
}
