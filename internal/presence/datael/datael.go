// Package datael implements the DataElement wire model shared by presence
// advertisements: a four-bit length-prefixed header followed by a value,
// with a handful of types that override the length field for payloads that
// don't fit in a nibble (spec.md §4.3).
package datael

import "github.com/google/nearby-sub006/internal/bwuerr"

// Type is the four-bit DE type nibble.
type Type byte

const (
	Salt              Type = 0x0
	PublicIdentity    Type = 0x1
	PrivateIdentity   Type = 0x2
	ContactsIdentity  Type = 0x3
	TxPowerOrAction   Type = 0x5
	Action            Type = 0x6
	ModelID           Type = 0x7
	EddystoneID       Type = 0x8
	AccountKeyData    Type = 0x9
	ConnectionStatus  Type = 0xA
	Battery           Type = 0xB
)

// identityExtraBytes is the number of bytes appended on the wire beyond the
// header's length nibble for encrypted-identity DEs (2-byte salt + 14-byte
// metadata key) and Eddystone-ID DEs.
const (
	identityExtraBytes   = 16
	eddystoneExtraBytes  = 20
)

// DataElement is a decoded (type, value) pair. Value never includes the
// header byte; for identity DEs it is the on-wire payload before the inner
// DEs have been decrypted and re-parsed.
type DataElement struct {
	Type  Type
	Value []byte
}

// IsIdentity reports whether t is one of the identity DE types that the
// codec must treat specially (salt/metadata-key framing, decrypt-then-parse).
func (t Type) IsIdentity() bool {
	return t == PrivateIdentity || t == ContactsIdentity
}

// Encode writes the DE's header byte followed by its value to dst, returning
// the extended slice. The caller is responsible for ensuring de.Value's
// length fits the wire rules for de.Type (headerLen, below, validates this).
func Encode(dst []byte, de DataElement) ([]byte, error) {
	headerLen, err := headerLength(de.Type, len(de.Value))
	if err != nil {
		return nil, err
	}
	header := byte(headerLen<<4) | byte(de.Type&0x0F)
	dst = append(dst, header)
	dst = append(dst, de.Value...)
	return dst, nil
}

// headerLength computes the four-bit length nibble for a DE given its actual
// value length, validating the per-type wire rules from spec.md §4.3.
func headerLength(t Type, valueLen int) (int, error) {
	switch t {
	case Salt:
		if valueLen != 2 {
			return 0, bwuerr.New(bwuerr.Protocol, "salt DE must be 2 bytes")
		}
		return 2, nil
	case PublicIdentity:
		if valueLen != 0 {
			return 0, bwuerr.New(bwuerr.Protocol, "public identity DE must be empty")
		}
		return 0, nil
	case PrivateIdentity, ContactsIdentity:
		n := valueLen - identityExtraBytes
		if n < 2 || n > 6 {
			return 0, bwuerr.New(bwuerr.Protocol, "encrypted identity DE inner length out of range")
		}
		return n, nil
	case TxPowerOrAction, Action:
		if valueLen < 1 || valueLen > 3 {
			return 0, bwuerr.New(bwuerr.Protocol, "action DE must be 1-3 bytes")
		}
		return valueLen, nil
	case ModelID:
		if valueLen != 3 {
			return 0, bwuerr.New(bwuerr.Protocol, "model id DE must be 3 bytes")
		}
		return 3, nil
	case EddystoneID:
		if valueLen != eddystoneExtraBytes {
			return 0, bwuerr.New(bwuerr.Protocol, "eddystone id DE must be 20 bytes")
		}
		return 0, nil
	case AccountKeyData:
		if valueLen > 12 {
			return 0, bwuerr.New(bwuerr.Protocol, "account key data DE must be <= 12 bytes")
		}
		return valueLen, nil
	case ConnectionStatus, Battery:
		if valueLen > 3 {
			return 0, bwuerr.New(bwuerr.Protocol, "connection status / battery DE must be <= 3 bytes")
		}
		return valueLen, nil
	default:
		if valueLen > 15 {
			return 0, bwuerr.New(bwuerr.Protocol, "unknown DE type cannot exceed 15 bytes")
		}
		return valueLen, nil
	}
}

// Decode reads one DE from the front of src, returning the element and the
// remainder of src. wireLength reports how many bytes beyond the length
// nibble the element actually occupies, accounting for the identity and
// Eddystone length overrides.
func Decode(src []byte) (DataElement, []byte, error) {
	if len(src) == 0 {
		return DataElement{}, nil, bwuerr.New(bwuerr.Protocol, "data element header missing")
	}
	header := src[0]
	t := Type(header & 0x0F)
	nibbleLen := int(header >> 4)

	n, err := wireLength(t, nibbleLen)
	if err != nil {
		return DataElement{}, nil, err
	}
	rest := src[1:]
	if len(rest) < n {
		return DataElement{}, nil, bwuerr.New(bwuerr.Protocol, "data element value truncated")
	}
	return DataElement{Type: t, Value: rest[:n]}, rest[n:], nil
}

// wireLength is the inverse of headerLength: given the type and the decoded
// length nibble, it reports how many value bytes actually follow on the wire.
func wireLength(t Type, nibbleLen int) (int, error) {
	switch t {
	case PrivateIdentity, ContactsIdentity:
		if nibbleLen < 2 || nibbleLen > 6 {
			return 0, bwuerr.New(bwuerr.Protocol, "encrypted identity DE length nibble out of range")
		}
		return nibbleLen + identityExtraBytes, nil
	case EddystoneID:
		if nibbleLen != 0 {
			return 0, bwuerr.New(bwuerr.Protocol, "eddystone id DE length nibble must be 0")
		}
		return eddystoneExtraBytes, nil
	default:
		return nibbleLen, nil
	}
}
