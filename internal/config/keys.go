package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// KeySize is the length in bytes of a presence credential's key seed or
// metadata encryption key tag.
const KeySize = 32

// Key is a 32-byte key seed or tag. It is base64-encoded in TOML.
type Key [KeySize]byte

// GenerateKey returns a fresh random Key, suitable for a new shared
// credential's key seed.
func GenerateKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return Key{}, fmt.Errorf("generating random key: %w", err)
	}
	return k, nil
}

// ParseKey decodes a base64-encoded key string into a Key.
func ParseKey(s string) (Key, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("decoding base64 key: %w", err)
	}
	if len(b) != KeySize {
		return Key{}, fmt.Errorf("invalid key length: got %d, want %d", len(b), KeySize)
	}
	var k Key
	copy(k[:], b)
	return k, nil
}

// String returns the base64-encoded representation of the key.
func (k Key) String() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// IsZero reports whether the key is the zero value (all zeros).
func (k Key) IsZero() bool {
	var zero Key
	return k == zero
}

// MarshalText implements encoding.TextMarshaler for seamless TOML encoding.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler for seamless TOML decoding.
func (k *Key) UnmarshalText(text []byte) error {
	parsed, err := ParseKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// MetadataKeySize is the length in bytes of a local credential's metadata key
// (spec.md §3's 14-byte metadata_key, distinct from the 32-byte key seed/tag).
const MetadataKeySize = 14

// MetadataKey is the 14-byte value a device includes in the clear alongside
// an encrypted identity DE's ciphertext.
type MetadataKey [MetadataKeySize]byte

// GenerateMetadataKey returns a fresh random MetadataKey.
func GenerateMetadataKey() (MetadataKey, error) {
	var k MetadataKey
	if _, err := rand.Read(k[:]); err != nil {
		return MetadataKey{}, fmt.Errorf("generating random metadata key: %w", err)
	}
	return k, nil
}

// ParseMetadataKey decodes a base64-encoded metadata key string.
func ParseMetadataKey(s string) (MetadataKey, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return MetadataKey{}, fmt.Errorf("decoding base64 metadata key: %w", err)
	}
	if len(b) != MetadataKeySize {
		return MetadataKey{}, fmt.Errorf("invalid metadata key length: got %d, want %d", len(b), MetadataKeySize)
	}
	var k MetadataKey
	copy(k[:], b)
	return k, nil
}

// String returns the base64-encoded representation of the metadata key.
func (k MetadataKey) String() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// MarshalText implements encoding.TextMarshaler.
func (k MetadataKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *MetadataKey) UnmarshalText(text []byte) error {
	parsed, err := ParseMetadataKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
