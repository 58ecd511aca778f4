package ldt

import (
	"bytes"
	"testing"
)

func testKeySeed(b byte) [KeySeedSize]byte {
	var seed [KeySeedSize]byte
	for i := range seed {
		seed[i] = b
	}
	return seed
}

func TestEncryptDecryptAndVerify_RoundTrip(t *testing.T) {
	keySeed := testKeySeed(0x11)
	cipher, err := New(keySeed, [TagSize]byte{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	metadataKey := bytes.Repeat([]byte{0xAB}, 14)
	tag := cipher.ExpectedTag(metadataKey)

	// Rebuild the cipher with the tag a scanner would actually hold.
	cipher, err = New(keySeed, tag)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	plaintext := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
	salt := []byte{0x10, 0x20}

	ciphertext, err := cipher.Encrypt(plaintext, salt)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if len(ciphertext) != len(plaintext) {
		t.Fatalf("ciphertext length = %d, want %d (length-preserving)", len(ciphertext), len(plaintext))
	}
	if bytes.Equal(ciphertext, plaintext) {
		t.Error("ciphertext equals plaintext, expected it to be obscured")
	}

	got, err := cipher.DecryptAndVerify(ciphertext, salt, metadataKey)
	if err != nil {
		t.Fatalf("DecryptAndVerify: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("decrypted = %x, want %x", got, plaintext)
	}
}

func TestDecryptAndVerify_RejectsWrongTag(t *testing.T) {
	keySeed := testKeySeed(0x22)
	cipher, err := New(keySeed, [TagSize]byte{0xFF})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	metadataKey := bytes.Repeat([]byte{0xCD}, 14)
	salt := []byte{0x01, 0x02}
	ciphertext, err := cipher.Encrypt([]byte{0x01, 0x02}, salt)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := cipher.DecryptAndVerify(ciphertext, salt, metadataKey); err == nil {
		t.Error("DecryptAndVerify: want error for mismatched tag, got nil")
	}
}

func TestDifferentSalts_ProduceDifferentCiphertext(t *testing.T) {
	keySeed := testKeySeed(0x33)
	cipher, err := New(keySeed, [TagSize]byte{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	plaintext := []byte{0x0A, 0x0B, 0x0C}
	c1, err := cipher.Encrypt(plaintext, []byte{0x00, 0x01})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	c2, err := cipher.Encrypt(plaintext, []byte{0x00, 0x02})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Equal(c1, c2) {
		t.Error("different salts produced identical ciphertext")
	}
}
