package presence

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/google/nearby-sub006/internal/presence/action"
	"github.com/google/nearby-sub006/internal/presence/credential"
	"github.com/google/nearby-sub006/internal/presence/datael"
)

func TestEncode_Scenario1_TxPowerOnly(t *testing.T) {
	c := NewCodec(credential.NewStore())
	wire, err := c.Encode([]datael.DataElement{
		{Type: datael.TxPowerOrAction, Value: []byte{0x03}},
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := []byte{0x00, 0x15, 0x03}
	if diff := cmp.Diff(want, wire); diff != "" {
		t.Errorf("wire mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeDecode_Scenario2_TxPowerAndAction(t *testing.T) {
	c := NewCodec(credential.NewStore())
	actionBytes := action.Encode(action.Set{Bits: map[action.Bit]bool{action.NearbyShare: true}}, action.PureAction)
	elements := []datael.DataElement{
		{Type: datael.TxPowerOrAction, Value: []byte{0x05}},
		{Type: datael.Action, Value: actionBytes},
	}
	wire, err := c.Encode(elements)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := []byte{0x00, 0x15, 0x05, 0x26, 0x00, 0x40}
	if diff := cmp.Diff(want, wire); diff != "" {
		t.Errorf("wire mismatch (-want +got):\n%s", diff)
	}

	adv, err := c.Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if diff := cmp.Diff(elements, adv.DataElements); diff != "" {
		t.Errorf("decoded DataElements mismatch (-want +got):\n%s", diff)
	}
	if adv.HasIdentity {
		t.Error("public advertisement should not report HasIdentity")
	}
}

func TestEncodeEncrypted_Decode_RoundTrip(t *testing.T) {
	shared := credential.SharedCredential{ID: "group-1", IdentityType: credential.PrivateGroup}
	cipher, err := shared.Cipher()
	if err != nil {
		t.Fatalf("Cipher: %v", err)
	}
	var metadataKey [14]byte
	for i := range metadataKey {
		metadataKey[i] = byte(i)
	}
	shared.MetadataEncryptionKeyTag = cipher.ExpectedTag(metadataKey[:])
	local := &credential.LocalCredential{SharedCredential: shared, MetadataKey: metadataKey}

	store := credential.NewStore()
	store.Add(shared)
	c := NewCodec(store)

	inner := []datael.DataElement{
		{Type: datael.TxPowerOrAction, Value: []byte{0x07}},
	}
	salt := [2]byte{0x55, 0x66}
	wire, err := c.EncodeEncrypted(inner, salt, local)
	if err != nil {
		t.Fatalf("EncodeEncrypted: %v", err)
	}
	if len(wire) > maxAdvertisementBytes {
		t.Fatalf("wire length %d exceeds %d", len(wire), maxAdvertisementBytes)
	}

	adv, err := c.Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !adv.HasIdentity {
		t.Fatal("expected HasIdentity == true")
	}
	if adv.IdentityType != credential.PrivateGroup {
		t.Errorf("IdentityType = %v, want PrivateGroup", adv.IdentityType)
	}
	if adv.MatchedCredentialID != "group-1" {
		t.Errorf("MatchedCredentialID = %q, want group-1", adv.MatchedCredentialID)
	}
	if adv.MetadataKey != metadataKey {
		t.Errorf("MetadataKey = %x, want %x", adv.MetadataKey, metadataKey)
	}
	wantDE := append([]datael.DataElement{{Type: datael.Salt, Value: salt[:]}}, inner...)
	if diff := cmp.Diff(wantDE, adv.DataElements); diff != "" {
		t.Errorf("decoded DataElements mismatch (-want +got):\n%s", diff)
	}
}

func TestDecode_NoMatchingCredential(t *testing.T) {
	shared := credential.SharedCredential{ID: "group-1", IdentityType: credential.PrivateGroup}
	local := &credential.LocalCredential{SharedCredential: shared}

	// Decode with an empty store: no credential can verify the tag.
	c := NewCodec(credential.NewStore())
	salt := [2]byte{0x01, 0x02}
	// An encrypted identity DE carries 2-6 inner bytes, so encode one DE.
	inner := []datael.DataElement{{Type: datael.TxPowerOrAction, Value: []byte{0x07}}}
	wire, err := c.EncodeEncrypted(inner, salt, local)
	if err != nil {
		t.Fatalf("EncodeEncrypted: %v", err)
	}
	if _, err := c.Decode(wire); err == nil {
		t.Error("Decode: want error with no matching credential, got nil")
	}
}

func TestScanRequest_Matches(t *testing.T) {
	adv := Advertisement{
		HasIdentity:  true,
		IdentityType: credential.PrivateGroup,
		DataElements: []datael.DataElement{
			{Type: datael.Action, Value: action.Encode(action.Set{Bits: map[action.Bit]bool{action.FastPair: true}}, action.PureAction)},
		},
	}

	req := ScanRequest{
		IdentityAllowList: []credential.IdentityType{credential.PrivateGroup},
		Filters:           []ScanFilter{LegacyPresenceScanFilter{Actions: []action.Bit{action.FastPair}}},
	}
	if !req.Matches(adv) {
		t.Error("expected match on identity + action filter")
	}

	wrongIdentity := ScanRequest{IdentityAllowList: []credential.IdentityType{credential.Contacts}}
	if wrongIdentity.Matches(adv) {
		t.Error("expected no match for disallowed identity type")
	}

	noMatchingFilter := ScanRequest{Filters: []ScanFilter{LegacyPresenceScanFilter{Actions: []action.Bit{action.ActiveUnlock}}}}
	if noMatchingFilter.Matches(adv) {
		t.Error("expected no match when no filter's actions intersect")
	}
}

func TestPresenceScanFilter_RequiresAllProperties(t *testing.T) {
	adv := Advertisement{DataElements: []datael.DataElement{
		{Type: datael.ModelID, Value: []byte{1, 2, 3}},
		{Type: datael.Battery, Value: []byte{0x50}},
	}}
	match := PresenceScanFilter{ExtendedProperties: []datael.DataElement{
		{Type: datael.ModelID, Value: []byte{1, 2, 3}},
	}}
	if !match.Matches(adv) {
		t.Error("expected match when all extended properties present")
	}

	noMatch := PresenceScanFilter{ExtendedProperties: []datael.DataElement{
		{Type: datael.ModelID, Value: []byte{9, 9, 9}},
	}}
	if noMatch.Matches(adv) {
		t.Error("expected no match for differing property value")
	}
}
