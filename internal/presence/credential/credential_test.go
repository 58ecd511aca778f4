package credential

import "testing"

func TestStore_CandidatesFor(t *testing.T) {
	store := NewStore()
	a := SharedCredential{ID: "a", IdentityType: PrivateGroup}
	b := SharedCredential{ID: "b", IdentityType: PrivateGroup}
	c := SharedCredential{ID: "c", IdentityType: Contacts}
	store.Add(a)
	store.Add(b)
	store.Add(c)

	got := store.CandidatesFor(PrivateGroup)
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("CandidatesFor(PrivateGroup) = %+v, want [a b] in order", got)
	}

	if got := store.CandidatesFor(Contacts); len(got) != 1 || got[0].ID != "c" {
		t.Errorf("CandidatesFor(Contacts) = %+v, want [c]", got)
	}

	if got := store.CandidatesFor(Public); len(got) != 0 {
		t.Errorf("CandidatesFor(Public) = %+v, want empty", got)
	}
}

func TestSharedCredential_Cipher(t *testing.T) {
	cred := SharedCredential{ID: "a", IdentityType: PrivateGroup}
	cipher, err := cred.Cipher()
	if err != nil {
		t.Fatalf("Cipher: %v", err)
	}
	if cipher == nil {
		t.Fatal("Cipher returned nil with no error")
	}
}
