package nostr

import (
	"encoding/json"
	"testing"

	"nostr-publisher/internal/types"
)

const (
	testPrivKeyHex = "edc90d06fee17615229c8526dc005d959e4af3bdc0b48c5776c951bcafedec85"
	testPubKeyHex  = "bbde6a0e8847e1cdb2ba5ec021cc949eb3cef125b8304a748fe11c0407990eec"
)

func TestIdentityFromHex(t *testing.T) {
	id, err := IdentityFromHex(testPrivKeyHex)
	if err != nil {
		t.Fatalf("IdentityFromHex failed: %v", err)
	}
	if id.PubKeyHex() != testPubKeyHex {
		t.Errorf("Pubkey mismatch!\n  got:      %s\n  expected: %s", id.PubKeyHex(), testPubKeyHex)
	}

	id.Zero()
	if id.PrivKey != nil {
		t.Error("Zero should drop the private key")
	}
}

func TestGenerateIdentityIsRandom(t *testing.T) {
	a, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity failed: %v", err)
	}
	b, _ := GenerateIdentity()
	if a.PubKeyHex() == b.PubKeyHex() {
		t.Error("two generated identities share a pubkey")
	}
	if len(a.PubKey) != 32 || len(a.PrivKey) != 32 {
		t.Errorf("unexpected key sizes: pub=%d priv=%d", len(a.PubKey), len(a.PrivKey))
	}
}

func TestDecodePubKey(t *testing.T) {
	if _, err := DecodePubKey(testPubKeyHex); err != nil {
		t.Errorf("valid pubkey rejected: %v", err)
	}
	if _, err := DecodePubKey("abcd"); err == nil {
		t.Error("short pubkey accepted")
	}
	if _, err := DecodePubKey("zz" + testPubKeyHex[2:]); err == nil {
		t.Error("non-hex pubkey accepted")
	}
}

func TestSerializeEvent(t *testing.T) {
	evt := &types.Event{
		PubKey:    testPubKeyHex,
		CreatedAt: 1700000000,
		Kind:      1,
		Content:   "test",
	}
	expected := `[0,"bbde6a0e8847e1cdb2ba5ec021cc949eb3cef125b8304a748fe11c0407990eec",1700000000,1,[],"test"]`
	if got := string(SerializeEvent(evt)); got != expected {
		t.Errorf("Serialization mismatch:\ngot:      %s\nexpected: %s", got, expected)
	}

	evt.Tags = [][]string{{"e", "abc123", "", "reply"}, {"p", "def456"}}
	evt.Content = "<b>&</b>"
	expected = `[0,"bbde6a0e8847e1cdb2ba5ec021cc949eb3cef125b8304a748fe11c0407990eec",1700000000,1,[["e","abc123","","reply"],["p","def456"]],"<b>&</b>"]`
	if got := string(SerializeEvent(evt)); got != expected {
		t.Errorf("Serialization mismatch:\ngot:      %s\nexpected: %s", got, expected)
	}
}

func TestSignAndValidate(t *testing.T) {
	id, _ := IdentityFromHex(testPrivKeyHex)
	evt, err := NewSignedEvent(id, types.KindNote, nil, "hello\nworld")
	if err != nil {
		t.Fatalf("NewSignedEvent failed: %v", err)
	}
	if evt.PubKey != testPubKeyHex {
		t.Errorf("pubkey not filled in: %s", evt.PubKey)
	}
	if !ValidateEventSignature(evt) {
		t.Fatal("freshly signed event failed validation")
	}

	evt.Content = "tampered"
	if ValidateEventSignature(evt) {
		t.Error("tampered content passed validation")
	}
}

func TestParseEventFromInterface(t *testing.T) {
	id, _ := IdentityFromHex(testPrivKeyHex)
	evt, _ := NewSignedEvent(id, types.KindNostrConnect, [][]string{{"p", testPubKeyHex}}, "payload")

	raw, _ := json.Marshal(evt)
	var generic interface{}
	json.Unmarshal(raw, &generic)

	parsed, ok := ParseEventFromInterface(generic)
	if !ok {
		t.Fatal("valid event rejected")
	}
	if parsed.ID != evt.ID || parsed.Kind != types.KindNostrConnect || len(parsed.Tags) != 1 {
		t.Errorf("parsed event differs: %+v", parsed)
	}

	m := generic.(map[string]interface{})
	m["content"] = "forged"
	if _, ok := ParseEventFromInterface(m); ok {
		t.Error("forged event accepted")
	}
	if _, ok := ParseEventFromInterface("not an object"); ok {
		t.Error("non-object accepted")
	}
}

func TestContentHash(t *testing.T) {
	// BLAKE3 of the empty input
	if got := ContentHash(nil); got != "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262" {
		t.Errorf("unexpected empty hash: %s", got)
	}
	if ContentHash([]byte("a")) == ContentHash([]byte("b")) {
		t.Error("distinct inputs share a hash")
	}
}

func TestShortID(t *testing.T) {
	if ShortID(testPubKeyHex) != "bbde6a0e8847" {
		t.Errorf("unexpected short id %s", ShortID(testPubKeyHex))
	}
	if ShortID("abc") != "abc" {
		t.Error("short input should be returned unchanged")
	}
}
