package nips

import "testing"

const testPubKeyHex = "bbde6a0e8847e1cdb2ba5ec021cc949eb3cef125b8304a748fe11c0407990eec"

func TestPubkeyRoundTrip(t *testing.T) {
	npub, err := EncodePubkey(testPubKeyHex)
	if err != nil {
		t.Fatalf("EncodePubkey failed: %v", err)
	}
	if npub[:5] != "npub1" {
		t.Fatalf("unexpected prefix: %s", npub)
	}

	decoded, err := DecodePubkey(npub)
	if err != nil {
		t.Fatalf("DecodePubkey failed: %v", err)
	}
	if decoded != testPubKeyHex {
		t.Errorf("round trip mismatch\n  got:      %s\n  expected: %s", decoded, testPubKeyHex)
	}
}

func TestDecodePubkeyAcceptsHex(t *testing.T) {
	got, err := DecodePubkey("  " + testPubKeyHex + " ")
	if err != nil {
		t.Fatalf("hex rejected: %v", err)
	}
	if got != testPubKeyHex {
		t.Errorf("unexpected value %s", got)
	}
	if _, err := DecodePubkey("1234"); err == nil {
		t.Error("short hex accepted")
	}
}

func TestDecodePubkeyRejectsBadChecksum(t *testing.T) {
	npub, _ := EncodePubkey(testPubKeyHex)
	last := npub[len(npub)-1]
	swap := byte('q')
	if last == 'q' {
		swap = 'p'
	}
	corrupted := npub[:len(npub)-1] + string(swap)
	if _, err := DecodePubkey(corrupted); err == nil {
		t.Error("corrupted npub accepted")
	}
}

func TestEncodeEventID(t *testing.T) {
	note, err := EncodeEventID(testPubKeyHex)
	if err != nil {
		t.Fatalf("EncodeEventID failed: %v", err)
	}
	if note[:5] != "note1" {
		t.Errorf("unexpected prefix: %s", note)
	}
	if _, err := EncodeEventID("abcd"); err == nil {
		t.Error("short event id accepted")
	}
}
