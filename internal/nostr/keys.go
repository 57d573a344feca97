package nostr

import (
	"encoding/hex"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Identity is a secp256k1 key pair. PubKey is the x-only (BIP-340) form.
type Identity struct {
	PrivKey []byte
	PubKey  []byte
}

// GeneratePrivateKey generates a new random secp256k1 private key
func GeneratePrivateKey() ([]byte, error) {
	privKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return privKey.Serialize(), nil
}

// GetPublicKey derives the public key from a private key (x-only, 32 bytes)
func GetPublicKey(privKeyBytes []byte) ([]byte, error) {
	if len(privKeyBytes) != 32 {
		return nil, errors.New("invalid private key length")
	}
	privKey, _ := btcec.PrivKeyFromBytes(privKeyBytes)
	return schnorr.SerializePubKey(privKey.PubKey()), nil
}

// GenerateIdentity creates a fresh disposable key pair
func GenerateIdentity() (*Identity, error) {
	privKey, err := GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return IdentityFromPrivateKey(privKey)
}

// IdentityFromPrivateKey rebuilds an identity from raw private key bytes
func IdentityFromPrivateKey(privKey []byte) (*Identity, error) {
	pubKey, err := GetPublicKey(privKey)
	if err != nil {
		return nil, err
	}
	return &Identity{PrivKey: append([]byte(nil), privKey...), PubKey: pubKey}, nil
}

// IdentityFromHex rebuilds an identity from a hex encoded private key
func IdentityFromHex(privKeyHex string) (*Identity, error) {
	privKey, err := hex.DecodeString(privKeyHex)
	if err != nil {
		return nil, errors.New("invalid private key hex")
	}
	return IdentityFromPrivateKey(privKey)
}

// PubKeyHex returns the hex encoded x-only public key
func (id *Identity) PubKeyHex() string {
	return hex.EncodeToString(id.PubKey)
}

// PrivKeyHex returns the hex encoded private key
func (id *Identity) PrivKeyHex() string {
	return hex.EncodeToString(id.PrivKey)
}

// Zero wipes the private key
func (id *Identity) Zero() {
	if id == nil {
		return
	}
	for i := range id.PrivKey {
		id.PrivKey[i] = 0
	}
	id.PrivKey = nil
}

// DecodePubKey parses a hex x-only public key and checks it is on the curve
func DecodePubKey(pubKeyHex string) ([]byte, error) {
	if len(pubKeyHex) != 64 {
		return nil, errors.New("invalid pubkey length")
	}
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return nil, errors.New("invalid pubkey hex")
	}
	if _, err := schnorr.ParsePubKey(pubKey); err != nil {
		return nil, errors.New("invalid pubkey")
	}
	return pubKey, nil
}
