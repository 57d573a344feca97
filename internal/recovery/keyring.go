package recovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// DefaultKeyringService is the service name local keys are filed under
const DefaultKeyringService = "nostr-publisher"

// KeyringStore decorates a Store so local private keys are kept in the OS
// keyring and never written to the underlying backend. Checkpoints pass
// through unchanged.
type KeyringStore struct {
	Store
	service string
}

func NewKeyringStore(inner Store, service string) *KeyringStore {
	if service == "" {
		service = DefaultKeyringService
	}
	return &KeyringStore{Store: inner, service: service}
}

func (k *KeyringStore) stash(pubKey, privKey string) error {
	if err := keyring.Set(k.service, pubKey, privKey); err != nil {
		return fmt.Errorf("keyring set: %w", err)
	}
	return nil
}

func (k *KeyringStore) fetch(pubKey string) (string, error) {
	priv, err := keyring.Get(k.service, pubKey)
	if err != nil {
		return "", fmt.Errorf("keyring get: %w", err)
	}
	return priv, nil
}

func (k *KeyringStore) forget(pubKey string) error {
	err := keyring.Delete(k.service, pubKey)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keyring delete: %w", err)
	}
	return nil
}

func (k *KeyringStore) SavePending(ctx context.Context, rec *PendingRecord) error {
	stripped := copyPending(rec)
	if rec.LocalPrivKey != "" {
		if err := k.stash(rec.LocalPubKey, rec.LocalPrivKey); err != nil {
			return err
		}
		stripped.LocalPrivKey = ""
		stripped.KeyInKeyring = true
	}
	return k.Store.SavePending(ctx, stripped)
}

func (k *KeyringStore) LoadPending(ctx context.Context) (*PendingRecord, error) {
	rec, err := k.Store.LoadPending(ctx)
	if err != nil || rec == nil || !rec.KeyInKeyring {
		return rec, err
	}
	priv, err := k.fetch(rec.LocalPubKey)
	if err != nil {
		return nil, err
	}
	rec.LocalPrivKey = priv
	rec.KeyInKeyring = false
	return rec, nil
}

// ClearPending drops the keyring entry unless a saved session still uses
// the same local key.
func (k *KeyringStore) ClearPending(ctx context.Context) error {
	rec, err := k.Store.LoadPending(ctx)
	if err != nil {
		return err
	}
	if rec != nil && rec.KeyInKeyring && !k.sessionUses(ctx, rec.LocalPubKey) {
		if err := k.forget(rec.LocalPubKey); err != nil {
			return err
		}
	}
	return k.Store.ClearPending(ctx)
}

func (k *KeyringStore) sessionUses(ctx context.Context, pubKey string) bool {
	sess, err := k.Store.LoadSession(ctx)
	return err == nil && sess != nil && sess.LocalPubKey == pubKey
}

func (k *KeyringStore) SaveSession(ctx context.Context, rec *SessionRecord) error {
	stripped := copySession(rec)
	if rec.LocalPrivKey != "" {
		if err := k.stash(rec.LocalPubKey, rec.LocalPrivKey); err != nil {
			return err
		}
		stripped.LocalPrivKey = ""
		stripped.KeyInKeyring = true
	}
	return k.Store.SaveSession(ctx, stripped)
}

func (k *KeyringStore) LoadSession(ctx context.Context) (*SessionRecord, error) {
	rec, err := k.Store.LoadSession(ctx)
	if err != nil || rec == nil || !rec.KeyInKeyring {
		return rec, err
	}
	priv, err := k.fetch(rec.LocalPubKey)
	if err != nil {
		return nil, err
	}
	rec.LocalPrivKey = priv
	rec.KeyInKeyring = false
	return rec, nil
}

func (k *KeyringStore) ClearSession(ctx context.Context) error {
	rec, err := k.Store.LoadSession(ctx)
	if err != nil {
		return err
	}
	if rec != nil && rec.KeyInKeyring {
		if err := k.forget(rec.LocalPubKey); err != nil {
			return err
		}
	}
	return k.Store.ClearSession(ctx)
}
