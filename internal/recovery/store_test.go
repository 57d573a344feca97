package recovery

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/zalando/go-keyring"
)

// backends returns every store that runs without external services,
// plus Redis when REDIS_URL is set.
func backends(t *testing.T) map[string]Store {
	t.Helper()

	file, err := NewFileStore(t.TempDir(), time.Hour)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	sqlite, err := NewSQLiteStore(":memory:", time.Hour)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })

	stores := map[string]Store{
		"memory": NewMemoryStore(time.Hour),
		"file":   file,
		"sqlite": sqlite,
	}

	if url := os.Getenv("REDIS_URL"); url != "" {
		prefix := "nostr-publisher-test:" + t.Name() + ":"
		rs, err := NewRedisStore(context.Background(), url, prefix, time.Hour)
		if err != nil {
			t.Fatalf("NewRedisStore failed: %v", err)
		}
		t.Cleanup(func() {
			ctx := context.Background()
			rs.client.Del(ctx, rs.key("pending"), rs.key("session"), rs.key("checkpoints"))
			rs.Close()
		})
		stores["redis"] = rs
	}
	return stores
}

func TestPendingRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			got, err := s.LoadPending(ctx)
			if err != nil || got != nil {
				t.Fatalf("empty store returned %+v, %v", got, err)
			}

			rec := &PendingRecord{
				LocalPrivKey: "aa",
				LocalPubKey:  "bb",
				Secret:       "sec-abcd1234",
				Relays:       []string{"wss://a", "wss://b"},
				CreatedAt:    time.Now().Unix(),
			}
			if err := s.SavePending(ctx, rec); err != nil {
				t.Fatalf("SavePending failed: %v", err)
			}
			rec.Relays[0] = "mutated"

			got, err = s.LoadPending(ctx)
			if err != nil || got == nil {
				t.Fatalf("LoadPending failed: %+v, %v", got, err)
			}
			if got.Secret != "sec-abcd1234" || got.LocalPrivKey != "aa" || len(got.Relays) != 2 || got.Relays[0] != "wss://a" {
				t.Errorf("unexpected record %+v", got)
			}

			if err := s.ClearPending(ctx); err != nil {
				t.Fatalf("ClearPending failed: %v", err)
			}
			if err := s.ClearPending(ctx); err != nil {
				t.Fatalf("second ClearPending failed: %v", err)
			}
			if got, _ := s.LoadPending(ctx); got != nil {
				t.Errorf("record survived ClearPending: %+v", got)
			}
		})
	}
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			rec := &SessionRecord{
				LocalPrivKey: "aa",
				LocalPubKey:  "bb",
				RemotePubKey: "cc",
				Relays:       []string{"wss://a"},
				CreatedAt:    time.Now().Unix(),
			}
			if err := s.SaveSession(ctx, rec); err != nil {
				t.Fatalf("SaveSession failed: %v", err)
			}
			got, err := s.LoadSession(ctx)
			if err != nil || got == nil || got.RemotePubKey != "cc" {
				t.Fatalf("LoadSession returned %+v, %v", got, err)
			}
			if err := s.ClearSession(ctx); err != nil {
				t.Fatalf("ClearSession failed: %v", err)
			}
			if got, _ := s.LoadSession(ctx); got != nil {
				t.Errorf("session survived ClearSession")
			}
		})
	}
}

func TestMarkPublishedIdempotent(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if ok, err := s.IsPublished(ctx, "item-1"); err != nil || ok {
				t.Fatalf("fresh store reports item published: %v %v", ok, err)
			}
			for i := 0; i < 2; i++ {
				if err := s.MarkPublished(ctx, "item-1"); err != nil {
					t.Fatalf("MarkPublished #%d failed: %v", i+1, err)
				}
			}
			if ok, err := s.IsPublished(ctx, "item-1"); err != nil || !ok {
				t.Errorf("item-1 not published after marking: %v %v", ok, err)
			}
			if ok, _ := s.IsPublished(ctx, "item-2"); ok {
				t.Error("unrelated item reported published")
			}
		})
	}
}

func TestMarkPublishedConcurrent(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ids := []string{"a", "b", "c", "d", "e", "f"}
			var wg sync.WaitGroup
			for _, id := range ids {
				wg.Add(1)
				go func(id string) {
					defer wg.Done()
					if err := s.MarkPublished(ctx, id); err != nil {
						t.Errorf("MarkPublished(%s) failed: %v", id, err)
					}
				}(id)
			}
			wg.Wait()
			for _, id := range ids {
				if ok, _ := s.IsPublished(ctx, id); !ok {
					t.Errorf("%s lost under concurrent writes", id)
				}
			}
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s1, _ := NewFileStore(dir, time.Hour)
	if err := s1.MarkPublished(ctx, "kept"); err != nil {
		t.Fatalf("MarkPublished failed: %v", err)
	}
	s1.SavePending(ctx, &PendingRecord{LocalPubKey: "bb", Secret: "s", CreatedAt: time.Now().Unix()})

	s2, _ := NewFileStore(dir, time.Hour)
	if ok, _ := s2.IsPublished(ctx, "kept"); !ok {
		t.Error("checkpoint lost across reopen")
	}
	if rec, _ := s2.LoadPending(ctx); rec == nil || rec.Secret != "s" {
		t.Errorf("pending record lost across reopen: %+v", rec)
	}

	info, err := os.Stat(filepath.Join(dir, checkpointsFile))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("checkpoint file mode %o, want 600", perm)
	}
}

func TestFileStoresShareCheckpoints(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	a, _ := NewFileStore(dir, time.Hour)
	b, _ := NewFileStore(dir, time.Hour)

	// a has read the log before b writes to it
	if ok, err := a.IsPublished(ctx, "x"); err != nil || ok {
		t.Fatalf("IsPublished(x) = %v, %v", ok, err)
	}
	if err := b.MarkPublished(ctx, "item-b"); err != nil {
		t.Fatalf("b.MarkPublished failed: %v", err)
	}
	if err := a.MarkPublished(ctx, "item-a"); err != nil {
		t.Fatalf("a.MarkPublished failed: %v", err)
	}
	if ok, _ := a.IsPublished(ctx, "item-b"); !ok {
		t.Error("a does not see b's checkpoint")
	}

	fresh, _ := NewFileStore(dir, time.Hour)
	for _, id := range []string{"item-a", "item-b"} {
		if ok, err := fresh.IsPublished(ctx, id); err != nil || !ok {
			t.Errorf("%s published = %v, %v after both writes", id, ok, err)
		}
	}
}

func TestFileStoreToleratesTornCheckpoint(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, _ := NewFileStore(dir, time.Hour)
	if err := s.MarkPublished(ctx, "first"); err != nil {
		t.Fatalf("MarkPublished failed: %v", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, checkpointsFile), os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f.WriteString(`{"id":"torn","a`)
	f.Close()

	s2, _ := NewFileStore(dir, time.Hour)
	if err := s2.MarkPublished(ctx, "after"); err != nil {
		t.Fatalf("MarkPublished after torn line failed: %v", err)
	}

	fresh, _ := NewFileStore(dir, time.Hour)
	for id, want := range map[string]bool{"first": true, "after": true, "torn": false} {
		if ok, err := fresh.IsPublished(ctx, id); err != nil || ok != want {
			t.Errorf("IsPublished(%s) = %v, %v; want %v", id, ok, err, want)
		}
	}
}

func TestPendingExpires(t *testing.T) {
	ctx := context.Background()
	old := time.Now().Add(-time.Hour).Unix()

	file, _ := NewFileStore(t.TempDir(), time.Minute)
	sqlite, _ := NewSQLiteStore(":memory:", time.Minute)
	defer sqlite.Close()

	for name, s := range map[string]PendingStore{
		"memory": NewMemoryStore(time.Minute),
		"file":   file,
		"sqlite": sqlite,
	} {
		s.SavePending(ctx, &PendingRecord{LocalPubKey: "bb", Secret: "stale", CreatedAt: old})
		rec, err := s.LoadPending(ctx)
		if err != nil {
			t.Fatalf("%s: LoadPending failed: %v", name, err)
		}
		if rec != nil {
			t.Errorf("%s: stale pending record returned", name)
		}
	}
}

func TestKeyringStoreKeepsKeyOutOfBackend(t *testing.T) {
	keyring.MockInit()
	ctx := context.Background()

	inner := NewMemoryStore(time.Hour)
	s := NewKeyringStore(inner, "nostr-publisher-test")

	rec := &PendingRecord{LocalPrivKey: "deadbeef", LocalPubKey: "pub1", Secret: "x", CreatedAt: time.Now().Unix()}
	if err := s.SavePending(ctx, rec); err != nil {
		t.Fatalf("SavePending failed: %v", err)
	}

	raw, _ := inner.LoadPending(ctx)
	if raw.LocalPrivKey != "" || !raw.KeyInKeyring {
		t.Errorf("private key reached the backend: %+v", raw)
	}

	got, err := s.LoadPending(ctx)
	if err != nil {
		t.Fatalf("LoadPending failed: %v", err)
	}
	if got.LocalPrivKey != "deadbeef" {
		t.Errorf("key not restored from keyring: %+v", got)
	}

	if err := s.ClearPending(ctx); err != nil {
		t.Fatalf("ClearPending failed: %v", err)
	}
	if _, err := keyring.Get("nostr-publisher-test", "pub1"); !errors.Is(err, keyring.ErrNotFound) {
		t.Errorf("keyring entry survived ClearPending: %v", err)
	}
}

func TestKeyringStoreSessionSharesKey(t *testing.T) {
	keyring.MockInit()
	ctx := context.Background()

	s := NewKeyringStore(NewMemoryStore(time.Hour), "")
	s.SavePending(ctx, &PendingRecord{LocalPrivKey: "k", LocalPubKey: "pub", CreatedAt: time.Now().Unix()})
	s.SaveSession(ctx, &SessionRecord{LocalPrivKey: "k", LocalPubKey: "pub", RemotePubKey: "r"})

	// Resolving the handshake clears the pending record but the session still needs the key
	if err := s.ClearPending(ctx); err != nil {
		t.Fatalf("ClearPending failed: %v", err)
	}
	sess, err := s.LoadSession(ctx)
	if err != nil || sess == nil || sess.LocalPrivKey != "k" {
		t.Fatalf("session lost its key: %+v %v", sess, err)
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Options{Backend: BackendSQLite, Path: t.TempDir()})
	if err != nil {
		t.Fatalf("Open sqlite failed: %v", err)
	}
	defer s.Close()
	if err := s.MarkPublished(ctx, "x"); err != nil {
		t.Errorf("sqlite store unusable: %v", err)
	}

	keyring.MockInit()
	ks, err := Open(ctx, Options{Backend: BackendMemory, UseKeyring: true})
	if err != nil {
		t.Fatalf("Open memory failed: %v", err)
	}
	if _, ok := ks.(*KeyringStore); !ok {
		t.Errorf("expected keyring wrapper, got %T", ks)
	}

	if _, err := Open(ctx, Options{Backend: "etcd"}); !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("expected ErrUnknownBackend, got %v", err)
	}
}
