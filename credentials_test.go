package yourmaster

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestCredentialStores(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	sqliteStore, err := OpenSQLiteCredentialStore(ctx, filepath.Join(dir, "creds.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { sqliteStore.Close() })

	stores := map[string]CredentialStore{
		"memory": NewMemoryCredentialStore(),
		"file":   NewFileCredentialStore(filepath.Join(dir, "nested", "credentials.toml")),
		"sqlite": sqliteStore,
	}

	full := &Credentials{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		Role:         RoleMaster,
		User: &UserProfile{
			ID:        "u-1",
			Email:     "grace@example.com",
			FirstName: "Grace",
			LastName:  "Hopper",
			Role:      RoleMaster,
			City:      "Arlington",
		},
	}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			empty, err := store.Load(ctx)
			if err != nil {
				t.Fatalf("load empty: %v", err)
			}
			if empty.AccessToken != "" || empty.RefreshToken != "" || empty.User != nil {
				t.Fatalf("expected empty credentials, got %+v", empty)
			}

			if err := store.Save(ctx, full); err != nil {
				t.Fatalf("save: %v", err)
			}
			got, err := store.Load(ctx)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if got.AccessToken != full.AccessToken || got.RefreshToken != full.RefreshToken || got.Role != full.Role {
				t.Errorf("tokens: got %+v", got)
			}
			if got.User == nil || *got.User != *full.User {
				t.Errorf("profile: got %+v, want %+v", got.User, full.User)
			}

			// Rotating tokens without a profile drops the old profile.
			if err := store.Save(ctx, &Credentials{AccessToken: "access-2", RefreshToken: "refresh-2"}); err != nil {
				t.Fatalf("save rotated: %v", err)
			}
			got, _ = store.Load(ctx)
			if got.AccessToken != "access-2" || got.User != nil || got.Role != "" {
				t.Errorf("after rotation: %+v", got)
			}

			if err := store.Clear(ctx); err != nil {
				t.Fatalf("clear: %v", err)
			}
			if err := store.Clear(ctx); err != nil {
				t.Fatalf("second clear: %v", err)
			}
			got, _ = store.Load(ctx)
			if got.AccessToken != "" || got.RefreshToken != "" {
				t.Errorf("after clear: %+v", got)
			}
		})
	}
}

func TestMemoryCredentialStoreIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCredentialStore()
	creds := &Credentials{AccessToken: "a", User: &UserProfile{ID: "u"}}
	store.Save(ctx, creds)

	creds.AccessToken = "mutated"
	creds.User.ID = "mutated"

	got, _ := store.Load(ctx)
	if got.AccessToken != "a" || got.User.ID != "u" {
		t.Fatalf("store shares memory with caller: %+v", got)
	}
	if store.SaveCount() != 1 {
		t.Errorf("SaveCount = %d", store.SaveCount())
	}
}

func TestFileCredentialStorePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.toml")
	store := NewFileCredentialStore(path)
	if err := store.Save(context.Background(), &Credentials{AccessToken: "a", RefreshToken: "r"}); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("file mode = %o, want 600", perm)
	}
	data, _ := os.ReadFile(path)
	if len(data) == 0 {
		t.Fatal("empty credentials file")
	}
}
