package cryptoutil

import (
	"path/filepath"
	"testing"
)

func TestEnsureRootKeyFileCreatesThenReloads(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "keys", "archive.pem")
	first, created, err := EnsureRootKeyFile(path)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !created {
		t.Fatal("expected a new key")
	}
	second, created, err := EnsureRootKeyFile(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if created {
		t.Fatal("expected the existing key to be reused")
	}
	if first != second {
		t.Fatal("reloaded key differs from the generated one")
	}
}

func TestLoadRootKeyRejectsEmptyBundle(t *testing.T) {
	t.Parallel()

	if _, err := LoadRootKey([]byte{}); err == nil {
		t.Fatal("expected error for bundle without root key")
	}
}
