// Package cryptoutil loads the kryptograf root key that encrypts archived
// revisions.
package cryptoutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"pkt.systems/kryptograf/keymgmt"
)

// LoadRootKey reads the root key from the PEM bundle data.
func LoadRootKey(data []byte) (keymgmt.RootKey, error) {
	store, err := keymgmt.LoadPEM(data)
	if err != nil {
		return keymgmt.RootKey{}, fmt.Errorf("load key bundle: %w", err)
	}
	root, ok, err := store.RootKey()
	if err != nil {
		return keymgmt.RootKey{}, fmt.Errorf("read bundle root key: %w", err)
	}
	if !ok {
		return keymgmt.RootKey{}, fmt.Errorf("key bundle has no kryptograf root key")
	}
	return root, nil
}

// EncodeRootKey returns a PEM bundle holding root.
func EncodeRootKey(root keymgmt.RootKey) ([]byte, error) {
	var out []byte
	store, err := keymgmt.LoadPEMInto([]byte{}, &out)
	if err != nil {
		return nil, fmt.Errorf("prepare key bundle: %w", err)
	}
	store.SetRootKey(root)
	if err := store.Commit(); err != nil {
		return nil, fmt.Errorf("commit key bundle: %w", err)
	}
	return out, nil
}

// EnsureRootKeyFile loads the root key bundle at path, generating and
// writing a new one (mode 0600) when the file does not exist. created
// reports whether a key was generated.
func EnsureRootKeyFile(path string) (root keymgmt.RootKey, created bool, err error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		root, err = LoadRootKey(data)
		if err != nil {
			return keymgmt.RootKey{}, false, fmt.Errorf("%s: %w", path, err)
		}
		return root, false, nil
	case !errors.Is(err, os.ErrNotExist):
		return keymgmt.RootKey{}, false, fmt.Errorf("read key bundle: %w", err)
	}
	root, err = keymgmt.GenerateRootKey()
	if err != nil {
		return keymgmt.RootKey{}, false, fmt.Errorf("generate root key: %w", err)
	}
	pem, err := EncodeRootKey(root)
	if err != nil {
		return keymgmt.RootKey{}, false, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return keymgmt.RootKey{}, false, fmt.Errorf("create key dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return keymgmt.RootKey{}, false, fmt.Errorf("create key bundle: %w", err)
	}
	if _, err := f.Write(pem); err != nil {
		_ = f.Close()
		return keymgmt.RootKey{}, false, fmt.Errorf("write key bundle: %w", err)
	}
	if err := f.Close(); err != nil {
		return keymgmt.RootKey{}, false, fmt.Errorf("close key bundle: %w", err)
	}
	return root, true, nil
}
