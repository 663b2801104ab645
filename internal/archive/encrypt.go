package archive

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"pkt.systems/kryptograf"
	"pkt.systems/kryptograf/keymgmt"
)

// EncryptingSink encrypts blobs before handing them to an inner sink. Each
// blob gets its own data key derived from the root key and the blob key; the
// key descriptor is stored in front of the ciphertext:
//
//	descriptor length uint16 (big endian) | descriptor | kryptograf stream
type EncryptingSink struct {
	inner Sink
	kg    kryptograf.Kryptograf
}

const encryptChunkSize = 8 * 1024

// NewEncryptingSink wraps inner. Blobs written with one root key can only be
// read back with the same key.
func NewEncryptingSink(inner Sink, root keymgmt.RootKey) *EncryptingSink {
	return &EncryptingSink{
		inner: inner,
		kg:    kryptograf.New(root).WithChunkSize(encryptChunkSize),
	}
}

func (s *EncryptingSink) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	mat, err := s.kg.MintDEK([]byte(key))
	if err != nil {
		return fmt.Errorf("archive: mint key for %s: %w", key, err)
	}
	defer mat.Zero()
	desc, err := mat.Descriptor.MarshalBinary()
	if err != nil {
		return fmt.Errorf("archive: encode descriptor for %s: %w", key, err)
	}
	var buf bytes.Buffer
	if size > 0 {
		buf.Grow(int(size) + len(desc) + 256)
	}
	var prefix [2]byte
	binary.BigEndian.PutUint16(prefix[:], uint16(len(desc)))
	buf.Write(prefix[:])
	buf.Write(desc)
	w, err := s.kg.EncryptWriter(&buf, mat)
	if err != nil {
		return fmt.Errorf("archive: encrypt %s: %w", key, err)
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("archive: encrypt %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("archive: encrypt %s: %w", key, err)
	}
	return s.inner.Put(ctx, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()))
}

func (s *EncryptingSink) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	rc, err := s.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var prefix [2]byte
	if _, err := io.ReadFull(rc, prefix[:]); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("archive: %s: read descriptor length: %w", key, err)
	}
	raw := make([]byte, binary.BigEndian.Uint16(prefix[:]))
	if _, err := io.ReadFull(rc, raw); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("archive: %s: read descriptor: %w", key, err)
	}
	var desc keymgmt.Descriptor
	if err := desc.UnmarshalBinary(raw); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("archive: %s: decode descriptor: %w", key, err)
	}
	mat, err := s.kg.ReconstructDEK([]byte(key), desc)
	if err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("archive: %s: reconstruct key: %w", key, err)
	}
	dr, err := s.kg.DecryptReader(rc, mat)
	if err != nil {
		mat.Zero()
		_ = rc.Close()
		return nil, fmt.Errorf("archive: decrypt %s: %w", key, err)
	}
	return &decryptedBlob{ReadCloser: dr, src: rc, mat: mat}, nil
}

func (s *EncryptingSink) List(ctx context.Context, prefix string) ([]string, error) {
	return s.inner.List(ctx, prefix)
}

type decryptedBlob struct {
	io.ReadCloser
	src io.Closer
	mat kryptograf.Material
}

func (b *decryptedBlob) Close() error {
	err := b.ReadCloser.Close()
	if cerr := b.src.Close(); err == nil {
		err = cerr
	}
	b.mat.Zero()
	return err
}
