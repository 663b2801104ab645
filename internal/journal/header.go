package journal

import (
	"encoding/binary"
	"fmt"
)

const (
	// VersionMajor is the only major format version this reader accepts.
	VersionMajor uint32 = 1
	// VersionMinor is written by this implementation. Readers accept any
	// minor within the supported major.
	VersionMinor uint32 = 0

	// ObjectHeaderSize is the encoded size of ObjectHeader.
	ObjectHeaderSize = 13
)

// ObjectHeader prefixes every checksummed on-disk object.
//
//	major uint32 | minor uint32 | algorithm uint8 | checksum uint32
type ObjectHeader struct {
	Major     uint32
	Minor     uint32
	Algorithm ChecksumAlgorithm
	Checksum  uint32
}

// IsValid reports whether the header carries a supported version and a
// known checksum algorithm.
func (h ObjectHeader) IsValid() bool {
	return h.Major == VersionMajor && h.Algorithm.Valid()
}

// Validate is IsValid with a descriptive corruption error.
func (h ObjectHeader) Validate() error {
	if h.Major != VersionMajor {
		return badVersion("unsupported object version %d.%d (want major %d)", h.Major, h.Minor, VersionMajor)
	}
	if !h.Algorithm.Valid() {
		return corrupt("unknown checksum algorithm %d", uint8(h.Algorithm))
	}
	return nil
}

func (h ObjectHeader) encode(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], h.Major)
	binary.BigEndian.PutUint32(buf[4:8], h.Minor)
	buf[8] = byte(h.Algorithm)
	binary.BigEndian.PutUint32(buf[9:13], h.Checksum)
}

func decodeObjectHeader(buf []byte) (ObjectHeader, error) {
	if len(buf) < ObjectHeaderSize {
		return ObjectHeader{}, corrupt("object header short read: %d bytes", len(buf))
	}
	return ObjectHeader{
		Major:     binary.BigEndian.Uint32(buf[0:4]),
		Minor:     binary.BigEndian.Uint32(buf[4:8]),
		Algorithm: ChecksumAlgorithm(buf[8]),
		Checksum:  binary.BigEndian.Uint32(buf[9:13]),
	}, nil
}

func (h ObjectHeader) String() string {
	return fmt.Sprintf("v%d.%d %s=%08x", h.Major, h.Minor, h.Algorithm, h.Checksum)
}
