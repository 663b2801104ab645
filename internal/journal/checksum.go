package journal

import (
	"fmt"
	"hash/adler32"
	"hash/crc32"

	"github.com/cespare/xxhash/v2"
)

// ChecksumAlgorithm selects how an object's checksum is computed.
type ChecksumAlgorithm uint8

const (
	// Adler32 is fast and adequate for small programs.
	Adler32 ChecksumAlgorithm = iota
	// CRC32 uses the IEEE polynomial.
	CRC32
	// XXH32 stores the low 32 bits of xxhash64.
	XXH32
)

func (a ChecksumAlgorithm) String() string {
	switch a {
	case Adler32:
		return "adler32"
	case CRC32:
		return "crc32"
	case XXH32:
		return "xxh32"
	default:
		return fmt.Sprintf("checksum(%d)", uint8(a))
	}
}

// Valid reports whether a is a known algorithm.
func (a ChecksumAlgorithm) Valid() bool {
	return a <= XXH32
}

// ParseChecksumAlgorithm resolves a configuration name.
func ParseChecksumAlgorithm(name string) (ChecksumAlgorithm, error) {
	switch name {
	case "adler32", "":
		return Adler32, nil
	case "crc32":
		return CRC32, nil
	case "xxh32", "xxhash":
		return XXH32, nil
	}
	return 0, fmt.Errorf("journal: unknown checksum algorithm %q", name)
}

// Sum computes the checksum of data.
func (a ChecksumAlgorithm) Sum(data []byte) uint32 {
	switch a {
	case CRC32:
		return crc32.ChecksumIEEE(data)
	case XXH32:
		return uint32(xxhash.Sum64(data))
	default:
		return adler32.Checksum(data)
	}
}
