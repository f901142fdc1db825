package btrfs

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"github.com/cespare/xxhash/v2"
	"github.com/minio/sha256-simd"
	"golang.org/x/crypto/blake2b"
)

// Checksum algorithms selected by the superblock csum_type field.
const (
	CsumTypeCRC32  uint16 = 0
	CsumTypeXXHash uint16 = 1
	CsumTypeSHA256 uint16 = 2
	CsumTypeBlake2 uint16 = 3
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// CsumTypeName returns the algorithm name for a csum_type value.
func CsumTypeName(t uint16) string {
	switch t {
	case CsumTypeCRC32:
		return "crc32c"
	case CsumTypeXXHash:
		return "xxhash64"
	case CsumTypeSHA256:
		return "sha256"
	case CsumTypeBlake2:
		return "blake2b"
	}
	return "unknown"
}

// CRC32C returns the Castagnoli CRC used for metadata checksums.
func CRC32C(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

// NameHash returns the DIR_ITEM key offset for a file name: crc32c seeded
// with ~1 and without the final inversion.
func NameHash(name []byte) uint64 {
	return uint64(^crc32.Update(1, castagnoli, name))
}

// ComputeCsum returns the checksum of data in the on-disk representation
// for the given algorithm, zero padded to CsumSize.
func ComputeCsum(csumType uint16, data []byte) ([CsumSize]byte, error) {
	var out [CsumSize]byte
	switch csumType {
	case CsumTypeCRC32:
		binary.LittleEndian.PutUint32(out[:], CRC32C(data))
	case CsumTypeXXHash:
		binary.LittleEndian.PutUint64(out[:], xxhash.Sum64(data))
	case CsumTypeSHA256:
		sum := sha256.Sum256(data)
		copy(out[:], sum[:])
	case CsumTypeBlake2:
		sum := blake2b.Sum256(data)
		copy(out[:], sum[:])
	default:
		return out, Errorf(ErrCodeCorruptFilesystem, "unsupported checksum type %d", csumType)
	}
	return out, nil
}

// csumLen is the number of meaningful bytes in a stored checksum.
func csumLen(csumType uint16) int {
	switch csumType {
	case CsumTypeCRC32:
		return 4
	case CsumTypeXXHash:
		return 8
	default:
		return CsumSize
	}
}

// VerifyCsum checks the checksum stored in the first CsumSize bytes of
// block against the bytes that follow it.
func VerifyCsum(csumType uint16, block []byte) error {
	if len(block) <= CsumSize {
		return Errorf(ErrCodeCorruptFilesystem, "block too short for checksum: %d bytes", len(block))
	}
	want, err := ComputeCsum(csumType, block[CsumSize:])
	if err != nil {
		return err
	}
	n := csumLen(csumType)
	if !bytes.Equal(block[:n], want[:n]) {
		return Errorf(ErrCodeCorruptFilesystem, "checksum mismatch: stored %x, computed %x", block[:n], want[:n])
	}
	return nil
}

// SealCsum recomputes and stores the checksum of block in place.
func SealCsum(csumType uint16, block []byte) error {
	sum, err := ComputeCsum(csumType, block[CsumSize:])
	if err != nil {
		return err
	}
	copy(block[:CsumSize], sum[:])
	return nil
}
