package btrfs

import (
	"testing"
)

func TestCRC32C(t *testing.T) {
	if got := CRC32C([]byte("123456789")); got != 0xe3069283 {
		t.Errorf("expected 0xe3069283, got %#x", got)
	}
}

func TestNameHash(t *testing.T) {
	// Values produced by the kernel's btrfs_name_hash.
	tests := []struct {
		name string
		want uint64
	}{
		{"default", 0x8dbfc2d2},
		{"", 0xfffffffe},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NameHash([]byte(tt.name)); got != tt.want {
				t.Errorf("expected %#x, got %#x", tt.want, got)
			}
		})
	}
}

func TestVerifyCsum(t *testing.T) {
	for _, ct := range []uint16{CsumTypeCRC32, CsumTypeXXHash, CsumTypeSHA256, CsumTypeBlake2} {
		t.Run(CsumTypeName(ct), func(t *testing.T) {
			block := make([]byte, 4096)
			for i := CsumSize; i < len(block); i++ {
				block[i] = byte(i * 7)
			}
			if err := SealCsum(ct, block); err != nil {
				t.Fatal(err)
			}
			if err := VerifyCsum(ct, block); err != nil {
				t.Fatalf("expected sealed block to verify, got %v", err)
			}
			block[100] ^= 0xff
			if err := VerifyCsum(ct, block); !IsErrorCode(err, ErrCodeCorruptFilesystem) {
				t.Errorf("expected CorruptFilesystem, got %v", err)
			}
		})
	}
}

func TestComputeCsumUnknownType(t *testing.T) {
	if _, err := ComputeCsum(99, []byte("x")); !IsErrorCode(err, ErrCodeCorruptFilesystem) {
		t.Errorf("expected CorruptFilesystem, got %v", err)
	}
}
