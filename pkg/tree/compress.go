package tree

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	lzo "github.com/rasky/go-lzo"

	"github.com/elee1766/btrmount/pkg/btrfs"
)

// decompress expands one compressed extent into exactly size bytes.
// Output past the end of the stream is left zero.
func decompress(alg uint8, src []byte, size int, sectorSize uint32) ([]byte, error) {
	dst := make([]byte, size)
	var err error
	switch alg {
	case btrfs.CompressZlib:
		err = inflateZlib(src, dst)
	case btrfs.CompressZstd:
		err = inflateZstd(src, dst)
	case btrfs.CompressLZO:
		err = inflateLZO(src, dst, int(sectorSize))
	default:
		return nil, btrfs.Errorf(btrfs.ErrCodeNotSupported, "compression type %d", alg)
	}
	if err != nil {
		return nil, btrfs.NewError(btrfs.ErrCodeCorruptFilesystem, "decompress", btrfs.CompressionName(alg), err)
	}
	return dst, nil
}

func inflateZlib(src, dst []byte) error {
	r, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return err
	}
	defer r.Close()
	_, err = io.ReadFull(r, dst)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return nil
	}
	return err
}

func inflateZstd(src, dst []byte) error {
	d, err := zstd.NewReader(bytes.NewReader(src), zstd.WithDecoderConcurrency(1))
	if err != nil {
		return err
	}
	defer d.Close()
	n, err := io.ReadFull(d, dst)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return nil
	case n > 0 && errors.Is(err, zstd.ErrMagicMismatch):
		// the sector padding after the frame
		return nil
	}
	return err
}

// inflateLZO undoes the kernel framing: a 32-bit total length, then
// segments of a 32-bit length and an LZO1X stream each expanding to at
// most one sector. A segment header never crosses a sector boundary.
func inflateLZO(src, dst []byte, sectorSize int) error {
	if len(src) < 4 {
		return fmt.Errorf("lzo: %d byte extent", len(src))
	}
	total := int(binary.LittleEndian.Uint32(src))
	if total > len(src) || total < 4 {
		return fmt.Errorf("lzo: total length %d outside extent of %d bytes", total, len(src))
	}
	pos, out := 4, 0
	for pos < total && out < len(dst) {
		if rem := sectorSize - pos%sectorSize; rem < 4 {
			pos += rem
			continue
		}
		if pos+4 > total {
			return fmt.Errorf("lzo: segment header at %d past end", pos)
		}
		n := int(binary.LittleEndian.Uint32(src[pos:]))
		pos += 4
		if n == 0 || pos+n > total {
			return fmt.Errorf("lzo: segment of %d bytes at %d overflows", n, pos)
		}
		seg, err := lzo.Decompress1X(bytes.NewReader(src[pos:pos+n]), n, sectorSize)
		if err != nil {
			return fmt.Errorf("lzo: segment at %d: %w", pos, err)
		}
		out += copy(dst[out:], seg)
		pos += n
	}
	return nil
}
