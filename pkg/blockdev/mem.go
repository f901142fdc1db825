package blockdev

import (
	"context"
	"io"
	"sync"

	"github.com/elee1766/btrmount/pkg/btrfs"
)

const memPageSize = 4096

// Mem is a sparse in-memory Handle. Unwritten ranges read as zeros.
type Mem struct {
	mu         sync.RWMutex
	path       string
	size       int64
	sectorSize uint32
	readOnly   bool
	pages      map[int64][]byte

	// FailReads makes every read fail with IoFailure when set.
	FailReads bool
}

var _ Handle = (*Mem)(nil)

// NewMem returns an empty device of the given size.
func NewMem(path string, size int64) *Mem {
	return &Mem{
		path:       path,
		size:       size,
		sectorSize: 512,
		pages:      make(map[int64][]byte),
	}
}

// SetReadOnly makes WriteAt fail with ErrCodeReadOnly.
func (m *Mem) SetReadOnly(ro bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readOnly = ro
}

func (m *Mem) Path() string       { return m.path }
func (m *Mem) Size() int64        { return m.size }
func (m *Mem) SectorSize() uint32 { return m.sectorSize }

func (m *Mem) Writable() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.readOnly
}

func (m *Mem) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, btrfs.NewError(btrfs.ErrCodeIOFailure, "read", m.path, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.FailReads {
		return 0, btrfs.NewError(btrfs.ErrCodeIOFailure, "read", m.path, io.ErrNoProgress)
	}
	if off < 0 || off+int64(len(p)) > m.size {
		return 0, btrfs.NewError(btrfs.ErrCodeIOFailure, "read", m.path, io.ErrUnexpectedEOF)
	}
	for n := 0; n < len(p); {
		pos := off + int64(n)
		page, inPage := pos/memPageSize, pos%memPageSize
		chunk := min(len(p)-n, memPageSize-int(inPage))
		if data, ok := m.pages[page]; ok {
			copy(p[n:n+chunk], data[inPage:])
		} else {
			clear(p[n : n+chunk])
		}
		n += chunk
	}
	return len(p), nil
}

func (m *Mem) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, btrfs.NewError(btrfs.ErrCodeIOFailure, "write", m.path, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readOnly {
		return 0, btrfs.NewError(btrfs.ErrCodeReadOnly, "write", m.path, nil)
	}
	if off < 0 || off+int64(len(p)) > m.size {
		return 0, btrfs.NewError(btrfs.ErrCodeIOFailure, "write", m.path, io.ErrShortWrite)
	}
	for n := 0; n < len(p); {
		pos := off + int64(n)
		page, inPage := pos/memPageSize, pos%memPageSize
		chunk := min(len(p)-n, memPageSize-int(inPage))
		data, ok := m.pages[page]
		if !ok {
			data = make([]byte, memPageSize)
			m.pages[page] = data
		}
		copy(data[inPage:], p[n:n+chunk])
		n += chunk
	}
	return len(p), nil
}

func (m *Mem) Close() error { return nil }
