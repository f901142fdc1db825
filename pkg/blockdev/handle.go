package blockdev

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/elee1766/btrmount/pkg/btrfs"
)

// DefaultReadTimeout bounds a single device read when no timeout is set.
const DefaultReadTimeout = 5 * time.Second

// Handle is an open device. Reads and writes honour ctx and the handle's
// timeout; a read that does not complete in time fails with
// ErrCodeIOFailure.
type Handle interface {
	Path() string
	Size() int64
	SectorSize() uint32
	Writable() bool
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)
	WriteAt(ctx context.Context, p []byte, off int64) (int, error)
	Close() error
}

type openOptions struct {
	writable bool
	timeout  time.Duration
}

// Option configures Open.
type Option func(*openOptions)

// Writable opens the device for writing as well as reading.
func Writable() Option {
	return func(o *openOptions) { o.writable = true }
}

// WithTimeout sets the per-operation deadline.
func WithTimeout(d time.Duration) Option {
	return func(o *openOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// File is a Handle backed by a block device node or an image file.
type File struct {
	f          *os.File
	path       string
	size       int64
	sectorSize uint32
	writable   bool
	timeout    time.Duration
}

var _ Handle = (*File)(nil)

// Open opens path. Block devices report their geometry through ioctls;
// image files use their length and a 512-byte sector.
func Open(path string, opts ...Option) (*File, error) {
	o := openOptions{timeout: DefaultReadTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	flag := os.O_RDONLY
	if o.writable {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, btrfs.NewError(btrfs.ErrCodeIOFailure, "open", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, btrfs.NewError(btrfs.ErrCodeIOFailure, "stat", path, err)
	}

	h := &File{
		f:          f,
		path:       path,
		size:       st.Size(),
		sectorSize: 512,
		writable:   o.writable,
		timeout:    o.timeout,
	}
	if st.Mode()&os.ModeDevice != 0 {
		size, sector, err := deviceGeometry(f)
		if err != nil {
			f.Close()
			return nil, btrfs.NewError(btrfs.ErrCodeIOFailure, "query geometry", path, err)
		}
		h.size = int64(size)
		if sector > 0 {
			h.sectorSize = sector
		}
	}
	return h, nil
}

func (h *File) Path() string       { return h.path }
func (h *File) Size() int64        { return h.size }
func (h *File) SectorSize() uint32 { return h.sectorSize }
func (h *File) Writable() bool     { return h.writable }

// ReadAt reads len(p) bytes at off. Short reads at the end of the device
// are reported as io.ErrUnexpectedEOF wrapped in an IoFailure.
func (h *File) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	buf := make([]byte, len(p))
	n, err := h.bounded(ctx, "read", func() (int, error) {
		return h.f.ReadAt(buf, off)
	})
	copy(p, buf[:n])
	return n, err
}

// WriteAt writes p at off. The handle must have been opened Writable.
func (h *File) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	if !h.writable {
		return 0, btrfs.NewError(btrfs.ErrCodeReadOnly, "write", h.path, nil)
	}
	buf := append([]byte(nil), p...)
	return h.bounded(ctx, "write", func() (int, error) {
		return h.f.WriteAt(buf, off)
	})
}

// bounded runs fn on its own goroutine and gives up after the handle
// timeout. fn must only touch buffers owned by the goroutine.
func (h *File) bounded(ctx context.Context, op string, fn func() (int, error)) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := fn()
		done <- result{n, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if errors.Is(r.err, io.EOF) {
				r.err = io.ErrUnexpectedEOF
			}
			return r.n, btrfs.NewError(btrfs.ErrCodeIOFailure, op, h.path, r.err)
		}
		return r.n, nil
	case <-ctx.Done():
		return 0, btrfs.NewError(btrfs.ErrCodeIOFailure, op, h.path, fmt.Errorf("timed out: %w", ctx.Err()))
	}
}

// Sync flushes writes to stable storage.
func (h *File) Sync() error {
	if err := h.f.Sync(); err != nil {
		return btrfs.NewError(btrfs.ErrCodeIOFailure, "sync", h.path, err)
	}
	return nil
}

func (h *File) Close() error {
	return h.f.Close()
}
