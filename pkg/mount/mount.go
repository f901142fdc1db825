// Package mount owns the mount table: which mount point serves which
// volume and subvolume, and the Unmounted, Mounting, Mounted, Unmounting
// life cycle of each entry.
package mount

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/fx"

	"github.com/elee1766/btrmount/pkg/btrfs"
	"github.com/elee1766/btrmount/pkg/shim"
	"github.com/elee1766/btrmount/pkg/tree"
	"github.com/elee1766/btrmount/pkg/volume"
)

var Module = fx.Module("mount",
	fx.Provide(New),
	fx.Invoke(registerHooks),
)

const (
	DefaultDriveLetter  = "Z"
	DefaultDrainTimeout = 10 * time.Second
)

type State int

const (
	StateUnmounted State = iota
	StateMounting
	StateMounted
	StateUnmounting
)

func (s State) String() string {
	switch s {
	case StateMounting:
		return "Mounting"
	case StateMounted:
		return "Mounted"
	case StateUnmounting:
		return "Unmounting"
	}
	return "Unmounted"
}

// Driver is the host's user-mode filesystem framework.
type Driver interface {
	// Available reports DriverUnavailable when the framework is missing.
	Available() error
	Mount(ctx context.Context, mountPoint string, fsys *shim.FS) (Mounted, error)
}

// Mounted is one live driver mount.
type Mounted interface {
	Unmount() error
}

// Opener resolves a source (device path, image path or volume uuid) to an
// opened volume.
type Opener interface {
	OpenVolume(ctx context.Context, source string, writable bool) (*volume.FS, error)
}

// Request asks for one mount. A nil SubvolumeID mounts the default
// subvolume.
type Request struct {
	Source      string
	MountPoint  string // drive letter or absolute directory
	ReadOnly    bool
	SubvolumeID *uint64
}

// Session is a copy of one mount table entry.
type Session struct {
	Source      string
	MountPoint  string
	ReadOnly    bool
	UUID        uuid.UUID
	SubvolumeID uint64
	State       State
	MountedAt   time.Time
}

type entry struct {
	Session
	fs      *volume.FS
	shim    *shim.FS
	mounted Mounted
}

type Config struct {
	// MountRoot holds one directory per drive letter.
	MountRoot    string
	DrainTimeout time.Duration
	VolumeName   string
}

type Manager struct {
	logger *slog.Logger
	opener Opener
	driver Driver
	locks  *volume.Locks
	cfg    Config

	mu    sync.Mutex
	table map[string]*entry
}

func New(logger *slog.Logger, opener Opener, driver Driver, locks *volume.Locks, cfg Config) *Manager {
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	return &Manager{
		logger: logger.With("component", "mount"),
		opener: opener,
		driver: driver,
		locks:  locks,
		cfg:    cfg,
		table:  make(map[string]*entry),
	}
}

func registerHooks(lc fx.Lifecycle, m *Manager) {
	lc.Append(fx.Hook{
		OnStop: m.Shutdown,
	})
}

func isDriveLetter(p string) bool {
	if len(p) == 2 && p[1] == ':' {
		p = p[:1]
	}
	if len(p) != 1 {
		return false
	}
	c := p[0] | 0x20
	return c >= 'a' && c <= 'z'
}

// MountPoint turns a drive letter into its directory under the mount
// root and cleans absolute paths. Empty means the default drive letter.
func (m *Manager) MountPoint(p string) (string, error) {
	if p == "" {
		p = DefaultDriveLetter
	}
	if isDriveLetter(p) {
		if m.cfg.MountRoot == "" {
			return "", btrfs.NewError(btrfs.ErrCodeInvalidArgument, "mount", p, errors.New("no mount root configured for drive letters"))
		}
		return filepath.Join(m.cfg.MountRoot, strings.ToUpper(p[:1])), nil
	}
	if !filepath.IsAbs(p) {
		return "", btrfs.NewError(btrfs.ErrCodeInvalidArgument, "mount", p, errors.New("mount point must be a drive letter or an absolute path"))
	}
	return filepath.Clean(p), nil
}

// Mount binds a volume to a mount point. The mount point is reserved
// first so concurrent mounts of the same point fail fast with
// MountPointInUse; a failure at any later step releases it.
func (m *Manager) Mount(ctx context.Context, req Request) (Session, error) {
	mp, err := m.MountPoint(req.MountPoint)
	if err != nil {
		return Session{}, err
	}
	if err := m.driver.Available(); err != nil {
		return Session{}, err
	}

	e := &entry{Session: Session{Source: req.Source, MountPoint: mp, ReadOnly: req.ReadOnly, State: StateMounting}}
	m.mu.Lock()
	if _, busy := m.table[mp]; busy {
		m.mu.Unlock()
		return Session{}, btrfs.NewError(btrfs.ErrCodeMountPointInUse, "mount", mp, nil)
	}
	m.table[mp] = e
	m.mu.Unlock()

	s, err := m.mount(ctx, e, req)
	if err != nil {
		m.mu.Lock()
		delete(m.table, mp)
		m.mu.Unlock()
		if e.fs != nil {
			e.fs.Close()
		}
		m.logger.Warn("mount failed", "mount_point", mp, "source", req.Source, "error", err)
		return Session{}, err
	}
	m.logger.Info("mounted", "mount_point", mp, "uuid", s.UUID, "subvolume", s.SubvolumeID, "read_only", s.ReadOnly)
	return s, nil
}

func (m *Manager) mount(ctx context.Context, e *entry, req Request) (Session, error) {
	fs, err := m.opener.OpenVolume(ctx, req.Source, false)
	if err != nil {
		return Session{}, err
	}
	e.fs = fs
	id := fs.UUID()

	subvol, err := m.claim(ctx, e, id, req)
	if err != nil {
		return Session{}, err
	}

	sh, err := shim.New(ctx, m.logger, fs, id, subvol, shim.Options{ReadOnly: req.ReadOnly, VolumeName: m.cfg.VolumeName})
	if err != nil {
		return Session{}, err
	}
	e.shim = sh

	if isDriveLetter(req.MountPoint) || req.MountPoint == "" {
		if err := os.MkdirAll(e.MountPoint, 0o755); err != nil {
			return Session{}, btrfs.NewError(btrfs.ErrCodeIOFailure, "mount", e.MountPoint, err)
		}
	}
	mounted, err := m.driver.Mount(ctx, e.MountPoint, sh)
	if err != nil {
		return Session{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	e.mounted = mounted
	e.State = StateMounted
	e.MountedAt = time.Now()
	return e.Session, nil
}

// claim resolves the subvolume and records it in the entry under the
// volume lock, so a concurrent snapshot delete sees the session.
func (m *Manager) claim(ctx context.Context, e *entry, id uuid.UUID, req Request) (uint64, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	r := tree.NewReader(e.fs)
	var subvol uint64
	if req.SubvolumeID != nil {
		subvol = *req.SubvolumeID
		if _, err := r.Subvolume(ctx, subvol); err != nil {
			return 0, err
		}
	} else {
		def, err := r.DefaultSubvolume(ctx)
		if err != nil {
			return 0, err
		}
		subvol = def
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for mp, other := range m.table {
		if other == e || other.UUID != id {
			continue
		}
		// Only the first session of a volume may be writable.
		if !req.ReadOnly {
			return 0, btrfs.NewError(btrfs.ErrCodeMountPointInUse, "mount", e.MountPoint,
				fmt.Errorf("volume %s is already mounted at %s", id, mp))
		}
	}
	e.UUID = id
	e.SubvolumeID = subvol
	return subvol, nil
}

// Unmount stops new callbacks, waits up to the drain timeout for running
// ones and detaches the driver. When the drain times out the session
// stays mounted and SessionBusy is returned.
func (m *Manager) Unmount(ctx context.Context, mountPoint string) error {
	mp, err := m.MountPoint(mountPoint)
	if err != nil {
		return err
	}

	m.mu.Lock()
	e, ok := m.table[mp]
	switch {
	case !ok:
		m.mu.Unlock()
		return btrfs.NewError(btrfs.ErrCodeNotMounted, "unmount", mp, nil)
	case e.State != StateMounted:
		m.mu.Unlock()
		return btrfs.NewError(btrfs.ErrCodeSessionBusy, "unmount", mp, fmt.Errorf("session is %s", e.State))
	}
	e.State = StateUnmounting
	m.mu.Unlock()

	if err := m.teardown(ctx, e); err != nil {
		m.mu.Lock()
		e.State = StateMounted
		m.mu.Unlock()
		e.shim.Gate().Reopen()
		m.logger.Warn("unmount failed", "mount_point", mp, "error", err)
		return err
	}

	m.mu.Lock()
	delete(m.table, mp)
	m.mu.Unlock()
	m.logger.Info("unmounted", "mount_point", mp, "uuid", e.UUID, "subvolume", e.SubvolumeID)
	return nil
}

func (m *Manager) teardown(ctx context.Context, e *entry) error {
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.DrainTimeout)
	defer cancel()
	if err := e.shim.Gate().Drain(drainCtx); err != nil {
		return err
	}
	if err := e.mounted.Unmount(); err != nil {
		return btrfs.NewError(btrfs.ErrCodeSessionBusy, "unmount", e.MountPoint, err)
	}
	if err := e.fs.Close(); err != nil {
		m.logger.Warn("failed to close volume", "mount_point", e.MountPoint, "error", err)
	}
	return nil
}

// List returns a consistent copy of the mount table ordered by mount
// point.
func (m *Manager) List() []Session {
	m.mu.Lock()
	out := make([]Session, 0, len(m.table))
	for _, e := range m.table {
		out = append(out, e.Session)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].MountPoint < out[j].MountPoint })
	return out
}

// InUse reports whether any session, mounted or in transition, serves
// subvolume id of the volume.
func (m *Manager) InUse(id uuid.UUID, subvol uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.table {
		if e.UUID == id && e.SubvolumeID == subvol {
			return true
		}
	}
	return false
}

// Shutdown unmounts every mounted session.
func (m *Manager) Shutdown(ctx context.Context) error {
	var errs []error
	for _, s := range m.List() {
		if s.State != StateMounted {
			continue
		}
		if err := m.Unmount(ctx, s.MountPoint); err != nil && !btrfs.IsErrorCode(err, btrfs.ErrCodeNotMounted) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
