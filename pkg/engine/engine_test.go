package engine

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/elee1766/btrmount/pkg/blockdev"
	"github.com/elee1766/btrmount/pkg/btrfs"
	"github.com/elee1766/btrmount/pkg/btrfs/btrfstest"
	"github.com/elee1766/btrmount/pkg/config"
	"github.com/elee1766/btrmount/pkg/mount"
	"github.com/elee1766/btrmount/pkg/shim"
	"github.com/elee1766/btrmount/pkg/snapshot"
	"github.com/elee1766/btrmount/pkg/volume"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeDriver struct {
	mu      sync.Mutex
	mounted map[string]*shim.FS
}

type fakeMount struct {
	d  *fakeDriver
	mp string
}

func (d *fakeDriver) Available() error { return nil }

func (d *fakeDriver) Mount(_ context.Context, mp string, fsys *shim.FS) (mount.Mounted, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mounted == nil {
		d.mounted = make(map[string]*shim.FS)
	}
	d.mounted[mp] = fsys
	return &fakeMount{d: d, mp: mp}, nil
}

func (m *fakeMount) Unmount() error {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	delete(m.d.mounted, m.mp)
	return nil
}

// newEngine wires an engine over the images in dir, without sysfs and
// with a driver that mounts nothing.
func newEngine(t *testing.T, dir string) *Engine {
	t.Helper()
	logger := discardLogger()
	scanner := blockdev.NewScanner(logger, blockdev.ScanOptions{ImageDirs: []string{dir}, NoBlock: true})
	vols := NewVolumes(logger, scanner, volume.OpenOptions{ReadTimeout: time.Second})
	locks := volume.NewLocks()
	mounts := mount.New(logger, vols, &fakeDriver{}, locks, mount.Config{MountRoot: t.TempDir(), DrainTimeout: time.Second})
	snaps := snapshot.New(logger, locks, mounts)
	t.Cleanup(func() { mounts.Shutdown(context.Background()) })
	return New(logger, scanner, vols, mounts, snaps)
}

func TestGetVolumeInfoEndToEnd(t *testing.T) {
	dir := t.TempDir()
	fsid := uuid.New()
	btrfstest.WriteFile(t, filepath.Join(dir, "disk.img"), btrfstest.Image{
		FSID:       fsid,
		Label:      "backup",
		NumDevices: 1,
		TotalBytes: 10_737_418_240,
		BytesUsed:  2_147_483_648,
		Generation: 42,
	})
	e := newEngine(t, dir)
	ctx := context.Background()

	for _, source := range []string{filepath.Join(dir, "disk.img"), fsid.String()} {
		info, err := e.GetVolumeInfo(ctx, source)
		if err != nil {
			t.Fatalf("%s: %v", source, err)
		}
		if info.NumDevices != 1 || info.TotalBytes != 10_737_418_240 || info.BytesUsed != 2_147_483_648 || info.Generation != 42 {
			t.Errorf("%s: unexpected numbers %+v", source, info)
		}
		if info.Degraded {
			t.Errorf("%s: expected a complete volume", source)
		}
		if info.UUID != fsid.String() || info.Label != "backup" || info.CsumType != "crc32c" {
			t.Errorf("%s: unexpected identity %+v", source, info)
		}
		if info.Profiles["Data+Metadata"] != "single" {
			t.Errorf("%s: expected single profile, got %v", source, info.Profiles)
		}
	}
}

func TestGetVolumeInfoErrors(t *testing.T) {
	dir := t.TempDir()
	junk := filepath.Join(dir, "junk.img")
	if err := os.WriteFile(junk, make([]byte, 1<<20), 0o644); err != nil {
		t.Fatal(err)
	}
	e := newEngine(t, dir)

	tests := []struct {
		name   string
		source string
		code   btrfs.ErrorCode
	}{
		{name: "no signature", source: junk, code: btrfs.ErrCodeNotBtrfs},
		{name: "missing path", source: filepath.Join(dir, "missing.img"), code: btrfs.ErrCodeVolumeNotFound},
		{name: "unknown uuid", source: uuid.NewString(), code: btrfs.ErrCodeVolumeNotFound},
		{name: "empty", source: "", code: btrfs.ErrCodeInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.GetVolumeInfo(context.Background(), tt.source)
			if !btrfs.IsErrorCode(err, tt.code) {
				t.Errorf("expected %s, got %v", tt.code, err)
			}
		})
	}
}

func TestListDevicesAndDetect(t *testing.T) {
	dir := t.TempDir()
	btrfstest.WriteFile(t, filepath.Join(dir, "a.img"), btrfstest.Image{})
	if err := os.WriteFile(filepath.Join(dir, "b.raw"), make([]byte, 1<<20), 0o644); err != nil {
		t.Fatal(err)
	}
	e := newEngine(t, dir)
	ctx := context.Background()

	devs, err := e.ListDevices(ctx)
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]bool{}
	for _, d := range devs {
		got[filepath.Base(d.Path)] = d.IsBtrfs
	}
	if len(got) != 2 || !got["a.img"] || got["b.raw"] {
		t.Errorf("unexpected devices %+v", devs)
	}

	if ok, _ := e.DetectBtrfs(ctx, filepath.Join(dir, "a.img")); !ok {
		t.Errorf("expected a.img to be btrfs")
	}
	if ok, _ := e.DetectBtrfs(ctx, filepath.Join(dir, "nope.img")); ok {
		t.Errorf("expected a missing path not to be btrfs")
	}
}

func TestListSubvolumesEndToEnd(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "disk.img")
	btrfstest.WriteFile(t, img, btrfstest.Image{
		Subvolumes: []btrfstest.Subvolume{
			{ID: 5, Name: "home"},
			{ID: 8, ParentID: 5, Name: "snap1", Flags: 1},
		},
	})
	e := newEngine(t, dir)

	subvols, err := e.ListSubvolumes(context.Background(), img)
	if err != nil {
		t.Fatal(err)
	}
	byID := map[uint64]SubvolumeInfo{}
	for _, s := range subvols {
		byID[s.ID] = s
	}
	snap, ok := byID[8]
	if !ok {
		t.Fatalf("expected subvolume 8 in %+v", subvols)
	}
	if snap.Path != "home/snap1" || !snap.ReadOnly || snap.ParentID != 5 || snap.Flags != 1 {
		t.Errorf("unexpected subvolume %+v", snap)
	}
	if byID[5].ParentID != 0 {
		t.Errorf("expected the top level to have parent 0, got %d", byID[5].ParentID)
	}
}

func TestSnapshotsAndMounts(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "disk.img")
	btrfstest.WriteFile(t, img, btrfstest.Image{
		Subvolumes: []btrfstest.Subvolume{
			{ID: 256, Name: "data", Files: []btrfstest.File{{Path: "a.txt", Data: []byte("a")}}},
		},
	})
	e := newEngine(t, dir)
	ctx := context.Background()

	snap, err := e.CreateSnapshot(ctx, SnapshotRequest{Source: img, SourceID: 256, Name: "data-1", ReadOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	if !snap.ReadOnly || snap.SourceID != 256 || snap.Path != "data-1" {
		t.Errorf("unexpected snapshot %+v", snap)
	}

	id := snap.ID
	m, err := e.MountVolume(ctx, MountRequest{Source: img, DriveLetter: "S", ReadOnly: true, SubvolumeID: &id})
	if err != nil {
		t.Fatal(err)
	}
	if !m.ReadOnly || m.Source != img || m.SubvolumeID != id || m.State != "Mounted" {
		t.Errorf("unexpected mount %+v", m)
	}
	if got := e.ListMounts(); len(got) != 1 || got[0].MountPoint != m.MountPoint {
		t.Errorf("expected one mount, got %+v", got)
	}

	if err := e.DeleteSnapshot(ctx, img, id); !btrfs.IsErrorCode(err, btrfs.ErrCodeSubvolumeBusy) {
		t.Errorf("expected SubvolumeBusy while mounted, got %v", err)
	}
	if err := e.UnmountVolume(ctx, "S"); err != nil {
		t.Fatal(err)
	}
	if err := e.DeleteSnapshot(ctx, img, id); err != nil {
		t.Fatalf("delete after unmount: %v", err)
	}
	if _, err := e.GetSubvolume(ctx, img, id); !btrfs.IsErrorCode(err, btrfs.ErrCodeSubvolumeNotFound) {
		t.Errorf("expected the snapshot to be gone, got %v", err)
	}
}

func TestModuleGraph(t *testing.T) {
	cfg := &config.Config{MountRoot: t.TempDir(), DrainTimeout: time.Second, ReadTimeout: time.Second, SysfsRoot: t.TempDir(), DevDir: t.TempDir()}
	var e *Engine
	app := fxtest.New(t,
		fx.Provide(
			func() *config.Config { return cfg },
			discardLogger,
		),
		Module,
		fx.Populate(&e),
	)
	app.RequireStart()
	if e == nil || len(e.ListMounts()) != 0 {
		t.Errorf("expected an engine without sessions")
	}
	app.RequireStop()
}
