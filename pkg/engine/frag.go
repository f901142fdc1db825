package engine

import (
	"context"
	"path"
	"syscall"

	"github.com/elee1766/btrmount/pkg/btrfs"
	"github.com/elee1766/btrmount/pkg/fragmap"
	"github.com/elee1766/btrmount/pkg/tree"
	"github.com/elee1766/btrmount/pkg/volume"
)

// FragRequest selects the files to analyze. A directory path analyzes
// the regular files inside it, and their subdirectories when Recurse is
// set. Nested subvolumes are never entered.
type FragRequest struct {
	Source      string  `json:"source"`
	SubvolumeID *uint64 `json:"subvolume_id,omitempty"`
	Path        string  `json:"path"`
	Recurse     bool    `json:"recurse"`
}

// Fragmentation reports the on-disk layout of file data, sorted with the
// most fragmented file first.
func (e *Engine) Fragmentation(ctx context.Context, req FragRequest) ([]*fragmap.FileFragInfo, error) {
	var out []*fragmap.FileFragInfo
	err := e.withVolume(ctx, req.Source, false, func(fs *volume.FS) error {
		r := tree.NewReader(fs)
		id, err := e.fragSubvolume(ctx, r, req.SubvolumeID)
		if err != nil {
			return err
		}
		t, err := r.FSTree(ctx, id)
		if err != nil {
			return err
		}
		ino, err := t.Walk(ctx, req.Path)
		if err != nil {
			return err
		}
		w := fragWalker{t: t, recurse: req.Recurse}
		if err := w.visit(ctx, path.Clean("/"+req.Path), ino, true); err != nil {
			return err
		}
		out = w.files
		return nil
	})
	if err != nil {
		return nil, err
	}
	fragmap.SortByDoF(out)
	return out, nil
}

func (e *Engine) fragSubvolume(ctx context.Context, r *tree.Reader, id *uint64) (uint64, error) {
	if id == nil {
		return r.DefaultSubvolume(ctx)
	}
	if _, err := r.Subvolume(ctx, *id); err != nil {
		return 0, err
	}
	return *id, nil
}

type fragWalker struct {
	t       *tree.FileTree
	recurse bool
	files   []*fragmap.FileFragInfo
}

func (w *fragWalker) visit(ctx context.Context, p string, ino uint64, top bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	in, err := w.t.Inode(ctx, ino)
	if err != nil {
		return err
	}
	switch in.Mode & syscall.S_IFMT {
	case syscall.S_IFDIR:
	case syscall.S_IFREG:
		exts, err := w.t.Extents(ctx, ino)
		if err != nil {
			return err
		}
		w.files = append(w.files, fragmap.Analyze(p, int64(in.Size), fragmap.FromTree(exts)))
		return nil
	default:
		return nil
	}
	if !top && !w.recurse {
		return nil
	}
	entries, err := w.t.ReadDir(ctx, ino)
	if err != nil {
		return err
	}
	for _, d := range entries {
		if d.Location.Type == btrfs.RootItemKey {
			continue
		}
		if d.Type != btrfs.FtRegFile && d.Type != btrfs.FtDir {
			continue
		}
		if err := w.visit(ctx, path.Join(p, d.Name), d.Location.ObjectID, false); err != nil {
			return err
		}
	}
	return nil
}
