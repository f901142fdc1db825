package main

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/elee1766/btrmount/pkg/api/apiv1"
	"github.com/elee1766/btrmount/pkg/engine"
)

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	return t
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return ""
}

func formatTime(t time.Time) string {
	if t.IsZero() || t.Unix() == 0 {
		return "-"
	}
	return t.Format("2006-01-02 15:04:05")
}

// DevicesCmd lists devices
type DevicesCmd struct {
	BtrfsOnly bool `short:"b" help:"Only show devices with a btrfs signature"`
}

func (c *DevicesCmd) Run(cli *CLI) error {
	return cli.withEngine(func(ctx context.Context, e *engine.Engine) error {
		devs, err := e.ListDevices(ctx)
		if err != nil {
			return fmt.Errorf("failed to list devices: %w", err)
		}

		t := newTable()
		t.AppendHeader(table.Row{"Path", "Kind", "Size", "Sector", "Model", "Btrfs"})
		for _, d := range devs {
			if c.BtrfsOnly && !d.IsBtrfs {
				continue
			}
			t.AppendRow(table.Row{d.Path, d.Kind, humanize.IBytes(d.Size), d.SectorSize, d.Model, yesNo(d.IsBtrfs)})
		}
		t.Render()
		return nil
	})
}

// DetectCmd probes a path
type DetectCmd struct {
	Path string `arg:"" help:"Device or image path"`
}

func (c *DetectCmd) Run(cli *CLI) error {
	return cli.withEngine(func(ctx context.Context, e *engine.Engine) error {
		ok, err := e.DetectBtrfs(ctx, c.Path)
		if err != nil {
			return err
		}
		if ok {
			fmt.Printf("%s: btrfs\n", c.Path)
		} else {
			fmt.Printf("%s: %s\n", c.Path, text.FgYellow.Sprint("not btrfs"))
		}
		return nil
	})
}

// InfoCmd shows volume information
type InfoCmd struct {
	Source string `arg:"" help:"Member device path, image path or filesystem UUID"`
}

func (c *InfoCmd) Run(cli *CLI) error {
	return cli.withEngine(func(ctx context.Context, e *engine.Engine) error {
		info, err := e.GetVolumeInfo(ctx, c.Source)
		if err != nil {
			return fmt.Errorf("failed to get volume info: %w", err)
		}

		t := newTable()
		t.SetTitle("Volume")
		t.AppendRow(table.Row{"UUID", info.UUID})
		t.AppendRow(table.Row{"Label", info.Label})
		t.AppendRow(table.Row{"Size", fmt.Sprintf("%s (%d bytes)", humanize.IBytes(info.TotalBytes), info.TotalBytes)})
		t.AppendRow(table.Row{"Used", fmt.Sprintf("%s (%d bytes)", humanize.IBytes(info.BytesUsed), info.BytesUsed)})
		t.AppendRow(table.Row{"Generation", info.Generation})
		t.AppendRow(table.Row{"Devices", fmt.Sprintf("%d of %d", len(info.Devices), info.NumDevices)})
		if info.Degraded {
			t.AppendRow(table.Row{"Status", text.FgRed.Sprint("DEGRADED")})
		} else {
			t.AppendRow(table.Row{"Status", text.FgGreen.Sprint("OK")})
		}
		t.AppendSeparator()
		t.AppendRow(table.Row{"Node size", humanize.IBytes(uint64(info.NodeSize))})
		t.AppendRow(table.Row{"Sector size", humanize.IBytes(uint64(info.SectorSize))})
		t.AppendRow(table.Row{"Checksum", info.CsumType})
		for _, typ := range slices.Sorted(maps.Keys(info.Profiles)) {
			t.AppendRow(table.Row{typ, info.Profiles[typ]})
		}
		t.AppendSeparator()
		for _, d := range info.Devices {
			t.AppendRow(table.Row{"Member", d})
		}
		t.Render()
		return nil
	})
}

// SubvolumesCmd contains subvolume subcommands
type SubvolumesCmd struct {
	List     SubvolListCmd     `cmd:"" help:"List subvolumes"`
	Show     SubvolShowCmd     `cmd:"" help:"Show subvolume details"`
	Snapshot SubvolSnapshotCmd `cmd:"" help:"Snapshot a subvolume through the daemon"`
	Delete   SubvolDeleteCmd   `cmd:"" help:"Delete a snapshot through the daemon"`
}

// SubvolListCmd lists subvolumes
type SubvolListCmd struct {
	Source string `arg:"" help:"Member device path, image path or filesystem UUID"`
}

func (c *SubvolListCmd) Run(cli *CLI) error {
	return cli.withEngine(func(ctx context.Context, e *engine.Engine) error {
		subvols, err := e.ListSubvolumes(ctx, c.Source)
		if err != nil {
			return fmt.Errorf("failed to list subvolumes: %w", err)
		}

		t := newTable()
		t.AppendHeader(table.Row{"ID", "Gen", "Top Level", "Path", "RO"})
		for _, sv := range subvols {
			ro := ""
			if sv.ReadOnly {
				ro = "ro"
			}
			path := sv.Path
			if sv.Orphan {
				path = text.FgYellow.Sprint("<orphan>")
			}
			t.AppendRow(table.Row{sv.ID, sv.Generation, sv.ParentID, path, ro})
		}
		t.Render()
		return nil
	})
}

// SubvolShowCmd shows subvolume details
type SubvolShowCmd struct {
	Source string `arg:"" help:"Member device path, image path or filesystem UUID"`
	ID     uint64 `arg:"" help:"Subvolume id"`
}

func (c *SubvolShowCmd) Run(cli *CLI) error {
	return cli.withEngine(func(ctx context.Context, e *engine.Engine) error {
		sv, err := e.GetSubvolume(ctx, c.Source, c.ID)
		if err != nil {
			return fmt.Errorf("failed to get subvolume info: %w", err)
		}
		printSubvolume(sv)
		return nil
	})
}

func printSubvolume(sv engine.SubvolumeInfo) {
	t := newTable()
	t.AppendRow(table.Row{"ID", sv.ID})
	t.AppendRow(table.Row{"Generation", sv.Generation})
	t.AppendRow(table.Row{"Top Level", sv.ParentID})
	t.AppendRow(table.Row{"Path", sv.Path})
	t.AppendRow(table.Row{"UUID", sv.UUID})
	if sv.ParentUUID != "" {
		t.AppendRow(table.Row{"Parent UUID", sv.ParentUUID})
	}
	if sv.SourceID != 0 {
		t.AppendRow(table.Row{"Snapshot of", sv.SourceID})
	}
	if sv.ReceivedUUID != "" {
		t.AppendRow(table.Row{"Received UUID", sv.ReceivedUUID})
	}
	t.AppendRow(table.Row{"Flags", fmt.Sprintf("0x%x", sv.Flags)})
	t.AppendRow(table.Row{"Readonly", sv.ReadOnly})
	t.AppendRow(table.Row{"Created", formatTime(sv.OTime)})
	t.AppendRow(table.Row{"Changed", formatTime(sv.CTime)})
	t.AppendRow(table.Row{"Transids", fmt.Sprintf("c %d, o %d", sv.CTransID, sv.OTransID)})
	t.Render()
}

// SubvolSnapshotCmd creates a snapshot
type SubvolSnapshotCmd struct {
	Source   string `arg:"" help:"Member device path, image path or filesystem UUID"`
	ID       uint64 `arg:"" help:"Subvolume to snapshot"`
	Name     string `arg:"" help:"Name of the new snapshot"`
	ReadOnly bool   `short:"r" help:"Create a read-only snapshot"`
	Parent   uint64 `short:"p" help:"Subvolume to list the snapshot under (top level by default)"`
}

func (c *SubvolSnapshotCmd) Run(cli *CLI) error {
	return cli.withClient(func(ctx context.Context, client *apiv1.Client) error {
		sv, err := client.CreateSnapshot(ctx, engine.SnapshotRequest{
			Source:   c.Source,
			SourceID: c.ID,
			Name:     c.Name,
			ReadOnly: c.ReadOnly,
			ParentID: c.Parent,
		})
		if err != nil {
			return fmt.Errorf("failed to create snapshot: %w", err)
		}
		printSubvolume(sv)
		return nil
	})
}

// SubvolDeleteCmd deletes a snapshot
type SubvolDeleteCmd struct {
	Source string `arg:"" help:"Member device path, image path or filesystem UUID"`
	ID     uint64 `arg:"" help:"Subvolume id"`
}

func (c *SubvolDeleteCmd) Run(cli *CLI) error {
	return cli.withClient(func(ctx context.Context, client *apiv1.Client) error {
		if err := client.DeleteSnapshot(ctx, c.Source, c.ID); err != nil {
			return fmt.Errorf("failed to delete snapshot: %w", err)
		}
		fmt.Printf("deleted subvolume %d\n", c.ID)
		return nil
	})
}
