package main

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/elee1766/btrmount/pkg/api/apiv1"
	"github.com/elee1766/btrmount/pkg/engine"
)

// MountCmd mounts a volume
type MountCmd struct {
	Source      string  `arg:"" help:"Member device path, image path or filesystem UUID"`
	DriveLetter string  `arg:"" optional:"" help:"Drive letter or absolute mount point (default Z)"`
	ReadOnly    bool    `short:"r" help:"Mount read-only"`
	Subvolume   *uint64 `short:"s" help:"Subvolume id (default subvolume when omitted)"`
}

func (c *MountCmd) Run(cli *CLI) error {
	return cli.withClient(func(ctx context.Context, client *apiv1.Client) error {
		m, err := client.MountVolume(ctx, engine.MountRequest{
			Source:      c.Source,
			DriveLetter: c.DriveLetter,
			ReadOnly:    c.ReadOnly,
			SubvolumeID: c.Subvolume,
		})
		if err != nil {
			return fmt.Errorf("failed to mount: %w", err)
		}
		fmt.Printf("mounted %s (subvolume %d) at %s\n", m.Source, m.SubvolumeID, m.MountPoint)
		return nil
	})
}

// UnmountCmd unmounts a session
type UnmountCmd struct {
	MountPoint string `arg:"" help:"Drive letter or mount point"`
}

func (c *UnmountCmd) Run(cli *CLI) error {
	return cli.withClient(func(ctx context.Context, client *apiv1.Client) error {
		if err := client.UnmountVolume(ctx, c.MountPoint); err != nil {
			return fmt.Errorf("failed to unmount: %w", err)
		}
		fmt.Printf("unmounted %s\n", c.MountPoint)
		return nil
	})
}

// MountsCmd lists sessions
type MountsCmd struct{}

func (c *MountsCmd) Run(cli *CLI) error {
	return cli.withClient(func(ctx context.Context, client *apiv1.Client) error {
		mounts, err := client.ListMounts(ctx)
		if err != nil {
			return fmt.Errorf("failed to list mounts: %w", err)
		}

		t := newTable()
		t.AppendHeader(table.Row{"Mount Point", "Source", "Subvolume", "Mode", "State", "Since"})
		for _, m := range mounts {
			mode := "rw"
			if m.ReadOnly {
				mode = "ro"
			}
			t.AppendRow(table.Row{m.MountPoint, m.Source, m.SubvolumeID, mode, m.State, humanize.Time(m.MountedAt)})
		}
		t.Render()
		return nil
	})
}
