package main

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/elee1766/btrmount/pkg/engine"
	"github.com/elee1766/btrmount/pkg/fragmap"
)

// FragCmd analyzes file fragmentation
type FragCmd struct {
	Source    string  `arg:"" help:"Member device path, image path or filesystem UUID"`
	Path      string  `arg:"" optional:"" default:"/" help:"File or directory inside the subvolume"`
	Subvolume *uint64 `short:"s" help:"Subvolume id (defaults to the default subvolume)"`
	Recurse   bool    `short:"r" help:"Recursively analyze directory"`
	Top       int     `short:"n" default:"20" help:"Show top N most fragmented files"`
}

func (c *FragCmd) Run(cli *CLI) error {
	return cli.withEngine(func(ctx context.Context, e *engine.Engine) error {
		files, err := e.Fragmentation(ctx, engine.FragRequest{
			Source:      c.Source,
			SubvolumeID: c.Subvolume,
			Path:        c.Path,
			Recurse:     c.Recurse,
		})
		if err != nil {
			return fmt.Errorf("failed to analyze fragmentation: %w", err)
		}

		switch {
		case len(files) == 0:
			fmt.Println("No files found to analyze")
		case len(files) == 1 && !c.Recurse:
			printFileFragInfo(files[0])
		default:
			c.printAggregate(files)
		}
		return nil
	})
}

func (c *FragCmd) printAggregate(files []*fragmap.FileFragInfo) {
	stats := fragmap.Aggregate(files)

	t := newTable()
	t.SetTitle("Aggregate Statistics")
	t.AppendRow(table.Row{"Total files", stats.TotalFiles})
	t.AppendRow(table.Row{"Total size", humanize.IBytes(uint64(stats.TotalBytes))})
	t.AppendRow(table.Row{"Total extents", stats.TotalExtents})
	t.AppendRow(table.Row{"Fragmented files", fmt.Sprintf("%d (%.1f%%)", stats.FragmentedFiles,
		float64(stats.FragmentedFiles)/float64(stats.TotalFiles)*100)})
	t.AppendSeparator()
	t.AppendRow(table.Row{"Avg DoF", fmt.Sprintf("%.2f", stats.AvgDoF)})
	t.AppendRow(table.Row{"Avg Frag%", fmt.Sprintf("%.1f%%", stats.AvgFragPct)})
	t.AppendRow(table.Row{"Avg Out-of-Order%", fmt.Sprintf("%.1f%%", stats.AvgOutOfOrderPct)})
	t.AppendRow(table.Row{"Max DoF", fmt.Sprintf("%.2f", stats.MaxDoF)})
	t.AppendRow(table.Row{"Max extents", stats.MaxExtents})
	t.Render()

	fmt.Println()

	dist := newTable()
	dist.SetTitle("DoF Distribution")
	dist.AppendHeader(table.Row{"Range", "Files", "Description"})
	dist.AppendRow(table.Row{"DoF = 1", stats.DoFHistogram["1"], "Ideal (no fragmentation)"})
	dist.AppendRow(table.Row{"DoF 1-2", stats.DoFHistogram["1-2"], "Minimal fragmentation"})
	dist.AppendRow(table.Row{"DoF 2-5", stats.DoFHistogram["2-5"], "Moderate fragmentation"})
	dist.AppendRow(table.Row{"DoF 5-10", stats.DoFHistogram["5-10"], "High fragmentation"})
	dist.AppendRow(table.Row{"DoF 10+", stats.DoFHistogram["10+"], "Severe fragmentation"})
	dist.Render()

	// files arrive sorted by DoF
	var fragmented []*fragmap.FileFragInfo
	for _, f := range files {
		if f.DoF > 1.0 {
			fragmented = append(fragmented, f)
		}
	}
	if len(fragmented) == 0 {
		fmt.Println("\nNo fragmented files found (all files have ideal DoF = 1.0)")
		return
	}

	fmt.Println()
	top := newTable()
	top.SetTitle(fmt.Sprintf("Top %d Most Fragmented Files", min(c.Top, len(fragmented))))
	top.AppendHeader(table.Row{"DoF", "Extents", "Frag%", "OoO%", "Size", "Path"})
	top.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight},
		{Number: 2, Align: text.AlignRight},
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
	})
	for _, f := range fragmented[:min(c.Top, len(fragmented))] {
		top.AppendRow(table.Row{
			fmt.Sprintf("%.1f", f.DoF),
			f.ExtentCount,
			fmt.Sprintf("%.1f%%", f.FragmentationPct),
			fmt.Sprintf("%.1f%%", f.OutOfOrderPct),
			humanize.IBytes(uint64(f.Size)),
			f.Path,
		})
	}
	top.Render()
}

func printFileFragInfo(f *fragmap.FileFragInfo) {
	t := newTable()
	t.SetTitle("File Information")
	t.AppendRow(table.Row{"Path", f.Path})
	t.AppendRow(table.Row{"Size", humanize.IBytes(uint64(f.Size))})
	t.AppendRow(table.Row{"Extents", f.ExtentCount})
	t.AppendRow(table.Row{"Ideal extents", f.IdealExtents})
	t.Render()

	fmt.Println()

	m := newTable()
	m.SetTitle("Fragmentation Metrics")
	m.AppendHeader(table.Row{"Metric", "Value", "Description"})
	m.AppendRow(table.Row{"Degree of Frag (DoF)", fmt.Sprintf("%.2f", f.DoF), "1.0 = ideal, higher = worse"})
	m.AppendRow(table.Row{"Fragmentation %", fmt.Sprintf("%.1f%%", f.FragmentationPct), "Discontinuities vs potential"})
	m.AppendRow(table.Row{"Out-of-Order %", fmt.Sprintf("%.1f%%", f.OutOfOrderPct), "Backwards physical jumps"})
	m.AppendSeparator()
	m.AppendRow(table.Row{"Fragmentation points", f.FragmentationPoints, ""})
	m.AppendRow(table.Row{"Backwards fragments", f.BackwardsFragments, ""})
	m.AppendRow(table.Row{"Contiguous bytes", humanize.IBytes(uint64(f.ContiguousExtentBytes)), ""})
	m.Render()

	if len(f.Extents) == 0 {
		return
	}
	fmt.Println()
	x := newTable()
	x.SetTitle("Extents")
	x.AppendHeader(table.Row{"File offset", "Disk address", "Length", "Flags"})
	for _, e := range f.Extents {
		flags := ""
		switch {
		case e.IsInline:
			flags = "inline"
		case e.IsCompressed:
			flags = "compressed"
		case e.IsPrealloc:
			flags = "prealloc"
		}
		x.AppendRow(table.Row{e.LogicalOffset, e.PhysicalOffset, humanize.IBytes(e.Length), flags})
	}
	x.Render()
}
