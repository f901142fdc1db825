// Package fragmap measures how file data is laid out on disk, from the
// extent items of an unmounted volume.
package fragmap

import (
	"cmp"
	"slices"

	"github.com/elee1766/btrmount/pkg/btrfs"
	"github.com/elee1766/btrmount/pkg/tree"
)

// maxExtentSize is the largest extent btrfs writes for compressed data.
// It is used as a conservative bound for the ideal extent count.
const maxExtentSize = 128 * 1024 * 1024

// FileExtent is one stretch of file data at a logical disk address.
type FileExtent struct {
	LogicalOffset  uint64 `json:"logical_offset"`  // Offset within the file
	PhysicalOffset uint64 `json:"physical_offset"` // Logical disk address, zero for inline data
	Length         uint64 `json:"length"`
	IsInline       bool   `json:"is_inline"`
	IsCompressed   bool   `json:"is_compressed"`
	IsPrealloc     bool   `json:"is_prealloc"`
}

// FileFragInfo contains fragmentation information for a single file
type FileFragInfo struct {
	Path        string       `json:"path"`
	Size        int64        `json:"size"`
	Extents     []FileExtent `json:"extents"`
	ExtentCount int          `json:"extent_count"`

	// Calculated metrics
	DoF                   float64 `json:"dof"`                     // Degree of Fragmentation (actual/ideal extents)
	FragmentationPct      float64 `json:"fragmentation_pct"`       // Percentage of fragmentation points vs potential
	OutOfOrderPct         float64 `json:"out_of_order_pct"`        // Percentage of extents that are out of physical order
	BackwardsFragments    int     `json:"backwards_fragments"`     // Number of backwards jumps in physical layout
	FragmentationPoints   int     `json:"fragmentation_points"`    // Number of discontinuities
	IdealExtents          int     `json:"ideal_extents"`           // Minimum extents needed for contiguous storage
	ContiguousExtentBytes int64   `json:"contiguous_extent_bytes"` // Total bytes in physically contiguous runs
}

// FromTree converts extent items, dropping holes. Compressed extents
// occupy their on-disk size, not the size they decompress to.
func FromTree(extents []tree.Extent) []FileExtent {
	var out []FileExtent
	for _, e := range extents {
		if e.IsHole() {
			continue
		}
		fe := FileExtent{
			LogicalOffset:  e.FileOffset,
			PhysicalOffset: e.DiskOffset,
			Length:         e.Length,
			IsInline:       e.IsInline(),
			IsCompressed:   e.Compression != btrfs.CompressNone,
			IsPrealloc:     e.Type == btrfs.FileExtentPrealloc,
		}
		if fe.IsCompressed && !fe.IsInline {
			fe.PhysicalOffset = e.DiskBytenr
			fe.Length = e.DiskNumBytes
		}
		out = append(out, fe)
	}
	return out
}

// Analyze calculates fragmentation metrics for a file of size bytes.
func Analyze(path string, size int64, extents []FileExtent) *FileFragInfo {
	info := &FileFragInfo{
		Path:        path,
		Size:        size,
		Extents:     extents,
		ExtentCount: len(extents),
	}

	if len(extents) == 0 || size == 0 {
		info.DoF = 1.0 // Empty file has perfect fragmentation
		return info
	}

	info.IdealExtents = max(1, int((size+maxExtentSize-1)/maxExtentSize))

	// DoF = actual extents / ideal extents
	info.DoF = float64(len(extents)) / float64(info.IdealExtents)

	if len(extents) == 1 {
		info.ContiguousExtentBytes = size
		return info
	}

	// Discontinuities in physical space and backwards jumps
	potentialFragPoints := len(extents) - 1
	contiguousBytes := int64(extents[0].Length)
	for i := 1; i < len(extents); i++ {
		prev, curr := extents[i-1], extents[i]
		if curr.PhysicalOffset == prev.PhysicalOffset+prev.Length && !curr.IsInline {
			contiguousBytes += int64(curr.Length)
			continue
		}
		info.FragmentationPoints++
		if curr.PhysicalOffset < prev.PhysicalOffset {
			info.BackwardsFragments++
		}
	}
	info.ContiguousExtentBytes = contiguousBytes
	info.FragmentationPct = float64(info.FragmentationPoints) / float64(potentialFragPoints) * 100.0
	if info.FragmentationPoints > 0 {
		info.OutOfOrderPct = float64(info.BackwardsFragments) / float64(info.FragmentationPoints) * 100.0
	}
	return info
}

// AggregateFragStats holds aggregate fragmentation statistics
type AggregateFragStats struct {
	TotalFiles       int
	TotalExtents     int
	TotalBytes       int64
	FragmentedFiles  int     // Files with DoF > 1.0
	AvgDoF           float64 // Average Degree of Fragmentation
	AvgFragPct       float64 // Average Fragmentation Percentage
	AvgOutOfOrderPct float64 // Average Out-of-Order Percentage
	MaxDoF           float64 // Maximum DoF seen
	MaxExtents       int     // Maximum extents in a single file

	// Distribution
	DoFHistogram map[string]int // Buckets: "1", "1-2", "2-5", "5-10", "10+"
}

// Aggregate aggregates fragmentation stats for multiple files
func Aggregate(files []*FileFragInfo) *AggregateFragStats {
	stats := &AggregateFragStats{
		DoFHistogram: map[string]int{
			"1":    0,
			"1-2":  0,
			"2-5":  0,
			"5-10": 0,
			"10+":  0,
		},
	}

	if len(files) == 0 {
		return stats
	}

	var totalDoF, totalFragPct, totalOutOfOrder float64
	var filesWithFragPoints int

	for _, f := range files {
		stats.TotalFiles++
		stats.TotalExtents += f.ExtentCount
		stats.TotalBytes += f.Size
		totalDoF += f.DoF

		if f.DoF > 1.0 {
			stats.FragmentedFiles++
		}
		if f.FragmentationPoints > 0 {
			totalFragPct += f.FragmentationPct
			totalOutOfOrder += f.OutOfOrderPct
			filesWithFragPoints++
		}
		stats.MaxDoF = max(stats.MaxDoF, f.DoF)
		stats.MaxExtents = max(stats.MaxExtents, f.ExtentCount)

		switch {
		case f.DoF <= 1.0:
			stats.DoFHistogram["1"]++
		case f.DoF <= 2.0:
			stats.DoFHistogram["1-2"]++
		case f.DoF <= 5.0:
			stats.DoFHistogram["2-5"]++
		case f.DoF <= 10.0:
			stats.DoFHistogram["5-10"]++
		default:
			stats.DoFHistogram["10+"]++
		}
	}

	stats.AvgDoF = totalDoF / float64(stats.TotalFiles)
	if filesWithFragPoints > 0 {
		stats.AvgFragPct = totalFragPct / float64(filesWithFragPoints)
		stats.AvgOutOfOrderPct = totalOutOfOrder / float64(filesWithFragPoints)
	}
	return stats
}

// SortByDoF sorts files by Degree of Fragmentation (descending)
func SortByDoF(files []*FileFragInfo) {
	slices.SortStableFunc(files, func(a, b *FileFragInfo) int {
		return cmp.Compare(b.DoF, a.DoF)
	})
}
