package blockdev

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// candidate is a device path found during enumeration, before probing.
type candidate struct {
	path       string
	size       uint64
	sectorSize uint32
	model      string
	kind       Kind
}

// skippedBlockPrefixes are virtual devices that never hold a filesystem
// worth offering.
var skippedBlockPrefixes = []string{"ram", "zram", "dm-", "md", "sr", "fd"}

// listSysBlock enumerates disks and their partitions from <sysfs>/block.
func listSysBlock(sysfs, devDir string) ([]candidate, error) {
	blockDir := filepath.Join(sysfs, "block")
	entries, err := os.ReadDir(blockDir)
	if err != nil {
		return nil, err
	}

	var out []candidate
	for _, entry := range entries {
		name := entry.Name()
		if hasAnyPrefix(name, skippedBlockPrefixes) {
			continue
		}
		diskDir := filepath.Join(blockDir, name)
		sectors := readUintFile(filepath.Join(diskDir, "size"))
		if sectors == 0 {
			continue // empty loop devices and card readers
		}
		sectorSize := uint32(readUintFile(filepath.Join(diskDir, "queue", "logical_block_size")))
		if sectorSize == 0 {
			sectorSize = 512
		}
		model := readStringFile(filepath.Join(diskDir, "device", "model"))

		out = append(out, candidate{
			path:       filepath.Join(devDir, name),
			size:       sectors * 512,
			sectorSize: sectorSize,
			model:      model,
			kind:       KindDisk,
		})

		parts, err := os.ReadDir(diskDir)
		if err != nil {
			continue
		}
		for _, p := range parts {
			partDir := filepath.Join(diskDir, p.Name())
			if _, err := os.Stat(filepath.Join(partDir, "partition")); err != nil {
				continue
			}
			out = append(out, candidate{
				path:       filepath.Join(devDir, p.Name()),
				size:       readUintFile(filepath.Join(partDir, "size")) * 512,
				sectorSize: sectorSize,
				model:      model,
				kind:       KindPartition,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out, nil
}

// imageExtensions are the file suffixes treated as disk images.
var imageExtensions = map[string]bool{
	".img":   true,
	".raw":   true,
	".btrfs": true,
	".bin":   true,
}

// listImages returns the image files found directly inside dirs.
func listImages(dirs []string) ([]candidate, []error) {
	var (
		out  []candidate
		errs []error
	)
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
				continue
			}
			info, err := e.Info()
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			out = append(out, candidate{
				path:       filepath.Join(dir, e.Name()),
				size:       uint64(info.Size()),
				sectorSize: 512,
				kind:       KindImage,
			})
		}
	}
	return out, errs
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func readStringFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func readUintFile(path string) uint64 {
	v, err := strconv.ParseUint(readStringFile(path), 10, 64)
	if err != nil {
		return 0
	}
	return v
}
