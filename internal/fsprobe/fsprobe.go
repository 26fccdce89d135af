// Package fsprobe implements the external "Filesystem probe"
// collaborator: identifying what filesystem, if any, lives in a slice's
// sector range, and shelling out to the host for the operations this
// repo deliberately treats as opaque: generic format and generic kernel
// resize (NTFS gets its own first-class engine; see internal/ntfsresize).
package fsprobe

import (
	"fmt"
	"io"
	"strings"

	"github.com/diskfs/go-diskfs/filesystem"

	"github.com/partitool/diskpart/internal/utils/logger"
	"github.com/partitool/diskpart/internal/utils/shell"
)

var log = logger.Logger()

// OpFlags reports which operations the probed filesystem supports.
type OpFlags struct {
	CanFormat bool
	CanResize bool // generic kernel-driven resize (mkfs-and-repopulate class)
	CanCheck  bool // fsck-equivalent exists
}

// Result is one probe outcome.
type Result struct {
	FSType string
	Label  string
	Flags  OpFlags
}

// wellKnown maps a sniffed/diskfs filesystem type to its op flags. NTFS
// carries CanResize false here: its resize is routed to
// internal/ntfsresize instead of the generic resize path.
var wellKnown = map[string]OpFlags{
	"vfat":     {CanFormat: true, CanResize: true, CanCheck: true},
	"ext4":     {CanFormat: true, CanResize: true, CanCheck: true},
	"ext3":     {CanFormat: true, CanResize: true, CanCheck: true},
	"ext2":     {CanFormat: true, CanResize: true, CanCheck: true},
	"squashfs": {CanFormat: true, CanResize: false, CanCheck: false},
	"iso9660":  {CanFormat: false, CanResize: false, CanCheck: false},
	"ntfs":     {CanFormat: true, CanResize: false, CanCheck: true},
}

// DiskfsFilesystem is the subset of *diskfs.Disk this package needs, kept
// narrow so tests can fake it without building a real disk image.
type DiskfsFilesystem interface {
	GetFilesystem(partition int) (filesystem.FileSystem, error)
}

// Probe identifies the filesystem starting at byteOffset within img,
// first via go-diskfs's own detection (when fs/partNumber are
// available) and falling back to magic-byte sniffing otherwise.
func Probe(img io.ReaderAt, byteOffset int64, fs DiskfsFilesystem, partNumber int) (Result, error) {
	var res Result

	if fs != nil {
		if handle, err := fs.GetFilesystem(partNumber); err == nil && handle != nil {
			res.FSType = filesystemTypeLabel(handle.Type())
			res.Label = strings.TrimSpace(handle.Label())
		}
	}

	if res.FSType == "" || res.FSType == "unknown" {
		guessed, err := sniffFilesystemType(img, byteOffset)
		if err != nil {
			return res, fmt.Errorf("probe filesystem at offset %d: %w", byteOffset, err)
		}
		res.FSType = guessed
	}

	flags, ok := wellKnown[res.FSType]
	if !ok {
		log.Debugf("fsprobe: unrecognized filesystem type %q, no operations permitted", res.FSType)
	}
	res.Flags = flags
	return res, nil
}

// sniffFilesystemType reads magic bytes at the start of the slice.
func sniffFilesystemType(r io.ReaderAt, off int64) (string, error) {
	head := make([]byte, 4096)
	if _, err := r.ReadAt(head, off); err != nil && err != io.EOF {
		return "", err
	}
	if len(head) >= 4 && (string(head[0:4]) == "hsqs" || string(head[0:4]) == "sqsh") {
		return "squashfs", nil
	}

	ntfsOEM := make([]byte, 8)
	if _, err := r.ReadAt(ntfsOEM, off+3); err == nil && string(ntfsOEM) == "NTFS    " {
		return "ntfs", nil
	}

	extMagic := make([]byte, 2)
	if _, err := r.ReadAt(extMagic, off+1024+56); err == nil {
		if extMagic[0] == 0x53 && extMagic[1] == 0xEF {
			return "ext4", nil
		}
	}

	sig := make([]byte, 2)
	if _, err := r.ReadAt(sig, off+510); err == nil {
		if sig[0] == 0x55 && sig[1] == 0xAA {
			return "vfat", nil
		}
	}

	return "unknown", nil
}

func filesystemTypeLabel(t filesystem.Type) string {
	switch t {
	case filesystem.TypeFat32:
		return "vfat"
	case filesystem.TypeISO9660:
		return "iso9660"
	case filesystem.TypeSquashfs:
		return "squashfs"
	case filesystem.TypeExt4:
		return "ext4"
	default:
		return "unknown"
	}
}

// Format invokes the host's mkfs tool for fsType/subtype against the
// device node at devicePath, treating it as an opaque subprocess
// call. subtype, when non-empty, selects the FAT size for vfat (passed
// as mkfs.vfat -F, e.g. "32" for FAT32); it is ignored for ext2/3/4.
func Format(devicePath, fsType, subtype string) error {
	var cmd string
	switch fsType {
	case "vfat", "fat":
		cmd = "mkfs.vfat"
		if subtype != "" {
			cmd += " -F " + subtype
		}
	case "ext2":
		cmd = "mkfs.ext2"
	case "ext3":
		cmd = "mkfs.ext3"
	case "ext4":
		cmd = "mkfs.ext4"
	default:
		return fmt.Errorf("format: unsupported filesystem type %q", fsType)
	}
	tool := strings.Fields(cmd)[0]
	if !shell.IsCommandExist(tool) {
		return fmt.Errorf("format: %s is not available on this host", tool)
	}
	cmdStr := fmt.Sprintf("%s %s", cmd, devicePath)
	if _, err := shell.ExecCmd(cmdStr, true); err != nil {
		return fmt.Errorf("format %s as %s: %w", devicePath, fsType, err)
	}
	return nil
}

// FilesystemResize shells out to the generic kernel-driven resize tool
// for fsType (resize2fs for ext*; any other type returns an error). NTFS
// never reaches this function; it uses internal/ntfsresize instead.
func FilesystemResize(devicePath, fsType string, newSizeBytes uint64) error {
	switch fsType {
	case "ext2", "ext3", "ext4":
		if !shell.IsCommandExist("resize2fs") {
			return fmt.Errorf("filesystem resize: resize2fs is not available on this host")
		}
		cmdStr := fmt.Sprintf("resize2fs %s %dK", devicePath, newSizeBytes/1024)
		if _, err := shell.ExecCmd(cmdStr, true); err != nil {
			return fmt.Errorf("resize2fs %s: %w", devicePath, err)
		}
		return nil
	default:
		return fmt.Errorf("filesystem resize: no generic resize tool for %q", fsType)
	}
}
