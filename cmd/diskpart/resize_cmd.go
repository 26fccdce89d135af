package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/partitool/diskpart/internal/diskio"
	"github.com/partitool/diskpart/internal/fsprobe"
	"github.com/partitool/diskpart/internal/label"
	"github.com/partitool/diskpart/internal/orchestrator"
	"github.com/partitool/diskpart/internal/progress"
	"github.com/partitool/diskpart/internal/utils/logger"
)

// Resize command flags
var (
	resizeIndex   int    = -1 // slice index to resize
	resizeSectors uint64      // new slice size in sectors
	resizeForce   bool        // parsed, but not passed to the payload resizer
	resizeInfo    bool        // report the permitted range, change nothing
)

// newPayloadResizer is the plugin-registration point for filesystem-aware
// resize hooks (the role the original filled with a dlopen'd libntfs):
// given the open disk and the slice's start, return a PayloadResizer for
// the filesystem found there, or nil when none is registered for it.
// Absence is a capability, not a failure: plain slice resize still works.
var newPayloadResizer func(disk *diskio.Disk, startLBA uint64, fsType string) orchestrator.PayloadResizer

// createResizeCommand creates the resize subcommand
func createResizeCommand() *cobra.Command {
	resizeCmd := &cobra.Command{
		Use:   "resize [flags] DISK_IMAGE",
		Short: "resize a slice, shrinking or growing its filesystem when supported",
		Long: `Resize changes a slice's sector count within the free space
		that follows it. When a filesystem-aware resizer is registered
		for the slice's payload (NTFS), the payload is resized first on
		shrink and last on grow, so the filesystem never extends past
		its container.`,
		Args: cobra.ExactArgs(1),
		RunE: executeResize,
	}

	resizeCmd.Flags().IntVar(&resizeIndex, "slice", -1,
		"Slice index to resize")
	resizeCmd.Flags().Uint64Var(&resizeSectors, "sectors", 0,
		"New slice size in sectors")
	resizeCmd.Flags().BoolVar(&resizeForce, "force", false,
		"Accepted but currently has no effect: it is not passed to the payload resizer")
	resizeCmd.Flags().BoolVar(&resizeInfo, "info", false,
		"Report the permitted resize range and exit without changes")

	return resizeCmd
}

func executeResize(cmd *cobra.Command, args []string) error {
	log := logger.Logger()
	s, err := openSession(args[0], resizeInfo)
	if err != nil {
		return err
	}
	defer s.Disk.Close()

	if resizeIndex < 0 || resizeIndex >= len(s.Table.Slices) {
		return fmt.Errorf("resize: --slice index required")
	}
	target := s.Table.Slices[resizeIndex].Raw

	fsType := "unknown"
	if img, ferr := os.Open(args[0]); ferr == nil {
		res, perr := fsprobe.Probe(img, int64(target.StartLBA)*sectorSize, nil, 0)
		img.Close()
		if perr == nil {
			fsType = res.FSType
		}
	}

	var payload orchestrator.PayloadResizer
	if newPayloadResizer != nil {
		payload = newPayloadResizer(s.Disk, target.StartLBA, fsType)
	}
	if payload == nil && fsType == "ntfs" {
		log.Warnf("resize: no NTFS metadata library registered; resizing the slice only, not its filesystem")
	}

	prog := progress.New(0)
	done := watchProgress(prog, "resize")
	defer done()

	if resizeInfo {
		maxSize := target.SizeLBA
		if resizeIndex+1 < len(s.Table.Slices) {
			next := s.Table.Slices[resizeIndex+1].Raw
			if next.Kind == label.KindEmpty {
				maxSize += next.SizeLBA
			}
		}
		if payload != nil {
			min, max, err := payload.Constraints(maxSize, prog)
			if err != nil {
				return err
			}
			log.Infof("slice %d may resize between %d and %d sectors", resizeIndex, min, max)
		} else {
			log.Infof("slice %d may resize between 1 and %d sectors (payload constraints unknown)", resizeIndex, maxSize)
		}
		s.Quit()
		return nil
	}

	if err := s.ResizeSlice(resizeIndex, resizeSectors, payload, prog); err != nil {
		return err
	}
	return commit(s)
}
