package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/partitool/diskpart/internal/label"
	"github.com/partitool/diskpart/internal/orchestrator"
	"github.com/partitool/diskpart/internal/partop"
	"github.com/partitool/diskpart/internal/progress"
)

// Copy command flags
var (
	copySliceIndex int    = -1 // source slice index; -1 selects whole-disk copy
	copyDest       string      // destination disk image
	copyDestSpace  int    = -1 // destination empty-space index; -1 picks the first that fits
)

// createCopyCommand creates the copy subcommand
func createCopyCommand() *cobra.Command {
	copyCmd := &cobra.Command{
		Use:   "copy [flags] SOURCE_DISK_IMAGE",
		Short: "copy a slice to another disk's free space, or clone a whole disk",
		Long: `Copy snapshots a slice and pastes it into free space on the
		destination disk, raw-copying the payload through the concurrent
		double-buffer pipeline. Without --slice the whole source disk is
		cloned up to its last used sector, and slices that no longer fit
		the destination are truncated or dropped.`,
		Args: cobra.ExactArgs(1),
		RunE: executeCopy,
	}

	copyCmd.Flags().IntVar(&copySliceIndex, "slice", -1,
		"Source slice index (omit to clone the whole disk)")
	copyCmd.Flags().StringVar(&copyDest, "dest", "",
		"Destination disk image")
	copyCmd.Flags().IntVar(&copyDestSpace, "space", -1,
		"Destination empty-space index (default: first space that fits)")

	return copyCmd
}

func executeCopy(cmd *cobra.Command, args []string) error {
	if copyDest == "" {
		return fmt.Errorf("copy: --dest is required")
	}
	src, err := openSession(args[0], true)
	if err != nil {
		return err
	}
	defer src.Disk.Close()
	defer src.Quit()

	prog := progress.New(0)
	done := watchProgress(prog, "copy")
	defer done()

	if copySliceIndex < 0 {
		// Whole-disk clone: the destination's label (if any) is replaced
		// wholesale, so it is opened as a bare device, not a session.
		dstDisk, err := openDisk(copyDest, false)
		if err != nil {
			return err
		}
		defer dstDisk.Close()
		if err := partop.CopyDisk(context.Background(), src.Table, src.Disk, dstDisk, prog); err != nil {
			return err
		}
		// Re-read the destination and trim slices past its geometry.
		reread, err := orchestrator.Open(dstDisk, false)
		if err != nil {
			return err
		}
		partop.TruncateOutOfRange(reread.Table, dstDisk.TotalSectors())
		return commit(reread)
	}

	dst, err := openSession(copyDest, false)
	if err != nil {
		return err
	}
	defer dst.Disk.Close()

	var clip partop.Clipboard
	if err := partop.Copy(src.Table, src.Disk, &clip, copySliceIndex); err != nil {
		return err
	}

	destSpace := copyDestSpace
	if destSpace < 0 {
		need := src.Table.Slices[copySliceIndex].Raw.SizeLBA
		for i, sl := range dst.Table.Slices {
			if sl.Raw.Kind == label.KindEmpty && sl.Raw.SizeLBA >= need {
				destSpace = i
				break
			}
		}
	}
	if destSpace < 0 {
		return fmt.Errorf("copy: no empty space on %s large enough", dst.Disk.Name)
	}

	if _, err := partop.Paste(context.Background(), dst.Table, dst.Disk, &clip, destSpace, nil, prog); err != nil {
		return err
	}
	return commit(dst)
}
