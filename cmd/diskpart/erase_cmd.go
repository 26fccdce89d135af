package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/partitool/diskpart/internal/partop"
	"github.com/partitool/diskpart/internal/progress"
)

// Erase command flags
var (
	eraseIndex int = -1 // slice index; -1 erases the whole disk
	eraseLevel int = 1  // overwrite passes: 1, 3, 5, or 7
)

// createEraseCommand creates the erase subcommand
func createEraseCommand() *cobra.Command {
	eraseCmd := &cobra.Command{
		Use:   "erase [flags] DISK_IMAGE",
		Short: "overwrite a slice or the whole disk with zeroes",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			switch eraseLevel {
			case 1, 3, 5, 7:
				return nil
			default:
				return fmt.Errorf("erase: level must be 1, 3, 5, or 7")
			}
		},
		RunE: executeErase,
	}

	eraseCmd.Flags().IntVar(&eraseIndex, "slice", -1,
		"Slice index to erase (omit to erase the whole disk)")
	eraseCmd.Flags().IntVar(&eraseLevel, "level", 1,
		"Overwrite passes: 1 basic, 3 secure, 5 more secure, 7 most secure")

	return eraseCmd
}

func executeErase(cmd *cobra.Command, args []string) error {
	s, err := openSession(args[0], false)
	if err != nil {
		return err
	}
	defer s.Disk.Close()

	prog := progress.New(0)
	done := watchProgress(prog, "erase")
	defer done()

	if eraseIndex < 0 {
		if err := partop.Erase(context.Background(), s.Disk, 0, s.Disk.TotalSectors(), partop.EraseLevel(eraseLevel), prog); err != nil {
			return err
		}
		// Whole-disk erase clears the label and leaves one empty slice.
		partop.DeleteAll(s.Table)
		return commit(s)
	}

	if eraseIndex >= len(s.Table.Slices) {
		return fmt.Errorf("erase: slice index %d out of range", eraseIndex)
	}
	target := s.Table.Slices[eraseIndex].Raw
	if err := partop.Erase(context.Background(), s.Disk, target.StartLBA, target.SizeLBA, partop.EraseLevel(eraseLevel), prog); err != nil {
		return err
	}
	s.Quit()
	return nil
}
