package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/partitool/diskpart/internal/fsprobe"
	"github.com/partitool/diskpart/internal/utils/display"
)

// createShowCommand creates the show subcommand
func createShowCommand() *cobra.Command {
	showCmd := &cobra.Command{
		Use:   "show DISK_IMAGE",
		Short: "detect the disk's label and print its slice list",
		Args:  cobra.ExactArgs(1),
		RunE:  executeShow,
	}
	return showCmd
}

func executeShow(cmd *cobra.Command, args []string) error {
	s, err := openSession(args[0], true)
	if err != nil {
		return err
	}
	defer s.Disk.Close()
	defer s.Quit()

	img, err := os.Open(args[0])
	if err == nil {
		defer img.Close()
		_ = s.Table.Refresh(func(startLBA uint64) (fsprobe.Result, error) {
			return fsprobe.Probe(img, int64(startLBA)*sectorSize, nil, 0)
		})
	}

	display.PrintDiskSummary(s.Table)
	return nil
}
