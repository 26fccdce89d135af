package main

import (
	"github.com/spf13/cobra"

	"github.com/partitool/diskpart/internal/partop"
)

// createSimpleMBRCommand creates the write-simple-mbr subcommand
func createSimpleMBRCommand() *cobra.Command {
	simpleCmd := &cobra.Command{
		Use:   "write-simple-mbr DISK_IMAGE",
		Short: "overwrite sector 0's boot code with the canned simple-MBR blob",
		Long: `Write-simple-mbr replaces bytes 0..445 of sector 0 with the
		boot-loader blob named by the settings file, preserving the
		partition table and boot signature. Requires no pending changes.`,
		Args: cobra.ExactArgs(1),
		RunE: executeSimpleMBR,
	}
	return simpleCmd
}

func executeSimpleMBR(cmd *cobra.Command, args []string) error {
	s, err := openSession(args[0], false)
	if err != nil {
		return err
	}
	defer s.Disk.Close()
	defer s.Quit()

	if err := partop.WriteSimpleMBR(s.Table, s.Disk); err != nil {
		return err
	}
	return s.Disk.Flush()
}
