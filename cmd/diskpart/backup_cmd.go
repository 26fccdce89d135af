package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/partitool/diskpart/internal/partop"
	"github.com/partitool/diskpart/internal/utils/display"
)

// Backup command flags
var (
	backupRestore bool = false // restore the per-disk backup file into the table
	backupWrite   bool = false // also write the restored table to the device
)

// createBackupCommand creates the backup subcommand
func createBackupCommand() *cobra.Command {
	backupCmd := &cobra.Command{
		Use:   "backup [flags] DISK_IMAGE",
		Short: "restore the per-disk partition table backup",
		Long: `Backup --restore replaces the in-memory table with the disk's
		permanent backup file. The result is left as pending changes;
		pass --write to also commit it to the device.`,
		Args: cobra.ExactArgs(1),
		RunE: executeBackup,
	}

	backupCmd.Flags().BoolVar(&backupRestore, "restore", false,
		"Replace the table with the permanent backup file's contents")
	backupCmd.Flags().BoolVar(&backupWrite, "write", false,
		"Write the restored table to the device")

	return backupCmd
}

func executeBackup(cmd *cobra.Command, args []string) error {
	if !backupRestore {
		return fmt.Errorf("backup: pass --restore")
	}
	s, err := openSession(args[0], false)
	if err != nil {
		return err
	}
	defer s.Disk.Close()

	if err := partop.RestoreBackup(s.Table, s.Disk.Name); err != nil {
		return err
	}
	display.PrintDiskSummary(s.Table)

	if !backupWrite {
		// Restored table stays pending, not auto-written.
		s.Quit()
		return nil
	}
	return commit(s)
}
