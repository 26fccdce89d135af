package main

import (
	"github.com/spf13/cobra"

	"github.com/partitool/diskpart/internal/partop"
)

// Delete command flags
var (
	deleteIndex int  = -1    // slice index to delete
	deleteAll   bool = false // empty the whole slice list
)

// createDeleteCommand creates the delete subcommand
func createDeleteCommand() *cobra.Command {
	deleteCmd := &cobra.Command{
		Use:   "delete [flags] DISK_IMAGE",
		Short: "delete a slice, or all slices",
		Args:  cobra.ExactArgs(1),
		RunE:  executeDelete,
	}

	deleteCmd.Flags().IntVar(&deleteIndex, "slice", -1,
		"Slice index to delete")
	deleteCmd.Flags().BoolVar(&deleteAll, "all", false,
		"Delete every slice on the disk")

	return deleteCmd
}

func executeDelete(cmd *cobra.Command, args []string) error {
	s, err := openSession(args[0], false)
	if err != nil {
		return err
	}
	defer s.Disk.Close()

	if deleteAll {
		partop.DeleteAll(s.Table)
		return commit(s)
	}
	if err := partop.Delete(s.Table, nil, deleteIndex); err != nil {
		return err
	}
	return commit(s)
}
