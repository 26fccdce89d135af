package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/partitool/diskpart/internal/partop"
	"github.com/partitool/diskpart/internal/utils/logger"
)

// Modify command flags
var (
	modifyIndex   int  = -1    // target slice index
	modifyActive  bool = false // toggle the bootable flag onto the target
	modifyHide    bool = false // toggle the hidden tag pair
	modifyType    int  = -1    // type table index to apply
	modifyReorder bool = false // swap the target with its next neighbor
	modifyListTypes bool = false // print the codec's type table and exit
)

// createModifyCommand creates the modify subcommand
func createModifyCommand() *cobra.Command {
	modifyCmd := &cobra.Command{
		Use:   "modify [flags] DISK_IMAGE",
		Short: "set-active, set-type, hide, or reorder a slice",
		Args:  cobra.ExactArgs(1),
		RunE:  executeModify,
	}

	modifyCmd.Flags().IntVar(&modifyIndex, "slice", -1,
		"Slice index to modify")
	modifyCmd.Flags().BoolVar(&modifyActive, "active", false,
		"Toggle the slice's bootable/active flag, clearing it on every other slice")
	modifyCmd.Flags().BoolVar(&modifyHide, "hide", false,
		"Toggle the slice's hidden/visible tag pair (MBR only)")
	modifyCmd.Flags().IntVar(&modifyType, "type", -1,
		"Type table index to apply")
	modifyCmd.Flags().BoolVar(&modifyReorder, "reorder", false,
		"Swap the slice with its next neighbor in table order")
	modifyCmd.Flags().BoolVar(&modifyListTypes, "list-types", false,
		"Print the label's type table and exit without changes")

	return modifyCmd
}

func executeModify(cmd *cobra.Command, args []string) error {
	log := logger.Logger()

	if modifyListTypes {
		s, err := openSession(args[0], true)
		if err != nil {
			return err
		}
		defer s.Disk.Close()
		defer s.Quit()
		for i, t := range s.Table.Codec.ListTypes() {
			if s.Table.Codec.SupportsTags() {
				log.Infof("%3d  0x%02x  %s", i, t.Tag, t.Description)
			} else {
				log.Infof("%3d  %s  %s", i, t.TypeGUID, t.Description)
			}
		}
		return nil
	}

	s, err := openSession(args[0], false)
	if err != nil {
		return err
	}
	defer s.Disk.Close()

	applied := false
	if modifyActive {
		if err := partop.SetActive(s.Table, modifyIndex); err != nil {
			return err
		}
		applied = true
	}
	if modifyType >= 0 {
		if err := partop.SetType(s.Table, modifyIndex, modifyType); err != nil {
			return err
		}
		applied = true
	}
	if modifyHide {
		if err := partop.Hide(s.Table, modifyIndex); err != nil {
			return err
		}
		applied = true
	}
	if modifyReorder {
		if err := partop.Reorder(s.Table, modifyIndex); err != nil {
			return err
		}
		applied = true
	}
	if !applied {
		return fmt.Errorf("modify: nothing to do (pass --active, --type, --hide, or --reorder)")
	}
	return commit(s)
}
