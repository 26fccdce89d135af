package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/partitool/diskpart/internal/config"
	"github.com/partitool/diskpart/internal/diskio"
	"github.com/partitool/diskpart/internal/orchestrator"
	"github.com/partitool/diskpart/internal/slicemodel"
	"github.com/partitool/diskpart/internal/utils/display"
	"github.com/partitool/diskpart/internal/utils/logger"
)

// Global command flags
var (
	textMode   bool   = false // -T: force text mode (identical semantics, no bar rendering)
	clearDisk  string         // -o: clear the named disk's partition table on startup
	configPath string         // --config: settings file
	sectorSize int64  = 512   // --sector-size
	dryRun     bool   = false // --dry-run: mutate in memory, skip the device write
	fixCHS     bool   = false // --fix-chs: consent to CHS repair during the write check
)

func main() {
	root := createRootCommand()
	err := root.Execute()
	_ = logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}

func createRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "diskpart [flags] DISK_IMAGE",
		Short: "partition table manager and NTFS volume resizer",
		Long: `diskpart reads, mutates, and writes MBR and GPT partition
		tables on raw disks and disk images, and resizes NTFS volumes
		non-destructively. With only a disk argument it prints the
		detected label and slice list.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				if err := config.Load(configPath); err != nil {
					return err
				}
			}
			if clearDisk != "" {
				return clearDiskTable(clearDisk)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			return executeShow(cmd, args)
		},
	}

	rootCmd.SetGlobalNormalizationFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ToLower(name))
	})

	rootCmd.PersistentFlags().BoolVarP(&textMode, "text", "T", false,
		"Force text mode output (no live progress rendering)")
	rootCmd.PersistentFlags().StringVarP(&clearDisk, "clear", "o", "",
		"Clear the named disk's partition table on startup")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to a diskpart settings file")
	rootCmd.PersistentFlags().Int64Var(&sectorSize, "sector-size", 512,
		"Device sector size in bytes")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false,
		"Apply changes in memory only, do not write the device")
	rootCmd.PersistentFlags().BoolVar(&fixCHS, "fix-chs", false,
		"Consent to rewriting stored CHS fields that disagree with LBA values")

	rootCmd.AddCommand(
		createShowCommand(),
		createCreateCommand(),
		createDeleteCommand(),
		createModifyCommand(),
		createMoveCommand(),
		createCopyCommand(),
		createEraseCommand(),
		createResizeCommand(),
		createBackupCommand(),
		createSimpleMBRCommand(),
	)
	return rootCmd
}

// diskNameFor derives the session's disk name from the image path, the
// handle backup files and display names key on.
func diskNameFor(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func openDisk(path string, readOnly bool) (*diskio.Disk, error) {
	if readOnly {
		return diskio.OpenReadOnly(diskNameFor(path), path, sectorSize)
	}
	return diskio.Open(diskNameFor(path), path, sectorSize)
}

func openSession(path string, readOnly bool) (*orchestrator.Session, error) {
	disk, err := openDisk(path, readOnly)
	if err != nil {
		return nil, err
	}
	s, err := orchestrator.Open(disk, readOnly)
	if err != nil {
		disk.Close()
		return nil, err
	}
	return s, nil
}

// commit writes the session's pending changes unless --dry-run is set,
// using --fix-chs as the one-shot repair consent.
func commit(s *orchestrator.Session) error {
	if dryRun {
		logger.Logger().Infof("dry run: %d pending changes not written", s.Table.PendingChanges)
		s.Quit()
		return nil
	}
	err := s.Write(func(found []slicemodel.Discrepancy) bool {
		for _, d := range found {
			logger.Logger().Warnf("slice %d: stored %s %v disagrees with computed %v",
				d.SliceIndex, d.Field, d.Stored, d.Computed)
		}
		return fixCHS
	})
	if err != nil {
		return err
	}
	display.PrintWriteSummary(s.Disk.Name, len(s.Table.RawSlices()), true)
	return nil
}

// clearDiskTable implements the -o startup flag: replace the named
// disk's label with an empty MBR table and write it.
func clearDiskTable(path string) error {
	disk, err := openDisk(path, false)
	if err != nil {
		return err
	}
	defer disk.Close()
	s, err := orchestrator.OpenBlank(disk, "mbr")
	if err != nil {
		return err
	}
	return commit(s)
}
