package display

import (
	"fmt"

	"github.com/partitool/diskpart/internal/slicemodel"
	"github.com/partitool/diskpart/internal/utils/logger"
)

// PrintDiskSummary displays a disk's geometry and its full slice list
// This is called after a table is read or mutated to show the user what
// the label currently holds
func PrintDiskSummary(t *slicemodel.Table) {
	log := logger.Logger()

	log.Infof("Disk %s: %d sectors, %d cylinders, %d heads, %d sectors/track",
		t.DiskName, t.TotalSectors, t.Geometry.Cylinders, t.Geometry.Heads, t.Geometry.SectorsPerTrack)
	log.Infof("Label: %s, pending changes: %d", t.Codec.Name(), t.PendingChanges)

	log.Info("")
	log.Infof("  %-12s %-24s %-10s %-11s %10s %s", "Name", "Type", "Filesystem", "Cylinders", "Size", "Attributes")

	for i := range t.Slices {
		log.Infof("  %s", t.DescriptionLine(i))
	}
	log.Info("")
}

// PrintWriteSummary prints the highlighted confirmation box shown after a
// successful table write and backup promotion
func PrintWriteSummary(diskName string, sliceCount int, backupPromoted bool) {
	log := logger.Logger()

	log.Info("")
	log.Info("╔════════════════════════════════════════════════════════════════════════════╗")
	log.Info("║                    ✓ PARTITION TABLE WRITTEN                               ║")
	log.Info("╚════════════════════════════════════════════════════════════════════════════╝")
	log.Info("")
	log.Infof("  Disk:   %s", diskName)
	log.Infof("  Slices: %d", sliceCount)
	if backupPromoted {
		log.Info("  Backup: promoted to permanent")
	} else {
		log.Info("  Backup: not promoted")
	}
	log.Info("")
}

// FormatSectorSize renders a sector count as a human-readable size string
func FormatSectorSize(sectors uint64, sectorSize int64) string {
	bytes := float64(sectors) * float64(sectorSize)
	sizeMB := bytes / (1024 * 1024)
	if sizeMB > 1024 {
		return fmt.Sprintf("%.2f GB", sizeMB/1024)
	}
	return fmt.Sprintf("%.2f MB", sizeMB)
}
