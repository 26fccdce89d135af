// Package orchestrator sequences a user-chosen operation against one
// disk: label detection, table reads, the commit sequence for writes,
// and the filesystem-aware resize path.
package orchestrator

import (
	"fmt"

	"github.com/partitool/diskpart/internal/backupstore"
	"github.com/partitool/diskpart/internal/diskio"
	"github.com/partitool/diskpart/internal/label"
	"github.com/partitool/diskpart/internal/label/gpt"
	"github.com/partitool/diskpart/internal/label/mbr"
	"github.com/partitool/diskpart/internal/progress"
	"github.com/partitool/diskpart/internal/slicemodel"
	"github.com/partitool/diskpart/internal/utils/logger"
)

var log = logger.Logger()

// ErrCancelled is returned when the user declines a required repair or
// cancels a commit; distinct from I/O and layout errors.
var ErrCancelled = fmt.Errorf("operation cancelled")

// Session holds one open disk, its detected label, and the derived
// table the partition operations mutate.
type Session struct {
	Disk     *diskio.Disk
	Table    *slicemodel.Table
	ReadOnly bool

	// fixDeclined latches "the user was asked once and said no" for the
	// read-time repair prompt; declined fixes are not re-offered within
	// the session.
	fixDeclined bool
}

// Open probes disk for a label (GPT before MBR, because a GPT disk
// carries a legal protective MBR that would otherwise satisfy MBR
// detection), reads the table, derives the slice view,
// and drops a temporary backup when the session is read-write.
func Open(disk *diskio.Disk, readOnly bool) (*Session, error) {
	geom := label.Geometry{
		Cylinders:       disk.Geometry.Cylinders,
		Heads:           disk.Geometry.Heads,
		SectorsPerTrack: disk.Geometry.SectorsPerTrack,
	}

	var codec label.Codec
	gptCodec := gpt.New()
	if ok, err := gptCodec.Detect(disk); err != nil {
		return nil, fmt.Errorf("probe %s for GPT: %w", disk.Name, err)
	} else if ok {
		codec = gptCodec
	} else {
		mbrCodec := mbr.New(geom)
		if ok, err := mbrCodec.Detect(disk); err != nil {
			return nil, fmt.Errorf("probe %s for MBR: %w", disk.Name, err)
		} else if ok {
			codec = mbrCodec
		}
	}
	if codec == nil {
		return nil, fmt.Errorf("disk %s carries no recognizable label", disk.Name)
	}

	raw, err := codec.ReadTable(disk)
	if err != nil {
		if _, damaged := err.(gpt.ErrPrimaryHeaderDamaged); damaged {
			log.Warnf("disk %s: %v", disk.Name, err)
		} else {
			return nil, fmt.Errorf("read %s table on %s: %w", codec.Name(), disk.Name, err)
		}
	}

	t := slicemodel.NewTable(disk.Name, disk.TotalSectors(), geom, codec, raw)
	t.BackupAvailable = backupstore.Available(disk.Name)

	s := &Session{Disk: disk, Table: t, ReadOnly: readOnly}
	if !readOnly {
		if err := backupstore.WriteTemp(disk.Name, t.RawSlices()); err != nil {
			return nil, fmt.Errorf("write temporary backup for %s: %w", disk.Name, err)
		}
	}
	return s, nil
}

// OpenBlank initializes a session with an empty table of the named
// scheme without touching the device, the startup path behind the
// "-o <disk>" clear-table flag.
func OpenBlank(disk *diskio.Disk, scheme string) (*Session, error) {
	geom := label.Geometry{
		Cylinders:       disk.Geometry.Cylinders,
		Heads:           disk.Geometry.Heads,
		SectorsPerTrack: disk.Geometry.SectorsPerTrack,
	}
	var codec label.Codec
	switch scheme {
	case "mbr", "":
		codec = mbr.New(geom)
	case "gpt":
		codec = gpt.New()
	default:
		return nil, fmt.Errorf("unknown label scheme %q", scheme)
	}
	t := slicemodel.NewTable(disk.Name, disk.TotalSectors(), geom, codec, nil)
	t.PendingChanges++
	s := &Session{Disk: disk, Table: t}
	if err := backupstore.WriteTemp(disk.Name, nil); err != nil {
		return nil, fmt.Errorf("write temporary backup for %s: %w", disk.Name, err)
	}
	return s, nil
}

// ConsentFunc is asked once per session when the read-time consistency
// check finds CHS discrepancies; returning true rewrites the stored CHS
// to match the LBA values.
type ConsentFunc func(discrepancies []slicemodel.Discrepancy) bool

// Write runs the commit sequence: consistency check →
// label serialization → device write → device flush → backup promotion
// → clear pending-changes. A failure at any step leaves the pending
// counter non-zero and the promotion undone.
func (s *Session) Write(consent ConsentFunc) error {
	if s.ReadOnly {
		return fmt.Errorf("session on %s is read-only", s.Disk.Name)
	}

	if found := s.Table.ConsistencyCheck(false); len(found) > 0 {
		if s.fixDeclined {
			return fmt.Errorf("table on %s has %d CHS discrepancies and repair was declined", s.Disk.Name, len(found))
		}
		if consent == nil || !consent(found) {
			s.fixDeclined = true
			return fmt.Errorf("table on %s has %d CHS discrepancies, refusing to write", s.Disk.Name, len(found))
		}
		s.Table.ConsistencyCheck(true)
	}
	if err := s.Table.VerifyTiling(); err != nil {
		return fmt.Errorf("table on %s failed layout check: %w", s.Disk.Name, err)
	}
	if !s.Table.OneBootable() {
		return fmt.Errorf("table on %s has more than one bootable slice", s.Disk.Name)
	}

	if err := s.Table.Codec.WriteTable(s.Disk, s.Table.RawSlices()); err != nil {
		return fmt.Errorf("write %s table on %s: %w", s.Table.Codec.Name(), s.Disk.Name, err)
	}
	if err := s.Disk.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", s.Disk.Name, err)
	}

	if err := backupstore.WriteTemp(s.Disk.Name, s.Table.RawSlices()); err != nil {
		return fmt.Errorf("refresh backup for %s: %w", s.Disk.Name, err)
	}
	if err := backupstore.PromoteTemp(s.Disk.Name); err != nil {
		return fmt.Errorf("promote backup for %s: %w", s.Disk.Name, err)
	}
	s.Table.BackupAvailable = true
	s.Table.PendingChanges = 0
	log.Infof("disk %s: %s table written, backup promoted", s.Disk.Name, s.Table.Codec.Name())
	return nil
}

// Quit discards the temporary backup without promoting it, the
// quit-without-writing path.
func (s *Session) Quit() {
	if !s.ReadOnly {
		if err := backupstore.DiscardTemp(s.Disk.Name); err != nil {
			log.Warnf("discard temporary backup for %s: %v", s.Disk.Name, err)
		}
	}
}

// PayloadResizer is the optional filesystem-aware resize hook pair
// (constraints query plus payload resize): absence
// disables filesystem-aware resize but not plain slice resize.
type PayloadResizer interface {
	// Constraints reports the [min, max] sector counts the payload can
	// be resized to, given the largest sector count the enclosing slice
	// could reach.
	Constraints(limitSectors uint64, prog *progress.Progress) (minSectors, maxSectors uint64, err error)

	// Resize changes the payload to newSectors, driving prog.
	Resize(newSectors uint64, prog *progress.Progress) error
}

// ResizeSlice resizes sliceIndex to newSizeSectors. The new size must
// fit between the slice's own start and the end of any empty space
// immediately following it. When a PayloadResizer is supplied, a shrink
// resizes the payload before the slice geometry and a grow reverses
// that order, so the filesystem never extends past its container.
func (s *Session) ResizeSlice(sliceIndex int, newSizeSectors uint64, payload PayloadResizer, prog *progress.Progress) error {
	t := s.Table
	if sliceIndex < 0 || sliceIndex >= len(t.Slices) {
		return fmt.Errorf("resize: index %d out of range", sliceIndex)
	}
	sl := &t.Slices[sliceIndex]
	if sl.Raw.Kind == label.KindEmpty {
		return fmt.Errorf("resize: index %d is not a used slice", sliceIndex)
	}
	if newSizeSectors == 0 {
		return fmt.Errorf("resize: new size must be non-zero")
	}

	maxSize := sl.Raw.SizeLBA
	if sliceIndex+1 < len(t.Slices) && t.Slices[sliceIndex+1].Raw.Kind == label.KindEmpty {
		maxSize += t.Slices[sliceIndex+1].Raw.SizeLBA
	}
	if newSizeSectors > maxSize {
		return fmt.Errorf("resize: %d sectors exceeds the %d available (slice plus trailing free space)", newSizeSectors, maxSize)
	}

	if payload != nil {
		min, max, err := payload.Constraints(maxSize, prog)
		if err != nil {
			return fmt.Errorf("resize: payload constraints: %w", err)
		}
		if newSizeSectors < min || newSizeSectors > max {
			return fmt.Errorf("resize: %d sectors outside the payload's permitted range [%d, %d]", newSizeSectors, min, max)
		}
	}

	shrinking := newSizeSectors < sl.Raw.SizeLBA
	if payload != nil && shrinking {
		if err := payload.Resize(newSizeSectors, prog); err != nil {
			return fmt.Errorf("resize: payload shrink: %w", err)
		}
	}

	sl.Raw.SizeLBA = newSizeSectors
	if m, ok := t.Codec.(interface{ RecomputeCHS(*label.RawSlice) }); ok {
		m.RecomputeCHS(&sl.Raw)
	}
	t.UpdateEmptySlices()
	t.PendingChanges++

	if payload != nil && !shrinking {
		if err := payload.Resize(newSizeSectors, prog); err != nil {
			return fmt.Errorf("resize: payload grow: %w", err)
		}
	}
	return nil
}
