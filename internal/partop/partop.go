// Package partop implements the Partition Operations:
// create, delete, resize, move, copy/paste, erase, set-active, set-type,
// hide, reorder, paste-from-clipboard, write-simple-MBR, restore-backup
// operations, each run against an in-memory slicemodel.Table.
package partop

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/partitool/diskpart/internal/backupstore"
	"github.com/partitool/diskpart/internal/config"
	"github.com/partitool/diskpart/internal/diskio"
	"github.com/partitool/diskpart/internal/label"
	"github.com/partitool/diskpart/internal/progress"
	"github.com/partitool/diskpart/internal/rawcopy"
	"github.com/partitool/diskpart/internal/slicemodel"
	"github.com/partitool/diskpart/internal/utils/logger"
)

var log = logger.Logger()

// ErrMounted is returned by the mounted check that runs before any
// operation mutating on-disk data, when the user's
// MountDecision callback chooses Cancel.
var ErrMounted = fmt.Errorf("partop: slice is mounted, operation cancelled")

// MountDecision is the user's choice when a targeted slice is mounted.
type MountDecision int

const (
	MountCancel MountDecision = iota
	MountIgnore
	MountUnmount
)

// MountChecker reports whether the slice starting at startLBA is
// currently mounted, and if so asks the caller to decide how to proceed.
type MountChecker func(startLBA uint64) (mounted bool, decide func() MountDecision)

func checkMounted(checker MountChecker, startLBA uint64) error {
	if checker == nil {
		return nil
	}
	mounted, decide := checker(startLBA)
	if !mounted {
		return nil
	}
	switch decide() {
	case MountUnmount, MountIgnore:
		return nil
	default:
		return ErrMounted
	}
}

// Clipboard is the single optional (slice, source-disk) pair used by
// copy/paste. Last write wins.
type Clipboard struct {
	valid      bool
	slice      label.RawSlice
	sourceDisk *diskio.Disk
}

func (c *Clipboard) Copy(disk *diskio.Disk, s label.RawSlice) {
	c.valid = true
	c.slice = s
	c.sourceDisk = disk
}

func (c *Clipboard) Empty() bool { return !c.valid }

// Create makes a new slice in the empty space at emptyIndex: it takes
// a cylinder range within the empty slice's bounds, determines table
// order (primary gets the first free primary index; logical inserts
// based on neighboring logicals), sets the codec's default type, and
// leaves type selection to a subsequent SetType call; cancellation of
// that step is the caller's responsibility (it can simply call Delete
// on the returned index).
func Create(t *slicemodel.Table, emptyIndex int, wantKind label.Kind, startCyl, endCyl uint32) (int, error) {
	if emptyIndex < 0 || emptyIndex >= len(t.Slices) {
		return -1, fmt.Errorf("create: empty index %d out of range", emptyIndex)
	}
	empty := t.Slices[emptyIndex]
	if empty.Raw.Kind != label.KindEmpty {
		return -1, fmt.Errorf("create: slice %d is not empty space", emptyIndex)
	}

	// CanCreate indexes the full list, empty slices included.
	all := make([]label.RawSlice, len(t.Slices))
	for i, s := range t.Slices {
		all[i] = s.Raw
	}
	can := t.Codec.CanCreate(all, emptyIndex)
	if can == label.CanCreateNone {
		return -1, fmt.Errorf("create: no slice can be created in this space")
	}
	switch wantKind {
	case label.KindPrimary:
		if can != label.CanCreatePrimary && can != label.CanCreateAny {
			return -1, fmt.Errorf("create: primary not permitted here")
		}
	case label.KindLogical:
		if can != label.CanCreateLogical && can != label.CanCreateAny {
			return -1, fmt.Errorf("create: logical not permitted here")
		}
		if startCyl == 0 {
			return -1, fmt.Errorf("create: a logical slice cannot start on cylinder 0")
		}
	default:
		return -1, fmt.Errorf("create: must choose primary or logical")
	}

	if startCyl < empty.Raw.StartCHS.Cylinder || endCyl > empty.Raw.EndCHS.Cylinder || startCyl > endCyl {
		return -1, fmt.Errorf("create: cylinder range [%d,%d] outside empty space [%d,%d]", startCyl, endCyl, empty.Raw.StartCHS.Cylinder, empty.Raw.EndCHS.Cylinder)
	}

	chsSectors := t.Geometry.CylinderSectors()
	startLBA := uint64(startCyl) * chsSectors
	endLBA := (uint64(endCyl)+1)*chsSectors - 1
	if wantKind == label.KindLogical {
		startLBA += uint64(t.Geometry.SectorsPerTrack) // reserve first track
	}

	rs := label.RawSlice{
		Kind:     wantKind,
		StartLBA: startLBA,
		SizeLBA:  endLBA - startLBA + 1,
	}
	def := t.Codec.DefaultType()
	rs.Tag = def.Tag
	rs.TypeGUID = def.TypeGUID
	if rs.TypeGUID != (uuid.UUID{}) {
		rs.PartGUID = uuid.New()
	}
	if m, ok := t.Codec.(interface{ RecomputeCHS(*label.RawSlice) }); ok {
		m.RecomputeCHS(&rs)
	}

	newSlice := slicemodel.Slice{Raw: rs}
	t.Slices = append(t.Slices[:emptyIndex], append([]slicemodel.Slice{newSlice}, t.Slices[emptyIndex+1:]...)...)
	renumber(t)
	t.UpdateEmptySlices()
	t.PendingChanges++

	for i, s := range t.Slices {
		if s.Raw.StartLBA == startLBA && s.Raw.Kind == wantKind {
			return i, nil
		}
	}
	return -1, fmt.Errorf("create: internal error locating new slice")
}

// renumber reassigns Order fields per-scheme (primary order and logical
// order tracked independently), the bookkeeping create and delete both
// require.
func renumber(t *slicemodel.Table) {
	primaryOrder, logicalOrder := 0, 0
	for i := range t.Slices {
		s := &t.Slices[i]
		switch s.Raw.Kind {
		case label.KindPrimary:
			s.Raw.Order = primaryOrder
			primaryOrder++
		case label.KindLogical:
			s.Raw.Order = logicalOrder
			logicalOrder++
		}
	}
}

// Delete removes the slice at sliceIndex and renumbers every later
// slice in the same scheme.
func Delete(t *slicemodel.Table, checker MountChecker, sliceIndex int) error {
	if sliceIndex < 0 || sliceIndex >= len(t.Slices) {
		return fmt.Errorf("delete: index %d out of range", sliceIndex)
	}
	s := t.Slices[sliceIndex]
	if s.Raw.Kind == label.KindEmpty {
		return fmt.Errorf("delete: slice %d is empty space", sliceIndex)
	}
	if err := checkMounted(checker, s.Raw.StartLBA); err != nil {
		return err
	}
	wasActive := s.Raw.Flags&label.FlagBootable != 0
	t.Slices = append(t.Slices[:sliceIndex], t.Slices[sliceIndex+1:]...)
	renumber(t)
	t.UpdateEmptySlices()
	t.PendingChanges++
	if wasActive {
		log.Warnf("delete: removed the active/bootable slice at index %d", sliceIndex)
	}
	return nil
}

// SetActive toggles the bootable flag on sliceIndex, clearing it on
// every other used slice.
func SetActive(t *slicemodel.Table, sliceIndex int) error {
	if !t.Codec.HasActiveFlag() {
		return fmt.Errorf("set active: %s has no active/bootable concept", t.Codec.Name())
	}
	if sliceIndex < 0 || sliceIndex >= len(t.Slices) || t.Slices[sliceIndex].Raw.Kind == label.KindEmpty {
		return fmt.Errorf("set active: index %d is not a used slice", sliceIndex)
	}
	wasActive := t.Slices[sliceIndex].Raw.Flags&label.FlagBootable != 0
	for i := range t.Slices {
		t.Slices[i].Raw.Flags &^= label.FlagBootable
	}
	if !wasActive {
		t.Slices[sliceIndex].Raw.Flags |= label.FlagBootable
	}
	t.PendingChanges++
	return nil
}

// Hide toggles the hidden/visible tag pair on sliceIndex.
func Hide(t *slicemodel.Table, sliceIndex int) error {
	if sliceIndex < 0 || sliceIndex >= len(t.Slices) {
		return fmt.Errorf("hide: index %d out of range", sliceIndex)
	}
	s := &t.Slices[sliceIndex].Raw
	if !t.Codec.CanHide(*s) {
		return fmt.Errorf("hide: slice type does not support hide/unhide")
	}
	t.Codec.Hide(s)
	t.PendingChanges++
	return nil
}

// SetType applies Codec.ListTypes()[typeIndex] to sliceIndex.
func SetType(t *slicemodel.Table, sliceIndex, typeIndex int) error {
	if sliceIndex < 0 || sliceIndex >= len(t.Slices) {
		return fmt.Errorf("set type: index %d out of range", sliceIndex)
	}
	if err := t.Codec.SetType(&t.Slices[sliceIndex].Raw, typeIndex); err != nil {
		return err
	}
	t.PendingChanges++
	return nil
}

// Reorder swaps two adjacent primary/GPT entries in the slice list and
// their Order fields without moving any payload data.
func Reorder(t *slicemodel.Table, index int) error {
	if index < 0 || index+1 >= len(t.Slices) {
		return fmt.Errorf("reorder: index %d has no next neighbor", index)
	}
	a, b := &t.Slices[index].Raw, &t.Slices[index+1].Raw
	if a.Kind == label.KindEmpty || b.Kind == label.KindEmpty {
		return fmt.Errorf("reorder: empty space cannot be reordered")
	}
	if a.Kind != b.Kind {
		return fmt.Errorf("reorder: cannot swap across primary/logical scheme")
	}
	a.Order, b.Order = b.Order, a.Order
	t.Slices[index], t.Slices[index+1] = t.Slices[index+1], t.Slices[index]
	t.PendingChanges++
	return nil
}

// DeleteAll empties the slice list.
func DeleteAll(t *slicemodel.Table) {
	t.Slices = nil
	t.UpdateEmptySlices()
	t.PendingChanges++
}

// Copy snapshots sliceIndex and its source disk into clip.
func Copy(t *slicemodel.Table, disk *diskio.Disk, clip *Clipboard, sliceIndex int) error {
	if sliceIndex < 0 || sliceIndex >= len(t.Slices) || t.Slices[sliceIndex].Raw.Kind == label.KindEmpty {
		return fmt.Errorf("copy: index %d is not a used slice", sliceIndex)
	}
	clip.Copy(disk, t.Slices[sliceIndex].Raw)
	return nil
}

// Paste copies the clipboard slice's payload into destEmptyIndex's empty
// space and creates a matching new slice. For
// FAT payloads the BPB's geometry fields are overwritten to match the
// destination.
func Paste(ctx context.Context, t *slicemodel.Table, destDisk *diskio.Disk, clip *Clipboard, destEmptyIndex int, fixFATGeometry func(disk *diskio.Disk, startLBA uint64) error, prog *progress.Progress) (int, error) {
	if clip.Empty() {
		return -1, fmt.Errorf("paste: clipboard is empty")
	}
	if destEmptyIndex < 0 || destEmptyIndex >= len(t.Slices) {
		return -1, fmt.Errorf("paste: index %d out of range", destEmptyIndex)
	}
	empty := t.Slices[destEmptyIndex]
	if empty.Raw.Kind != label.KindEmpty {
		return -1, fmt.Errorf("paste: destination %d is not empty space", destEmptyIndex)
	}
	if empty.Raw.SizeLBA < clip.slice.SizeLBA {
		return -1, fmt.Errorf("paste: destination space too small (%d < %d sectors)", empty.Raw.SizeLBA, clip.slice.SizeLBA)
	}

	destStart := empty.Raw.StartLBA
	err := diskio.WithCacheDisabled(ctx, []*diskio.Disk{clip.sourceDisk, destDisk}, func(ctx context.Context) error {
		return rawcopy.Copy(rawcopy.Request{
			Src: clip.sourceDisk, Dst: destDisk,
			SrcStartLBA: clip.slice.StartLBA, DstStartLBA: destStart,
			SectorCount: clip.slice.SizeLBA, SectorSize: destDisk.SectorSize,
			Direction: rawcopy.Forward, Progress: prog,
		})
	})
	if err != nil {
		return -1, fmt.Errorf("paste: %w", err)
	}

	endCyl := chsForLBA(t, destStart+clip.slice.SizeLBA-1).Cylinder
	idx, cerr := Create(t, destEmptyIndex, normalizedKind(clip.slice.Kind), chsForLBA(t, destStart).Cylinder, endCyl)
	if cerr != nil {
		return -1, cerr
	}
	t.Slices[idx].Raw.Tag = clip.slice.Tag
	t.Slices[idx].Raw.TypeGUID = clip.slice.TypeGUID

	if fixFATGeometry != nil {
		if ferr := fixFATGeometry(destDisk, destStart); ferr != nil {
			log.Warnf("paste: fix FAT BPB geometry: %v", ferr)
		}
	}
	return idx, nil
}

func normalizedKind(k label.Kind) label.Kind {
	if k == label.KindLogical {
		return label.KindLogical
	}
	return label.KindPrimary
}

func chsForLBA(t *slicemodel.Table, lba uint64) label.CHS {
	rs := label.RawSlice{StartLBA: lba, SizeLBA: 1}
	if m, ok := t.Codec.(interface{ RecomputeCHS(*label.RawSlice) }); ok {
		m.RecomputeCHS(&rs)
	}
	return rs.StartCHS
}

// Move relocates a slice's payload to a new start cylinder immediately
// (requires no other pending changes), chooses a copy direction so
// overlapping source/destination ranges never clobber unread source
// data, and writes the table as soon as the payload copy finishes.
func Move(ctx context.Context, t *slicemodel.Table, disk *diskio.Disk, sliceIndex int, newStartCyl uint32, prog *progress.Progress, writeTable func() error) error {
	if t.PendingChanges != 0 {
		return fmt.Errorf("move: requires no other pending changes")
	}
	if sliceIndex < 0 || sliceIndex >= len(t.Slices) {
		return fmt.Errorf("move: index %d out of range", sliceIndex)
	}
	s := t.Slices[sliceIndex]
	if s.Raw.Kind == label.KindEmpty {
		return fmt.Errorf("move: index %d is not a used slice", sliceIndex)
	}
	if s.Raw.Kind == label.KindLogical && newStartCyl == 0 {
		return fmt.Errorf("move: a logical slice may not move to cylinder 0")
	}

	chsSectors := t.Geometry.CylinderSectors()
	newStartLBA := uint64(newStartCyl) * chsSectors
	if s.Raw.Kind == label.KindLogical {
		newStartLBA += uint64(t.Geometry.SectorsPerTrack)
	}
	sizeLBA := s.Raw.SizeLBA
	oldStartLBA := s.Raw.StartLBA

	dir := rawcopy.Forward
	guard := 0
	if newStartLBA > oldStartLBA {
		dir = rawcopy.Backward
		// While the next chunk would still overwrite source sectors not
		// yet read, cancellation is refused; we conservatively guard the whole operation when
		// source/destination overlap.
		if newStartLBA < oldStartLBA+sizeLBA {
			guard = int(sizeLBA)
		}
	} else if newStartLBA < oldStartLBA && newStartLBA+sizeLBA > oldStartLBA {
		guard = int(sizeLBA)
	}

	err := diskio.WithCacheDisabled(ctx, []*diskio.Disk{disk}, func(ctx context.Context) error {
		return rawcopy.Copy(rawcopy.Request{
			Src: disk, Dst: disk,
			SrcStartLBA: oldStartLBA, DstStartLBA: newStartLBA,
			SectorCount: sizeLBA, SectorSize: disk.SectorSize,
			Direction: dir, Progress: prog, OverlapGuardChunks: guard,
		})
	})
	if err != nil {
		return fmt.Errorf("move: %w", err)
	}

	t.Slices[sliceIndex].Raw.StartLBA = newStartLBA
	if m, ok := t.Codec.(interface{ RecomputeCHS(*label.RawSlice) }); ok {
		m.RecomputeCHS(&t.Slices[sliceIndex].Raw)
	}
	t.UpdateEmptySlices()

	if writeTable != nil {
		return writeTable()
	}
	return nil
}

// CopyDisk clones a disk: raw-copies [0,
// lastUsedSector] to destDisk via the concurrent pipeline. It does not
// adjust slices that fall outside the destination's geometry;
// TruncateOutOfRange does that.
func CopyDisk(ctx context.Context, src *slicemodel.Table, srcDisk, dstDisk *diskio.Disk, prog *progress.Progress) error {
	lastUsed := uint64(0)
	for _, s := range src.Slices {
		if s.Raw.Kind != label.KindEmpty && s.Raw.EndLBA() > lastUsed {
			lastUsed = s.Raw.EndLBA()
		}
	}
	if dstDisk.TotalSectors() <= lastUsed {
		return fmt.Errorf("copy disk: destination (%d sectors) smaller than source's used range (%d sectors)", dstDisk.TotalSectors(), lastUsed+1)
	}
	err := diskio.WithCacheDisabled(ctx, []*diskio.Disk{srcDisk, dstDisk}, func(ctx context.Context) error {
		return rawcopy.Copy(rawcopy.Request{
			Src: srcDisk, Dst: dstDisk,
			SrcStartLBA: 0, DstStartLBA: 0,
			SectorCount: lastUsed + 1, SectorSize: dstDisk.SectorSize,
			Direction: rawcopy.Forward, Progress: prog,
		})
	})
	if err != nil {
		return fmt.Errorf("copy disk: %w", err)
	}
	return nil
}

// TruncateOutOfRange deletes or shrinks any slice in t that no longer
// fits the (possibly smaller) destination geometry, the cleanup pass
// after cloning onto smaller media.
func TruncateOutOfRange(t *slicemodel.Table, newTotalSectors uint64) {
	lastUsable := t.Codec.LastUsableLBA(newTotalSectors)
	var kept []slicemodel.Slice
	for _, s := range t.Slices {
		if s.Raw.Kind == label.KindEmpty {
			continue
		}
		if s.Raw.StartLBA > lastUsable {
			continue // fully outside: delete
		}
		if s.Raw.EndLBA() > lastUsable {
			s.Raw.SizeLBA = lastUsable - s.Raw.StartLBA + 1
			if m, ok := t.Codec.(interface{ RecomputeCHS(*label.RawSlice) }); ok {
				m.RecomputeCHS(&s.Raw)
			}
		}
		kept = append(kept, s)
	}
	t.Slices = kept
	t.TotalSectors = newTotalSectors
	renumber(t)
	t.UpdateEmptySlices()
	t.PendingChanges++
}

// EraseLevel picks how many overwrite passes Erase performs: its
// numeric value is the pass count.
type EraseLevel int

const (
	EraseBasic         EraseLevel = 1
	EraseSecure        EraseLevel = 3
	EraseMoreSecure    EraseLevel = 5
	EraseMostSecure    EraseLevel = 7
)

// Erase overwrites [startLBA, startLBA+sizeLBA) one cylinder at a time,
// int(level) times, cancellable between cylinders. It does not touch the
// partition table; clearing the label after a whole-disk erase is left
// to the caller.
func Erase(ctx context.Context, disk *diskio.Disk, startLBA, sizeLBA uint64, level EraseLevel, prog *progress.Progress) error {
	chsSectors := disk.Geometry.CHSSectorCount()
	if chsSectors == 0 {
		chsSectors = sizeLBA
	}
	blank := make([]byte, chsSectors*uint64(disk.SectorSize))
	for pass := 0; pass < int(level); pass++ {
		for off := uint64(0); off < sizeLBA; off += chsSectors {
			if prog.Cancelled() {
				return fmt.Errorf("erase: cancelled")
			}
			n := chsSectors
			if off+n > sizeLBA {
				n = sizeLBA - off
			}
			if err := disk.WriteSectors(startLBA+off, blank[:n*uint64(disk.SectorSize)]); err != nil {
				return fmt.Errorf("erase: write at LBA %d: %w", startLBA+off, err)
			}
			prog.Advance(n, fmt.Sprintf("erase pass %d/%d", pass+1, level))
		}
	}
	prog.Complete()
	return nil
}

// WriteSimpleMBR overwrites
// bytes 0..445 of sector 0 with the canned boot-loader blob loaded from
// config.SimpleMBRPath, preserving the partition table and signature.
// Requires no pending changes.
func WriteSimpleMBR(t *slicemodel.Table, disk *diskio.Disk) error {
	if t.PendingChanges != 0 {
		return fmt.Errorf("write simple MBR: requires no pending changes")
	}
	path, err := config.SimpleMBRPath()
	if err != nil {
		return err
	}
	blob, err := readBootBlob(path)
	if err != nil {
		return err
	}
	sec, err := disk.ReadSectors(0, 1)
	if err != nil {
		return err
	}
	copy(sec[0:446], blob)
	return disk.WriteSectors(0, sec)
}

// readBootBlob is overridden in tests via a package-level var to avoid
// real file I/O.
var readBootBlob = func(path string) ([]byte, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, fmt.Errorf("read simple MBR blob %s: %w", path, err)
	}
	if len(data) < 446 {
		padded := make([]byte, 446)
		copy(padded, data)
		return padded, nil
	}
	return data[:446], nil
}

// readFile is a thin indirection so tests can stub file access without
// importing os directly into this file's test doubles.
var readFile = defaultReadFile

// RestoreBackup reads the
// per-disk backup file, replaces the raw-slice list, and rebuilds the
// derived Slice view, leaving the result as pending changes.
func RestoreBackup(t *slicemodel.Table, diskName string) error {
	raws, err := backupstore.Read(diskName)
	if err != nil {
		return err
	}
	t.Slices = make([]slicemodel.Slice, 0, len(raws))
	for _, r := range raws {
		t.Slices = append(t.Slices, slicemodel.Slice{Raw: r})
	}
	t.UpdateEmptySlices()
	t.PendingChanges++
	return nil
}
