// Package slicemodel implements the Slice Model: the
// derived, gap-free view that unifies a label's used raw slices with
// synthesized empty-space entries, plus the description-line renderer
// and the CHS consistency check.
package slicemodel

import (
	"fmt"

	"github.com/partitool/diskpart/internal/fsprobe"
	"github.com/partitool/diskpart/internal/label"
)

// Slice is the view entity the operations work on: one raw slice plus
// derived display fields.
type Slice struct {
	Raw          label.RawSlice
	DisplayName  string
	FSType       string
	CanResize    bool
	CanResizeWithConstraints bool
	CanDefrag    bool
}

// Table is the in-memory partition table the Partition Operations layer
// mutates. Geometry and TotalSectors are label-neutral;
// the chosen Codec interprets slices in its own scheme.
type Table struct {
	DiskName     string
	TotalSectors uint64
	Geometry     label.Geometry
	Codec        label.Codec

	Slices        []Slice
	SelectedIndex int
	PendingChanges int
	BackupAvailable bool
}

// NewTable derives a Table's Slice view from a codec's just-read raw
// slices.
func NewTable(diskName string, totalSectors uint64, geom label.Geometry, codec label.Codec, raw []label.RawSlice) *Table {
	t := &Table{DiskName: diskName, TotalSectors: totalSectors, Geometry: geom, Codec: codec}
	t.Slices = make([]Slice, 0, len(raw))
	for _, r := range raw {
		t.Slices = append(t.Slices, Slice{Raw: r})
	}
	t.UpdateEmptySlices()
	return t
}

// RawSlices returns the used raw slices in label order (empties dropped),
// the form Codec.WriteTable expects.
func (t *Table) RawSlices() []label.RawSlice {
	out := make([]label.RawSlice, 0, len(t.Slices))
	for _, s := range t.Slices {
		if s.Raw.Kind != label.KindEmpty {
			out = append(out, s.Raw)
		}
	}
	return out
}

// UpdateEmptySlices removes every existing empty slice and re-derives
// them from the gaps between used slices and the disk boundaries.
// Idempotent: applying it twice equals applying it once.
func (t *Table) UpdateEmptySlices() {
	used := make([]Slice, 0, len(t.Slices))
	for _, s := range t.Slices {
		if s.Raw.Kind != label.KindEmpty {
			used = append(used, s)
		}
	}
	sortByStartLBA(used)

	firstUsable := t.Codec.FirstUsableLBA(t.TotalSectors)
	lastUsable := t.Codec.LastUsableLBA(t.TotalSectors)

	var out []Slice
	cursor := firstUsable
	for _, s := range used {
		if s.Raw.StartLBA > cursor {
			out = append(out, t.emptySlice(cursor, s.Raw.StartLBA-1))
		}
		out = append(out, s)
		next := s.Raw.EndLBA() + 1
		if next > cursor {
			cursor = next
		}
	}
	if cursor <= lastUsable {
		out = append(out, t.emptySlice(cursor, lastUsable))
	}
	t.Slices = out
}

func (t *Table) emptySlice(startLBA, endLBA uint64) Slice {
	rs := label.RawSlice{
		Kind:     label.KindEmpty,
		StartLBA: startLBA,
		SizeLBA:  endLBA - startLBA + 1,
	}
	if m, ok := t.Codec.(interface{ RecomputeCHS(*label.RawSlice) }); ok {
		m.RecomputeCHS(&rs)
	}
	return Slice{Raw: rs}
}

func sortByStartLBA(s []Slice) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j].Raw.StartLBA < s[j-1].Raw.StartLBA; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// Refresh re-probes every used slice's filesystem type and capability
// flags via the external fsprobe collaborator.
func (t *Table) Refresh(probe func(startLBA uint64) (fsprobe.Result, error)) error {
	for i := range t.Slices {
		s := &t.Slices[i]
		if s.Raw.Kind == label.KindEmpty {
			s.DisplayName = ""
			continue
		}
		res, err := probe(s.Raw.StartLBA)
		if err != nil {
			return fmt.Errorf("probe slice at LBA %d: %w", s.Raw.StartLBA, err)
		}
		s.FSType = res.FSType
		s.CanResize = res.Flags.CanResize || res.FSType == "ntfs"
		s.CanResizeWithConstraints = res.FSType == "ntfs"
		s.CanDefrag = res.FSType == "ntfs" || res.FSType == "vfat"
	}
	t.assignDisplayNames()
	return nil
}

// assignDisplayNames builds the "letter suffix on the disk name by MBR
// order, or ordinal for GPT" display column.
func (t *Table) assignDisplayNames() {
	n := 1
	for i := range t.Slices {
		s := &t.Slices[i]
		if s.Raw.Kind == label.KindEmpty {
			continue
		}
		if t.Codec.SupportsTags() {
			s.DisplayName = fmt.Sprintf("%s%c", t.DiskName, 'a'+n-1)
		} else {
			s.DisplayName = fmt.Sprintf("%s-part%d", t.DiskName, n)
		}
		n++
	}
}

// DescriptionLine renders the fixed-width multi-field text line the UI
// consumes for one slice index.
func (t *Table) DescriptionLine(i int) string {
	if i < 0 || i >= len(t.Slices) {
		return ""
	}
	s := t.Slices[i]
	if s.Raw.Kind == label.KindEmpty {
		mb := sectorsToMB(s.Raw.SizeLBA, 512)
		return fmt.Sprintf("%-12s %-24s %-10s %5d-%-5d %8dMB", "", "Free Space", "", s.Raw.StartCHS.Cylinder, s.Raw.EndCHS.Cylinder, mb)
	}
	attrs := s.Raw.Kind.String()
	if s.Raw.Flags&label.FlagBootable != 0 {
		attrs += "/active"
	}
	mb := sectorsToMB(s.Raw.SizeLBA, 512)
	return fmt.Sprintf("%-12s %-24s %-10s %5d-%-5d %8dMB %s",
		s.DisplayName, t.Codec.DescribeSlice(s.Raw), s.FSType, s.Raw.StartCHS.Cylinder, s.Raw.EndCHS.Cylinder, mb, attrs)
}

// sectorsToMB rounds up to the next whole MB.
func sectorsToMB(sectors uint64, sectorSize uint64) uint64 {
	bytes := sectors * sectorSize
	const mb = 1 << 20
	return (bytes + mb - 1) / mb
}

// Discrepancy is one consistency-check finding.
type Discrepancy struct {
	SliceIndex int
	Field      string // "startCHS" or "endCHS"
	Stored     label.CHS
	Computed   label.CHS
}

// ConsistencyCheck recomputes startCHS/endCHS for every used slice and
// reports where the stored value disagrees with what the geometry
// implies, unless the stored value is the all-ones sentinel and the
// LBA exceeds the 1023-cylinder threshold, which is not a discrepancy.
// When fix is true, discrepant
// fields are corrected in place and the pending-change counter bumped
// once per fix.
func (t *Table) ConsistencyCheck(fix bool) []Discrepancy {
	recomputer, ok := t.Codec.(interface{ RecomputeCHS(*label.RawSlice) })
	if !ok {
		return nil
	}
	var out []Discrepancy
	for i := range t.Slices {
		s := &t.Slices[i]
		if s.Raw.Kind == label.KindEmpty {
			continue
		}
		want := s.Raw
		recomputer.RecomputeCHS(&want)

		if !chsAcceptable(s.Raw.StartCHS, want.StartCHS) {
			out = append(out, Discrepancy{SliceIndex: i, Field: "startCHS", Stored: s.Raw.StartCHS, Computed: want.StartCHS})
			if fix {
				s.Raw.StartCHS = want.StartCHS
				t.PendingChanges++
			}
		}
		if !chsAcceptable(s.Raw.EndCHS, want.EndCHS) {
			out = append(out, Discrepancy{SliceIndex: i, Field: "endCHS", Stored: s.Raw.EndCHS, Computed: want.EndCHS})
			if fix {
				s.Raw.EndCHS = want.EndCHS
				t.PendingChanges++
			}
		}
	}
	return out
}

// chsAcceptable reports equality or the documented sentinel exception:
// a cylinder stored at or above 1023 with an LBA whose true cylinder
// also exceeds that threshold is not corrupt, just clamped.
func chsAcceptable(stored, computed label.CHS) bool {
	if stored == computed {
		return true
	}
	return stored.Cylinder >= 1023 && computed.Cylinder >= 1023
}

// VerifyTiling asserts the tiling invariant: the
// concatenation of slice ranges in LBA order, including empty slices,
// exactly tiles [firstUsable, lastUsable] with no gaps or overlaps.
func (t *Table) VerifyTiling() error {
	firstUsable := t.Codec.FirstUsableLBA(t.TotalSectors)
	lastUsable := t.Codec.LastUsableLBA(t.TotalSectors)
	cursor := firstUsable
	for i, s := range t.Slices {
		if s.Raw.StartLBA != cursor {
			return fmt.Errorf("slice %d: gap or overlap at LBA %d, expected %d", i, s.Raw.StartLBA, cursor)
		}
		cursor = s.Raw.EndLBA() + 1
	}
	if cursor != lastUsable+1 {
		return fmt.Errorf("slice list ends at LBA %d, expected %d", cursor-1, lastUsable)
	}
	return nil
}

// OneBootable reports whether at most one used slice carries the
// bootable flag.
func (t *Table) OneBootable() bool {
	n := 0
	for _, s := range t.Slices {
		if s.Raw.Flags&label.FlagBootable != 0 {
			n++
		}
	}
	return n <= 1
}
