package slicemodel

import (
	"strings"
	"testing"

	"github.com/partitool/diskpart/internal/label"
	"github.com/partitool/diskpart/internal/label/mbr"
)

var testGeom = label.Geometry{Cylinders: 100, Heads: 255, SectorsPerTrack: 63}

func newTestTable(t *testing.T, raw []label.RawSlice) *Table {
	t.Helper()
	codec := mbr.New(testGeom)
	for i := range raw {
		codec.RecomputeCHS(&raw[i])
	}
	return NewTable("hd0", 100*testGeom.CylinderSectors(), testGeom, codec, raw)
}

func usedSlice(startCyl, endCyl uint32, tag byte) label.RawSlice {
	chs := testGeom.CylinderSectors()
	return label.RawSlice{
		Kind:     label.KindPrimary,
		Tag:      tag,
		StartLBA: uint64(startCyl) * chs,
		SizeLBA:  uint64(endCyl-startCyl+1) * chs,
	}
}

func TestUpdateEmptySlicesTilesWholeDisk(t *testing.T) {
	tbl := newTestTable(t, []label.RawSlice{
		usedSlice(10, 19, 0x07),
		usedSlice(40, 49, 0x83),
	})

	if err := tbl.VerifyTiling(); err != nil {
		t.Fatalf("VerifyTiling after NewTable: %v", err)
	}

	// Expect empty, used, empty, used, empty.
	kinds := make([]label.Kind, 0, len(tbl.Slices))
	for _, s := range tbl.Slices {
		kinds = append(kinds, s.Raw.Kind)
	}
	want := []label.Kind{label.KindEmpty, label.KindPrimary, label.KindEmpty, label.KindPrimary, label.KindEmpty}
	if len(kinds) != len(want) {
		t.Fatalf("slice kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("slice kinds = %v, want %v", kinds, want)
		}
	}
}

func TestUpdateEmptySlicesIsIdempotent(t *testing.T) {
	tbl := newTestTable(t, []label.RawSlice{usedSlice(5, 24, 0x07)})

	first := make([]label.RawSlice, len(tbl.Slices))
	for i, s := range tbl.Slices {
		first[i] = s.Raw
	}
	tbl.UpdateEmptySlices()
	if len(tbl.Slices) != len(first) {
		t.Fatalf("second pass changed slice count: %d -> %d", len(first), len(tbl.Slices))
	}
	for i, s := range tbl.Slices {
		if s.Raw.StartLBA != first[i].StartLBA || s.Raw.SizeLBA != first[i].SizeLBA {
			t.Fatalf("second pass changed slice %d: %+v -> %+v", i, first[i], s.Raw)
		}
	}
}

func TestConsistencyCheckFixesAndConverges(t *testing.T) {
	tbl := newTestTable(t, []label.RawSlice{usedSlice(5, 24, 0x07)})

	// Corrupt the stored CHS of the used slice.
	for i := range tbl.Slices {
		if tbl.Slices[i].Raw.Kind != label.KindEmpty {
			tbl.Slices[i].Raw.StartCHS = label.CHS{Cylinder: 77, Head: 3, Sector: 9}
		}
	}

	found := tbl.ConsistencyCheck(false)
	if len(found) != 1 {
		t.Fatalf("report-only check found %d discrepancies, want 1", len(found))
	}
	if tbl.PendingChanges != 0 {
		t.Error("report-only check must not raise pending changes")
	}

	fixed := tbl.ConsistencyCheck(true)
	if len(fixed) != 1 {
		t.Fatalf("fixing check found %d discrepancies, want 1", len(fixed))
	}
	if tbl.PendingChanges != 1 {
		t.Errorf("pending changes = %d after one fix, want 1", tbl.PendingChanges)
	}

	// Idempotence: a second check finds nothing.
	if again := tbl.ConsistencyCheck(true); len(again) != 0 {
		t.Errorf("second check found %d discrepancies, want 0", len(again))
	}
}

func TestConsistencyCheckAcceptsSentinel(t *testing.T) {
	bigGeom := label.Geometry{Cylinders: 2000, Heads: 255, SectorsPerTrack: 63}
	codec := mbr.New(bigGeom)
	chs := bigGeom.CylinderSectors()
	raw := label.RawSlice{
		Kind:     label.KindPrimary,
		Tag:      0x07,
		StartLBA: 1500 * chs,
		SizeLBA:  100 * chs,
		StartCHS: label.CHSAllOnesSentinel,
		EndCHS:   label.CHSAllOnesSentinel,
	}
	tbl := NewTable("hd1", 2000*chs, bigGeom, codec, []label.RawSlice{raw})

	if found := tbl.ConsistencyCheck(false); len(found) != 0 {
		t.Errorf("sentinel CHS above the 1023-cylinder threshold reported as %d discrepancies", len(found))
	}
}

func TestOneBootable(t *testing.T) {
	tbl := newTestTable(t, []label.RawSlice{
		usedSlice(1, 9, 0x07),
		usedSlice(10, 19, 0x83),
	})
	if !tbl.OneBootable() {
		t.Error("no bootable slices should satisfy OneBootable")
	}
	for i := range tbl.Slices {
		if tbl.Slices[i].Raw.Kind != label.KindEmpty {
			tbl.Slices[i].Raw.Flags |= label.FlagBootable
		}
	}
	if tbl.OneBootable() {
		t.Error("two bootable slices must fail OneBootable")
	}
}

func TestDescriptionLine(t *testing.T) {
	tbl := newTestTable(t, []label.RawSlice{usedSlice(1, 50, 0x07)})
	for i := range tbl.Slices {
		if tbl.Slices[i].Raw.Kind != label.KindEmpty {
			tbl.Slices[i].Raw.Flags |= label.FlagBootable
			tbl.Slices[i].DisplayName = "hd0a"
			tbl.Slices[i].FSType = "ntfs"
			line := tbl.DescriptionLine(i)
			for _, want := range []string{"hd0a", "NTFS", "ntfs", "primary/active"} {
				if !strings.Contains(line, want) {
					t.Errorf("description %q missing %q", line, want)
				}
			}
		} else if line := tbl.DescriptionLine(i); !strings.Contains(line, "Free Space") {
			t.Errorf("empty-slice description %q missing Free Space", line)
		}
	}
}
