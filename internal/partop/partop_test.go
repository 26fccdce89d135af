package partop

import (
	"bytes"
	"context"
	"testing"

	"github.com/partitool/diskpart/internal/diskio"
	"github.com/partitool/diskpart/internal/label"
	"github.com/partitool/diskpart/internal/label/mbr"
	"github.com/partitool/diskpart/internal/progress"
	"github.com/partitool/diskpart/internal/slicemodel"
)

var testGeom = label.Geometry{Cylinders: 100, Heads: 255, SectorsPerTrack: 63}

// memBacking adapts a byte slice to diskio.ReaderWriterAt.
type memBacking struct{ data []byte }

func (m *memBacking) ReadAt(p []byte, off int64) (int, error) {
	copy(p, m.data[off:])
	return len(p), nil
}

func (m *memBacking) WriteAt(p []byte, off int64) (int, error) {
	copy(m.data[off:], p)
	return len(p), nil
}

func newTestDisk(t *testing.T) (*diskio.Disk, *memBacking) {
	t.Helper()
	total := 100 * testGeom.CylinderSectors()
	backing := &memBacking{data: make([]byte, total*512)}
	d := diskio.WrapMemory("hd0", 512, backing, total)
	d.Geometry = diskio.Geometry{Cylinders: 100, Heads: 255, SectorsPerTrack: 63}
	return d, backing
}

func newTestTable(t *testing.T, raw []label.RawSlice) *slicemodel.Table {
	t.Helper()
	codec := mbr.New(testGeom)
	for i := range raw {
		codec.RecomputeCHS(&raw[i])
	}
	return slicemodel.NewTable("hd0", 100*testGeom.CylinderSectors(), testGeom, codec, raw)
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

func emptyIndexOf(t *testing.T, tbl *slicemodel.Table) int {
	t.Helper()
	for i, s := range tbl.Slices {
		if s.Raw.Kind == label.KindEmpty {
			return i
		}
	}
	t.Fatal("no empty slice in table")
	return -1
}

func TestCreateAndDelete(t *testing.T) {
	tbl := newTestTable(t, nil)
	idx, err := Create(tbl, emptyIndexOf(t, tbl), label.KindPrimary, 1, 50)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	s := tbl.Slices[idx].Raw
	chs := testGeom.CylinderSectors()
	if s.StartLBA != chs || s.SizeLBA != 50*chs {
		t.Errorf("created slice = {%d %d}, want {%d %d}", s.StartLBA, s.SizeLBA, chs, 50*chs)
	}
	if s.Tag != 0x01 {
		t.Errorf("default tag = %#x, want 0x01", s.Tag)
	}
	if tbl.PendingChanges != 1 {
		t.Errorf("pending changes = %d, want 1", tbl.PendingChanges)
	}
	if err := tbl.VerifyTiling(); err != nil {
		t.Fatalf("tiling broken after create: %v", err)
	}

	if err := Delete(tbl, nil, idx); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	for _, s := range tbl.Slices {
		if s.Raw.Kind != label.KindEmpty {
			t.Fatalf("slice %+v survived delete", s.Raw)
		}
	}
	if err := tbl.VerifyTiling(); err != nil {
		t.Fatalf("tiling broken after delete: %v", err)
	}
}

func TestCreateRejectsLogicalOnCylinderZero(t *testing.T) {
	tbl := newTestTable(t, nil)
	if _, err := Create(tbl, emptyIndexOf(t, tbl), label.KindLogical, 0, 10); err == nil {
		t.Fatal("logical on cylinder 0 must be rejected")
	}
}

func TestDeleteRenumbersScheme(t *testing.T) {
	tbl := newTestTable(t, []label.RawSlice{
		usedSlice(1, 9, 0x07),
		usedSlice(10, 19, 0x83),
		usedSlice(20, 29, 0x0b),
	})
	var first int
	for i, s := range tbl.Slices {
		if s.Raw.Kind == label.KindPrimary {
			first = i
			break
		}
	}
	if err := Delete(tbl, nil, first); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	orders := []int{}
	for _, s := range tbl.Slices {
		if s.Raw.Kind == label.KindPrimary {
			orders = append(orders, s.Raw.Order)
		}
	}
	if len(orders) != 2 || orders[0] != 0 || orders[1] != 1 {
		t.Errorf("orders after delete = %v, want [0 1]", orders)
	}
}

func TestSetActiveClearsOthers(t *testing.T) {
	tbl := newTestTable(t, []label.RawSlice{
		usedSlice(1, 9, 0x07),
		usedSlice(10, 19, 0x83),
	})
	var used []int
	for i, s := range tbl.Slices {
		if s.Raw.Kind == label.KindPrimary {
			used = append(used, i)
		}
	}
	if err := SetActive(tbl, used[0]); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if err := SetActive(tbl, used[1]); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if !tbl.OneBootable() {
		t.Error("more than one bootable slice after SetActive")
	}
	if tbl.Slices[used[1]].Raw.Flags&label.FlagBootable == 0 {
		t.Error("target slice is not bootable")
	}
	if tbl.Slices[used[0]].Raw.Flags&label.FlagBootable != 0 {
		t.Error("previous bootable flag not cleared")
	}
}

func TestMountedCheckCancels(t *testing.T) {
	tbl := newTestTable(t, []label.RawSlice{usedSlice(1, 9, 0x07)})
	checker := func(startLBA uint64) (bool, func() MountDecision) {
		return true, func() MountDecision { return MountCancel }
	}
	var idx int
	for i, s := range tbl.Slices {
		if s.Raw.Kind == label.KindPrimary {
			idx = i
		}
	}
	if err := Delete(tbl, checker, idx); err != ErrMounted {
		t.Fatalf("Delete on mounted slice = %v, want ErrMounted", err)
	}
}

// TestMoveLeftward: a slice at cylinders [50,59]
// moves into the empty space [40,49]; after the move the payload bytes
// at the new location equal the pre-move snapshot.
func TestMoveLeftward(t *testing.T) {
	disk, backing := newTestDisk(t)
	chs := testGeom.CylinderSectors()

	tbl := newTestTable(t, []label.RawSlice{usedSlice(50, 59, 0x07)})

	// Recognizable payload in the source range.
	for i := 50 * chs * 512; i < 60*chs*512; i++ {
		backing.data[i] = byte(i % 251)
	}
	snapshot := append([]byte(nil), backing.data[50*chs*512:60*chs*512]...)

	var idx int
	for i, s := range tbl.Slices {
		if s.Raw.Kind == label.KindPrimary {
			idx = i
		}
	}

	wrote := false
	err := Move(context.Background(), tbl, disk, idx, 40, progress.New(0), func() error {
		wrote = true
		return nil
	})
	if err != nil {
		t.Fatalf("Move: %v", err)
	}
	if !wrote {
		t.Error("Move did not invoke the table write")
	}

	moved := tbl.Slices[idx].Raw
	if moved.StartCHS.Cylinder != 40 || moved.EndCHS.Cylinder != 49 {
		t.Errorf("moved slice spans cylinders [%d,%d], want [40,49]",
			moved.StartCHS.Cylinder, moved.EndCHS.Cylinder)
	}
	if !bytes.Equal(backing.data[40*chs*512:50*chs*512], snapshot) {
		t.Error("payload at the destination differs from the pre-move snapshot")
	}
}

func TestMoveRequiresNoPendingChanges(t *testing.T) {
	disk, _ := newTestDisk(t)
	tbl := newTestTable(t, []label.RawSlice{usedSlice(50, 59, 0x07)})
	tbl.PendingChanges = 1
	if err := Move(context.Background(), tbl, disk, 1, 40, progress.New(0), nil); err == nil {
		t.Fatal("Move with pending changes must be rejected")
	}
}

func TestEraseOverwritesRange(t *testing.T) {
	disk, backing := newTestDisk(t)
	chs := testGeom.CylinderSectors()
	for i := range backing.data {
		backing.data[i] = 0xA5
	}
	if err := Erase(context.Background(), disk, 10*chs, 5*chs, EraseBasic, progress.New(5*chs)); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	for i := 10 * chs * 512; i < 15*chs*512; i++ {
		if backing.data[i] != 0 {
			t.Fatalf("byte %d not erased", i)
		}
	}
	if backing.data[10*chs*512-1] != 0xA5 || backing.data[15*chs*512] != 0xA5 {
		t.Error("erase overwrote bytes outside the target range")
	}
}

func TestWriteSimpleMBRPreservesTable(t *testing.T) {
	disk, backing := newTestDisk(t)
	tbl := newTestTable(t, []label.RawSlice{usedSlice(1, 9, 0x07)})

	// Seed sector 0 with a fake existing table and signature.
	for i := 446; i < 510; i++ {
		backing.data[i] = byte(i)
	}
	backing.data[510], backing.data[511] = 0x55, 0xAA

	blob := bytes.Repeat([]byte{0xEB}, 446)
	origRead := readBootBlob
	readBootBlob = func(string) ([]byte, error) { return blob, nil }
	defer func() { readBootBlob = origRead }()

	if err := WriteSimpleMBR(tbl, disk); err != nil {
		t.Fatalf("WriteSimpleMBR: %v", err)
	}
	if !bytes.Equal(backing.data[0:446], blob) {
		t.Error("boot code not overwritten")
	}
	for i := 446; i < 510; i++ {
		if backing.data[i] != byte(i) {
			t.Fatalf("partition table byte %d clobbered", i)
		}
	}
	if backing.data[510] != 0x55 || backing.data[511] != 0xAA {
		t.Error("boot signature clobbered")
	}

	tbl.PendingChanges = 1
	if err := WriteSimpleMBR(tbl, disk); err == nil {
		t.Fatal("WriteSimpleMBR with pending changes must be rejected")
	}
}

func TestPasteIntoEmptySpace(t *testing.T) {
	srcDisk, srcBacking := newTestDisk(t)
	dstDisk, dstBacking := newTestDisk(t)
	chs := testGeom.CylinderSectors()

	srcTbl := newTestTable(t, []label.RawSlice{usedSlice(1, 10, 0x07)})
	dstTbl := newTestTable(t, nil)

	for i := chs * 512; i < 11*chs*512; i++ {
		srcBacking.data[i] = 0xC3
	}

	var srcIdx int
	for i, s := range srcTbl.Slices {
		if s.Raw.Kind == label.KindPrimary {
			srcIdx = i
		}
	}
	var clip Clipboard
	if err := Copy(srcTbl, srcDisk, &clip, srcIdx); err != nil {
		t.Fatalf("Copy: %v", err)
	}

	idx, err := Paste(context.Background(), dstTbl, dstDisk, &clip, emptyIndexOf(t, dstTbl), nil, progress.New(0))
	if err != nil {
		t.Fatalf("Paste: %v", err)
	}
	pasted := dstTbl.Slices[idx].Raw
	if pasted.Tag != 0x07 {
		t.Errorf("pasted tag = %#x, want 0x07", pasted.Tag)
	}
	if !bytes.Equal(dstBacking.data[pasted.StartLBA*512:pasted.StartLBA*512+10*chs*512],
		srcBacking.data[chs*512:11*chs*512]) {
		t.Error("pasted payload differs from source")
	}
}
