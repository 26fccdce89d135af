package orchestrator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/partitool/diskpart/internal/config"
	"github.com/partitool/diskpart/internal/diskio"
	"github.com/partitool/diskpart/internal/label"
	"github.com/partitool/diskpart/internal/label/gpt"
	"github.com/partitool/diskpart/internal/label/mbr"
	"github.com/partitool/diskpart/internal/partop"
	"github.com/partitool/diskpart/internal/progress"
)

type memBacking struct{ data []byte }

func (m *memBacking) ReadAt(p []byte, off int64) (int, error) {
	copy(p, m.data[off:])
	return len(p), nil
}

func (m *memBacking) WriteAt(p []byte, off int64) (int, error) {
	copy(m.data[off:], p)
	return len(p), nil
}

func pointConfigAt(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "settings.yaml")
	if err := os.WriteFile(cfgPath, []byte("workDir: "+filepath.Join(dir, "work")+"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := config.Load(cfgPath); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func newTestDisk(t *testing.T, name string, totalSectors uint64) (*diskio.Disk, *memBacking) {
	t.Helper()
	backing := &memBacking{data: make([]byte, totalSectors*512)}
	return diskio.WrapMemory(name, 512, backing, totalSectors), backing
}

// TestDetectionOrderPrefersGPT: a GPT disk carries a protective MBR
// that would satisfy MBR detection; Open must still identify it as GPT.
func TestDetectionOrderPrefersGPT(t *testing.T) {
	pointConfigAt(t)
	disk, backing := newTestDisk(t, "gptdisk", 1000000)

	if err := gpt.New().WriteTable(disk, nil); err != nil {
		t.Fatalf("write GPT: %v", err)
	}
	// Protective MBR in sector 0: one 0xEE entry plus signature.
	backing.data[0x1BE+4] = 0xEE
	backing.data[0x1BE+8] = 1
	backing.data[510], backing.data[511] = 0x55, 0xAA

	s, err := Open(disk, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.Table.Codec.Name() != "gpt" {
		t.Errorf("detected label = %s, want gpt", s.Table.Codec.Name())
	}
}

func TestOpenDetectsMBR(t *testing.T) {
	pointConfigAt(t)
	disk, _ := newTestDisk(t, "mbrdisk", 1606500)

	geom := label.Geometry{Cylinders: 100, Heads: 255, SectorsPerTrack: 63}
	codec := mbr.New(geom)
	s := label.RawSlice{Kind: label.KindPrimary, Tag: 0x07, StartLBA: 16065, SizeLBA: 803250}
	codec.RecomputeCHS(&s)
	if err := codec.WriteTable(disk, []label.RawSlice{s}); err != nil {
		t.Fatalf("write MBR: %v", err)
	}

	sess, err := Open(disk, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Quit()
	if sess.Table.Codec.Name() != "mbr" {
		t.Errorf("detected label = %s, want mbr", sess.Table.Codec.Name())
	}
	used := 0
	for _, sl := range sess.Table.Slices {
		if sl.Raw.Kind != label.KindEmpty {
			used++
		}
	}
	if used != 1 {
		t.Errorf("read %d used slices, want 1", used)
	}
}

func TestOpenRejectsUnlabeledDisk(t *testing.T) {
	pointConfigAt(t)
	disk, _ := newTestDisk(t, "blank", 1606500)
	if _, err := Open(disk, true); err == nil {
		t.Fatal("Open accepted an unlabeled disk")
	}
}

// TestWriteCommitSequence: a successful write clears the pending
// counter, promotes the backup, and round-trips through a fresh Open.
func TestWriteCommitSequence(t *testing.T) {
	pointConfigAt(t)
	disk, _ := newTestDisk(t, "hd0", 1606500)

	sess, err := OpenBlank(disk, "mbr")
	if err != nil {
		t.Fatalf("OpenBlank: %v", err)
	}
	emptyIdx := -1
	for i, sl := range sess.Table.Slices {
		if sl.Raw.Kind == label.KindEmpty {
			emptyIdx = i
		}
	}
	if _, err := partop.Create(sess.Table, emptyIdx, label.KindPrimary, 1, 50); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.Table.PendingChanges == 0 {
		t.Fatal("no pending changes after create")
	}

	if err := sess.Write(nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if sess.Table.PendingChanges != 0 {
		t.Errorf("pending changes = %d after write, want 0", sess.Table.PendingChanges)
	}
	if !sess.Table.BackupAvailable {
		t.Error("backup not promoted on write")
	}

	reread, err := Open(disk, true)
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	found := false
	for _, sl := range reread.Table.Slices {
		if sl.Raw.Kind == label.KindPrimary && sl.Raw.StartLBA == 16065 {
			found = true
		}
	}
	if !found {
		t.Error("written slice not present after re-reading the device")
	}
}

func TestWriteRefusesTwoBootableSlices(t *testing.T) {
	pointConfigAt(t)
	disk, _ := newTestDisk(t, "hd1", 1606500)

	sess, err := OpenBlank(disk, "mbr")
	if err != nil {
		t.Fatalf("OpenBlank: %v", err)
	}
	emptyIdx := 0
	if _, err := partop.Create(sess.Table, emptyIdx, label.KindPrimary, 1, 20); err != nil {
		t.Fatalf("Create: %v", err)
	}
	// The trailing empty space holds cylinders 21..40; the leading one
	// covers cylinder 0 only.
	for i := len(sess.Table.Slices) - 1; i >= 0; i-- {
		if sess.Table.Slices[i].Raw.Kind == label.KindEmpty {
			if _, err := partop.Create(sess.Table, i, label.KindPrimary, 21, 40); err != nil {
				t.Fatalf("Create second: %v", err)
			}
			break
		}
	}
	n := 0
	for i := range sess.Table.Slices {
		if sess.Table.Slices[i].Raw.Kind != label.KindEmpty {
			sess.Table.Slices[i].Raw.Flags |= label.FlagBootable
			n++
		}
	}
	if n != 2 {
		t.Fatalf("fixture built %d used slices, want 2", n)
	}
	if err := sess.Write(nil); err == nil {
		t.Fatal("Write accepted two bootable slices")
	}
	if sess.Table.PendingChanges == 0 {
		t.Error("failed write cleared the pending counter")
	}
}

// fakeResizer records the order of payload calls relative to geometry
// changes.
type fakeResizer struct {
	min, max    uint64
	resizedTo   uint64
	sizeAtCall  uint64
	table       func() uint64
}

func (f *fakeResizer) Constraints(limit uint64, _ *progress.Progress) (uint64, uint64, error) {
	max := f.max
	if max == 0 {
		max = limit
	}
	return f.min, max, nil
}

func (f *fakeResizer) Resize(newSectors uint64, _ *progress.Progress) error {
	f.resizedTo = newSectors
	if f.table != nil {
		f.sizeAtCall = f.table()
	}
	return nil
}

func TestResizeSliceShrinkResizesPayloadFirst(t *testing.T) {
	pointConfigAt(t)
	disk, _ := newTestDisk(t, "hd2", 1606500)

	sess, err := OpenBlank(disk, "mbr")
	if err != nil {
		t.Fatalf("OpenBlank: %v", err)
	}
	if _, err := partop.Create(sess.Table, 0, label.KindPrimary, 1, 50); err != nil {
		t.Fatalf("Create: %v", err)
	}
	var idx int
	for i, sl := range sess.Table.Slices {
		if sl.Raw.Kind != label.KindEmpty {
			idx = i
		}
	}
	oldSize := sess.Table.Slices[idx].Raw.SizeLBA
	newSize := oldSize / 2

	fr := &fakeResizer{min: 1, table: func() uint64 { return sess.Table.Slices[idx].Raw.SizeLBA }}
	if err := sess.ResizeSlice(idx, newSize, fr, progress.New(0)); err != nil {
		t.Fatalf("ResizeSlice: %v", err)
	}
	if fr.resizedTo != newSize {
		t.Errorf("payload resized to %d, want %d", fr.resizedTo, newSize)
	}
	if fr.sizeAtCall != oldSize {
		t.Errorf("slice geometry changed before the payload shrink (size was %d at call, want %d)", fr.sizeAtCall, oldSize)
	}
	if sess.Table.Slices[idx].Raw.SizeLBA != newSize {
		t.Errorf("slice size = %d after resize, want %d", sess.Table.Slices[idx].Raw.SizeLBA, newSize)
	}
	if err := sess.Table.VerifyTiling(); err != nil {
		t.Fatalf("tiling broken after resize: %v", err)
	}
}

func TestResizeSliceRejectsOutsideConstraints(t *testing.T) {
	pointConfigAt(t)
	disk, _ := newTestDisk(t, "hd3", 1606500)

	sess, err := OpenBlank(disk, "mbr")
	if err != nil {
		t.Fatalf("OpenBlank: %v", err)
	}
	if _, err := partop.Create(sess.Table, 0, label.KindPrimary, 1, 50); err != nil {
		t.Fatalf("Create: %v", err)
	}
	var idx int
	for i, sl := range sess.Table.Slices {
		if sl.Raw.Kind != label.KindEmpty {
			idx = i
		}
	}
	fr := &fakeResizer{min: 500000, max: 600000}
	if err := sess.ResizeSlice(idx, 100, fr, progress.New(0)); err == nil {
		t.Fatal("ResizeSlice accepted a size below the payload's minimum")
	}
}
