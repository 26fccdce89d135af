package mbr

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/partitool/diskpart/internal/label"
)

// memDisk is an in-memory SectorReaderWriter fake.
type memDisk struct {
	data    []byte
	sectors uint64
}

func newMemDisk(sectors uint64) *memDisk {
	return &memDisk{data: make([]byte, sectors*512), sectors: sectors}
}

func (m *memDisk) ReadSectors(startLBA, count uint64) ([]byte, error) {
	off := startLBA * 512
	buf := make([]byte, count*512)
	copy(buf, m.data[off:])
	return buf, nil
}

func (m *memDisk) WriteSectors(startLBA uint64, data []byte) error {
	copy(m.data[startLBA*512:], data)
	return nil
}

func (m *memDisk) TotalSectors() uint64 { return m.sectors }

var testGeom = label.Geometry{Cylinders: 100, Heads: 255, SectorsPerTrack: 63}

// TestCreateDeleteRoundTrip: a primary in cylinders
// [1,50] with tag 0x01 on a 100-cylinder disk serializes to the exact
// on-disk entry, and deleting it zeroes the table but keeps the boot
// signature.
func TestCreateDeleteRoundTrip(t *testing.T) {
	c := New(testGeom)
	disk := newMemDisk(1606500)

	s := label.RawSlice{
		Kind:     label.KindPrimary,
		Tag:      0x01,
		StartLBA: 16065,
		SizeLBA:  803250,
	}
	c.RecomputeCHS(&s)

	if err := c.WriteTable(disk, []label.RawSlice{s}); err != nil {
		t.Fatalf("WriteTable: %v", err)
	}

	e := disk.data[0x1BE : 0x1BE+16]
	if e[0] != 0 {
		t.Errorf("active byte = %#x, want 0", e[0])
	}
	// startCHS (1,0,1) packs to head=0, cyl/sec byte=1, cyl low=1.
	if e[1] != 0 || e[2] != 1 || e[3] != 1 {
		t.Errorf("startCHS bytes = %v, want [0 1 1]", e[1:4])
	}
	if e[4] != 0x01 {
		t.Errorf("tag = %#x, want 0x01", e[4])
	}
	// endCHS (50,254,63) packs to head=254, sec=63, cyl low=50.
	if e[5] != 254 || e[6] != 63 || e[7] != 50 {
		t.Errorf("endCHS bytes = %v, want [254 63 50]", e[5:8])
	}
	if got := binary.LittleEndian.Uint32(e[8:12]); got != 16065 {
		t.Errorf("startLBA = %d, want 16065", got)
	}
	if got := binary.LittleEndian.Uint32(e[12:16]); got != 803250 {
		t.Errorf("sizeLBA = %d, want 803250", got)
	}
	if disk.data[510] != 0x55 || disk.data[511] != 0xAA {
		t.Error("boot signature missing after write")
	}

	if err := c.WriteTable(disk, nil); err != nil {
		t.Fatalf("WriteTable(empty): %v", err)
	}
	if !bytes.Equal(disk.data[0x1BE:0x1BE+64], make([]byte, 64)) {
		t.Error("entries not zeroed after deleting the only slice")
	}
	if disk.data[510] != 0x55 || disk.data[511] != 0xAA {
		t.Error("boot signature lost after delete")
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	c := New(testGeom)
	disk := newMemDisk(1606500)

	in := []label.RawSlice{
		{Kind: label.KindPrimary, Tag: 0x07, Flags: label.FlagBootable, StartLBA: 16065, SizeLBA: 160650},
		{Kind: label.KindPrimary, Tag: 0x83, StartLBA: 176715, SizeLBA: 160650},
	}
	for i := range in {
		c.RecomputeCHS(&in[i])
	}
	if err := c.WriteTable(disk, in); err != nil {
		t.Fatalf("WriteTable: %v", err)
	}
	out, err := c.ReadTable(disk)
	if err != nil {
		t.Fatalf("ReadTable: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("read %d slices, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i].StartLBA != in[i].StartLBA || out[i].SizeLBA != in[i].SizeLBA || out[i].Tag != in[i].Tag {
			t.Errorf("slice %d: got %+v, want %+v", i, out[i], in[i])
		}
	}
	if out[0].Flags&label.FlagBootable == 0 {
		t.Error("bootable flag lost across round trip")
	}
}

// TestLogicalChainRoundTrip: one primary in [1,10],
// a logical in [20,50]. The writer must add an extended-container
// primary entry and a link sector at the container's first LBA whose
// logical entry is container-relative.
func TestLogicalChainRoundTrip(t *testing.T) {
	c := New(testGeom)
	disk := newMemDisk(1606500)
	chs := testGeom.CylinderSectors() // 16065

	prim := label.RawSlice{Kind: label.KindPrimary, Tag: 0x83, StartLBA: chs, SizeLBA: 10 * chs}
	logi := label.RawSlice{
		Kind:     label.KindLogical,
		Tag:      0x07,
		StartLBA: 20*chs + 63,
		SizeLBA:  31*chs - 63,
	}
	c.RecomputeCHS(&prim)
	c.RecomputeCHS(&logi)

	if err := c.WriteTable(disk, []label.RawSlice{prim, logi}); err != nil {
		t.Fatalf("WriteTable: %v", err)
	}

	// Second primary slot must hold the extended container at 20*CHS.
	ext := decodeEntry(disk.data[0x1BE+16 : 0x1BE+32])
	if !isExtendedTag(ext.tag) {
		t.Fatalf("second entry tag = %#x, want an extended tag", ext.tag)
	}
	if uint64(ext.startLBA) != 20*chs {
		t.Errorf("extended container startLBA = %d, want %d", ext.startLBA, 20*chs)
	}

	// The link sector lives at the container start and holds one
	// logical entry relative to the link sector.
	link := disk.data[20*chs*512 : 20*chs*512+512]
	le := decodeEntry(link[0x1BE : 0x1BE+16])
	if le.tag != 0x07 {
		t.Errorf("link entry tag = %#x, want 0x07", le.tag)
	}
	if le.startLBA != 63 {
		t.Errorf("link entry startLBA = %d (link-relative), want 63", le.startLBA)
	}
	if link[510] != 0x55 || link[511] != 0xAA {
		t.Error("link sector missing boot signature")
	}

	out, err := c.ReadTable(disk)
	if err != nil {
		t.Fatalf("ReadTable: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("read %d slices, want 3 (primary, container, logical)", len(out))
	}
	var gotLogical *label.RawSlice
	for i := range out {
		if out[i].Kind == label.KindLogical {
			gotLogical = &out[i]
		}
	}
	if gotLogical == nil {
		t.Fatal("no logical slice read back")
	}
	if gotLogical.StartLBA != logi.StartLBA || gotLogical.SizeLBA != logi.SizeLBA {
		t.Errorf("logical = {%d %d}, want {%d %d}",
			gotLogical.StartLBA, gotLogical.SizeLBA, logi.StartLBA, logi.SizeLBA)
	}
}

// TestCHSSentinel covers the 1023-cylinder boundary: CHS fields clamp to the
// all-ones sentinel when the cylinder exceeds 1023, and the LBA stays
// authoritative.
func TestCHSSentinel(t *testing.T) {
	bigGeom := label.Geometry{Cylinders: 2000, Heads: 255, SectorsPerTrack: 63}
	c := New(bigGeom)
	chs := bigGeom.CylinderSectors()

	s := label.RawSlice{Kind: label.KindPrimary, Tag: 0x07, StartLBA: 1500 * chs, SizeLBA: 100 * chs}
	c.RecomputeCHS(&s)

	packed := packCHS(s.StartCHS)
	got := unpackCHS(packed)
	if got.Cylinder != 1023 || got.Head != 254 || got.Sector != 63 {
		t.Errorf("packed sentinel = %+v, want (1023,254,63)", got)
	}

	disk := newMemDisk(2000 * chs)
	if err := c.WriteTable(disk, []label.RawSlice{s}); err != nil {
		t.Fatalf("WriteTable: %v", err)
	}
	out, err := c.ReadTable(disk)
	if err != nil {
		t.Fatalf("ReadTable: %v", err)
	}
	if out[0].StartLBA != 1500*chs {
		t.Errorf("startLBA = %d, want %d (LBA authoritative past the sentinel)", out[0].StartLBA, 1500*chs)
	}
}

func TestDetectRejectsProtectiveMBR(t *testing.T) {
	c := New(testGeom)
	disk := newMemDisk(1606500)

	prot := entry{tag: 0xEE, startLBA: 1, sizeLBA: 1606499}
	copy(disk.data[0x1BE:], prot.encode())
	disk.data[510], disk.data[511] = 0x55, 0xAA

	ok, err := c.Detect(disk)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if ok {
		t.Error("Detect accepted a GPT-protective MBR as a real MBR")
	}
}

func TestCanCreate(t *testing.T) {
	c := New(testGeom)

	mk := func(kind label.Kind, startCyl, endCyl uint32) label.RawSlice {
		chs := testGeom.CylinderSectors()
		s := label.RawSlice{
			Kind:     kind,
			StartLBA: uint64(startCyl) * chs,
			SizeLBA:  uint64(endCyl-startCyl+1) * chs,
		}
		c.RecomputeCHS(&s)
		return s
	}

	tests := []struct {
		name   string
		slices []label.RawSlice
		empty  int
		want   label.CanCreateResult
	}{
		{
			name:   "cylinder 0 space is primary only",
			slices: []label.RawSlice{mk(label.KindEmpty, 0, 99)},
			empty:  0,
			want:   label.CanCreatePrimary,
		},
		{
			name: "between two logicals is logical only",
			slices: []label.RawSlice{
				mk(label.KindLogical, 10, 19),
				mk(label.KindEmpty, 20, 29),
				mk(label.KindLogical, 30, 39),
			},
			empty: 1,
			want:  label.CanCreateLogical,
		},
		{
			name: "free slots and no logicals is primary",
			slices: []label.RawSlice{
				mk(label.KindPrimary, 1, 9),
				mk(label.KindEmpty, 10, 99),
			},
			empty: 1,
			want:  label.CanCreatePrimary,
		},
		{
			name: "adjacent logical with free slot is any",
			slices: []label.RawSlice{
				mk(label.KindPrimary, 1, 9),
				mk(label.KindLogical, 10, 19),
				mk(label.KindEmpty, 20, 99),
			},
			empty: 2,
			want:  label.CanCreateAny,
		},
		{
			name: "full primary table and detached space is none",
			slices: []label.RawSlice{
				mk(label.KindPrimary, 1, 9),
				mk(label.KindPrimary, 10, 19),
				mk(label.KindPrimary, 20, 29),
				mk(label.KindPrimary, 30, 39),
				mk(label.KindEmpty, 40, 99),
			},
			empty: 4,
			want:  label.CanCreateNone,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := c.CanCreate(tc.slices, tc.empty); got != tc.want {
				t.Errorf("CanCreate = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestHideTogglesPairs(t *testing.T) {
	c := New(testGeom)

	s := label.RawSlice{Tag: 0x07}
	if !c.CanHide(s) {
		t.Fatal("0x07 should be hideable")
	}
	c.Hide(&s)
	if s.Tag != 0x17 {
		t.Errorf("hide(0x07) = %#x, want 0x17", s.Tag)
	}
	c.Hide(&s)
	if s.Tag != 0x07 {
		t.Errorf("unhide(0x17) = %#x, want 0x07", s.Tag)
	}

	swap := label.RawSlice{Tag: 0x82}
	if c.CanHide(swap) {
		t.Error("0x82 must not be hideable")
	}
	c.Hide(&swap)
	if swap.Tag != 0x82 {
		t.Errorf("hide on non-hideable tag changed it to %#x", swap.Tag)
	}
}
