package gpt

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/google/uuid"

	"github.com/partitool/diskpart/internal/label"
)

type memDisk struct {
	data    []byte
	sectors uint64
}

func newMemDisk(sectors uint64) *memDisk {
	return &memDisk{data: make([]byte, sectors*512), sectors: sectors}
}

func (m *memDisk) ReadSectors(startLBA, count uint64) ([]byte, error) {
	buf := make([]byte, count*512)
	copy(buf, m.data[startLBA*512:])
	return buf, nil
}

func (m *memDisk) WriteSectors(startLBA uint64, data []byte) error {
	copy(m.data[startLBA*512:], data)
	return nil
}

func (m *memDisk) TotalSectors() uint64 { return m.sectors }

// TestCreateWithGeneratedGUID: one Microsoft Basic
// Data partition on a 1,000,000-sector disk. After the write the entry
// CRC and header CRC must validate, the partition GUID must be non-zero,
// and the alternate header at the last LBA must mirror the primary with
// this/alt swapped.
func TestCreateWithGeneratedGUID(t *testing.T) {
	c := New()
	disk := newMemDisk(1000000)

	s := label.RawSlice{
		Kind:     label.KindPrimary,
		TypeGUID: basicDataGUID,
		StartLBA: 2048,
		SizeLBA:  999966 - 2048 + 1,
	}
	if err := c.WriteTable(disk, []label.RawSlice{s}); err != nil {
		t.Fatalf("WriteTable: %v", err)
	}

	primary := disk.data[512:1024]
	if string(primary[0:8]) != "EFI PART" {
		t.Fatal("primary header signature missing")
	}
	storedHeaderCRC := binary.LittleEndian.Uint32(primary[16:20])
	if headerCRC(primary) != storedHeaderCRC {
		t.Error("primary header CRC does not validate")
	}

	entriesLBA := binary.LittleEndian.Uint64(primary[72:80])
	entries := disk.data[entriesLBA*512 : entriesLBA*512+numEntries*entrySize]
	storedEntriesCRC := binary.LittleEndian.Uint32(primary[88:92])
	if crc32.ChecksumIEEE(entries) != storedEntriesCRC {
		t.Error("entries CRC does not validate")
	}

	e := decodeEntry(entries[0:entrySize])
	if e.typeGUID != basicDataGUID {
		t.Errorf("typeGUID = %s, want %s", e.typeGUID, basicDataGUID)
	}
	if e.partGUID == uuid.Nil {
		t.Error("partition GUID was not generated")
	}
	if e.firstLBA != 2048 || e.lastLBA != 999966 {
		t.Errorf("entry spans [%d,%d], want [2048,999966]", e.firstLBA, e.lastLBA)
	}

	alt := disk.data[999999*512 : 1000000*512]
	if !verifyAlternateMirrorsPrimary(primary, alt) {
		t.Error("alternate header does not mirror the primary")
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	c := New()
	disk := newMemDisk(1000000)

	in := []label.RawSlice{
		{Kind: label.KindPrimary, TypeGUID: espGUID, PartGUID: uuid.New(), StartLBA: 2048, SizeLBA: 204800},
		{Kind: label.KindPrimary, TypeGUID: linuxFSGUID, PartGUID: uuid.New(), StartLBA: 206848, SizeLBA: 409600},
	}
	if err := c.WriteTable(disk, in); err != nil {
		t.Fatalf("WriteTable: %v", err)
	}
	out, err := c.ReadTable(disk)
	if err != nil {
		t.Fatalf("ReadTable: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("read %d entries, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i].TypeGUID != in[i].TypeGUID || out[i].PartGUID != in[i].PartGUID {
			t.Errorf("entry %d GUIDs changed across round trip", i)
		}
		if out[i].StartLBA != in[i].StartLBA || out[i].SizeLBA != in[i].SizeLBA {
			t.Errorf("entry %d geometry changed: got {%d %d}, want {%d %d}",
				i, out[i].StartLBA, out[i].SizeLBA, in[i].StartLBA, in[i].SizeLBA)
		}
	}
}

// TestRewritePreservesDiskGUID: committing edits must not change the
// disk's identity. A codec that read the table reuses the header's
// disk GUID on write; only a first-ever write synthesizes one.
func TestRewritePreservesDiskGUID(t *testing.T) {
	disk := newMemDisk(1000000)

	first := New()
	in := []label.RawSlice{
		{Kind: label.KindPrimary, TypeGUID: basicDataGUID, PartGUID: uuid.New(), StartLBA: 2048, SizeLBA: 4096},
	}
	if err := first.WriteTable(disk, in); err != nil {
		t.Fatalf("initial WriteTable: %v", err)
	}
	guidBytes := append([]byte(nil), disk.data[512+56:512+72]...)
	if first.diskGUID == uuid.Nil {
		t.Fatal("first write did not synthesize a disk GUID")
	}

	// A later session: read, mutate, write again.
	second := New()
	slices, err := second.ReadTable(disk)
	if err != nil {
		t.Fatalf("ReadTable: %v", err)
	}
	slices = append(slices, label.RawSlice{
		Kind: label.KindPrimary, TypeGUID: linuxFSGUID, PartGUID: uuid.New(), StartLBA: 8192, SizeLBA: 2048,
	})
	if err := second.WriteTable(disk, slices); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if got := disk.data[512+56 : 512+72]; !bytes.Equal(got, guidBytes) {
		t.Errorf("disk GUID changed across rewrite: %x -> %x", guidBytes, got)
	}
}

func TestDuplicatePartGUIDRejected(t *testing.T) {
	c := New()
	disk := newMemDisk(1000000)
	dup := uuid.New()

	in := []label.RawSlice{
		{Kind: label.KindPrimary, TypeGUID: espGUID, PartGUID: dup, StartLBA: 2048, SizeLBA: 2048},
		{Kind: label.KindPrimary, TypeGUID: linuxFSGUID, PartGUID: dup, StartLBA: 8192, SizeLBA: 2048},
	}
	if err := c.WriteTable(disk, in); err == nil {
		t.Fatal("WriteTable accepted two entries with the same partition GUID")
	}
}

// TestRecoverFromAlternateHeader exercises the damaged-primary path: a
// corrupted primary header must not prevent reading, and the recovery is
// reported as ErrPrimaryHeaderDamaged alongside the table.
func TestRecoverFromAlternateHeader(t *testing.T) {
	c := New()
	disk := newMemDisk(1000000)

	in := []label.RawSlice{
		{Kind: label.KindPrimary, TypeGUID: basicDataGUID, PartGUID: uuid.New(), StartLBA: 2048, SizeLBA: 4096},
	}
	if err := c.WriteTable(disk, in); err != nil {
		t.Fatalf("WriteTable: %v", err)
	}

	// Corrupt the primary header's CRC field.
	disk.data[512+16] ^= 0xFF

	out, err := c.ReadTable(disk)
	if err == nil {
		t.Fatal("expected ErrPrimaryHeaderDamaged")
	}
	if _, ok := err.(ErrPrimaryHeaderDamaged); !ok {
		t.Fatalf("error = %v, want ErrPrimaryHeaderDamaged", err)
	}
	if len(out) != 1 || out[0].StartLBA != 2048 {
		t.Fatalf("recovered table = %+v, want the written entry", out)
	}
}

func TestDetect(t *testing.T) {
	c := New()
	blank := newMemDisk(1000000)
	if ok, _ := c.Detect(blank); ok {
		t.Error("Detect accepted a blank disk")
	}

	labeled := newMemDisk(1000000)
	if err := c.WriteTable(labeled, nil); err != nil {
		t.Fatalf("WriteTable: %v", err)
	}
	if ok, _ := c.Detect(labeled); !ok {
		t.Error("Detect rejected a freshly written GPT")
	}
}

func TestDescribeSlice(t *testing.T) {
	c := New()
	if got := c.DescribeSlice(label.RawSlice{TypeGUID: espGUID}); got != "EFI System" {
		t.Errorf("DescribeSlice(ESP) = %q", got)
	}
	if got := c.DescribeSlice(label.RawSlice{TypeGUID: uuid.New()}); got != "Unknown" {
		t.Errorf("DescribeSlice(random GUID) = %q, want Unknown", got)
	}
}
