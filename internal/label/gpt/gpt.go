// Package gpt implements the GUID Partition Table Label Codec:
// primary and mirrored alternate headers, the
// partition-entry array, CRC32 validation/recomputation, and the
// well-known type-GUID description table.
package gpt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/google/uuid"

	"github.com/partitool/diskpart/internal/label"
)

const (
	signature      = "EFI PART"
	headerRevision = 0x00010000
	headerSize     = 92
	entrySize      = 128
	numEntries     = 128
	entryArraySectors = numEntries * entrySize / 512 // 32 sectors at 512B
)

// ErrPrimaryHeaderDamaged is returned (alongside a table recovered from
// the alternate header) when the primary header's CRC doesn't match:
// recovering from the alternate beats merely warning.
type ErrPrimaryHeaderDamaged struct{}

func (ErrPrimaryHeaderDamaged) Error() string {
	return "gpt: primary header CRC mismatch, recovered from alternate header"
}

// Codec implements label.Codec for GPT. diskGUID is captured by
// ReadTable and reused on every WriteTable so the disk's identity
// survives rewrites; a fresh GUID is synthesized only when the codec
// never saw a valid header (first-ever write).
type Codec struct {
	diskGUID uuid.UUID
}

var _ label.Codec = (*Codec)(nil)

func New() *Codec { return &Codec{} }

func (c *Codec) Name() string          { return "gpt" }
func (c *Codec) SupportsLogical() bool { return false }
func (c *Codec) SupportsTags() bool    { return false }
func (c *Codec) HasActiveFlag() bool   { return false }

func (c *Codec) FirstUsableLBA(total uint64) uint64 {
	return 2 + entryArraySectors // header(1) + entries(32), 0-indexed from LBA1
}

func (c *Codec) LastUsableLBA(total uint64) uint64 {
	if total == 0 {
		return 0
	}
	// last LBA (total-1) reserved for alternate header; entries mirror
	// immediately before it.
	return total - 1 - entryArraySectors - 1
}

func (c *Codec) DefaultType() label.TypeDescriptor {
	return label.TypeDescriptor{TypeGUID: basicDataGUID, Description: "Microsoft Basic Data"}
}

type header struct {
	thisLBA        uint64
	altLBA         uint64
	firstUsable    uint64
	lastUsable     uint64
	diskGUID       uuid.UUID
	entriesLBA     uint64
	numEntries     uint32
	entrySize      uint32
	entriesCRC     uint32
	headerCRC      uint32
}

func decodeHeader(b []byte) (header, error) {
	if len(b) < headerSize || string(b[0:8]) != signature {
		return header{}, fmt.Errorf("gpt: bad signature")
	}
	var h header
	h.thisLBA = binary.LittleEndian.Uint64(b[24:32])
	h.altLBA = binary.LittleEndian.Uint64(b[32:40])
	h.firstUsable = binary.LittleEndian.Uint64(b[40:48])
	h.lastUsable = binary.LittleEndian.Uint64(b[48:56])
	guidBytes := b[56:72]
	g, _ := uuid.FromBytes(mixedEndianToBytes(guidBytes))
	h.diskGUID = g
	h.entriesLBA = binary.LittleEndian.Uint64(b[72:80])
	h.numEntries = binary.LittleEndian.Uint32(b[80:84])
	h.entrySize = binary.LittleEndian.Uint32(b[84:88])
	h.entriesCRC = binary.LittleEndian.Uint32(b[88:92])
	h.headerCRC = binary.LittleEndian.Uint32(b[16:20])
	return h, nil
}

func (h header) encode(headerLenField uint32) []byte {
	b := make([]byte, 512) // header sector is fully zero-padded past headerSize
	copy(b[0:8], signature)
	binary.LittleEndian.PutUint32(b[8:12], headerRevision)
	binary.LittleEndian.PutUint32(b[12:16], headerLenField)
	binary.LittleEndian.PutUint64(b[24:32], h.thisLBA)
	binary.LittleEndian.PutUint64(b[32:40], h.altLBA)
	binary.LittleEndian.PutUint64(b[40:48], h.firstUsable)
	binary.LittleEndian.PutUint64(b[48:56], h.lastUsable)
	copy(b[56:72], guidToMixedEndian(h.diskGUID))
	binary.LittleEndian.PutUint64(b[72:80], h.entriesLBA)
	binary.LittleEndian.PutUint32(b[80:84], h.numEntries)
	binary.LittleEndian.PutUint32(b[84:88], h.entrySize)
	binary.LittleEndian.PutUint32(b[88:92], h.entriesCRC)
	// headerCRC (offset 16) computed by caller with this field zeroed.
	return b
}

// guidToMixedEndian / mixedEndianToBytes: GPT stores GUIDs in the UEFI
// "mixed-endian" form (first three fields little-endian, last two
// big-endian), distinct from uuid.UUID's pure big-endian byte layout.
func guidToMixedEndian(g uuid.UUID) []byte {
	b := g[:]
	out := make([]byte, 16)
	out[0], out[1], out[2], out[3] = b[3], b[2], b[1], b[0]
	out[4], out[5] = b[5], b[4]
	out[6], out[7] = b[7], b[6]
	copy(out[8:], b[8:])
	return out
}

func mixedEndianToBytes(b []byte) []byte {
	if len(b) != 16 {
		return make([]byte, 16)
	}
	out := make([]byte, 16)
	out[0], out[1], out[2], out[3] = b[3], b[2], b[1], b[0]
	out[4], out[5] = b[5], b[4]
	out[6], out[7] = b[7], b[6]
	copy(out[8:], b[8:])
	return out
}

func headerCRC(raw []byte) uint32 {
	cp := append([]byte(nil), raw[:headerSize]...)
	binary.LittleEndian.PutUint32(cp[16:20], 0)
	return crc32.ChecksumIEEE(cp)
}

type gptEntry struct {
	typeGUID, partGUID uuid.UUID
	firstLBA, lastLBA  uint64
	attributes         uint64
	name               [36]uint16
}

func decodeEntry(b []byte) gptEntry {
	var e gptEntry
	tg, _ := uuid.FromBytes(mixedEndianToBytes(b[0:16]))
	pg, _ := uuid.FromBytes(mixedEndianToBytes(b[16:32]))
	e.typeGUID = tg
	e.partGUID = pg
	e.firstLBA = binary.LittleEndian.Uint64(b[32:40])
	e.lastLBA = binary.LittleEndian.Uint64(b[40:48])
	e.attributes = binary.LittleEndian.Uint64(b[48:56])
	return e
}

func (e gptEntry) encode() []byte {
	b := make([]byte, entrySize)
	copy(b[0:16], guidToMixedEndian(e.typeGUID))
	copy(b[16:32], guidToMixedEndian(e.partGUID))
	binary.LittleEndian.PutUint64(b[32:40], e.firstLBA)
	binary.LittleEndian.PutUint64(b[40:48], e.lastLBA)
	binary.LittleEndian.PutUint64(b[48:56], e.attributes)
	return b
}

func (e gptEntry) used() bool {
	return e.typeGUID != uuid.Nil
}

func (c *Codec) Detect(disk label.SectorReader) (bool, error) {
	sec, err := disk.ReadSectors(1, 1)
	if err != nil {
		return false, err
	}
	return len(sec) >= 8 && string(sec[0:8]) == signature, nil
}

// ReadTable reads the primary header and entries, validating CRC and
// falling back to the alternate on mismatch. Returns label.RawSlice in GPT entry order.
func (c *Codec) ReadTable(disk label.SectorReader) ([]label.RawSlice, error) {
	total := disk.TotalSectors()
	primarySec, err := disk.ReadSectors(1, 1)
	if err != nil {
		return nil, err
	}
	h, herr := decodeHeader(primarySec)
	primaryOK := herr == nil && headerCRC(primarySec) == h.headerCRC
	var warnErr error
	if !primaryOK && total > 0 {
		altSec, aerr := disk.ReadSectors(total-1, 1)
		if aerr == nil {
			if altH, derr := decodeHeader(altSec); derr == nil && headerCRC(altSec) == altH.headerCRC {
				h = altH
				warnErr = ErrPrimaryHeaderDamaged{}
			}
		}
	}
	if h.numEntries == 0 {
		return nil, fmt.Errorf("gpt: no valid header found (primary or alternate)")
	}
	c.diskGUID = h.diskGUID

	entrySectors := uint64(h.numEntries) * uint64(h.entrySize) / 512
	raw, err := disk.ReadSectors(h.entriesLBA, entrySectors)
	if err != nil {
		return nil, err
	}

	var out []label.RawSlice
	order := 0
	for i := uint32(0); i < h.numEntries; i++ {
		e := decodeEntry(raw[int(i)*entrySize:])
		if !e.used() {
			continue
		}
		out = append(out, label.RawSlice{
			Order:    order,
			Kind:     label.KindPrimary,
			TypeGUID: e.typeGUID,
			PartGUID: e.partGUID,
			Attributes: e.attributes,
			StartLBA: e.firstLBA,
			SizeLBA:  e.lastLBA - e.firstLBA + 1,
		})
		order++
	}
	return out, warnErr
}

// WriteTable writes the primary header+entries, the mirrored entries,
// and the alternate header, refreshing both CRCs.
func (c *Codec) WriteTable(disk label.SectorReaderWriter, slices []label.RawSlice) error {
	total := disk.TotalSectors()
	if total == 0 {
		return fmt.Errorf("gpt: disk reports zero sectors")
	}
	entriesLBA := uint64(2)
	entrySectors := uint64(numEntries) * uint64(entrySize) / 512
	altEntriesLBA := total - 1 - entrySectors

	entries := make([]byte, numEntries*entrySize)
	used := 0
	seen := make(map[uuid.UUID]bool)
	for _, s := range slices {
		if s.Kind == label.KindEmpty {
			continue
		}
		if used >= numEntries {
			return fmt.Errorf("gpt: more than %d partitions", numEntries)
		}
		pg := s.PartGUID
		if pg == uuid.Nil {
			pg = uuid.New()
		}
		if seen[pg] {
			return fmt.Errorf("gpt: duplicate partition GUID %s", pg)
		}
		seen[pg] = true
		e := gptEntry{
			typeGUID:   s.TypeGUID,
			partGUID:   pg,
			firstLBA:   s.StartLBA,
			lastLBA:    s.EndLBA(),
			attributes: s.Attributes,
		}
		copy(entries[used*entrySize:], e.encode())
		used++
	}
	entriesCRC := crc32.ChecksumIEEE(entries)

	if c.diskGUID == uuid.Nil {
		// First-ever write on this disk; later writes keep the identity
		// ReadTable captured.
		c.diskGUID = uuid.New()
	}
	primary := header{
		thisLBA: 1, altLBA: total - 1,
		firstUsable: c.FirstUsableLBA(total), lastUsable: c.LastUsableLBA(total),
		diskGUID: c.diskGUID, entriesLBA: entriesLBA,
		numEntries: numEntries, entrySize: entrySize, entriesCRC: entriesCRC,
	}
	primarySec := primary.encode(headerSize)
	binary.LittleEndian.PutUint32(primarySec[16:20], headerCRC(primarySec))

	alt := primary
	alt.thisLBA, alt.altLBA = total-1, 1
	alt.entriesLBA = altEntriesLBA
	altSec := alt.encode(headerSize)
	binary.LittleEndian.PutUint32(altSec[16:20], headerCRC(altSec))

	if err := disk.WriteSectors(1, primarySec); err != nil {
		return err
	}
	if err := disk.WriteSectors(entriesLBA, entries); err != nil {
		return err
	}
	if err := disk.WriteSectors(altEntriesLBA, entries); err != nil {
		return err
	}
	if err := disk.WriteSectors(total-1, altSec); err != nil {
		return err
	}
	return nil
}

func (c *Codec) CanCreate([]label.RawSlice, int) label.CanCreateResult {
	return label.CanCreatePrimary // GPT has no extended/logical scheme.
}

func (c *Codec) CanHide(label.RawSlice) bool { return false }
func (c *Codec) Hide(*label.RawSlice)        {}

var (
	espGUID       = uuid.MustParse("C12A7328-F81F-11D2-BA4B-00A0C93EC93B")
	basicDataGUID = uuid.MustParse("EBD0A0A2-B9E5-4433-87C0-68B6B72699C7")
	msReservedGUID = uuid.MustParse("E3C9E316-0B5C-4DB8-817D-F92DF00215AE")
	linuxFSGUID   = uuid.MustParse("0FC63DAF-8483-4772-8E79-3D69D8477DE4")
	linuxSwapGUID = uuid.MustParse("0657FD6D-A4AB-43C4-84E5-0933C84B4F4F")
	linuxLVMGUID  = uuid.MustParse("E6D6D379-F507-44C2-A23C-238F2A3DF928")
	biosBootGUID  = uuid.MustParse("21686148-6449-6E6F-744E-656564454649")
)

var typeTable = []label.TypeDescriptor{
	{TypeGUID: espGUID, Description: "EFI System"},
	{TypeGUID: basicDataGUID, Description: "Microsoft Basic Data"},
	{TypeGUID: msReservedGUID, Description: "Microsoft Reserved"},
	{TypeGUID: linuxFSGUID, Description: "Linux filesystem"},
	{TypeGUID: linuxSwapGUID, Description: "Linux swap"},
	{TypeGUID: linuxLVMGUID, Description: "Linux LVM"},
	{TypeGUID: biosBootGUID, Description: "BIOS boot"},
}

func (c *Codec) ListTypes() []label.TypeDescriptor {
	return append([]label.TypeDescriptor(nil), typeTable...)
}

func (c *Codec) DescribeSlice(s label.RawSlice) string {
	for _, t := range typeTable {
		if t.TypeGUID == s.TypeGUID {
			return t.Description
		}
	}
	return "Unknown"
}

func (c *Codec) SetType(s *label.RawSlice, typeIndex int) error {
	if typeIndex < 0 || typeIndex >= len(typeTable) {
		return fmt.Errorf("gpt: type index %d out of range", typeIndex)
	}
	s.TypeGUID = typeTable[typeIndex].TypeGUID
	return nil
}

// verifyAlternateMirrorsPrimary is used by tests to assert the GPT
// mirror invariant: "alternate header is byte-identical to primary with
// this/alt LBAs swapped and CRC recomputed."
func verifyAlternateMirrorsPrimary(primarySec, altSec []byte) bool {
	p, perr := decodeHeader(primarySec)
	a, aerr := decodeHeader(altSec)
	if perr != nil || aerr != nil {
		return false
	}
	return p.thisLBA == a.altLBA && p.altLBA == a.thisLBA &&
		headerCRC(primarySec) == p.headerCRC && headerCRC(altSec) == a.headerCRC &&
		bytes.Equal(primarySec[56:72], altSec[56:72])
}
