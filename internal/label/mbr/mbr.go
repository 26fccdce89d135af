// Package mbr implements the MS-DOS partition table Label Codec:
// sector-0 primary entries, the extended-partition
// linked list for logicals, CHS packing/sentinel handling, and the
// hideable-tag/type-description tables.
package mbr

import (
	"encoding/binary"
	"fmt"

	"github.com/partitool/diskpart/internal/label"
)

const (
	sectorSize       = 512
	partTableOffset  = 0x1BE
	entrySize        = 16
	bootSigOffset    = 510
	bootSigLo        = 0x55
	bootSigHi        = 0xAA
	activeFlag       = 0x80

	tagEmpty    = 0x00
	tagExtCHS   = 0x05
	tagExtLBA   = 0x0F
	tagExtLinux = 0x85
	tagGPTProt  = 0xEE
)

// Codec implements label.Codec for MS-DOS partition tables.
type Codec struct {
	Geometry label.Geometry
}

var _ label.Codec = (*Codec)(nil)

func New(geom label.Geometry) *Codec { return &Codec{Geometry: geom} }

func (c *Codec) Name() string            { return "mbr" }
func (c *Codec) SupportsLogical() bool   { return true }
func (c *Codec) SupportsTags() bool      { return true }
func (c *Codec) HasActiveFlag() bool     { return true }

func (c *Codec) FirstUsableLBA(uint64) uint64 { return 0 }
func (c *Codec) LastUsableLBA(total uint64) uint64 {
	if total == 0 {
		return 0
	}
	return total - 1
}

func (c *Codec) DefaultType() label.TypeDescriptor {
	return label.TypeDescriptor{Tag: 0x01, Description: "FAT12"}
}

// entry is the raw 16-byte on-disk partition record.
type entry struct {
	boot     byte
	startCHS [3]byte
	tag      byte
	endCHS   [3]byte
	startLBA uint32
	sizeLBA  uint32
}

func decodeEntry(b []byte) entry {
	var e entry
	e.boot = b[0]
	copy(e.startCHS[:], b[1:4])
	e.tag = b[4]
	copy(e.endCHS[:], b[5:8])
	e.startLBA = binary.LittleEndian.Uint32(b[8:12])
	e.sizeLBA = binary.LittleEndian.Uint32(b[12:16])
	return e
}

func (e entry) encode() []byte {
	b := make([]byte, entrySize)
	b[0] = e.boot
	copy(b[1:4], e.startCHS[:])
	b[4] = e.tag
	copy(b[5:8], e.endCHS[:])
	binary.LittleEndian.PutUint32(b[8:12], e.startLBA)
	binary.LittleEndian.PutUint32(b[12:16], e.sizeLBA)
	return b
}

func (e entry) empty() bool {
	return e.tag == tagEmpty && e.startLBA == 0 && e.sizeLBA == 0
}

func isExtendedTag(tag byte) bool {
	return tag == tagExtCHS || tag == tagExtLBA || tag == tagExtLinux
}

// packCHS encodes a (cylinder, head, sector) triple into the classic
// packed 3-byte form: byte0=head, byte1=(cyl>>2)&0xC0|sector,
// byte2=cyl&0xFF. Cylinders beyond 1023 clamp to the all-ones
// sentinel; LBA remains authoritative.
func packCHS(chs label.CHS) [3]byte {
	cyl := chs.Cylinder
	head := chs.Head
	sec := chs.Sector
	if cyl > 1023 {
		cyl = 1023
		head = 254
		sec = 63
	}
	return [3]byte{
		byte(head),
		byte(((cyl>>8)&0x3)<<6) | byte(sec&0x3F),
		byte(cyl & 0xFF),
	}
}

// unpackCHS decodes the packed triple. The caller is responsible for
// recomputing from LBA when the sentinel is seen.
func unpackCHS(b [3]byte) label.CHS {
	head := uint32(b[0])
	sec := uint32(b[1] & 0x3F)
	cyl := (uint32(b[1]&0xC0) << 2) | uint32(b[2])
	return label.CHS{Cylinder: cyl, Head: head, Sector: sec}
}

// chsFromLBA derives a CHS triple from an absolute LBA given the disk
// geometry, using heads*sectorsPerTrack as the cylinder size.
func chsFromLBA(lba uint64, geom label.Geometry) label.CHS {
	chsSectors := geom.CylinderSectors()
	if chsSectors == 0 {
		return label.CHS{}
	}
	cyl := lba / chsSectors
	rem := lba % chsSectors
	head := rem / uint64(geom.SectorsPerTrack)
	sec := rem%uint64(geom.SectorsPerTrack) + 1
	return label.CHS{Cylinder: uint32(cyl), Head: uint32(head), Sector: uint32(sec)}
}

// recomputeCHS fills s.StartCHS/EndCHS from StartLBA/SizeLBA and the
// codec's geometry, the canonical direction the consistency check
// compares against.
func (c *Codec) recomputeCHS(s *label.RawSlice) {
	s.StartCHS = chsFromLBA(s.StartLBA, c.Geometry)
	s.EndCHS = chsFromLBA(s.EndLBA(), c.Geometry)
}

func (c *Codec) Detect(disk label.SectorReader) (bool, error) {
	sec, err := disk.ReadSectors(0, 1)
	if err != nil {
		return false, err
	}
	if sec[bootSigOffset] != bootSigLo || sec[bootSigOffset+1] != bootSigHi {
		return false, nil
	}
	// A GPT-protective MBR also carries this signature and a single
	// 0xEE entry; callers must probe GPT first so this
	// function need not special-case it itself, but we still refuse to
	// call a lone 0xEE entry an MBR table of our own.
	for i := 0; i < 4; i++ {
		e := decodeEntry(sec[partTableOffset+i*entrySize:])
		if !e.empty() && e.tag == tagGPTProt {
			return false, nil
		}
	}
	return true, nil
}

// ReadTable decodes sector 0's four primary entries and recursively
// walks the extended-partition chain to produce logical slices.
func (c *Codec) ReadTable(disk label.SectorReader) ([]label.RawSlice, error) {
	sec, err := disk.ReadSectors(0, 1)
	if err != nil {
		return nil, err
	}
	var out []label.RawSlice
	order := 0
	for i := 0; i < 4; i++ {
		e := decodeEntry(sec[partTableOffset+i*entrySize:])
		if e.empty() {
			continue
		}
		rs := label.RawSlice{
			Order:    order,
			Kind:     label.KindPrimary,
			Tag:      e.tag,
			StartLBA: uint64(e.startLBA),
			SizeLBA:  uint64(e.sizeLBA),
			StartCHS: unpackCHS(e.startCHS),
			EndCHS:   unpackCHS(e.endCHS),
		}
		if e.boot&activeFlag != 0 {
			rs.Flags |= label.FlagBootable
		}
		order++
		if isExtendedTag(e.tag) {
			logicals, err := c.readExtendedChain(disk, uint64(e.startLBA), uint64(e.startLBA), &order)
			if err != nil {
				return nil, err
			}
			out = append(out, rs)
			out = append(out, logicals...)
			continue
		}
		out = append(out, rs)
	}
	return out, nil
}

// readExtendedChain recurses through the linked list of extended
// partition sectors: each holds at most one logical entry and an
// optional link to the next extended container. A link's startLBA is
// disk-relative via containerBase, not relative to the link sector
// itself.
func (c *Codec) readExtendedChain(disk label.SectorReader, linkLBA, containerBase uint64, order *int) ([]label.RawSlice, error) {
	sec, err := disk.ReadSectors(linkLBA, 1)
	if err != nil {
		return nil, fmt.Errorf("read extended link at LBA %d: %w", linkLBA, err)
	}
	var out []label.RawSlice
	for i := 0; i < 2; i++ {
		e := decodeEntry(sec[partTableOffset+i*entrySize:])
		if e.empty() {
			continue
		}
		if isExtendedTag(e.tag) {
			nextLBA := containerBase + uint64(e.startLBA)
			children, err := c.readExtendedChain(disk, nextLBA, containerBase, order)
			if err != nil {
				return nil, err
			}
			out = append(out, children...)
			continue
		}
		rs := label.RawSlice{
			Order:    *order,
			Kind:     label.KindLogical,
			Tag:      e.tag,
			StartLBA: linkLBA + uint64(e.startLBA),
			SizeLBA:  uint64(e.sizeLBA),
			StartCHS: unpackCHS(e.startCHS),
			EndCHS:   unpackCHS(e.endCHS),
		}
		if e.boot&activeFlag != 0 {
			rs.Flags |= label.FlagBootable
		}
		*order++
		out = append(out, rs)
	}
	return out, nil
}

// WriteTable serializes up to four primary entries to sector 0,
// re-synthesizing the extended-partition chain for any logical slices
// present. Logicals are written into extra sectors at the start of
// each logical slice's own leading track, matching the classic
// convention of reserving the logical's first track for its link
// sector.
func (c *Codec) WriteTable(disk label.SectorReaderWriter, slices []label.RawSlice) error {
	primaries := make([]label.RawSlice, 0, 4)
	var logicals []label.RawSlice
	for _, s := range slices {
		if s.Kind == label.KindEmpty {
			continue
		}
		if s.Kind == label.KindLogical {
			logicals = append(logicals, s)
		} else {
			primaries = append(primaries, s)
		}
	}
	if len(primaries) > 4 {
		return fmt.Errorf("mbr: %d primary entries exceeds the 4-entry limit", len(primaries))
	}

	sec, err := disk.ReadSectors(0, 1)
	if err != nil {
		return err
	}
	if len(sec) < sectorSize {
		sec = append(sec, make([]byte, sectorSize-len(sec))...)
	}
	for i := 0; i < 4; i++ {
		copy(sec[partTableOffset+i*entrySize:partTableOffset+(i+1)*entrySize], make([]byte, entrySize))
	}

	var extendedContainerLBA uint64
	var extendedEndCyl uint32
	if len(logicals) > 0 {
		// The container starts on the cylinder boundary one track before
		// the first logical (the logical's reserved first track).
		extendedContainerLBA = logicals[0].StartLBA - uint64(c.Geometry.SectorsPerTrack)
		for _, l := range logicals {
			if l.EndCHS.Cylinder > extendedEndCyl {
				extendedEndCyl = l.EndCHS.Cylinder
			}
		}
	}

	slot := 0
	for _, p := range primaries {
		if slot >= 4 {
			return fmt.Errorf("mbr: ran out of primary slots")
		}
		e := entry{tag: p.Tag, startLBA: uint32(p.StartLBA), sizeLBA: uint32(p.SizeLBA)}
		if p.Flags&label.FlagBootable != 0 {
			e.boot = activeFlag
		}
		e.startCHS = packCHS(p.StartCHS)
		e.endCHS = packCHS(p.EndCHS)
		copy(sec[partTableOffset+slot*entrySize:], e.encode())
		slot++
	}
	if len(logicals) > 0 {
		if slot >= 4 {
			return fmt.Errorf("mbr: no primary slot available for extended container")
		}
		extSize := (uint64(extendedEndCyl)+1)*c.Geometry.CylinderSectors() - extendedContainerLBA
		e := entry{tag: tagExtLBA, startLBA: uint32(extendedContainerLBA), sizeLBA: uint32(extSize)}
		e.startCHS = packCHS(chsFromLBA(extendedContainerLBA, c.Geometry))
		e.endCHS = packCHS(label.CHS{Cylinder: extendedEndCyl, Head: c.Geometry.Heads - 1, Sector: c.Geometry.SectorsPerTrack})
		copy(sec[partTableOffset+slot*entrySize:], e.encode())
		slot++
	}
	sec[bootSigOffset] = bootSigLo
	sec[bootSigOffset+1] = bootSigHi
	if err := disk.WriteSectors(0, sec); err != nil {
		return err
	}

	return c.writeExtendedChain(disk, logicals, extendedContainerLBA)
}

// writeExtendedChain writes one link sector per logical slice: each
// link sector lives at the logical's own first track (the "first track
// reserved" convention), contains the one logical entry (LBA relative
// to the link sector) and, if another logical follows, an extended
// entry pointing to the next link sector (LBA relative to the
// container's first sector, not the current link).
func (c *Codec) writeExtendedChain(disk label.SectorReaderWriter, logicals []label.RawSlice, containerBase uint64) error {
	for i, l := range logicals {
		linkLBA := l.StartLBA - uint64(c.Geometry.SectorsPerTrack) // reserved first track
		sec := make([]byte, sectorSize)
		e := entry{tag: l.Tag, startLBA: uint32(l.StartLBA - linkLBA), sizeLBA: uint32(l.SizeLBA)}
		if l.Flags&label.FlagBootable != 0 {
			e.boot = activeFlag
		}
		e.startCHS = packCHS(l.StartCHS)
		e.endCHS = packCHS(l.EndCHS)
		copy(sec[partTableOffset:], e.encode())

		if i+1 < len(logicals) {
			next := logicals[i+1]
			nextLinkLBA := next.StartLBA - uint64(c.Geometry.SectorsPerTrack)
			ee := entry{
				tag:      tagExtLBA,
				startLBA: uint32(nextLinkLBA - containerBase),
				sizeLBA:  uint32(next.SizeLBA + uint64(c.Geometry.SectorsPerTrack)),
			}
			ee.startCHS = packCHS(chsFromLBA(nextLinkLBA, c.Geometry))
			ee.endCHS = packCHS(next.EndCHS)
			copy(sec[partTableOffset+entrySize:], ee.encode())
		}
		sec[bootSigOffset] = bootSigLo
		sec[bootSigOffset+1] = bootSigHi
		if err := disk.WriteSectors(linkLBA, sec); err != nil {
			return fmt.Errorf("write extended link at LBA %d: %w", linkLBA, err)
		}
	}
	return nil
}

// CanCreate answers what may be created in the empty slice: primary
// only on cylinder 0, logical when nestled between existing logicals,
// primary when free primary slots exist and no adjacent logicals, any
// when both hold, none otherwise. Ambiguous "logical between two
// primaries with no existing extended container" inputs resolve to
// primary-only rather than silently widening a container that doesn't
// exist yet.
func (c *Codec) CanCreate(slices []label.RawSlice, emptyIndex int) label.CanCreateResult {
	if emptyIndex < 0 || emptyIndex >= len(slices) {
		return label.CanCreateNone
	}
	empty := slices[emptyIndex]
	if empty.Kind != label.KindEmpty {
		return label.CanCreateNone
	}

	if empty.StartCHS.Cylinder == 0 {
		return label.CanCreatePrimary
	}

	primaryCount := 0
	hasExtended := false
	for _, s := range slices {
		if s.Kind == label.KindPrimary {
			primaryCount++
		}
		if s.Kind == label.KindLogical {
			hasExtended = true
		}
	}
	freePrimarySlots := 4 - primaryCount
	if hasExtended {
		freePrimarySlots--
	}

	prevLogical := emptyIndex > 0 && slices[emptyIndex-1].Kind == label.KindLogical
	nextLogical := emptyIndex+1 < len(slices) && slices[emptyIndex+1].Kind == label.KindLogical

	switch {
	case prevLogical && nextLogical:
		return label.CanCreateLogical
	case (prevLogical || nextLogical) && hasExtended:
		if freePrimarySlots > 0 {
			return label.CanCreateAny
		}
		return label.CanCreateLogical
	case freePrimarySlots > 0 && !hasExtended:
		return label.CanCreatePrimary
	case freePrimarySlots > 0:
		return label.CanCreatePrimary
	default:
		return label.CanCreateNone
	}
}

// hideablePairs is the fixed visible->hidden tag table: hide toggles bit 0x10, a no-op on tags outside it.
var hideablePairs = map[byte]byte{
	0x01: 0x11, 0x04: 0x14, 0x06: 0x16, 0x07: 0x17, 0x0b: 0x1b, 0x0c: 0x1c, 0x0e: 0x1e,
}

func (c *Codec) CanHide(s label.RawSlice) bool {
	if _, ok := hideablePairs[s.Tag]; ok {
		return true
	}
	for _, hid := range hideablePairs {
		if s.Tag == hid {
			return true
		}
	}
	return false
}

func (c *Codec) Hide(s *label.RawSlice) {
	if hid, ok := hideablePairs[s.Tag]; ok {
		s.Tag = hid
		return
	}
	for vis, hid := range hideablePairs {
		if s.Tag == hid {
			s.Tag = vis
			return
		}
	}
}

// typeTable is the ~20-entry description table.
var typeTable = []label.TypeDescriptor{
	{Tag: 0x00, Description: "Empty"},
	{Tag: 0x01, Description: "FAT12"},
	{Tag: 0x04, Description: "FAT16 <32M"},
	{Tag: 0x05, Description: "Extended"},
	{Tag: 0x06, Description: "FAT16"},
	{Tag: 0x07, Description: "NTFS/HPFS/exFAT"},
	{Tag: 0x0b, Description: "FAT32"},
	{Tag: 0x0c, Description: "FAT32 (LBA)"},
	{Tag: 0x0e, Description: "FAT16 (LBA)"},
	{Tag: 0x0f, Description: "Extended (LBA)"},
	{Tag: 0x11, Description: "Hidden FAT12"},
	{Tag: 0x14, Description: "Hidden FAT16 <32M"},
	{Tag: 0x16, Description: "Hidden FAT16"},
	{Tag: 0x17, Description: "Hidden NTFS/HPFS/exFAT"},
	{Tag: 0x1b, Description: "Hidden FAT32"},
	{Tag: 0x1c, Description: "Hidden FAT32 (LBA)"},
	{Tag: 0x1e, Description: "Hidden FAT16 (LBA)"},
	{Tag: 0x82, Description: "Linux swap"},
	{Tag: 0x83, Description: "Linux"},
	{Tag: 0x8e, Description: "Linux LVM"},
	{Tag: 0xee, Description: "GPT protective"},
}

func (c *Codec) ListTypes() []label.TypeDescriptor {
	return append([]label.TypeDescriptor(nil), typeTable...)
}

func (c *Codec) DescribeSlice(s label.RawSlice) string {
	for _, t := range typeTable {
		if t.Tag == s.Tag {
			return t.Description
		}
	}
	return "Unknown"
}

func (c *Codec) SetType(s *label.RawSlice, typeIndex int) error {
	if typeIndex < 0 || typeIndex >= len(typeTable) {
		return fmt.Errorf("mbr: type index %d out of range", typeIndex)
	}
	s.Tag = typeTable[typeIndex].Tag
	return nil
}

// RecomputeCHS is exported for internal/slicemodel's consistency
// check, which must recompute CHS the same way the codec does when
// writing.
func (c *Codec) RecomputeCHS(s *label.RawSlice) { c.recomputeCHS(s) }
