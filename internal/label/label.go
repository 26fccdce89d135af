// Package label defines the label-neutral partition record (the "raw
// slice") and the Codec interface both MBR and GPT implementations
// satisfy.
package label

import "github.com/google/uuid"

// Kind is the label-neutral partition kind.
type Kind int

const (
	KindPrimary Kind = iota
	KindLogical
	KindEmpty
)

func (k Kind) String() string {
	switch k {
	case KindPrimary:
		return "primary"
	case KindLogical:
		return "logical"
	case KindEmpty:
		return "empty"
	default:
		return "unknown"
	}
}

// Flags is a small bitset of slice flags; currently only "bootable".
type Flags uint8

const FlagBootable Flags = 0x01

// CHS is a cylinder/head/sector triple as stored (or synthesized) in an
// on-disk entry.
type CHS struct {
	Cylinder uint32
	Head     uint32
	Sector   uint32
}

// CHSAllOnesSentinel is the all-ones value fdisk's CHS fields carry when
// the true cylinder exceeds the 10-bit field's range.
var CHSAllOnesSentinel = CHS{Cylinder: 1023, Head: 254, Sector: 63}

// RawSlice is the label-neutral partition record: it is the
// unit both the MBR and GPT codecs read and write, and the unit the
// Slice Model (internal/slicemodel) derives its view from.
type RawSlice struct {
	Order       int
	Kind        Kind
	Flags       Flags
	Tag         byte // MBR partition type byte; unused (0) for GPT
	TypeGUID    uuid.UUID
	PartGUID    uuid.UUID
	Attributes  uint64 // GPT attribute bits; unused for MBR
	StartLBA    uint64
	SizeLBA     uint64
	StartCHS    CHS
	EndCHS      CHS
}

// EndLBA returns the inclusive last sector of the slice.
func (r RawSlice) EndLBA() uint64 {
	if r.SizeLBA == 0 {
		return r.StartLBA
	}
	return r.StartLBA + r.SizeLBA - 1
}

// CanCreateResult is the answer to "what can be created in this empty
// space".
type CanCreateResult int

const (
	CanCreateNone CanCreateResult = iota
	CanCreatePrimary
	CanCreateLogical
	CanCreateAny
)

// TypeDescriptor is one entry of a codec's type table: MBR keys it by Tag, GPT by TypeGUID.
type TypeDescriptor struct {
	Tag         byte
	TypeGUID    uuid.UUID
	Description string
}

// Geometry is the subset of disk geometry codecs need to synthesize CHS
// fields from LBA values.
type Geometry struct {
	Cylinders        uint32
	Heads            uint32
	SectorsPerTrack  uint32
}

// CylinderSectors is heads * sectorsPerTrack, the sector count of one
// cylinder.
func (g Geometry) CylinderSectors() uint64 {
	return uint64(g.Heads) * uint64(g.SectorsPerTrack)
}

// Codec is the Label Codec interface: every label scheme
// (MBR, GPT) implements detect/read/write plus the handful of
// label-specific questions the Partition Operations layer needs without
// switching on the concrete label type.
type Codec interface {
	// Name identifies the label scheme ("mbr", "gpt").
	Name() string

	// SupportsLogical reports whether this scheme has a primary/logical
	// distinction (MBR: true; GPT: false).
	SupportsLogical() bool

	// SupportsTags reports whether slices are typed via a single byte tag
	// (MBR) as opposed to a type GUID (GPT).
	SupportsTags() bool

	// HasActiveFlag reports whether this scheme has a bootable/active
	// flag concept at all.
	HasActiveFlag() bool

	// Detect reports whether the disk at hand carries this label.
	// Detection order (GPT before MBR) is the caller's
	// responsibility: a GPT disk's protective MBR would otherwise
	// match MBR detection first.
	Detect(disk SectorReader) (bool, error)

	// ReadTable decodes the on-disk label into an ordered raw-slice list.
	ReadTable(disk SectorReader) ([]RawSlice, error)

	// WriteTable serializes raw-slices back to the disk's on-disk label.
	WriteTable(disk SectorReaderWriter, slices []RawSlice) error

	// DescribeSlice returns a human-readable type name for one entry.
	DescribeSlice(s RawSlice) string

	// CanCreate reports what kind of slice may be created at the given
	// empty-space index within the full ordered slice list.
	CanCreate(slices []RawSlice, emptyIndex int) CanCreateResult

	// CanHide reports whether the slice's type supports a hidden/visible
	// toggle (MBR's hideable tag pairs; GPT never supports this).
	CanHide(s RawSlice) bool

	// Hide toggles the hidden/visible bit of a hideable slice in place;
	// a no-op if CanHide is false.
	Hide(s *RawSlice)

	// ListTypes returns the ordered type table for setType/describeSlice.
	ListTypes() []TypeDescriptor

	// SetType applies ListTypes()[typeIndex] to the slice.
	SetType(s *RawSlice, typeIndex int) error

	// DefaultType is the type assigned to a freshly created slice before
	// the caller prompts for an explicit one.
	DefaultType() TypeDescriptor

	// FirstUsableLBA / LastUsableLBA bound where slices may legally
	// live; GPT reserves space for its headers and entry arrays at
	// both ends.
	FirstUsableLBA(totalSectors uint64) uint64
	LastUsableLBA(totalSectors uint64) uint64
}

// SectorReader is the minimal disk surface a codec needs to detect and
// read a label; satisfied by *internal/diskio.Disk.
type SectorReader interface {
	ReadSectors(startLBA uint64, count uint64) ([]byte, error)
	TotalSectors() uint64
}

// SectorReaderWriter extends SectorReader with the write half needed to
// serialize a table.
type SectorReaderWriter interface {
	SectorReader
	WriteSectors(startLBA uint64, data []byte) error
}
