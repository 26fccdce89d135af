// Package diskio implements the block device adapter: random-access
// sector reads/writes, flush, geometry reporting, and a cache toggle,
// over an *os.File or any ReaderWriterAt.
package diskio

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/partitool/diskpart/internal/utils/logger"
)

var log = logger.Logger()

// Geometry describes the legacy CHS constants used to compute cylinder
// boundaries; LBA is authoritative whenever it disagrees with C*H*S.
type Geometry struct {
	Cylinders        uint32
	Heads            uint32
	SectorsPerTrack  uint32
}

// CHSSectorCount returns heads * sectorsPerTrack, the sector count of
// one cylinder.
func (g Geometry) CHSSectorCount() uint64 {
	return uint64(g.Heads) * uint64(g.SectorsPerTrack)
}

// ReaderWriterAt is the minimal surface diskio needs from its backing
// store; satisfied by *os.File and by in-memory test fakes.
type ReaderWriterAt interface {
	io.ReaderAt
	io.WriterAt
}

// Syncer is optionally implemented by the backing store to support Flush.
type Syncer interface {
	Sync() error
}

// Disk is one open block device or disk image.
type Disk struct {
	Name       string
	SectorSize int64
	Geometry   Geometry

	mu           sync.Mutex
	backing      ReaderWriterAt
	closer       io.Closer
	cache        bool
	totalSectors uint64
}

// Open opens path as a file-backed disk. sectorSize defaults to 512 when 0.
func Open(name, path string, sectorSize int64) (*Disk, error) {
	if sectorSize <= 0 {
		sectorSize = 512
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open disk %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat disk %s: %w", path, err)
	}
	totalSectors := uint64(fi.Size()) / uint64(sectorSize)
	return &Disk{
		Name:         name,
		SectorSize:   sectorSize,
		Geometry:     geometryFromTotalSectors(totalSectors),
		backing:      f,
		closer:       f,
		cache:        true,
		totalSectors: totalSectors,
	}, nil
}

// OpenReadOnly is Open but refuses any Write/WriteSectors call.
func OpenReadOnly(name, path string, sectorSize int64) (*Disk, error) {
	if sectorSize <= 0 {
		sectorSize = 512
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open disk %s read-only: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat disk %s: %w", path, err)
	}
	totalSectors := uint64(fi.Size()) / uint64(sectorSize)
	return &Disk{
		Name:         name,
		SectorSize:   sectorSize,
		Geometry:     geometryFromTotalSectors(totalSectors),
		backing:      f,
		closer:       f,
		cache:        true,
		totalSectors: totalSectors,
	}, nil
}

// WrapMemory adapts an in-memory buffer (tests, synthetic fixtures) as a Disk.
func WrapMemory(name string, sectorSize int64, backing ReaderWriterAt, totalSectors uint64) *Disk {
	return &Disk{
		Name:         name,
		SectorSize:   sectorSize,
		Geometry:     geometryFromTotalSectors(totalSectors),
		backing:      backing,
		cache:        true,
		totalSectors: totalSectors,
	}
}

// geometryFromTotalSectors derives a plausible legacy CHS geometry the
// way most BIOS-compatible tools default it: 255 heads, 63 sectors/track,
// cylinders = totalSectors / (heads*sectorsPerTrack); when geometry
// and total disagree, cylinders derive from the total.
func geometryFromTotalSectors(totalSectors uint64) Geometry {
	const heads = 255
	const spt = 63
	chs := uint64(heads) * uint64(spt)
	cyl := totalSectors / chs
	return Geometry{Cylinders: uint32(cyl), Heads: heads, SectorsPerTrack: spt}
}

// TotalSectors reports the disk's total sector count. LBA stays
// authoritative: the geometry's cylinder count rounds down, so the two
// may disagree by up to one cylinder.
func (d *Disk) TotalSectors() uint64 {
	return d.totalSectors
}

// ReadSectors reads count sectors starting at startLBA.
func (d *Disk) ReadSectors(startLBA uint64, count uint64) ([]byte, error) {
	buf := make([]byte, count*uint64(d.SectorSize))
	off := int64(startLBA) * d.SectorSize
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.backing.ReadAt(buf, off); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read %d sectors at LBA %d: %w", count, startLBA, err)
	}
	return buf, nil
}

// WriteSectors writes data (a whole number of sectors) starting at startLBA.
func (d *Disk) WriteSectors(startLBA uint64, data []byte) error {
	if int64(len(data))%d.SectorSize != 0 {
		return fmt.Errorf("write %d bytes is not a whole number of %d-byte sectors", len(data), d.SectorSize)
	}
	off := int64(startLBA) * d.SectorSize
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.backing.WriteAt(data, off); err != nil {
		return fmt.Errorf("write sectors at LBA %d: %w", startLBA, err)
	}
	return nil
}

// Flush commits any buffered writes to the backing store.
func (d *Disk) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.backing.(Syncer); ok {
		if err := s.Sync(); err != nil {
			return fmt.Errorf("flush disk %s: %w", d.Name, err)
		}
	}
	return nil
}

// Cache reports or sets the disk cache flag; the rawcopy pipeline and the
// NTFS resize engine disable it for the duration of a large operation and
// restore it afterward.
func (d *Disk) Cache() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cache
}

func (d *Disk) SetCache(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cache != enabled {
		log.Debugf("disk %s: cache -> %v", d.Name, enabled)
	}
	d.cache = enabled
}

// Close releases the underlying file handle, if any.
func (d *Disk) Close() error {
	if d.closer == nil {
		return nil
	}
	return d.closer.Close()
}

// WithCacheDisabled disables the disk's cache flag for the duration of fn
// and restores its prior value afterward, even on error; used around
// raw copies and NTFS metadata rewrites.
func WithCacheDisabled(ctx context.Context, disks []*Disk, fn func(context.Context) error) error {
	prior := make([]bool, len(disks))
	for i, d := range disks {
		prior[i] = d.Cache()
		d.SetCache(false)
	}
	defer func() {
		for i, d := range disks {
			d.SetCache(prior[i])
		}
	}()
	return fn(ctx)
}
