package ntfscore

import (
	"fmt"
	"sync"
)

// MemStore is a reference, in-memory Store implementation used by
// internal/ntfsresize's own tests. It models just enough of a volume,
// a cluster arena plus an MFT record table, for the resize engine's
// algorithms to run against real data.
type MemStore struct {
	mu sync.Mutex

	info VolumeInfo

	clusters []byte
	records  map[uint64]*MFTRecord

	dirty         bool
	logFileReset  bool
	numberOfSectors uint64
	mftMirrLCN      int64
}

// NewMemStore builds a MemStore with totalClusters clusters of
// clusterSize bytes each, all zeroed, and no MFT records. Callers
// populate records via PutRecord before running the engine against it.
func NewMemStore(clusterSize, totalClusters int64, mftRecordSize int64) *MemStore {
	return &MemStore{
		info: VolumeInfo{
			ClusterSize:       clusterSize,
			SectorsPerCluster: uint8(clusterSize / 512),
			TotalClusters:     totalClusters,
			MFTRecordSize:     mftRecordSize,
			MajorVersion:      3,
			MinorVersion:      1,
		},
		clusters: make([]byte, clusterSize*totalClusters),
		records:  make(map[uint64]*MFTRecord),
	}
}

// PutRecord installs or overwrites an MFT record in the table and bumps
// MFTRecordCount if needed so Mount's VolumeInfo reflects it.
func (m *MemStore) PutRecord(rec MFTRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := rec
	cp.Attributes = append([]Attribute(nil), rec.Attributes...)
	m.records[rec.Ref.RecordNumber] = &cp
	if int64(rec.Ref.RecordNumber)+1 > m.info.MFTRecordCount {
		m.info.MFTRecordCount = int64(rec.Ref.RecordNumber) + 1
	}
}

// SetDeviceClusters declares the backing device larger than the volume
// (the enclosing partition was already grown), extending the cluster
// arena so the engine's grow path has room to write.
func (m *MemStore) SetDeviceClusters(deviceClusters int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.info.DeviceClusters = deviceClusters
	want := deviceClusters * m.info.ClusterSize
	if int64(len(m.clusters)) < want {
		m.clusters = append(m.clusters, make([]byte, want-int64(len(m.clusters)))...)
	}
}

// WriteClusterPattern fills [lcn, lcn+count) with a repeating byte, a
// convenience for building test fixtures with recognizable payloads.
func (m *MemStore) WriteClusterPattern(lcn, count int64, b byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	off := lcn * m.info.ClusterSize
	n := count * m.info.ClusterSize
	for i := int64(0); i < n; i++ {
		m.clusters[off+i] = b
	}
}

func (m *MemStore) Mount() (VolumeInfo, error) {
	return m.info, nil
}

func (m *MemStore) ReadMFTRecord(ref MFTReference) (MFTRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[ref.RecordNumber]
	if !ok {
		return MFTRecord{Ref: ref, InUse: false}, nil
	}
	cp := *rec
	cp.Attributes = append([]Attribute(nil), rec.Attributes...)
	return cp, nil
}

func (m *MemStore) WriteMFTRecord(rec MFTRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := rec
	cp.Attributes = append([]Attribute(nil), rec.Attributes...)
	m.records[rec.Ref.RecordNumber] = &cp
	return nil
}

func (m *MemStore) DecodeRunlist(rec MFTRecord, attrIndex int) ([]Run, error) {
	if attrIndex < 0 || attrIndex >= len(rec.Attributes) {
		return nil, fmt.Errorf("decode runlist: attribute index %d out of range", attrIndex)
	}
	attr := rec.Attributes[attrIndex]
	if attr.Resident {
		return nil, fmt.Errorf("decode runlist: attribute type %x is resident", attr.Type)
	}
	return append([]Run(nil), attr.Runlist...), nil
}

func (m *MemStore) ReplaceRunlist(rec *MFTRecord, attrIndex int, runs []Run) error {
	if attrIndex < 0 || attrIndex >= len(rec.Attributes) {
		return fmt.Errorf("replace runlist: attribute index %d out of range", attrIndex)
	}
	attr := &rec.Attributes[attrIndex]
	attr.Runlist = append([]Run(nil), runs...)
	if len(runs) == 0 {
		attr.LowestVCN, attr.HighestVCN = 0, 0
		return nil
	}
	attr.LowestVCN = runs[0].VCN
	last := runs[len(runs)-1]
	attr.HighestVCN = last.VCN + last.Length - 1
	return nil
}

func (m *MemStore) ReadClusters(lcn int64, count int64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	off := lcn * m.info.ClusterSize
	n := count * m.info.ClusterSize
	if lcn < 0 || off+n > int64(len(m.clusters)) {
		return nil, fmt.Errorf("read clusters: [%d,%d) out of range", lcn, lcn+count)
	}
	buf := make([]byte, n)
	copy(buf, m.clusters[off:off+n])
	return buf, nil
}

func (m *MemStore) WriteClusters(lcn int64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int64(len(data))%m.info.ClusterSize != 0 {
		return fmt.Errorf("write clusters: %d bytes is not a whole number of %d-byte clusters", len(data), m.info.ClusterSize)
	}
	off := lcn * m.info.ClusterSize
	if lcn < 0 || off+int64(len(data)) > int64(len(m.clusters)) {
		return fmt.Errorf("write clusters: starting at LCN %d overflows volume", lcn)
	}
	copy(m.clusters[off:], data)
	return nil
}

func (m *MemStore) SetDirtyFlag() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirty = true
	return nil
}

func (m *MemStore) ResetLogFile() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logFileReset = true
	return nil
}

func (m *MemStore) WriteBootSector(numberOfSectors uint64, mftMirrLCN int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.numberOfSectors = numberOfSectors
	if mftMirrLCN != 0 {
		m.mftMirrLCN = mftMirrLCN
	}
	return nil
}

func (m *MemStore) Sync() error  { return nil }
func (m *MemStore) Close() error { return nil }

// Dirty reports whether SetDirtyFlag was called; used by tests asserting
// the "inconsistent metadata" recovery path.
func (m *MemStore) Dirty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirty
}

// LogFileWasReset reports whether ResetLogFile was called.
func (m *MemStore) LogFileWasReset() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logFileReset
}

// BootSectorNumberOfSectors returns the last value WriteBootSector was
// called with.
func (m *MemStore) BootSectorNumberOfSectors() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.numberOfSectors
}

var _ Store = (*MemStore)(nil)
