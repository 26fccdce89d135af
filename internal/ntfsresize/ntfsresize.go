// Package ntfsresize implements the NTFS Resize Engine:
// consistency check, bitmap reconciliation, constraint collection,
// cluster relocation for shrink, $MFT/$MFTMirr/$Bitmap/$BadClus
// truncation or extension, and the boot sector update.
package ntfsresize

import (
	"fmt"

	"github.com/partitool/diskpart/internal/ntfscore"
	"github.com/partitool/diskpart/internal/progress"
	"github.com/partitool/diskpart/internal/utils/logger"
)

var log = logger.Logger()

// Request bundles the per-run options passed into the engine; nothing
// here lives in package state.
type Request struct {
	NewClusterCount int64
	Force           bool // proceed despite a dirty volume
	BadSectors      bool // proceed despite bad clusters present
	Info            bool // consistency-check / constraint-report only, no writes
}

// Result reports what the engine actually did.
type Result struct {
	NoOp           bool // new size == current size
	Relocations    int64
	BadClusters    int64
	ChkdskRequired bool // partial-failure recovery path engaged
}

// ErrUnsupported wraps the "detect, don't silently mishandle" refusal
// conditions: cluster size above 64 KiB, fragmented $Bitmap,
// multi-run $MFTMirr, attribute-list $MFTMirr. Reparse points are not
// detected. The first $MFT data run is not refused; it pins lastUnsupp.
type ErrUnsupported struct{ Reason string }

func (e ErrUnsupported) Error() string { return fmt.Sprintf("ntfsresize: unsupported: %s", e.Reason) }

// ErrConstraint is returned by CheckConstraints.
type ErrConstraint struct{ Reason string }

func (e ErrConstraint) Error() string { return fmt.Sprintf("ntfsresize: rejected: %s", e.Reason) }

// lcnUsage is the in-memory LCN bitmap the consistency check builds and
// the constraint-collection pass refines.
type lcnUsage struct {
	bits    []byte
	total   int64
	inUse   int64
}

func newLCNUsage(total int64) *lcnUsage {
	return &lcnUsage{bits: make([]byte, (total+7)/8), total: total}
}

func (u *lcnUsage) get(i int64) bool {
	if i < 0 || i >= u.total {
		return false
	}
	return u.bits[i/8]&(1<<uint(i%8)) != 0
}

func (u *lcnUsage) set(i int64) (alreadySet bool) {
	alreadySet = u.get(i)
	u.bits[i/8] |= 1 << uint(i%8)
	return alreadySet
}

func (u *lcnUsage) markRun(run ntfscore.Run) (outsider, multiref bool) {
	if run.Cluster == ntfscore.HoleLCN {
		return false, false
	}
	for c := run.Cluster; c < run.Cluster+run.Length; c++ {
		if c < 0 || c >= u.total {
			outsider = true
			continue
		}
		if u.set(c) {
			multiref = true
			continue
		}
		u.inUse++
	}
	return outsider, multiref
}

// constraints accumulates per-category "last LCN" watermarks. lastUnsupp tracks the highest LCN owned by an
// attribute this engine cannot relocate; lastLCN tracks the highest
// LCN of the movable remainder (informational, drives the relocation
// estimate).
type constraints struct {
	lastUnsupp     int64
	lastLCN        int64
	relocations    int64
	badClusterRuns []ntfscore.Run
	mftMirrRunlist []ntfscore.Run
	mftMirrOldLCN  int64
}

// Engine drives one resize against a ntfscore.Store.
type Engine struct {
	store ntfscore.Store
	prog  *progress.Progress
}

func New(store ntfscore.Store, prog *progress.Progress) *Engine {
	if prog == nil {
		prog = progress.New(0)
	}
	return &Engine{store: store, prog: prog}
}

// Resize runs the full phase sequence, short-circuiting when the
// requested size equals the current size (currentClusters-1 is also a
// no-op, covering the trailing backup-sector reservation).
func (e *Engine) Resize(req Request) (Result, error) {
	vol, err := e.store.Mount()
	if err != nil {
		return Result{}, fmt.Errorf("mount: %w", err)
	}
	defer e.store.Close()

	if vol.Dirty && !req.Force {
		return Result{}, fmt.Errorf("ntfsresize: volume is dirty, run chkdsk or pass Force")
	}
	if vol.ClusterSize > 64*1024 {
		return Result{}, ErrUnsupported{Reason: "cluster size exceeds 64 KiB"}
	}

	newClusters := req.NewClusterCount
	// Clamp by one cluster to reserve a trailing sector for the backup
	// boot record. Growth is bounded by the
	// enclosing device, not the current volume size.
	maxAllowed := vol.TotalClusters - 1
	if vol.DeviceClusters > vol.TotalClusters {
		maxAllowed = vol.DeviceClusters - 1
	}
	if newClusters > maxAllowed {
		newClusters = maxAllowed
	}

	if newClusters == vol.TotalClusters || newClusters == vol.TotalClusters-1 {
		return Result{NoOp: true}, nil
	}

	usage, err := e.consistencyCheck(vol)
	if err != nil {
		return Result{}, err
	}

	if err := e.bitmapReconciliation(vol, usage); err != nil {
		return Result{}, err
	}

	cons, err := e.collectConstraints(vol, newClusters)
	if err != nil {
		return Result{}, err
	}
	lastUnsupp := cons.lastUnsupp
	if usage.inUse-1 > lastUnsupp {
		lastUnsupp = usage.inUse - 1
	}

	if len(cons.badClusterRuns) > 0 && !req.BadSectors {
		return Result{}, ErrConstraint{Reason: "bad clusters present; pass BadSectors to proceed"}
	}
	if newClusters < vol.TotalClusters {
		if usage.inUse >= vol.TotalClusters {
			return Result{}, ErrConstraint{Reason: "volume is full, cannot shrink"}
		}
		if newClusters < usage.inUse {
			return Result{}, ErrConstraint{Reason: "new size is less than in-use cluster count"}
		}
		if newClusters <= lastUnsupp {
			return Result{}, ErrConstraint{Reason: "new size does not exceed last_unsupp (unsupported configuration occupies that region)"}
		}
	}

	if req.Info {
		return Result{Relocations: cons.relocations, BadClusters: int64(len(cons.badClusterRuns))}, nil
	}

	if err := e.store.SetDirtyFlag(); err != nil {
		return Result{}, fmt.Errorf("set dirty flag: %w", err)
	}
	if err := e.store.ResetLogFile(); err != nil {
		return Result{}, fmt.Errorf("reset log file: %w", err)
	}

	// One live LCN bitmap serves relocation and the $Bitmap rewrite:
	// the allocator's view stays current as clusters move, so the new
	// $Bitmap payload reflects the post-relocation state. For grow the
	// bitmap is extended first, then $Bitmap reallocated.
	alloc := newAllocatorFromUsage(usage, newClusters)

	relocations := int64(0)
	chkdskRequired := false
	if newClusters < vol.TotalClusters && cons.relocations > 0 {
		n, err := e.relocateInodes(vol, newClusters, alloc, cons)
		relocations = n
		if err != nil {
			// Partial-failure policy: continue through the
			// cleanup we safely can, surface chkdsk-required, don't roll
			// back.
			log.Errorf("ntfsresize: relocation error, chkdsk will be required: %v", err)
			chkdskRequired = true
		}
	}

	if err := e.truncateBadClus(vol, newClusters); err != nil && !chkdskRequired {
		return Result{}, fmt.Errorf("truncate $BadClus: %w", err)
	}
	if err := e.truncateBitmap(vol, newClusters, alloc); err != nil && !chkdskRequired {
		return Result{}, fmt.Errorf("truncate $Bitmap: %w", err)
	}

	mftMirrLCN := int64(0)
	if len(cons.mftMirrRunlist) == 1 {
		mftMirrLCN = cons.mftMirrRunlist[0].Cluster
	}
	if err := e.store.WriteBootSector(uint64(newClusters)*uint64(vol.SectorsPerCluster), mftMirrLCN); err != nil {
		return Result{}, fmt.Errorf("update boot sector: %w", err)
	}

	if err := e.store.Sync(); err != nil {
		return Result{}, fmt.Errorf("sync: %w", err)
	}

	e.prog.Complete()
	return Result{Relocations: relocations, BadClusters: int64(len(cons.badClusterRuns)), ChkdskRequired: chkdskRequired}, nil
}

// ResizeConstraints reports the sector range a resize request may
// target: the partitioner asks how far this volume can shrink before it
// adjusts the enclosing slice. maxDeviceSectors caps growth at the
// enclosing slice's size, which the engine itself cannot know.
func (e *Engine) ResizeConstraints(maxDeviceSectors uint64) (minSectors, maxSectors uint64, err error) {
	vol, err := e.store.Mount()
	if err != nil {
		return 0, 0, fmt.Errorf("mount: %w", err)
	}
	defer e.store.Close()

	usage, err := e.consistencyCheck(vol)
	if err != nil {
		return 0, 0, err
	}
	if err := e.bitmapReconciliation(vol, usage); err != nil {
		return 0, 0, err
	}
	cons, err := e.collectConstraints(vol, 0)
	if err != nil {
		return 0, 0, err
	}
	lastUnsupp := cons.lastUnsupp
	if usage.inUse-1 > lastUnsupp {
		lastUnsupp = usage.inUse - 1
	}
	// Advisory floor: one cluster past the immovable region plus the
	// reserved trailing backup-boot cluster.
	minClusters := lastUnsupp + 2
	if minClusters < usage.inUse {
		minClusters = usage.inUse
	}
	spc := uint64(vol.SectorsPerCluster)
	minSectors = uint64(minClusters) * spc
	maxSectors = maxDeviceSectors
	if maxSectors == 0 {
		maxSectors = uint64(vol.TotalClusters) * spc
	}
	return minSectors, maxSectors, nil
}

// consistencyCheck walks every MFT record's non-resident attributes,
// skipping extension records, classifying every referenced run, and
// rejecting on "outsider" or "multi-ref" LCNs.
func (e *Engine) consistencyCheck(vol ntfscore.VolumeInfo) (*lcnUsage, error) {
	usage := newLCNUsage(vol.TotalClusters)
	e.prog.SetStatus("checking filesystem consistency")
	for i := int64(0); i < vol.MFTRecordCount; i++ {
		rec, err := e.store.ReadMFTRecord(ntfscore.MFTReference{RecordNumber: uint64(i)})
		if err != nil {
			return nil, fmt.Errorf("consistency check: read MFT record %d: %w", i, err)
		}
		if !rec.InUse || rec.BaseRecord != (ntfscore.MFTReference{}) {
			continue
		}
		for ai, attr := range rec.Attributes {
			if attr.Resident {
				continue
			}
			runs, err := e.store.DecodeRunlist(rec, ai)
			if err != nil {
				return nil, fmt.Errorf("consistency check: decode runlist for record %d attr %d: %w", i, ai, err)
			}
			for _, r := range runs {
				if r.Cluster == ntfscore.HoleLCN {
					continue
				}
				outsider, multiref := usage.markRun(r)
				if outsider {
					return nil, fmt.Errorf("consistency check: record %d references an out-of-range cluster", i)
				}
				if multiref {
					return nil, fmt.Errorf("consistency check: record %d references an already-claimed cluster", i)
				}
			}
		}
		e.prog.Advance(1, "")
	}
	return usage, nil
}

// bitmapReconciliation streams $Bitmap and compares it byte-by-byte
// against the reconstructed usage bitmap, tolerating exactly the single
// bit identifying the backup boot sector at C_old/2.
func (e *Engine) bitmapReconciliation(vol ntfscore.VolumeInfo, usage *lcnUsage) error {
	bitmapRec, err := e.store.ReadMFTRecord(ntfscore.MFTReference{RecordNumber: ntfscore.FileBitmap})
	if err != nil {
		return fmt.Errorf("bitmap reconciliation: read $Bitmap: %w", err)
	}
	idx := findAttr(bitmapRec, ntfscore.AttrData)
	if idx < 0 {
		return fmt.Errorf("bitmap reconciliation: $Bitmap has no DATA attribute")
	}
	runs, err := e.store.DecodeRunlist(bitmapRec, idx)
	if err != nil {
		return fmt.Errorf("bitmap reconciliation: decode $Bitmap runlist: %w", err)
	}
	if len(runs) != 1 {
		return ErrUnsupported{Reason: "fragmented $Bitmap is not supported yet"}
	}

	onDisk, err := e.store.ReadClusters(runs[0].Cluster, runs[0].Length)
	if err != nil {
		return fmt.Errorf("bitmap reconciliation: read $Bitmap payload: %w", err)
	}

	backupBit := vol.TotalClusters / 2
	mismatches := 0
	byteLen := int(vol.TotalClusters+7) / 8
	for i := 0; i < byteLen; i++ {
		var onDiskByte byte
		if i < len(onDisk) {
			onDiskByte = onDisk[i]
		}
		var wantByte byte
		if i < len(usage.bits) {
			wantByte = usage.bits[i]
		}
		if onDiskByte == wantByte {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			clusterIdx := int64(i*8 + bit)
			onBit := onDiskByte&(1<<uint(bit)) != 0
			wantBit := wantByte&(1<<uint(bit)) != 0
			if onBit == wantBit {
				continue
			}
			if clusterIdx == backupBit && onBit && !wantBit {
				continue // tolerated: backup boot sector marker
			}
			mismatches++
		}
	}
	if mismatches > 10 {
		return fmt.Errorf("bitmap reconciliation: %d mismatches exceeds the fatal threshold", mismatches)
	}
	return nil
}

func findAttr(rec ntfscore.MFTRecord, t ntfscore.AttrType) int {
	for i, a := range rec.Attributes {
		if a.Type == t {
			return i
		}
	}
	return -1
}

// collectConstraints classifies every non-resident attribute's runlist
// into a category. Attributes this
// engine cannot move (multi-mft attribute-list owners other than
// $MFTMirr, sparse, compressed) raise lastUnsupp; the movable
// remainder only raises the informational lastLCN watermark and, when
// shrinking, the relocation estimate for runs reaching past the new
// end.
func (e *Engine) collectConstraints(vol ntfscore.VolumeInfo, newClusters int64) (*constraints, error) {
	c := &constraints{}
	shrinking := newClusters < vol.TotalClusters
	for i := int64(0); i < vol.MFTRecordCount; i++ {
		rec, err := e.store.ReadMFTRecord(ntfscore.MFTReference{RecordNumber: uint64(i)})
		if err != nil {
			return nil, fmt.Errorf("collect constraints: read MFT record %d: %w", i, err)
		}
		if !rec.InUse {
			continue
		}
		for ai, attr := range rec.Attributes {
			if attr.Resident {
				continue
			}
			switch {
			case i == ntfscore.FileMFT && attr.Type == ntfscore.AttrData:
				runs, err := e.store.DecodeRunlist(rec, ai)
				if err != nil {
					return nil, err
				}
				// The first $MFT data run cannot be relocated yet; it
				// pins lastUnsupp instead of being counted movable. The
				// remaining runs are Pass B's job.
				rest := runs
				if len(runs) > 0 && runs[0].VCN == 0 && runs[0].Cluster != ntfscore.HoleLCN {
					if last := runs[0].Cluster + runs[0].Length - 1; last > c.lastUnsupp {
						c.lastUnsupp = last
					}
					rest = runs[1:]
				}
				c.noteMovable(rest, newClusters, shrinking)
			case i == ntfscore.FileMFTMirr && attr.Type == ntfscore.AttrData:
				if hasAttributeList(rec) {
					return nil, ErrUnsupported{Reason: "attribute-list $MFTMirr is not supported yet"}
				}
				runs, err := e.store.DecodeRunlist(rec, ai)
				if err != nil {
					return nil, err
				}
				if len(runs) > 1 {
					return nil, ErrUnsupported{Reason: "multi-run $MFTMirr is not supported yet"}
				}
				c.mftMirrRunlist = runs
				c.noteMovable(runs, newClusters, shrinking)
			case i == ntfscore.FileBadClus && attr.Type == ntfscore.AttrData:
				runs, err := e.store.DecodeRunlist(rec, ai)
				if err != nil {
					return nil, err
				}
				for _, r := range runs {
					if r.Cluster != ntfscore.HoleLCN {
						c.badClusterRuns = append(c.badClusterRuns, r)
					}
				}
			case (hasAttributeList(rec) && i != ntfscore.FileMFTMirr) || attr.Sparse || attr.Compressed:
				runs, err := e.store.DecodeRunlist(rec, ai)
				if err != nil {
					return nil, err
				}
				if last := highestLCN(runs); last > c.lastUnsupp {
					c.lastUnsupp = last
				}
			default:
				runs, err := e.store.DecodeRunlist(rec, ai)
				if err != nil {
					return nil, err
				}
				c.noteMovable(runs, newClusters, shrinking)
			}
		}
	}
	return c, nil
}

// noteMovable records a relocatable attribute's runs: the generic
// last-LCN watermark, plus (when shrinking) the cluster count that will
// need relocation because it lies at or past the new volume end.
func (c *constraints) noteMovable(runs []ntfscore.Run, newClusters int64, shrinking bool) {
	if last := highestLCN(runs); last > c.lastLCN {
		c.lastLCN = last
	}
	if !shrinking {
		return
	}
	for _, r := range runs {
		if r.Cluster == ntfscore.HoleLCN {
			continue
		}
		if end := r.Cluster + r.Length; end > newClusters {
			over := end - newClusters
			if over > r.Length {
				over = r.Length
			}
			c.relocations += over
		}
	}
}

func hasAttributeList(rec ntfscore.MFTRecord) bool {
	return findAttr(rec, ntfscore.AttrAttributeList) >= 0
}

func highestLCN(runs []ntfscore.Run) int64 {
	var max int64 = -1
	for _, r := range runs {
		if r.Cluster == ntfscore.HoleLCN {
			continue
		}
		if last := r.Cluster + r.Length - 1; last > max {
			max = last
		}
	}
	return max
}
