package ntfsresize

import (
	"fmt"

	"github.com/partitool/diskpart/internal/ntfscore"
)

// relocateInodes runs two passes over the MFT. Pass A relocates every
// non-$MFT-data, non-bad attribute in record order; Pass B relocates
// the $MFT's own data attribute in reverse record order, respecting
// the highest/lowest VCN bookkeeping so extension records are
// processed before the base record they extend.
func (e *Engine) relocateInodes(vol ntfscore.VolumeInfo, newClusters int64, alloc *allocator, cons *constraints) (int64, error) {
	relocations := int64(0)

	e.prog.SetStatus("relocating inodes out of the shrink region")
	for i := int64(0); i < vol.MFTRecordCount; i++ {
		rec, err := e.store.ReadMFTRecord(ntfscore.MFTReference{RecordNumber: uint64(i)})
		if err != nil {
			return relocations, fmt.Errorf("pass A: read record %d: %w", i, err)
		}
		if !rec.InUse {
			continue
		}
		dirty := false
		for ai, attr := range rec.Attributes {
			if attr.Resident {
				continue
			}
			if i == ntfscore.FileMFT && attr.Type == ntfscore.AttrData {
				continue // handled in Pass B
			}
			if i == ntfscore.FileBadClus && attr.Type == ntfscore.AttrData {
				continue // handled separately by truncateBadClus
			}
			isMFTMirr := i == ntfscore.FileMFTMirr && attr.Type == ntfscore.AttrData
			n, err := e.relocateAttribute(&rec, ai, newClusters, alloc, isMFTMirr, cons)
			if err != nil {
				return relocations, fmt.Errorf("pass A: record %d attr %d: %w", i, ai, err)
			}
			if n > 0 {
				relocations += n
				dirty = true
			}
		}
		if dirty {
			if err := e.store.WriteMFTRecord(rec); err != nil {
				return relocations, fmt.Errorf("pass A: write record %d: %w", i, err)
			}
		}
		e.prog.Advance(1, "")
	}

	n, err := e.relocateMFTData(vol, newClusters, alloc)
	relocations += n
	return relocations, err
}

// relocateMFTData is Pass B: it walks
// MFT records highest-to-lowest, processing only the $MFT:data
// attribute whose HighestVCN matches the outer mftHighestVCN watermark,
// then lowers the watermark to lowestVCN-1. A full pass that fails to
// advance the watermark is a fatal sanity error.
func (e *Engine) relocateMFTData(vol ntfscore.VolumeInfo, newClusters int64, alloc *allocator) (int64, error) {
	relocations := int64(0)
	mftHighestVCN := int64(-1) // -1 means "not yet established"; first pass discovers it

	for {
		progressed := false
		highestSeen := int64(-1)
		for i := vol.MFTRecordCount - 1; i >= 0; i-- {
			rec, err := e.store.ReadMFTRecord(ntfscore.MFTReference{RecordNumber: uint64(i)})
			if err != nil {
				return relocations, fmt.Errorf("pass B: read record %d: %w", i, err)
			}
			if !rec.InUse {
				continue
			}
			ai := findAttr(rec, ntfscore.AttrData)
			if i != ntfscore.FileMFT && !rec.IsExtensionRecord() {
				continue
			}
			if ai < 0 {
				continue
			}
			attr := rec.Attributes[ai]
			if attr.HighestVCN > highestSeen {
				highestSeen = attr.HighestVCN
			}
			if mftHighestVCN >= 0 && attr.HighestVCN != mftHighestVCN {
				continue
			}
			n, err := e.relocateAttribute(&rec, ai, newClusters, alloc, false, &constraints{})
			if err != nil {
				return relocations, fmt.Errorf("pass B: record %d: %w", i, err)
			}
			if n > 0 {
				relocations += n
				if err := e.store.WriteMFTRecord(rec); err != nil {
					return relocations, fmt.Errorf("pass B: write record %d: %w", i, err)
				}
			}
			progressed = true
			if attr.LowestVCN <= 0 {
				mftHighestVCN = 0
			} else {
				mftHighestVCN = attr.LowestVCN - 1
			}
			break // one matching attribute per outer iteration
		}
		if mftHighestVCN <= 0 {
			break
		}
		if !progressed {
			return relocations, fmt.Errorf("pass B: fixed point reached with mft_highest_vcn=%d still nonzero", mftHighestVCN)
		}
	}
	return relocations, nil
}

// relocateAttribute splits any run straddling newClusters, relocates
// the pieces lying at or after newClusters via the allocator,
// raw-copies the payload, and rewrites the runlist if anything moved.
func (e *Engine) relocateAttribute(rec *ntfscore.MFTRecord, attrIndex int, newClusters int64, alloc *allocator, isMFTMirr bool, cons *constraints) (int64, error) {
	runs, err := e.store.DecodeRunlist(*rec, attrIndex)
	if err != nil {
		return 0, err
	}
	if isMFTMirr && len(runs) > 1 {
		return 0, ErrUnsupported{Reason: "multi-run $MFTMirr is not supported yet"}
	}

	var out []ntfscore.Run
	moved := int64(0)
	changed := false
	for _, r := range runs {
		if r.Cluster == ntfscore.HoleLCN {
			out = append(out, r)
			continue
		}
		if r.Cluster+r.Length <= newClusters {
			out = append(out, r)
			continue
		}
		if r.Cluster < newClusters {
			// Straddles the boundary: split into a kept left piece and a
			// relocated right piece.
			leftLen := newClusters - r.Cluster
			out = append(out, ntfscore.Run{VCN: r.VCN, Cluster: r.Cluster, Length: leftLen})
			right := ntfscore.Run{VCN: r.VCN + leftLen, Cluster: r.Cluster + leftLen, Length: r.Length - leftLen}
			relocated, n, err := e.relocateRun(right, alloc, isMFTMirr)
			if err != nil {
				return moved, err
			}
			out = append(out, relocated...)
			moved += n
			changed = true
			if isMFTMirr {
				cons.mftMirrOldLCN = right.Cluster
			}
			continue
		}
		relocated, n, err := e.relocateRun(r, alloc, isMFTMirr)
		if err != nil {
			return moved, err
		}
		out = append(out, relocated...)
		moved += n
		changed = true
		if isMFTMirr {
			cons.mftMirrOldLCN = r.Cluster
		}
	}

	if !changed {
		return 0, nil
	}
	if isMFTMirr {
		cons.mftMirrRunlist = out
	}
	if err := e.store.ReplaceRunlist(rec, attrIndex, out); err != nil {
		return moved, fmt.Errorf("replace runlist: %w", err)
	}
	return moved, nil
}

// relocateRun allocates new clusters for run (hinting center-of-volume
// placement for $MFTMirr), raw-copies the payload, and
// returns the replacement run(s). Source clusters are not freed in the
// allocator bitmap now; truncation drops them later by virtue of
// lying outside the new volume.
func (e *Engine) relocateRun(run ntfscore.Run, alloc *allocator, hint bool) ([]ntfscore.Run, int64, error) {
	newRuns, err := alloc.allocRuns(run.Length, hint)
	if err != nil {
		return nil, 0, fmt.Errorf("relocate run: %w", err)
	}
	var out []ntfscore.Run
	vcn := run.VCN
	for _, nr := range newRuns {
		data, err := e.store.ReadClusters(run.Cluster+(vcn-run.VCN), nr.Length)
		if err != nil {
			return nil, 0, fmt.Errorf("relocate run: read source clusters: %w", err)
		}
		if err := e.store.WriteClusters(nr.LCN, data); err != nil {
			return nil, 0, fmt.Errorf("relocate run: write dest clusters: %w", err)
		}
		out = append(out, ntfscore.Run{VCN: vcn, Cluster: nr.LCN, Length: nr.Length})
		vcn += nr.Length
	}
	return out, run.Length, nil
}

// newAllocatorFromUsage seeds an allocator from the reconciled LCN
// bitmap, truncated (or zero-extended) to the new volume size.
func newAllocatorFromUsage(usage *lcnUsage, newClusters int64) *allocator {
	bitmap := make([]byte, (newClusters+7)/8)
	copy(bitmap, usage.bits)
	return newAllocator(bitmap, newClusters)
}
