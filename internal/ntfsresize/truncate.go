package ntfsresize

import (
	"fmt"

	"github.com/partitool/diskpart/internal/ntfscore"
)

// truncateBadClus truncates (shrink) or extends with a trailing hole
// (grow) $BadClus:$Bad's runlist to newClusters, rewriting the
// attribute's size fields and mapping pairs.
func (e *Engine) truncateBadClus(vol ntfscore.VolumeInfo, newClusters int64) error {
	rec, err := e.store.ReadMFTRecord(ntfscore.MFTReference{RecordNumber: ntfscore.FileBadClus})
	if err != nil {
		return fmt.Errorf("truncate $BadClus: read record: %w", err)
	}
	ai := findAttr(rec, ntfscore.AttrData)
	if ai < 0 {
		return fmt.Errorf("truncate $BadClus: no DATA attribute")
	}
	runs, err := e.store.DecodeRunlist(rec, ai)
	if err != nil {
		return fmt.Errorf("truncate $BadClus: decode runlist: %w", err)
	}
	newRuns := resizeRunlistToClusterCount(runs, newClusters)
	if err := e.store.ReplaceRunlist(&rec, ai, newRuns); err != nil {
		return fmt.Errorf("truncate $BadClus: replace runlist: %w", err)
	}
	rec.Attributes[ai].AllocatedSize = newClusters * vol.ClusterSize
	rec.Attributes[ai].DataSize = newClusters * vol.ClusterSize
	if err := e.store.WriteMFTRecord(rec); err != nil {
		return fmt.Errorf("truncate $BadClus: write record: %w", err)
	}
	return nil
}

// truncateBitmap rebuilds $Bitmap against the engine's live LCN
// bitmap (kept current through relocation). Shrink
// order: free $Bitmap's own old clusters, allocate
// ceil(newClusters/8/clusterSize) clusters from the reduced bitmap,
// write the new payload. For grow the bitmap was already extended when
// the allocator was built, so allocation naturally happens against the
// grown bitmap first.
func (e *Engine) truncateBitmap(vol ntfscore.VolumeInfo, newClusters int64, alloc *allocator) error {
	rec, err := e.store.ReadMFTRecord(ntfscore.MFTReference{RecordNumber: ntfscore.FileBitmap})
	if err != nil {
		return fmt.Errorf("truncate $Bitmap: read record: %w", err)
	}
	ai := findAttr(rec, ntfscore.AttrData)
	if ai < 0 {
		return fmt.Errorf("truncate $Bitmap: no DATA attribute")
	}
	oldRuns, err := e.store.DecodeRunlist(rec, ai)
	if err != nil {
		return fmt.Errorf("truncate $Bitmap: decode runlist: %w", err)
	}
	if len(oldRuns) != 1 {
		return ErrUnsupported{Reason: "fragmented $Bitmap is not supported yet"}
	}

	newByteLen := (newClusters + 7) / 8
	newBitmapClusters := (newByteLen + vol.ClusterSize - 1) / vol.ClusterSize

	// Free the old $Bitmap clusters that survive the resize before
	// allocating its replacement.
	for c := oldRuns[0].Cluster; c < oldRuns[0].Cluster+oldRuns[0].Length; c++ {
		if c >= 0 && c < newClusters {
			alloc.clearBit(c)
		}
	}

	newRuns, err := alloc.allocRuns(newBitmapClusters, false)
	if err != nil {
		return fmt.Errorf("truncate $Bitmap: allocate new bitmap space: %w", err)
	}

	newPayload := make([]byte, newBitmapClusters*vol.ClusterSize)
	copy(newPayload, alloc.bitmap)
	// Clusters beyond the volume end are set to 1.
	for i := newClusters; i < newBitmapClusters*vol.ClusterSize*8; i++ {
		newPayload[i/8] |= 1 << uint(i%8)
	}

	off := int64(0)
	for _, r := range newRuns {
		n := r.Length * vol.ClusterSize
		if off+n > int64(len(newPayload)) {
			n = int64(len(newPayload)) - off
		}
		if n <= 0 {
			break
		}
		if err := e.store.WriteClusters(r.LCN, newPayload[off:off+n]); err != nil {
			return fmt.Errorf("truncate $Bitmap: write new payload: %w", err)
		}
		off += n
	}

	encoded := make([]ntfscore.Run, len(newRuns))
	vcn := int64(0)
	for i, r := range newRuns {
		encoded[i] = ntfscore.Run{VCN: vcn, Cluster: r.LCN, Length: r.Length}
		vcn += r.Length
	}
	if err := e.store.ReplaceRunlist(&rec, ai, encoded); err != nil {
		return fmt.Errorf("truncate $Bitmap: replace runlist: %w", err)
	}
	rec.Attributes[ai].AllocatedSize = newBitmapClusters * vol.ClusterSize
	rec.Attributes[ai].DataSize = newByteLen
	if err := e.store.WriteMFTRecord(rec); err != nil {
		return fmt.Errorf("truncate $Bitmap: write record: %w", err)
	}
	return nil
}

// resizeRunlistToClusterCount truncates runs to end at newClusters
// (for shrink) or appends a trailing hole out to newClusters (for
// grow).
func resizeRunlistToClusterCount(runs []ntfscore.Run, newClusters int64) []ntfscore.Run {
	var out []ntfscore.Run
	var lastVCNEnd int64
	for _, r := range runs {
		if r.VCN >= newClusters {
			break
		}
		if r.VCN+r.Length > newClusters {
			r.Length = newClusters - r.VCN
		}
		out = append(out, r)
		lastVCNEnd = r.VCN + r.Length
	}
	if lastVCNEnd < newClusters {
		out = append(out, ntfscore.Run{VCN: lastVCNEnd, Cluster: ntfscore.HoleLCN, Length: newClusters - lastVCNEnd})
	}
	return out
}
