package ntfsresize

import "fmt"

// allocator is the per-resize cluster allocator. pos and
// maxFreeClusterRange live on this value, not in package state, so two
// concurrent resizes on different volumes never interfere.
type allocator struct {
	bitmap              []byte // one bit per cluster, low bit first
	totalClusters       int64
	pos                 int64
	maxFreeClusterRange int64
}

func newAllocator(bitmap []byte, totalClusters int64) *allocator {
	return &allocator{
		bitmap:              bitmap,
		totalClusters:       totalClusters,
		maxFreeClusterRange: totalClusters, // no bound known yet
	}
}

func (a *allocator) bitSet(i int64) bool {
	return a.bitmap[i/8]&(1<<uint(i%8)) != 0
}

func (a *allocator) setBit(i int64) {
	a.bitmap[i/8] |= 1 << uint(i%8)
}

func (a *allocator) clearBit(i int64) {
	a.bitmap[i/8] &^= 1 << uint(i%8)
}

// alloc requests n contiguous clusters, honoring the "hint" flag that
// asks for a run centered on totalClusters/2 ($MFTMirr's placement).
// On full or partial satisfaction, it returns the
// clusters it found and the number actually allocated; the caller loops
// to allocate the remainder when that's less than n.
func (a *allocator) alloc(n int64, hint bool) (lcn int64, got int64, err error) {
	if n <= 0 {
		return 0, 0, fmt.Errorf("allocator: request for %d clusters is invalid", n)
	}
	if n > a.totalClusters {
		return 0, 0, fmt.Errorf("allocator: request for %d clusters exceeds volume size %d", n, a.totalClusters)
	}
	if a.pos >= a.totalClusters {
		a.pos = 0
	}
	if hint {
		a.pos = a.totalClusters / 2
	}

	start := a.pos
	bestStart, bestLen := int64(-1), int64(0)
	runStart, runLen := int64(-1), int64(0)
	scanned := int64(0)
	i := start
	for scanned < a.totalClusters*2 { // allow wraparound once
		idx := i % a.totalClusters
		if idx == 0 {
			// A free run never continues across the wrap from the last
			// cluster back to cluster 0.
			runStart, runLen = -1, 0
		}
		if !a.bitSet(idx) {
			if runStart < 0 {
				runStart = idx
				runLen = 0
			}
			runLen++
			if runLen == n {
				a.commit(runStart, n)
				a.pos = (runStart + n) % a.totalClusters
				return runStart, n, nil
			}
			if runLen > bestLen {
				bestStart, bestLen = runStart, runLen
			}
			if runLen == a.maxFreeClusterRange && runLen < n {
				// No bigger run exists anywhere; stop scanning early.
				break
			}
		} else {
			runStart, runLen = -1, 0
		}
		i++
		scanned++
		if idx == start && scanned > 0 && runStart < 0 {
			// completed a full wrap with nothing pending; stop exactly
			// once around.
			if scanned >= a.totalClusters {
				break
			}
		}
	}

	if bestLen == 0 {
		return 0, 0, fmt.Errorf("allocator: no space available for %d clusters", n)
	}
	a.maxFreeClusterRange = bestLen
	a.commit(bestStart, bestLen)
	a.pos = (bestStart + bestLen) % a.totalClusters
	return bestStart, bestLen, nil
}

func (a *allocator) commit(start, n int64) {
	for i := start; i < start+n; i++ {
		a.setBit(i)
	}
}

// allocRuns satisfies a request of n clusters as one or more runs,
// looping alloc() until the full count is committed.
func (a *allocator) allocRuns(n int64, hint bool) ([]clusterRun, error) {
	var runs []clusterRun
	remaining := n
	first := true
	for remaining > 0 {
		lcn, got, err := a.alloc(remaining, hint && first)
		if err != nil {
			return nil, err
		}
		runs = append(runs, clusterRun{LCN: lcn, Length: got})
		remaining -= got
		first = false
	}
	return runs, nil
}

type clusterRun struct {
	LCN    int64
	Length int64
}
