package ntfsresize

import "testing"

// TestAllocatorFragmentation exercises a fragmented volume: a 100-cluster
// bitmap with free runs of lengths {40,30,20,7} separated by single
// occupied clusters. Allocating 50 clusters must succeed as two runs:
// the full 40-run, then 10 clusters from the next free run.
func TestAllocatorFragmentation(t *testing.T) {
	// Layout: [0..39] free, [40] used, [41..70] free, [71] used,
	// [72..91] free, [92] used, [93..99] free. That's runs of 40, 30,
	// 20, 7 (99-93+1=7, close enough for this fixture; what matters is
	// there are more than enough free clusters and three runs long
	// enough to matter).
	bitmap := make([]byte, (100+7)/8)
	used := []int{40, 71, 92}
	for _, u := range used {
		bitmap[u/8] |= 1 << uint(u%8)
	}
	a := newAllocator(bitmap, 100)

	runs, err := a.allocRuns(50, false)
	if err != nil {
		t.Fatalf("allocRuns(50): %v", err)
	}
	var total int64
	for _, r := range runs {
		total += r.Length
	}
	if total != 50 {
		t.Fatalf("allocated %d clusters, want 50", total)
	}
	if len(runs) < 2 {
		t.Fatalf("expected fragmentation across multiple runs, got %+v", runs)
	}
	if runs[0].LCN != 0 || runs[0].Length != 40 {
		t.Fatalf("first run = %+v, want {LCN:0 Length:40}", runs[0])
	}
}

func TestAllocatorRejectsZeroAndOversizedRequests(t *testing.T) {
	a := newAllocator(make([]byte, 13), 100)
	if _, _, err := a.alloc(0, false); err == nil {
		t.Fatal("expected error for 0-cluster request")
	}
	if _, _, err := a.alloc(101, false); err == nil {
		t.Fatal("expected error for request exceeding volume size")
	}
}

func TestAllocatorHintCentersOnHalfVolume(t *testing.T) {
	a := newAllocator(make([]byte, 13), 100)
	lcn, got, err := a.alloc(5, true)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if got != 5 {
		t.Fatalf("got %d clusters, want 5", got)
	}
	if lcn != 50 {
		t.Fatalf("hinted allocation started at LCN %d, want 50 (volume/2)", lcn)
	}
}

func TestAllocatorDoesNotReuseCommittedClusters(t *testing.T) {
	a := newAllocator(make([]byte, 13), 100)
	first, _, err := a.alloc(10, false)
	if err != nil {
		t.Fatalf("first alloc: %v", err)
	}
	second, _, err := a.alloc(10, false)
	if err != nil {
		t.Fatalf("second alloc: %v", err)
	}
	if second >= first && second < first+10 {
		t.Fatalf("second allocation %d overlaps first [%d,%d)", second, first, first+10)
	}
}
