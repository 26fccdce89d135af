// Package rawcopy implements the concurrent raw-sector copy pipeline: a
// double buffer with one reader goroutine and one
// writer goroutine, cooperative chunking, and coarse-grained
// cancellation. Used by the move, copyDisk and paste paths in
// internal/partop.
package rawcopy

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/partitool/diskpart/internal/progress"
	"github.com/partitool/diskpart/internal/utils/logger"
)

var log = logger.Logger()

const (
	defaultBufferBytes = 1 << 20 // 1 MiB
	minBufferBytes     = 64 << 10
)

// Direction controls which end of the range is copied from first; movers
// with overlapping source/destination ranges pick this to avoid
// clobbering not-yet-read source sectors.
type Direction int

const (
	Forward  Direction = iota // copy low LBA to high LBA
	Backward                  // copy high LBA to low LBA
)

// Source and Dest abstract the two ends of a copy; internal/diskio.Disk
// satisfies both via ReadSectors/WriteSectors.
type Source interface {
	ReadSectors(startLBA uint64, count uint64) ([]byte, error)
}

type Dest interface {
	WriteSectors(startLBA uint64, data []byte) error
}

// Request describes one raw-sector copy.
type Request struct {
	Src          Source
	Dst          Dest
	SrcStartLBA  uint64
	DstStartLBA  uint64
	SectorCount  uint64
	SectorSize   int64
	Direction    Direction
	Progress     *progress.Progress
	// OverlapGuardChunks is the number of trailing chunks (from the
	// overlap-critical end) during which cancellation is refused,
	// because the next write would otherwise overwrite un-read source
	// data.
	OverlapGuardChunks int
}

// ErrCancelled is returned when the copy was cancelled via the progress
// object at a permitted poll point.
var ErrCancelled = fmt.Errorf("raw copy cancelled")

// buffer is one slot of the double buffer; state is owned by whichever
// goroutine currently holds it (full->writer, empty->reader).
type bufSlot struct {
	mu    sync.Mutex
	full  bool
	data  []byte
	lba   uint64
	count uint64
}

// Copy drives the two-task reader/writer pipeline and returns once
// both tasks report finished, or ErrCancelled if
// the operation was cancelled at a permitted boundary.
func Copy(req Request) error {
	if req.SectorCount == 0 {
		return nil
	}
	sectorSize := req.SectorSize
	if sectorSize <= 0 {
		sectorSize = 512
	}

	bufSectors := chunkSectors(defaultBufferBytes, sectorSize)
	if bufSectors == 0 {
		return fmt.Errorf("sector size %d exceeds minimum buffer size", sectorSize)
	}
	log.Debugf("raw copy: %d sectors, %d per chunk, dir=%v", req.SectorCount, bufSectors, req.Direction)

	slots := [2]*bufSlot{{}, {}}

	var finished int32 // count of tasks (reader, writer) that have exited
	var abort int32    // termination flag both tasks share
	var firstErr error
	var errMu sync.Mutex
	aborted := func() bool { return atomic.LoadInt32(&abort) != 0 }
	// fail records the first error and raises the shared termination
	// flag so the peer task's slot wait also unblocks; without it, one
	// task exiting early would leave the other spinning on a slot state
	// that will never change.
	fail := func(err error) {
		errMu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		errMu.Unlock()
		atomic.StoreInt32(&abort, 1)
	}

	chunks := planChunks(req.SectorCount, bufSectors, req.Direction)
	guardUntil := len(chunks) - req.OverlapGuardChunks
	if guardUntil < 0 {
		guardUntil = 0
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer atomic.AddInt32(&finished, 1)
		for i, c := range chunks {
			if i < guardUntil && req.Progress.Cancelled() {
				fail(ErrCancelled)
				return
			}
			slot := slots[i%2]
			slot.mu.Lock()
			for slot.full && !aborted() {
				slot.mu.Unlock()
				runtime.Gosched()
				slot.mu.Lock()
			}
			if aborted() {
				slot.mu.Unlock()
				return
			}
			srcLBA := req.SrcStartLBA + c.srcLBA
			dstLBA := req.DstStartLBA + c.dstLBA
			data, err := req.Src.ReadSectors(srcLBA, c.count)
			if err != nil {
				slot.mu.Unlock()
				fail(fmt.Errorf("raw copy read at LBA %d: %w", srcLBA, err))
				return
			}
			slot.data, slot.lba, slot.count, slot.full = data, dstLBA, c.count, true
			slot.mu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		defer atomic.AddInt32(&finished, 1)
		for i := range chunks {
			if i >= guardUntil {
				req.Progress.SetCanCancel(false)
			} else {
				req.Progress.SetCanCancel(true)
			}
			slot := slots[i%2]
			slot.mu.Lock()
			for !slot.full && !aborted() {
				slot.mu.Unlock()
				runtime.Gosched()
				slot.mu.Lock()
			}
			if aborted() {
				slot.mu.Unlock()
				return
			}
			data, lba, count := slot.data, slot.lba, slot.count
			slot.mu.Unlock()

			if err := req.Dst.WriteSectors(lba, data); err != nil {
				fail(fmt.Errorf("raw copy write at LBA %d: %w", lba, err))
				return
			}

			slot.mu.Lock()
			slot.full = false
			slot.mu.Unlock()

			req.Progress.Advance(count, fmt.Sprintf("copied %d/%d sectors", i+1, len(chunks)))

			if req.Progress.Cancelled() && i+1 < guardUntil {
				fail(ErrCancelled)
				return
			}
		}
	}()

	wg.Wait()
	req.Progress.SetCanCancel(true)

	if atomic.LoadInt32(&finished) == 2 && firstErr == nil {
		req.Progress.Complete()
		return nil
	}
	if firstErr != nil {
		return firstErr
	}
	return nil
}

type chunk struct {
	srcLBA, dstLBA, count uint64
}

// planChunks lays out the chunk boundaries: chunk size
// is min(bufSectors, remaining), direction picked so overlapping
// source/destination ranges never have a later write clobber an
// unread-source chunk.
func planChunks(total, bufSectors uint64, dir Direction) []chunk {
	var chunks []chunk
	offset := uint64(0)
	for offset < total {
		n := bufSectors
		if remaining := total - offset; n > remaining {
			n = remaining
		}
		chunks = append(chunks, chunk{count: n})
		offset += n
	}
	pos := uint64(0)
	for i := range chunks {
		chunks[i].srcLBA = pos
		chunks[i].dstLBA = pos
		pos += chunks[i].count
	}
	if dir == Backward {
		// Reverse both the chunk order and their relative offsets so the
		// highest-LBA chunk copies first.
		for i, j := 0, len(chunks)-1; i < j; i, j = i+1, j-1 {
			chunks[i], chunks[j] = chunks[j], chunks[i]
		}
	}
	return chunks
}

// chunkSectors returns how many whole sectors fit in bufBytes, halving
// down to minBufferBytes on pressure; returns 0 if even the minimum
// can't hold one sector.
func chunkSectors(bufBytes int, sectorSize int64) uint64 {
	for bufBytes >= minBufferBytes {
		if int64(bufBytes) >= sectorSize {
			return uint64(bufBytes) / uint64(sectorSize)
		}
		bufBytes /= 2
	}
	if sectorSize <= minBufferBytes {
		return uint64(minBufferBytes) / uint64(sectorSize)
	}
	return 0
}
