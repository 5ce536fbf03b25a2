package memory

import (
	"fmt"

	"segmem/pkg/common"
)

// FramePool is a LIFO free list of physical frames. It is not safe for
// concurrent use; the Manager serializes access.
type FramePool struct {
	free   []common.FrameIndex
	inPool []bool
}

// NewFramePool returns a pool holding frames 0..n-1. Frames are pushed in
// ascending order, so the first Allocate returns n-1.
func NewFramePool(n uint32) *FramePool {
	fp := &FramePool{
		free:   make([]common.FrameIndex, 0, n),
		inPool: make([]bool, n),
	}
	for i := uint32(0); i < n; i++ {
		fp.free = append(fp.free, common.FrameIndex(i))
		fp.inPool[i] = true
	}
	return fp
}

// Allocate pops the most recently released frame.
func (fp *FramePool) Allocate() (common.FrameIndex, bool) {
	if len(fp.free) == 0 {
		return common.InvalidFrame, false
	}
	f := fp.free[len(fp.free)-1]
	fp.free = fp.free[:len(fp.free)-1]
	fp.inPool[f] = false
	return f, true
}

// Release pushes f back. Releasing a frame that is already free, or one the
// pool never owned, breaks frame uniqueness and panics.
func (fp *FramePool) Release(f common.FrameIndex) {
	if int(f) >= len(fp.inPool) {
		panic(fmt.Sprintf("memory: release of unknown frame %d", f))
	}
	if fp.inPool[f] {
		panic(fmt.Sprintf("memory: double release of frame %d", f))
	}
	fp.inPool[f] = true
	fp.free = append(fp.free, f)
}

func (fp *FramePool) Free() int {
	return len(fp.free)
}

func (fp *FramePool) Capacity() int {
	return len(fp.inPool)
}

func (fp *FramePool) Contains(f common.FrameIndex) bool {
	return int(f) < len(fp.inPool) && fp.inPool[f]
}

// snapshot copies the free list in stack order, bottom first.
func (fp *FramePool) snapshot() []common.FrameIndex {
	out := make([]common.FrameIndex, len(fp.free))
	copy(out, fp.free)
	return out
}
