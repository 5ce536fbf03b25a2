package common

import (
	"fmt"
	"math"
)

// FrameIndex 是物理内存中帧的编号
type FrameIndex uint32

// InvalidFrame marks an entry with no backing frame.
const InvalidFrame = FrameIndex(math.MaxUint32)

func (f FrameIndex) IsValid() bool {
	return f != InvalidFrame
}

// PageNumber indexes a page inside one segment.
type PageNumber uint32

// PageTableIndex indexes the engine's page table slots.
type PageTableIndex uint32

// SegmentID is the permanent position of a descriptor in the segment table.
type SegmentID uint32

// NoSegment is returned by id-producing calls on failure.
const NoSegment = SegmentID(math.MaxUint32)

func (s SegmentID) IsValid() bool {
	return s != NoSegment
}

func (s SegmentID) String() string {
	if !s.IsValid() {
		return "segment(none)"
	}
	return fmt.Sprintf("segment(%d)", uint32(s))
}

// PhysAddr is a byte offset into physical memory.
type PhysAddr uint64

// SharedKey names a shared segment, like a System V IPC key.
type SharedKey int64

// LogicalAddress 由段号和段内偏移组成
type LogicalAddress struct {
	Segment SegmentID
	Offset  uint32
}

func (la LogicalAddress) String() string {
	return fmt.Sprintf("(%d:%d)", la.Segment, la.Offset)
}
