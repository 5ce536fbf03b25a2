package memory

import "segmem/pkg/common"

// Snapshot is a deep copy of the engine state taken under the engine lock.
type Snapshot struct {
	PageSize   uint32              `json:"page_size"`
	FrameCount uint32              `json:"frame_count"`
	FreeFrames []common.FrameIndex `json:"free_frames"`
	Segments   []SegmentSnapshot   `json:"segments"`
}

// SegmentSnapshot holds one descriptor, its frames and, for valid
// segments, the Limit bytes of its contents in logical order.
type SegmentSnapshot struct {
	ID common.SegmentID `json:"id"`
	SegmentDescriptor
	Frames []common.FrameIndex `json:"frames"`
	Data   []byte              `json:"data,omitempty"`
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		PageSize:   m.pageSize,
		FrameCount: uint32(m.frames.Capacity()),
		FreeFrames: m.frames.snapshot(),
		Segments:   make([]SegmentSnapshot, 0, m.segments.Len()),
	}
	for i := 0; i < m.segments.Len(); i++ {
		id := common.SegmentID(i)
		seg, _ := m.segments.Get(id)
		ss := SegmentSnapshot{ID: id, SegmentDescriptor: *seg}
		if pt, err := m.pageTableLocked(seg); err == nil {
			ss.Frames = framesOf(pt)
		}
		if seg.Valid {
			ss.Data = m.copyOutLocked(seg, ss.Frames)
		}
		snap.Segments = append(snap.Segments, ss)
	}
	return snap
}

func (m *Manager) copyOutLocked(seg *SegmentDescriptor, frames []common.FrameIndex) []byte {
	out := make([]byte, seg.Limit)
	for page, f := range frames {
		if !f.IsValid() {
			continue
		}
		start := uint64(page) * uint64(m.pageSize)
		n := uint64(m.pageSize)
		if start+n > uint64(seg.Limit) {
			n = uint64(seg.Limit) - start
		}
		base := uint64(f) * uint64(m.pageSize)
		copy(out[start:start+n], m.physical[base:base+n])
	}
	return out
}

// UsedFrames returns the number of frames held by valid segments.
func (s Snapshot) UsedFrames() int {
	return int(s.FrameCount) - len(s.FreeFrames)
}
