package memory

import "segmem/pkg/common"

// SegmentDescriptor 段表项
type SegmentDescriptor struct {
	Valid     bool                  `json:"valid"`
	Limit     uint32                `json:"limit"`
	PageTable common.PageTableIndex `json:"page_table"`
	Shared    bool                  `json:"shared"`
	RefCount  uint32                `json:"ref_count"`
}

// SegmentTable is append-only. A destroyed segment keeps its slot with
// Valid=false so ids are never reused.
type SegmentTable struct {
	segments []SegmentDescriptor
}

func (st *SegmentTable) Get(id common.SegmentID) (*SegmentDescriptor, bool) {
	if !id.IsValid() || int(id) >= len(st.segments) {
		return nil, false
	}
	return &st.segments[id], true
}

func (st *SegmentTable) Append(desc SegmentDescriptor) common.SegmentID {
	st.segments = append(st.segments, desc)
	return common.SegmentID(len(st.segments) - 1)
}

func (st *SegmentTable) Len() int {
	return len(st.segments)
}
