package memory

import "segmem/pkg/common"

// PageTableEntry 页表项: present 表示该页是否有物理帧
type PageTableEntry struct {
	Present bool
	Frame   common.FrameIndex
}

// PageTable maps every page of one segment. Its length is fixed at
// construction.
type PageTable struct {
	entries []PageTableEntry
}

func NewPageTable(pageCount uint32) *PageTable {
	entries := make([]PageTableEntry, pageCount)
	for i := range entries {
		entries[i].Frame = common.InvalidFrame
	}
	return &PageTable{entries: entries}
}

// Entry returns a mutable entry, or false when p is past the end.
func (pt *PageTable) Entry(p common.PageNumber) (*PageTableEntry, bool) {
	if int(p) >= len(pt.entries) {
		return nil, false
	}
	return &pt.entries[p], true
}

// Lookup is the read-only form of Entry.
func (pt *PageTable) Lookup(p common.PageNumber) (PageTableEntry, bool) {
	if int(p) >= len(pt.entries) {
		return PageTableEntry{}, false
	}
	return pt.entries[p], true
}

func (pt *PageTable) Len() int {
	return len(pt.entries)
}

// PresentCount counts entries backed by a frame.
func (pt *PageTable) PresentCount() int {
	n := 0
	for _, e := range pt.entries {
		if e.Present {
			n++
		}
	}
	return n
}
