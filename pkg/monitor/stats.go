package monitor

import (
	"sync/atomic"
)

// Stats counts engine activity. All methods are safe for concurrent use.
type Stats struct {
	Translations      uint64 // successful, one per byte
	Faults            uint64
	Reads             uint64
	Writes            uint64
	SegmentsCreated   uint64
	SegmentsDestroyed uint64
	AllocFailures     uint64
}

func NewStats() *Stats {
	return &Stats{}
}

func (s *Stats) RecordTranslation() {
	atomic.AddUint64(&s.Translations, 1)
}

func (s *Stats) RecordFault() {
	atomic.AddUint64(&s.Faults, 1)
}

func (s *Stats) RecordRead() {
	atomic.AddUint64(&s.Reads, 1)
}

func (s *Stats) RecordWrite() {
	atomic.AddUint64(&s.Writes, 1)
}

func (s *Stats) RecordCreate() {
	atomic.AddUint64(&s.SegmentsCreated, 1)
}

func (s *Stats) RecordDestroy() {
	atomic.AddUint64(&s.SegmentsDestroyed, 1)
}

func (s *Stats) RecordAllocFailure() {
	atomic.AddUint64(&s.AllocFailures, 1)
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Translations      uint64  `json:"translations"`
	Faults            uint64  `json:"faults"`
	Reads             uint64  `json:"reads"`
	Writes            uint64  `json:"writes"`
	SegmentsCreated   uint64  `json:"segments_created"`
	SegmentsDestroyed uint64  `json:"segments_destroyed"`
	AllocFailures     uint64  `json:"alloc_failures"`
	ReadWriteRatio    float64 `json:"rw_ratio"`
}

func (s *Stats) Snapshot() Snapshot {
	snap := Snapshot{
		Translations:      atomic.LoadUint64(&s.Translations),
		Faults:            atomic.LoadUint64(&s.Faults),
		Reads:             atomic.LoadUint64(&s.Reads),
		Writes:            atomic.LoadUint64(&s.Writes),
		SegmentsCreated:   atomic.LoadUint64(&s.SegmentsCreated),
		SegmentsDestroyed: atomic.LoadUint64(&s.SegmentsDestroyed),
		AllocFailures:     atomic.LoadUint64(&s.AllocFailures),
	}
	snap.ReadWriteRatio = ratio(snap.Reads, snap.Writes)
	return snap
}

func ratio(reads, writes uint64) float64 {
	if writes == 0 {
		if reads > 0 {
			return 100.0
		}
		return 0.0
	}
	return float64(reads) / float64(writes)
}
