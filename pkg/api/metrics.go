package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"segmem/pkg/memory"
	"segmem/pkg/monitor"
	"segmem/pkg/shared"
)

// newMetrics exposes engine counters on a private registry; values are read
// at scrape time.
func newMetrics(mm *memory.Manager, reg *shared.Registry) *prometheus.Registry {
	r := prometheus.NewRegistry()

	counter := func(name, help string, v func(monitor.Snapshot) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help},
			func() float64 { return float64(v(mm.Stats())) })
	}
	gauge := func(name, help string, v func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, v)
	}

	r.MustRegister(
		counter("segmem_translations_total", "Successful byte translations; a range counts one per byte.",
			func(s monitor.Snapshot) uint64 { return s.Translations }),
		counter("segmem_faults_total", "Failed translations and rejected ranges.",
			func(s monitor.Snapshot) uint64 { return s.Faults }),
		counter("segmem_reads_total", "Read operations served, single byte or range.",
			func(s monitor.Snapshot) uint64 { return s.Reads }),
		counter("segmem_writes_total", "Write operations served, single byte or range.",
			func(s monitor.Snapshot) uint64 { return s.Writes }),
		counter("segmem_segments_created_total", "Segments created.",
			func(s monitor.Snapshot) uint64 { return s.SegmentsCreated }),
		counter("segmem_segments_destroyed_total", "Segments destroyed.",
			func(s monitor.Snapshot) uint64 { return s.SegmentsDestroyed }),
		counter("segmem_alloc_failures_total", "Segment creations refused for lack of frames.",
			func(s monitor.Snapshot) uint64 { return s.AllocFailures }),
		gauge("segmem_frames", "Physical frames.",
			func() float64 { return float64(mm.FrameCount()) }),
		gauge("segmem_free_frames", "Frames in the free pool.",
			func() float64 { return float64(mm.FreeFrames()) }),
		gauge("segmem_segments", "Segment table entries, tombstones included.",
			func() float64 { return float64(mm.SegmentCount()) }),
		gauge("segmem_shared_keys", "Bound shared keys.",
			func() float64 { return float64(reg.Len()) }),
		gauge("segmem_rw_ratio", "Reads per write.",
			func() float64 { return mm.Stats().ReadWriteRatio }),
	)
	return r
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.metrics.ServeHTTP(w, r)
}
