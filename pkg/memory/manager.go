package memory

import (
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"

	"segmem/pkg/common"
	"segmem/pkg/monitor"
)

// Manager is the translation engine. It owns physical memory, the frame
// pool, the segment table and every page table, and serializes all public
// operations through one mutex held for the whole call.
type Manager struct {
	mu         sync.Mutex
	pageSize   uint32
	physical   []byte
	frames     *FramePool
	segments   SegmentTable
	pageTables []*PageTable

	stats *monitor.Stats
	log   *zap.SugaredLogger
}

type Option func(*Manager)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

func WithStats(s *monitor.Stats) Option {
	return func(m *Manager) {
		if s != nil {
			m.stats = s
		}
	}
}

// New allocates pageSize*frameCount bytes of zeroed physical memory.
func New(pageSize, frameCount uint32, opts ...Option) (*Manager, error) {
	if pageSize == 0 || frameCount == 0 {
		return nil, fmt.Errorf("%w: page size %d, frames %d", ErrInvalidConfig, pageSize, frameCount)
	}
	total := uint64(pageSize) * uint64(frameCount)
	if total > math.MaxInt32*uint64(16) {
		return nil, fmt.Errorf("%w: %d bytes of physical memory", ErrInvalidConfig, total)
	}

	m := &Manager{
		pageSize: pageSize,
		physical: make([]byte, total),
		frames:   NewFramePool(frameCount),
		stats:    monitor.NewStats(),
		log:      zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.log.Infow("memory manager initialized",
		"page_size", pageSize,
		"frames", frameCount,
		"physical_bytes", total)
	return m, nil
}

func (m *Manager) pageCount(size uint32) uint64 {
	return (uint64(size) + uint64(m.pageSize) - 1) / uint64(m.pageSize)
}

// CreateSegment allocates ceil(size/pageSize) frames and appends a new
// descriptor with RefCount 1. When the pool cannot cover every page nothing
// is allocated and NoSegment is returned.
func (m *Manager) CreateSegment(size uint32, shared bool) (common.SegmentID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pages := m.pageCount(size)
	if pages > uint64(m.frames.Free()) {
		m.stats.RecordAllocFailure()
		m.log.Warnw("segment creation failed",
			"size", size, "pages", pages, "free_frames", m.frames.Free())
		return common.NoSegment, opError("create", common.NoSegment, 0,
			fmt.Errorf("%w: need %d, have %d", ErrResourceExhausted, pages, m.frames.Free()))
	}
	if uint64(m.segments.Len()) >= uint64(common.NoSegment) || uint64(len(m.pageTables)) >= math.MaxUint32 {
		m.stats.RecordAllocFailure()
		return common.NoSegment, opError("create", common.NoSegment, 0,
			fmt.Errorf("%w: segment table full", ErrResourceExhausted))
	}

	pt := NewPageTable(uint32(pages))
	for i := 0; i < pt.Len(); i++ {
		f, ok := m.frames.Allocate()
		if !ok {
			// unreachable after the free count check; undo to keep the pool intact
			for j := i - 1; j >= 0; j-- {
				e, _ := pt.Entry(common.PageNumber(j))
				m.frames.Release(e.Frame)
			}
			return common.NoSegment, opError("create", common.NoSegment, 0, ErrResourceExhausted)
		}
		e, _ := pt.Entry(common.PageNumber(i))
		e.Present = true
		e.Frame = f
	}

	ptIndex := common.PageTableIndex(len(m.pageTables))
	m.pageTables = append(m.pageTables, pt)

	id := m.segments.Append(SegmentDescriptor{
		Valid:     true,
		Limit:     size,
		PageTable: ptIndex,
		Shared:    shared,
		RefCount:  1,
	})
	m.stats.RecordCreate()
	m.log.Infow("segment created",
		"segment", id, "size", size, "pages", pages, "shared", shared)
	return id, nil
}

// DestroySegment reclaims every frame of a valid segment whose reference
// count has already dropped to zero. The descriptor and page table slots
// stay in place as tombstones.
func (m *Manager) DestroySegment(id common.SegmentID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	seg, ok := m.segments.Get(id)
	if !ok || !seg.Valid {
		return opError("destroy", id, 0, ErrInvalidSegment)
	}
	if seg.RefCount != 0 {
		return opError("destroy", id, 0,
			fmt.Errorf("%w: ref count is %d", ErrRefCountViolation, seg.RefCount))
	}
	pt, err := m.pageTableLocked(seg)
	if err != nil {
		return opError("destroy", id, 0, err)
	}

	released := 0
	for i := 0; i < pt.Len(); i++ {
		e, _ := pt.Entry(common.PageNumber(i))
		if e.Present {
			m.frames.Release(e.Frame)
			e.Present = false
			e.Frame = common.InvalidFrame
			released++
		}
	}
	seg.Valid = false

	m.stats.RecordDestroy()
	m.log.Infow("segment destroyed", "segment", id, "frames_released", released)
	return nil
}

func (m *Manager) pageTableLocked(seg *SegmentDescriptor) (*PageTable, error) {
	if int(seg.PageTable) >= len(m.pageTables) {
		return nil, ErrInvalidPageTableReference
	}
	return m.pageTables[seg.PageTable], nil
}

// Translate resolves a logical address to a physical one.
func (m *Manager) Translate(id common.SegmentID, offset uint32) (common.PhysAddr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.translateLocked("translate", id, offset)
}

func (m *Manager) translateLocked(op string, id common.SegmentID, offset uint32) (common.PhysAddr, error) {
	pa, err := m.resolveLocked(id, offset)
	if err != nil {
		m.stats.RecordFault()
		m.log.Debugw("translation failed", "op", op, "segment", id, "offset", offset, "error", err)
		return 0, opError(op, id, offset, err)
	}
	m.stats.RecordTranslation()
	return pa, nil
}

func (m *Manager) resolveLocked(id common.SegmentID, offset uint32) (common.PhysAddr, error) {
	seg, ok := m.segments.Get(id)
	if !ok || !seg.Valid {
		return 0, ErrInvalidSegment
	}
	if offset >= seg.Limit {
		return 0, ErrOffsetOutOfBounds
	}

	page := common.PageNumber(offset / m.pageSize)
	pageOffset := offset % m.pageSize

	pt, err := m.pageTableLocked(seg)
	if err != nil {
		return 0, err
	}
	entry, ok := pt.Lookup(page)
	if !ok {
		// page table shorter than the limit implies
		return 0, ErrInvalidPageTableReference
	}
	if !entry.Present {
		return 0, ErrPageNotPresent
	}

	pa := common.PhysAddr(uint64(entry.Frame)*uint64(m.pageSize) + uint64(pageOffset))
	if uint64(pa) >= uint64(len(m.physical)) {
		return 0, ErrPhysicalAddressOutOfBounds
	}
	return pa, nil
}

func (m *Manager) ReadByte(id common.SegmentID, offset uint32) (byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pa, err := m.translateLocked("read", id, offset)
	if err != nil {
		return 0, err
	}
	m.stats.RecordRead()
	return m.physical[pa], nil
}

func (m *Manager) WriteByte(id common.SegmentID, offset uint32, v byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pa, err := m.translateLocked("write", id, offset)
	if err != nil {
		return err
	}
	m.stats.RecordWrite()
	m.physical[pa] = v
	return nil
}

// Read copies n bytes starting at offset. Every byte is translated before
// any is copied.
func (m *Manager) Read(id common.SegmentID, offset uint32, n uint32) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	addrs, err := m.translateRangeLocked("read", id, offset, n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(addrs))
	for i, pa := range addrs {
		out[i] = m.physical[pa]
	}
	m.stats.RecordRead()
	return out, nil
}

// Write stores data starting at offset, or nothing if any byte of the range
// fails to translate.
func (m *Manager) Write(id common.SegmentID, offset uint32, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if uint64(len(data)) > math.MaxUint32 {
		return opError("write", id, offset, ErrOffsetOutOfBounds)
	}
	addrs, err := m.translateRangeLocked("write", id, offset, uint32(len(data)))
	if err != nil {
		return err
	}
	for i, pa := range addrs {
		m.physical[pa] = data[i]
	}
	m.stats.RecordWrite()
	return nil
}

func (m *Manager) translateRangeLocked(op string, id common.SegmentID, offset, n uint32) ([]common.PhysAddr, error) {
	seg, ok := m.segments.Get(id)
	if !ok || !seg.Valid {
		m.stats.RecordFault()
		return nil, opError(op, id, offset, ErrInvalidSegment)
	}
	if end := uint64(offset) + uint64(n); end > uint64(seg.Limit) {
		m.stats.RecordFault()
		return nil, opError(op, id, offset, ErrOffsetOutOfBounds)
	}

	addrs := make([]common.PhysAddr, n)
	for i := uint32(0); i < n; i++ {
		pa, err := m.translateLocked(op, id, offset+i)
		if err != nil {
			return nil, err
		}
		addrs[i] = pa
	}
	return addrs, nil
}

// Segment returns a copy of the descriptor. ErrNotFound means the id was
// never assigned; tombstoned descriptors are returned with Valid=false.
func (m *Manager) Segment(id common.SegmentID) (SegmentDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seg, ok := m.segments.Get(id)
	if !ok {
		return SegmentDescriptor{}, opError("segment", id, 0, ErrNotFound)
	}
	return *seg, nil
}

// Acquire increments the reference count of a valid segment and returns the
// new count.
func (m *Manager) Acquire(id common.SegmentID) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seg, ok := m.segments.Get(id)
	if !ok || !seg.Valid {
		return 0, opError("acquire", id, 0, ErrInvalidSegment)
	}
	if seg.RefCount == math.MaxUint32 {
		return seg.RefCount, opError("acquire", id, 0, ErrRefCountViolation)
	}
	seg.RefCount++
	return seg.RefCount, nil
}

// Release decrements the reference count and returns the new count. It never
// destroys the segment; a count already at zero is reported and left alone.
func (m *Manager) Release(id common.SegmentID) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seg, ok := m.segments.Get(id)
	if !ok || !seg.Valid {
		return 0, opError("release", id, 0, ErrInvalidSegment)
	}
	if seg.RefCount == 0 {
		return 0, opError("release", id, 0,
			fmt.Errorf("%w: ref count already 0", ErrRefCountViolation))
	}
	seg.RefCount--
	return seg.RefCount, nil
}

// Frames lists the frame behind each page of the segment, InvalidFrame for
// absent pages.
func (m *Manager) Frames(id common.SegmentID) ([]common.FrameIndex, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seg, ok := m.segments.Get(id)
	if !ok {
		return nil, opError("frames", id, 0, ErrNotFound)
	}
	pt, err := m.pageTableLocked(seg)
	if err != nil {
		return nil, opError("frames", id, 0, err)
	}
	return framesOf(pt), nil
}

func framesOf(pt *PageTable) []common.FrameIndex {
	out := make([]common.FrameIndex, pt.Len())
	for i := range out {
		e, _ := pt.Lookup(common.PageNumber(i))
		if e.Present {
			out[i] = e.Frame
		} else {
			out[i] = common.InvalidFrame
		}
	}
	return out
}

func (m *Manager) PageSize() uint32 {
	return m.pageSize
}

func (m *Manager) FrameCount() int {
	return m.frames.Capacity()
}

func (m *Manager) PhysicalSize() int {
	return len(m.physical)
}

func (m *Manager) FreeFrames() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frames.Free()
}

func (m *Manager) SegmentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.segments.Len()
}

func (m *Manager) Stats() monitor.Snapshot {
	return m.stats.Snapshot()
}
