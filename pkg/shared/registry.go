package shared

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"
	"go.uber.org/zap"

	"segmem/pkg/common"
	"segmem/pkg/memory"
)

var (
	ErrCreationFailed = errors.New("shared: segment creation failed")
	ErrNotFound       = errors.New("shared: key not found")
	// ErrRegistryOwned refuses direct reference changes on a shared segment.
	ErrRegistryOwned = fmt.Errorf("%w: segment is owned by the shared registry", memory.ErrRefCountViolation)
)

// RequireUnshared fails for a shared segment. Only the registry may acquire,
// release or destroy one; everything else reaches it through attach/detach.
// Unknown or destroyed ids pass so the engine reports them itself.
func RequireUnshared(mm *memory.Manager, id common.SegmentID) error {
	seg, err := mm.Segment(id)
	if err != nil || !seg.Valid || !seg.Shared {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrRegistryOwned, id)
}

// Binding ties an external key to the global segment backing it.
type Binding struct {
	Key     common.SharedKey `json:"key"`
	Segment common.SegmentID `json:"segment"`
}

func lessBinding(a, b Binding) bool {
	return a.Key < b.Key
}

// Registry multiplexes attach/detach calls from many contexts onto one
// segment per key. Lock order is always registry, then engine.
type Registry struct {
	mu   sync.Mutex
	mm   *memory.Manager
	keys *btree.BTreeG[Binding]
	log  *zap.SugaredLogger
}

type Option func(*Registry)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

func NewRegistry(mm *memory.Manager, opts ...Option) *Registry {
	r := &Registry{
		mm:   mm,
		keys: btree.NewG(16, lessBinding),
		log:  zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateOrGet attaches to the segment registered under key, creating it
// with sizeBytes when absent. On reuse sizeBytes is ignored and the
// segment keeps its original size.
func (r *Registry) CreateOrGet(key common.SharedKey, sizeBytes uint32) (common.SegmentID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.keys.Get(Binding{Key: key}); ok {
		refs, err := r.mm.Acquire(b.Segment)
		if err != nil {
			r.log.Errorw("registered segment rejected acquire", "key", key, "segment", b.Segment, "error", err)
			return common.NoSegment, fmt.Errorf("%w: key %d: %w", ErrCreationFailed, key, err)
		}
		if desc, err := r.mm.Segment(b.Segment); err == nil && desc.Limit != sizeBytes {
			r.log.Debugw("size ignored on reuse", "key", key, "requested", sizeBytes, "limit", desc.Limit)
		}
		r.log.Infow("shared segment reused", "key", key, "segment", b.Segment, "ref_count", refs)
		return b.Segment, nil
	}

	id, err := r.mm.CreateSegment(sizeBytes, true)
	if err != nil {
		r.log.Warnw("shared segment creation failed", "key", key, "size", sizeBytes, "error", err)
		return common.NoSegment, fmt.Errorf("%w: key %d: %w", ErrCreationFailed, key, err)
	}
	r.keys.ReplaceOrInsert(Binding{Key: key, Segment: id})
	r.log.Infow("shared segment created", "key", key, "segment", id, "size", sizeBytes)
	return id, nil
}

// Detach drops one reference. The segment is destroyed and the key removed
// when the count reaches exactly zero.
func (r *Registry) Detach(key common.SharedKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.keys.Get(Binding{Key: key})
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, key)
	}

	refs, err := r.mm.Release(b.Segment)
	if err != nil {
		r.log.Errorw("detach rejected", "key", key, "segment", b.Segment, "error", err)
		return fmt.Errorf("shared: detach key %d: %w", key, err)
	}
	r.log.Infow("shared segment detached", "key", key, "segment", b.Segment, "ref_count", refs)
	if refs > 0 {
		return nil
	}

	if err := r.mm.DestroySegment(b.Segment); err != nil {
		r.log.Errorw("destroy after last detach failed", "key", key, "segment", b.Segment, "error", err)
		return fmt.Errorf("shared: detach key %d: %w", key, err)
	}
	r.keys.Delete(b)
	r.log.Infow("shared segment destroyed", "key", key, "segment", b.Segment)
	return nil
}

func (r *Registry) Lookup(key common.SharedKey) (common.SegmentID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.keys.Get(Binding{Key: key})
	if !ok {
		return common.NoSegment, fmt.Errorf("%w: %d", ErrNotFound, key)
	}
	return b.Segment, nil
}

// Bindings lists live keys in ascending order.
func (r *Registry) Bindings() []Binding {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Binding, 0, r.keys.Len())
	r.keys.Ascend(func(b Binding) bool {
		out = append(out, b)
		return true
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.keys.Len()
}
