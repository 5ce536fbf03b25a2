// Package process models an execution context that sees the engine through
// its own local segment numbers. It holds nothing but the local to global
// mapping; every access goes through the engine's global-id API.
package process

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"segmem/pkg/common"
	"segmem/pkg/memory"
	"segmem/pkg/shared"
)

var ErrUnknownLocal = errors.New("process: unknown local segment")

type mapping struct {
	global  common.SegmentID
	private bool
	shared  bool
	key     common.SharedKey
	reg     *shared.Registry
}

type Process struct {
	pid int
	mm  *memory.Manager

	mu       sync.Mutex
	segments []mapping
	log      *zap.SugaredLogger
}

func New(pid int, mm *memory.Manager, log *zap.SugaredLogger) *Process {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Process{
		pid: pid,
		mm:  mm,
		log: log.With("pid", pid),
	}
}

func (p *Process) PID() int {
	return p.pid
}

func (p *Process) add(m mapping) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.segments = append(p.segments, m)
	return len(p.segments) - 1
}

// CreatePrivateSegment asks the engine for an unshared segment; the process
// owns its single reference.
func (p *Process) CreatePrivateSegment(size uint32) (int, error) {
	id, err := p.mm.CreateSegment(size, false)
	if err != nil {
		p.log.Warnw("private segment creation failed", "size", size, "error", err)
		return -1, err
	}
	local := p.add(mapping{global: id, private: true})
	p.log.Infow("private segment created", "local", local, "global", id, "size", size)
	return local, nil
}

// Attach maps an existing global segment without taking a reference.
func (p *Process) Attach(global common.SegmentID) (int, error) {
	if !global.IsValid() {
		return -1, fmt.Errorf("process %d: attach: %w", p.pid, memory.ErrInvalidSegment)
	}
	local := p.add(mapping{global: global})
	p.log.Infow("segment attached", "local", local, "global", global)
	return local, nil
}

// AttachShared joins the shared segment under key through reg. Close
// detaches it from the same registry.
func (p *Process) AttachShared(reg *shared.Registry, key common.SharedKey, size uint32) (int, error) {
	id, err := reg.CreateOrGet(key, size)
	if err != nil {
		return -1, err
	}
	local := p.add(mapping{global: id, shared: true, key: key, reg: reg})
	p.log.Infow("shared segment attached", "local", local, "global", id, "key", key)
	return local, nil
}

func (p *Process) Global(local int) (common.SegmentID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if local < 0 || local >= len(p.segments) {
		return common.NoSegment, fmt.Errorf("process %d: %w %d", p.pid, ErrUnknownLocal, local)
	}
	return p.segments[local].global, nil
}

func (p *Process) WriteByte(local int, offset uint32, v byte) error {
	id, err := p.Global(local)
	if err != nil {
		return err
	}
	return p.mm.WriteByte(id, offset, v)
}

func (p *Process) ReadByte(local int, offset uint32) (byte, error) {
	id, err := p.Global(local)
	if err != nil {
		return 0, err
	}
	return p.mm.ReadByte(id, offset)
}

// Close gives back every reference the process holds: private segments are
// released and destroyed, shared ones detached. Plain attachments are only
// unmapped.
func (p *Process) Close() error {
	p.mu.Lock()
	segments := p.segments
	p.segments = nil
	p.mu.Unlock()

	var errs []error
	for _, m := range segments {
		switch {
		case m.private:
			if _, err := p.mm.Release(m.global); err != nil {
				errs = append(errs, err)
				continue
			}
			if err := p.mm.DestroySegment(m.global); err != nil {
				errs = append(errs, err)
			}
		case m.shared:
			if err := m.reg.Detach(m.key); err != nil {
				errs = append(errs, err)
			}
		}
	}
	p.log.Infow("process closed", "segments", len(segments), "errors", len(errs))
	return errors.Join(errs...)
}
